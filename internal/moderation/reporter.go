// Package moderation receives abuse reports filed by clients. Reports are
// fire and forget: filing one never blocks or fails the reporter's own
// teardown.
package moderation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/strangercast/rendezvous/internal/metrics"
	"github.com/strangercast/rendezvous/internal/store"
)

// Reporter is the sink for abuse reports.
type Reporter interface {
	Report(ctx context.Context, reporter, reported store.ClientID, room store.RoomID)
}

// LogReporter writes every report to the structured log. This is the default
// sink when no webhook is configured.
type LogReporter struct {
	Log     *slog.Logger
	Metrics *metrics.Metrics
}

func (r *LogReporter) Report(ctx context.Context, reporter, reported store.ClientID, room store.RoomID) {
	r.Metrics.Inc(metrics.ReportFiled)
	log := r.Log
	if log == nil {
		log = slog.Default()
	}
	log.Warn("abuse report filed",
		"reporter", string(reporter),
		"reported", string(reported),
		"room", string(room))
}

// WebhookReporter POSTs each report as JSON to an external endpoint. Delivery
// happens on a background goroutine with its own deadline so a slow endpoint
// cannot stall a disconnect.
type WebhookReporter struct {
	URL     string
	Client  *http.Client
	Timeout time.Duration
	Log     *slog.Logger
	Metrics *metrics.Metrics
}

type webhookPayload struct {
	Reporter string    `json:"reporter"`
	Reported string    `json:"reported"`
	Room     string    `json:"room"`
	FiledAt  time.Time `json:"filedAt"`
}

func (r *WebhookReporter) Report(ctx context.Context, reporter, reported store.ClientID, room store.RoomID) {
	r.Metrics.Inc(metrics.ReportFiled)
	payload := webhookPayload{
		Reporter: string(reporter),
		Reported: string(reported),
		Room:     string(room),
		FiledAt:  time.Now().UTC(),
	}
	go func() {
		if err := r.deliver(payload); err != nil {
			r.logger().Warn("abuse report webhook failed", "error", err, "url", r.URL)
		}
	}()
}

func (r *WebhookReporter) deliver(payload webhookPayload) error {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}

func (r *WebhookReporter) logger() *slog.Logger {
	if r.Log != nil {
		return r.Log
	}
	return slog.Default()
}
