package main

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/strangercast/rendezvous/internal/config"
)

type recordedLog struct {
	level slog.Level
	msg   string
	attrs map[string]any
}

type recordingHandler struct {
	mu      *sync.Mutex
	records *[]recordedLog
	attrs   []slog.Attr
}

func newRecordingLogger() (*slog.Logger, func() []recordedLog) {
	mu := &sync.Mutex{}
	records := &[]recordedLog{}
	h := &recordingHandler{mu: mu, records: records}
	logger := slog.New(h)
	return logger, func() []recordedLog {
		mu.Lock()
		defer mu.Unlock()
		out := make([]recordedLog, len(*records))
		copy(out, *records)
		return out
	}
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool {
	return true
}

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	rec := recordedLog{
		level: r.Level,
		msg:   r.Message,
		attrs: map[string]any{},
	}
	for _, a := range h.attrs {
		rec.attrs[a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		rec.attrs[a.Key] = a.Value.Any()
		return true
	})

	h.mu.Lock()
	*h.records = append(*h.records, rec)
	h.mu.Unlock()
	return nil
}

func (h *recordingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	cp := &recordingHandler{mu: h.mu, records: h.records}
	cp.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return cp
}

func (h *recordingHandler) WithGroup(string) slog.Handler {
	return h
}

func warningCodes(records []recordedLog) []string {
	var codes []string
	for _, r := range records {
		if r.level != slog.LevelWarn {
			continue
		}
		if code, ok := r.attrs["warning_code"].(string); ok {
			codes = append(codes, code)
		}
	}
	return codes
}

func hasCode(codes []string, want string) bool {
	for _, c := range codes {
		if c == want {
			return true
		}
	}
	return false
}

func TestStartupSecurityWarnings(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.Config
		want string
	}{
		{
			name: "auth none in prod",
			cfg:  config.Config{Mode: config.ModeProd, AuthMode: config.AuthModeNone, MaxWaiting: 1, MaxRooms: 1, AllowedOrigins: []string{"https://a.example"}},
			want: "auth_mode_none_in_prod",
		},
		{
			name: "wildcard origins",
			cfg:  config.Config{Mode: config.ModeDev, AllowedOrigins: []string{"*"}},
			want: "allowed_origins_wildcard",
		},
		{
			name: "empty origins in prod",
			cfg:  config.Config{Mode: config.ModeProd, AuthMode: config.AuthModeAPIKey, MaxWaiting: 1, MaxRooms: 1},
			want: "allowed_origins_empty_in_prod",
		},
		{
			name: "unlimited quotas in prod",
			cfg:  config.Config{Mode: config.ModeProd, AuthMode: config.AuthModeAPIKey, AllowedOrigins: []string{"https://a.example"}},
			want: "quotas_unlimited_in_prod",
		},
		{
			name: "no ice servers",
			cfg:  config.Config{Mode: config.ModeDev},
			want: "no_ice_servers",
		},
		{
			name: "very long turn rest ttl",
			cfg: config.Config{Mode: config.ModeDev, TURNREST: config.TURNRESTConfig{
				SharedSecret: "shh", TTL: 48 * time.Hour, UsernamePrefix: "rdv",
			}},
			want: "turn_rest_ttl_large",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, records := newRecordingLogger()
			logStartupSecurityWarnings(logger, tt.cfg)
			codes := warningCodes(records())
			if !hasCode(codes, tt.want) {
				t.Fatalf("codes %v missing %q", codes, tt.want)
			}
		})
	}
}

func TestStartupSecurityWarnings_QuietWhenHardened(t *testing.T) {
	logger, records := newRecordingLogger()
	cfg := config.Config{
		Mode:           config.ModeProd,
		AuthMode:       config.AuthModeAPIKey,
		APIKey:         "secret",
		AllowedOrigins: []string{"https://chat.example.com"},
		MaxWaiting:     1000,
		MaxRooms:       1000,
		ICEServers:     []webrtc.ICEServer{{URLs: []string{"stun:stun.example.com:3478"}}},
		TURNREST:       config.TURNRESTConfig{SharedSecret: "shh", TTL: time.Hour, UsernamePrefix: "rdv"},
	}
	logStartupSecurityWarnings(logger, cfg)
	if codes := warningCodes(records()); len(codes) != 0 {
		t.Fatalf("hardened config still warns: %v", codes)
	}
}
