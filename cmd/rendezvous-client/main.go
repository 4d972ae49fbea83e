// rendezvous-client is a headless demo peer. It connects to a rendezvousd
// instance, waits for a partner, and negotiates a real WebRTC connection
// through the relayed signaling channel. Run two of them against the same
// server to watch a full pairing.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/strangercast/rendezvous/internal/negotiate"
	"github.com/strangercast/rendezvous/internal/peerconn"
	"github.com/strangercast/rendezvous/internal/relay"
	"github.com/strangercast/rendezvous/internal/signaling"
)

func main() {
	var (
		serverURL = flag.String("server", "http://127.0.0.1:8080", "rendezvousd base URL")
		apiKey    = flag.String("api-key", "", "API key when the server runs with AUTH_MODE=api_key")
		logLevel  = flag.String("log-level", "info", "log level: debug, info, warn, error")
	)
	flag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, strings.TrimRight(*serverURL, "/"), *apiKey); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("client exited", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, serverURL, apiKey string) error {
	iceServers, err := fetchICEServers(ctx, serverURL)
	if err != nil {
		logger.Warn("fetching ICE servers failed, continuing without", "err", err)
	}

	wsURL := "ws" + strings.TrimPrefix(serverURL, "http") + "/rtc/signal"
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", wsURL, err)
	}
	defer conn.Close()

	c := &client{
		conn:       conn,
		log:        logger,
		iceServers: iceServers,
	}

	if apiKey != "" {
		if err := c.send(signaling.Message{Type: signaling.MessageTypeAuth, APIKey: apiKey}); err != nil {
			return err
		}
	}
	if err := c.send(signaling.Message{Type: signaling.MessageTypeStart}); err != nil {
		return err
	}
	logger.Info("waiting for a partner")

	go func() {
		<-ctx.Done()
		_ = c.send(signaling.Message{Type: signaling.MessageTypeDisconnect})
		_ = conn.Close()
	}()

	return c.loop(ctx)
}

type client struct {
	conn       *websocket.Conn
	log        *slog.Logger
	iceServers []webrtc.ICEServer

	writeMu sync.Mutex

	pc      *peerconn.PeerConn
	machine *negotiate.Machine
}

func (c *client) loop(ctx context.Context) error {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		var msg signaling.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn("dropping malformed server message", "err", err)
			continue
		}
		if err := c.handle(ctx, msg); err != nil {
			return err
		}
	}
}

func (c *client) handle(ctx context.Context, msg signaling.Message) error {
	switch msg.Type {
	case signaling.MessageTypeMatched:
		return c.onMatched(ctx, msg)
	case signaling.MessageTypeOffer:
		if msg.SDP == nil {
			return nil
		}
		return c.onSignal(ctx, &relay.SignalMessage{Kind: relay.KindOffer, SDP: msg.SDP.SDP})
	case signaling.MessageTypeAnswer:
		if msg.SDP == nil {
			return nil
		}
		return c.onSignal(ctx, &relay.SignalMessage{Kind: relay.KindAnswer, SDP: msg.SDP.SDP})
	case signaling.MessageTypeCandidate:
		if msg.Candidate == nil {
			return nil
		}
		raw, err := json.Marshal(msg.Candidate)
		if err != nil {
			return err
		}
		return c.onSignal(ctx, &relay.SignalMessage{Kind: relay.KindCandidate, Candidate: raw})
	case signaling.MessageTypePeerLeft:
		c.log.Info("partner left")
		c.teardown()
		// Ask for a new partner.
		return c.send(signaling.Message{Type: signaling.MessageTypeStart})
	case signaling.MessageTypeClosed:
		c.log.Info("session closed", "reason", msg.Reason)
		c.teardown()
	case signaling.MessageTypeError:
		c.log.Warn("server error", "code", msg.Code, "message", msg.Message)
	}
	return nil
}

func (c *client) onMatched(ctx context.Context, msg signaling.Message) error {
	initiator := msg.Initiator != nil && *msg.Initiator
	c.log.Info("matched", "room", msg.RoomID, "peer", msg.PeerID, "initiator", initiator)

	pc, err := peerconn.New(peerconn.Config{ICEServers: c.iceServers, Logger: c.log})
	if err != nil {
		return fmt.Errorf("peer connection: %w", err)
	}
	c.pc = pc
	c.machine = negotiate.NewMachine(negotiate.Config{
		Transport: pc,
		Send:      c.emit,
		Logger:    c.log,
	})

	go c.watchState(ctx, c.machine)

	role := negotiate.RoleResponder
	if initiator {
		role = negotiate.RoleInitiator
	}
	return c.machine.Matched(ctx, role)
}

func (c *client) onSignal(ctx context.Context, msg *relay.SignalMessage) error {
	if c.machine == nil {
		c.log.Debug("dropping signal before match", "kind", string(msg.Kind))
		return nil
	}
	if err := c.machine.HandleSignal(ctx, msg); err != nil && !errors.Is(err, negotiate.ErrClosed) {
		return err
	}
	return nil
}

// emit forwards locally generated signals to the server.
func (c *client) emit(kind relay.Kind, sdp string, candidate json.RawMessage) error {
	switch kind {
	case relay.KindOffer:
		return c.send(signaling.Message{Type: signaling.MessageTypeOffer, SDP: &signaling.SDP{Type: "offer", SDP: sdp}})
	case relay.KindAnswer:
		return c.send(signaling.Message{Type: signaling.MessageTypeAnswer, SDP: &signaling.SDP{Type: "answer", SDP: sdp}})
	case relay.KindCandidate:
		var cand signaling.Candidate
		if err := json.Unmarshal(candidate, &cand); err != nil {
			return err
		}
		return c.send(signaling.Message{Type: signaling.MessageTypeCandidate, Candidate: &cand})
	}
	return nil
}

func (c *client) watchState(ctx context.Context, machine *negotiate.Machine) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			switch machine.State() {
			case negotiate.StateConnected:
				c.log.Info("peer connection established")
				return
			case negotiate.StateClosed:
				return
			}
		}
	}
}

func (c *client) teardown() {
	if c.machine != nil {
		_ = c.machine.Close()
		c.machine = nil
	}
	if c.pc != nil {
		_ = c.pc.Close()
		c.pc = nil
	}
}

func (c *client) send(msg signaling.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func fetchICEServers(ctx context.Context, serverURL string) ([]webrtc.ICEServer, error) {
	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, serverURL+"/rtc/ice", nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET /rtc/ice: status %d", resp.StatusCode)
	}
	var payload struct {
		ICEServers []webrtc.ICEServer `json:"iceServers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, err
	}
	return payload.ICEServers, nil
}
