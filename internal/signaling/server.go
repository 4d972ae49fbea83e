// Package signaling is the WebSocket edge of the rendezvous service. One
// connection carries one anonymous client: it authenticates (when
// configured), asks to be paired, and exchanges offer/answer/candidate
// messages with whichever partner the matchmaker assigns.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/strangercast/rendezvous/internal/match"
	"github.com/strangercast/rendezvous/internal/metrics"
	"github.com/strangercast/rendezvous/internal/moderation"
	"github.com/strangercast/rendezvous/internal/ratelimit"
	"github.com/strangercast/rendezvous/internal/relay"
	"github.com/strangercast/rendezvous/internal/session"
	"github.com/strangercast/rendezvous/internal/store"
)

const wsWriteWait = 1 * time.Second

// Config wires the signaling server's dependencies and hardening knobs.
type Config struct {
	Store    *store.Store
	Match    *match.Matchmaker
	Relay    *relay.Relay
	Reporter moderation.Reporter

	Authorizer Authorizer

	// AuthTimeout bounds how long an unauthenticated connection may sit idle
	// before the first auth message.
	AuthTimeout time.Duration
	// IdleTimeout closes connections that stop answering pings.
	IdleTimeout  time.Duration
	PingInterval time.Duration

	MaxMessageBytes      int64
	MaxMessagesPerSecond int

	// MatchTimeout bounds one wait in the pool; 0 means unbounded.
	MatchTimeout time.Duration

	Clock   ratelimit.Clock
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Server upgrades GET /rtc/signal connections. Origin policy is enforced by
// the surrounding HTTP middleware, so the upgrader accepts any origin here.
type Server struct {
	cfg      Config
	log      *slog.Logger
	upgrader websocket.Upgrader
}

func NewServer(cfg Config) *Server {
	if cfg.Authorizer == nil {
		cfg.Authorizer = allowAll{}
	}
	if cfg.Clock == nil {
		cfg.Clock = ratelimit.RealClock{}
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cfg: cfg,
		log: log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := store.NewClientID()
	wss := &wsSession{
		srv:    s,
		conn:   conn,
		req:    r,
		client: client,
		log:    s.log.With("client", string(client)),
		done:   make(chan struct{}),
	}
	if s.cfg.MaxMessagesPerSecond > 0 {
		n := int64(s.cfg.MaxMessagesPerSecond)
		wss.limiter = ratelimit.NewTokenBucket(s.cfg.Clock, n, n)
	}
	wss.ctrl = session.New(session.Config{
		Client:     client,
		Store:      s.cfg.Store,
		Match:      s.cfg.Match,
		Relay:      s.cfg.Relay,
		Reporter:   s.cfg.Reporter,
		Metrics:    s.cfg.Metrics,
		Logger:     wss.log,
		OnMatched:  wss.onMatched,
		OnSignal:   wss.onSignal,
		OnPeerLeft: wss.onPeerLeft,
		OnClosed:   wss.onClosed,
	})
	wss.run()
}

// wsSession owns one connection and its lifecycle controller. The read loop
// is the only reader; sends are serialized on writeMu.
type wsSession struct {
	srv    *Server
	conn   *websocket.Conn
	req    *http.Request
	client store.ClientID
	log    *slog.Logger

	ctrl    *session.Controller
	limiter *ratelimit.TokenBucket

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}

	// Owned by the read goroutine (the pong handler runs inside ReadMessage).
	authorized bool
}

func (wss *wsSession) run() {
	defer wss.Close()

	cfg := wss.srv.cfg
	wss.conn.SetReadLimit(cfg.MaxMessageBytes)
	wss.conn.SetPongHandler(func(string) error {
		if wss.authorized {
			_ = wss.conn.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))
		}
		return nil
	})
	if cfg.PingInterval > 0 {
		go wss.pingLoop(cfg.PingInterval)
	}

	switch err := cfg.Authorizer.Authorize(wss.req, CredentialFromQuery(wss.req)); {
	case err == nil:
		wss.authorized = true
		_ = wss.conn.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))
	case errors.Is(err, ErrMissingCredential):
		_ = wss.conn.SetReadDeadline(time.Now().Add(cfg.AuthTimeout))
	default:
		wss.srv.cfg.Metrics.Inc(metrics.AuthFailure)
		wss.fail("unauthorized", "invalid credentials", websocket.ClosePolicyViolation)
		return
	}

	for {
		msgType, data, err := wss.conn.ReadMessage()
		if err != nil {
			if !wss.authorized && isTimeout(err) {
				wss.srv.cfg.Metrics.Inc(metrics.AuthFailure)
				wss.closeWith(websocket.ClosePolicyViolation, "authentication timeout")
			}
			return
		}
		// Rate limit after reading so the bytes already in the TCP buffer are
		// consumed; closing with unread data risks an RST that hides the
		// close reason from the client.
		if wss.limiter != nil && !wss.limiter.Allow(1) {
			wss.srv.cfg.Metrics.Inc(metrics.DropReasonRateLimited)
			wss.fail("rate_limited", "rate limit exceeded", websocket.ClosePolicyViolation)
			return
		}
		if msgType != websocket.TextMessage {
			wss.fail("bad_message", "expected text message", websocket.CloseUnsupportedData)
			return
		}

		msg, err := ParseMessage(data)
		if err != nil {
			wss.fail("bad_message", err.Error(), websocket.ClosePolicyViolation)
			return
		}

		if !wss.authorized {
			if msg.Type != MessageTypeAuth {
				wss.srv.cfg.Metrics.Inc(metrics.AuthFailure)
				wss.fail("unauthorized", "authentication required", websocket.ClosePolicyViolation)
				return
			}
			if err := wss.srv.cfg.Authorizer.Authorize(wss.req, msg.APIKey); err != nil {
				wss.srv.cfg.Metrics.Inc(metrics.AuthFailure)
				wss.fail("unauthorized", "invalid credentials", websocket.ClosePolicyViolation)
				return
			}
			wss.authorized = true
			_ = wss.conn.SetReadDeadline(time.Now().Add(wss.srv.cfg.IdleTimeout))
			continue
		}

		wss.handle(msg)
	}
}

func (wss *wsSession) handle(msg Message) {
	switch msg.Type {
	case MessageTypeAuth:
		// Re-auth on a live connection is harmless; ignore it.
	case MessageTypeStart:
		go wss.enterPool(wss.ctrl.Start)
	case MessageTypeNext:
		go wss.enterPool(wss.ctrl.Next)
	case MessageTypeDisconnect:
		wss.ctrl.Disconnect()
		_ = wss.send(Message{Type: MessageTypeClosed, Reason: "disconnect"})
	case MessageTypeReport:
		wss.ctrl.Report()
		_ = wss.send(Message{Type: MessageTypeClosed, Reason: "report"})
	case MessageTypeOffer:
		wss.relaySignal(relay.KindOffer, msg.SDP.SDP, nil)
	case MessageTypeAnswer:
		wss.relaySignal(relay.KindAnswer, msg.SDP.SDP, nil)
	case MessageTypeCandidate:
		raw, err := json.Marshal(msg.Candidate)
		if err != nil {
			return
		}
		wss.relaySignal(relay.KindCandidate, "", raw)
	}
}

// enterPool runs a blocking Start/Next call and reports failures to the
// client without tearing the connection down.
func (wss *wsSession) enterPool(fn func(context.Context) error) {
	ctx := context.Background()
	if timeout := wss.srv.cfg.MatchTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	err := fn(ctx)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
	case errors.Is(err, context.DeadlineExceeded):
		_ = wss.send(Message{Type: MessageTypeError, Code: "match_timeout", Message: "no partner arrived in time"})
	case errors.Is(err, session.ErrAlreadyStarted):
		_ = wss.send(Message{Type: MessageTypeError, Code: "already_started", Message: "session already active"})
	case errors.Is(err, store.ErrTooManyWaiting), errors.Is(err, store.ErrTooManyRooms):
		_ = wss.send(Message{Type: MessageTypeError, Code: "busy", Message: "service is at capacity"})
	default:
		wss.log.Warn("match attempt failed", "error", err)
		_ = wss.send(Message{Type: MessageTypeError, Code: "internal", Message: "match failed"})
	}
}

// relaySignal forwards one client signal to the partner. Signals arriving
// with no active pairing are stale by definition and dropped quietly.
func (wss *wsSession) relaySignal(kind relay.Kind, sdp string, candidate json.RawMessage) {
	err := wss.ctrl.Send(kind, sdp, candidate)
	if err == nil {
		return
	}
	if errors.Is(err, session.ErrNotActive) || errors.Is(err, relay.ErrRoomClosed) {
		wss.srv.cfg.Metrics.Inc(metrics.StaleSignal)
		return
	}
	wss.log.Warn("relay send failed", "kind", string(kind), "error", err)
}

func (wss *wsSession) onMatched(room *store.Room, peer store.ClientID, initiator bool) {
	_ = wss.send(Message{
		Type:      MessageTypeMatched,
		RoomID:    string(room.ID),
		PeerID:    string(peer),
		Initiator: &initiator,
	})
}

func (wss *wsSession) onSignal(msg relay.SignalMessage) {
	switch msg.Kind {
	case relay.KindOffer:
		_ = wss.send(Message{Type: MessageTypeOffer, SDP: &SDP{Type: "offer", SDP: msg.SDP}})
	case relay.KindAnswer:
		_ = wss.send(Message{Type: MessageTypeAnswer, SDP: &SDP{Type: "answer", SDP: msg.SDP}})
	case relay.KindCandidate:
		var cand Candidate
		if err := json.Unmarshal(msg.Candidate, &cand); err != nil {
			wss.log.Warn("dropping malformed relayed candidate", "error", err)
			return
		}
		_ = wss.send(Message{Type: MessageTypeCandidate, Candidate: &cand})
	}
}

func (wss *wsSession) onPeerLeft() {
	_ = wss.send(Message{Type: MessageTypePeerLeft})
}

func (wss *wsSession) onClosed(reason string) {
	_ = wss.send(Message{Type: MessageTypeClosed, Reason: reason})
}

func (wss *wsSession) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-wss.done:
			return
		case <-ticker.C:
			wss.writeMu.Lock()
			err := wss.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
			wss.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (wss *wsSession) send(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	wss.writeMu.Lock()
	defer wss.writeMu.Unlock()
	_ = wss.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return wss.conn.WriteMessage(websocket.TextMessage, data)
}

func (wss *wsSession) fail(code, message string, closeCode int) {
	_ = wss.send(Message{Type: MessageTypeError, Code: code, Message: message})
	wss.closeWith(closeCode, message)
}

func (wss *wsSession) closeWith(code int, reason string) {
	wss.writeMu.Lock()
	defer wss.writeMu.Unlock()
	_ = wss.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func (wss *wsSession) Close() {
	wss.closeOnce.Do(func() {
		close(wss.done)
		wss.ctrl.Disconnect()
		_ = wss.conn.Close()
	})
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
