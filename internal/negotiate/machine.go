// Package negotiate drives the offer/answer exchange for one client inside a
// room. The machine consumes signals delivered by the relay, feeds them to a
// Transport and emits the signals the client's side must send back.
//
// Signals that do not fit the current state (duplicate offers, answers after
// the exchange finished, replays after reconnect) are dropped without error.
package negotiate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/strangercast/rendezvous/internal/metrics"
	"github.com/strangercast/rendezvous/internal/relay"
)

// State is the position of one client in the offer/answer exchange.
type State string

const (
	StateIdle       State = "idle"
	StateMatched    State = "matched"
	StateOfferSent  State = "offer_sent"
	StateAnswerSent State = "answer_sent"
	StateConnected  State = "connected"
	StateClosed     State = "closed"
)

// Role says which side of the room produces the first offer.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

var ErrClosed = errors.New("negotiate: machine closed")

// Sink receives the signals this side emits. The session controller points it
// at relay.Send.
type Sink func(kind relay.Kind, sdp string, candidate json.RawMessage) error

// Config carries the machine's collaborators.
type Config struct {
	Transport Transport
	Send      Sink
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Machine is the negotiation state machine for one client. Methods are safe
// for concurrent use; transport callbacks may fire from other goroutines.
type Machine struct {
	transport Transport
	send      Sink
	metrics   *metrics.Metrics
	log       *slog.Logger

	mu    sync.Mutex
	state State
	role  Role
	// Candidates that arrived before a remote description was installed.
	pending []json.RawMessage
	// True once CreateAnswer or AcceptAnswer succeeded, meaning the transport
	// can accept remote candidates.
	remoteSet bool
}

func NewMachine(cfg Config) *Machine {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	m := &Machine{
		transport: cfg.Transport,
		send:      cfg.Send,
		metrics:   cfg.Metrics,
		log:       log,
		state:     StateIdle,
	}
	m.transport.OnICECandidate(m.emitCandidate)
	m.transport.OnConnected(m.transportConnected)
	return m
}

// State reports the current position in the exchange.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Matched moves the machine out of Idle once the matchmaker produced a room.
// The initiator immediately creates and emits the offer.
func (m *Machine) Matched(ctx context.Context, role Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateClosed {
		return ErrClosed
	}
	if m.state != StateIdle {
		return fmt.Errorf("negotiate: matched in state %s", m.state)
	}
	m.role = role
	if role != RoleInitiator {
		m.state = StateMatched
		return nil
	}
	sdp, err := m.transport.CreateOffer(ctx)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := m.send(relay.KindOffer, sdp, nil); err != nil {
		return fmt.Errorf("send offer: %w", err)
	}
	m.state = StateOfferSent
	return nil
}

// HandleSignal applies one signal delivered by the relay. Signals that do not
// fit the current state are counted and dropped; the peer is never told.
func (m *Machine) HandleSignal(ctx context.Context, msg *relay.SignalMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateClosed {
		return ErrClosed
	}
	switch msg.Kind {
	case relay.KindOffer:
		return m.handleOffer(ctx, msg)
	case relay.KindAnswer:
		return m.handleAnswer(ctx, msg)
	case relay.KindCandidate:
		return m.handleCandidate(msg)
	default:
		return fmt.Errorf("negotiate: unknown signal kind %q", msg.Kind)
	}
}

func (m *Machine) handleOffer(ctx context.Context, msg *relay.SignalMessage) error {
	if m.state != StateMatched {
		m.dropStale(msg.Kind)
		return nil
	}
	sdp, err := m.transport.CreateAnswer(ctx, msg.SDP)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	m.remoteSet = true
	if err := m.flushPendingLocked(); err != nil {
		return err
	}
	if err := m.send(relay.KindAnswer, sdp, nil); err != nil {
		return fmt.Errorf("send answer: %w", err)
	}
	m.state = StateAnswerSent
	return nil
}

func (m *Machine) handleAnswer(ctx context.Context, msg *relay.SignalMessage) error {
	if m.state != StateOfferSent {
		m.dropStale(msg.Kind)
		return nil
	}
	if err := m.transport.AcceptAnswer(ctx, msg.SDP); err != nil {
		return fmt.Errorf("accept answer: %w", err)
	}
	m.remoteSet = true
	if err := m.flushPendingLocked(); err != nil {
		return err
	}
	m.state = StateConnected
	return nil
}

func (m *Machine) handleCandidate(msg *relay.SignalMessage) error {
	if !m.remoteSet {
		// The transport cannot take candidates before a remote description.
		m.pending = append(m.pending, msg.Candidate)
		return nil
	}
	if err := m.transport.AddRemoteCandidate(msg.Candidate); err != nil {
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

func (m *Machine) flushPendingLocked() error {
	for _, c := range m.pending {
		if err := m.transport.AddRemoteCandidate(c); err != nil {
			return fmt.Errorf("add buffered candidate: %w", err)
		}
	}
	m.pending = nil
	return nil
}

func (m *Machine) dropStale(kind relay.Kind) {
	m.metrics.Inc(metrics.StaleSignal)
	m.log.Debug("dropped stale signal", "kind", string(kind), "state", string(m.state))
}

func (m *Machine) emitCandidate(candidate json.RawMessage) {
	m.mu.Lock()
	live := m.state == StateOfferSent || m.state == StateAnswerSent || m.state == StateConnected
	m.mu.Unlock()
	if !live {
		return
	}
	if err := m.send(relay.KindCandidate, "", candidate); err != nil {
		m.log.Debug("candidate send failed", "error", err)
	}
}

func (m *Machine) transportConnected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateClosed {
		return
	}
	m.state = StateConnected
}

// Close tears down the transport and moves to Closed. Idempotent.
func (m *Machine) Close() error {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return nil
	}
	m.state = StateClosed
	m.pending = nil
	m.mu.Unlock()
	return m.transport.Close()
}
