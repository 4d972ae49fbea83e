// Package session owns the lifecycle of one client: acquire media, wait for a
// partner, run the signaling exchange, tear everything down. Teardown is
// unconditional on every exit path so no room or pool entry outlives its
// client.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/strangercast/rendezvous/internal/match"
	"github.com/strangercast/rendezvous/internal/metrics"
	"github.com/strangercast/rendezvous/internal/moderation"
	"github.com/strangercast/rendezvous/internal/negotiate"
	"github.com/strangercast/rendezvous/internal/relay"
	"github.com/strangercast/rendezvous/internal/store"
)

var (
	ErrAlreadyStarted = errors.New("session: already started")
	ErrNotActive      = errors.New("session: no active pairing")
)

// TransportFactory builds a fresh negotiation transport for one pairing. Each
// pairing gets its own transport; reuse across partners is not supported.
type TransportFactory func(ctx context.Context, media MediaStream) (negotiate.Transport, error)

// Config carries the controller's collaborators. Store, Match and Relay are
// required. With NewTransport set the controller runs the negotiation machine
// itself; without it, incoming signals are handed to OnSignal and the owner
// pushes outgoing ones through Send. Media is optional either way.
type Config struct {
	Client store.ClientID

	Store *store.Store
	Match *match.Matchmaker
	Relay *relay.Relay

	Media        Media
	NewTransport TransportFactory
	Reporter     moderation.Reporter

	// OnMatched fires once a pairing is live, before any signal is delivered.
	OnMatched func(room *store.Room, peer store.ClientID, initiator bool)
	// OnSignal receives the peer's signals when no local machine runs.
	OnSignal func(msg relay.SignalMessage)
	// OnPeerLeft fires when the partner tore the room down first.
	OnPeerLeft func()
	// OnClosed fires when the controller closed the pairing itself for a
	// reason other than a local Disconnect/Next, e.g. a transport failure.
	OnClosed func(reason string)

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

type phase int

const (
	phaseIdle phase = iota
	phaseStarting
	phaseActive
)

// Controller runs the lifecycle for exactly one client. All methods are safe
// for concurrent use; Next, Disconnect and Report are no-ops while idle.
type Controller struct {
	cfg Config
	log *slog.Logger

	mu     sync.Mutex
	phase  phase
	cancel context.CancelFunc
	cur    *pairing
}

// pairing is the state of one live room membership.
type pairing struct {
	room    *store.Room
	peer    store.ClientID
	sub     *relay.Subscription
	machine *negotiate.Machine
	stream  MediaStream

	teardown sync.Once
	loopDone chan struct{}
}

func New(cfg Config) *Controller {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		cfg: cfg,
		log: log.With("client", string(cfg.Client)),
	}
}

// Start acquires media, waits for a partner and attaches to the room. It
// returns once the pairing is live and the receive loop is running, or with
// the error that stopped the attempt. Media refusal surfaces as a wrapped
// ErrPermissionDenied.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.phase != phaseIdle {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.phase = phaseStarting
	// The caller's ctx bounds only the wait for a partner. The pairing runs
	// on its own context so a match deadline never cancels a live session.
	life, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.mu.Unlock()

	matchCtx, matchCancel := context.WithCancel(ctx)
	defer matchCancel()
	stop := context.AfterFunc(life, matchCancel)
	defer stop()

	err := c.start(matchCtx, life)
	if err != nil {
		c.mu.Lock()
		if c.phase == phaseStarting {
			c.phase = phaseIdle
			c.cancel = nil
		}
		c.mu.Unlock()
		cancel()
	}
	return err
}

func (c *Controller) start(ctx, life context.Context) error {
	var stream MediaStream
	if c.cfg.Media != nil {
		s, err := c.cfg.Media.Acquire(ctx)
		if err != nil {
			return fmt.Errorf("acquire media: %w", err)
		}
		stream = s
	}
	for {
		room, err := c.cfg.Match.Match(ctx, c.cfg.Client)
		if err != nil {
			if stream != nil {
				stream.Release()
			}
			return err
		}
		c.cfg.Relay.Open(room.ID)
		sub, err := c.cfg.Relay.Subscribe(room.ID, c.cfg.Client)
		if err != nil {
			// The partner closed the relay room before we attached. Drop the
			// pairing and go back to the pool.
			c.cfg.Store.DeleteRoom(room.ID)
			continue
		}
		if _, ok := c.cfg.Store.GetRoom(room.ID); !ok {
			// Partner tore the pairing down between match and attach. Our
			// relay.Open may have recreated the room; close it again.
			sub.Close()
			c.cfg.Relay.CloseRoom(room.ID)
			continue
		}

		peer, _ := room.Other(c.cfg.Client)
		sess := &pairing{
			room:     room,
			peer:     peer,
			sub:      sub,
			stream:   stream,
			loopDone: make(chan struct{}),
		}
		initiator := room.Initiator == c.cfg.Client
		if c.cfg.NewTransport != nil {
			if err := c.attachMachine(life, sess, initiator); err != nil {
				c.teardown(sess)
				return err
			}
		}

		c.mu.Lock()
		if c.phase != phaseStarting {
			// Disconnect raced the match. Undo everything.
			c.mu.Unlock()
			c.teardown(sess)
			close(sess.loopDone)
			return context.Canceled
		}
		c.phase = phaseActive
		c.cur = sess
		c.mu.Unlock()

		c.cfg.Metrics.Inc(metrics.SessionStarted)
		c.log.Info("paired", "room", string(room.ID), "peer", string(peer), "initiator", initiator)
		if c.cfg.OnMatched != nil {
			c.cfg.OnMatched(room, peer, initiator)
		}
		go c.recvLoop(life, sess)
		return nil
	}
}

func (c *Controller) attachMachine(ctx context.Context, sess *pairing, initiator bool) error {
	tr, err := c.cfg.NewTransport(ctx, sess.stream)
	if err != nil {
		return fmt.Errorf("build transport: %w", err)
	}
	roomID, client := sess.room.ID, c.cfg.Client
	sess.machine = negotiate.NewMachine(negotiate.Config{
		Transport: tr,
		Send: func(kind relay.Kind, sdp string, candidate json.RawMessage) error {
			return c.cfg.Relay.Send(roomID, client, relay.SignalMessage{
				Kind:      kind,
				SDP:       sdp,
				Candidate: candidate,
			})
		},
		Metrics: c.cfg.Metrics,
		Logger:  c.log,
	})
	role := negotiate.RoleResponder
	if initiator {
		role = negotiate.RoleInitiator
	}
	if err := sess.machine.Matched(ctx, role); err != nil {
		return fmt.Errorf("start negotiation: %w", err)
	}
	return nil
}

func (c *Controller) recvLoop(ctx context.Context, sess *pairing) {
	defer close(sess.loopDone)
	for {
		msg, err := sess.sub.Next(ctx)
		if err != nil {
			if !c.release(sess) {
				return
			}
			c.teardown(sess)
			if errors.Is(err, relay.ErrRoomClosed) {
				c.log.Info("peer left", "room", string(sess.room.ID))
				if c.cfg.OnPeerLeft != nil {
					c.cfg.OnPeerLeft()
				}
			} else if c.cfg.OnClosed != nil {
				c.cfg.OnClosed("canceled")
			}
			return
		}
		if sess.machine != nil {
			if err := sess.machine.HandleSignal(ctx, &msg); err != nil {
				if errors.Is(err, negotiate.ErrClosed) {
					return
				}
				if c.release(sess) {
					c.log.Error("negotiation failed", "room", string(sess.room.ID), "error", err)
					c.teardown(sess)
					if c.cfg.OnClosed != nil {
						c.cfg.OnClosed("transport_failure")
					}
				}
				return
			}
		} else if c.cfg.OnSignal != nil {
			c.cfg.OnSignal(msg)
		}
	}
}

// release detaches sess from the controller if it is still the current
// pairing. It reports whether the caller won the detach and therefore owns
// the teardown.
func (c *Controller) release(sess *pairing) bool {
	c.mu.Lock()
	if c.cur != sess {
		c.mu.Unlock()
		return false
	}
	cancel := c.cancel
	c.cur = nil
	c.phase = phaseIdle
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return true
}

// teardown closes out one pairing. Room deletion precedes relay close so a
// racing Start never attaches to a half-dead room. Idempotent.
func (c *Controller) teardown(sess *pairing) {
	sess.teardown.Do(func() {
		if sess.machine != nil {
			if err := sess.machine.Close(); err != nil {
				c.log.Debug("machine close failed", "error", err)
			}
		}
		sess.sub.Close()
		c.cfg.Store.DeleteRoom(sess.room.ID)
		c.cfg.Relay.CloseRoom(sess.room.ID)
		if err := c.cfg.Store.Dequeue(c.cfg.Client); err != nil && !errors.Is(err, store.ErrNotWaiting) {
			c.log.Debug("dequeue failed", "error", err)
		}
		if sess.stream != nil {
			sess.stream.Release()
		}
		c.cfg.Metrics.Inc(metrics.SessionClosed)
	})
}

// Disconnect ends the current pairing or abandons a pending match. No-op
// while idle. It returns after the receive loop has stopped.
func (c *Controller) Disconnect() {
	c.mu.Lock()
	cancel := c.cancel
	sess := c.cur
	c.phase = phaseIdle
	c.cancel = nil
	c.cur = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sess != nil {
		c.teardown(sess)
		<-sess.loopDone
	}
}

// Next drops the current partner and immediately waits for a new one. No-op
// while idle.
func (c *Controller) Next(ctx context.Context) error {
	c.mu.Lock()
	idle := c.phase == phaseIdle
	c.mu.Unlock()
	if idle {
		return nil
	}
	c.Disconnect()
	return c.Start(ctx)
}

// Report files an abuse report against the current partner and disconnects.
// No-op while idle.
func (c *Controller) Report() {
	c.mu.Lock()
	sess := c.cur
	c.mu.Unlock()
	if sess == nil {
		return
	}
	if c.cfg.Reporter != nil {
		c.cfg.Reporter.Report(context.Background(), c.cfg.Client, sess.peer, sess.room.ID)
	}
	c.Disconnect()
}

// Send relays one outgoing signal from this client to its partner. Used by
// the signaling edge when the negotiation machine runs remotely.
func (c *Controller) Send(kind relay.Kind, sdp string, candidate json.RawMessage) error {
	c.mu.Lock()
	sess := c.cur
	c.mu.Unlock()
	if sess == nil {
		return ErrNotActive
	}
	return c.cfg.Relay.Send(sess.room.ID, c.cfg.Client, relay.SignalMessage{
		Kind:      kind,
		SDP:       sdp,
		Candidate: candidate,
	})
}

// Room reports the current pairing, if any.
func (c *Controller) Room() (*store.Room, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil {
		return nil, false
	}
	return c.cur.room, true
}
