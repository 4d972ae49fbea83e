package relay

import (
	"context"
	"sync"

	"github.com/strangercast/rendezvous/internal/store"
)

// Subscription is one peer's lazy view of a room's message stream. Messages
// accumulate while the consumer is between Next calls; the backlog is
// unbounded because a room holds at most two peers trickling candidates.
type Subscription struct {
	room   *roomState
	client store.ClientID

	mu      sync.Mutex
	backlog []SignalMessage
	done    bool

	// wake is a 1-buffered doorbell; a single Next loop consumes it.
	wake chan struct{}
}

func newSubscription(rs *roomState, client store.ClientID) *Subscription {
	return &Subscription{
		room:   rs,
		client: client,
		wake:   make(chan struct{}, 1),
	}
}

// Client returns the subscriber's identity.
func (s *Subscription) Client() store.ClientID { return s.client }

func (s *Subscription) push(msg SignalMessage) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.backlog = append(s.backlog, msg)
	s.mu.Unlock()
	s.ring()
}

func (s *Subscription) ring() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Next blocks until a message is available, the room is deleted (backlog
// drained first), or ctx is cancelled.
func (s *Subscription) Next(ctx context.Context) (SignalMessage, error) {
	for {
		s.mu.Lock()
		if len(s.backlog) > 0 {
			msg := s.backlog[0]
			s.backlog = s.backlog[1:]
			s.mu.Unlock()
			return msg, nil
		}
		if s.done {
			s.mu.Unlock()
			return SignalMessage{}, ErrRoomClosed
		}
		s.mu.Unlock()

		select {
		case <-s.wake:
		case <-ctx.Done():
			return SignalMessage{}, ctx.Err()
		}
	}
}

// Close detaches the subscription from the room. Pending messages are
// discarded; Next returns ErrRoomClosed. Safe to call more than once.
func (s *Subscription) Close() {
	s.room.mu.Lock()
	delete(s.room.subs, s)
	s.room.mu.Unlock()

	s.mu.Lock()
	s.done = true
	s.backlog = nil
	s.mu.Unlock()
	s.ring()
}

// terminate ends the subscription but lets the consumer drain the backlog.
func (s *Subscription) terminate() {
	s.mu.Lock()
	s.done = true
	s.mu.Unlock()
	s.ring()
}
