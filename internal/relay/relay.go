package relay

import (
	"sync"

	"github.com/strangercast/rendezvous/internal/metrics"
	"github.com/strangercast/rendezvous/internal/store"
)

type Relay struct {
	metrics *metrics.Metrics

	mu    sync.Mutex
	rooms map[store.RoomID]*roomState
}

type roomState struct {
	mu     sync.Mutex
	closed bool

	// Last-write-wins slots. A nil slot means no offer/answer seen yet.
	offer  *SignalMessage
	answer *SignalMessage

	subs map[*Subscription]struct{}
}

func New(m *metrics.Metrics) *Relay {
	return &Relay{
		metrics: m,
		rooms:   make(map[store.RoomID]*roomState),
	}
}

// Open ensures the signaling scope for a room exists. Both peers call it
// after matching; it is idempotent while the room is live.
func (r *Relay) Open(id store.RoomID) {
	r.mu.Lock()
	if _, ok := r.rooms[id]; !ok {
		r.rooms[id] = &roomState{subs: make(map[*Subscription]struct{})}
	}
	r.mu.Unlock()
}

func (r *Relay) room(id store.RoomID) (*roomState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rs, ok := r.rooms[id]
	return rs, ok
}

// Send publishes a message into the room on behalf of from. Offers and
// answers replace the room's slot and are pushed to the other peer's live
// subscriptions; candidates fan out without being retained.
func (r *Relay) Send(id store.RoomID, from store.ClientID, msg SignalMessage) error {
	msg.From = from
	if err := msg.validate(); err != nil {
		return err
	}

	rs, ok := r.room(id)
	if !ok {
		return ErrRoomClosed
	}

	rs.mu.Lock()
	if rs.closed {
		rs.mu.Unlock()
		return ErrRoomClosed
	}
	switch msg.Kind {
	case KindOffer:
		rs.offer = &msg
		r.metrics.Inc(metrics.OfferRelayed)
	case KindAnswer:
		rs.answer = &msg
		r.metrics.Inc(metrics.AnswerRelayed)
	case KindCandidate:
		r.metrics.Inc(metrics.CandidateRelayed)
	}
	for sub := range rs.subs {
		// The relay filters self-echo; the sender never sees its own message.
		if sub.client == from {
			continue
		}
		sub.push(msg)
	}
	rs.mu.Unlock()
	return nil
}

// Subscribe attaches client to the room's message stream. The current offer
// and answer slots are replayed immediately (in that order) when they were
// written by the other peer, so a restarted subscription never misses them.
func (r *Relay) Subscribe(id store.RoomID, client store.ClientID) (*Subscription, error) {
	rs, ok := r.room(id)
	if !ok {
		return nil, ErrRoomClosed
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.closed {
		return nil, ErrRoomClosed
	}

	sub := newSubscription(rs, client)
	rs.subs[sub] = struct{}{}
	if rs.offer != nil && rs.offer.From != client {
		sub.push(*rs.offer)
	}
	if rs.answer != nil && rs.answer.From != client {
		sub.push(*rs.answer)
	}
	return sub, nil
}

// CloseRoom deletes the room's signaling scope and terminates all of its
// subscriptions once their backlogs drain. Closing an absent room is a no-op.
func (r *Relay) CloseRoom(id store.RoomID) {
	r.mu.Lock()
	rs, ok := r.rooms[id]
	if ok {
		delete(r.rooms, id)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	rs.mu.Lock()
	rs.closed = true
	subs := make([]*Subscription, 0, len(rs.subs))
	for sub := range rs.subs {
		subs = append(subs, sub)
	}
	rs.subs = make(map[*Subscription]struct{})
	rs.mu.Unlock()

	for _, sub := range subs {
		sub.terminate()
	}
}

// RoomCount reports the number of live signaling scopes.
func (r *Relay) RoomCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// Subscribers reports how many subscriptions are attached to a room. An
// absent room has zero.
func (r *Relay) Subscribers(id store.RoomID) int {
	rs, ok := r.room(id)
	if !ok {
		return 0
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.subs)
}
