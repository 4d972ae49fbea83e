// Package match pairs waiting clients into rooms.
//
// Pairing policy is first-available: the joining client plus any other entry
// already in the pool. Room identity and initiator role are pure functions of
// the ID pair (store.NewRoomID / store.Initiator), so both sides of a pairing
// agree without coordination.
package match

import (
	"context"
	"sync"

	"github.com/strangercast/rendezvous/internal/metrics"
	"github.com/strangercast/rendezvous/internal/store"
)

type Matchmaker struct {
	store   *store.Store
	metrics *metrics.Metrics

	// closeRoom terminates the signaling scope of a room the matchmaker had
	// to abandon, so a partner already holding the room observes the close
	// instead of waiting in it forever. Optional.
	closeRoom func(store.RoomID)

	mu      sync.Mutex
	waiters map[store.ClientID]chan *store.Room
}

func New(st *store.Store, m *metrics.Metrics, closeRoom func(store.RoomID)) *Matchmaker {
	return &Matchmaker{
		store:     st,
		metrics:   m,
		closeRoom: closeRoom,
		waiters:   make(map[store.ClientID]chan *store.Room),
	}
}

// Match enqueues c and blocks until it is paired or ctx is cancelled.
//
// Both sides of a pairing return the same *store.Room. Cancellation promptly
// dequeues c; if a partner raced the cancellation and already formed a room,
// the room is torn down so neither side leaks a half-formed pairing.
func (mm *Matchmaker) Match(ctx context.Context, c store.ClientID) (*store.Room, error) {
	ch := make(chan *store.Room, 1)
	mm.mu.Lock()
	mm.waiters[c] = ch
	mm.mu.Unlock()

	if _, err := mm.store.Enqueue(c); err != nil {
		mm.removeWaiter(c)
		return nil, err
	}

	if room := mm.tryPair(c); room != nil {
		mm.metrics.Inc(metrics.PairMatched)
		return room, nil
	}

	select {
	case room := <-ch:
		mm.metrics.Inc(metrics.PairMatched)
		return room, nil
	case <-ctx.Done():
		mm.cancel(c, ch)
		return nil, ctx.Err()
	}
}

// Waiting reports whether c currently has a blocked Match call.
func (mm *Matchmaker) Waiting(c store.ClientID) bool {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	_, ok := mm.waiters[c]
	return ok
}

// tryPair attempts to pair c with any other waiting client. It returns nil
// when no partner is available (or c was itself paired by a concurrent
// Match call, in which case the room arrives on c's waiter channel).
func (mm *Matchmaker) tryPair(c store.ClientID) *store.Room {
	skip := make(map[store.ClientID]struct{})

	for {
		partner, ok := mm.pickPartner(c, skip)
		if !ok {
			return nil
		}

		room, err := mm.store.Pair(c, partner)
		switch err {
		case nil:
		case store.ErrNotWaiting:
			// Either the candidate vanished or c itself was paired by the
			// candidate's own tryPair. If c is gone from the pool, the room is
			// on its way to our waiter channel; otherwise retry with the next
			// candidate.
			if !mm.stillWaiting(c) {
				return nil
			}
			mm.metrics.Inc(metrics.MatchRetried)
			skip[partner] = struct{}{}
			continue
		case store.ErrRoomExists:
			// Stale room from a prior pairing of these two clients; leave it to
			// its owners' teardown and try someone else.
			mm.metrics.Inc(metrics.MatchRetried)
			skip[partner] = struct{}{}
			continue
		default:
			skip[partner] = struct{}{}
			continue
		}

		if delivered := mm.deliver(partner, room); !delivered {
			// Partner cancelled between Pair and delivery. Roll back: drop the
			// room, put c back in the pool, keep looking.
			mm.store.DeleteRoom(room.ID)
			if _, err := mm.store.Enqueue(c); err != nil {
				return nil
			}
			mm.metrics.Inc(metrics.MatchRetried)
			skip[partner] = struct{}{}
			continue
		}

		mm.removeWaiter(c)
		return room
	}
}

func (mm *Matchmaker) pickPartner(c store.ClientID, skip map[store.ClientID]struct{}) (store.ClientID, bool) {
	for _, entry := range mm.store.ListWaiting() {
		if entry.Client == c {
			continue
		}
		if _, skipped := skip[entry.Client]; skipped {
			continue
		}
		return entry.Client, true
	}
	return "", false
}

func (mm *Matchmaker) stillWaiting(c store.ClientID) bool {
	for _, entry := range mm.store.ListWaiting() {
		if entry.Client == c {
			return true
		}
	}
	return false
}

// deliver hands the room to the partner's blocked Match call. It reports
// false when the partner's waiter is already gone (cancelled).
func (mm *Matchmaker) deliver(partner store.ClientID, room *store.Room) bool {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	ch, ok := mm.waiters[partner]
	if !ok {
		return false
	}
	delete(mm.waiters, partner)
	ch <- room
	return true
}

func (mm *Matchmaker) removeWaiter(c store.ClientID) {
	mm.mu.Lock()
	delete(mm.waiters, c)
	mm.mu.Unlock()
}

// cancel unwinds a blocked Match. Delivery and waiter removal are both
// serialized on mm.mu, so after removal either the room is already buffered
// on ch or the pairing side will observe the missing waiter and roll back.
func (mm *Matchmaker) cancel(c store.ClientID, ch chan *store.Room) {
	mm.removeWaiter(c)

	select {
	case room := <-ch:
		// A partner won the race and is already holding this room. Delete it
		// and close its signaling scope so the partner's subscription ends
		// and their normal peer-left path runs.
		mm.store.DeleteRoom(room.ID)
		if mm.closeRoom != nil {
			mm.closeRoom(room.ID)
		}
	default:
		_ = mm.store.Dequeue(c)
	}
	mm.metrics.Inc(metrics.MatchCancelled)
}
