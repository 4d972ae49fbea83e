// Package store owns the two shared mutable resources of the rendezvous
// service: the waiting pool and the room table. All mutation goes through its
// mutex-protected operations; no other component touches this state directly.
package store

import (
	"sync"

	"github.com/strangercast/rendezvous/internal/metrics"
	"github.com/strangercast/rendezvous/internal/ratelimit"
)

// Config bounds the store. A value <= 0 means unlimited.
type Config struct {
	MaxWaiting int
	MaxRooms   int
}

type Store struct {
	cfg     Config
	metrics *metrics.Metrics
	clock   ratelimit.Clock

	mu      sync.Mutex
	waiting []WaitingEntry
	pooled  map[ClientID]struct{}
	rooms   map[RoomID]*Room
	inRoom  map[ClientID]RoomID
}

func New(cfg Config, m *metrics.Metrics, clock ratelimit.Clock) *Store {
	if clock == nil {
		clock = ratelimit.RealClock{}
	}
	return &Store{
		cfg:     cfg,
		metrics: m,
		clock:   clock,
		pooled:  make(map[ClientID]struct{}),
		rooms:   make(map[RoomID]*Room),
		inRoom:  make(map[ClientID]RoomID),
	}
}

// Enqueue parks a client in the waiting pool.
func (s *Store) Enqueue(c ClientID) (WaitingEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.inRoom[c]; ok {
		return WaitingEntry{}, ErrAlreadyMatched
	}
	if _, ok := s.pooled[c]; ok {
		return WaitingEntry{}, ErrAlreadyWaiting
	}
	if s.cfg.MaxWaiting > 0 && len(s.waiting) >= s.cfg.MaxWaiting {
		s.metrics.Inc(metrics.DropReasonTooManyWaiting)
		return WaitingEntry{}, ErrTooManyWaiting
	}

	entry := WaitingEntry{Client: c, EnqueuedAt: s.clock.Now()}
	s.waiting = append(s.waiting, entry)
	s.pooled[c] = struct{}{}
	s.metrics.Inc(metrics.ClientEnqueued)
	return entry, nil
}

// Dequeue removes a client from the waiting pool. Removing an absent client
// returns ErrNotWaiting, which idempotent teardown paths ignore.
func (s *Store) Dequeue(c ClientID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dequeueLocked(c)
}

func (s *Store) dequeueLocked(c ClientID) error {
	if _, ok := s.pooled[c]; !ok {
		return ErrNotWaiting
	}
	delete(s.pooled, c)
	for i := range s.waiting {
		if s.waiting[i].Client == c {
			s.waiting = append(s.waiting[:i], s.waiting[i+1:]...)
			break
		}
	}
	s.metrics.Inc(metrics.ClientDequeued)
	return nil
}

// ListWaiting returns a copy of the pool in enqueue order.
func (s *Store) ListWaiting() []WaitingEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]WaitingEntry, len(s.waiting))
	copy(out, s.waiting)
	return out
}

// CreateRoom records a room for two peers. Both peers must be out of the
// waiting pool and not members of any other room.
func (s *Store) CreateRoom(id RoomID, a, b, initiator ClientID) (*Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createRoomLocked(id, a, b, initiator)
}

func (s *Store) createRoomLocked(id RoomID, a, b, initiator ClientID) (*Room, error) {
	if a == b {
		return nil, ErrSamePeer
	}
	if _, ok := s.rooms[id]; ok {
		return nil, ErrRoomExists
	}
	if _, ok := s.inRoom[a]; ok {
		return nil, ErrAlreadyMatched
	}
	if _, ok := s.inRoom[b]; ok {
		return nil, ErrAlreadyMatched
	}
	if s.cfg.MaxRooms > 0 && len(s.rooms) >= s.cfg.MaxRooms {
		s.metrics.Inc(metrics.DropReasonTooManyRooms)
		return nil, ErrTooManyRooms
	}

	room := &Room{
		ID:        id,
		PeerA:     a,
		PeerB:     b,
		Initiator: initiator,
		CreatedAt: s.clock.Now(),
	}
	s.rooms[id] = room
	s.inRoom[a] = id
	s.inRoom[b] = id
	s.metrics.Inc(metrics.RoomCreated)
	return room, nil
}

// Pair atomically removes both clients from the waiting pool and creates
// their room with the deterministic ID and initiator. It is the compound
// operation the matchmaker uses so a partner cannot vanish between the
// dequeues and the room creation.
func (s *Store) Pair(a, b ClientID) (*Room, error) {
	if a == b {
		return nil, ErrSamePeer
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pooled[a]; !ok {
		return nil, ErrNotWaiting
	}
	if _, ok := s.pooled[b]; !ok {
		return nil, ErrNotWaiting
	}

	id := NewRoomID(a, b)
	if _, ok := s.rooms[id]; ok {
		// A stale room from a prior pairing of the same two clients must be
		// deleted before they can be paired again.
		return nil, ErrRoomExists
	}

	// Create the room before touching the pool. A rejected pairing must
	// leave both clients exactly where they were, original enqueue times
	// and positions included.
	room, err := s.createRoomLocked(id, a, b, Initiator(a, b))
	if err != nil {
		return nil, err
	}
	_ = s.dequeueLocked(a)
	_ = s.dequeueLocked(b)
	return room, nil
}

// GetRoom looks up a room by ID.
func (s *Store) GetRoom(id RoomID) (*Room, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[id]
	return room, ok
}

// RoomOf returns the room a client currently belongs to, if any.
func (s *Store) RoomOf(c ClientID) (*Room, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.inRoom[c]
	if !ok {
		return nil, false
	}
	return s.rooms[id], true
}

// DeleteRoom removes a room and releases both peers. Deleting an absent room
// is a no-op.
func (s *Store) DeleteRoom(id RoomID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[id]
	if !ok {
		return
	}
	delete(s.rooms, id)
	if s.inRoom[room.PeerA] == id {
		delete(s.inRoom, room.PeerA)
	}
	if s.inRoom[room.PeerB] == id {
		delete(s.inRoom, room.PeerB)
	}
	s.metrics.Inc(metrics.RoomClosed)
}

// ListRooms snapshots the active rooms in no particular order.
func (s *Store) ListRooms() []*Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Room, 0, len(s.rooms))
	for _, room := range s.rooms {
		out = append(out, room)
	}
	return out
}

// WaitingCount reports the current pool size.
func (s *Store) WaitingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiting)
}

// RoomCount reports the number of active rooms.
func (s *Store) RoomCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms)
}
