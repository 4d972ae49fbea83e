package store

import (
	"sync"
	"testing"
	"time"

	"github.com/strangercast/rendezvous/internal/metrics"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func newTestStore(cfg Config) *Store {
	return New(cfg, metrics.New(), &fakeClock{now: time.Unix(0, 0)})
}

func TestStore_EnqueueDequeue(t *testing.T) {
	s := newTestStore(Config{})

	entry, err := s.Enqueue("a")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if entry.Client != "a" || entry.EnqueuedAt.IsZero() {
		t.Fatalf("entry=%+v, want client a with timestamp", entry)
	}

	if _, err := s.Enqueue("a"); err != ErrAlreadyWaiting {
		t.Fatalf("second Enqueue err=%v, want %v", err, ErrAlreadyWaiting)
	}

	if err := s.Dequeue("a"); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if err := s.Dequeue("a"); err != ErrNotWaiting {
		t.Fatalf("second Dequeue err=%v, want %v", err, ErrNotWaiting)
	}
	if got := s.WaitingCount(); got != 0 {
		t.Fatalf("WaitingCount=%d, want 0", got)
	}
}

func TestStore_ListWaitingPreservesEnqueueOrder(t *testing.T) {
	s := newTestStore(Config{})
	for _, c := range []ClientID{"c3", "c1", "c2"} {
		if _, err := s.Enqueue(c); err != nil {
			t.Fatalf("Enqueue(%s): %v", c, err)
		}
	}

	got := s.ListWaiting()
	want := []ClientID{"c3", "c1", "c2"}
	if len(got) != len(want) {
		t.Fatalf("ListWaiting len=%d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Client != want[i] {
			t.Fatalf("ListWaiting[%d]=%s, want %s", i, got[i].Client, want[i])
		}
	}
}

func TestStore_MaxWaiting(t *testing.T) {
	s := newTestStore(Config{MaxWaiting: 1})
	if _, err := s.Enqueue("a"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := s.Enqueue("b"); err != ErrTooManyWaiting {
		t.Fatalf("Enqueue over quota err=%v, want %v", err, ErrTooManyWaiting)
	}
}

func TestStore_PairRemovesBothAndCreatesRoom(t *testing.T) {
	s := newTestStore(Config{})
	for _, c := range []ClientID{"bob", "alice"} {
		if _, err := s.Enqueue(c); err != nil {
			t.Fatalf("Enqueue(%s): %v", c, err)
		}
	}

	room, err := s.Pair("bob", "alice")
	if err != nil {
		t.Fatalf("Pair: %v", err)
	}
	if room.ID != "alice_bob" {
		t.Fatalf("room id=%s, want alice_bob", room.ID)
	}
	if room.Initiator != "alice" {
		t.Fatalf("initiator=%s, want alice", room.Initiator)
	}
	if got := s.WaitingCount(); got != 0 {
		t.Fatalf("WaitingCount=%d, want 0 after pairing", got)
	}

	got, ok := s.GetRoom(room.ID)
	if !ok || got != room {
		t.Fatalf("GetRoom=%v,%v, want the paired room", got, ok)
	}

	other, ok := room.Other("bob")
	if !ok || other != "alice" {
		t.Fatalf("Other(bob)=%s,%v, want alice", other, ok)
	}
}

func TestStore_PairPartnerGone(t *testing.T) {
	s := newTestStore(Config{})
	if _, err := s.Enqueue("a"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if _, err := s.Pair("a", "gone"); err != ErrNotWaiting {
		t.Fatalf("Pair err=%v, want %v", err, ErrNotWaiting)
	}
	// The surviving client must still be waiting.
	if got := s.WaitingCount(); got != 1 {
		t.Fatalf("WaitingCount=%d, want 1", got)
	}
}

func TestStore_PairSelf(t *testing.T) {
	s := newTestStore(Config{})
	if _, err := s.Enqueue("a"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := s.Pair("a", "a"); err != ErrSamePeer {
		t.Fatalf("Pair(a,a) err=%v, want %v", err, ErrSamePeer)
	}
}

func TestStore_PairRefusesStaleRoom(t *testing.T) {
	s := newTestStore(Config{})
	for _, c := range []ClientID{"a", "b"} {
		if _, err := s.Enqueue(c); err != nil {
			t.Fatalf("Enqueue(%s): %v", c, err)
		}
	}
	room, err := s.Pair("a", "b")
	if err != nil {
		t.Fatalf("Pair: %v", err)
	}

	// Simulate the same two clients racing back into the pool while their old
	// room still exists. Membership is released first so Enqueue succeeds, but
	// Pair must refuse until the stale room is deleted.
	old := *room
	s.mu.Lock()
	delete(s.inRoom, "a")
	delete(s.inRoom, "b")
	s.mu.Unlock()
	for _, c := range []ClientID{"a", "b"} {
		if _, err := s.Enqueue(c); err != nil {
			t.Fatalf("re-Enqueue(%s): %v", c, err)
		}
	}
	if _, err := s.Pair("a", "b"); err != ErrRoomExists {
		t.Fatalf("Pair with stale room err=%v, want %v", err, ErrRoomExists)
	}

	s.DeleteRoom(old.ID)
	if _, err := s.Pair("a", "b"); err != nil {
		t.Fatalf("Pair after DeleteRoom: %v", err)
	}
}

func TestStore_EnqueueWhileMatched(t *testing.T) {
	s := newTestStore(Config{})
	for _, c := range []ClientID{"a", "b"} {
		if _, err := s.Enqueue(c); err != nil {
			t.Fatalf("Enqueue(%s): %v", c, err)
		}
	}
	if _, err := s.Pair("a", "b"); err != nil {
		t.Fatalf("Pair: %v", err)
	}

	// Pool and active rooms stay disjoint.
	if _, err := s.Enqueue("a"); err != ErrAlreadyMatched {
		t.Fatalf("Enqueue while matched err=%v, want %v", err, ErrAlreadyMatched)
	}
}

func TestStore_DeleteRoomIdempotent(t *testing.T) {
	s := newTestStore(Config{})
	for _, c := range []ClientID{"a", "b"} {
		if _, err := s.Enqueue(c); err != nil {
			t.Fatalf("Enqueue(%s): %v", c, err)
		}
	}
	room, err := s.Pair("a", "b")
	if err != nil {
		t.Fatalf("Pair: %v", err)
	}

	s.DeleteRoom(room.ID)
	s.DeleteRoom(room.ID)

	if got := s.RoomCount(); got != 0 {
		t.Fatalf("RoomCount=%d, want 0", got)
	}
	if _, ok := s.RoomOf("a"); ok {
		t.Fatalf("RoomOf(a) still set after DeleteRoom")
	}
	if _, err := s.Enqueue("a"); err != nil {
		t.Fatalf("Enqueue after DeleteRoom: %v", err)
	}
}

func TestStore_MaxRoomsRollsBackPool(t *testing.T) {
	s := newTestStore(Config{MaxRooms: 1})
	for _, c := range []ClientID{"a", "b", "c", "d"} {
		if _, err := s.Enqueue(c); err != nil {
			t.Fatalf("Enqueue(%s): %v", c, err)
		}
	}
	if _, err := s.Pair("a", "b"); err != nil {
		t.Fatalf("Pair: %v", err)
	}
	before := s.ListWaiting()
	if _, err := s.Pair("c", "d"); err != ErrTooManyRooms {
		t.Fatalf("Pair over quota err=%v, want %v", err, ErrTooManyRooms)
	}
	// Quota rejection must not eat the two waiting clients, reorder them or
	// refresh their enqueue times.
	after := s.ListWaiting()
	if len(after) != len(before) {
		t.Fatalf("pool size %d after rejected Pair, want %d", len(after), len(before))
	}
	for i := range before {
		if !after[i].EnqueuedAt.Equal(before[i].EnqueuedAt) || after[i].Client != before[i].Client {
			t.Fatalf("pool entry %d = %+v after rejected Pair, want %+v", i, after[i], before[i])
		}
	}
}

func TestStore_ConcurrentEnqueueDequeue(t *testing.T) {
	s := newTestStore(Config{})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := ClientID(rune('a'+i%26)) + ClientID(rune('0'+i/26))
			if _, err := s.Enqueue(c); err != nil {
				return
			}
			_ = s.Dequeue(c)
		}(i)
	}
	wg.Wait()

	if got := s.WaitingCount(); got != 0 {
		t.Fatalf("WaitingCount=%d, want 0 after concurrent churn", got)
	}
}
