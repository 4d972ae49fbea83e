package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/strangercast/rendezvous/internal/match"
	"github.com/strangercast/rendezvous/internal/metrics"
	"github.com/strangercast/rendezvous/internal/negotiate"
	"github.com/strangercast/rendezvous/internal/ratelimit"
	"github.com/strangercast/rendezvous/internal/relay"
	"github.com/strangercast/rendezvous/internal/store"
)

type harness struct {
	store *store.Store
	match *match.Matchmaker
	relay *relay.Relay
}

func newHarness() *harness {
	mtr := metrics.New()
	st := store.New(store.Config{MaxWaiting: 100, MaxRooms: 100}, mtr, ratelimit.RealClock{})
	rl := relay.New(mtr)
	return &harness{
		store: st,
		match: match.New(st, mtr, rl.CloseRoom),
		relay: rl,
	}
}

type matchEvent struct {
	room      *store.Room
	peer      store.ClientID
	initiator bool
}

// peerEvents collects controller callbacks for assertions.
type peerEvents struct {
	matched  chan matchEvent
	signals  chan relay.SignalMessage
	peerLeft chan struct{}
	closed   chan string
}

func newPeerEvents() *peerEvents {
	return &peerEvents{
		matched:  make(chan matchEvent, 4),
		signals:  make(chan relay.SignalMessage, 16),
		peerLeft: make(chan struct{}, 4),
		closed:   make(chan string, 4),
	}
}

func newEdgeController(h *harness, id store.ClientID, ev *peerEvents) *Controller {
	return New(Config{
		Client:  id,
		Store:   h.store,
		Match:   h.match,
		Relay:   h.relay,
		Metrics: metrics.New(),
		OnMatched: func(room *store.Room, peer store.ClientID, initiator bool) {
			ev.matched <- matchEvent{room: room, peer: peer, initiator: initiator}
		},
		OnSignal:   func(msg relay.SignalMessage) { ev.signals <- msg },
		OnPeerLeft: func() { ev.peerLeft <- struct{}{} },
		OnClosed:   func(reason string) { ev.closed <- reason },
	})
}

func startBoth(t *testing.T, ctx context.Context, a, b *Controller) {
	t.Helper()
	errs := make(chan error, 2)
	go func() { errs <- a.Start(ctx) }()
	go func() { errs <- b.Start(ctx) }()
	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			if err != nil {
				t.Fatalf("Start: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("Start never returned")
		}
	}
}

func waitMatched(t *testing.T, ev *peerEvents) matchEvent {
	t.Helper()
	select {
	case m := <-ev.matched:
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("no matched event")
		return matchEvent{}
	}
}

func TestController_TwoClientsPairAndRelay(t *testing.T) {
	h := newHarness()
	evA, evB := newPeerEvents(), newPeerEvents()
	a := newEdgeController(h, "aaa", evA)
	b := newEdgeController(h, "bbb", evB)
	defer a.Disconnect()
	defer b.Disconnect()

	startBoth(t, context.Background(), a, b)

	mA, mB := waitMatched(t, evA), waitMatched(t, evB)
	if mA.room.ID != mB.room.ID {
		t.Fatalf("room mismatch: %s vs %s", mA.room.ID, mB.room.ID)
	}
	if !mA.initiator || mB.initiator {
		t.Fatalf("initiator flags = %v/%v, want lexicographic min to initiate", mA.initiator, mB.initiator)
	}
	if mA.peer != "bbb" || mB.peer != "aaa" {
		t.Fatalf("peers = %s/%s", mA.peer, mB.peer)
	}

	if err := a.Send(relay.KindOffer, "offer-sdp", nil); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case msg := <-evB.signals:
		if msg.Kind != relay.KindOffer || msg.SDP != "offer-sdp" || msg.From != "aaa" {
			t.Fatalf("signal = %+v", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("offer never reached partner")
	}
	select {
	case msg := <-evA.signals:
		t.Fatalf("offer echoed back to sender: %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestController_DisconnectNotifiesPartnerAndCleansUp(t *testing.T) {
	h := newHarness()
	evA, evB := newPeerEvents(), newPeerEvents()
	a := newEdgeController(h, "aaa", evA)
	b := newEdgeController(h, "bbb", evB)
	defer b.Disconnect()

	startBoth(t, context.Background(), a, b)
	waitMatched(t, evA)
	waitMatched(t, evB)

	a.Disconnect()
	a.Disconnect() // idempotent

	select {
	case <-evB.peerLeft:
	case <-time.After(5 * time.Second):
		t.Fatal("partner never told the peer left")
	}
	if n := h.store.RoomCount(); n != 0 {
		t.Fatalf("rooms after disconnect = %d, want 0", n)
	}
	if n := h.store.WaitingCount(); n != 0 {
		t.Fatalf("waiting after disconnect = %d, want 0", n)
	}
	if err := a.Send(relay.KindOffer, "x", nil); !errors.Is(err, ErrNotActive) {
		t.Fatalf("Send after disconnect = %v, want ErrNotActive", err)
	}
}

func TestController_DisconnectWhileWaitingUnblocksStart(t *testing.T) {
	h := newHarness()
	ev := newPeerEvents()
	a := newEdgeController(h, "aaa", ev)

	errs := make(chan error, 1)
	go func() { errs <- a.Start(context.Background()) }()

	deadline := time.Now().Add(2 * time.Second)
	for h.store.WaitingCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never entered the pool")
		}
		time.Sleep(5 * time.Millisecond)
	}
	a.Disconnect()

	select {
	case err := <-errs:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Start = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start never unblocked")
	}
	if n := h.store.WaitingCount(); n != 0 {
		t.Fatalf("waiting after disconnect = %d, want 0", n)
	}
}

func TestController_StartWhileActiveRejected(t *testing.T) {
	h := newHarness()
	evA, evB := newPeerEvents(), newPeerEvents()
	a := newEdgeController(h, "aaa", evA)
	b := newEdgeController(h, "bbb", evB)
	defer a.Disconnect()
	defer b.Disconnect()

	startBoth(t, context.Background(), a, b)
	if err := a.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second Start = %v, want ErrAlreadyStarted", err)
	}
}

type fakeMedia struct {
	mu       sync.Mutex
	err      error
	acquired int
	streams  []*fakeStream
}

type fakeStream struct {
	mu       sync.Mutex
	released bool
}

func (s *fakeStream) Tracks() []webrtc.TrackLocal { return nil }

func (s *fakeStream) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = true
}

func (m *fakeMedia) Acquire(ctx context.Context) (MediaStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.acquired++
	s := &fakeStream{}
	m.streams = append(m.streams, s)
	return s, nil
}

func TestController_MediaDenialSurfacesAndLeavesNoState(t *testing.T) {
	h := newHarness()
	media := &fakeMedia{err: fmt.Errorf("camera: %w", ErrPermissionDenied)}
	c := New(Config{
		Client:  "aaa",
		Store:   h.store,
		Match:   h.match,
		Relay:   h.relay,
		Media:   media,
		Metrics: metrics.New(),
	})

	err := c.Start(context.Background())
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("Start = %v, want ErrPermissionDenied", err)
	}
	if n := h.store.WaitingCount(); n != 0 {
		t.Fatalf("waiting after denial = %d, want 0", n)
	}
	// The controller recovered: a retry may succeed once permission is granted.
	media.mu.Lock()
	media.err = nil
	media.mu.Unlock()
	errs := make(chan error, 1)
	go func() { errs <- c.Start(context.Background()) }()
	deadline := time.Now().Add(2 * time.Second)
	for h.store.WaitingCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("retry never entered the pool")
		}
		time.Sleep(5 * time.Millisecond)
	}
	c.Disconnect()
	<-errs
}

func TestController_ReleasesMediaOnDisconnect(t *testing.T) {
	h := newHarness()
	media := &fakeMedia{}
	evA, evB := newPeerEvents(), newPeerEvents()
	a := New(Config{
		Client: "aaa", Store: h.store, Match: h.match, Relay: h.relay,
		Media: media, Metrics: metrics.New(),
		OnMatched: func(room *store.Room, peer store.ClientID, initiator bool) {
			evA.matched <- matchEvent{room: room, peer: peer, initiator: initiator}
		},
	})
	b := newEdgeController(h, "bbb", evB)
	defer b.Disconnect()

	startBoth(t, context.Background(), a, b)
	waitMatched(t, evA)
	a.Disconnect()

	media.mu.Lock()
	defer media.mu.Unlock()
	if media.acquired != 1 {
		t.Fatalf("acquired = %d, want 1", media.acquired)
	}
	media.streams[0].mu.Lock()
	released := media.streams[0].released
	media.streams[0].mu.Unlock()
	if !released {
		t.Fatal("stream not released on disconnect")
	}
}

type fakeReporter struct {
	mu      sync.Mutex
	reports []string
}

func (r *fakeReporter) Report(ctx context.Context, reporter, reported store.ClientID, room store.RoomID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, string(reporter)+"->"+string(reported))
}

func TestController_ReportFilesThenDisconnects(t *testing.T) {
	h := newHarness()
	rep := &fakeReporter{}
	evA, evB := newPeerEvents(), newPeerEvents()
	a := New(Config{
		Client: "aaa", Store: h.store, Match: h.match, Relay: h.relay,
		Reporter: rep, Metrics: metrics.New(),
		OnMatched: func(room *store.Room, peer store.ClientID, initiator bool) {
			evA.matched <- matchEvent{room: room, peer: peer, initiator: initiator}
		},
	})
	b := newEdgeController(h, "bbb", evB)
	defer b.Disconnect()

	startBoth(t, context.Background(), a, b)
	waitMatched(t, evA)
	waitMatched(t, evB)

	a.Report()
	rep.mu.Lock()
	got := append([]string(nil), rep.reports...)
	rep.mu.Unlock()
	if len(got) != 1 || got[0] != "aaa->bbb" {
		t.Fatalf("reports = %v, want [aaa->bbb]", got)
	}
	if _, ok := a.Room(); ok {
		t.Fatal("still in a room after Report")
	}
	// Report while idle is a no-op.
	a.Report()
	rep.mu.Lock()
	n := len(rep.reports)
	rep.mu.Unlock()
	if n != 1 {
		t.Fatalf("reports after idle Report = %d, want 1", n)
	}
}

func TestController_NextRematchesWithNewPartner(t *testing.T) {
	h := newHarness()
	evA, evB, evC := newPeerEvents(), newPeerEvents(), newPeerEvents()
	a := newEdgeController(h, "aaa", evA)
	b := newEdgeController(h, "bbb", evB)
	c := newEdgeController(h, "ccc", evC)
	defer a.Disconnect()
	defer b.Disconnect()
	defer c.Disconnect()

	startBoth(t, context.Background(), a, b)
	first := waitMatched(t, evA)
	waitMatched(t, evB)

	nextErr := make(chan error, 1)
	go func() { nextErr <- a.Next(context.Background()) }()

	// B learns its peer left and goes idle; C arrives and pairs with A.
	select {
	case <-evB.peerLeft:
	case <-time.After(5 * time.Second):
		t.Fatal("partner never told the peer left")
	}
	startErr := make(chan error, 1)
	go func() { startErr <- c.Start(context.Background()) }()

	if err := <-nextErr; err != nil {
		t.Fatalf("Next: %v", err)
	}
	if err := <-startErr; err != nil {
		t.Fatalf("Start: %v", err)
	}
	second := waitMatched(t, evA)
	waitMatched(t, evC)
	if second.peer != "ccc" {
		t.Fatalf("new peer = %s, want ccc", second.peer)
	}
	if second.room.ID == first.room.ID {
		t.Fatalf("room reused across partners: %s", second.room.ID)
	}
	if n := h.store.RoomCount(); n != 1 {
		t.Fatalf("rooms = %d, want 1", n)
	}
}

// loopTransport is a minimal transport for exercising the in-process machine.
type loopTransport struct {
	mu          sync.Mutex
	onCandidate func(json.RawMessage)
	onConnected func()
	accepted    bool
	candidates  []string
	closed      bool
}

func (f *loopTransport) CreateOffer(ctx context.Context) (string, error) { return "offer-sdp", nil }

func (f *loopTransport) CreateAnswer(ctx context.Context, offer string) (string, error) {
	return "answer-sdp", nil
}

func (f *loopTransport) AcceptAnswer(ctx context.Context, answer string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accepted = true
	return nil
}

func (f *loopTransport) AddRemoteCandidate(candidate json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, string(candidate))
	return nil
}

func (f *loopTransport) OnICECandidate(fn func(json.RawMessage)) { f.onCandidate = fn }
func (f *loopTransport) OnConnected(fn func())                   { f.onConnected = fn }

func (f *loopTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func TestController_LocalMachinesNegotiateEndToEnd(t *testing.T) {
	h := newHarness()
	trA, trB := &loopTransport{}, &loopTransport{}
	factory := func(tr *loopTransport) TransportFactory {
		return func(ctx context.Context, media MediaStream) (negotiate.Transport, error) {
			return tr, nil
		}
	}
	evA, evB := newPeerEvents(), newPeerEvents()
	a := New(Config{
		Client: "aaa", Store: h.store, Match: h.match, Relay: h.relay,
		NewTransport: factory(trA), Metrics: metrics.New(),
		OnMatched: func(room *store.Room, peer store.ClientID, initiator bool) {
			evA.matched <- matchEvent{room: room, peer: peer, initiator: initiator}
		},
	})
	b := New(Config{
		Client: "bbb", Store: h.store, Match: h.match, Relay: h.relay,
		NewTransport: factory(trB), Metrics: metrics.New(),
		OnMatched: func(room *store.Room, peer store.ClientID, initiator bool) {
			evB.matched <- matchEvent{room: room, peer: peer, initiator: initiator}
		},
	})
	defer a.Disconnect()
	defer b.Disconnect()

	startBoth(t, context.Background(), a, b)
	waitMatched(t, evA)
	waitMatched(t, evB)

	// The offer/answer exchange runs through the relay between the two
	// machines; wait for the initiator's transport to accept the answer.
	deadline := time.Now().Add(5 * time.Second)
	for {
		trA.mu.Lock()
		done := trA.accepted
		trA.mu.Unlock()
		if done {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("answer never accepted by initiator transport")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Candidates gathered after the exchange flow across too.
	trA.onCandidate(json.RawMessage(`{"candidate":"from-a"}`))
	deadline = time.Now().Add(5 * time.Second)
	for {
		trB.mu.Lock()
		n := len(trB.candidates)
		trB.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("candidate never reached responder transport")
		}
		time.Sleep(5 * time.Millisecond)
	}

	a.Disconnect()
	trA.mu.Lock()
	closed := trA.closed
	trA.mu.Unlock()
	if !closed {
		t.Fatal("transport not closed on disconnect")
	}
}

func TestController_StartDeadlineDoesNotBoundSession(t *testing.T) {
	h := newHarness()
	evA, evB := newPeerEvents(), newPeerEvents()
	a := newEdgeController(h, "aaa", evA)
	b := newEdgeController(h, "bbb", evB)
	defer a.Disconnect()
	defer b.Disconnect()

	// The Start context carries a match deadline and is cancelled as soon as
	// the call returns, the way a caller bounding the partner wait does it.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	startBoth(t, ctx, a, b)
	cancel()

	waitMatched(t, evA)
	waitMatched(t, evB)

	if err := a.Send(relay.KindOffer, "offer-sdp", nil); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case msg := <-evB.signals:
		if msg.Kind != relay.KindOffer || msg.SDP != "offer-sdp" {
			t.Fatalf("got %+v, want the relayed offer", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("offer never delivered after Start context was cancelled")
	}
	if _, ok := a.Room(); !ok {
		t.Fatal("pairing dropped after Start context was cancelled")
	}
}
