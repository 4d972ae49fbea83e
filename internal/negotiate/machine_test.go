package negotiate

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/strangercast/rendezvous/internal/metrics"
	"github.com/strangercast/rendezvous/internal/relay"
)

type fakeTransport struct {
	mu          sync.Mutex
	offers      int
	answers     int
	accepted    []string
	candidates  []string
	onCandidate func(json.RawMessage)
	onConnected func()
	closed      bool

	failOffer  error
	failAnswer error
}

func (f *fakeTransport) CreateOffer(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOffer != nil {
		return "", f.failOffer
	}
	f.offers++
	return "offer-sdp", nil
}

func (f *fakeTransport) CreateAnswer(ctx context.Context, offer string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAnswer != nil {
		return "", f.failAnswer
	}
	f.answers++
	return "answer-sdp", nil
}

func (f *fakeTransport) AcceptAnswer(ctx context.Context, answer string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accepted = append(f.accepted, answer)
	return nil
}

func (f *fakeTransport) AddRemoteCandidate(candidate json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, string(candidate))
	return nil
}

func (f *fakeTransport) OnICECandidate(fn func(json.RawMessage)) { f.onCandidate = fn }
func (f *fakeTransport) OnConnected(fn func())                   { f.onConnected = fn }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type sentSignal struct {
	kind      relay.Kind
	sdp       string
	candidate string
}

type recorder struct {
	mu   sync.Mutex
	sent []sentSignal
	fail error
}

func (r *recorder) sink(kind relay.Kind, sdp string, candidate json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.sent = append(r.sent, sentSignal{kind: kind, sdp: sdp, candidate: string(candidate)})
	return nil
}

func (r *recorder) all() []sentSignal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sentSignal(nil), r.sent...)
}

func newTestMachine(t *testing.T, ft *fakeTransport, rec *recorder) *Machine {
	t.Helper()
	m := NewMachine(Config{
		Transport: ft,
		Send:      rec.sink,
		Metrics:   metrics.New(),
	})
	t.Cleanup(func() { m.Close() })
	return m
}

func TestMachine_InitiatorSendsOffer(t *testing.T) {
	ft := &fakeTransport{}
	rec := &recorder{}
	m := newTestMachine(t, ft, rec)

	if err := m.Matched(context.Background(), RoleInitiator); err != nil {
		t.Fatalf("Matched: %v", err)
	}
	if got, want := m.State(), StateOfferSent; got != want {
		t.Fatalf("state = %s, want %s", got, want)
	}
	sent := rec.all()
	if len(sent) != 1 || sent[0].kind != relay.KindOffer || sent[0].sdp != "offer-sdp" {
		t.Fatalf("sent = %+v, want one offer", sent)
	}
}

func TestMachine_ResponderAnswersOffer(t *testing.T) {
	ft := &fakeTransport{}
	rec := &recorder{}
	m := newTestMachine(t, ft, rec)

	if err := m.Matched(context.Background(), RoleResponder); err != nil {
		t.Fatalf("Matched: %v", err)
	}
	if got, want := m.State(), StateMatched; got != want {
		t.Fatalf("state = %s, want %s", got, want)
	}
	err := m.HandleSignal(context.Background(), &relay.SignalMessage{Kind: relay.KindOffer, SDP: "remote-offer"})
	if err != nil {
		t.Fatalf("HandleSignal(offer): %v", err)
	}
	if got, want := m.State(), StateAnswerSent; got != want {
		t.Fatalf("state = %s, want %s", got, want)
	}
	sent := rec.all()
	if len(sent) != 1 || sent[0].kind != relay.KindAnswer || sent[0].sdp != "answer-sdp" {
		t.Fatalf("sent = %+v, want one answer", sent)
	}
}

func TestMachine_InitiatorAcceptsAnswer(t *testing.T) {
	ft := &fakeTransport{}
	rec := &recorder{}
	m := newTestMachine(t, ft, rec)

	if err := m.Matched(context.Background(), RoleInitiator); err != nil {
		t.Fatalf("Matched: %v", err)
	}
	err := m.HandleSignal(context.Background(), &relay.SignalMessage{Kind: relay.KindAnswer, SDP: "remote-answer"})
	if err != nil {
		t.Fatalf("HandleSignal(answer): %v", err)
	}
	if got, want := m.State(), StateConnected; got != want {
		t.Fatalf("state = %s, want %s", got, want)
	}
	if len(ft.accepted) != 1 || ft.accepted[0] != "remote-answer" {
		t.Fatalf("accepted = %v, want [remote-answer]", ft.accepted)
	}
}

func TestMachine_StaleSignalsIgnored(t *testing.T) {
	ft := &fakeTransport{}
	rec := &recorder{}
	mtr := metrics.New()
	m := NewMachine(Config{Transport: ft, Send: rec.sink, Metrics: mtr})
	defer m.Close()

	if err := m.Matched(context.Background(), RoleInitiator); err != nil {
		t.Fatalf("Matched: %v", err)
	}
	// Offers never fit the initiator side; a second answer after Connected is a
	// replay.
	offer := &relay.SignalMessage{Kind: relay.KindOffer, SDP: "x"}
	answer := &relay.SignalMessage{Kind: relay.KindAnswer, SDP: "y"}
	if err := m.HandleSignal(context.Background(), offer); err != nil {
		t.Fatalf("stale offer: %v", err)
	}
	if err := m.HandleSignal(context.Background(), answer); err != nil {
		t.Fatalf("answer: %v", err)
	}
	if err := m.HandleSignal(context.Background(), answer); err != nil {
		t.Fatalf("replayed answer: %v", err)
	}
	if got, want := m.State(), StateConnected; got != want {
		t.Fatalf("state = %s, want %s", got, want)
	}
	if got := mtr.Get(metrics.StaleSignal); got != 2 {
		t.Fatalf("stale signal count = %d, want 2", got)
	}
	if len(ft.accepted) != 1 {
		t.Fatalf("accepted = %v, want exactly one answer applied", ft.accepted)
	}
}

func TestMachine_EarlyCandidatesBufferedUntilRemoteDescription(t *testing.T) {
	ft := &fakeTransport{}
	rec := &recorder{}
	m := newTestMachine(t, ft, rec)

	if err := m.Matched(context.Background(), RoleResponder); err != nil {
		t.Fatalf("Matched: %v", err)
	}
	c1 := &relay.SignalMessage{Kind: relay.KindCandidate, Candidate: json.RawMessage(`{"candidate":"a"}`)}
	c2 := &relay.SignalMessage{Kind: relay.KindCandidate, Candidate: json.RawMessage(`{"candidate":"b"}`)}
	if err := m.HandleSignal(context.Background(), c1); err != nil {
		t.Fatalf("early candidate: %v", err)
	}
	if err := m.HandleSignal(context.Background(), c2); err != nil {
		t.Fatalf("early candidate: %v", err)
	}
	if len(ft.candidates) != 0 {
		t.Fatalf("candidates applied before remote description: %v", ft.candidates)
	}
	offer := &relay.SignalMessage{Kind: relay.KindOffer, SDP: "remote-offer"}
	if err := m.HandleSignal(context.Background(), offer); err != nil {
		t.Fatalf("offer: %v", err)
	}
	want := []string{`{"candidate":"a"}`, `{"candidate":"b"}`}
	if len(ft.candidates) != len(want) || ft.candidates[0] != want[0] || ft.candidates[1] != want[1] {
		t.Fatalf("candidates = %v, want %v", ft.candidates, want)
	}
}

func TestMachine_LocalCandidatesForwardedWhileLive(t *testing.T) {
	ft := &fakeTransport{}
	rec := &recorder{}
	m := newTestMachine(t, ft, rec)

	// Not matched yet: candidate is dropped, not sent into a room that does
	// not exist.
	ft.onCandidate(json.RawMessage(`{"candidate":"early"}`))
	if got := rec.all(); len(got) != 0 {
		t.Fatalf("sent = %+v, want nothing before matched", got)
	}

	if err := m.Matched(context.Background(), RoleInitiator); err != nil {
		t.Fatalf("Matched: %v", err)
	}
	ft.onCandidate(json.RawMessage(`{"candidate":"live"}`))
	sent := rec.all()
	if len(sent) != 2 {
		t.Fatalf("sent = %+v, want offer plus one candidate", sent)
	}
	if sent[1].kind != relay.KindCandidate || sent[1].candidate != `{"candidate":"live"}` {
		t.Fatalf("sent[1] = %+v, want the live candidate", sent[1])
	}
}

func TestMachine_TransportConnectedAdvancesState(t *testing.T) {
	ft := &fakeTransport{}
	rec := &recorder{}
	m := newTestMachine(t, ft, rec)

	if err := m.Matched(context.Background(), RoleResponder); err != nil {
		t.Fatalf("Matched: %v", err)
	}
	offer := &relay.SignalMessage{Kind: relay.KindOffer, SDP: "remote-offer"}
	if err := m.HandleSignal(context.Background(), offer); err != nil {
		t.Fatalf("offer: %v", err)
	}
	ft.onConnected()
	if got, want := m.State(), StateConnected; got != want {
		t.Fatalf("state = %s, want %s", got, want)
	}
}

func TestMachine_OfferFailurePropagates(t *testing.T) {
	wantErr := errors.New("no codecs")
	ft := &fakeTransport{failOffer: wantErr}
	rec := &recorder{}
	m := newTestMachine(t, ft, rec)

	err := m.Matched(context.Background(), RoleInitiator)
	if !errors.Is(err, wantErr) {
		t.Fatalf("Matched error = %v, want %v", err, wantErr)
	}
}

func TestMachine_CloseIsTerminalAndIdempotent(t *testing.T) {
	ft := &fakeTransport{}
	rec := &recorder{}
	m := newTestMachine(t, ft, rec)

	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if !ft.closed {
		t.Fatal("transport not closed")
	}
	if err := m.Matched(context.Background(), RoleInitiator); !errors.Is(err, ErrClosed) {
		t.Fatalf("Matched after close = %v, want ErrClosed", err)
	}
	msg := &relay.SignalMessage{Kind: relay.KindOffer, SDP: "x"}
	if err := m.HandleSignal(context.Background(), msg); !errors.Is(err, ErrClosed) {
		t.Fatalf("HandleSignal after close = %v, want ErrClosed", err)
	}
	if got, want := m.State(), StateClosed; got != want {
		t.Fatalf("state = %s, want %s", got, want)
	}
}
