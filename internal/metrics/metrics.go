package metrics

import "sync"

// Counter event names. Names are intentionally simple; they are exposed as the
// `event` label on a single Prometheus counter.
const (
	ClientEnqueued   = "client_enqueued"
	ClientDequeued   = "client_dequeued"
	PairMatched      = "pair_matched"
	MatchRetried     = "match_retried"
	MatchCancelled   = "match_cancelled"
	RoomCreated      = "room_created"
	RoomClosed       = "room_closed"
	OfferRelayed     = "offer_relayed"
	AnswerRelayed    = "answer_relayed"
	CandidateRelayed = "candidate_relayed"
	StaleSignal      = "stale_signal"
	ReportFiled      = "report_filed"
	SessionStarted   = "session_started"
	SessionClosed    = "session_closed"

	DropReasonRateLimited    = "rate_limited"
	DropReasonTooManyWaiting = "too_many_waiting"
	DropReasonTooManyRooms   = "too_many_rooms"
	AuthFailure              = "auth_failure"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// A deployment is expected to scrape these through PrometheusHandler; the
// in-process map keeps matchmaking and relay logic testable without a metrics
// backend.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
