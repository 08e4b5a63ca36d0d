package metrics

import "sync"

// Counter names used across the signaling core. Names are intentionally
// simple; a follow-up metrics task can standardize them if we ever move to a
// richer backend.
const (
	Connections        = "connections"
	AuthFailure        = "auth_failure"
	AuthSuccess        = "auth_success"
	MatchesMade        = "matches_made"
	WaitingEnqueued    = "waiting_enqueued"
	StaleQueueSkipped  = "stale_queue_skipped"
	SignalsRelayed     = "signals_relayed"
	SignalsDropped     = "signals_dropped"
	ChatMessages       = "chat_messages"
	PartnerDisconnects = "partner_disconnects"
	RateLimited        = "rate_limited"
	SlowPeerDropped    = "slow_peer_dropped"
	BadMessages        = "bad_messages"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// A production deployment is expected to plug into a real metrics backend;
// this type exists to keep matchmaking and relay logic testable while still
// exposing counters for scraping.
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
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
