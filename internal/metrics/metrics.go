package metrics

import "sync"

// Event counter names.
//
// Gate outcomes are split by disposition: "rejected" means structural/identity
// violations the sender should stop retrying, "dropped" means transient
// outcomes (rate limit, stale sequence) the sender may keep sending through.
const (
	EventMalformedJSON    = "malformed_json"
	EventGateRejected     = "gate_rejected"
	EventGateDropped      = "gate_dropped"
	EventGateForwarded    = "gate_forwarded"
	EventSignalForwarded  = "signal_forwarded"
	EventSendDropped      = "send_dropped"
	EventRobotSuperseded  = "robot_superseded"
	EventLivenessReaped   = "liveness_reaped"
	EventInboundOverLimit = "inbound_rate_limited"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// The relay is expected to plug into a real metrics backend eventually; this
// type keeps routing and gating logic testable while still exposing counters
// over /metrics.
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
	if m == nil {
		return
	}
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
