package metrics

import "sync"

// Counter names used across the relay. Keeping them in one place makes the
// Prometheus output stable and greppable.
const (
	RoomsCreated   = "rooms_created"
	RoomsDestroyed = "rooms_destroyed"

	BroadcasterJoins      = "broadcaster_joins"
	BroadcasterReplaced   = "broadcaster_replaced"
	ViewerJoins           = "viewer_joins"
	ViewerLeaves          = "viewer_leaves"
	StreamEndedFanouts    = "stream_ended_fanouts"
	EnvelopesForwarded    = "envelopes_forwarded"
	DropReasonMalformed   = "drop_malformed_envelope"
	DropReasonNotJoined   = "drop_not_joined"
	DropReasonDoubleJoin  = "drop_double_join"
	DropReasonWrongRole   = "drop_wrong_role"
	DeliveryFailures      = "delivery_failures"
	ConnectionsAccepted   = "connections_accepted"
	ConnectionsClosed     = "connections_closed"
	LiveSessionsStarted   = "live_sessions_started"
	LiveSessionsEnded     = "live_sessions_ended"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// It exists so routing decisions stay observable and testable without pulling
// a full metrics SDK into the relay core; the Prometheus handler exposes the
// same counters for scraping.
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
