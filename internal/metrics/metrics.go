package metrics

import "sync"

// Event counter names. Kept as plain strings so new counters don't require a
// registry change.
const (
	RoomCreated   = "room_created"
	RoomDeleted   = "room_deleted"
	MemberJoined  = "member_joined"
	MemberLeft    = "member_left"
	RelayedOffer  = "relayed_offer"
	RelayedAnswer = "relayed_answer"
	RelayedICE    = "relayed_ice_candidate"

	AuthFailure = "auth_failure"

	DropReasonBadMessage  = "dropped_bad_message"
	DropReasonRateLimited = "dropped_rate_limited"
	DropReasonRoomFull    = "dropped_room_full"
	DropReasonNotJoined   = "dropped_not_joined"
	DropReasonDeadSocket  = "dropped_dead_socket"
)

// Metrics is a minimal concurrency-safe counter registry. The relay exposes it
// through the Prometheus text handler; keeping it in-process keeps the relay's
// enforcement logic testable without a metrics backend.
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
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
