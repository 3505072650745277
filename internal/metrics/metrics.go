package metrics

import "sync"

// Event names. Drop reasons use the signal_dropped_ prefix so dashboards can
// aggregate them.
const (
	SignalEnqueued      = "signal_enqueued"
	SignalDeliveredPush = "signal_delivered_push"
	SignalDeliveredPull = "signal_delivered_pull"
	SignalInvalid       = "signal_invalid"

	SignalDroppedStale           = "signal_dropped_stale"
	SignalDroppedOverflow        = "signal_dropped_overflow"
	SignalDroppedSessionEnded    = "signal_dropped_session_ended"
	SignalDroppedOutOfOrder      = "signal_dropped_out_of_order"
	SignalDroppedTooManySessions = "signal_dropped_too_many_sessions"

	PollStarted  = "poll_started"
	PollTimedOut = "poll_timed_out"
	PollCanceled = "poll_canceled"

	SessionCreated = "session_created"
	SessionEnded   = "session_ended"
	SessionExpired = "session_expired"

	PushConnections = "push_connections"
	PushSendFailed  = "push_send_failed"

	DropReasonRateLimited = "rate_limited"
	AuthFailure           = "auth_failure"
)

// Metrics is a minimal, concurrency-safe counter registry. The zero value is
// ready to use.
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

func (m *Metrics) Add(name string, n uint64) {
	if m == nil || n == 0 {
		return
	}
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name] += n
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
	out := make(map[string]uint64)
	if m == nil {
		return out
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
