package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/clock"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/mailbox"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/metrics"
)

const (
	DefaultEndGrace      = 10 * time.Second
	DefaultIdleTTL       = 30 * time.Second
	DefaultSweepInterval = 5 * time.Second
)

type Config struct {
	// EndGrace is how long an ended or rejected session keeps dropping late
	// messages before it is forgotten.
	EndGrace time.Duration

	// IdleTTL expires live sessions that saw no traffic for this long. It
	// normally matches the mailbox TTL.
	IdleTTL time.Duration

	// MaxSessions caps concurrently live sessions; 0 means unlimited.
	MaxSessions int

	Clock   clock.Clock
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Registry owns every session. Apply serializes the transition for a pair
// with the caller's relay step, so two messages for one pair are never
// relayed in an order that disagrees with the recorded state.
type Registry struct {
	cfg Config
	log *slog.Logger

	mu       sync.Mutex
	sessions map[Key]*Session
}

func NewRegistry(cfg Config) *Registry {
	if cfg.EndGrace <= 0 {
		cfg.EndGrace = DefaultEndGrace
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultIdleTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		cfg:      cfg,
		log:      log,
		sessions: make(map[Key]*Session),
	}
}

// Apply runs the transition for msg and, when the message is to be relayed,
// calls relay before releasing the lock. The returned Session is a snapshot;
// its zero value means the pair has no session.
func (r *Registry) Apply(msg mailbox.Message, relay func()) (Session, error) {
	now := r.cfg.Clock.Now()
	key := KeyFor(msg.From, msg.To)

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.sessions[key]
	if cur != nil && r.expiredLocked(cur, now) {
		delete(r.sessions, key)
		cur = nil
	}

	next, ok, err := Transition(cur, msg, now)
	if err != nil {
		switch err {
		case ErrSessionEnded:
			r.cfg.Metrics.Inc(metrics.SignalDroppedSessionEnded)
		case ErrOutOfOrder:
			r.cfg.Metrics.Inc(metrics.SignalDroppedOutOfOrder)
		}
		r.log.Debug("signal not relayed", "session", key.String(), "kind", string(msg.Kind), "from", string(msg.From), "err", err)
		return snapshot(cur), fmt.Errorf("%s %s->%s: %w", msg.Kind, msg.From, msg.To, err)
	}

	if cur == nil && next != nil {
		if r.cfg.MaxSessions > 0 && r.liveLocked(now) >= r.cfg.MaxSessions {
			r.cfg.Metrics.Inc(metrics.SignalDroppedTooManySessions)
			return Session{}, ErrTooManySessions
		}
		r.cfg.Metrics.Inc(metrics.SessionCreated)
	}
	if next != nil {
		if cur != nil && !cur.State.Terminal() && next.State.Terminal() {
			r.cfg.Metrics.Inc(metrics.SessionEnded)
		}
		r.sessions[key] = next
	}
	if ok && relay != nil {
		relay()
	}
	return snapshot(next), nil
}

// ObserveDelivered advances sessions whose answer has reached the caller.
// It matches the delivery.Observer signature.
func (r *Registry) ObserveDelivered(msgs []mailbox.Message) {
	now := r.cfg.Clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, msg := range msgs {
		if msg.Kind != mailbox.KindAnswer {
			continue
		}
		s := r.sessions[KeyFor(msg.From, msg.To)]
		if s == nil || s.State != StateHaveAnswer || msg.From != s.Callee || msg.To != s.Caller {
			continue
		}
		s.State = StateConnected
		s.UpdatedAt = now
	}
}

func (r *Registry) Get(x, y mailbox.ParticipantID) (Session, bool) {
	now := r.cfg.Clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.sessions[KeyFor(x, y)]
	if s == nil || r.expiredLocked(s, now) {
		return Session{}, false
	}
	return *s, true
}

// Len returns the number of tracked sessions, including ended ones still in
// their grace period.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sweep forgets terminal sessions past their grace period and live sessions
// idle for longer than IdleTTL. It returns the number removed.
func (r *Registry) Sweep() int {
	now := r.cfg.Clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for key, s := range r.sessions {
		if !r.expiredLocked(s, now) {
			continue
		}
		if !s.State.Terminal() {
			r.cfg.Metrics.Inc(metrics.SessionExpired)
		}
		delete(r.sessions, key)
		n++
	}
	return n
}

func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := r.cfg.Clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Sweep(); n > 0 {
				r.log.Debug("sessions swept", "count", n)
			}
		}
	}
}

func (r *Registry) expiredLocked(s *Session, now time.Time) bool {
	if s.State.Terminal() {
		return now.Sub(s.EndedAt) >= r.cfg.EndGrace
	}
	return now.Sub(s.UpdatedAt) > r.cfg.IdleTTL
}

func (r *Registry) liveLocked(now time.Time) int {
	n := 0
	for _, s := range r.sessions {
		if !s.State.Terminal() && !r.expiredLocked(s, now) {
			n++
		}
	}
	return n
}

func snapshot(s *Session) Session {
	if s == nil {
		return Session{}
	}
	return *s
}
