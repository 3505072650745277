// Package mailbox implements the per-recipient queue of pending signaling
// messages.
//
// Messages older than the configured TTL are never returned. Expired entries
// are purged lazily whenever a queue is touched and periodically by Run.
package mailbox

import (
	"context"
	"sync"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/clock"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/metrics"
)

const (
	DefaultTTL               = 30 * time.Second
	DefaultMaxPerParticipant = 256
	DefaultSweepInterval     = 10 * time.Second
)

type Config struct {
	// TTL bounds how long an undelivered message stays deliverable.
	TTL time.Duration

	// MaxPerParticipant caps the queue length of a single recipient. When the
	// cap is reached the oldest message is dropped so Enqueue never fails.
	MaxPerParticipant int

	Clock   clock.Clock
	Metrics *metrics.Metrics
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.MaxPerParticipant <= 0 {
		c.MaxPerParticipant = DefaultMaxPerParticipant
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.Metrics == nil {
		c.Metrics = metrics.New()
	}
	return c
}

// Mailbox maps each recipient to a FIFO of pending messages. It is the only
// shared mutable state of the relay; every mutation happens under mu so a
// message is never both delivered twice and never lost to a read/write race.
type Mailbox struct {
	cfg Config

	mu     sync.Mutex
	queues map[ParticipantID]*queue
}

type queue struct {
	msgs []Message

	// ready is closed (and replaced) on every enqueue.
	ready   chan struct{}
	waiters int
}

func New(cfg Config) *Mailbox {
	return &Mailbox{
		cfg:    cfg.withDefaults(),
		queues: make(map[ParticipantID]*queue),
	}
}

func (m *Mailbox) TTL() time.Duration { return m.cfg.TTL }

func (m *Mailbox) Clock() clock.Clock { return m.cfg.Clock }

// Enqueue appends msg to the queue of to and wakes anyone waiting on it.
//
// msg.To is not checked against to. A zero CreatedAt is stamped with the
// current time.
func (m *Mailbox) Enqueue(to ParticipantID, msg Message) {
	now := m.cfg.Clock.Now()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}

	m.mu.Lock()
	q := m.queueLocked(to)
	m.purgeLocked(q, now)
	if len(q.msgs) >= m.cfg.MaxPerParticipant {
		drop := len(q.msgs) - m.cfg.MaxPerParticipant + 1
		clear(q.msgs[:drop])
		q.msgs = q.msgs[drop:]
		m.cfg.Metrics.Add(metrics.SignalDroppedOverflow, uint64(drop))
	}
	q.msgs = append(q.msgs, msg)
	close(q.ready)
	q.ready = make(chan struct{})
	m.mu.Unlock()

	m.cfg.Metrics.Inc(metrics.SignalEnqueued)
}

// Drain removes and returns every non-expired message queued for p, oldest
// first. The first caller to drain a message is the only one to receive it.
func (m *Mailbox) Drain(p ParticipantID) []Message {
	now := m.cfg.Clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.queues[p]
	if !ok {
		return nil
	}
	m.purgeLocked(q, now)
	out := q.msgs
	q.msgs = nil
	m.deleteIfIdleLocked(p, q)
	return out
}

// Ready returns a channel that is closed by the next Enqueue for p. Callers
// must invoke release once they stop waiting so idle queues can be reclaimed.
//
// To avoid missing a wakeup, obtain the channel before calling Drain.
func (m *Mailbox) Ready(p ParticipantID) (ready <-chan struct{}, release func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.queueLocked(p)
	q.waiters++

	var once sync.Once
	return q.ready, func() {
		once.Do(func() {
			m.mu.Lock()
			q.waiters--
			m.deleteIfIdleLocked(p, q)
			m.mu.Unlock()
		})
	}
}

// Len returns the number of deliverable messages queued for p.
func (m *Mailbox) Len(p ParticipantID) int {
	now := m.cfg.Clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.queues[p]
	if !ok {
		return 0
	}
	m.purgeLocked(q, now)
	return len(q.msgs)
}

type Stats struct {
	Participants int `json:"participants"`
	Messages     int `json:"messages"`
}

func (m *Mailbox) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{Participants: len(m.queues)}
	for _, q := range m.queues {
		s.Messages += len(q.msgs)
	}
	return s
}

// Sweep purges expired messages from every queue and reclaims idle queues.
// It returns the number of messages purged.
func (m *Mailbox) Sweep() int {
	now := m.cfg.Clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	purged := 0
	for p, q := range m.queues {
		purged += m.purgeLocked(q, now)
		m.deleteIfIdleLocked(p, q)
	}
	return purged
}

// Run sweeps every interval until ctx is done.
func (m *Mailbox) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := m.cfg.Clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

func (m *Mailbox) queueLocked(p ParticipantID) *queue {
	q, ok := m.queues[p]
	if !ok {
		q = &queue{ready: make(chan struct{})}
		m.queues[p] = q
	}
	return q
}

// purgeLocked drops messages whose age exceeds the TTL. Queues are FIFO by
// enqueue time, so expired messages form a prefix.
func (m *Mailbox) purgeLocked(q *queue, now time.Time) int {
	n := 0
	for n < len(q.msgs) && now.Sub(q.msgs[n].CreatedAt) > m.cfg.TTL {
		n++
	}
	if n == 0 {
		return 0
	}
	clear(q.msgs[:n])
	q.msgs = q.msgs[n:]
	m.cfg.Metrics.Add(metrics.SignalDroppedStale, uint64(n))
	return n
}

func (m *Mailbox) deleteIfIdleLocked(p ParticipantID, q *queue) {
	if len(q.msgs) == 0 && q.waiters == 0 && m.queues[p] == q {
		delete(m.queues, p)
	}
}
