package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/clock"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/mailbox"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/metrics"
)

const (
	DefaultPollInterval   = 500 * time.Millisecond
	MinPollInterval       = 500 * time.Millisecond
	MaxPollInterval       = time.Second
	DefaultPollMaxTimeout = 30 * time.Second
)

type PullConfig struct {
	// Interval is the re-check period while a poll waits. It is clamped to
	// [MinPollInterval, MaxPollInterval].
	Interval time.Duration

	// MaxTimeout caps the timeout a caller may ask for.
	MaxTimeout time.Duration

	Clock       clock.Clock
	Metrics     *metrics.Metrics
	OnDelivered Observer
}

// Pull implements long-poll delivery.
type Pull struct {
	mb  *mailbox.Mailbox
	cfg PullConfig

	mu      sync.Mutex
	waiting map[mailbox.ParticipantID]int
}

func NewPull(mb *mailbox.Mailbox, cfg PullConfig) *Pull {
	cfg.Interval = ClampPollInterval(cfg.Interval)
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = DefaultPollMaxTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = mb.Clock()
	}
	return &Pull{
		mb:      mb,
		cfg:     cfg,
		waiting: make(map[mailbox.ParticipantID]int),
	}
}

// ClampPollInterval maps d into the supported re-check range. Zero selects the
// default.
func ClampPollInterval(d time.Duration) time.Duration {
	switch {
	case d <= 0:
		return DefaultPollInterval
	case d < MinPollInterval:
		return MinPollInterval
	case d > MaxPollInterval:
		return MaxPollInterval
	default:
		return d
	}
}

func (p *Pull) Name() string { return "pull" }

// Attached reports whether a poll for id is in progress.
func (p *Pull) Attached(id mailbox.ParticipantID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waiting[id] > 0
}

// Waiting returns the number of polls currently parked.
func (p *Pull) Waiting() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.waiting {
		n += c
	}
	return n
}

func (p *Pull) MaxTimeout() time.Duration { return p.cfg.MaxTimeout }

// Poll returns the messages queued for id, waiting up to timeout for at least
// one to arrive. On timeout it returns an empty, non-nil slice; messages that
// arrive exactly at the deadline are still returned. If ctx is canceled first
// Poll returns ctx.Err() and nothing is drained.
//
// A timeout of zero drains once without waiting.
func (p *Pull) Poll(ctx context.Context, id mailbox.ParticipantID, timeout time.Duration) ([]mailbox.Message, error) {
	if timeout > p.cfg.MaxTimeout {
		timeout = p.cfg.MaxTimeout
	}
	if timeout <= 0 {
		return p.deliver(p.mb.Drain(id)), nil
	}

	p.cfg.Metrics.Inc(metrics.PollStarted)
	p.enter(id)
	defer p.leave(id)

	timer := p.cfg.Clock.NewTimer(timeout)
	defer timer.Stop()
	ticker := p.cfg.Clock.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := ctx.Err(); err != nil {
			p.cfg.Metrics.Inc(metrics.PollCanceled)
			return nil, err
		}

		// Register before draining so an enqueue between the two still wakes us.
		ready, release := p.mb.Ready(id)
		if msgs := p.mb.Drain(id); len(msgs) > 0 {
			release()
			return p.deliver(msgs), nil
		}

		select {
		case <-ctx.Done():
			release()
			p.cfg.Metrics.Inc(metrics.PollCanceled)
			return nil, ctx.Err()
		case <-timer.C:
			release()
			if msgs := p.mb.Drain(id); len(msgs) > 0 {
				return p.deliver(msgs), nil
			}
			p.cfg.Metrics.Inc(metrics.PollTimedOut)
			return []mailbox.Message{}, nil
		case <-ready:
		case <-ticker.C:
		}
		release()
	}
}

func (p *Pull) deliver(msgs []mailbox.Message) []mailbox.Message {
	if len(msgs) == 0 {
		return []mailbox.Message{}
	}
	p.cfg.Metrics.Add(metrics.SignalDeliveredPull, uint64(len(msgs)))
	if p.cfg.OnDelivered != nil {
		p.cfg.OnDelivered(msgs)
	}
	return msgs
}

func (p *Pull) enter(id mailbox.ParticipantID) {
	p.mu.Lock()
	p.waiting[id]++
	p.mu.Unlock()
}

func (p *Pull) leave(id mailbox.ParticipantID) {
	p.mu.Lock()
	if p.waiting[id] <= 1 {
		delete(p.waiting, id)
	} else {
		p.waiting[id]--
	}
	p.mu.Unlock()
}
