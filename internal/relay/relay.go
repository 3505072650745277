package relay

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/clock"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/delivery"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/mailbox"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/session"
)

// Disposition describes what happened to an accepted submission. Only
// DispositionRelayed means the message was queued for the recipient; the
// others are acknowledged to the sender without being delivered.
type Disposition string

const (
	DispositionRelayed             Disposition = "relayed"
	DispositionDroppedSessionEnded Disposition = "dropped_session_ended"
	DispositionIgnoredOutOfOrder   Disposition = "ignored_out_of_order"
)

type PostResult struct {
	ID          string
	Disposition Disposition

	// State is the pair's session state after the message was applied, or
	// empty if the pair has no session.
	State session.State
}

type Config struct {
	Mailbox  *mailbox.Mailbox
	Sessions *session.Registry

	// Push and Pull are built from the mailbox when nil, with their delivery
	// observers wired to Sessions.
	Push *delivery.Push
	Pull *delivery.Pull

	PollInterval   time.Duration
	PollMaxTimeout time.Duration

	MailboxSweepInterval time.Duration
	SessionSweepInterval time.Duration

	Payloads PayloadValidator

	Clock   clock.Clock
	Metrics *metrics.Metrics
	Logger  *slog.Logger

	// NewID assigns message ids. Defaults to random UUIDs.
	NewID func() string
}

type Relay struct {
	cfg Config
	log *slog.Logger

	mb       *mailbox.Mailbox
	sessions *session.Registry
	push     *delivery.Push
	pull     *delivery.Pull

	strategies []delivery.Strategy

	closeOnce sync.Once
}

func New(cfg Config) *Relay {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if cfg.Mailbox == nil {
		cfg.Mailbox = mailbox.New(mailbox.Config{Clock: cfg.Clock, Metrics: cfg.Metrics})
	}
	if cfg.Clock == nil {
		cfg.Clock = cfg.Mailbox.Clock()
	}
	if cfg.Sessions == nil {
		cfg.Sessions = session.NewRegistry(session.Config{
			IdleTTL: cfg.Mailbox.TTL(),
			Clock:   cfg.Clock,
			Metrics: cfg.Metrics,
			Logger:  log,
		})
	}
	if cfg.Push == nil {
		cfg.Push = delivery.NewPush(cfg.Mailbox, delivery.PushConfig{
			Metrics:     cfg.Metrics,
			Logger:      log,
			OnDelivered: cfg.Sessions.ObserveDelivered,
		})
	}
	if cfg.Pull == nil {
		cfg.Pull = delivery.NewPull(cfg.Mailbox, delivery.PullConfig{
			Interval:    cfg.PollInterval,
			MaxTimeout:  cfg.PollMaxTimeout,
			Clock:       cfg.Clock,
			Metrics:     cfg.Metrics,
			OnDelivered: cfg.Sessions.ObserveDelivered,
		})
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}

	return &Relay{
		cfg:        cfg,
		log:        log,
		mb:         cfg.Mailbox,
		sessions:   cfg.Sessions,
		push:       cfg.Push,
		pull:       cfg.Pull,
		strategies: []delivery.Strategy{cfg.Push, cfg.Pull},
	}
}

func (r *Relay) Mailbox() *mailbox.Mailbox   { return r.mb }
func (r *Relay) Sessions() *session.Registry { return r.sessions }
func (r *Relay) Push() *delivery.Push        { return r.push }
func (r *Relay) Pull() *delivery.Pull        { return r.pull }
func (r *Relay) Metrics() *metrics.Metrics   { return r.cfg.Metrics }

// Post validates sub, applies it to the pair's session and, if the session
// accepts it, queues it for the recipient.
//
// Out-of-order and post-end messages are not errors: they are acknowledged
// with the corresponding Disposition. Errors are ErrInvalidMessage,
// ErrForbiddenSender, session.ErrTooManySessions or a context error.
func (r *Relay) Post(ctx context.Context, sub Submission) (PostResult, error) {
	if err := ctx.Err(); err != nil {
		return PostResult{}, err
	}
	if err := sub.validate(r.cfg.Payloads); err != nil {
		r.cfg.Metrics.Inc(metrics.SignalInvalid)
		return PostResult{}, err
	}
	if sub.Principal != "" && sub.Principal != sub.From {
		return PostResult{}, ErrForbiddenSender
	}

	msg := mailbox.Message{
		ID:        r.cfg.NewID(),
		From:      sub.From,
		To:        sub.To,
		Kind:      sub.Kind,
		Payload:   append([]byte(nil), bytes.TrimSpace(sub.Payload)...),
		CreatedAt: r.cfg.Clock.Now(),
	}

	st, err := r.sessions.Apply(msg, func() { r.mb.Enqueue(msg.To, msg) })
	switch {
	case err == nil:
	case errors.Is(err, session.ErrSessionEnded):
		return PostResult{ID: msg.ID, Disposition: DispositionDroppedSessionEnded, State: st.State}, nil
	case errors.Is(err, session.ErrOutOfOrder):
		return PostResult{ID: msg.ID, Disposition: DispositionIgnoredOutOfOrder, State: st.State}, nil
	default:
		return PostResult{}, err
	}

	r.log.Debug("signal relayed",
		"id", msg.ID,
		"from", string(msg.From),
		"to", string(msg.To),
		"kind", string(msg.Kind),
		"state", string(st.State),
		"strategy", r.strategyFor(msg.To),
	)
	return PostResult{ID: msg.ID, Disposition: DispositionRelayed, State: st.State}, nil
}

// Poll long-polls p's mailbox. See delivery.Pull.Poll.
func (r *Relay) Poll(ctx context.Context, p mailbox.ParticipantID, timeout time.Duration) ([]mailbox.Message, error) {
	if err := ValidateParticipantID(p); err != nil {
		return nil, invalid(err.Error())
	}
	return r.pull.Poll(ctx, p, timeout)
}

// Subscribe attaches conn to p's push group. Anything already queued for p is
// flushed to it.
func (r *Relay) Subscribe(p mailbox.ParticipantID, conn delivery.Conn) (*delivery.Membership, error) {
	if err := ValidateParticipantID(p); err != nil {
		return nil, invalid(err.Error())
	}
	m, err := r.push.Join(p, conn)
	if errors.Is(err, delivery.ErrPushClosed) {
		return nil, ErrClosed
	}
	return m, err
}

// Run drives the mailbox and session sweepers until ctx is done.
func (r *Relay) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.mb.Run(ctx, r.cfg.MailboxSweepInterval)
	}()
	go func() {
		defer wg.Done()
		r.sessions.Run(ctx, r.cfg.SessionSweepInterval)
	}()
	wg.Wait()
}

// Close stops push delivery. Queued messages are discarded with the process.
func (r *Relay) Close() {
	r.closeOnce.Do(r.push.Close)
}

// strategyFor names the strategy that will surface the next message for p.
func (r *Relay) strategyFor(p mailbox.ParticipantID) string {
	for _, s := range r.strategies {
		if s.Attached(p) {
			return s.Name()
		}
	}
	return "queued"
}
