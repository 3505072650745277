package delivery

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/mailbox"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/metrics"
)

// Event names emitted to push connections.
const (
	EventSignal = "signal"
	EventAck    = "ack"
	EventError  = "error"
)

var (
	ErrUnknownConn = errors.New("delivery: unknown connection")
	ErrPushClosed  = errors.New("delivery: push closed")
)

// Conn is a live push connection. Emit must be safe for concurrent use.
type Conn interface {
	ID() string
	Emit(event string, data any) error
}

type PushConfig struct {
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
	OnDelivered Observer
}

// Push delivers mailbox messages to every live connection of a participant.
//
// Connections of the same participant form a group. While a group has members
// a pump goroutine drains the participant's mailbox on every enqueue and
// emits each message to all members. With no members, messages stay queued
// for a later poll or reconnect.
type Push struct {
	mb  *mailbox.Mailbox
	cfg PushConfig
	log *slog.Logger

	mu       sync.Mutex
	closed   bool
	groups   map[mailbox.ParticipantID]*group
	conns    map[string]Conn
	handlers map[mailbox.ParticipantID]map[uint64]func(mailbox.ParticipantID)
	nextID   uint64

	wg sync.WaitGroup
}

type group struct {
	p       mailbox.ParticipantID
	members map[string]Conn
	stop    chan struct{}
}

func NewPush(mb *mailbox.Mailbox, cfg PushConfig) *Push {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Push{
		mb:       mb,
		cfg:      cfg,
		log:      log,
		groups:   make(map[mailbox.ParticipantID]*group),
		conns:    make(map[string]Conn),
		handlers: make(map[mailbox.ParticipantID]map[uint64]func(mailbox.ParticipantID)),
	}
}

func (ps *Push) Name() string { return "push" }

func (ps *Push) Attached(p mailbox.ParticipantID) bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	g, ok := ps.groups[p]
	return ok && len(g.members) > 0
}

// Connections returns the number of joined connections across all groups.
func (ps *Push) Connections() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return len(ps.conns)
}

// Membership is a connection's place in a participant group.
type Membership struct {
	ps   *Push
	p    mailbox.ParticipantID
	conn Conn
	once sync.Once
}

func (m *Membership) Participant() mailbox.ParticipantID { return m.p }

// Leave removes the connection from its group. It is idempotent.
func (m *Membership) Leave() {
	m.once.Do(func() { m.ps.leave(m.p, m.conn) })
}

// Join adds conn to p's group. The first member starts the group pump, which
// immediately flushes anything already queued for p.
func (ps *Push) Join(p mailbox.ParticipantID, conn Conn) (*Membership, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.closed {
		return nil, ErrPushClosed
	}

	g, ok := ps.groups[p]
	if !ok {
		g = &group{p: p, members: make(map[string]Conn), stop: make(chan struct{})}
		ps.groups[p] = g
		ps.wg.Add(1)
		go ps.pump(g)
	}
	g.members[conn.ID()] = conn
	ps.conns[conn.ID()] = conn
	ps.cfg.Metrics.Inc(metrics.PushConnections)

	return &Membership{ps: ps, p: p, conn: conn}, nil
}

// Emit sends a single event to one connection.
func (ps *Push) Emit(connID string, event string, data any) error {
	ps.mu.Lock()
	conn, ok := ps.conns[connID]
	ps.mu.Unlock()
	if !ok {
		return ErrUnknownConn
	}
	return conn.Emit(event, data)
}

// OnDisconnect registers fn to run once, the next time the last connection of
// p leaves. The returned func cancels the registration.
func (ps *Push) OnDisconnect(p mailbox.ParticipantID, fn func(mailbox.ParticipantID)) (cancel func()) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	ps.nextID++
	id := ps.nextID
	hs, ok := ps.handlers[p]
	if !ok {
		hs = make(map[uint64]func(mailbox.ParticipantID))
		ps.handlers[p] = hs
	}
	hs[id] = fn

	return func() {
		ps.mu.Lock()
		defer ps.mu.Unlock()
		if hs, ok := ps.handlers[p]; ok {
			delete(hs, id)
			if len(hs) == 0 {
				delete(ps.handlers, p)
			}
		}
	}
}

// Close stops every group pump and waits for them to exit. Connections are
// not closed; their owners observe the shutdown through their own contexts.
func (ps *Push) Close() {
	ps.mu.Lock()
	if ps.closed {
		ps.mu.Unlock()
		return
	}
	ps.closed = true
	for p, g := range ps.groups {
		close(g.stop)
		delete(ps.groups, p)
	}
	clear(ps.conns)
	ps.mu.Unlock()

	ps.wg.Wait()
}

func (ps *Push) leave(p mailbox.ParticipantID, conn Conn) {
	ps.mu.Lock()
	delete(ps.conns, conn.ID())

	g, ok := ps.groups[p]
	if !ok {
		ps.mu.Unlock()
		return
	}
	delete(g.members, conn.ID())
	if len(g.members) > 0 {
		ps.mu.Unlock()
		return
	}

	close(g.stop)
	delete(ps.groups, p)
	hs := ps.handlers[p]
	delete(ps.handlers, p)
	ps.mu.Unlock()

	for _, fn := range hs {
		fn(p)
	}
}

func (ps *Push) pump(g *group) {
	defer ps.wg.Done()

	for {
		ready, release := ps.mb.Ready(g.p)

		// Drain only while the group still has members, otherwise the messages
		// would be taken from the mailbox with nobody to receive them.
		ps.mu.Lock()
		select {
		case <-g.stop:
			ps.mu.Unlock()
			release()
			return
		default:
		}
		msgs := ps.mb.Drain(g.p)
		members := make([]Conn, 0, len(g.members))
		for _, c := range g.members {
			members = append(members, c)
		}
		ps.mu.Unlock()

		if len(msgs) > 0 {
			ps.emitAll(members, msgs)
		}

		select {
		case <-g.stop:
			release()
			return
		case <-ready:
		}
		release()
	}
}

func (ps *Push) emitAll(members []Conn, msgs []mailbox.Message) {
	for _, msg := range msgs {
		for _, c := range members {
			if err := c.Emit(EventSignal, msg); err != nil {
				ps.cfg.Metrics.Inc(metrics.PushSendFailed)
				ps.log.Debug("push emit failed", "participant", string(msg.To), "conn_id", c.ID(), "id", msg.ID, "err", err)
			}
		}
	}
	ps.cfg.Metrics.Add(metrics.SignalDeliveredPush, uint64(len(msgs)))
	if ps.cfg.OnDelivered != nil {
		ps.cfg.OnDelivered(msgs)
	}
}
