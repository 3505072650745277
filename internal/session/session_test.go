package session

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/clock"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/mailbox"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/metrics"
)

func sig(kind mailbox.Kind, from, to mailbox.ParticipantID) mailbox.Message {
	return mailbox.Message{From: from, To: to, Kind: kind, Payload: json.RawMessage(`{}`)}
}

func TestKeyForIsUnordered(t *testing.T) {
	if KeyFor("u1", "u2") != KeyFor("u2", "u1") {
		t.Fatalf("KeyFor not symmetric")
	}
	if k := KeyFor("b", "a"); k.A != "a" || k.B != "b" {
		t.Fatalf("KeyFor(b,a)=%+v, want sorted", k)
	}
}

func TestTransition(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	live := func(state State) *Session {
		return &Session{Key: KeyFor("u1", "u2"), State: state, Caller: "u1", Callee: "u2"}
	}

	cases := []struct {
		name      string
		cur       *Session
		msg       mailbox.Message
		wantState State // "" means no session
		wantRelay bool
		wantErr   error
	}{
		{"offer creates session", nil, sig(mailbox.KindOffer, "u1", "u2"), StateHaveOffer, true, nil},
		{"ice without session relayed", nil, sig(mailbox.KindICECandidate, "u1", "u2"), "", true, nil},
		{"answer without session ignored", nil, sig(mailbox.KindAnswer, "u2", "u1"), "", false, ErrOutOfOrder},
		{"end without session relayed", nil, sig(mailbox.KindEnd, "u1", "u2"), "", true, nil},
		{"reject without session relayed", nil, sig(mailbox.KindReject, "u2", "u1"), "", true, nil},

		{"answer from callee", live(StateHaveOffer), sig(mailbox.KindAnswer, "u2", "u1"), StateHaveAnswer, true, nil},
		{"answer from caller ignored", live(StateHaveOffer), sig(mailbox.KindAnswer, "u1", "u2"), StateHaveOffer, false, ErrOutOfOrder},
		{"retried offer relayed", live(StateHaveOffer), sig(mailbox.KindOffer, "u1", "u2"), StateHaveOffer, true, nil},
		{"glare offer ignored", live(StateHaveOffer), sig(mailbox.KindOffer, "u2", "u1"), StateHaveOffer, false, ErrOutOfOrder},
		{"ice in have-offer", live(StateHaveOffer), sig(mailbox.KindICECandidate, "u2", "u1"), StateHaveOffer, true, nil},
		{"reject in have-offer", live(StateHaveOffer), sig(mailbox.KindReject, "u2", "u1"), StateRejected, true, nil},

		{"duplicate answer ignored", live(StateHaveAnswer), sig(mailbox.KindAnswer, "u2", "u1"), StateHaveAnswer, false, ErrOutOfOrder},
		{"ice in connected", live(StateConnected), sig(mailbox.KindICECandidate, "u1", "u2"), StateConnected, true, nil},
		{"renegotiation from callee", live(StateConnected), sig(mailbox.KindOffer, "u2", "u1"), StateHaveOffer, true, nil},
		{"reject in connected ends", live(StateConnected), sig(mailbox.KindReject, "u2", "u1"), StateEnded, true, nil},
		{"end in have-answer", live(StateHaveAnswer), sig(mailbox.KindEnd, "u1", "u2"), StateEnded, true, nil},

		{"ice after end dropped", live(StateEnded), sig(mailbox.KindICECandidate, "u1", "u2"), StateEnded, false, ErrSessionEnded},
		{"offer after reject dropped", live(StateRejected), sig(mailbox.KindOffer, "u1", "u2"), StateRejected, false, ErrSessionEnded},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			next, relay, err := Transition(tc.cur, tc.msg, now)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("err=%v, want %v", err, tc.wantErr)
			}
			if relay != tc.wantRelay {
				t.Fatalf("relay=%v, want %v", relay, tc.wantRelay)
			}
			var got State
			if next != nil {
				got = next.State
			}
			if got != tc.wantState {
				t.Fatalf("state=%q, want %q", got, tc.wantState)
			}
		})
	}
}

func TestTransition_RenegotiationSwapsRoles(t *testing.T) {
	cur := &Session{State: StateConnected, Caller: "u1", Callee: "u2"}
	next, _, err := Transition(cur, sig(mailbox.KindOffer, "u2", "u1"), time.Now())
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if next.Caller != "u2" || next.Callee != "u1" {
		t.Fatalf("caller/callee=%s/%s, want u2/u1", next.Caller, next.Callee)
	}
	if cur.State != StateConnected {
		t.Fatalf("Transition mutated its input")
	}
}

type registryHarness struct {
	clk *clock.FakeClock
	m   *metrics.Metrics
	r   *Registry
}

func newHarness(t *testing.T, cfg Config) *registryHarness {
	t.Helper()
	h := &registryHarness{clk: clock.NewFake(time.Unix(1_700_000_000, 0)), m: metrics.New()}
	cfg.Clock = h.clk
	cfg.Metrics = h.m
	h.r = NewRegistry(cfg)
	return h
}

func (h *registryHarness) apply(t *testing.T, msg mailbox.Message) (relayed bool, err error) {
	t.Helper()
	_, err = h.r.Apply(msg, func() { relayed = true })
	return relayed, err
}

func (h *registryHarness) state(t *testing.T) State {
	t.Helper()
	s, ok := h.r.Get("u1", "u2")
	if !ok {
		return ""
	}
	return s.State
}

func TestRegistry_FullCallLifecycle(t *testing.T) {
	h := newHarness(t, Config{EndGrace: 10 * time.Second})

	steps := []struct {
		msg       mailbox.Message
		wantRelay bool
		wantState State
	}{
		{sig(mailbox.KindOffer, "u1", "u2"), true, StateHaveOffer},
		{sig(mailbox.KindICECandidate, "u1", "u2"), true, StateHaveOffer},
		{sig(mailbox.KindAnswer, "u2", "u1"), true, StateHaveAnswer},
		{sig(mailbox.KindICECandidate, "u2", "u1"), true, StateHaveAnswer},
	}
	for i, st := range steps {
		relayed, err := h.apply(t, st.msg)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if relayed != st.wantRelay || h.state(t) != st.wantState {
			t.Fatalf("step %d: relayed=%v state=%q, want %v %q", i, relayed, h.state(t), st.wantRelay, st.wantState)
		}
	}

	// Delivery of the answer to the caller completes negotiation.
	h.r.ObserveDelivered([]mailbox.Message{sig(mailbox.KindAnswer, "u2", "u1")})
	if got := h.state(t); got != StateConnected {
		t.Fatalf("state=%q after answer delivery, want connected", got)
	}

	if relayed, err := h.apply(t, sig(mailbox.KindEnd, "u1", "u2")); err != nil || !relayed {
		t.Fatalf("end: relayed=%v err=%v", relayed, err)
	}
	if got := h.state(t); got != StateEnded {
		t.Fatalf("state=%q, want ended", got)
	}

	relayed, err := h.apply(t, sig(mailbox.KindICECandidate, "u2", "u1"))
	if relayed || !errors.Is(err, ErrSessionEnded) {
		t.Fatalf("late ice: relayed=%v err=%v, want dropped with ErrSessionEnded", relayed, err)
	}
	if got := h.m.Get(metrics.SignalDroppedSessionEnded); got != 1 {
		t.Fatalf("%s=%d, want 1", metrics.SignalDroppedSessionEnded, got)
	}
	if got := h.m.Get(metrics.SessionEnded); got != 1 {
		t.Fatalf("%s=%d, want 1", metrics.SessionEnded, got)
	}
}

func TestRegistry_ObserveIgnoresUnrelatedDeliveries(t *testing.T) {
	h := newHarness(t, Config{})
	_, _ = h.apply(t, sig(mailbox.KindOffer, "u1", "u2"))

	// The offer reaching the callee does not complete anything.
	h.r.ObserveDelivered([]mailbox.Message{sig(mailbox.KindOffer, "u1", "u2")})
	if got := h.state(t); got != StateHaveOffer {
		t.Fatalf("state=%q, want have-offer", got)
	}
}

func TestRegistry_FreshOfferAfterGrace(t *testing.T) {
	h := newHarness(t, Config{EndGrace: 10 * time.Second})

	_, _ = h.apply(t, sig(mailbox.KindOffer, "u1", "u2"))
	_, _ = h.apply(t, sig(mailbox.KindReject, "u2", "u1"))
	if got := h.state(t); got != StateRejected {
		t.Fatalf("state=%q, want rejected", got)
	}

	h.clk.Advance(9 * time.Second)
	if relayed, err := h.apply(t, sig(mailbox.KindOffer, "u1", "u2")); relayed || !errors.Is(err, ErrSessionEnded) {
		t.Fatalf("offer within grace: relayed=%v err=%v", relayed, err)
	}

	h.clk.Advance(time.Second)
	if relayed, err := h.apply(t, sig(mailbox.KindOffer, "u1", "u2")); !relayed || err != nil {
		t.Fatalf("offer after grace: relayed=%v err=%v", relayed, err)
	}
	if got := h.state(t); got != StateHaveOffer {
		t.Fatalf("state=%q, want have-offer", got)
	}
}

func TestRegistry_OutOfOrderAnswerNotRelayed(t *testing.T) {
	h := newHarness(t, Config{})

	relayed, err := h.apply(t, sig(mailbox.KindAnswer, "u2", "u1"))
	if relayed || !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("relayed=%v err=%v, want ignored", relayed, err)
	}
	if h.r.Len() != 0 {
		t.Fatalf("answer created a session")
	}
	if got := h.m.Get(metrics.SignalDroppedOutOfOrder); got != 1 {
		t.Fatalf("%s=%d, want 1", metrics.SignalDroppedOutOfOrder, got)
	}
}

func TestRegistry_MaxSessions(t *testing.T) {
	h := newHarness(t, Config{MaxSessions: 1})

	if _, err := h.apply(t, sig(mailbox.KindOffer, "u1", "u2")); err != nil {
		t.Fatalf("first offer: %v", err)
	}
	relayed, err := h.apply(t, sig(mailbox.KindOffer, "u3", "u4"))
	if relayed || !errors.Is(err, ErrTooManySessions) {
		t.Fatalf("second offer: relayed=%v err=%v, want ErrTooManySessions", relayed, err)
	}

	// Traffic within an existing session is unaffected by the cap.
	if _, err := h.apply(t, sig(mailbox.KindAnswer, "u2", "u1")); err != nil {
		t.Fatalf("answer: %v", err)
	}

	// Ending the session frees the slot.
	_, _ = h.apply(t, sig(mailbox.KindEnd, "u1", "u2"))
	if _, err := h.apply(t, sig(mailbox.KindOffer, "u3", "u4")); err != nil {
		t.Fatalf("offer after end: %v", err)
	}
}

func TestRegistry_SweepExpiresIdleAndEnded(t *testing.T) {
	h := newHarness(t, Config{EndGrace: 5 * time.Second, IdleTTL: 30 * time.Second})

	_, _ = h.apply(t, sig(mailbox.KindOffer, "u1", "u2"))
	_, _ = h.apply(t, sig(mailbox.KindOffer, "u3", "u4"))
	_, _ = h.apply(t, sig(mailbox.KindEnd, "u4", "u3"))

	h.clk.Advance(5 * time.Second)
	if n := h.r.Sweep(); n != 1 {
		t.Fatalf("sweep removed %d, want 1 (ended session)", n)
	}

	h.clk.Advance(26 * time.Second)
	if n := h.r.Sweep(); n != 1 {
		t.Fatalf("sweep removed %d, want 1 (idle session)", n)
	}
	if h.r.Len() != 0 {
		t.Fatalf("len=%d, want 0", h.r.Len())
	}
	if got := h.m.Get(metrics.SessionExpired); got != 1 {
		t.Fatalf("%s=%d, want 1", metrics.SessionExpired, got)
	}
}
