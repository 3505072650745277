package signalclient

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v4/vnet"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/mailbox"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/relay"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/session"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/signaling"
)

type recordingSender struct {
	subs []relay.Submission
}

func (r *recordingSender) Send(_ context.Context, sub relay.Submission) (Ack, error) {
	r.subs = append(r.subs, sub)
	return Ack{ID: "m1", Disposition: relay.DispositionRelayed}, nil
}

func TestPeer_BuildsSubmissions(t *testing.T) {
	rec := &recordingSender{}
	p := Peer{Sender: rec, Self: "alice", Remote: "bob"}
	ctx := context.Background()

	if _, err := p.Offer(ctx, webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Candidate(ctx, webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 10.0.0.1 5000 typ host"}); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Reject(ctx, "busy"); err != nil {
		t.Fatal(err)
	}

	if len(rec.subs) != 3 {
		t.Fatalf("submissions=%d, want 3", len(rec.subs))
	}
	for _, sub := range rec.subs {
		if sub.From != "alice" || sub.To != "bob" {
			t.Fatalf("submission addressed %s->%s", sub.From, sub.To)
		}
	}
	if rec.subs[0].Kind != mailbox.KindOffer || rec.subs[1].Kind != mailbox.KindICECandidate || rec.subs[2].Kind != mailbox.KindReject {
		t.Fatalf("kinds=%s,%s,%s", rec.subs[0].Kind, rec.subs[1].Kind, rec.subs[2].Kind)
	}
	if string(rec.subs[2].Payload) != `{"reason":"busy"}` {
		t.Fatalf("reject payload=%s", rec.subs[2].Payload)
	}

	desc, err := SessionDescription(mailbox.Message{Kind: mailbox.KindOffer, Payload: rec.subs[0].Payload})
	if err != nil || desc.Type != webrtc.SDPTypeOffer || desc.SDP != "v=0" {
		t.Fatalf("desc=%+v err=%v", desc, err)
	}
	c, err := Candidate(mailbox.Message{Kind: mailbox.KindICECandidate, Payload: rec.subs[1].Payload})
	if err != nil || c.Candidate != "candidate:1 1 udp 1 10.0.0.1 5000 typ host" {
		t.Fatalf("candidate=%+v err=%v", c, err)
	}
	if _, err := Candidate(mailbox.Message{Kind: mailbox.KindOffer, Payload: rec.subs[0].Payload}); err == nil {
		t.Fatalf("Candidate accepted an offer")
	}
}

func TestPeer_Accepts(t *testing.T) {
	p := Peer{Self: "alice", Remote: "bob"}
	for _, tc := range []struct {
		from, to mailbox.ParticipantID
		want     bool
	}{
		{"bob", "alice", true},
		{"carol", "alice", false},
		{"bob", "carol", false},
		{"alice", "bob", false},
	} {
		if got := p.Accepts(mailbox.Message{From: tc.from, To: tc.to}); got != tc.want {
			t.Fatalf("Accepts(%s->%s)=%v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

// remoteCandidates holds candidates that arrive before the remote
// description; pion rejects them until then.
type remoteCandidates struct {
	pc *webrtc.PeerConnection

	mu      sync.Mutex
	ready   bool
	pending []webrtc.ICECandidateInit
}

func (r *remoteCandidates) add(c webrtc.ICECandidateInit) error {
	r.mu.Lock()
	if !r.ready {
		r.pending = append(r.pending, c)
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()
	return r.pc.AddICECandidate(c)
}

func (r *remoteCandidates) setRemote(desc webrtc.SessionDescription) error {
	if err := r.pc.SetRemoteDescription(desc); err != nil {
		return err
	}
	r.mu.Lock()
	r.ready = true
	pending := r.pending
	r.pending = nil
	r.mu.Unlock()
	for _, c := range pending {
		if err := r.pc.AddICECandidate(c); err != nil {
			return err
		}
	}
	return nil
}

func newVNetAPI(n *vnet.Net) (*webrtc.API, error) {
	se := webrtc.SettingEngine{}
	se.SetNet(n)

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	return webrtc.NewAPI(
		webrtc.WithSettingEngine(se),
		webrtc.WithMediaEngine(mediaEngine),
	), nil
}

func newVNetPeers(t *testing.T) (*webrtc.PeerConnection, *webrtc.PeerConnection) {
	t.Helper()

	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	t.Cleanup(func() { _ = router.Stop() })

	var pcs []*webrtc.PeerConnection
	for _, ip := range []string{"10.0.0.1", "10.0.0.2"} {
		n, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ip}})
		if err != nil {
			t.Fatalf("new net %s: %v", ip, err)
		}
		if err := router.AddNet(n); err != nil {
			t.Fatalf("add net %s: %v", ip, err)
		}
		api, err := newVNetAPI(n)
		if err != nil {
			t.Fatalf("new api %s: %v", ip, err)
		}
		pc, err := api.NewPeerConnection(webrtc.Configuration{})
		if err != nil {
			t.Fatalf("new pc %s: %v", ip, err)
		}
		t.Cleanup(func() { _ = pc.Close() })
		pcs = append(pcs, pc)
	}
	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}
	return pcs[0], pcs[1]
}

// The caller signals over a push stream and the callee over long-poll; both
// sides' SDP and candidates pass payload validation and a data channel opens.
func TestNegotiation_PushCallerPullCallee(t *testing.T) {
	base := newRelayServer(t, func(c *relay.Config) {
		c.Payloads = signaling.ValidateWebRTCPayload
	}, nil)
	client := mustClient(t, base)
	pcA, pcB := newVNetPeers(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	stream, err := client.Watch(ctx, "alice")
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer stream.Close()

	alice := Peer{Sender: stream, Self: "alice", Remote: "bob"}
	bob := Peer{Sender: client, Self: "bob", Remote: "alice"}
	aliceRemote := &remoteCandidates{pc: pcA}
	bobRemote := &remoteCandidates{pc: pcB}

	errs := make(chan error, 16)
	report := func(err error) {
		if err == nil {
			return
		}
		select {
		case errs <- err:
		default:
		}
	}

	pcA.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		_, err := alice.Candidate(ctx, c.ToJSON())
		report(err)
	})
	pcB.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		_, err := bob.Candidate(ctx, c.ToJSON())
		report(err)
	})

	got := make(chan string, 1)
	pcB.OnDataChannel(func(dc *webrtc.DataChannel) {
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			select {
			case got <- string(msg.Data):
			default:
			}
		})
	})

	go func() {
		report(client.Follow(ctx, "bob", time.Second, 50*time.Millisecond, func(msg mailbox.Message) error {
			if !bob.Accepts(msg) {
				return nil
			}
			switch msg.Kind {
			case mailbox.KindOffer:
				desc, err := SessionDescription(msg)
				if err != nil {
					return err
				}
				if err := bobRemote.setRemote(desc); err != nil {
					return err
				}
				answer, err := pcB.CreateAnswer(nil)
				if err != nil {
					return err
				}
				if err := pcB.SetLocalDescription(answer); err != nil {
					return err
				}
				_, err = bob.Answer(ctx, answer)
				return err
			case mailbox.KindICECandidate:
				c, err := Candidate(msg)
				if err != nil {
					return err
				}
				return bobRemote.add(c)
			}
			return nil
		}))
	}()

	go func() {
		for msg := range stream.Signals() {
			if !alice.Accepts(msg) {
				continue
			}
			switch msg.Kind {
			case mailbox.KindAnswer:
				desc, err := SessionDescription(msg)
				if err == nil {
					err = aliceRemote.setRemote(desc)
				}
				report(err)
			case mailbox.KindICECandidate:
				c, err := Candidate(msg)
				if err == nil {
					err = aliceRemote.add(c)
				}
				report(err)
			}
		}
	}()

	dc, err := pcA.CreateDataChannel("chat", nil)
	if err != nil {
		t.Fatalf("create datachannel: %v", err)
	}
	dc.OnOpen(func() { report(dc.SendText("hello")) })

	offerDesc, err := pcA.CreateOffer(nil)
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	if err := pcA.SetLocalDescription(offerDesc); err != nil {
		t.Fatalf("set local offer: %v", err)
	}
	ack, err := alice.Offer(ctx, offerDesc)
	if err != nil {
		t.Fatalf("send offer: %v", err)
	}
	if ack.Disposition != relay.DispositionRelayed {
		t.Fatalf("offer ack=%+v", ack)
	}

	select {
	case msg := <-got:
		if msg != "hello" {
			t.Fatalf("datachannel message=%q", msg)
		}
	case err := <-errs:
		t.Fatalf("negotiation: %v", err)
	case <-ctx.Done():
		t.Fatalf("timed out waiting for the data channel")
	}

	ack, err = alice.End(ctx, "hangup")
	if err != nil {
		t.Fatalf("send end: %v", err)
	}
	if ack.State != session.StateEnded {
		t.Fatalf("end ack=%+v, want state %s", ack, session.StateEnded)
	}
}
