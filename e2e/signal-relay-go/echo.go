package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"golang.org/x/net/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/mailbox"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/signalclient"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/signaling"
)

// echoBot answers every offer sent to its participant id and echoes
// DataChannel messages. It joins its push group with golang.org/x/net's
// WebSocket client rather than the server's own stack.
type echoBot struct {
	id    mailbox.ParticipantID
	wsURL string
	log   *slog.Logger
	codec signaling.Codec
	api   *webrtc.API

	mu      sync.Mutex
	peers   map[mailbox.ParticipantID]*echoPeer
	pending map[mailbox.ParticipantID][]webrtc.ICECandidateInit
}

type echoPeer struct {
	pc *webrtc.PeerConnection
}

func newEchoBot(id mailbox.ParticipantID, wsURL string, logger *slog.Logger) *echoBot {
	return &echoBot{
		id:      id,
		wsURL:   wsURL,
		log:     logger.With("participant", string(id)),
		codec:   signaling.CodecFor(signaling.SubprotocolJSON),
		api:     webrtc.NewAPI(),
		peers:   make(map[mailbox.ParticipantID]*echoPeer),
		pending: make(map[mailbox.ParticipantID][]webrtc.ICECandidateInit),
	}
}

func (b *echoBot) run(ctx context.Context) {
	defer b.closeAll()
	for {
		err := b.session(ctx)
		if ctx.Err() != nil {
			return
		}
		b.log.Warn("echo bot disconnected; reconnecting", "err", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func (b *echoBot) session(ctx context.Context) error {
	cfg, err := websocket.NewConfig(b.wsURL+"?"+url.Values{"participant": {string(b.id)}}.Encode(), "http://localhost")
	if err != nil {
		return err
	}
	cfg.Protocol = []string{signaling.SubprotocolJSON}
	ws, err := cfg.DialContext(ctx)
	if err != nil {
		return err
	}
	defer ws.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = ws.Close()
		case <-done:
		}
	}()

	var sendMu sync.Mutex
	send := func(to mailbox.ParticipantID, kind mailbox.Kind, payload any) {
		raw, err := json.Marshal(payload)
		if err != nil {
			b.log.Warn("encode payload", "kind", kind, "err", err)
			return
		}
		data, err := b.codec.EncodeClient(signaling.ClientFrame{To: to, Kind: kind, Payload: raw})
		if err != nil {
			b.log.Warn("encode frame", "kind", kind, "err", err)
			return
		}
		sendMu.Lock()
		defer sendMu.Unlock()
		if err := websocket.Message.Send(ws, string(data)); err != nil {
			b.log.Warn("send signal", "to", string(to), "kind", kind, "err", err)
		}
	}

	for {
		var raw string
		if err := websocket.Message.Receive(ws, &raw); err != nil {
			return err
		}
		f, err := b.codec.DecodeServer([]byte(raw))
		if err != nil {
			b.log.Warn("bad frame from relay", "err", err)
			continue
		}
		switch f.Type {
		case signaling.FrameSignal:
			if f.Signal != nil {
				b.handle(*f.Signal, send)
			}
		case signaling.FrameError:
			b.log.Warn("relay error", "code", f.Code, "message", f.Message)
		}
	}
}

type sendFunc func(to mailbox.ParticipantID, kind mailbox.Kind, payload any)

func (b *echoBot) handle(msg mailbox.Message, send sendFunc) {
	switch msg.Kind {
	case mailbox.KindOffer:
		desc, err := signalclient.SessionDescription(msg)
		if err != nil {
			b.log.Warn("bad offer", "from", string(msg.From), "err", err)
			return
		}
		if err := b.answer(msg.From, desc, send); err != nil {
			b.log.Warn("answer failed", "from", string(msg.From), "err", err)
			send(msg.From, mailbox.KindReject, map[string]string{"reason": err.Error()})
		}
	case mailbox.KindICECandidate:
		c, err := signalclient.Candidate(msg)
		if err != nil {
			b.log.Warn("bad candidate", "from", string(msg.From), "err", err)
			return
		}
		b.mu.Lock()
		p := b.peers[msg.From]
		if p == nil {
			b.pending[msg.From] = append(b.pending[msg.From], c)
			b.mu.Unlock()
			return
		}
		b.mu.Unlock()
		if err := p.pc.AddICECandidate(c); err != nil {
			b.log.Warn("add candidate", "from", string(msg.From), "err", err)
		}
	case mailbox.KindEnd, mailbox.KindReject:
		b.drop(msg.From)
	}
}

func (b *echoBot) answer(from mailbox.ParticipantID, offer webrtc.SessionDescription, send sendFunc) error {
	// A new offer replaces the call; candidates that raced ahead of it stay.
	b.mu.Lock()
	old := b.peers[from]
	delete(b.peers, from)
	b.mu.Unlock()
	if old != nil {
		_ = old.pc.Close()
	}

	pc, err := b.api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return err
	}
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		send(from, mailbox.KindICECandidate, c.ToJSON())
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		dc.OnMessage(func(m webrtc.DataChannelMessage) {
			var err error
			if m.IsString {
				err = dc.SendText(string(m.Data))
			} else {
				err = dc.Send(m.Data)
			}
			if err != nil {
				b.log.Debug("echo failed", "from", string(from), "label", dc.Label(), "err", err)
			}
		})
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if s == webrtc.PeerConnectionStateFailed {
			b.dropPeer(from, pc)
		}
	})

	if err := pc.SetRemoteDescription(offer); err != nil {
		_ = pc.Close()
		return err
	}

	b.mu.Lock()
	b.peers[from] = &echoPeer{pc: pc}
	pending := b.pending[from]
	delete(b.pending, from)
	b.mu.Unlock()
	for _, c := range pending {
		if err := pc.AddICECandidate(c); err != nil {
			b.log.Debug("add early candidate", "from", string(from), "err", err)
		}
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		b.dropPeer(from, pc)
		return err
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		b.dropPeer(from, pc)
		return err
	}
	send(from, mailbox.KindAnswer, answer)
	return nil
}

func (b *echoBot) drop(from mailbox.ParticipantID) {
	b.mu.Lock()
	p := b.peers[from]
	delete(b.peers, from)
	delete(b.pending, from)
	b.mu.Unlock()
	if p != nil {
		_ = p.pc.Close()
	}
}

// dropPeer removes pc only if it is still the current peer for from.
func (b *echoBot) dropPeer(from mailbox.ParticipantID, pc *webrtc.PeerConnection) {
	b.mu.Lock()
	if p := b.peers[from]; p != nil && p.pc == pc {
		delete(b.peers, from)
	}
	b.mu.Unlock()
	_ = pc.Close()
}

func (b *echoBot) closeAll() {
	b.mu.Lock()
	peers := b.peers
	b.peers = make(map[mailbox.ParticipantID]*echoPeer)
	b.mu.Unlock()
	for _, p := range peers {
		_ = p.pc.Close()
	}
}
