package signaling

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/clock"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/mailbox"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/origin"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/relay"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/session"
)

type testWS struct {
	*websocket.Conn
	codec Codec
}

func (ts *testServer) dialWS(t *testing.T, query url.Values, subprotocol string, header http.Header) (*testWS, *http.Response, error) {
	t.Helper()
	u := "ws" + strings.TrimPrefix(ts.url, "http") + "/signal/ws"
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	d := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	if subprotocol != "" {
		d.Subprotocols = []string{subprotocol}
	}
	c, resp, err := d.Dial(u, header)
	if err != nil {
		return nil, resp, err
	}
	t.Cleanup(func() { _ = c.Close() })
	return &testWS{Conn: c, codec: CodecFor(c.Subprotocol())}, resp, nil
}

func (ts *testServer) mustDialWS(t *testing.T, participant string) *testWS {
	t.Helper()
	c, _, err := ts.dialWS(t, url.Values{"participant": {participant}}, "", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return c
}

func (c *testWS) read(t *testing.T) ServerFrame {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	msgType, data, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if msgType != c.codec.MessageType() {
		t.Fatalf("frame type=%d, want %d", msgType, c.codec.MessageType())
	}
	f, err := c.codec.DecodeServer(data)
	if err != nil {
		t.Fatalf("decode %q: %v", data, err)
	}
	return f
}

func (c *testWS) write(t *testing.T, f ClientFrame) {
	t.Helper()
	data, err := c.codec.EncodeClient(f)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := c.WriteMessage(c.codec.MessageType(), data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// expectClose reads until the server closes the socket and returns the close
// code. Frames before the close are skipped.
func (c *testWS) expectClose(t *testing.T) int {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, _, err := c.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		if !errors.As(err, &ce) {
			t.Fatalf("read err=%v, want close frame", err)
		}
		return ce.Code
	}
}

func offerFrame(to string) ClientFrame {
	return ClientFrame{To: mailbox.ParticipantID(to), Kind: mailbox.KindOffer, Payload: json.RawMessage(`{"sdp":"v=0"}`)}
}

func TestWebSocket_PushDeliveryIsExactlyOnce(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	c := ts.mustDialWS(t, "u2")

	resp, body := ts.post(t, signalBody("u1", "u2", mailbox.KindOffer), nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("post status=%d body=%s", resp.StatusCode, body)
	}
	id := decodeJSONBody[postResponse](t, body).ID

	f := c.read(t)
	if f.Type != FrameSignal || f.Signal == nil || f.Signal.ID != id || f.Signal.Kind != mailbox.KindOffer {
		t.Fatalf("frame=%+v, want signal %s", f, id)
	}

	// Pushed messages are gone from the mailbox.
	_, body = ts.get(t, "/signal/u2?timeoutMs=0", nil)
	if n := len(decodeJSONBody[pollResponse](t, body).Messages); n != 0 {
		t.Fatalf("poll after push returned %d messages, want 0", n)
	}
	if got := ts.m.Get(metrics.SignalDeliveredPush); got != 1 {
		t.Fatalf("%s=%d, want 1", metrics.SignalDeliveredPush, got)
	}
}

func TestWebSocket_JoinFlushesQueued(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	ts.post(t, signalBody("u1", "u2", mailbox.KindOffer), nil)
	ts.post(t, signalBody("u1", "u2", mailbox.KindICECandidate), nil)

	c := ts.mustDialWS(t, "u2")
	if f := c.read(t); f.Signal == nil || f.Signal.Kind != mailbox.KindOffer {
		t.Fatalf("first frame=%+v, want offer", f)
	}
	if f := c.read(t); f.Signal == nil || f.Signal.Kind != mailbox.KindICECandidate {
		t.Fatalf("second frame=%+v, want ice-candidate", f)
	}
}

func TestWebSocket_EveryConnectionOfParticipantReceives(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	a := ts.mustDialWS(t, "u2")
	b := ts.mustDialWS(t, "u2")

	// Make sure both sessions have joined before posting.
	waitFor(t, func() bool { return ts.relay.Push().Attached("u2") && ts.m.Get(metrics.PushConnections) == 2 })

	ts.post(t, signalBody("u1", "u2", mailbox.KindOffer), nil)
	for _, c := range []*testWS{a, b} {
		if f := c.read(t); f.Signal == nil || f.Signal.Kind != mailbox.KindOffer {
			t.Fatalf("frame=%+v, want offer", f)
		}
	}
}

func TestWebSocket_SubmitAcks(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	c := ts.mustDialWS(t, "u1")

	c.write(t, offerFrame("u2"))
	ack := c.read(t)
	if ack.Type != FrameAck || ack.ID == "" || ack.Disposition != relay.DispositionRelayed || ack.State != session.StateHaveOffer {
		t.Fatalf("ack=%+v", ack)
	}

	_, body := ts.get(t, "/signal/u2?timeoutMs=0", nil)
	msgs := decodeJSONBody[pollResponse](t, body).Messages
	if len(msgs) != 1 || msgs[0].ID != ack.ID || msgs[0].From != "u1" {
		t.Fatalf("messages=%+v, want one from u1", msgs)
	}
}

func TestWebSocket_InvalidSubmissionKeepsConnection(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	c := ts.mustDialWS(t, "u1")

	c.write(t, ClientFrame{To: "u2", Kind: "bogus", Payload: json.RawMessage(`{}`)})
	if f := c.read(t); f.Type != FrameError || f.Code != "invalid_message" {
		t.Fatalf("frame=%+v, want invalid_message error", f)
	}

	c.write(t, offerFrame("u2"))
	if f := c.read(t); f.Type != FrameAck {
		t.Fatalf("frame=%+v, want ack", f)
	}
}

func TestWebSocket_SenderMustBeJoinedParticipantUnderJWT(t *testing.T) {
	ts := newTestServer(t, nil, func(c *Config) { c.Authorizer = jwtAuthorizer(t) })

	c, _, err := ts.dialWS(t, url.Values{"token": {mustToken(t, "u1")}}, "", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	spoofed := offerFrame("u3")
	spoofed.From = "u2"
	c.write(t, spoofed)
	if f := c.read(t); f.Type != FrameError || f.Code != "forbidden_sender" {
		t.Fatalf("frame=%+v, want forbidden_sender", f)
	}

	// The participant came from the token.
	ts.post(t, signalBody("u9", "u1", mailbox.KindOffer), http.Header{"Authorization": {"Bearer " + mustToken(t, "u9")}})
	if f := c.read(t); f.Type != FrameSignal || f.Signal.To != "u1" {
		t.Fatalf("frame=%+v, want signal to u1", f)
	}
}

func TestWebSocket_JWTRejectsForeignParticipant(t *testing.T) {
	ts := newTestServer(t, nil, func(c *Config) { c.Authorizer = jwtAuthorizer(t) })

	c, _, err := ts.dialWS(t, url.Values{"participant": {"u2"}, "token": {mustToken(t, "u1")}}, "", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if f := c.read(t); f.Type != FrameError || f.Code != "forbidden_participant" {
		t.Fatalf("frame=%+v, want forbidden_participant", f)
	}
	if code := c.expectClose(t); code != websocket.ClosePolicyViolation {
		t.Fatalf("close code=%d, want %d", code, websocket.ClosePolicyViolation)
	}
}

func TestWebSocket_AuthFrame(t *testing.T) {
	a, err := NewAuthAuthorizer(config.Config{AuthMode: config.AuthModeAPIKey, APIKey: "k"})
	if err != nil {
		t.Fatalf("NewAuthAuthorizer: %v", err)
	}
	ts := newTestServer(t, nil, func(c *Config) { c.Authorizer = a })

	c, _, err := ts.dialWS(t, url.Values{"participant": {"u2"}}, "", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	c.write(t, ClientFrame{Type: FrameAuth, APIKey: "k"})
	waitFor(t, func() bool { return ts.relay.Push().Attached("u2") })

	ts.post(t, signalBody("u1", "u2", mailbox.KindOffer), http.Header{"X-Api-Key": {"k"}})
	if f := c.read(t); f.Type != FrameSignal {
		t.Fatalf("frame=%+v, want signal", f)
	}
}

func TestWebSocket_AuthFailures(t *testing.T) {
	a, err := NewAuthAuthorizer(config.Config{AuthMode: config.AuthModeAPIKey, APIKey: "k"})
	if err != nil {
		t.Fatalf("NewAuthAuthorizer: %v", err)
	}
	ts := newTestServer(t, nil, func(c *Config) {
		c.Authorizer = a
		c.SignalingAuthTimeout = 100 * time.Millisecond
	})
	dial := func(t *testing.T) *testWS {
		c, _, err := ts.dialWS(t, url.Values{"participant": {"u2"}}, "", nil)
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		return c
	}

	t.Run("timeout", func(t *testing.T) {
		c := dial(t)
		if code := c.expectClose(t); code != websocket.ClosePolicyViolation {
			t.Fatalf("close code=%d, want %d", code, websocket.ClosePolicyViolation)
		}
	})
	t.Run("first frame not auth", func(t *testing.T) {
		c := dial(t)
		c.write(t, offerFrame("u1"))
		if f := c.read(t); f.Type != FrameError || f.Code != "unauthorized" {
			t.Fatalf("frame=%+v, want unauthorized", f)
		}
	})
	t.Run("wrong key", func(t *testing.T) {
		c := dial(t)
		c.write(t, ClientFrame{Type: FrameAuth, APIKey: "nope"})
		if f := c.read(t); f.Type != FrameError || f.Code != "unauthorized" {
			t.Fatalf("frame=%+v, want unauthorized", f)
		}
	})
	if ts.relay.Push().Attached("u2") {
		t.Fatalf("unauthenticated socket joined the push group")
	}
}

func TestWebSocket_Msgpack(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	c, _, err := ts.dialWS(t, url.Values{"participant": {"u2"}}, SubprotocolMsgpack, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if c.Subprotocol() != SubprotocolMsgpack {
		t.Fatalf("subprotocol=%q, want %q", c.Subprotocol(), SubprotocolMsgpack)
	}

	ts.post(t, `{"from":"u1","to":"u2","kind":"offer","payload":{"type":"offer","sdp":"v=0"}}`, nil)
	f := c.read(t)
	if f.Type != FrameSignal || f.Signal == nil {
		t.Fatalf("frame=%+v, want signal", f)
	}
	var payload map[string]string
	if err := json.Unmarshal(f.Signal.Payload, &payload); err != nil {
		t.Fatalf("payload %s: %v", f.Signal.Payload, err)
	}
	if payload["type"] != "offer" || payload["sdp"] != "v=0" {
		t.Fatalf("payload=%v", payload)
	}

	c.write(t, ClientFrame{To: "u1", Kind: mailbox.KindAnswer, Payload: json.RawMessage(`{"type":"answer","sdp":"v=0"}`)})
	if ack := c.read(t); ack.Type != FrameAck || ack.State != session.StateHaveAnswer {
		t.Fatalf("ack=%+v, want have-answer", ack)
	}
}

func TestWebSocket_WrongFrameTypeForSubprotocol(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	c := ts.mustDialWS(t, "u1")

	if err := c.WriteMessage(websocket.BinaryMessage, []byte{0x80}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if code := c.expectClose(t); code != websocket.CloseUnsupportedData {
		t.Fatalf("close code=%d, want %d", code, websocket.CloseUnsupportedData)
	}
}

func TestWebSocket_RateLimited(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	ts := newTestServer(t, nil, func(c *Config) {
		c.MaxSignalsPerSecond = 1
		c.Clock = clk
	})
	c := ts.mustDialWS(t, "u1")

	c.write(t, offerFrame("u2"))
	if f := c.read(t); f.Type != FrameAck {
		t.Fatalf("frame=%+v, want ack", f)
	}
	c.write(t, offerFrame("u2"))
	if f := c.read(t); f.Type != FrameError || f.Code != "rate_limited" {
		t.Fatalf("frame=%+v, want rate_limited", f)
	}
	if code := c.expectClose(t); code != websocket.ClosePolicyViolation {
		t.Fatalf("close code=%d, want %d", code, websocket.ClosePolicyViolation)
	}
}

func TestWebSocket_OriginPolicy(t *testing.T) {
	ts := newTestServer(t, nil, func(c *Config) {
		c.Origins = origin.Policy{Allowed: []string{"https://app.example.com"}}
	})
	q := url.Values{"participant": {"u1"}}

	_, resp, err := ts.dialWS(t, q, "", http.Header{"Origin": {"https://evil.example.com"}})
	if err == nil {
		t.Fatalf("dial with disallowed origin succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("resp=%v, want 403", resp)
	}

	if _, _, err := ts.dialWS(t, q, "", http.Header{"Origin": {"https://APP.example.com:443"}}); err != nil {
		t.Fatalf("dial with allowed origin: %v", err)
	}
}

func TestWebSocket_KeepaliveOutlivesIdleTimeout(t *testing.T) {
	ts := newTestServer(t, nil, func(c *Config) {
		c.WSIdleTimeout = 300 * time.Millisecond
		c.WSPingInterval = 50 * time.Millisecond
	})
	c := ts.mustDialWS(t, "u2")

	// The client's default ping handler answers while read is blocked, so the
	// session survives well past the idle timeout.
	time.AfterFunc(time.Second, func() {
		req, _ := http.NewRequest(http.MethodPost, ts.url+"/signal", strings.NewReader(signalBody("u1", "u2", mailbox.KindOffer)))
		if resp, err := http.DefaultClient.Do(req); err == nil {
			resp.Body.Close()
		}
	})
	if f := c.read(t); f.Type != FrameSignal {
		t.Fatalf("frame=%+v, want signal", f)
	}
}

func TestWebSocket_MissingParticipant(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	c, _, err := ts.dialWS(t, nil, "", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if f := c.read(t); f.Type != FrameError || f.Code != "invalid_participant" {
		t.Fatalf("frame=%+v, want invalid_participant", f)
	}

	_, resp, err := ts.dialWS(t, url.Values{"participant": {"bad id"}}, "", nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("dial with invalid participant: err=%v resp=%v, want 400", err, resp)
	}
}

func TestServerClose_DisconnectsWebSockets(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	c := ts.mustDialWS(t, "u1")
	waitFor(t, func() bool { return ts.relay.Push().Attached("u1") })

	ts.Close()
	if code := c.expectClose(t); code != websocket.CloseGoingAway {
		t.Fatalf("close code=%d, want %d", code, websocket.CloseGoingAway)
	}
	waitFor(t, func() bool { return !ts.relay.Push().Attached("u1") })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
