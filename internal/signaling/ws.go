package signaling

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/auth"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/delivery"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/mailbox"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/relay"
)

const wsWriteWait = 1 * time.Second

// wsError is the data of a delivery.EventError emitted to a session.
type wsError struct {
	Code    string
	Message string
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	requested := mailbox.ParticipantID(r.URL.Query().Get("participant"))
	if requested != "" {
		if err := relay.ValidateParticipantID(requested); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid_participant", err.Error())
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied.
		return
	}

	wss := &wsSession{
		srv:       s,
		conn:      conn,
		req:       r,
		codec:     CodecFor(conn.Subprotocol()),
		id:        uuid.NewString(),
		requested: requested,
		done:      make(chan struct{}),
	}
	if n := s.maxSignalsPerSecond; n > 0 {
		wss.limiter = ratelimit.NewTokenBucket(s.clk, int64(n), int64(n))
	}

	if !s.track(wss) {
		wss.closeWith(websocket.CloseGoingAway, "server shutting down")
		_ = conn.Close()
		return
	}
	defer s.untrack(wss)

	wss.run()
}

// wsSession is one signaling WebSocket. After authentication it joins the
// participant's push group, so it implements delivery.Conn.
type wsSession struct {
	srv   *Server
	conn  *websocket.Conn
	req   *http.Request
	codec Codec
	id    string

	requested   mailbox.ParticipantID
	participant mailbox.ParticipantID
	principal   mailbox.ParticipantID

	limiter    *ratelimit.TokenBucket
	membership *delivery.Membership

	writeMu sync.Mutex

	done      chan struct{}
	closeOnce sync.Once
}

func (wss *wsSession) ID() string { return wss.id }

func (wss *wsSession) Emit(event string, data any) error {
	var f ServerFrame
	switch event {
	case delivery.EventSignal:
		msg, ok := data.(mailbox.Message)
		if !ok {
			return fmt.Errorf("%s event: unexpected data %T", event, data)
		}
		f = ServerFrame{Type: FrameSignal, Signal: &msg}
	case delivery.EventAck:
		res, ok := data.(relay.PostResult)
		if !ok {
			return fmt.Errorf("%s event: unexpected data %T", event, data)
		}
		f = ServerFrame{Type: FrameAck, ID: res.ID, Disposition: res.Disposition, State: res.State}
	case delivery.EventError:
		e, ok := data.(wsError)
		if !ok {
			return fmt.Errorf("%s event: unexpected data %T", event, data)
		}
		f = ServerFrame{Type: FrameError, Code: e.Code, Message: e.Message}
	default:
		return fmt.Errorf("unknown event %q", event)
	}
	return wss.send(f)
}

func (wss *wsSession) run() {
	defer wss.Close()

	wss.conn.SetReadLimit(wss.srv.maxMessageBytes)

	authorized := false
	res, err := wss.srv.authorizer.Authorize(wss.req, nil)
	switch {
	case err == nil:
		if !wss.join(res) {
			return
		}
		authorized = true
	case IsAuthMissing(err):
		_ = wss.conn.SetReadDeadline(time.Now().Add(wss.srv.signalingAuthTimeout))
	default:
		wss.srv.incMetric(metrics.AuthFailure)
		wss.fail("unauthorized", unauthorizedMessage(err), websocket.ClosePolicyViolation, "unauthorized")
		return
	}

	for {
		msgType, data, err := wss.conn.ReadMessage()
		if err != nil {
			if !authorized && isTimeout(err) {
				wss.srv.incMetric(metrics.AuthFailure)
				wss.closeWith(websocket.ClosePolicyViolation, "authentication timeout")
			}
			return
		}
		if authorized {
			wss.extendIdle()
		}
		// Apply the rate limit *after* reading the frame so bytes already in
		// the receive buffer are consumed. Closing with unread data can turn
		// into a RST that hides the close code from the client.
		if wss.limiter != nil && !wss.limiter.Allow(1) {
			wss.srv.incMetric(metrics.DropReasonRateLimited)
			wss.fail("rate_limited", "rate limit exceeded", websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != wss.codec.MessageType() {
			wss.fail("bad_message", "unexpected frame type for "+wss.codec.Subprotocol(), websocket.CloseUnsupportedData, "unexpected frame type")
			return
		}

		frame, err := wss.codec.DecodeClient(data)
		if err != nil {
			wss.srv.incMetric(metrics.SignalInvalid)
			wss.fail("bad_message", err.Error(), websocket.ClosePolicyViolation, "bad message")
			return
		}

		if !authorized {
			if frame.Type != FrameAuth {
				wss.srv.incMetric(metrics.AuthFailure)
				wss.fail("unauthorized", "authentication required", websocket.ClosePolicyViolation, "authentication required")
				return
			}
			res, err := wss.srv.authorizer.Authorize(wss.req, &auth.WireAuthMessage{Type: string(frame.Type), APIKey: frame.APIKey, Token: frame.Token})
			if err != nil {
				wss.srv.incMetric(metrics.AuthFailure)
				wss.fail("unauthorized", unauthorizedMessage(err), websocket.ClosePolicyViolation, "unauthorized")
				return
			}
			if !wss.join(res) {
				return
			}
			authorized = true
			continue
		}

		switch {
		case frame.Type == FrameAuth:
			// Tolerated: clients may always send one, even when the upgrade
			// request already carried credentials.
		case frame.isSubmission():
			wss.submit(frame)
		default:
			wss.fail("bad_message", fmt.Sprintf("unexpected frame type %q", frame.Type), websocket.ClosePolicyViolation, "bad message")
			return
		}
	}
}

// join binds the session to its participant and subscribes it for push
// delivery. On failure the client has been told why.
func (wss *wsSession) join(res AuthResult) bool {
	p := wss.requested
	switch {
	case p == "":
		p = res.Participant
	case res.Participant != "" && res.Participant != p:
		wss.fail("forbidden_participant", "credential is not valid for this participant", websocket.ClosePolicyViolation, "forbidden")
		return false
	}
	if p == "" {
		wss.fail("invalid_participant", "missing participant", websocket.ClosePolicyViolation, "missing participant")
		return false
	}

	wss.participant = p
	wss.principal = res.Participant

	wss.extendIdle()
	wss.conn.SetPongHandler(func(string) error {
		wss.extendIdle()
		return nil
	})

	m, err := wss.srv.relay.Subscribe(p, wss)
	if err != nil {
		_, code, msg := submissionError(err)
		wss.fail(code, msg, websocket.CloseGoingAway, code)
		return false
	}
	wss.membership = m
	go wss.pingLoop()

	wss.srv.log.Debug("signaling websocket joined", "participant", string(p), "conn_id", wss.id, "subprotocol", wss.codec.Subprotocol())
	return true
}

func (wss *wsSession) submit(frame ClientFrame) {
	sub := frame.submission()
	if sub.From == "" {
		sub.From = wss.participant
	}
	sub.Principal = wss.principal

	res, err := wss.srv.relay.Post(wss.req.Context(), sub)
	if err != nil {
		_, code, msg := submissionError(err)
		_ = wss.Emit(delivery.EventError, wsError{Code: code, Message: msg})
		return
	}
	_ = wss.Emit(delivery.EventAck, res)
}

func (wss *wsSession) extendIdle() {
	_ = wss.conn.SetReadDeadline(time.Now().Add(wss.srv.wsIdleTimeout))
}

func (wss *wsSession) pingLoop() {
	ticker := time.NewTicker(wss.srv.wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-wss.done:
			return
		case <-ticker.C:
		}
		wss.writeMu.Lock()
		err := wss.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
		wss.writeMu.Unlock()
		if err != nil {
			// Unblocks the read loop, which tears the session down.
			_ = wss.conn.Close()
			return
		}
	}
}

func (wss *wsSession) send(f ServerFrame) error {
	data, err := wss.codec.EncodeServer(f)
	if err != nil {
		return err
	}

	wss.writeMu.Lock()
	defer wss.writeMu.Unlock()
	_ = wss.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return wss.conn.WriteMessage(wss.codec.MessageType(), data)
}

func (wss *wsSession) fail(code, message string, closeCode int, closeReason string) {
	_ = wss.send(ServerFrame{Type: FrameError, Code: code, Message: message})
	wss.closeWith(closeCode, closeReason)
}

func (wss *wsSession) closeWith(code int, reason string) {
	wss.writeMu.Lock()
	defer wss.writeMu.Unlock()
	_ = wss.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

// Close leaves the push group and closes the socket. It runs on the read
// loop's goroutine; other goroutines close the socket to stop the loop.
func (wss *wsSession) Close() {
	wss.closeOnce.Do(func() {
		close(wss.done)
		if wss.membership != nil {
			wss.membership.Leave()
			wss.srv.log.Debug("signaling websocket left", "participant", string(wss.participant), "conn_id", wss.id)
		}
		_ = wss.conn.Close()
	})
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
