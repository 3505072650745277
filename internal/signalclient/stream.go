package signalclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/mailbox"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/relay"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/signaling"
)

const (
	streamWriteWait    = 10 * time.Second
	streamMaxFrameSize = 1 << 20
	// streamMaxBacklog bounds signals received but not yet read from Signals.
	streamMaxBacklog = 4096
)

var (
	ErrStreamClosed  = errors.New("signalclient: stream closed")
	ErrStreamBacklog = errors.New("signalclient: too many unread signals")
)

// Stream is a push connection for one participant. Signals arrive on
// Signals(); Send submits over the same socket. The reader never waits on the
// consumer, so Send may be called from the goroutine ranging over Signals.
type Stream struct {
	conn        *websocket.Conn
	codec       signaling.Codec
	participant mailbox.ParticipantID

	signals chan mailbox.Message
	replies chan signaling.ServerFrame

	backlogMu    sync.Mutex
	backlog      []mailbox.Message
	backlogReady chan struct{}

	sendMu  sync.Mutex
	writeMu sync.Mutex
	waiting atomic.Bool

	done      chan struct{}
	closing   chan struct{}
	errMu     sync.Mutex
	err       error
	closeOnce sync.Once
}

// Watch joins p's push group. Messages queued while p had no connection are
// delivered first.
func (c *Client) Watch(ctx context.Context, p mailbox.ParticipantID) (*Stream, error) {
	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/signal/ws"
	u.RawQuery = url.Values{"participant": {string(p)}}.Encode()

	header := http.Header{}
	c.authorize(header)

	d := websocket.Dialer{
		Subprotocols:     []string{c.subprotocol},
		HandshakeTimeout: 10 * time.Second,
	}
	conn, resp, err := d.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return nil, fmt.Errorf("watch %s: %w", p, &Error{StatusCode: resp.StatusCode, Code: "handshake_failed", Message: http.StatusText(resp.StatusCode)})
		}
		return nil, fmt.Errorf("watch %s: %w", p, err)
	}
	conn.SetReadLimit(streamMaxFrameSize)

	s := &Stream{
		conn:         conn,
		codec:        signaling.CodecFor(conn.Subprotocol()),
		participant:  p,
		signals:      make(chan mailbox.Message),
		replies:      make(chan signaling.ServerFrame, 1),
		backlogReady: make(chan struct{}, 1),
		done:         make(chan struct{}),
		closing:      make(chan struct{}),
	}
	go s.readLoop()
	go s.forwardLoop()
	return s, nil
}

func (s *Stream) Participant() mailbox.ParticipantID { return s.participant }

// Signals is closed once the stream has ended and every signal received
// before that has been read; Err then reports why it ended.
func (s *Stream) Signals() <-chan mailbox.Message { return s.signals }

// Done is closed when the stream ends.
func (s *Stream) Done() <-chan struct{} { return s.done }

func (s *Stream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Send submits one signal and waits for the relay's ack. An empty From is
// filled in by the relay with the stream's participant. Submissions are
// answered in order, so Send calls are serialized; if ctx ends before the
// answer arrives the stream is closed, since later answers could no longer
// be matched.
func (s *Stream) Send(ctx context.Context, sub relay.Submission) (Ack, error) {
	data, err := s.codec.EncodeClient(signaling.ClientFrame{
		From:    sub.From,
		To:      sub.To,
		Kind:    sub.Kind,
		Payload: sub.Payload,
	})
	if err != nil {
		return Ack{}, err
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.waiting.Store(true)
	defer s.waiting.Store(false)
	if err := s.write(data); err != nil {
		return Ack{}, err
	}

	select {
	case f := <-s.replies:
		if f.Type == signaling.FrameError {
			return Ack{}, &Error{Code: f.Code, Message: f.Message}
		}
		return Ack{ID: f.ID, Disposition: f.Disposition, State: f.State}, nil
	case <-s.done:
		if err := s.Err(); err != nil {
			return Ack{}, err
		}
		return Ack{}, ErrStreamClosed
	case <-ctx.Done():
		s.Close()
		return Ack{}, ctx.Err()
	}
}

func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		close(s.closing)
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		s.writeMu.Unlock()
		_ = s.conn.Close()
	})
	return nil
}

func (s *Stream) write(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	return s.conn.WriteMessage(s.codec.MessageType(), data)
}

func (s *Stream) setErr(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
}

func (s *Stream) readLoop() {
	defer func() {
		_ = s.conn.Close()
		close(s.done)
	}()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.closing:
				// Closed locally.
				return
			default:
			}
			var ce *websocket.CloseError
			if !errors.As(err, &ce) || ce.Code != websocket.CloseNormalClosure {
				s.setErr(err)
			}
			return
		}
		f, err := s.codec.DecodeServer(data)
		if err != nil {
			s.setErr(fmt.Errorf("decode frame: %w", err))
			return
		}

		switch f.Type {
		case signaling.FrameSignal:
			if f.Signal == nil {
				continue
			}
			if !s.queueSignal(*f.Signal) {
				s.setErr(ErrStreamBacklog)
				return
			}
		case signaling.FrameAck, signaling.FrameError:
			if s.deliverReply(f) {
				continue
			}
			// An error nobody is waiting for is fatal and precedes the close.
			if f.Type == signaling.FrameError {
				s.setErr(&Error{Code: f.Code, Message: f.Message})
			}
		}
	}
}

func (s *Stream) queueSignal(msg mailbox.Message) bool {
	s.backlogMu.Lock()
	if len(s.backlog) >= streamMaxBacklog {
		s.backlogMu.Unlock()
		return false
	}
	s.backlog = append(s.backlog, msg)
	s.backlogMu.Unlock()

	select {
	case s.backlogReady <- struct{}{}:
	default:
	}
	return true
}

func (s *Stream) takeBacklog() []mailbox.Message {
	s.backlogMu.Lock()
	defer s.backlogMu.Unlock()
	batch := s.backlog
	s.backlog = nil
	return batch
}

// forwardLoop moves queued signals to Signals. After the reader stops it
// hands over what is left, unless the stream was closed locally.
func (s *Stream) forwardLoop() {
	defer close(s.signals)

	readerDone := false
	for {
		batch := s.takeBacklog()
		for _, msg := range batch {
			select {
			case s.signals <- msg:
			case <-s.closing:
				return
			}
		}
		if len(batch) > 0 {
			continue
		}
		if readerDone {
			return
		}
		select {
		case <-s.backlogReady:
		case <-s.done:
			readerDone = true
		case <-s.closing:
			return
		}
	}
}

// deliverReply hands f to a waiting Send, if one is waiting.
func (s *Stream) deliverReply(f signaling.ServerFrame) bool {
	if !s.waiting.Load() {
		return false
	}
	select {
	case s.replies <- f:
		return true
	default:
		return false
	}
}
