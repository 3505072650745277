package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/clock"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/origin"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/relay"
)

const (
	defaultPollTimeout          = 25 * time.Second
	defaultMaxSignalBytes       = 64 * 1024
	defaultSignalingAuthTimeout = 2 * time.Second
	defaultWSIdleTimeout        = 60 * time.Second
	defaultWSPingInterval       = 20 * time.Second
)

// Config wires together the runtime dependencies for the signaling service.
type Config struct {
	Relay *relay.Relay

	// Authorizer defaults to AllowAllAuthorizer.
	Authorizer Authorizer

	// ICEServers is served at GET /webrtc/ice. If ICEConfigErr is set the
	// endpoint fails instead, so a bad ICE config does not block signaling.
	ICEServers   []webrtc.ICEServer
	ICEConfigErr error

	// Origins gates WebSocket upgrades. HTTP routes are gated by the
	// httpserver origin middleware.
	Origins origin.Policy

	// PollDefaultTimeout is used when a poll omits timeoutMs.
	PollDefaultTimeout time.Duration

	// MaxSignalMessageBytes bounds POST /signal bodies and WebSocket frames.
	MaxSignalMessageBytes int64

	// MaxSignalsPerSecond limits submissions per sender over HTTP and per
	// connection over WebSocket. <= 0 disables limiting.
	MaxSignalsPerSecond int

	SignalingAuthTimeout time.Duration
	WSIdleTimeout        time.Duration
	WSPingInterval       time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

type Server struct {
	relay      *relay.Relay
	authorizer Authorizer
	log        *slog.Logger
	clk        clock.Clock
	metrics    *metrics.Metrics

	iceServers   []webrtc.ICEServer
	iceConfigErr error

	pollDefaultTimeout   time.Duration
	maxMessageBytes      int64
	maxSignalsPerSecond  int
	signalingAuthTimeout time.Duration
	wsIdleTimeout        time.Duration
	wsPingInterval       time.Duration

	senders  *ratelimit.Keyed
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[*wsSession]struct{}
	closed   bool
}

func NewServer(cfg Config) *Server {
	s := &Server{
		relay:                cfg.Relay,
		authorizer:           cfg.Authorizer,
		log:                  cfg.Logger,
		clk:                  cfg.Clock,
		iceServers:           cfg.ICEServers,
		iceConfigErr:         cfg.ICEConfigErr,
		pollDefaultTimeout:   cfg.PollDefaultTimeout,
		maxMessageBytes:      cfg.MaxSignalMessageBytes,
		maxSignalsPerSecond:  cfg.MaxSignalsPerSecond,
		signalingAuthTimeout: cfg.SignalingAuthTimeout,
		wsIdleTimeout:        cfg.WSIdleTimeout,
		wsPingInterval:       cfg.WSPingInterval,
		sessions:             make(map[*wsSession]struct{}),
	}
	if s.authorizer == nil {
		s.authorizer = AllowAllAuthorizer{}
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.clk == nil {
		s.clk = clock.Real()
	}
	if s.pollDefaultTimeout <= 0 {
		s.pollDefaultTimeout = defaultPollTimeout
	}
	if s.maxMessageBytes <= 0 {
		s.maxMessageBytes = defaultMaxSignalBytes
	}
	if s.signalingAuthTimeout <= 0 {
		s.signalingAuthTimeout = defaultSignalingAuthTimeout
	}
	if s.wsIdleTimeout <= 0 {
		s.wsIdleTimeout = defaultWSIdleTimeout
	}
	if s.wsPingInterval <= 0 || s.wsPingInterval >= s.wsIdleTimeout {
		s.wsPingInterval = min(defaultWSPingInterval, s.wsIdleTimeout/2)
	}
	if s.relay != nil {
		s.metrics = s.relay.Metrics()
	}
	s.senders = ratelimit.NewKeyed(s.clk, s.maxSignalsPerSecond, 0)

	policy := cfg.Origins
	s.upgrader = websocket.Upgrader{
		Subprotocols: []string{SubprotocolJSON, SubprotocolMsgpack},
		CheckOrigin: func(r *http.Request) bool {
			_, ok := policy.CheckRequest(r)
			return ok
		},
	}
	return s
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /signal", s.handlePostSignal)
	// /signal/ws is more specific than /signal/{participant}, so a participant
	// literally named "ws" can only be reached over push.
	mux.HandleFunc("GET /signal/ws", s.handleWebSocket)
	mux.HandleFunc("GET /signal/{participant}", s.handlePoll)
	mux.HandleFunc("GET /webrtc/ice", s.handleICE)
}

// Close disconnects every WebSocket session. The relay itself is closed by
// its owner.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	sessions := make([]*wsSession, 0, len(s.sessions))
	for wss := range s.sessions {
		sessions = append(sessions, wss)
	}
	s.mu.Unlock()

	for _, wss := range sessions {
		wss.closeWith(websocket.CloseGoingAway, "server shutting down")
		_ = wss.conn.Close()
	}
}

func (s *Server) track(wss *wsSession) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.sessions[wss] = struct{}{}
	return true
}

func (s *Server) untrack(wss *wsSession) {
	s.mu.Lock()
	delete(s.sessions, wss)
	s.mu.Unlock()
}

func (s *Server) incMetric(name string) {
	if s.metrics == nil {
		return
	}
	s.metrics.Inc(name)
}

func (s *Server) handleICE(w http.ResponseWriter, r *http.Request) {
	if s.iceConfigErr != nil {
		s.log.Error("ice servers misconfigured", "err", s.iceConfigErr)
		writeJSONError(w, http.StatusServiceUnavailable, "ice_config_error", "ICE server configuration is invalid")
		return
	}
	servers := s.iceServers
	if servers == nil {
		servers = []webrtc.ICEServer{}
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, iceResponse{ICEServers: servers})
}

type iceResponse struct {
	ICEServers []webrtc.ICEServer `json:"iceServers"`
}

type httpErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, httpErrorResponse{Code: code, Message: message})
}

// decodeJSON decodes exactly one JSON value, ignoring unknown fields. POST
// /signal uses it so clients can attach their own metadata.
func decodeJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(v); err != nil {
		return err
	}
	return expectEOF(dec)
}

// decodeStrictJSON is decodeJSON that also refuses unknown fields. WebSocket
// frames use it: an unknown field there is a protocol error.
func decodeStrictJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	return expectEOF(dec)
}

func expectEOF(dec *json.Decoder) error {
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("unexpected trailing data")
	}
	return nil
}
