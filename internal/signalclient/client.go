// Package signalclient is a Go client for the signal relay. Client covers the
// HTTP endpoints (send, long-poll, ICE servers); Watch opens a WebSocket
// Stream for push delivery.
package signalclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/mailbox"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/relay"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/session"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/signaling"
)

// maxResponseBytes bounds response bodies read from the relay. A poll can
// return a full mailbox.
const maxResponseBytes = 16 << 20

// Error is a non-2xx answer from the relay.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("signal relay: %s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("signal relay: %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// IsCode reports whether err is a relay Error with the given code.
func IsCode(err error, code string) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

// Ack is the relay's answer to an accepted submission.
type Ack struct {
	ID          string            `json:"id"`
	Disposition relay.Disposition `json:"disposition"`
	State       session.State     `json:"state,omitempty"`
}

type Client struct {
	base        *url.URL
	http        *http.Client
	apiKey      string
	token       string
	subprotocol string
}

type Option func(*Client)

// WithHTTPClient replaces http.DefaultClient. Its Timeout must exceed the
// longest poll timeout used.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithAPIKey sends key as X-API-Key (AUTH_MODE=api_key).
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithToken sends token as a bearer token (AUTH_MODE=jwt).
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithMsgpack makes Watch negotiate MessagePack frames.
func WithMsgpack() Option {
	return func(c *Client) { c.subprotocol = signaling.SubprotocolMsgpack }
}

func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid relay URL %q: %w", baseURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid relay URL %q: want http(s)://host[:port]", baseURL)
	}
	c := &Client{
		base:        u,
		http:        http.DefaultClient,
		subprotocol: signaling.SubprotocolJSON,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Send posts one signal.
func (c *Client) Send(ctx context.Context, sub relay.Submission) (Ack, error) {
	body, err := json.Marshal(sub)
	if err != nil {
		return Ack{}, err
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/signal", nil, bytes.NewReader(body))
	if err != nil {
		return Ack{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	var ack Ack
	if err := c.do(req, http.StatusAccepted, &ack); err != nil {
		return Ack{}, err
	}
	return ack, nil
}

// Poll long-polls p's mailbox for up to timeout and returns what arrived,
// possibly nothing.
func (c *Client) Poll(ctx context.Context, p mailbox.ParticipantID, timeout time.Duration) ([]mailbox.Message, error) {
	q := url.Values{"timeoutMs": {strconv.FormatInt(timeout.Milliseconds(), 10)}}
	req, err := c.newRequest(ctx, http.MethodGet, "/signal/"+url.PathEscape(string(p)), q, nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Messages []mailbox.Message `json:"messages"`
	}
	if err := c.do(req, http.StatusOK, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// Follow polls p until ctx is done and calls fn for every message, in order.
// Transient errors are retried after retryDelay; fn's error stops the loop.
func (c *Client) Follow(ctx context.Context, p mailbox.ParticipantID, timeout, retryDelay time.Duration, fn func(mailbox.Message) error) error {
	if retryDelay <= 0 {
		retryDelay = time.Second
	}
	for {
		msgs, err := c.Poll(ctx, p, timeout)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			var relayErr *Error
			if errors.As(err, &relayErr) && relayErr.StatusCode >= 400 && relayErr.StatusCode < 500 {
				return err
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryDelay):
			}
			continue
		}
		for _, msg := range msgs {
			if err := fn(msg); err != nil {
				return err
			}
		}
	}
}

// ICEServers fetches the relay's ICE server list.
func (c *Client) ICEServers(ctx context.Context) ([]webrtc.ICEServer, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/webrtc/ice", nil, nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		ICEServers []webrtc.ICEServer `json:"iceServers"`
	}
	if err := c.do(req, http.StatusOK, &resp); err != nil {
		return nil, err
	}
	return resp.ICEServers, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, q url.Values, body io.Reader) (*http.Request, error) {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = q.Encode()
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	c.authorize(req.Header)
	return req, nil
}

func (c *Client) authorize(h http.Header) {
	if c.token != "" {
		h.Set("Authorization", "Bearer "+c.token)
	}
	if c.apiKey != "" {
		h.Set("X-API-Key", c.apiKey)
	}
}

func (c *Client) do(req *http.Request, wantStatus int, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read %s %s: %w", req.Method, req.URL.Path, err)
	}
	if resp.StatusCode != wantStatus {
		return decodeError(resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", req.Method, req.URL.Path, err)
	}
	return nil
}

func decodeError(status int, body []byte) error {
	e := &Error{StatusCode: status}
	var wire struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &wire) == nil && wire.Code != "" {
		e.Code, e.Message = wire.Code, wire.Message
		return e
	}
	e.Code = "http_error"
	e.Message = strings.TrimSpace(string(body))
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}
	return e
}
