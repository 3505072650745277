package signaling

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/mailbox"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/relay"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/session"
)

const (
	SubprotocolJSON    = "aero-signal.v1.json"
	SubprotocolMsgpack = "aero-signal.v1.msgpack"
)

type FrameType string

const (
	FrameSignal FrameType = "signal"
	FrameAck    FrameType = "ack"
	FrameError  FrameType = "error"
	FrameAuth   FrameType = "auth"
)

// ServerFrame is sent from the relay to a WebSocket client. Only the fields
// of its Type are set.
type ServerFrame struct {
	Type FrameType `json:"type"`

	// signal
	Signal *mailbox.Message `json:"signal,omitempty"`

	// ack
	ID          string            `json:"id,omitempty"`
	Disposition relay.Disposition `json:"disposition,omitempty"`
	State       session.State     `json:"state,omitempty"`

	// error
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// ClientFrame is sent from a WebSocket client. A frame with no type (or type
// "signal") is a submission; type "auth" carries a credential.
type ClientFrame struct {
	Type FrameType `json:"type,omitempty"`

	APIKey string `json:"apiKey,omitempty"`
	Token  string `json:"token,omitempty"`

	From    mailbox.ParticipantID `json:"from,omitempty"`
	To      mailbox.ParticipantID `json:"to,omitempty"`
	Kind    mailbox.Kind          `json:"kind,omitempty"`
	Payload json.RawMessage       `json:"payload,omitempty"`
}

func (f ClientFrame) isSubmission() bool {
	return f.Type == "" || f.Type == FrameSignal
}

func (f ClientFrame) submission() relay.Submission {
	return relay.Submission{From: f.From, To: f.To, Kind: f.Kind, Payload: f.Payload}
}

// Codec encodes frames for one WebSocket subprotocol. Both directions are
// implemented so signalclient can share it.
type Codec interface {
	Subprotocol() string
	// MessageType is the WebSocket frame type (text or binary) used on the wire.
	MessageType() int

	EncodeServer(ServerFrame) ([]byte, error)
	DecodeServer([]byte) (ServerFrame, error)
	EncodeClient(ClientFrame) ([]byte, error)
	DecodeClient([]byte) (ClientFrame, error)
}

// CodecFor returns the codec for a negotiated subprotocol. The empty or an
// unknown subprotocol selects JSON.
func CodecFor(subprotocol string) Codec {
	if subprotocol == SubprotocolMsgpack {
		return msgpackCodec{}
	}
	return jsonCodec{}
}

type jsonCodec struct{}

func (jsonCodec) Subprotocol() string { return SubprotocolJSON }
func (jsonCodec) MessageType() int    { return websocket.TextMessage }

func (jsonCodec) EncodeServer(f ServerFrame) ([]byte, error) { return json.Marshal(f) }
func (jsonCodec) EncodeClient(f ClientFrame) ([]byte, error) { return json.Marshal(f) }

func (jsonCodec) DecodeServer(data []byte) (ServerFrame, error) {
	var f ServerFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return ServerFrame{}, err
	}
	return f, nil
}

func (jsonCodec) DecodeClient(data []byte) (ClientFrame, error) {
	var f ClientFrame
	if err := decodeStrictJSON(data, &f); err != nil {
		return ClientFrame{}, err
	}
	return f, nil
}

// The msgpack wire forms carry payloads as native MessagePack values rather
// than embedded JSON text. They are transcoded at the edge so the relay core
// only ever sees JSON payloads.

type msgpackSignal struct {
	ID        string             `msgpack:"id"`
	From      string             `msgpack:"from"`
	To        string             `msgpack:"to"`
	Kind      string             `msgpack:"kind"`
	Payload   msgpack.RawMessage `msgpack:"payload"`
	CreatedAt time.Time          `msgpack:"createdAt"`
}

type msgpackServerFrame struct {
	Type        string         `msgpack:"type"`
	Signal      *msgpackSignal `msgpack:"signal,omitempty"`
	ID          string         `msgpack:"id,omitempty"`
	Disposition string         `msgpack:"disposition,omitempty"`
	State       string         `msgpack:"state,omitempty"`
	Code        string         `msgpack:"code,omitempty"`
	Message     string         `msgpack:"message,omitempty"`
}

type msgpackClientFrame struct {
	Type    string             `msgpack:"type,omitempty"`
	APIKey  string             `msgpack:"apiKey,omitempty"`
	Token   string             `msgpack:"token,omitempty"`
	From    string             `msgpack:"from,omitempty"`
	To      string             `msgpack:"to,omitempty"`
	Kind    string             `msgpack:"kind,omitempty"`
	Payload msgpack.RawMessage `msgpack:"payload,omitempty"`
}

type msgpackCodec struct{}

func (msgpackCodec) Subprotocol() string { return SubprotocolMsgpack }
func (msgpackCodec) MessageType() int    { return websocket.BinaryMessage }

func (msgpackCodec) EncodeServer(f ServerFrame) ([]byte, error) {
	out := msgpackServerFrame{
		Type:        string(f.Type),
		ID:          f.ID,
		Disposition: string(f.Disposition),
		State:       string(f.State),
		Code:        f.Code,
		Message:     f.Message,
	}
	if f.Signal != nil {
		payload, err := payloadFromJSON(f.Signal.Payload)
		if err != nil {
			return nil, err
		}
		out.Signal = &msgpackSignal{
			ID:        f.Signal.ID,
			From:      string(f.Signal.From),
			To:        string(f.Signal.To),
			Kind:      string(f.Signal.Kind),
			Payload:   payload,
			CreatedAt: f.Signal.CreatedAt,
		}
	}
	return msgpack.Marshal(&out)
}

func (msgpackCodec) DecodeServer(data []byte) (ServerFrame, error) {
	var in msgpackServerFrame
	if err := msgpack.Unmarshal(data, &in); err != nil {
		return ServerFrame{}, err
	}
	f := ServerFrame{
		Type:        FrameType(in.Type),
		ID:          in.ID,
		Disposition: relay.Disposition(in.Disposition),
		State:       session.State(in.State),
		Code:        in.Code,
		Message:     in.Message,
	}
	if in.Signal != nil {
		payload, err := payloadToJSON(in.Signal.Payload)
		if err != nil {
			return ServerFrame{}, err
		}
		f.Signal = &mailbox.Message{
			ID:        in.Signal.ID,
			From:      mailbox.ParticipantID(in.Signal.From),
			To:        mailbox.ParticipantID(in.Signal.To),
			Kind:      mailbox.Kind(in.Signal.Kind),
			Payload:   payload,
			CreatedAt: in.Signal.CreatedAt,
		}
	}
	return f, nil
}

func (msgpackCodec) EncodeClient(f ClientFrame) ([]byte, error) {
	out := msgpackClientFrame{
		Type:   string(f.Type),
		APIKey: f.APIKey,
		Token:  f.Token,
		From:   string(f.From),
		To:     string(f.To),
		Kind:   string(f.Kind),
	}
	if len(f.Payload) > 0 {
		payload, err := payloadFromJSON(f.Payload)
		if err != nil {
			return nil, err
		}
		out.Payload = payload
	}
	return msgpack.Marshal(&out)
}

func (msgpackCodec) DecodeClient(data []byte) (ClientFrame, error) {
	var in msgpackClientFrame
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields(true)
	if err := dec.Decode(&in); err != nil {
		return ClientFrame{}, err
	}
	if _, err := dec.DecodeInterface(); !errors.Is(err, io.EOF) {
		return ClientFrame{}, errors.New("unexpected trailing data")
	}
	f := ClientFrame{
		Type:   FrameType(in.Type),
		APIKey: in.APIKey,
		Token:  in.Token,
		From:   mailbox.ParticipantID(in.From),
		To:     mailbox.ParticipantID(in.To),
		Kind:   mailbox.Kind(in.Kind),
	}
	if len(in.Payload) > 0 {
		payload, err := payloadToJSON(in.Payload)
		if err != nil {
			return ClientFrame{}, err
		}
		f.Payload = payload
	}
	return f, nil
}

// payloadFromJSON transcodes a JSON payload to MessagePack token by token.
// Object key order is kept and integers stay exact when they fit in 64 bits;
// other numbers become float64.
func payloadFromJSON(raw json.RawMessage) (msgpack.RawMessage, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return msgpack.RawMessage{msgpcode.Nil}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var buf bytes.Buffer
	if err := transcodeJSONValue(dec, &buf); err != nil {
		return nil, fmt.Errorf("payload: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("payload: unexpected trailing data")
	}
	return buf.Bytes(), nil
}

// transcodeJSONValue reads one JSON value from dec and appends its
// MessagePack form to buf. Containers are encoded into a scratch buffer
// first because their length leads on the wire.
func transcodeJSONValue(dec *json.Decoder, buf *bytes.Buffer) error {
	enc := msgpack.NewEncoder(buf)
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	switch v := tok.(type) {
	case json.Delim:
		var body bytes.Buffer
		n := 0
		for dec.More() {
			if v == '{' {
				key, err := dec.Token()
				if err != nil {
					return err
				}
				if err := msgpack.NewEncoder(&body).EncodeString(key.(string)); err != nil {
					return err
				}
			}
			if err := transcodeJSONValue(dec, &body); err != nil {
				return err
			}
			n++
		}
		if _, err := dec.Token(); err != nil {
			return err
		}
		if v == '{' {
			err = enc.EncodeMapLen(n)
		} else {
			err = enc.EncodeArrayLen(n)
		}
		if err != nil {
			return err
		}
		_, err = buf.Write(body.Bytes())
		return err
	case json.Number:
		if !strings.ContainsAny(v.String(), ".eE") {
			if i, err := strconv.ParseInt(v.String(), 10, 64); err == nil {
				return enc.EncodeInt(i)
			}
			if u, err := strconv.ParseUint(v.String(), 10, 64); err == nil {
				return enc.EncodeUint(u)
			}
		}
		f, err := v.Float64()
		if err != nil {
			return err
		}
		return enc.EncodeFloat64(f)
	case string:
		return enc.EncodeString(v)
	case bool:
		return enc.EncodeBool(v)
	case nil:
		return enc.EncodeNil()
	}
	return fmt.Errorf("unexpected token %v", tok)
}

// payloadToJSON is the inverse of payloadFromJSON. Map keys must be strings.
func payloadToJSON(raw msgpack.RawMessage) (json.RawMessage, error) {
	var buf bytes.Buffer
	if err := transcodeMsgpackValue(msgpack.NewDecoder(bytes.NewReader(raw)), &buf); err != nil {
		return nil, fmt.Errorf("payload is not JSON-compatible: %w", err)
	}
	return buf.Bytes(), nil
}

func transcodeMsgpackValue(dec *msgpack.Decoder, buf *bytes.Buffer) error {
	code, err := dec.PeekCode()
	if err != nil {
		return err
	}
	switch {
	case msgpcode.IsFixedMap(code) || code == msgpcode.Map16 || code == msgpcode.Map32:
		n, err := dec.DecodeMapLen()
		if err != nil {
			return err
		}
		buf.WriteByte('{')
		for i := 0; i < n; i++ {
			if i > 0 {
				buf.WriteByte(',')
			}
			key, err := dec.DecodeString()
			if err != nil {
				return fmt.Errorf("map key: %w", err)
			}
			kb, _ := json.Marshal(key)
			buf.Write(kb)
			buf.WriteByte(':')
			if err := transcodeMsgpackValue(dec, buf); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case msgpcode.IsFixedArray(code) || code == msgpcode.Array16 || code == msgpcode.Array32:
		n, err := dec.DecodeArrayLen()
		if err != nil {
			return err
		}
		buf.WriteByte('[')
		for i := 0; i < n; i++ {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := transcodeMsgpackValue(dec, buf); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	}

	v, err := dec.DecodeInterface()
	if err != nil {
		return err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	buf.Write(b)
	return nil
}
