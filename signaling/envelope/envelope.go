// Package envelope defines the signaling wire message: SignalingEnvelope,
// a tagged-union "flow" payload, and its JSON codec. ReadFrame/WriteFrame
// give a 4-byte length-prefixed form for byte streams; the signaling hub
// uses DecodeBinaryMessage/EncodeBinaryMessage instead, one JSON envelope
// per WebSocket binary message with no length prefix.
//
// The production wire format is protobuf (spec.md §6); this harness has
// no protoc toolchain available to generate Go bindings, and this tree
// contains no .proto file. DESIGN.md records the substitution this
// package makes: JSON rather than a protobuf wire encoding, with the
// envelope/flow shapes defined directly as the Go structs below.
package envelope

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/actrix-rtc/actrixd/internal/errkind"
)

// CurrentVersion is the only envelope_version this implementation speaks.
const CurrentVersion = 1

// FlowKind discriminates the tagged union carried in Envelope.Flow.
type FlowKind string

const (
	FlowPeerToServer FlowKind = "peer_to_server"
	FlowActrToServer FlowKind = "actr_to_server"
	FlowActrRelay    FlowKind = "actr_relay"
	FlowServerToActr FlowKind = "server_to_actr"
	FlowEnvelopeError FlowKind = "envelope_error"
)

// Envelope is the outer wrapper carried on every WebSocket frame.
type Envelope struct {
	EnvelopeVersion int        `json:"envelope_version"`
	EnvelopeID      uuid.UUID  `json:"envelope_id"`
	ReplyFor        *uuid.UUID `json:"reply_for,omitempty"`
	Timestamp       time.Time  `json:"timestamp"`
	Traceparent     string     `json:"traceparent,omitempty"`
	Tracestate      string     `json:"tracestate,omitempty"`

	Flow FlowKind `json:"flow"`
	// MessageType discriminates the concrete payload shape within Flow
	// (e.g. "ping", "discovery_request"). Every variant in messages.go
	// has a corresponding MessageType constant, so the dispatcher never
	// has to guess a payload's shape by trial-decoding it.
	MessageType string `json:"message_type"`
	// Payload holds the flow-specific body, kept as raw JSON so the
	// dispatcher can decode into the concrete message type for
	// MessageType without every caller needing to know every variant's
	// shape up front.
	Payload json.RawMessage `json:"payload"`
}

// NewEnvelope builds a fresh envelope with a generated ID and the
// current timestamp, optionally replying to inbound.
func NewEnvelope(flow FlowKind, messageType string, payload interface{}, replyFor *uuid.UUID, now time.Time) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, errkind.Wrap(errkind.Crypto, fmt.Errorf("marshaling envelope payload: %w", err))
	}
	return Envelope{
		EnvelopeVersion: CurrentVersion,
		EnvelopeID:      uuid.New(),
		ReplyFor:        replyFor,
		Timestamp:       now,
		Flow:            flow,
		MessageType:     messageType,
		Payload:         raw,
	}, nil
}

// Reply builds a response envelope whose ReplyFor points at req's ID,
// propagating req's trace context verbatim (spec.md §9 Observability).
func Reply(req Envelope, flow FlowKind, messageType string, payload interface{}, now time.Time) (Envelope, error) {
	env, err := NewEnvelope(flow, messageType, payload, &req.EnvelopeID, now)
	if err != nil {
		return Envelope{}, err
	}
	env.Traceparent = req.Traceparent
	env.Tracestate = req.Tracestate
	return env, nil
}

// DecodePayload unmarshals env.Payload into v.
func (e Envelope) DecodePayload(v interface{}) error {
	if len(e.Payload) == 0 {
		return errkind.New(errkind.Configuration, "envelope %s carries no payload", e.EnvelopeID)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return errkind.Wrap(errkind.Crypto, fmt.Errorf("decoding envelope payload: %w", err))
	}
	return nil
}

// maxFrameSize bounds a single envelope frame to guard against a
// misbehaving peer claiming an enormous length prefix.
const maxFrameSize = 4 << 20

// WriteFrame serializes env as a 4-byte big-endian length prefix
// followed by its JSON encoding, matching the length-prefixed binary
// framing spec.md §6 describes for the protobuf wire format.
func WriteFrame(w io.Writer, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return errkind.Wrap(errkind.Crypto, fmt.Errorf("marshaling envelope: %w", err))
	}
	if len(body) > maxFrameSize {
		return errkind.New(errkind.Configuration, "envelope frame too large: %d bytes", len(body))
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(body)))
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// ReadFrame reads one length-prefixed envelope frame from r.
func ReadFrame(r io.Reader) (Envelope, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return Envelope{}, err
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n > maxFrameSize {
		return Envelope{}, errkind.New(errkind.Configuration, "envelope frame too large: %d bytes", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Envelope{}, err
	}
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, errkind.Wrap(errkind.Crypto, fmt.Errorf("decoding envelope frame: %w", err))
	}
	return env, nil
}

// DecodeBinaryMessage parses a single WebSocket binary message payload
// (already stripped of the gorilla/websocket frame itself) as one
// envelope: a convenience over ReadFrame for transports that deliver
// whole messages rather than a byte stream.
func DecodeBinaryMessage(msg []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return Envelope{}, errkind.Wrap(errkind.Crypto, fmt.Errorf("decoding envelope message: %w", err))
	}
	return env, nil
}

// EncodeBinaryMessage serializes env for a single WebSocket binary message.
func EncodeBinaryMessage(env Envelope) ([]byte, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, errkind.Wrap(errkind.Crypto, fmt.Errorf("marshaling envelope message: %w", err))
	}
	return body, nil
}
