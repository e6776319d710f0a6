// Package protocol defines the event envelopes exchanged over the duplex
// channel between endpoints and the relay.
//
// Each frame is exactly one JSON envelope of the form
//
//	{"kind": "message", "payload": {...}}
//
// The payload is a closed sum type; consumers switch on the concrete Payload
// type rather than registering per-kind callbacks.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Kind discriminates envelope payloads.
type Kind string

const (
	KindMessage   Kind = "message"
	KindTyping    Kind = "typing"
	KindStatus    Kind = "status"
	KindRead      Kind = "read"
	KindFlashback Kind = "flashback"
	KindError     Kind = "error"
)

// ErrMalformedEnvelope is returned when a frame is not valid JSON or misses a
// field its kind requires.
var ErrMalformedEnvelope = errors.New("malformed envelope")

// Payload is implemented by every envelope payload type in this package.
type Payload interface {
	Kind() Kind
	isPayload()
}

// Envelope is an immutable event unit. Construct one with the New* helpers or
// Decode; the zero value is not routable.
type Envelope struct {
	kind    Kind
	payload Payload
}

func newEnvelope(p Payload) Envelope {
	return Envelope{kind: p.Kind(), payload: p}
}

func (e Envelope) Kind() Kind {
	return e.kind
}

func (e Envelope) Payload() Payload {
	return e.payload
}

// Known reports whether the envelope carries a payload kind this package
// understands.
func (e Envelope) Known() bool {
	_, unknown := e.payload.(Unknown)
	return e.payload != nil && !unknown
}

type wireEnvelope struct {
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	if e.payload == nil {
		return nil, fmt.Errorf("%w: empty envelope", ErrMalformedEnvelope)
	}
	if u, ok := e.payload.(Unknown); ok {
		return json.Marshal(wireEnvelope{Kind: u.Name, Payload: u.Raw})
	}
	raw, err := json.Marshal(e.payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireEnvelope{Kind: e.kind, Payload: raw})
}

func (e *Envelope) UnmarshalJSON(data []byte) error {
	decoded, err := Decode(data)
	if err != nil {
		return err
	}
	*e = decoded
	return nil
}

// Encode renders an envelope as a single JSON text frame.
func Encode(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses one frame. Unknown kinds decode successfully into an
// Unknown payload so that newer peers are tolerated.
func Decode(data []byte) (Envelope, error) {
	var wire wireEnvelope
	if err := json.Unmarshal(data, &wire); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if wire.Kind == "" {
		return Envelope{}, fmt.Errorf("%w: missing kind", ErrMalformedEnvelope)
	}
	if len(bytes.TrimSpace(wire.Payload)) == 0 || bytes.Equal(bytes.TrimSpace(wire.Payload), []byte("null")) {
		return Envelope{}, fmt.Errorf("%w: missing payload for %q", ErrMalformedEnvelope, wire.Kind)
	}

	var (
		p   Payload
		err error
	)
	switch wire.Kind {
	case KindMessage:
		p, err = decodeMessage(wire.Payload)
	case KindTyping:
		p, err = decodeTyping(wire.Payload)
	case KindStatus:
		p, err = decodeStatus(wire.Payload)
	case KindRead:
		p, err = decodeRead(wire.Payload)
	case KindFlashback:
		p, err = decodeFlashback(wire.Payload)
	case KindError:
		p, err = decodeError(wire.Payload)
	default:
		p = Unknown{Name: wire.Kind, Raw: append(json.RawMessage(nil), wire.Payload...)}
	}
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %s: %v", ErrMalformedEnvelope, wire.Kind, err)
	}
	return newEnvelope(p), nil
}

// ConversationID extracts the conversation an envelope refers to, if its
// payload carries one.
func ConversationID(e Envelope) (int64, bool) {
	switch p := e.payload.(type) {
	case MessagePayload:
		return p.ConversationID, true
	case TypingPayload:
		return p.ConversationID, true
	case StatusPayload:
		return p.ConversationID, true
	case FlashbackPayload:
		if p.ConversationID != nil {
			return *p.ConversationID, true
		}
	case ErrorPayload:
		if p.ConversationID != nil {
			return *p.ConversationID, true
		}
	}
	return 0, false
}
