// Package protocol defines the envelope exchanged between peer sessions.
//
// An envelope is one type byte followed by the payload. The transport frame
// around it is already length-delimited so the envelope carries no length.
package protocol

import (
	"errors"
	"fmt"
)

// MessageType is the envelope tag byte.
type MessageType byte

const (
	TypeAnnounce         MessageType = 0
	TypeManifest         MessageType = 1
	TypeTransferAnnounce MessageType = 2
)

func (t MessageType) String() string {
	switch t {
	case TypeAnnounce:
		return "announce"
	case TypeManifest:
		return "manifest"
	case TypeTransferAnnounce:
		return "transfer_announce"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

// Known reports whether t is a tag this version understands.
func (t MessageType) Known() bool {
	return t <= TypeTransferAnnounce
}

var (
	// ErrEmptyEnvelope indicates a zero-length envelope with no tag byte.
	ErrEmptyEnvelope = errors.New("protocol: empty envelope")
	// ErrUnknownType indicates an unrecognized tag byte.
	ErrUnknownType = errors.New("protocol: unknown message type")
	// ErrMalformedPayload indicates the payload does not decode for its tag.
	ErrMalformedPayload = errors.New("protocol: malformed payload")
)

// Envelope is a tagged payload.
type Envelope struct {
	Type    MessageType
	Payload []byte
}

// Encode returns the wire form of the envelope.
func (e Envelope) Encode() []byte {
	out := make([]byte, 1+len(e.Payload))
	out[0] = byte(e.Type)
	copy(out[1:], e.Payload)
	return out
}

// DecodeEnvelope splits raw into tag and payload. Unknown tags are returned
// together with ErrUnknownType so callers can log what they dropped.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	if len(raw) == 0 {
		return Envelope{}, ErrEmptyEnvelope
	}
	env := Envelope{
		Type:    MessageType(raw[0]),
		Payload: append([]byte(nil), raw[1:]...),
	}
	if !env.Type.Known() {
		return env, fmt.Errorf("%w: tag %d", ErrUnknownType, raw[0])
	}
	return env, nil
}
