// Package protocol defines the JSON messages exchanged over the terrain ws
// endpoint.
package protocol

import (
	"encoding/json"
	"errors"
)

const Version = "1.0"

const (
	TypeHello   = "HELLO"
	TypeWelcome = "WELCOME"
	TypeEdit    = "EDIT"
	TypeAck     = "ACK"
	TypeError   = "ERROR"
	TypeResult  = "RESULT"
)

var ErrMissingType = errors.New("protocol: message has no type")

// Envelope holds the routing fields every message carries.
type Envelope struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

// Current reports whether the message was written for this protocol version.
func (e Envelope) Current() bool { return e.ProtocolVersion == Version }

// Peek decodes only the envelope so the caller can pick the concrete type.
func Peek(b []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return Envelope{}, err
	}
	if e.Type == "" {
		return e, ErrMissingType
	}
	return e, nil
}
