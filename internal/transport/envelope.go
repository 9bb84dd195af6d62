// Package transport multiplexes browser connections over websockets. The
// host side accepts many page connections, assigns each a client id once it
// announces itself, and relays opaque protocol payloads between the pages
// and a single event stream. The remote side is the page's end of the same
// protocol.
package transport

import (
	"bytes"
	"encoding/json"

	liveerrors "github.com/conneroisu/livepreview/internal/errors"
)

// Envelope types. Values are part of the wire format and must not change.
const (
	TypeConnect       = "connect"
	TypeMessage       = "message"
	TypeFetchCodeText = "fetch-code-text-message"
)

// Envelope is the outer JSON object of every frame a page sends.
type Envelope struct {
	Type string `json:"type"`
	// URL is set on connect frames only.
	URL string `json:"url,omitempty"`
	// Message is the opaque inner payload of message frames.
	Message string `json:"message,omitempty"`
}

// Encode serializes the envelope.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope parses one frame. An inner message that was sent as a JSON
// value instead of a string is kept as its raw JSON text.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var raw struct {
		Type    string          `json:"type"`
		URL     string          `json:"url"`
		Message json.RawMessage `json:"message"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Envelope{}, liveerrors.ErrMalformedFrame(err)
	}

	env := Envelope{Type: raw.Type, URL: raw.URL}
	msg := bytes.TrimSpace(raw.Message)
	switch {
	case len(msg) == 0 || bytes.Equal(msg, []byte("null")):
	case msg[0] == '"':
		if err := json.Unmarshal(msg, &env.Message); err != nil {
			return Envelope{}, liveerrors.ErrMalformedFrame(err)
		}
	default:
		env.Message = string(msg)
	}
	return env, nil
}
