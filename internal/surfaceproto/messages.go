// Package surfaceproto defines the messages exchanged with the browsing
// surface host. Messages flow over a WebSocket connection as JSON envelopes.
package surfaceproto

import (
	"encoding/json"
	"fmt"
)

// Envelope wraps all messages with a type discriminator.
// When marshaling, Payload can be any message struct.
// When unmarshaling, use EnvelopeRaw for type-based dispatch.
type Envelope struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// EnvelopeRaw is used for receiving messages where the payload
// needs to be unmarshaled based on the message type.
type EnvelopeRaw struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MarshalEnvelope creates an envelope with the given type and payload
func MarshalEnvelope(msgType string, payload interface{}) ([]byte, error) {
	return json.Marshal(Envelope{Type: msgType, Payload: payload})
}

// Decode unmarshals an envelope's payload into a message of type T
func Decode[T any](env EnvelopeRaw) (T, error) {
	var msg T
	if len(env.Payload) == 0 {
		return msg, fmt.Errorf("%s message without payload", env.Type)
	}
	if err := json.Unmarshal(env.Payload, &msg); err != nil {
		return msg, fmt.Errorf("invalid %s message: %w", env.Type, err)
	}
	return msg, nil
}

// Host -> engine messages

// HelloMessage sent when the host first connects
type HelloMessage struct {
	HostID string `json:"host_id"`
	// Slots is how many surfaces the host can show at once (0 = unlimited)
	Slots int `json:"slots"`
}

// NavigatedMessage sent when a surface finished loading a page
type NavigatedMessage struct {
	RunID string `json:"run_id"`
	URL   string `json:"url"`
}

// RequestMessage sent for every outgoing request a surface makes
type RequestMessage struct {
	RunID   string            `json:"run_id,omitempty"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
}

// SignedInMessage sent when the user reports having signed in
type SignedInMessage struct {
	RunID string `json:"run_id"`
}

// DownloadCompleteMessage sent when a download started by a surface finished
type DownloadCompleteMessage struct {
	RunID string `json:"run_id"`
	Path  string `json:"path"`
}

// Engine -> host messages

// OpenMessage asks the host to create a surface for a run
type OpenMessage struct {
	RunID string `json:"run_id"`
	URL   string `json:"url,omitempty"`
}

// LoadMessage asks the host to navigate a run's surface
type LoadMessage struct {
	RunID string `json:"run_id"`
	URL   string `json:"url"`
}

// CloseMessage asks the host to release a run's surface
type CloseMessage struct {
	RunID string `json:"run_id"`
}

// ForegroundMessage asks the host to show a run's surface to the user
type ForegroundMessage struct {
	RunID string `json:"run_id"`
}

// Message type constants
const (
	TypeHello            = "hello"
	TypeNavigated        = "navigated"
	TypeRequest          = "request"
	TypeSignedIn         = "signed_in"
	TypeDownloadComplete = "download_complete"
	TypeOpen             = "open"
	TypeLoad             = "load"
	TypeClose            = "close"
	TypeForeground       = "foreground"
	TypeError            = "error"
)

// ErrorMessage reports a message the receiver could not act on
type ErrorMessage struct {
	RunID   string `json:"run_id,omitempty"`
	Message string `json:"message"`
}
