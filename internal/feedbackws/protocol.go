// ABOUTME: Wire messages of the presentation feedback protocol
// ABOUTME: JSON envelopes exchanged between a client surface and a compositor daemon
package feedbackws

import (
	"encoding/json"
	"fmt"

	"github.com/Flipstamp/flipstamp-go/pkg/backend/feedback"
)

// ProtocolVersion is bumped on incompatible message changes.
const ProtocolVersion = 1

// Message types
const (
	TypeClientHello = "client/hello"
	TypeServerHello = "server/hello"
	TypeServerError = "server/error"
	TypeCommit      = "surface/commit"
	TypeFeedback    = "presentation/feedback"
)

// Message is the top-level wrapper for all protocol messages
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ClientHello opens a surface session.
type ClientHello struct {
	ClientID string `json:"client_id"`
	Name     string `json:"name"`
	Version  int    `json:"version"`
}

// ServerHello answers ClientHello.
type ServerHello struct {
	ServerID    string `json:"server_id"`
	Name        string `json:"name"`
	Version     int    `json:"version"`
	ClockID     int    `json:"clock_id"`
	RefreshNsec uint32 `json:"refresh_nsec"`
}

// Commit hands a frame to the compositor. Feedback is requested for Seq
// when WantFeedback is set.
type Commit struct {
	Seq          uint64 `json:"seq"`
	WantFeedback bool   `json:"want_feedback"`
}

// ServerError reports a rejected session.
type ServerError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Feedback is the payload of TypeFeedback.
type Feedback = feedback.Message

func encode(msgType string, payload interface{}) (Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s: %w", msgType, err)
	}
	return Message{Type: msgType, Payload: data}, nil
}

func decode(msg Message, want string, v interface{}) error {
	if msg.Type != want {
		return fmt.Errorf("expected %s, got %s", want, msg.Type)
	}
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		return fmt.Errorf("decode %s: %w", want, err)
	}
	return nil
}
