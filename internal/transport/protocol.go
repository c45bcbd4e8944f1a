package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ControlType is the "type" field of a text control message.
type ControlType string

// Control message types sent by the remote agent.
const (
	// ControlConnected signals that the agent is ready for audio.
	ControlConnected ControlType = "connected"

	// ControlTurnComplete marks the end of an agent turn.
	ControlTurnComplete ControlType = "turn_complete"

	// ControlTranscript carries the transcript of a turn in Text.
	ControlTranscript ControlType = "transcript"

	// ControlSessionEnded is a graceful server-side session boundary. The
	// client may reconnect and continue the conversation.
	ControlSessionEnded ControlType = "session_ended"

	// ControlSessionComplete means the agent ended the conversation.
	// Message may hold a closing remark.
	ControlSessionComplete ControlType = "session_complete"

	// ControlError is a fatal error reported by the agent in Message.
	ControlError ControlType = "error"
)

// IsValid reports whether t is a known control message type.
func (t ControlType) IsValid() bool {
	switch t {
	case ControlConnected, ControlTurnComplete, ControlTranscript,
		ControlSessionEnded, ControlSessionComplete, ControlError:
		return true
	}
	return false
}

// ControlMessage is a decoded text frame from the remote agent.
type ControlMessage struct {
	Type    ControlType `json:"type"`
	Text    string      `json:"text,omitempty"`
	Message string      `json:"message,omitempty"`
}

// ErrMalformedControl is wrapped by [ParseControl] for frames that are not a
// valid control message. Such frames are logged and ignored.
var ErrMalformedControl = errors.New("transport: malformed control message")

// ParseControl decodes a text frame. It fails for invalid JSON, a missing
// type and unknown types.
func ParseControl(data []byte) (ControlMessage, error) {
	var msg ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ControlMessage{}, fmt.Errorf("%w: %w", ErrMalformedControl, err)
	}
	if msg.Type == "" {
		return ControlMessage{}, fmt.Errorf("%w: missing type", ErrMalformedControl)
	}
	if !msg.Type.IsValid() {
		return ControlMessage{}, fmt.Errorf("%w: unknown type %q", ErrMalformedControl, msg.Type)
	}
	return msg, nil
}

// ErrEmptyBrand is returned by [Endpoint] when no brand id is given.
var ErrEmptyBrand = errors.New("transport: endpoint: brand id is empty")

// Endpoint builds the voice-coaching websocket URL for brandID below base.
// http and https bases are mapped to ws and wss. A non-empty conversation
// context is appended as the "context" query parameter.
func Endpoint(base, brandID, conversation string) (string, error) {
	if strings.TrimSpace(brandID) == "" {
		return "", ErrEmptyBrand
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("transport: endpoint: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("transport: endpoint: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("transport: endpoint: missing host in %q", base)
	}
	u = u.JoinPath("api", "brands", url.PathEscape(brandID), "voice-coaching")
	q := u.Query()
	if conversation != "" {
		q.Set("context", conversation)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
