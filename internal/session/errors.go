package session

import (
	"errors"
	"fmt"

	"github.com/MrWong99/voicecoach/internal/transport"
	"github.com/MrWong99/voicecoach/pkg/audio"
)

var (
	// ErrReconnectExhausted marks the end of a conversation whose graceful
	// session boundaries recurred more often than the [ReconnectPolicy]
	// allows. It is informational: the session ends in Idle, not Error.
	ErrReconnectExhausted = errors.New("session: reconnect limit reached")

	// ErrStopped is returned by [Session.Start] when [Session.Stop]
	// interrupted the connection attempt.
	ErrStopped = errors.New("session: stopped")
)

// PermissionError means the user or OS refused microphone access. It is
// reported before any connection attempt.
type PermissionError struct {
	Err error
}

func (e *PermissionError) Error() string {
	return "session: microphone permission denied: " + e.Err.Error()
}
func (e *PermissionError) Unwrap() error { return e.Err }

// DeviceError means an audio device could not be acquired or started.
type DeviceError struct {
	// Device is "microphone" or "speaker".
	Device string
	Err    error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("session: %s: %v", e.Device, e.Err)
}
func (e *DeviceError) Unwrap() error { return e.Err }

// ConnectionError means the transport failed to open or closed abruptly.
type ConnectionError struct {
	// Op is "dial" or "read".
	Op string

	// Code is the websocket close status for Op "read", or -1.
	Code int

	Err error
}

func (e *ConnectionError) Error() string {
	if e.Op == "read" {
		return fmt.Sprintf("session: connection lost (code %d): %v", e.Code, e.Err)
	}
	return fmt.Sprintf("session: %s: %v", e.Op, e.Err)
}
func (e *ConnectionError) Unwrap() error { return e.Err }

// ConfigError means the agent endpoint could not be built from the brand id
// and base URL. It is reported before any device is acquired.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string { return "session: endpoint: " + e.Err.Error() }
func (e *ConfigError) Unwrap() error { return e.Err }

// ProtocolError is an explicit error control message from the remote agent.
// Malformed control messages are dropped by the transport and never surface.
type ProtocolError struct {
	Message string
}

func (e *ProtocolError) Error() string { return "session: remote error: " + e.Message }

// classifyMicError turns an acquisition failure into a typed error.
func classifyMicError(err error) error {
	if errors.Is(err, audio.ErrPermissionDenied) {
		return &PermissionError{Err: err}
	}
	return &DeviceError{Device: "microphone", Err: err}
}

// errorKind returns the metric label for a terminal error.
func errorKind(err error) string {
	var (
		pe *PermissionError
		de *DeviceError
		ce *ConnectionError
		re *ProtocolError
		fe *ConfigError
	)
	switch {
	case errors.As(err, &fe):
		return "config"
	case errors.As(err, &pe):
		return "permission"
	case errors.As(err, &de):
		return "device"
	case errors.As(err, &ce):
		return "connection"
	case errors.As(err, &re):
		return "protocol"
	default:
		return "unknown"
	}
}

// userMessage is the single human-readable line shown for a terminal error.
func userMessage(err error) string {
	var (
		pe *PermissionError
		de *DeviceError
		ce *ConnectionError
		re *ProtocolError
		fe *ConfigError
	)
	switch {
	case errors.As(err, &fe):
		if errors.Is(fe, transport.ErrEmptyBrand) {
			return "No brand selected. Choose a brand and try again."
		}
		return "Invalid agent address. Check endpoint.base_url in the configuration."
	case errors.As(err, &pe):
		return "Microphone permission denied. Please allow microphone access and try again."
	case errors.As(err, &de):
		if de.Device == "speaker" {
			return "Speaker error: " + de.Err.Error()
		}
		return "Microphone error: " + de.Err.Error()
	case errors.As(err, &ce):
		if ce.Op == "read" {
			return "Connection lost. Start a new session to continue."
		}
		return "Connection failed. Check that the backend is running."
	case errors.As(err, &re):
		if re.Message != "" {
			return re.Message
		}
		return "Voice session error"
	default:
		return err.Error()
	}
}
