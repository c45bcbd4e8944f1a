// Package transport connects the session engine to the remote voice agent.
//
// A connection carries raw PCM in binary frames in both directions (16 kHz
// outbound, 24 kHz inbound) and JSON [ControlMessage]s in text frames from the
// agent. Session identity and conversation context travel in the URL built
// by [Endpoint]; the client never sends text frames.
//
// [Client] is the websocket implementation of [Dialer]. transport/mock
// provides an in-memory one for tests.
package transport

import (
	"context"

	"github.com/MrWong99/voicecoach/pkg/audio"
)

// CloseInfo describes how a connection ended.
type CloseInfo struct {
	// Code is the websocket close status, or -1 when none was received.
	Code int

	// Reason is the close reason sent by the peer, if any.
	Reason string

	// Clean is true for a normal closure (1000 or 1001) and for every
	// locally initiated close.
	Clean bool

	// Local is true when the close was initiated by [Conn.Close].
	Local bool

	// Err is the read error that ended the connection, if any.
	Err error
}

// Handler receives events from one connection. Calls are made sequentially
// from a single goroutine in arrival order. Handlers must not block.
type Handler interface {
	// HandleAudio receives an inbound audio frame.
	HandleAudio(frame audio.AudioFrame)

	// HandleControl receives a valid control message. Malformed or unknown
	// messages never reach the handler.
	HandleControl(msg ControlMessage)

	// HandleClose is called exactly once, after the last HandleAudio or
	// HandleControl call.
	HandleClose(info CloseInfo)
}

// Conn is an open connection to the remote agent.
//
// Implementations must be safe for concurrent use.
type Conn interface {
	// ID identifies the connection in logs and in the X-Session-Id header.
	ID() string

	// SendAudio queues frame for transmission and never blocks. It returns
	// false when the frame was dropped because the send queue is full or the
	// connection is no longer open.
	SendAudio(frame audio.AudioFrame) bool

	// Close initiates a normal closure. It is idempotent.
	Close() error
}

// Dialer opens connections.
type Dialer interface {
	// Dial connects to url and delivers events to h until the connection
	// closes. ctx governs the dial only.
	Dial(ctx context.Context, url string, h Handler) (Conn, error)
}
