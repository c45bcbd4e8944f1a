// Package mock provides an in-memory [transport.Dialer] and [transport.Conn]
// for tests.
//
// The test plays the remote agent: it drives a dialled connection through
// [Conn.Audio], [Conn.Control] and [Conn.Drop], and inspects what the client
// sent via [Conn.Sent].
//
//	d := &mock.Dialer{}
//	conn, _ := d.Dial(ctx, url, handler)
//	d.Last().Control(transport.ControlMessage{Type: transport.ControlConnected})
package mock

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/voicecoach/internal/observe"
	"github.com/MrWong99/voicecoach/internal/transport"
	"github.com/MrWong99/voicecoach/pkg/audio"
)

// ─── Conn ─────────────────────────────────────────────────────────────────────

// Conn is a mock implementation of [transport.Conn].
type Conn struct {
	mu      sync.Mutex
	id      string
	url     string
	handler transport.Handler
	sent    []audio.AudioFrame
	closed  bool
	ended   bool

	// Refuse makes SendAudio drop every frame.
	Refuse bool

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// ID implements [transport.Conn].
func (c *Conn) ID() string { return c.id }

// URL returns the URL the connection was dialled with.
func (c *Conn) URL() string { return c.url }

// SendAudio implements [transport.Conn].
func (c *Conn) SendAudio(frame audio.AudioFrame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.ended || c.Refuse {
		return false
	}
	c.sent = append(c.sent, frame)
	return true
}

// Close implements [transport.Conn]. Unlike the websocket client, the mock
// does not report a local close to the handler.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountClose++
	c.closed = true
	return nil
}

// Sent returns a copy of the frames accepted by SendAudio.
func (c *Conn) Sent() []audio.AudioFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.sent)
}

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Audio delivers an inbound audio frame carrying pcm at [audio.PlaybackRate].
func (c *Conn) Audio(pcm []byte) {
	c.handler.HandleAudio(audio.AudioFrame{Data: pcm, SampleRate: audio.PlaybackRate, Channels: 1})
}

// Control delivers an inbound control message.
func (c *Conn) Control(msg transport.ControlMessage) {
	c.handler.HandleControl(msg)
}

// Drop ends the connection from the remote side and reports info to the
// handler. Subsequent calls are no-ops.
func (c *Conn) Drop(info transport.CloseInfo) {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return
	}
	c.ended = true
	c.mu.Unlock()
	c.handler.HandleClose(info)
}

// ─── Dialer ───────────────────────────────────────────────────────────────────

// DialCall records the arguments of a single [Dialer.Dial] invocation.
type DialCall struct {
	URL string

	// TraceID is the trace id active on the dial context, if any.
	TraceID string
}

// Dialer is a mock implementation of [transport.Dialer].
type Dialer struct {
	mu sync.Mutex

	// DialError is returned by Dial.
	DialError error

	// Gate, if non-nil, makes Dial block until Gate is closed or ctx is
	// cancelled.
	Gate chan struct{}

	// DialCalls records all Dial invocations.
	DialCalls []DialCall

	// Conns records every connection returned by Dial.
	Conns []*Conn
}

// Dial implements [transport.Dialer].
func (d *Dialer) Dial(ctx context.Context, url string, h transport.Handler) (transport.Conn, error) {
	d.mu.Lock()
	d.DialCalls = append(d.DialCalls, DialCall{URL: url, TraceID: observe.CorrelationID(ctx)})
	gate := d.Gate
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	if d.DialError != nil {
		err := d.DialError
		d.mu.Unlock()
		return nil, err
	}
	c := &Conn{id: fmt.Sprintf("mock-%d", len(d.Conns)+1), url: url, handler: h}
	d.Conns = append(d.Conns, c)
	d.mu.Unlock()
	return c, nil
}

// Calls returns a copy of DialCalls.
func (d *Dialer) Calls() []DialCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.DialCalls)
}

// Connections returns a copy of Conns.
func (d *Dialer) Connections() []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.Conns)
}

// Last returns the most recently dialled connection, or nil.
func (d *Dialer) Last() *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.Conns) == 0 {
		return nil
	}
	return d.Conns[len(d.Conns)-1]
}

// Compile-time interface assertions.
var (
	_ transport.Conn   = (*Conn)(nil)
	_ transport.Dialer = (*Dialer)(nil)
)
