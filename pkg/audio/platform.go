// Package audio defines the sample formats, conversions and device interfaces
// used by the voice session engine.
//
// The device abstractions are:
//
//   - [Microphone]: acquires the capture device and returns an [InputStream].
//   - [InputStream]: an acquired device delivering native-rate blocks to a
//     registered callback until it is stopped or closed.
//   - [Speaker]: opens an [OutputStream] at a fixed sample rate.
//   - [OutputStream]: plays sample buffers at explicit positions on its own
//     device clock.
//
// Implementations live in adapter packages (e.g., audio/ffmpeg) and in
// audio/mock for tests. The interfaces are intentionally narrow so the session
// engine stays decoupled from how audio reaches the hardware.
//
// This package lives under pkg/ because external code (other device back-ends)
// is expected to implement these interfaces.
package audio

import (
	"context"
	"errors"
	"time"
)

// Device acquisition failures. Implementations wrap one of these so callers
// can tell a user-actionable permission problem from a broken device.
var (
	// ErrPermissionDenied means the user or the OS refused access to the device.
	ErrPermissionDenied = errors.New("audio: permission denied")

	// ErrDeviceUnavailable means the device is missing, busy or failed to start.
	ErrDeviceUnavailable = errors.New("audio: device unavailable")
)

// InputStream is an acquired capture device.
//
// The device stays acquired (and any OS "microphone in use" indicator stays
// on) until [InputStream.Close] is called. Start and Stop only attach and
// detach the processing callback, which lets a session keep the device
// across reconnects without prompting the user again.
//
// Implementations must be safe for concurrent use.
type InputStream interface {
	// SampleRate returns the native rate of the blocks passed to the callback.
	SampleRate() int

	// Start registers fn as the block callback. fn receives mono samples
	// normalised to [-1, 1] on a device goroutine; the slice is only valid for
	// the duration of the call. Calling Start on a started stream replaces the
	// callback.
	Start(fn func(block []float32)) error

	// Stop detaches the callback. Once Stop returns, the callback is never
	// invoked again. Stop is idempotent.
	Stop()

	// Close stops the stream and releases the device. It is safe to call
	// Close more than once; subsequent calls are no-ops and return nil.
	Close() error
}

// Microphone is the entry point for a capture back-end.
//
// Implementations must be safe for concurrent use.
type Microphone interface {
	// Acquire opens the capture device. ctx governs the acquisition only
	// (for example a pending permission prompt); once acquired, the stream
	// remains open until [InputStream.Close] is called.
	//
	// Errors wrap [ErrPermissionDenied] or [ErrDeviceUnavailable].
	Acquire(ctx context.Context) (InputStream, error)
}

// OutputStream is an open playback device with its own clock.
//
// Implementations must be safe for concurrent use.
type OutputStream interface {
	// SampleRate returns the rate expected by Play.
	SampleRate() int

	// Now returns the device clock: the playback position elapsed since the
	// stream was opened.
	Now() time.Duration

	// Play schedules samples to start at position at on the device clock.
	// It never blocks. It returns false when the buffer was dropped because
	// the device queue is full or the stream is closed.
	Play(at time.Duration, samples []float32) bool

	// Close stops playback immediately and releases the device. It is safe
	// to call Close more than once.
	Close() error
}

// Speaker is the entry point for a playback back-end.
//
// Implementations must be safe for concurrent use.
type Speaker interface {
	// Open starts an [OutputStream] fed at sampleRate. Errors wrap
	// [ErrDeviceUnavailable].
	Open(ctx context.Context, sampleRate int) (OutputStream, error)
}
