package audio

import "time"

// Protocol sample rates. The remote agent consumes 16 kHz mono PCM and
// produces 24 kHz mono PCM.
const (
	// CaptureRate is the rate of every frame sent to the remote agent.
	CaptureRate = 16000

	// PlaybackRate is the rate of every frame received from the remote agent.
	PlaybackRate = 24000
)

// bytesPerSample is the width of one signed 16-bit little-endian sample.
const bytesPerSample = 2

// AudioFrame represents a single frame of audio data flowing through the session.
// Frames are the atomic unit of audio transport: produced by the capture
// pipeline at [CaptureRate], received from the transport at [PlaybackRate].
// A frame is consumed exactly once and must not be mutated after it has been
// handed off.
type AudioFrame struct {
	// Data is signed 16-bit little-endian PCM.
	Data []byte

	// SampleRate in Hz (16000 outbound, 24000 inbound).
	SampleRate int

	// Channels is always 1; the protocol is mono in both directions.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Samples returns the number of samples per channel in the frame.
func (f AudioFrame) Samples() int {
	ch := f.Channels
	if ch <= 0 {
		ch = 1
	}
	return len(f.Data) / (bytesPerSample * ch)
}

// Duration returns the playback duration of the frame. A frame with an
// unknown sample rate has zero duration.
func (f AudioFrame) Duration() time.Duration {
	return SamplesDuration(f.Samples(), f.SampleRate)
}

// Empty reports whether the frame carries no complete sample.
func (f AudioFrame) Empty() bool {
	return f.Samples() == 0
}

// SamplesDuration converts a sample count at rate into a duration.
func SamplesDuration(n, rate int) time.Duration {
	if rate <= 0 || n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(rate)
}
