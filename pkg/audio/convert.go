package audio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
)

// FloatToInt16 converts a normalised sample to signed 16 bits. The input is
// clamped to [-1, 1] first; negative values scale by 32768 and positive
// values by 32767 so both ends of the range are reachable.
func FloatToInt16(s float32) int16 {
	switch {
	case s > 1:
		s = 1
	case s < -1:
		s = -1
	}
	if s < 0 {
		return int16(s * 32768)
	}
	return int16(s * 32767)
}

// Int16ToFloat converts a signed 16-bit sample to a float in [-1, 1).
func Int16ToFloat(s int16) float32 {
	return float32(s) / 32768
}

// EncodePCM16 converts normalised float samples into little-endian s16 PCM.
func EncodePCM16(samples []float32) []byte {
	buf := make([]byte, len(samples)*bytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*bytesPerSample:], uint16(FloatToInt16(s)))
	}
	return buf
}

// DecodePCM16 converts little-endian s16 PCM into normalised float samples.
// A trailing odd byte is ignored.
func DecodePCM16(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/bytesPerSample)
	for i := range out {
		out[i] = Int16ToFloat(int16(binary.LittleEndian.Uint16(pcm[i*bytesPerSample:])))
	}
	return out
}

// FrameValidator checks inbound frames before they reach the playback path.
// It logs a warning the first time each kind of defect is seen so a
// misbehaving peer cannot flood the log. Create one per connection.
type FrameValidator struct {
	// Rate is the sample rate every frame must carry.
	Rate int

	warnedRate sync.Once
	warnedOdd  sync.Once
}

// Validate returns frame with its data truncated to whole samples, or an
// error if the frame cannot be played at the expected rate.
func (v *FrameValidator) Validate(frame AudioFrame) (AudioFrame, error) {
	if frame.SampleRate != v.Rate {
		v.warnedRate.Do(func() {
			slog.Warn("audio: frame sample rate mismatch, dropping",
				"got", frame.SampleRate,
				"want", v.Rate,
			)
		})
		return AudioFrame{}, fmt.Errorf("audio: frame rate %d Hz, want %d Hz", frame.SampleRate, v.Rate)
	}
	if len(frame.Data)%bytesPerSample != 0 {
		v.warnedOdd.Do(func() {
			slog.Warn("audio: odd byte count in PCM data, truncating",
				"bytes", len(frame.Data),
			)
		})
		frame.Data = frame.Data[:len(frame.Data)-len(frame.Data)%bytesPerSample]
	}
	return frame, nil
}
