package ffmpeg

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	resampling "github.com/tphakala/go-audio-resampling"

	"github.com/MrWong99/voicecoach/pkg/audio"
)

// DefaultQueue is the number of buffers an output stream holds before Play
// starts refusing.
const DefaultQueue = 64

// Speaker plays audio through an ffplay child process.
type Speaker struct {
	// Path is the ffplay binary. Default: "ffplay".
	Path string

	// DeviceRate is the rate fed to ffplay. When it differs from the rate
	// passed to Open, buffers are converted with a windowed-sinc resampler.
	// Zero uses the Open rate unchanged.
	DeviceRate int

	// Queue bounds the buffers waiting to be written. Default: [DefaultQueue].
	Queue int

	// Volume is ffplay's startup volume, 0 to 100. Default: 100.
	Volume int

	command commandFunc
}

// Open implements [audio.Speaker].
func (s *Speaker) Open(ctx context.Context, sampleRate int) (audio.OutputStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("ffplay: %w: invalid sample rate %d", audio.ErrDeviceUnavailable, sampleRate)
	}
	path := s.Path
	if path == "" {
		path = "ffplay"
	}
	deviceRate := s.DeviceRate
	if deviceRate <= 0 {
		deviceRate = sampleRate
	}
	volume := s.Volume
	if volume <= 0 || volume > 100 {
		volume = 100
	}
	if err := lookPath(s.command, "ffplay", path); err != nil {
		return nil, err
	}
	newCmd := s.command
	if newCmd == nil {
		newCmd = exec.Command
	}

	cmd := newCmd(path, playArgs(deviceRate, volume)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("ffplay: stdin: %w", err)
	}
	cmd.Stdout = io.Discard
	cmd.Stderr = &tailBuffer{max: stderrTail}
	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("ffplay: start: %w: %w", audio.ErrDeviceUnavailable, err)
	}

	proc := &process{cmd: cmd}
	out, err := newOutputStream(stdin, sampleRate, deviceRate, s.Queue, proc, time.Now)
	if err != nil {
		_ = stdin.Close()
		proc.Kill()
		_ = proc.Wait()
		return nil, err
	}
	slog.Debug("ffplay: speaker opened", "rate", sampleRate, "device_rate", deviceRate, "pid", cmd.Process.Pid)
	return out, nil
}

func playArgs(rate, volume int) []string {
	return []string{
		"-hide_banner", "-loglevel", "error", "-nostats", "-nodisp",
		"-autoexit",
		"-volume", strconv.Itoa(volume),
		"-fflags", "nobuffer", "-flags", "low_delay",
		"-f", "s16le", "-ch_layout", "mono", "-ar", strconv.Itoa(rate),
		"-i", "-",
	}
}

// chunk is one scheduled buffer.
type chunk struct {
	at      time.Duration
	samples []float32
}

// outputStream writes scheduled buffers to w in timeline order, padding gaps
// with silence. Its clock is the wall time since it was opened; the written
// position never lags the clock, since a starved device does not keep
// playing.
type outputStream struct {
	rate       int
	deviceRate int
	w          io.WriteCloser
	proc       handle
	rs         resampling.Resampler
	queue      chan chunk
	start      time.Time
	now        func() time.Time

	closed    atomic.Bool
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	// pos is the timeline position written so far. Owned by writeLoop.
	pos time.Duration
}

func newOutputStream(w io.WriteCloser, rate, deviceRate, queue int, proc handle, now func() time.Time) (*outputStream, error) {
	if queue <= 0 {
		queue = DefaultQueue
	}
	o := &outputStream{
		rate:       rate,
		deviceRate: deviceRate,
		w:          w,
		proc:       proc,
		queue:      make(chan chunk, queue),
		now:        now,
		start:      now(),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	if deviceRate != rate {
		rs, err := resampling.New(&resampling.Config{
			InputRate:  float64(rate),
			OutputRate: float64(deviceRate),
			Channels:   1,
			Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
		})
		if err != nil {
			return nil, fmt.Errorf("ffplay: resampler: %w", err)
		}
		o.rs = rs
	}
	go o.writeLoop()
	return o, nil
}

// SampleRate implements [audio.OutputStream].
func (o *outputStream) SampleRate() int { return o.rate }

// Now implements [audio.OutputStream].
func (o *outputStream) Now() time.Duration { return o.now().Sub(o.start) }

// Play implements [audio.OutputStream]. Drop policy: drop-newest.
func (o *outputStream) Play(at time.Duration, samples []float32) bool {
	if o.closed.Load() || len(samples) == 0 {
		return false
	}
	select {
	case o.queue <- chunk{at: at, samples: slices.Clone(samples)}:
		return true
	default:
		return false
	}
}

// Close implements [audio.OutputStream].
func (o *outputStream) Close() error {
	o.closeOnce.Do(func() {
		o.closed.Store(true)
		close(o.stop)
		if o.proc != nil {
			o.proc.Kill()
		}
		_ = o.w.Close()
		<-o.done
		if o.proc != nil {
			_ = o.proc.Wait()
		}
	})
	return nil
}

func (o *outputStream) writeLoop() {
	defer close(o.done)
	for {
		select {
		case <-o.stop:
			return
		case c := <-o.queue:
			if err := o.write(c); err != nil {
				if !o.closed.Load() {
					slog.Warn("ffplay: write failed", "err", err)
				}
				o.closed.Store(true)
				return
			}
		}
	}
}

func (o *outputStream) write(c chunk) error {
	if now := o.Now(); o.pos < now {
		o.pos = now
	}
	if gap := c.at - o.pos; gap > 0 {
		n := int(int64(gap) * int64(o.rate) / int64(time.Second))
		if err := o.emit(make([]float32, n)); err != nil {
			return err
		}
		o.pos = c.at
	}
	if err := o.emit(c.samples); err != nil {
		return err
	}
	o.pos += audio.SamplesDuration(len(c.samples), o.rate)
	return nil
}

// emit converts samples to the device rate and writes them.
func (o *outputStream) emit(samples []float32) error {
	if len(samples) == 0 {
		return nil
	}
	if o.rs != nil {
		in := make([]float64, len(samples))
		for i, s := range samples {
			in[i] = float64(s)
		}
		res, err := o.rs.Process(in)
		if err != nil {
			return fmt.Errorf("resample: %w", err)
		}
		samples = make([]float32, len(res))
		for i, s := range res {
			samples[i] = float32(s)
		}
		if len(samples) == 0 {
			return nil
		}
	}
	_, err := o.w.Write(audio.EncodePCM16(samples))
	return err
}

var _ audio.OutputStream = (*outputStream)(nil)
var _ audio.Speaker = (*Speaker)(nil)
