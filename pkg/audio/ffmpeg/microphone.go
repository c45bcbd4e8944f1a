package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/MrWong99/voicecoach/pkg/audio"
)

// Microphone defaults.
const (
	DefaultCaptureRate  = 48000
	DefaultBlock        = 20 * time.Millisecond
	defaultStartTimeout = 5 * time.Second
	stderrTail          = 4096
)

// Microphone captures the system input device with an ffmpeg child process.
// The zero value captures the platform's default device at 48 kHz.
type Microphone struct {
	// Path is the ffmpeg binary. Default: "ffmpeg".
	Path string

	// Format is the ffmpeg input format ("pulse", "alsa", "avfoundation",
	// "dshow"). Empty selects the platform default.
	Format string

	// Device is the input device. Empty selects the platform default.
	Device string

	// SampleRate is the native rate of the delivered blocks.
	// Default: [DefaultCaptureRate].
	SampleRate int

	// Block is the duration of one callback block. Default: [DefaultBlock].
	Block time.Duration

	// StartTimeout bounds the wait for the first block. Default: 5s.
	StartTimeout time.Duration

	command commandFunc
}

// Acquire implements [audio.Microphone]. It starts ffmpeg and returns once the
// first block of audio has been read, so a refused permission prompt or a
// missing device is reported here rather than later.
func (m *Microphone) Acquire(ctx context.Context) (audio.InputStream, error) {
	rate := m.SampleRate
	if rate <= 0 {
		rate = DefaultCaptureRate
	}
	block := m.Block
	if block <= 0 {
		block = DefaultBlock
	}
	timeout := m.StartTimeout
	if timeout <= 0 {
		timeout = defaultStartTimeout
	}
	path := m.Path
	if path == "" {
		path = "ffmpeg"
	}

	args, err := captureArgs(runtime.GOOS, m.Format, m.Device, rate)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg: %w: %w", audio.ErrDeviceUnavailable, err)
	}
	if err := lookPath(m.command, "ffmpeg", path); err != nil {
		return nil, err
	}
	newCmd := m.command
	if newCmd == nil {
		newCmd = exec.Command
	}

	cmd := newCmd(path, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg: stdout: %w", err)
	}
	stderr := &tailBuffer{max: stderrTail}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("ffmpeg: start: %w: %w", audio.ErrDeviceUnavailable, err)
	}

	samples := int(int64(rate) * int64(block) / int64(time.Second))
	s := newInputStream(stdout, rate, samples, &process{cmd: cmd})

	select {
	case <-s.ready:
		slog.Debug("ffmpeg: microphone acquired", "rate", rate, "block", block, "pid", cmd.Process.Pid)
		return s, nil
	case <-s.done:
		_ = s.Close()
		return nil, classifyExit("ffmpeg", stderr.String())
	case <-ctx.Done():
		_ = s.Close()
		return nil, ctx.Err()
	case <-time.After(timeout):
		_ = s.Close()
		return nil, fmt.Errorf("ffmpeg: no audio within %v: %w", timeout, audio.ErrDeviceUnavailable)
	}
}

// captureArgs returns the ffmpeg arguments for goos.
func captureArgs(goos, format, device string, rate int) ([]string, error) {
	if format == "" {
		switch goos {
		case "linux":
			format = "pulse"
		case "darwin":
			format = "avfoundation"
		case "windows":
			format = "dshow"
		default:
			return nil, fmt.Errorf("no default capture format for %s", goos)
		}
	}
	if device == "" {
		switch format {
		case "avfoundation":
			device = ":0"
		case "dshow":
			return nil, errors.New("dshow requires an explicit device (audio=<name>)")
		default:
			device = "default"
		}
	}
	return []string{
		"-hide_banner", "-loglevel", "error", "-nostdin",
		"-f", format, "-i", device,
		"-ac", "1", "-ar", strconv.Itoa(rate),
		"-f", "s16le", "-",
	}, nil
}

// inputStream reads fixed-size PCM blocks from r and hands them to the
// registered callback.
type inputStream struct {
	rate  int
	block int
	r     io.Reader
	proc  handle

	// cbMu is held for reading while the callback runs so Stop can wait.
	cbMu sync.RWMutex
	cb   func([]float32)

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}

	closeOnce sync.Once
	closeErr  error
}

func newInputStream(r io.Reader, rate, block int, proc handle) *inputStream {
	if block <= 0 {
		block = rate / 50
	}
	s := &inputStream{
		rate:  rate,
		block: block,
		r:     r,
		proc:  proc,
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}
	go s.readLoop()
	return s
}

// SampleRate implements [audio.InputStream].
func (s *inputStream) SampleRate() int { return s.rate }

// Start implements [audio.InputStream].
func (s *inputStream) Start(fn func(block []float32)) error {
	select {
	case <-s.done:
		return errClosed
	default:
	}
	s.cbMu.Lock()
	s.cb = fn
	s.cbMu.Unlock()
	return nil
}

// Stop implements [audio.InputStream].
func (s *inputStream) Stop() {
	s.cbMu.Lock()
	s.cb = nil
	s.cbMu.Unlock()
}

// Close implements [audio.InputStream].
func (s *inputStream) Close() error {
	s.closeOnce.Do(func() {
		s.Stop()
		s.proc.Kill()
		<-s.done
		if err := s.proc.Wait(); err != nil {
			var exit *exec.ExitError
			if !errors.As(err, &exit) {
				s.closeErr = fmt.Errorf("ffmpeg: wait: %w", err)
			}
		}
	})
	return s.closeErr
}

func (s *inputStream) readLoop() {
	defer close(s.done)
	buf := make([]byte, s.block*2)
	for {
		if _, err := io.ReadFull(s.r, buf); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, os.ErrClosed) {
				slog.Debug("ffmpeg: capture read failed", "err", err)
			}
			return
		}
		s.readyOnce.Do(func() { close(s.ready) })

		samples := audio.DecodePCM16(buf)
		s.cbMu.RLock()
		if s.cb != nil {
			s.cb(samples)
		}
		s.cbMu.RUnlock()
	}
}

var _ audio.InputStream = (*inputStream)(nil)
var _ audio.Microphone = (*Microphone)(nil)
