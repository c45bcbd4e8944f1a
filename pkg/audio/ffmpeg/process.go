// Package ffmpeg implements [audio.Microphone] and [audio.Speaker] on top of
// the ffmpeg and ffplay command-line tools.
//
// Audio crosses the process boundary as raw little-endian s16 mono PCM:
// ffmpeg writes captured samples to its stdout and ffplay reads playback
// samples from its stdin. Neither tool needs cgo bindings, which keeps the
// binary portable across Linux, macOS and Windows as long as the tools are on
// PATH.
package ffmpeg

import (
	"bytes"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/MrWong99/voicecoach/pkg/audio"
)

// commandFunc builds the child process. Tests replace it with a helper
// process.
type commandFunc func(name string, args ...string) *exec.Cmd

// handle controls a running child process.
type handle interface {
	// Kill terminates the process. It is safe to call more than once.
	Kill()

	// Wait reaps the process once its pipes are drained.
	Wait() error
}

// process is the [handle] of an [exec.Cmd].
type process struct {
	cmd      *exec.Cmd
	killOnce sync.Once
	waitOnce sync.Once
	waitErr  error
}

func (p *process) Kill() {
	p.killOnce.Do(func() {
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
	})
}

func (p *process) Wait() error {
	p.waitOnce.Do(func() { p.waitErr = p.cmd.Wait() })
	return p.waitErr
}

// tailBuffer keeps the last max bytes written to it. It collects the child's
// stderr for error classification.
type tailBuffer struct {
	max int

	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Write(p)
	if over := b.buf.Len() - b.max; over > 0 {
		b.buf.Next(over)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// permissionHints are stderr fragments printed by the various capture
// back-ends when the OS refuses microphone access.
var permissionHints = []string{
	"permission denied",
	"not authorized",
	"access denied",
	"operation not permitted",
}

// classifyExit maps the stderr of a child that exited before producing audio
// to a device sentinel error.
func classifyExit(tool, stderr string) error {
	line := lastLine(stderr)
	lower := strings.ToLower(stderr)
	for _, hint := range permissionHints {
		if strings.Contains(lower, hint) {
			return fmt.Errorf("%s: %w: %s", tool, audio.ErrPermissionDenied, line)
		}
	}
	if line == "" {
		return fmt.Errorf("%s: %w: process exited", tool, audio.ErrDeviceUnavailable)
	}
	return fmt.Errorf("%s: %w: %s", tool, audio.ErrDeviceUnavailable, line)
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(s)
}

// lookPath resolves the tool binary unless a custom command is installed.
func lookPath(cmd commandFunc, tool, path string) error {
	if cmd != nil {
		return nil
	}
	if _, err := exec.LookPath(path); err != nil {
		return fmt.Errorf("%s: %w: %w", tool, audio.ErrDeviceUnavailable, err)
	}
	return nil
}

var errClosed = errors.New("ffmpeg: stream closed")
