package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/MrWong99/voicecoach/internal/session"
)

// console prints session progress for a person at the terminal. Only
// changes are printed: status, speaking, messages and new transcripts.
type console struct {
	mu   sync.Mutex
	w    io.Writer
	last session.Snapshot
	seen bool
}

func newConsole(w io.Writer) *console {
	return &console{w: w}
}

// Observe implements [session.Observer].
func (c *console) Observe(s session.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.last
	first := !c.seen
	c.last, c.seen = s, true

	if first || s.Status != prev.Status {
		fmt.Fprintf(c.w, "[%s]\n", s.Status)
	}
	if s.Message != "" && (first || s.Message != prev.Message) {
		fmt.Fprintf(c.w, "  %s\n", s.Message)
	}
	if s.Transcript != "" && (first || s.Transcript != prev.Transcript) {
		fmt.Fprintf(c.w, "  coach: %s\n", s.Transcript)
	}
	if s.Speaking != prev.Speaking {
		if s.Speaking {
			fmt.Fprintln(c.w, "  (coach speaking)")
		} else {
			fmt.Fprintln(c.w, "  (your turn)")
		}
	}
}
