package session

import (
	"strings"
	"sync"
	"time"
)

// DefaultHistorySize is the number of transcripts kept for reconnects.
const DefaultHistorySize = 10

// Entry is one recorded transcript.
type Entry struct {
	Text string
	At   time.Time
}

// History is a bounded, ordered log of turn transcripts. On reconnect the
// retained entries are serialised by [History.Context] and passed to the
// remote agent so the conversation continues where it stopped.
//
// All methods are safe for concurrent use.
type History struct {
	size int

	mu      sync.Mutex
	entries []Entry
}

// NewHistory creates a [History] keeping the last size entries. A
// non-positive size uses [DefaultHistorySize].
func NewHistory(size int) *History {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &History{size: size, entries: make([]Entry, 0, size)}
}

// Append records text, evicting the oldest entry once full. Blank text is
// ignored; the return value reports whether text was recorded.
func (h *History) Append(text string, at time.Time) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.entries) == h.size {
		copy(h.entries, h.entries[1:])
		h.entries = h.entries[:h.size-1]
	}
	h.entries = append(h.entries, Entry{Text: text, At: at})
	return true
}

// Recent returns a copy of the retained entries, oldest first.
func (h *History) Recent() []Entry {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Entry, len(h.entries))
	copy(out, h.entries)
	return out
}

// Context joins the retained transcripts with newlines.
func (h *History) Context() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var b strings.Builder
	for i, e := range h.entries {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(e.Text)
	}
	return b.String()
}

// Len returns the number of retained entries.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

// Clear drops every entry.
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = h.entries[:0]
}
