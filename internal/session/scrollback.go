package session

import (
	"sync"
)

// DefaultHistoryLines is the default scrollback capacity in lines.
const DefaultHistoryLines = 10000

// maxPendingBytes bounds the held trailing fragment for output that never
// produces a newline (e.g. a progress bar redrawing in place). Once
// exceeded, the fragment is promoted to a line so eviction can reclaim it.
const maxPendingBytes = 256 * 1024

// Scrollback is a bounded, per-session ring of output lines used to
// replay history to late-attaching viewers. It starts accepting writes
// the moment the session's attacher is wired up, independent of whether
// anyone is watching.
//
// Chunks are split at newline bytes. A trailing fragment without a
// newline is held and prepended to the next chunk, so a multi-byte
// character or an in-progress escape sequence is never split across an
// append boundary (neither can contain a 0x0A byte). Eviction is strict
// FIFO on whole lines once the capacity is exceeded.
type Scrollback struct {
	mu       sync.Mutex
	lines    [][]byte
	pending  []byte
	maxLines int
}

// NewScrollback creates a scrollback buffer holding up to maxLines lines.
// If maxLines <= 0, DefaultHistoryLines is used.
func NewScrollback(maxLines int) *Scrollback {
	if maxLines <= 0 {
		maxLines = DefaultHistoryLines
	}
	return &Scrollback{maxLines: maxLines}
}

// Append splits chunk into lines and stores them, evicting the oldest
// lines beyond capacity.
func (s *Scrollback) Append(chunk []byte) {
	if len(chunk) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data := chunk
	if len(s.pending) > 0 {
		data = append(s.pending, chunk...)
		s.pending = nil
	}

	start := 0
	for i, b := range data {
		if b == '\n' {
			line := make([]byte, i-start+1)
			copy(line, data[start:i+1])
			s.lines = append(s.lines, line)
			start = i + 1
		}
	}
	if start < len(data) {
		s.pending = append([]byte(nil), data[start:]...)
		// A pathological newline-less stream must not grow unbounded.
		if len(s.pending) > maxPendingBytes {
			s.lines = append(s.lines, s.pending)
			s.pending = nil
		}
	}

	if excess := len(s.lines) - s.maxLines; excess > 0 {
		s.lines = append([][]byte(nil), s.lines[excess:]...)
	}
}

// Snapshot returns a copy of the buffered content in order, including the
// held trailing fragment. Safe to call concurrently with Append; the
// result reflects exactly the appends that completed before the call.
func (s *Scrollback) Snapshot() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := len(s.pending)
	for _, line := range s.lines {
		total += len(line)
	}
	result := make([]byte, 0, total)
	for _, line := range s.lines {
		result = append(result, line...)
	}
	result = append(result, s.pending...)
	return result
}

// LineCount returns the number of completed lines currently buffered.
func (s *Scrollback) LineCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.lines)
}
