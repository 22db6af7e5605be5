package engine

import (
	"io"
	"sync"
	"time"
)

// capWriter caps the bytes written through it. Writes past the cap are
// discarded rather than buffered, so a snippet flooding stdout cannot
// exhaust server memory, and the moment the cap was first breached is
// recorded for first-limit-wins outcome resolution.
type capWriter struct {
	mu         sync.Mutex
	dst        io.Writer
	remaining  int64
	breachedAt time.Time
}

func newCapWriter(dst io.Writer, limit int64) *capWriter {
	return &capWriter{dst: dst, remaining: limit}
}

// Write never returns an error for over-cap input: the executed process
// keeps running (the timeout or its own exit ends it) while excess output
// is dropped.
func (w *capWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.remaining <= 0 {
		if w.breachedAt.IsZero() {
			w.breachedAt = time.Now()
		}
		return len(p), nil
	}

	n := int64(len(p))
	if n > w.remaining {
		if w.breachedAt.IsZero() {
			w.breachedAt = time.Now()
		}
		n = w.remaining
	}
	w.remaining -= n

	if _, err := w.dst.Write(p[:n]); err != nil {
		return 0, err
	}
	return len(p), nil
}

// BreachedAt returns the time the cap was first exceeded, or the zero time.
func (w *capWriter) BreachedAt() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.breachedAt
}
