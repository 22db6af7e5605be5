package api

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

// EventStream serializes Server-Sent Events onto one response. All writers
// obtained from the stream share a lock, so interleaved stdout and stderr
// chunks cannot tear each other's event framing.
type EventStream struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewEventStream returns nil when the ResponseWriter cannot flush, which
// streaming requires.
func NewEventStream(w http.ResponseWriter) *EventStream {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil
	}
	return &EventStream{w: w, flusher: flusher}
}

// Writer returns an io.Writer emitting each write as one event of the given
// type.
func (s *EventStream) Writer(event string) io.Writer {
	return &eventWriter{stream: s, event: event}
}

// Send writes a single event and flushes it.
func (s *EventStream) Send(event, data string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emit(event, data)
}

// emit writes one framed event while holding mu. Every payload line gets its
// own "data:" prefix; a bare newline in snippet output would otherwise end
// the event early and let the snippet forge events.
func (s *EventStream) emit(event, data string) {
	fmt.Fprintf(s.w, "event: %s\n", event)
	for _, line := range strings.Split(data, "\n") {
		fmt.Fprintf(s.w, "data: %s\n", line)
	}
	fmt.Fprint(s.w, "\n")
	s.flusher.Flush()
}

type eventWriter struct {
	stream *EventStream
	event  string
}

func (ew *eventWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	ew.stream.mu.Lock()
	defer ew.stream.mu.Unlock()
	ew.stream.emit(ew.event, string(p))
	return len(p), nil
}
