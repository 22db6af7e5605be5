package audit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Sink receives drained audit events for durable storage. Implementations
// must tolerate being called with the same event more than once after a
// partial failure.
type Sink interface {
	WriteEvents(ctx context.Context, events []Event) error
}

// Options tune the logger's buffer and drain behavior.
type Options struct {
	BufferSize    int
	DrainInterval time.Duration
	DrainBatch    int
}

// Logger is an append-only, bounded audit event buffer. Record never blocks
// on the sink: events go into an in-memory ring and a background drainer
// hands them to the sink at its own pace. When the ring overflows, the
// oldest events are evicted; evicting an event the sink has not yet seen is
// recorded as a synthetic audit-gap event, so real loss is detectable rather
// than silent.
type Logger struct {
	mu  sync.Mutex
	buf []Event // ordered oldest-first, len <= cap(buf)
	seq uint64

	drainedSeq uint64 // highest Seq confirmed written to the sink

	sink     Sink
	interval time.Duration
	batch    int

	done chan struct{}
	wg   sync.WaitGroup
}

// NewLogger creates a logger with the given buffer capacity. sink may be nil;
// events are then retained only in the ring.
func NewLogger(sink Sink, opts Options) *Logger {
	if opts.BufferSize < 16 {
		opts.BufferSize = 8192
	}
	if opts.DrainInterval <= 0 {
		opts.DrainInterval = time.Second
	}
	if opts.DrainBatch <= 0 {
		opts.DrainBatch = 256
	}
	return &Logger{
		buf:      make([]Event, 0, opts.BufferSize),
		sink:     sink,
		interval: opts.DrainInterval,
		batch:    opts.DrainBatch,
		done:     make(chan struct{}),
	}
}

// Start launches the background drainer. No-op when there is no sink.
func (l *Logger) Start() {
	if l.sink == nil {
		return
	}
	l.wg.Add(1)
	go l.drainLoop()
}

// Record appends an event. It is safe for concurrent use and never blocks on
// I/O. Zero Time and Seq are filled in; sequence numbers are monotonic per
// logger.
func (l *Logger) Record(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	l.seq++
	e.Seq = l.seq

	if len(l.buf) == cap(l.buf) {
		l.evictOldestLocked()
	}
	l.buf = append(l.buf, e)
}

// evictOldestLocked drops the oldest buffered event to make room. Evicting an
// event the sink has already confirmed loses nothing and needs no marker. A
// lost undrained event is folded into a gap event at the front of the ring:
// either the front already is one (increment its counter and drop the next
// event instead), or the evicted slot is replaced by a fresh gap record.
func (l *Logger) evictOldestLocked() {
	if l.buf[0].Seq <= l.drainedSeq {
		copy(l.buf, l.buf[1:])
		l.buf = l.buf[:len(l.buf)-1]
		return
	}

	if l.buf[0].Category != CategoryGap {
		// First undrained overflow: the oldest event's slot becomes the gap
		// marker, which costs a second eviction to free a slot for the new
		// event.
		evicted := l.buf[0]
		l.buf[0] = Event{
			Time:     time.Now().UTC(),
			Seq:      evicted.Seq, // the gap stands in for the evicted event, keeping ring order
			Category: CategoryGap,
			Severity: SeverityHigh,
			Dropped:  1,
		}
		log.Warn().Uint64("seq", evicted.Seq).Msg("audit buffer full, evicting oldest events")
	}

	// Drop the event after the gap marker and account for it.
	l.buf[0].Dropped++
	l.buf[0].Detail = fmt.Sprintf("%d audit events lost before reaching the sink", l.buf[0].Dropped)
	copy(l.buf[1:], l.buf[2:])
	l.buf = l.buf[:len(l.buf)-1]
}

// Query returns buffered events matching the filter, oldest first.
func (l *Logger) Query(f Filter) []Event {
	l.mu.Lock()
	snapshot := make([]Event, len(l.buf))
	copy(snapshot, l.buf)
	l.mu.Unlock()

	limit := f.Limit
	if limit <= 0 {
		limit = len(snapshot)
	}

	out := make([]Event, 0, limit)
	for _, e := range snapshot {
		if !f.Matches(e) {
			continue
		}
		out = append(out, e)
		if len(out) >= limit {
			break
		}
	}
	return out
}

// Close stops the drainer after a final flush attempt.
func (l *Logger) Close() {
	if l.sink == nil {
		return
	}
	close(l.done)
	l.wg.Wait()
}

func (l *Logger) drainLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.drain()
		case <-l.done:
			l.drain()
			return
		}
	}
}

// drain hands undrained events to the sink with bounded retry. On persistent
// failure the events stay in the ring; the overflow path above turns any
// resulting loss into gap events.
func (l *Logger) drain() {
	l.mu.Lock()
	pending := make([]Event, 0, l.batch)
	for _, e := range l.buf {
		if e.Seq <= l.drainedSeq {
			continue
		}
		pending = append(pending, e)
		if len(pending) >= l.batch {
			break
		}
	}
	l.mu.Unlock()

	if len(pending) == 0 {
		return
	}

	const maxRetries = 3
	for attempt := 0; attempt <= maxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := l.sink.WriteEvents(ctx, pending)
		cancel()

		if err == nil {
			last := pending[len(pending)-1].Seq
			l.mu.Lock()
			if last > l.drainedSeq {
				l.drainedSeq = last
			}
			l.mu.Unlock()
			return
		}

		if attempt < maxRetries {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * 100 * time.Millisecond
			log.Warn().Err(err).Int("attempt", attempt+1).Dur("backoff", backoff).
				Msg("audit sink write failed, retrying")
			time.Sleep(backoff)
		} else {
			log.Error().Err(err).Int("events", len(pending)).
				Msg("audit sink unavailable, events retained in buffer")
		}
	}
}

// LogSink writes audit events to the process log. It is the fallback sink
// when no database is configured.
type LogSink struct{}

func (LogSink) WriteEvents(_ context.Context, events []Event) error {
	for _, e := range events {
		log.Info().
			Time("event_time", e.Time).
			Uint64("seq", e.Seq).
			Str("category", string(e.Category)).
			Str("principal", e.Principal).
			Str("request_id", e.RequestID).
			Str("severity", e.Severity.String()).
			Str("detail", e.Detail).
			Msg("audit")
	}
	return nil
}
