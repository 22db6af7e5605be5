package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type captureSink struct {
	mu     sync.Mutex
	events []Event
	fail   bool
}

func (c *captureSink) WriteEvents(_ context.Context, events []Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("sink down")
	}
	c.events = append(c.events, events...)
	return nil
}

func TestRecordAssignsMonotonicSequence(t *testing.T) {
	l := NewLogger(nil, Options{BufferSize: 64})

	for range 10 {
		l.Record(Event{Category: CategoryAuthSuccess, Detail: "login"})
	}

	events := l.Query(Filter{})
	if len(events) != 10 {
		t.Fatalf("got %d events, want 10", len(events))
	}
	for i := 1; i < len(events); i++ {
		if events[i].Seq <= events[i-1].Seq {
			t.Errorf("seq not monotonic: %d then %d", events[i-1].Seq, events[i].Seq)
		}
		if events[i].Time.Before(events[i-1].Time) {
			t.Errorf("time not monotonic at index %d", i)
		}
	}
}

func TestOverflowRecordsGapEvent(t *testing.T) {
	l := NewLogger(nil, Options{BufferSize: 16})

	for i := range 40 {
		l.Record(Event{Category: CategoryExecutionResult, Detail: "job", Principal: "u"})
		_ = i
	}

	events := l.Query(Filter{})
	if len(events) != 16 {
		t.Fatalf("buffer holds %d events, want 16", len(events))
	}

	gaps := l.Query(Filter{Category: CategoryGap})
	if len(gaps) != 1 {
		t.Fatalf("got %d gap events, want exactly 1", len(gaps))
	}
	// 40 recorded, 15 real events retained alongside the gap marker.
	if gaps[0].Dropped != 25 {
		t.Errorf("gap.Dropped = %d, want 25", gaps[0].Dropped)
	}
	if gaps[0].Severity != SeverityHigh {
		t.Errorf("gap severity = %s, want high", gaps[0].Severity)
	}
}

func TestOverflowOfDrainedEventsRecordsNoGap(t *testing.T) {
	sink := &captureSink{}
	l := NewLogger(sink, Options{BufferSize: 16, DrainBatch: 16})

	for range 16 {
		l.Record(Event{Category: CategoryAuthSuccess})
	}
	l.drain()

	// The ring is full of events the sink has already confirmed. Recording
	// past capacity evicts only those, so nothing is lost.
	for range 16 {
		l.Record(Event{Category: CategoryExecutionResult})
	}
	l.drain()

	if gaps := l.Query(Filter{Category: CategoryGap}); len(gaps) != 0 {
		t.Fatalf("got %d gap events, want 0", len(gaps))
	}
	if len(sink.events) != 32 {
		t.Fatalf("sink received %d events, want 32", len(sink.events))
	}
	for _, e := range sink.events {
		if e.Category == CategoryGap {
			t.Fatal("sink received a gap event without real loss")
		}
	}
}

func TestGapReachesSinkAfterRecovery(t *testing.T) {
	sink := &captureSink{}
	l := NewLogger(sink, Options{BufferSize: 16, DrainBatch: 16})

	for range 16 {
		l.Record(Event{Category: CategoryAuthSuccess})
	}
	l.drain()

	// 24 undelivered records into a full ring of 16: the 16 confirmed
	// events are evicted silently, then 9 unconfirmed ones fold into a
	// gap that still has a deliverable sequence number.
	sink.fail = true
	for range 24 {
		l.Record(Event{Category: CategoryExecutionResult})
	}

	sink.fail = false
	l.drain()

	var gap *Event
	for i := range sink.events {
		if sink.events[i].Category == CategoryGap {
			gap = &sink.events[i]
			break
		}
	}
	if gap == nil {
		t.Fatal("gap event never reached the sink after recovery")
	}
	if gap.Dropped != 9 {
		t.Errorf("gap.Dropped = %d, want 9", gap.Dropped)
	}
}

func TestQueryFilters(t *testing.T) {
	l := NewLogger(nil, Options{BufferSize: 64})

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l.Record(Event{Time: base, Category: CategoryAuthFailure, Principal: "alice"})
	l.Record(Event{Time: base.Add(time.Minute), Category: CategoryAuthFailure, Principal: "bob"})
	l.Record(Event{Time: base.Add(2 * time.Minute), Category: CategoryRateLimited, Principal: "alice"})

	if got := l.Query(Filter{Principal: "alice"}); len(got) != 2 {
		t.Errorf("principal filter: got %d, want 2", len(got))
	}
	if got := l.Query(Filter{Category: CategoryAuthFailure}); len(got) != 2 {
		t.Errorf("category filter: got %d, want 2", len(got))
	}
	if got := l.Query(Filter{Since: base.Add(90 * time.Second)}); len(got) != 1 {
		t.Errorf("since filter: got %d, want 1", len(got))
	}
	if got := l.Query(Filter{Until: base.Add(30 * time.Second)}); len(got) != 1 {
		t.Errorf("until filter: got %d, want 1", len(got))
	}
	if got := l.Query(Filter{Limit: 1}); len(got) != 1 {
		t.Errorf("limit: got %d, want 1", len(got))
	}
}

func TestDrainHandsEventsToSink(t *testing.T) {
	sink := &captureSink{}
	l := NewLogger(sink, Options{BufferSize: 64, DrainInterval: 10 * time.Millisecond, DrainBatch: 8})
	l.Start()

	for range 20 {
		l.Record(Event{Category: CategoryAuthSuccess})
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		sink.mu.Lock()
		n := len(sink.events)
		sink.mu.Unlock()
		if n >= 20 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	l.Close()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.events) < 20 {
		t.Fatalf("sink received %d events, want >= 20", len(sink.events))
	}
	for i := 1; i < len(sink.events); i++ {
		if sink.events[i].Seq <= sink.events[i-1].Seq {
			t.Errorf("sink events out of order at %d", i)
		}
	}
}

func TestSinkFailureRetainsEvents(t *testing.T) {
	sink := &captureSink{fail: true}
	l := NewLogger(sink, Options{BufferSize: 64, DrainInterval: 5 * time.Millisecond, DrainBatch: 8})
	l.Start()

	l.Record(Event{Category: CategoryAuthFailure, Detail: "bad password"})
	time.Sleep(50 * time.Millisecond)

	// Still queryable while the sink is down.
	if got := l.Query(Filter{Category: CategoryAuthFailure}); len(got) != 1 {
		t.Fatalf("event lost while sink down: got %d", len(got))
	}

	sink.mu.Lock()
	sink.fail = false
	sink.mu.Unlock()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		sink.mu.Lock()
		n := len(sink.events)
		sink.mu.Unlock()
		if n >= 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	l.Close()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.events) < 1 {
		t.Error("event never reached sink after recovery")
	}
}
