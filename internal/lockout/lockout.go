package lockout

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"codegate/internal/audit"
)

const shardCount = 32

// Config controls the lockout policy.
type Config struct {
	Threshold int           // failures within Window that trigger a lock
	Window    time.Duration // sliding window over which failures count
	Duration  time.Duration // how long a lock lasts
}

// entry tracks failed attempts for one principal.
type entry struct {
	count       int
	windowStart time.Time
	lockedUntil time.Time // zero when not locked
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// Tracker counts failed authentication attempts per principal and locks the
// principal out once the threshold is reached within the window. It never
// returns errors: an unknown principal is clean, and the state machine is
// Clean -> Warned(n<threshold) -> Locked(until). A failure recorded while
// locked does not extend the lock.
type Tracker struct {
	cfg     Config
	shards  [shardCount]*shard
	auditor *audit.Logger

	now func() time.Time // overridable in tests
}

// NewTracker creates a tracker. auditor may be nil.
func NewTracker(cfg Config, auditor *audit.Logger) *Tracker {
	if cfg.Threshold < 1 {
		cfg.Threshold = 5
	}
	if cfg.Window <= 0 {
		cfg.Window = 15 * time.Minute
	}
	if cfg.Duration <= 0 {
		cfg.Duration = 30 * time.Minute
	}
	t := &Tracker{cfg: cfg, auditor: auditor, now: time.Now}
	for i := range t.shards {
		t.shards[i] = &shard{entries: make(map[string]*entry)}
	}
	return t
}

func (t *Tracker) shardFor(principal string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(principal))
	return t.shards[h.Sum32()%shardCount]
}

// RecordFailure counts one failed attempt. Returns true if the principal is
// locked after this attempt.
func (t *Tracker) RecordFailure(principal string) bool {
	now := t.now()
	s := t.shardFor(principal)

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[principal]
	if !ok {
		e = &entry{}
		s.entries[principal] = e
	}

	// Already locked: reject the attempt but never extend the lock, so a
	// flood of failures cannot hold an account hostage indefinitely.
	if t.lockedLocked(e, now) {
		return true
	}

	if e.windowStart.IsZero() || now.Sub(e.windowStart) > t.cfg.Window {
		e.count = 0
		e.windowStart = now
	}
	e.count++

	if e.count >= t.cfg.Threshold {
		e.lockedUntil = now.Add(t.cfg.Duration)
		e.count = 0
		e.windowStart = time.Time{}

		log.Warn().Str("principal", principal).Time("until", e.lockedUntil).
			Msg("principal locked out after repeated failures")
		t.record(audit.Event{
			Category:  audit.CategoryAuthFailure,
			Principal: principal,
			Detail:    "lockout threshold reached",
			Severity:  audit.SeverityHigh,
		})
		return true
	}
	return false
}

// RecordSuccess clears the failure counter and any lock for the principal.
func (t *Tracker) RecordSuccess(principal string) {
	t.Clear(principal)
}

// Clear is the administrative reset.
func (t *Tracker) Clear(principal string) {
	s := t.shardFor(principal)
	s.mu.Lock()
	delete(s.entries, principal)
	s.mu.Unlock()
}

// IsLocked reports whether the principal is currently locked out.
func (t *Tracker) IsLocked(principal string) bool {
	now := t.now()
	s := t.shardFor(principal)

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[principal]
	if !ok {
		return false
	}
	return t.lockedLocked(e, now)
}

// LockedUntil returns the lock expiry, or the zero time when unlocked.
func (t *Tracker) LockedUntil(principal string) time.Time {
	now := t.now()
	s := t.shardFor(principal)

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[principal]
	if !ok || !t.lockedLocked(e, now) {
		return time.Time{}
	}
	return e.lockedUntil
}

// Restore installs a lock that survived a restart. Expired locks are
// ignored.
func (t *Tracker) Restore(principal string, until time.Time) {
	if !until.After(t.now()) {
		return
	}
	s := t.shardFor(principal)
	s.mu.Lock()
	s.entries[principal] = &entry{lockedUntil: until}
	s.mu.Unlock()
}

// lockedLocked checks lock state under the shard lock, transitioning an
// elapsed lock back to clean.
func (t *Tracker) lockedLocked(e *entry, now time.Time) bool {
	if e.lockedUntil.IsZero() {
		return false
	}
	if now.After(e.lockedUntil) {
		*e = entry{}
		return false
	}
	return true
}

// GC drops stale entries so a long-running process doesn't accumulate one
// entry per principal forever. Safe to call from a background ticker.
func (t *Tracker) GC() {
	now := t.now()
	for _, s := range t.shards {
		s.mu.Lock()
		for principal, e := range s.entries {
			stale := !e.lockedUntil.IsZero() && now.After(e.lockedUntil)
			idle := e.lockedUntil.IsZero() && !e.windowStart.IsZero() && now.Sub(e.windowStart) > 2*t.cfg.Window
			if stale || idle {
				delete(s.entries, principal)
			}
		}
		s.mu.Unlock()
	}
}

func (t *Tracker) record(e audit.Event) {
	if t.auditor == nil {
		return
	}
	t.auditor.Record(e)
}
