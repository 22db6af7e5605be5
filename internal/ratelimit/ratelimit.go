package ratelimit

import (
	"hash/fnv"
	"math/rand"
	"sync"
	"time"
)

const shardCount = 32

// Class names a route category with its own limit configuration.
type Class string

const (
	ClassAuth    Class = "auth"
	ClassExecute Class = "execute"
	ClassGeneral Class = "general"
)

// ClassLimit is the fixed-window policy for one route class.
type ClassLimit struct {
	Limit  int
	Window time.Duration
}

// Decision is the outcome of one Allow call. RetryAfter and Remaining feed
// the response metadata so well-behaved clients can back off.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

type bucket struct {
	count       int
	windowStart time.Time
	jitter      time.Duration // fixed per-bucket offset of the window grid
	lastSeen    time.Time
}

type shard struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

// Limiter applies per-(key, class) fixed-window counting. Increments are
// linearizable per key via sharded locks. Window starts are jittered per key
// on first use so all buckets do not reset on the same boundary.
type Limiter struct {
	classes map[Class]ClassLimit
	shards  [shardCount]*shard

	done chan struct{}
	once sync.Once

	now func() time.Time // overridable in tests
}

// NewLimiter creates a limiter with the given per-class policies and starts
// the stale-bucket collector.
func NewLimiter(classes map[Class]ClassLimit) *Limiter {
	l := &Limiter{
		classes: classes,
		done:    make(chan struct{}),
		now:     time.Now,
	}
	for i := range l.shards {
		l.shards[i] = &shard{buckets: make(map[string]*bucket)}
	}
	go l.gcLoop()
	return l
}

// Allow records one request for the key in the given class and decides
// whether it is within the window's budget.
func (l *Limiter) Allow(key string, class Class) Decision {
	policy, ok := l.classes[class]
	if !ok || policy.Limit < 1 {
		return Decision{Allowed: true, Limit: 0, Remaining: 0}
	}

	now := l.now()
	composite := string(class) + ":" + key
	s := l.shardFor(composite)

	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[composite]
	if !ok {
		// Jitter the window grid so a burst of new keys doesn't line every
		// bucket up on the same reset boundary.
		b = &bucket{
			windowStart: now,
			jitter:      time.Duration(rand.Int63n(int64(policy.Window) / 4)),
		}
		s.buckets[composite] = b
	}
	b.lastSeen = now

	elapsed := now.Sub(b.windowStart) + b.jitter
	if elapsed >= policy.Window {
		b.count = 0
		b.windowStart = now
		b.jitter = 0 // grid established; jitter applies to the first window only
	}

	if b.count >= policy.Limit {
		retry := policy.Window - now.Sub(b.windowStart)
		if retry < 0 {
			retry = 0
		}
		return Decision{Allowed: false, Limit: policy.Limit, Remaining: 0, RetryAfter: retry}
	}

	b.count++
	return Decision{
		Allowed:   true,
		Limit:     policy.Limit,
		Remaining: policy.Limit - b.count,
	}
}

// Close stops the background collector.
func (l *Limiter) Close() {
	l.once.Do(func() { close(l.done) })
}

func (l *Limiter) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return l.shards[h.Sum32()%shardCount]
}

func (l *Limiter) gcLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.gc()
		case <-l.done:
			return
		}
	}
}

// gc drops buckets idle for two window durations; their counters are stale
// and a fresh bucket starts at zero anyway.
func (l *Limiter) gc() {
	now := l.now()
	maxWindow := time.Minute
	for _, p := range l.classes {
		if p.Window > maxWindow {
			maxWindow = p.Window
		}
	}
	for _, s := range l.shards {
		s.mu.Lock()
		for key, b := range s.buckets {
			if now.Sub(b.lastSeen) > 2*maxWindow {
				delete(s.buckets, key)
			}
		}
		s.mu.Unlock()
	}
}
