package audit

import "time"

// Category classifies an audit event.
type Category string

const (
	CategoryAuthSuccess       Category = "auth-success"
	CategoryAuthFailure       Category = "auth-failure"
	CategoryRateLimited       Category = "rate-limited"
	CategoryValidation        Category = "validation-failure"
	CategoryRequestRejected   Category = "request-rejected"
	CategoryExecutionStart    Category = "execution-start"
	CategoryExecutionResult   Category = "execution-result"
	CategorySecurityViolation Category = "security-violation"
	CategoryGap               Category = "audit-gap"
)

// Severity levels for audit events.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Event is a single append-only audit record. Events are immutable once
// recorded; the only exception is the Dropped counter on synthetic gap
// events, which the logger increments while the gap is still buffered.
type Event struct {
	Time      time.Time `json:"time"`
	Seq       uint64    `json:"seq"`
	Category  Category  `json:"category"`
	Principal string    `json:"principal,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	Detail    string    `json:"detail"`
	Severity  Severity  `json:"severity"`

	// Dropped is set only on CategoryGap events: the number of events
	// evicted from the buffer before the sink saw them. Evictions of
	// already-drained events do not count.
	Dropped uint64 `json:"dropped,omitempty"`
}

// Filter selects events on the Query read path.
type Filter struct {
	Since     time.Time
	Until     time.Time
	Category  Category
	Principal string
	Limit     int
}

// Matches reports whether the event passes the filter.
func (f Filter) Matches(e Event) bool {
	if !f.Since.IsZero() && e.Time.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Time.After(f.Until) {
		return false
	}
	if f.Category != "" && e.Category != f.Category {
		return false
	}
	if f.Principal != "" && e.Principal != f.Principal {
		return false
	}
	return true
}
