package storage

import "time"

// TokenRevocation is a stored revoked-token row. Rows past expires_at are
// purged lazily; a revoked token that has also expired needs no record.
type TokenRevocation struct {
	JTI       string    `json:"jti" db:"jti"`
	ExpiresAt time.Time `json:"expires_at" db:"expires_at"`
	RevokedAt time.Time `json:"revoked_at" db:"revoked_at"`
}

// Lockout is a persisted account lockout, written when a principal crosses
// the failure threshold so the lock survives a process restart.
type Lockout struct {
	Principal   string    `json:"principal" db:"principal"`
	Failures    int       `json:"failures" db:"failures"`
	WindowStart time.Time `json:"window_start" db:"window_start"`
	LockedUntil time.Time `json:"locked_until" db:"locked_until"`
}

// AuditRecord is a stored audit event row.
type AuditRecord struct {
	Seq       uint64    `json:"seq" db:"seq"`
	Time      time.Time `json:"time" db:"time"`
	Category  string    `json:"category" db:"category"`
	Principal string    `json:"principal" db:"principal"`
	RequestID string    `json:"request_id" db:"request_id"`
	Detail    string    `json:"detail" db:"detail"`
	Severity  string    `json:"severity" db:"severity"`
	Dropped   uint64    `json:"dropped" db:"dropped"`
}

// AuditQuery provides criteria for reading stored audit events.
type AuditQuery struct {
	Since     *time.Time
	Until     *time.Time
	Category  string
	Principal string
	Limit     int
	Offset    int
}
