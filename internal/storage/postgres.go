package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// DB wraps a PostgreSQL connection pool backing token revocation, lockout
// persistence, and the audit trail. The service runs degraded without it:
// in-memory stores take over and audit events go to the structured log.
type DB struct {
	pool        *pgxpool.Pool
	callTimeout time.Duration
}

// Options tune the pool and the per-call deadline. Zero values fall back to
// the defaults in withDefaults.
type Options struct {
	MaxConns        int32
	ConnMaxLifetime time.Duration
	CallTimeout     time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxConns <= 0 {
		o.MaxConns = 25
	}
	if o.ConnMaxLifetime <= 0 {
		o.ConnMaxLifetime = 5 * time.Minute
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 100 * time.Millisecond
	}
	return o
}

// New creates a new database connection pool.
func New(ctx context.Context, dsn string, opts Options) (*DB, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}

	opts = opts.withDefaults()
	config.MaxConns = opts.MaxConns
	config.MinConns = 2
	config.MaxConnLifetime = opts.ConnMaxLifetime
	config.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	log.Info().Msg("connected to PostgreSQL")
	return &DB{pool: pool, callTimeout: opts.CallTimeout}, nil
}

// withTimeout bounds a single database call so a slow or wedged backend
// degrades the request instead of queuing it.
func (db *DB) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, db.callTimeout)
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

// Healthy checks database connectivity.
func (db *DB) Healthy(ctx context.Context) bool {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()
	return db.pool.Ping(ctx) == nil
}

// Revoke records a token identifier as invalidated. Inserting the same jti
// twice is a no-op so revocation stays idempotent.
func (db *DB) Revoke(ctx context.Context, jti string, expiresAt time.Time) error {
	query := `
		INSERT INTO revoked_tokens (jti, expires_at, revoked_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (jti) DO NOTHING`

	ctx, cancel := db.withTimeout(ctx)
	defer cancel()
	if _, err := db.pool.Exec(ctx, query, jti, expiresAt, time.Now()); err != nil {
		return fmt.Errorf("inserting revocation for %s: %w", jti, err)
	}
	return nil
}

// IsRevoked reports whether a token identifier has been revoked.
func (db *DB) IsRevoked(ctx context.Context, jti string) (bool, error) {
	query := `SELECT 1 FROM revoked_tokens WHERE jti = $1`

	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	var one int
	err := db.pool.QueryRow(ctx, query, jti).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("querying revocation for %s: %w", jti, err)
	}
	return true, nil
}

// PurgeExpiredRevocations drops revocation rows for tokens that have expired
// on their own. Returns the number of rows removed.
func (db *DB) PurgeExpiredRevocations(ctx context.Context) (int64, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()
	tag, err := db.pool.Exec(ctx, `DELETE FROM revoked_tokens WHERE expires_at < $1`, time.Now())
	if err != nil {
		return 0, fmt.Errorf("purging expired revocations: %w", err)
	}
	return tag.RowsAffected(), nil
}

// SaveLockout upserts a lockout row for a principal.
func (db *DB) SaveLockout(ctx context.Context, l Lockout) error {
	query := `
		INSERT INTO login_failures (principal, failures, window_start, locked_until)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (principal) DO UPDATE
		SET failures = EXCLUDED.failures,
		    window_start = EXCLUDED.window_start,
		    locked_until = EXCLUDED.locked_until`

	ctx, cancel := db.withTimeout(ctx)
	defer cancel()
	if _, err := db.pool.Exec(ctx, query, l.Principal, l.Failures, l.WindowStart, l.LockedUntil); err != nil {
		return fmt.Errorf("saving lockout for %s: %w", l.Principal, err)
	}
	return nil
}

// ClearLockout removes the lockout row for a principal.
func (db *DB) ClearLockout(ctx context.Context, principal string) error {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()
	if _, err := db.pool.Exec(ctx, `DELETE FROM login_failures WHERE principal = $1`, principal); err != nil {
		return fmt.Errorf("clearing lockout for %s: %w", principal, err)
	}
	return nil
}

// ActiveLockouts returns lockouts whose lock period has not yet elapsed,
// used to rehydrate the in-memory tracker after a restart.
func (db *DB) ActiveLockouts(ctx context.Context) ([]Lockout, error) {
	query := `
		SELECT principal, failures, window_start, locked_until
		FROM login_failures
		WHERE locked_until > $1`

	ctx, cancel := db.withTimeout(ctx)
	defer cancel()
	rows, err := db.pool.Query(ctx, query, time.Now())
	if err != nil {
		return nil, fmt.Errorf("querying active lockouts: %w", err)
	}
	defer rows.Close()

	var results []Lockout
	for rows.Next() {
		var l Lockout
		if err := rows.Scan(&l.Principal, &l.Failures, &l.WindowStart, &l.LockedUntil); err != nil {
			return nil, fmt.Errorf("scanning lockout row: %w", err)
		}
		results = append(results, l)
	}

	return results, rows.Err()
}

// ListAuditEvents queries stored audit events, newest first.
func (db *DB) ListAuditEvents(ctx context.Context, q AuditQuery) ([]AuditRecord, error) {
	query := `
		SELECT seq, time, category, principal, request_id, detail, severity, dropped
		FROM audit_events
		WHERE ($1 = '' OR category = $1)
		  AND ($2 = '' OR principal = $2)
		  AND ($3::timestamptz IS NULL OR time >= $3)
		  AND ($4::timestamptz IS NULL OR time <= $4)
		ORDER BY seq DESC
		LIMIT $5 OFFSET $6`

	limit := q.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	ctx, cancel := db.withTimeout(ctx)
	defer cancel()
	rows, err := db.pool.Query(ctx, query,
		q.Category, q.Principal, q.Since, q.Until, limit, q.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("querying audit events: %w", err)
	}
	defer rows.Close()

	var results []AuditRecord
	for rows.Next() {
		var r AuditRecord
		if err := rows.Scan(
			&r.Seq, &r.Time, &r.Category, &r.Principal,
			&r.RequestID, &r.Detail, &r.Severity, &r.Dropped,
		); err != nil {
			return nil, fmt.Errorf("scanning audit row: %w", err)
		}
		results = append(results, r)
	}

	return results, rows.Err()
}

func truncateForDB(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
