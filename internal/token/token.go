package token

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"codegate/internal/audit"
)

// Sentinel errors for typed error checking. Callers must collapse all of
// these into one uniform unauthorized response; the distinction exists for
// audit records only.
var (
	ErrExpired          = errors.New("token expired")
	ErrInvalidSignature = errors.New("token signature invalid")
	ErrRevoked          = errors.New("token revoked")
	ErrMalformed        = errors.New("token malformed")
)

// RevocationStore holds the identifiers of tokens invalidated before their
// natural expiry. Implementations must be safe for concurrent use and must
// make Revoke visible to all subsequent IsRevoked calls, including from
// other workers sharing the same backing store.
type RevocationStore interface {
	// Revoke marks the identifier revoked until expiresAt, after which the
	// entry may be garbage-collected (the token is dead by then anyway).
	Revoke(ctx context.Context, jti string, expiresAt time.Time) error
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

// Claims are the JWT claims carried by session tokens.
type Claims struct {
	jwt.RegisteredClaims
}

// Config controls token issuance.
type Config struct {
	Secret []byte
	TTL    time.Duration
	Issuer string

	// StoreTimeout bounds every revocation-store call so a slow backing
	// store degrades throughput instead of queuing requests.
	StoreTimeout time.Duration
}

// Service issues, verifies, and revokes session tokens. It is the only
// component that touches revocation state.
type Service struct {
	secret       []byte
	ttl          time.Duration
	issuer       string
	storeTimeout time.Duration
	store        RevocationStore
	auditor      *audit.Logger

	now func() time.Time // overridable in tests
}

// NewService creates a token service. auditor may be nil.
func NewService(cfg Config, store RevocationStore, auditor *audit.Logger) (*Service, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("token: signing secret is required")
	}
	if cfg.TTL <= 0 {
		return nil, errors.New("token: ttl must be positive")
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "codegate"
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 100 * time.Millisecond
	}
	if store == nil {
		store = NewMemoryStore()
	}
	return &Service{
		secret:       cfg.Secret,
		ttl:          cfg.TTL,
		issuer:       cfg.Issuer,
		storeTimeout: cfg.StoreTimeout,
		store:        store,
		auditor:      auditor,
		now:          time.Now,
	}, nil
}

// TTL reports how long issued tokens remain valid.
func (s *Service) TTL() time.Duration { return s.ttl }

// Issue signs a fresh HS256 token for the subject with a new unique
// identifier and the configured TTL.
func (s *Service) Issue(ctx context.Context, subject string) (string, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", errors.New("token: subject is required")
	}

	now := s.now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			ID:        uuid.NewString(),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}

	s.record(ctx, audit.Event{
		Category:  audit.CategoryAuthSuccess,
		Principal: subject,
		Detail:    "token issued",
		Severity:  audit.SeverityLow,
	})
	return signed, nil
}

// Verify checks signature, expiry, and revocation-set membership, returning
// the token subject on success. A revocation-store failure fails closed: the
// token is treated as revoked rather than risking a bypass.
func (s *Service) Verify(ctx context.Context, raw string) (string, error) {
	claims, err := s.parse(raw)
	if err != nil {
		return "", err
	}

	storeCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	revoked, storeErr := s.store.IsRevoked(storeCtx, claims.ID)
	if storeErr != nil {
		log.Error().Err(storeErr).Str("subject", claims.Subject).
			Msg("revocation store unavailable, failing closed")
		return "", ErrRevoked
	}
	if revoked {
		return "", ErrRevoked
	}

	return claims.Subject, nil
}

// Revoke inserts the token's identifier into the revocation set. Revoking an
// already-revoked or expired token is a no-op, not an error.
func (s *Service) Revoke(ctx context.Context, raw string) error {
	claims, err := s.parse(raw)
	if errors.Is(err, ErrExpired) {
		return nil // naturally dead; nothing to revoke
	}
	if err != nil {
		return err
	}

	storeCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	if err := s.store.Revoke(storeCtx, claims.ID, claims.ExpiresAt.Time); err != nil {
		return fmt.Errorf("revoking token: %w", err)
	}

	s.record(ctx, audit.Event{
		Category:  audit.CategoryAuthSuccess,
		Principal: claims.Subject,
		Detail:    "token revoked",
		Severity:  audit.SeverityLow,
	})
	return nil
}

// parse validates signature and time claims without consulting the
// revocation set.
func (s *Service) parse(raw string) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrMalformed
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidSignature
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithIssuer(s.issuer))
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrExpired
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, ErrInvalidSignature
		default:
			return nil, ErrMalformed
		}
	}
	if !parsed.Valid || claims.ID == "" || strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrMalformed
	}
	if claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return nil, ErrMalformed
	}
	return claims, nil
}

func (s *Service) record(_ context.Context, e audit.Event) {
	if s.auditor == nil {
		return
	}
	s.auditor.Record(e)
}
