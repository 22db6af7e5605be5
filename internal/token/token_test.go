package token

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

var testSecret = []byte(strings.Repeat("k", 32))

func newTestService(t *testing.T, store RevocationStore) *Service {
	t.Helper()
	svc, err := NewService(Config{Secret: testSecret, TTL: time.Hour}, store, nil)
	if err != nil {
		t.Fatal(err)
	}
	return svc
}

func TestIssueAndVerify(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	tok, err := svc.Issue(ctx, "user@example.com")
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}

	subject, err := svc.Verify(ctx, tok)
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if subject != "user@example.com" {
		t.Errorf("subject = %q, want user@example.com", subject)
	}
}

func TestVerifyExpired(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	tok, err := svc.Issue(ctx, "user@example.com")
	if err != nil {
		t.Fatal(err)
	}

	svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	if _, err := svc.Verify(ctx, tok); !errors.Is(err, ErrExpired) {
		t.Errorf("Verify() after expiry = %v, want ErrExpired", err)
	}
}

func TestVerifyTamperedSignature(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	tok, err := svc.Issue(ctx, "user@example.com")
	if err != nil {
		t.Fatal(err)
	}

	other, err := NewService(Config{Secret: []byte(strings.Repeat("x", 32)), TTL: time.Hour}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := other.Verify(ctx, tok); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("Verify() with wrong secret = %v, want ErrInvalidSignature", err)
	}
}

func TestVerifyMalformed(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	for _, raw := range []string{"", "   ", "not.a.token", "a.b"} {
		if _, err := svc.Verify(ctx, raw); !errors.Is(err, ErrMalformed) {
			t.Errorf("Verify(%q) = %v, want ErrMalformed", raw, err)
		}
	}
}

func TestRevokeIsIdempotent(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	tok, err := svc.Issue(ctx, "user@example.com")
	if err != nil {
		t.Fatal(err)
	}

	if err := svc.Revoke(ctx, tok); err != nil {
		t.Fatalf("first Revoke() error: %v", err)
	}
	if err := svc.Revoke(ctx, tok); err != nil {
		t.Fatalf("second Revoke() error: %v", err)
	}

	if _, err := svc.Verify(ctx, tok); !errors.Is(err, ErrRevoked) {
		t.Errorf("Verify() after revoke = %v, want ErrRevoked", err)
	}
}

func TestRevokeExpiredTokenIsNoop(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	tok, err := svc.Issue(ctx, "user@example.com")
	if err != nil {
		t.Fatal(err)
	}

	svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if err := svc.Revoke(ctx, tok); err != nil {
		t.Errorf("Revoke() of expired token = %v, want nil", err)
	}
}

func TestRevocationSharedAcrossServices(t *testing.T) {
	// Two services sharing one store model two workers over one backing DB.
	store := NewMemoryStore()
	a := newTestService(t, store)
	b := newTestService(t, store)
	ctx := context.Background()

	tok, err := a.Issue(ctx, "user@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Revoke(ctx, tok); err != nil {
		t.Fatal(err)
	}

	if _, err := b.Verify(ctx, tok); !errors.Is(err, ErrRevoked) {
		t.Errorf("Verify() on second worker = %v, want ErrRevoked", err)
	}
}

type failingStore struct{}

func (failingStore) Revoke(context.Context, string, time.Time) error { return errors.New("store down") }
func (failingStore) IsRevoked(context.Context, string) (bool, error) {
	return false, errors.New("store down")
}

func TestVerifyFailsClosedOnStoreError(t *testing.T) {
	svc := newTestService(t, failingStore{})
	ctx := context.Background()

	tok, err := svc.Issue(ctx, "user@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Verify(ctx, tok); !errors.Is(err, ErrRevoked) {
		t.Errorf("Verify() with failing store = %v, want ErrRevoked (fail closed)", err)
	}
}
