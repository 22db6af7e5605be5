package storage

import (
	"context"
	"testing"
	"time"
)

func TestOptionsWithDefaults(t *testing.T) {
	got := Options{}.withDefaults()
	if got.MaxConns != 25 {
		t.Errorf("MaxConns = %d, want 25", got.MaxConns)
	}
	if got.ConnMaxLifetime != 5*time.Minute {
		t.Errorf("ConnMaxLifetime = %s, want 5m", got.ConnMaxLifetime)
	}
	if got.CallTimeout != 100*time.Millisecond {
		t.Errorf("CallTimeout = %s, want 100ms", got.CallTimeout)
	}

	set := Options{MaxConns: 4, ConnMaxLifetime: time.Minute, CallTimeout: 250 * time.Millisecond}
	if got := set.withDefaults(); got != set {
		t.Errorf("configured options overridden: %+v", got)
	}
}

func TestWithTimeoutSetsDeadline(t *testing.T) {
	db := &DB{callTimeout: 250 * time.Millisecond}

	ctx, cancel := db.withTimeout(context.Background())
	defer cancel()

	deadline, ok := ctx.Deadline()
	if !ok {
		t.Fatal("no deadline on call context")
	}
	if until := time.Until(deadline); until <= 0 || until > 250*time.Millisecond {
		t.Errorf("deadline %s out, want within 250ms", until)
	}
}

func TestTruncateForDB(t *testing.T) {
	if got := truncateForDB("short", 10); got != "short" {
		t.Errorf("got %q", got)
	}
	if got := truncateForDB("0123456789abc", 10); got != "0123456789" {
		t.Errorf("got %q", got)
	}
}
