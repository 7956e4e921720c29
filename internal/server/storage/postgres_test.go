package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/tracedmem/ptimage/internal/server/storage"
)

// New requires a reachable PostgreSQL instance to ping successfully, so
// the happy path is exercised as an integration test against a real
// database, not here (see DESIGN.md for why this repo does not carry
// a Docker-backed integration harness). What's verified without a
// database is the fast-fail path: a malformed DSN must not hang or
// panic, and must return promptly with a wrapped error.
func TestNewRejectsMalformedDSN(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := storage.New(ctx, "not a valid dsn ::: at all", 0, 0)
	if err == nil {
		t.Fatal("New with malformed DSN: err = nil, want error")
	}
}

func TestEventQueryDefaults(t *testing.T) {
	q := storage.EventQuery{}
	if q.Limit != 0 {
		t.Fatalf("zero-value EventQuery.Limit = %d, want 0 (Store.QueryEvents applies the 100 default)", q.Limit)
	}
}
