package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
)

// Exercising query construction against a live PostgreSQL instance is left
// to integration tests outside this package (no database is available in
// this harness); what's covered here is the error-classification seam every
// query method routes through.

func TestWithTimeoutPassesThroughSuccess(t *testing.T) {
	err := withTimeout(context.Background(), "noop", func(context.Context) error {
		return nil
	})
	if err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestWithTimeoutTranslatesNoRows(t *testing.T) {
	err := withTimeout(context.Background(), "get_target", func(context.Context) error {
		return pgx.ErrNoRows
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestWithTimeoutWrapsGenericErrorAsTransient(t *testing.T) {
	boom := errors.New("boom")
	err := withTimeout(context.Background(), "upsert_raw", func(context.Context) error {
		return boom
	})
	var transient *TransientStoreError
	if !errors.As(err, &transient) {
		t.Fatalf("expected *TransientStoreError, got %v", err)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped error to unwrap to boom, got %v", err)
	}
	if transient.Op != "upsert_raw" {
		t.Fatalf("expected op upsert_raw, got %s", transient.Op)
	}
}

func TestWithTimeoutReportsDeadlineExceeded(t *testing.T) {
	prev := statementTimeout
	statementTimeout = 5 * time.Millisecond
	defer func() { statementTimeout = prev }()

	err := withTimeout(context.Background(), "candidates_for_classify", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	var transient *TransientStoreError
	if !errors.As(err, &transient) {
		t.Fatalf("expected *TransientStoreError, got %v", err)
	}
	if !errors.Is(transient.Err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline-exceeded cause, got %v", transient.Err)
	}
}

func TestDefaultOptions(t *testing.T) {
	if DefaultOptions.ConnectionLimit != 10 {
		t.Fatalf("expected connection limit 10, got %d", DefaultOptions.ConnectionLimit)
	}
	if DefaultOptions.PoolTimeout != 5*time.Second {
		t.Fatalf("expected pool timeout 5s, got %v", DefaultOptions.PoolTimeout)
	}
	if DefaultOptions.ConnectTimeout != 10*time.Second {
		t.Fatalf("expected connect timeout 10s, got %v", DefaultOptions.ConnectTimeout)
	}
}

func TestFatalAndTransientErrorWrapping(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	fatal := &FatalStoreError{Op: "connect", Err: cause}
	if !errors.Is(fatal, cause) {
		t.Fatalf("expected FatalStoreError to unwrap to cause")
	}

	transient := &TransientStoreError{Op: "ping", Err: cause}
	if !errors.Is(transient, cause) {
		t.Fatalf("expected TransientStoreError to unwrap to cause")
	}
}
