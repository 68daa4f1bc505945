package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// StatementTimeout is the hard per-statement deadline.
const StatementTimeout = 30 * time.Second

// statementTimeout is the seam withTimeout actually reads, letting tests
// shrink the deadline without waiting out the real 30s.
var statementTimeout = StatementTimeout

// Options configures the connection pool.
type Options struct {
	ConnectionLimit int32
	PoolTimeout     time.Duration
	ConnectTimeout  time.Duration
}

// DefaultOptions are the pool settings used at startup.
var DefaultOptions = Options{
	ConnectionLimit: 10,
	PoolTimeout:     5 * time.Second,
	ConnectTimeout:  10 * time.Second,
}

// Store is the pgxpool-backed durable adapter.
type Store struct {
	mu   sync.RWMutex
	pool *pgxpool.Pool
	now  func() time.Time
}

// db returns the current pool under a read lock: the self-healing
// controller's Reconnect swaps s.pool from its own goroutine while stage
// handlers are mid-query, so every reader must go through here.
func (s *Store) db() *pgxpool.Pool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pool
}

// Open connects to PostgreSQL and configures the pool per Options. A dial
// failure at startup is fatal: main exits with code 2.
func Open(ctx context.Context, url string, opts Options) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, &FatalStoreError{Op: "parse config", Err: err}
	}
	if opts.ConnectionLimit > 0 {
		cfg.MaxConns = opts.ConnectionLimit
	}
	if opts.ConnectTimeout > 0 {
		cfg.ConnConfig.ConnectTimeout = opts.ConnectTimeout
	}

	connectCtx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, cfg)
	if err != nil {
		return nil, &FatalStoreError{Op: "connect", Err: err}
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, &FatalStoreError{Op: "ping", Err: err}
	}
	return &Store{pool: pool, now: time.Now}, nil
}

// Close releases the pool's connections.
func (s *Store) Close() { s.db().Close() }

// HealthProbe is consulted by the self-healing controller.
func (s *Store) HealthProbe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, StatementTimeout)
	defer cancel()
	if err := s.db().Ping(ctx); err != nil {
		return &TransientStoreError{Op: "health_probe", Err: err}
	}
	return nil
}

// Reconnect is invoked by the self-healing controller's store-down
// remediation. The new pool is built first and swapped in under the write
// lock, so db() never returns a half-assigned pool and a failed reconnect
// leaves the current pool in place; the old pool is closed after the swap.
func (s *Store) Reconnect(ctx context.Context) error {
	connectCtx, cancel := context.WithTimeout(ctx, DefaultOptions.ConnectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, s.db().Config())
	if err != nil {
		return &TransientStoreError{Op: "reconnect", Err: err}
	}
	s.mu.Lock()
	old := s.pool
	s.pool = pool
	s.mu.Unlock()
	old.Close()

	return s.HealthProbe(ctx)
}

// withTimeout derives a statement-scoped context and classifies the
// resulting error as transient or passes it through unchanged (non-store
// callers wrap with FatalStoreError where appropriate, e.g. at startup).
func withTimeout(ctx context.Context, op string, fn func(context.Context) error) error {
	sctx, cancel := context.WithTimeout(ctx, statementTimeout)
	defer cancel()

	err := fn(sctx)
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if errors.Is(sctx.Err(), context.DeadlineExceeded) {
		return &TransientStoreError{Op: op, Err: sctx.Err()}
	}
	return &TransientStoreError{Op: op, Err: err}
}
