// Package scheduler fires each pipeline stage on its own cron-like
// cadence, guaranteeing a single concurrent run per stage across processes via
// pkg/lock, and surfacing handler failures to the event bus and audit log
// without ever stopping the ticker.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/heritagewatch/legacyreach/pkg/eventbus"
	"github.com/heritagewatch/legacyreach/pkg/lock"
)

// Handler is one stage's entry point, matching every pkg/stages Run function.
type Handler func(ctx context.Context) error

// Entry declares one stage's cadence and handler.
type Entry struct {
	Name    string
	Cadence string
	TTL     time.Duration
	Handler Handler
}

// DefaultTTL is used for an Entry with a zero TTL.
const DefaultTTL = 10 * time.Minute

// AuditLogger persists a schedule-level message, independent of any
// particular stage's own store writes.
type AuditLogger interface {
	InsertAudit(ctx context.Context, kind, message string) error
}

// Scheduler wraps a robfig/cron/v3 Cron, parsing every entry's cadence once
// at New() — ticks never re-interpret a cron string.
type Scheduler struct {
	cron   *cron.Cron
	locker lock.Locker
	bus    *eventbus.Bus
	audit  AuditLogger
	logger *slog.Logger
}

// New validates and registers every entry's cadence immediately, returning an
// error if any cadence string fails to parse — a startup-time failure, never
// a tick-time one.
func New(entries []Entry, locker lock.Locker, bus *eventbus.Bus, audit AuditLogger, logger *slog.Logger) (*Scheduler, error) {
	s := &Scheduler{
		cron:   cron.New(),
		locker: locker,
		bus:    bus,
		audit:  audit,
		logger: logger,
	}

	for _, e := range entries {
		entry := e
		ttl := entry.TTL
		if ttl <= 0 {
			ttl = DefaultTTL
		}
		_, err := s.cron.AddFunc(entry.Cadence, func() {
			s.runGuarded(entry.Name, ttl, entry.Handler)
		})
		if err != nil {
			return nil, fmt.Errorf("scheduler: parse cadence for %q: %w", entry.Name, err)
		}
	}
	return s, nil
}

// Start begins dispatching ticks in a background goroutine owned by
// robfig/cron; it returns immediately.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the cron dispatcher and waits for any in-flight tick to finish,
// honoring the caller's context as an upper bound on that wait.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runGuarded wraps a single tick: acquire the named lock, run the handler,
// release. An overlapping fire is dropped (ErrNotAcquired), not queued. A
// handler error or panic is captured and surfaced, never propagated back
// into the cron dispatcher.
func (s *Scheduler) runGuarded(name string, ttl time.Duration, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			s.surface(name, fmt.Errorf("panic: %v", r))
		}
	}()

	ctx := context.Background()
	err := s.locker.WithLock(ctx, name, ttl, h)
	if err == nil {
		return
	}
	if err == lock.ErrNotAcquired {
		// Another process (or a still-running prior tick) holds the lock;
		// this is expected contention, not a failure.
		return
	}
	s.surface(name, err)
}

func (s *Scheduler) surface(name string, err error) {
	if s.logger != nil {
		s.logger.Error("scheduler: stage handler failed", "stage", name, "err", err)
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.KindError, map[string]any{"stage": name, "error": err.Error()})
	}
	if s.audit != nil {
		_ = s.audit.InsertAudit(context.Background(), "scheduler", fmt.Sprintf("%s: %v", name, err))
	}
}
