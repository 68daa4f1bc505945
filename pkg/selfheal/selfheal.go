// Package selfheal periodically probes process health and a small
// catalogue of known fault kinds, attempting automated remediation for
// faults that have one. Every detection and attempt is published on
// the event bus and recorded in a bounded healing-actions ring, cooldown
// gated per fault kind to prevent oscillation.
package selfheal

import (
	"context"
	"math"
	"runtime/debug"
	"time"

	"github.com/heritagewatch/legacyreach/pkg/eventbus"
	"github.com/heritagewatch/legacyreach/pkg/metrics"
	"github.com/heritagewatch/legacyreach/pkg/resilience"
)

// FaultKind identifies one of the fixed catalogue of detectable faults.
type FaultKind string

const (
	FaultMemoryPressure FaultKind = "memory_pressure"
	FaultStoreDown      FaultKind = "store_down"
	FaultEventLoopBlock FaultKind = "event_loop_blocked"
	FaultBreakerStuck   FaultKind = "breaker_stuck_open"
)

// Memory-pressure thresholds on heap usage and resident set size. The RSS
// ratio is taken against the Go runtime memory limit (debug.SetMemoryLimit)
// and is not checked when no limit is set.
const (
	HeapPressureRatio = 0.85
	RSSPressureRatio  = 0.90
)

// DefaultInterval and DefaultCooldown are the controller's defaults.
const (
	DefaultInterval = 30 * time.Second
	DefaultCooldown = 60 * time.Second
)

// HealthProber reports whether the durable store is currently reachable,
// and reconnects it when it isn't.
type HealthProber interface {
	HealthProbe(ctx context.Context) error
	Reconnect(ctx context.Context) error
}

// BreakerSet is the collection of breakers the controller inspects for a
// stuck-open condition.
type BreakerSet interface {
	Breakers() []*resilience.Breaker
}

// Action is one remediation attempt, recorded in the healing ring.
type Action struct {
	Fault     FaultKind
	Detail    string
	Succeeded bool
	At        time.Time
}

// Controller runs the periodic fault-detection/remediation loop.
type Controller struct {
	metrics  *metrics.Registry
	store    HealthProber
	breakers BreakerSet
	bus      *eventbus.Bus

	interval time.Duration
	cooldown time.Duration

	lastAction map[FaultKind]time.Time
	ring       *actionRing
	now        func() time.Time
}

// New constructs a Controller. interval and cooldown fall back to their
// documented defaults when zero.
func New(reg *metrics.Registry, store HealthProber, breakers BreakerSet, bus *eventbus.Bus, interval, cooldown time.Duration) *Controller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Controller{
		metrics:    reg,
		store:      store,
		breakers:   breakers,
		bus:        bus,
		interval:   interval,
		cooldown:   cooldown,
		lastAction: make(map[FaultKind]time.Time),
		ring:       newActionRing(200),
		now:        time.Now,
	}
}

// Actions returns the current healing-actions ring, oldest first.
func (c *Controller) Actions() []Action {
	return c.ring.all()
}

// Run ticks until ctx is canceled.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

func (c *Controller) tick(ctx context.Context) {
	snap := c.metrics.Snapshot()
	c.checkMemoryPressure(snap.Latest)
	c.checkStoreDown(ctx)
	c.checkEventLoopBlocked(snap.Latest)
	c.checkBreakersStuck()
}

func (c *Controller) checkMemoryPressure(latest metrics.Sample) {
	if latest.At.IsZero() {
		return
	}
	heapRatio := 0.0
	if latest.HeapTotalBytes > 0 {
		heapRatio = float64(latest.HeapUsedBytes) / float64(latest.HeapTotalBytes)
	}
	rssRatio := 0.0
	if limit := debug.SetMemoryLimit(-1); limit > 0 && limit < math.MaxInt64 {
		rssRatio = float64(latest.RSSBytes) / float64(limit)
	}
	if heapRatio <= HeapPressureRatio && rssRatio <= RSSPressureRatio {
		return
	}
	if !c.coolingDownElapsed(FaultMemoryPressure) {
		return
	}

	before := currentHeapAlloc()
	debug.FreeOSMemory()
	debug.FreeOSMemory()
	after := currentHeapAlloc()
	var freed uint64
	if before > after {
		freed = before - after
	}

	c.record(Action{
		Fault:     FaultMemoryPressure,
		Detail:    formatFreed(freed),
		Succeeded: true,
		At:        c.now(),
	})
}

func (c *Controller) checkStoreDown(ctx context.Context) {
	if c.store == nil {
		return
	}
	if err := c.store.HealthProbe(ctx); err == nil {
		return
	}
	if !c.coolingDownElapsed(FaultStoreDown) {
		return
	}

	reconnectErr := c.store.Reconnect(ctx)
	succeeded := reconnectErr == nil
	if succeeded {
		succeeded = c.store.HealthProbe(ctx) == nil
	}

	detail := "reconnected"
	if !succeeded {
		detail = "reconnect failed"
		if reconnectErr != nil {
			detail = "reconnect failed: " + reconnectErr.Error()
		}
	}
	c.record(Action{Fault: FaultStoreDown, Detail: detail, Succeeded: succeeded, At: c.now()})
}

func (c *Controller) checkEventLoopBlocked(latest metrics.Sample) {
	if latest.At.IsZero() || !latest.Blocked {
		return
	}
	if !c.coolingDownElapsed(FaultEventLoopBlock) {
		return
	}
	// No automated fix exists for a blocked loop; record the alert only, so an
	// operator notices via the push channel and healing ring.
	c.record(Action{
		Fault:     FaultEventLoopBlock,
		Detail:    "event loop latency exceeded threshold; operator attention required",
		Succeeded: false,
		At:        c.now(),
	})
}

func (c *Controller) checkBreakersStuck() {
	if c.breakers == nil {
		return
	}
	for _, b := range c.breakers.Breakers() {
		if b.RawState() != resilience.StateOpen {
			continue
		}
		if c.now().Before(b.NextAttempt()) {
			continue
		}
		if !c.coolingDownElapsed(FaultBreakerStuck) {
			continue
		}
		succeeded := b.ForceHalfOpen()
		c.record(Action{
			Fault:     FaultBreakerStuck,
			Detail:    "dependency=" + b.Name(),
			Succeeded: succeeded,
			At:        c.now(),
		})
	}
}

func (c *Controller) coolingDownElapsed(fault FaultKind) bool {
	last, ok := c.lastAction[fault]
	if ok && c.now().Sub(last) < c.cooldown {
		return false
	}
	c.lastAction[fault] = c.now()
	return true
}

func (c *Controller) record(a Action) {
	c.ring.add(a)
	if c.bus != nil {
		c.bus.Publish(eventbus.KindHealing, a)
	}
}
