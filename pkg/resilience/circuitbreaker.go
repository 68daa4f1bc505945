// Package resilience guards every external dependency (the durable store,
// the LLM provider, the fast scraper) behind a circuit breaker and a
// classifying retry helper, and publishes breaker state transitions onto an
// event bus so the push channel can surface them to an operator.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/heritagewatch/legacyreach/pkg/eventbus"
	"github.com/heritagewatch/legacyreach/pkg/fn"
)

// State is one of the three circuit breaker states.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when Call rejects without invoking f.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Recognized dependency names.
const (
	DependencyFastScraper = "fast_scraper"
	DependencyLLM         = "llm"
	DependencyStore       = "store"
)

// BreakerOpts configures a Breaker.
type BreakerOpts struct {
	// FailThreshold is the number of consecutive failures that trips the breaker.
	FailThreshold int
	// ResetTimeout is how long the breaker stays Open before allowing a probe.
	ResetTimeout time.Duration
	// HalfOpenMax bounds the number of concurrent probe calls in Half-Open.
	HalfOpenMax int
}

// DefaultBreakerOpts are the per-dependency defaults.
var DefaultBreakerOpts = BreakerOpts{
	FailThreshold: 5,
	ResetTimeout:  30 * time.Second,
	HalfOpenMax:   1,
}

// Breaker is a per-dependency closed/open/half-open state machine.
type Breaker struct {
	mu            sync.Mutex
	name          string
	opts          BreakerOpts
	state         State
	failures      int
	openedAt      time.Time
	halfOpenCount int
	bus           *eventbus.Bus
	now           func() time.Time
}

// NewBreaker creates a named breaker. bus may be nil, in which case state
// transitions are not published (useful in isolated tests).
func NewBreaker(name string, opts BreakerOpts, bus *eventbus.Bus) *Breaker {
	if opts.FailThreshold <= 0 {
		opts.FailThreshold = DefaultBreakerOpts.FailThreshold
	}
	if opts.ResetTimeout <= 0 {
		opts.ResetTimeout = DefaultBreakerOpts.ResetTimeout
	}
	if opts.HalfOpenMax <= 0 {
		opts.HalfOpenMax = DefaultBreakerOpts.HalfOpenMax
	}
	return &Breaker{name: name, opts: opts, bus: bus, now: time.Now}
}

// Name returns the dependency name this breaker guards.
func (b *Breaker) Name() string { return b.name }

// State returns the current state, resolving an elapsed Open→Half-Open
// transition first.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState()
}

// RawState returns the breaker's state without resolving an elapsed
// Open→Half-Open transition the way State() does. The self-healing
// controller uses this to detect a breaker that has sat Open past its
// reset timeout without any caller's State()/Call() having naturally
// resolved it already.
func (b *Breaker) RawState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// NextAttempt returns when an Open breaker will allow its next probe.
func (b *Breaker) NextAttempt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.openedAt.Add(b.opts.ResetTimeout)
}

// currentState must be called with mu held.
func (b *Breaker) currentState() State {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.opts.ResetTimeout {
		b.transition(StateHalfOpen)
		b.halfOpenCount = 0
	}
	return b.state
}

// transition must be called with mu held; it publishes the change if it is
// an actual change and a bus is configured.
func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	if from == to {
		return
	}
	if to == StateOpen {
		b.openedAt = b.now()
	}
	if b.bus != nil {
		b.bus.Publish(eventbus.KindBreaker, BreakerTransition{
			Dependency: b.name,
			From:       from,
			To:         to,
			At:         b.now(),
		})
	}
}

// BreakerTransition is published on the event bus whenever a breaker changes state.
type BreakerTransition struct {
	Dependency string
	From       State
	To         State
	At         time.Time
}

// ForceHalfOpen transitions an Open breaker directly to Half-Open, bypassing
// the reset timeout. Used by the self-healing controller to recover a
// breaker stuck open past its NextAttempt.
func (b *Breaker) ForceHalfOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		return false
	}
	b.transition(StateHalfOpen)
	b.halfOpenCount = 0
	return true
}

// Call executes f through the breaker: rejected immediately with
// ErrCircuitOpen when Open, allowed through when Closed, and allowed exactly
// HalfOpenMax concurrent probes when Half-Open.
func (b *Breaker) Call(ctx context.Context, f func(context.Context) error) error {
	b.mu.Lock()
	st := b.currentState()
	switch st {
	case StateOpen:
		b.mu.Unlock()
		return ErrCircuitOpen
	case StateHalfOpen:
		if b.halfOpenCount >= b.opts.HalfOpenMax {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		b.halfOpenCount++
	}
	b.mu.Unlock()

	err := f(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.failures++
		if b.state == StateHalfOpen || b.failures >= b.opts.FailThreshold {
			b.transition(StateOpen)
			b.failures = 0
			b.halfOpenCount = 0
		}
		return err
	}

	if b.state == StateHalfOpen {
		b.transition(StateClosed)
	}
	b.failures = 0
	return nil
}

// CallResult is Call for code already working in fn.Result terms.
func CallResult[T any](b *Breaker, ctx context.Context, f func(context.Context) fn.Result[T]) fn.Result[T] {
	var out fn.Result[T]
	err := b.Call(ctx, func(ctx context.Context) error {
		out = f(ctx)
		_, err := out.Unwrap()
		return err
	})
	if err != nil && err != ErrCircuitOpen {
		return out
	}
	if err == ErrCircuitOpen {
		return fn.Err[T](ErrCircuitOpen)
	}
	return out
}
