package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/heritagewatch/legacyreach/pkg/eventbus"
)

func TestBreakerStartsClosed(t *testing.T) {
	b := NewBreaker(DependencyStore, BreakerOpts{FailThreshold: 3, ResetTimeout: time.Second}, nil)
	if b.State() != StateClosed {
		t.Fatalf("expected closed, got %v", b.State())
	}
}

func TestBreakerTripsAfterNConsecutiveFailures(t *testing.T) {
	b := NewBreaker(DependencyStore, BreakerOpts{FailThreshold: 3, ResetTimeout: time.Second}, nil)
	ctx := context.Background()
	fail := errors.New("fail")

	for i := 0; i < 3; i++ {
		_ = b.Call(ctx, func(context.Context) error { return fail })
	}
	if b.State() != StateOpen {
		t.Fatalf("expected open, got %v", b.State())
	}

	err := b.Call(ctx, func(context.Context) error { return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestBreakerResetsCounterOnSuccess(t *testing.T) {
	b := NewBreaker(DependencyStore, BreakerOpts{FailThreshold: 3, ResetTimeout: time.Second}, nil)
	ctx := context.Background()
	fail := errors.New("fail")

	_ = b.Call(ctx, func(context.Context) error { return fail })
	_ = b.Call(ctx, func(context.Context) error { return fail })
	_ = b.Call(ctx, func(context.Context) error { return nil })
	if b.State() != StateClosed {
		t.Fatalf("expected closed after success, got %v", b.State())
	}

	_ = b.Call(ctx, func(context.Context) error { return fail })
	_ = b.Call(ctx, func(context.Context) error { return fail })
	if b.State() != StateClosed {
		t.Fatalf("expected still closed, got %v", b.State())
	}
}

func TestBreakerHalfOpenSuccessCloses(t *testing.T) {
	now := time.Now()
	b := NewBreaker(DependencyLLM, BreakerOpts{FailThreshold: 2, ResetTimeout: 5 * time.Second, HalfOpenMax: 1}, nil)
	b.now = func() time.Time { return now }
	ctx := context.Background()
	fail := errors.New("fail")

	_ = b.Call(ctx, func(context.Context) error { return fail })
	_ = b.Call(ctx, func(context.Context) error { return fail })
	if b.State() != StateOpen {
		t.Fatalf("expected open, got %v", b.State())
	}

	now = now.Add(6 * time.Second)
	if b.State() != StateHalfOpen {
		t.Fatalf("expected half-open, got %v", b.State())
	}

	_ = b.Call(ctx, func(context.Context) error { return nil })
	if b.State() != StateClosed {
		t.Fatalf("expected closed after half-open success, got %v", b.State())
	}
}

func TestBreakerHalfOpenFailureReopensWithRefreshedTimer(t *testing.T) {
	now := time.Now()
	b := NewBreaker(DependencyLLM, BreakerOpts{FailThreshold: 2, ResetTimeout: 5 * time.Second, HalfOpenMax: 1}, nil)
	b.now = func() time.Time { return now }
	ctx := context.Background()
	fail := errors.New("fail")

	_ = b.Call(ctx, func(context.Context) error { return fail })
	_ = b.Call(ctx, func(context.Context) error { return fail })
	now = now.Add(6 * time.Second)
	_ = b.Call(ctx, func(context.Context) error { return fail }) // probe fails

	if b.State() != StateOpen {
		t.Fatalf("expected re-opened, got %v", b.State())
	}
	// Timer should have been refreshed from the probe failure, not the original trip.
	next := b.NextAttempt()
	if !next.Equal(now.Add(5 * time.Second)) {
		t.Fatalf("expected refreshed timer at %v, got %v", now.Add(5*time.Second), next)
	}
}

func TestBreakerOnlyOneHalfOpenProbeAdmitted(t *testing.T) {
	now := time.Now()
	b := NewBreaker(DependencyFastScraper, BreakerOpts{FailThreshold: 1, ResetTimeout: time.Second, HalfOpenMax: 1}, nil)
	b.now = func() time.Time { return now }
	ctx := context.Background()

	_ = b.Call(ctx, func(context.Context) error { return errors.New("fail") })
	now = now.Add(2 * time.Second)

	blockCh := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Call(ctx, func(context.Context) error {
			<-blockCh
			return nil
		})
	}()

	time.Sleep(20 * time.Millisecond) // let the first probe enter
	second := b.Call(ctx, func(context.Context) error { return nil })
	if !errors.Is(second, ErrCircuitOpen) {
		t.Fatalf("expected second concurrent half-open probe to be rejected, got %v", second)
	}
	close(blockCh)
	<-done
}

func TestBreakerPublishesTransitions(t *testing.T) {
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(eventbus.KindBreaker)
	defer unsub()

	b := NewBreaker(DependencyStore, BreakerOpts{FailThreshold: 1, ResetTimeout: time.Second}, bus)
	_ = b.Call(context.Background(), func(context.Context) error { return errors.New("fail") })

	select {
	case evt := <-ch:
		trans := evt.Payload.(BreakerTransition)
		if trans.Dependency != DependencyStore || trans.To != StateOpen {
			t.Fatalf("unexpected transition: %+v", trans)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a breaker transition event")
	}
}

func TestForceHalfOpen(t *testing.T) {
	b := NewBreaker(DependencyStore, BreakerOpts{FailThreshold: 1, ResetTimeout: time.Hour}, nil)
	_ = b.Call(context.Background(), func(context.Context) error { return errors.New("fail") })
	if b.State() != StateOpen {
		t.Fatal("expected open")
	}
	if !b.ForceHalfOpen() {
		t.Fatal("expected ForceHalfOpen to succeed on an Open breaker")
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("expected half-open, got %v", b.State())
	}
	if b.ForceHalfOpen() {
		t.Fatal("expected ForceHalfOpen to be a no-op when not Open")
	}
}
