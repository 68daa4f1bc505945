package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/heritagewatch/legacyreach/pkg/eventbus"
	"github.com/heritagewatch/legacyreach/pkg/lock"
)

type fakeAudit struct {
	messages []string
}

func (a *fakeAudit) InsertAudit(_ context.Context, kind, message string) error {
	a.messages = append(a.messages, kind+": "+message)
	return nil
}

func newTestLocker(t *testing.T) lock.Locker {
	t.Helper()
	l, err := lock.New("")
	if err != nil {
		t.Fatal(err)
	}
	return l
}

func TestNewRejectsInvalidCadence(t *testing.T) {
	entries := []Entry{{Name: "scrape", Cadence: "not a cron string", Handler: func(context.Context) error { return nil }}}
	if _, err := New(entries, newTestLocker(t), eventbus.New(), nil, nil); err == nil {
		t.Fatal("expected an error for an invalid cadence string")
	}
}

func TestNewAcceptsStandardCronStrings(t *testing.T) {
	entries := []Entry{
		{Name: "scrape", Cadence: "*/10 * * * *", Handler: func(context.Context) error { return nil }},
		{Name: "dispatch", Cadence: "@every 15m", Handler: func(context.Context) error { return nil }},
	}
	s, err := New(entries, newTestLocker(t), eventbus.New(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if s == nil {
		t.Fatal("expected a non-nil scheduler")
	}
}

func TestRunGuardedSurfacesHandlerError(t *testing.T) {
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(eventbus.KindError)
	defer unsub()

	audit := &fakeAudit{}
	s := &Scheduler{locker: newTestLocker(t), bus: bus, audit: audit}

	s.runGuarded("classify", time.Minute, func(context.Context) error {
		return errors.New("boom")
	})

	select {
	case evt := <-ch:
		payload, ok := evt.Payload.(map[string]any)
		if !ok || payload["stage"] != "classify" {
			t.Fatalf("unexpected event payload: %+v", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("expected an error event to be published")
	}

	if len(audit.messages) != 1 {
		t.Fatalf("expected one audit message, got %d", len(audit.messages))
	}
}

func TestRunGuardedRecoversPanic(t *testing.T) {
	s := &Scheduler{locker: newTestLocker(t), bus: eventbus.New()}

	// Must not panic out of runGuarded.
	s.runGuarded("dispatch", time.Minute, func(context.Context) error {
		panic("handler exploded")
	})
}

func TestRunGuardedDropsOverlappingFire(t *testing.T) {
	locker := newTestLocker(t)
	s := &Scheduler{locker: locker, bus: eventbus.New()}

	release := make(chan struct{})
	started := make(chan struct{})
	go s.runGuarded("scrape", time.Minute, func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	})
	<-started

	calledSecond := false
	s.runGuarded("scrape", time.Minute, func(ctx context.Context) error {
		calledSecond = true
		return nil
	})
	close(release)

	if calledSecond {
		t.Fatal("expected the overlapping fire to be dropped, not run")
	}
}
