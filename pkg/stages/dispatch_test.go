package stages

import (
	"context"
	"testing"
	"time"

	"github.com/heritagewatch/legacyreach/pkg/eventbus"
	"github.com/heritagewatch/legacyreach/pkg/pool"
	"github.com/heritagewatch/legacyreach/pkg/session"
	"github.com/heritagewatch/legacyreach/pkg/store"
)

type fakeSessionStore struct {
	state store.SessionState
	found bool
}

func (f *fakeSessionStore) GetSessionState(context.Context) (store.SessionState, error) {
	if !f.found {
		return store.SessionState{}, store.ErrNotFound
	}
	return f.state, nil
}

func (f *fakeSessionStore) SetSessionState(_ context.Context, st store.SessionState) error {
	f.state = st
	f.found = true
	return nil
}

func newValidSession(t *testing.T) *session.Manager {
	t.Helper()
	m := session.New(&fakeSessionStore{}, nil)
	if err := m.MarkValid(context.Background(), "p1", "Jane"); err != nil {
		t.Fatal(err)
	}
	return m
}

func newDispatchDeps(fs *fakeStore, sender Sender, sess *session.Manager) *Deps {
	bus := eventbus.New()
	return &Deps{
		Store:   fs,
		Sender:  sender,
		Session: sess,
		Pool:    pool.New(2, time.Second, time.Second),
		Bus:     bus,
		Config:  DefaultConfig,
	}
}

func TestRunDispatchSendsAndRecordsSent(t *testing.T) {
	fs := &fakeStore{dispatchQueue: []store.DispatchCandidate{
		{RawItem: store.RawItem{ID: "item-1", AuthorLink: "https://forum.example/u/1"}, Draft: store.DraftMessage{ID: "d1", Text: "hi"}},
	}}
	sender := &fakeSender{}
	d := newDispatchDeps(fs, sender, newValidSession(t))

	if err := RunDispatch(context.Background(), d); err != nil {
		t.Fatal(err)
	}
	if len(sender.calls) != 1 {
		t.Fatalf("expected 1 send, got %d", len(sender.calls))
	}
	if len(fs.attempts) != 1 || fs.attempts[0].Status != store.DispatchSent {
		t.Fatalf("unexpected attempts: %+v", fs.attempts)
	}
}

func TestRunDispatchStopsAtQuota(t *testing.T) {
	fs := &fakeStore{
		dispatchQueue: []store.DispatchCandidate{
			{RawItem: store.RawItem{ID: "item-1"}, Draft: store.DraftMessage{ID: "d1"}},
		},
		sentInWindow: 50,
	}
	sender := &fakeSender{}
	d := newDispatchDeps(fs, sender, newValidSession(t))
	d.Config.DailyDispatchLimit = 50

	if err := RunDispatch(context.Background(), d); err != nil {
		t.Fatal(err)
	}
	if len(sender.calls) != 0 {
		t.Fatal("expected no sends once quota is exhausted")
	}
}

func TestRunDispatchMarksSessionInvalidOnFaultPhrase(t *testing.T) {
	fs := &fakeStore{dispatchQueue: []store.DispatchCandidate{
		{RawItem: store.RawItem{ID: "item-1", AuthorLink: "https://forum.example/u/1"}, Draft: store.DraftMessage{ID: "d1", Text: "hi"}},
	}}
	sender := &fakeSender{failErr: errSessionExpired{}}
	sess := newValidSession(t)
	d := newDispatchDeps(fs, sender, sess)

	if err := RunDispatch(context.Background(), d); err != nil {
		t.Fatal(err)
	}
	if sess.IsValid(context.Background()) {
		t.Fatal("expected session to be marked invalid")
	}
	if len(fs.attempts) != 1 || fs.attempts[0].Status != store.DispatchFailed {
		t.Fatalf("unexpected attempts: %+v", fs.attempts)
	}
}

func TestRunDispatchHaltsBatchOnSessionFault(t *testing.T) {
	fs := &fakeStore{dispatchQueue: []store.DispatchCandidate{
		{RawItem: store.RawItem{ID: "item-1", AuthorLink: "https://forum.example/u/1"}, Draft: store.DraftMessage{ID: "d1", Text: "hi"}},
		{RawItem: store.RawItem{ID: "item-2", AuthorLink: "https://forum.example/u/2"}, Draft: store.DraftMessage{ID: "d2", Text: "hi"}},
	}}
	sender := &fakeSender{failErr: errSessionExpired{}}
	sess := newValidSession(t)
	d := newDispatchDeps(fs, sender, sess)

	if err := RunDispatch(context.Background(), d); err != nil {
		t.Fatal(err)
	}
	if len(sender.calls) != 1 {
		t.Fatalf("expected the batch to halt after the first session fault, got %d sends", len(sender.calls))
	}
	if len(fs.attempts) != 1 {
		t.Fatalf("expected one recorded attempt, got %d", len(fs.attempts))
	}
}

func TestRunDispatchRecordsFailedOnTransientError(t *testing.T) {
	fs := &fakeStore{dispatchQueue: []store.DispatchCandidate{
		{RawItem: store.RawItem{ID: "item-1", AuthorLink: "https://forum.example/u/1"}, Draft: store.DraftMessage{ID: "d1", Text: "hi"}},
	}}
	sender := &fakeSender{failErr: errTest}
	sess := newValidSession(t)
	d := newDispatchDeps(fs, sender, sess)

	if err := RunDispatch(context.Background(), d); err != nil {
		t.Fatal(err)
	}
	if !sess.IsValid(context.Background()) {
		t.Fatal("expected session to remain valid on transient error")
	}
	if len(fs.attempts) != 1 || fs.attempts[0].Status != store.DispatchFailed {
		t.Fatalf("unexpected attempts: %+v", fs.attempts)
	}
}

type errSessionExpired struct{}

func (errSessionExpired) Error() string { return "session expired: please log in again" }

func TestRunDispatchMarksSessionBlockedOnCheckpointPhrase(t *testing.T) {
	fs := &fakeStore{dispatchQueue: []store.DispatchCandidate{
		{RawItem: store.RawItem{ID: "item-1", AuthorLink: "https://forum.example/u/1"}, Draft: store.DraftMessage{ID: "d1", Text: "hi"}},
	}}
	sender := &fakeSender{failErr: errCheckpoint{}}
	sess := newValidSession(t)
	d := newDispatchDeps(fs, sender, sess)

	if err := RunDispatch(context.Background(), d); err != nil {
		t.Fatal(err)
	}
	if got := sess.Current().Status; got != store.SessionBlocked {
		t.Fatalf("expected session blocked, got %v", got)
	}
	if len(fs.attempts) != 1 || fs.attempts[0].Status != store.DispatchFailed {
		t.Fatalf("unexpected attempts: %+v", fs.attempts)
	}
}

type errCheckpoint struct{}

func (errCheckpoint) Error() string { return "Checkpoint required before continuing" }
