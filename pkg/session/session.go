// Package session tracks the authenticated-browser session principal
// and answers the one question pkg/router needs — is there a
// currently-valid session to route browser-mode scrapes and dispatches
// through — without router needing to know how a session is established or
// refreshed.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/heritagewatch/legacyreach/pkg/eventbus"
	"github.com/heritagewatch/legacyreach/pkg/store"
)

// Store is the subset of *store.Store the session manager needs.
type Store interface {
	GetSessionState(ctx context.Context) (store.SessionState, error)
	SetSessionState(ctx context.Context, st store.SessionState) error
}

// Manager owns the single most-recent SessionState row, cached in-process so
// router.Plan and the dispatch stage don't hit the store on every candidate.
type Manager struct {
	mu    sync.RWMutex
	store Store
	bus   *eventbus.Bus
	cache store.SessionState
	now   func() time.Time
}

// New constructs a Manager. Load should be called once at startup to seed
// the cache from the store before the scheduler's first tick.
func New(st Store, bus *eventbus.Bus) *Manager {
	return &Manager{store: st, bus: bus, now: time.Now}
}

// Load seeds the in-process cache from the store's most-recent row.
func (m *Manager) Load(ctx context.Context) error {
	st, err := m.store.GetSessionState(ctx)
	if err != nil && err != store.ErrNotFound {
		return err
	}
	if err == store.ErrNotFound {
		st = store.SessionState{Status: store.SessionUnknown, LastCheckedAt: m.now()}
	}
	m.mu.Lock()
	m.cache = st
	m.mu.Unlock()
	return nil
}

// IsValid implements pkg/router.SessionChecker.
func (m *Manager) IsValid(_ context.Context) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cache.Status == store.SessionValid
}

// Current returns the cached session state.
func (m *Manager) Current() store.SessionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cache
}

// MarkValid records a successful session check with the given principal,
// e.g. after the browser scraper observes a logged-in page.
func (m *Manager) MarkValid(ctx context.Context, principalID, principalName string) error {
	now := m.now()
	st := store.SessionState{
		Status:        store.SessionValid,
		LastCheckedAt: now,
		LastValidAt:   &now,
		PrincipalID:   principalID,
		PrincipalName: principalName,
	}
	return m.set(ctx, st)
}

// MarkInvalid transitions the session to invalid, e.g. on a recognized
// session-fault phrase during a dispatch attempt. Recovery from this
// state is operator-mediated (credential refresh).
func (m *Manager) MarkInvalid(ctx context.Context, reason string) error {
	cur := m.Current()
	st := store.SessionState{
		Status:        store.SessionInvalid,
		LastCheckedAt: m.now(),
		LastValidAt:   cur.LastValidAt,
		PrincipalID:   cur.PrincipalID,
		PrincipalName: cur.PrincipalName,
		Error:         reason,
	}
	return m.set(ctx, st)
}

// MarkBlocked transitions the session to blocked (a distinct fault from
// invalid — platform-side rate limiting or a checkpoint challenge rather
// than a logged-out session).
func (m *Manager) MarkBlocked(ctx context.Context, reason string) error {
	cur := m.Current()
	st := store.SessionState{
		Status:        store.SessionBlocked,
		LastCheckedAt: m.now(),
		LastValidAt:   cur.LastValidAt,
		PrincipalID:   cur.PrincipalID,
		PrincipalName: cur.PrincipalName,
		Error:         reason,
	}
	return m.set(ctx, st)
}

func (m *Manager) set(ctx context.Context, st store.SessionState) error {
	if err := m.store.SetSessionState(ctx, st); err != nil {
		return err
	}
	m.mu.Lock()
	m.cache = st
	m.mu.Unlock()
	if m.bus != nil {
		m.bus.Publish(eventbus.KindSession, st)
	}
	return nil
}
