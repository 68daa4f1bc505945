// Package router plans how the Scrape stage should reach each configured
// target: which scraper to use, and whether the target is usable at all,
// fronted by an in-memory cache of store.Target rows with a 24h freshness
// window.
package router

import (
	"context"
	"sync"
	"time"

	"github.com/heritagewatch/legacyreach/pkg/store"
)

// FreshnessWindow is how long a cached Target entry is trusted before the
// router re-probes.
const FreshnessWindow = 24 * time.Hour

// Plan is the router's recommendation for one target.
type Plan struct {
	Method AccessMethod
	Usable bool
	Reason string
	Kind   store.TargetKind
}

// AccessMethod mirrors store.AccessMethod to keep pkg/router's public API
// independent of the store package's enum identity.
type AccessMethod = store.AccessMethod

const (
	MethodFast    = store.AccessFast
	MethodBrowser = store.AccessBrowser
	MethodNone    = store.AccessNone
)

// SessionChecker reports whether an authenticated browser session is
// currently valid, without the router needing to import pkg/stages.
type SessionChecker interface {
	IsValid(ctx context.Context) bool
}

// Store is the subset of *store.Store the router needs.
type Store interface {
	GetTarget(ctx context.Context, id string) (store.Target, error)
	UpsertTarget(ctx context.Context, t store.Target) error
	MarkScraped(ctx context.Context, id string, method store.AccessMethod) error
	MarkError(ctx context.Context, id string, msg string) error
}

// Router caches target plans in-process, rebuilding from the store after
// FreshnessWindow elapses or on cache miss.
type Router struct {
	mu      sync.RWMutex
	store   Store
	session SessionChecker
	cache   map[string]cached
	now     func() time.Time
}

type cached struct {
	target   store.Target
	cachedAt time.Time
}

// New constructs a Router over store and a session checker.
func New(st Store, session SessionChecker) *Router {
	return &Router{
		store:   st,
		session: session,
		cache:   make(map[string]cached),
		now:     time.Now,
	}
}

// Plan resolves the access plan for targetID. A cache hit younger
// than FreshnessWindow with a resolved kind (≠ unknown) short-circuits the
// store read entirely.
func (r *Router) Plan(ctx context.Context, targetID string) (Plan, error) {
	if p, ok := r.cachedPlan(targetID); ok {
		return p, nil
	}

	t, err := r.store.GetTarget(ctx, targetID)
	if err != nil && err != store.ErrNotFound {
		return Plan{}, err
	}

	if err == nil && r.now().Sub(t.LastProbedAt) < FreshnessWindow && t.Kind != store.TargetUnknown {
		r.setCache(targetID, t)
		return planFromTarget(t), nil
	}

	return r.probe(ctx, targetID, t, err == store.ErrNotFound)
}

// probe re-derives a plan. A target already resolved to private
// only proceeds with a valid browser session; everything else (unknown or
// public) defaults to the fast scraper, which needs no session at all and is
// the cheap option to try first. Scrape's own zero-result fallback
// is what promotes a target to the browser path, and ResolveKind is what
// narrows kind to private once that fallback actually has to be used.
func (r *Router) probe(ctx context.Context, targetID string, existing store.Target, isNew bool) (Plan, error) {
	kind := existing.Kind
	if kind == "" {
		kind = store.TargetUnknown
	}

	var plan Plan
	if kind == store.TargetPrivate {
		if r.session != nil && r.session.IsValid(ctx) {
			plan = Plan{Method: store.AccessBrowser, Usable: true, Kind: kind}
		} else {
			plan = Plan{Method: store.AccessNone, Usable: false, Reason: "no session", Kind: kind}
		}
	} else {
		plan = Plan{Method: store.AccessFast, Usable: true, Kind: kind}
	}

	t := existing
	t.ID = targetID
	t.Kind = plan.Kind
	t.AccessMethod = plan.Method
	t.IsAccessible = plan.Usable
	if !isNew {
		t.Error = existing.Error
	}

	if err := r.store.UpsertTarget(ctx, t); err != nil {
		return Plan{}, err
	}
	r.setCache(targetID, t)
	return plan, nil
}

// MarkScraped records a successful scrape: clears the error, refreshes
// last_scraped_at and access_method. It does not touch kind — callers that
// observe a target's actual kind for the first time call ResolveKind
// alongside this.
func (r *Router) MarkScraped(ctx context.Context, targetID string, method store.AccessMethod) error {
	if err := r.store.MarkScraped(ctx, targetID, method); err != nil {
		return err
	}
	r.invalidate(targetID)
	return nil
}

// MarkError records a scrape failure; callers must only invoke
// this for access errors (private/blocked), never for an empty result set
// alone — that distinction is the caller's (pkg/stages/scrape.go) to make.
func (r *Router) MarkError(ctx context.Context, targetID string, msg string) error {
	if err := r.store.MarkError(ctx, targetID, msg); err != nil {
		return err
	}
	r.invalidate(targetID)
	return nil
}

// ResolveKind is called by the Scrape stage once a scrape of an `unknown`
// target returns items, narrowing its kind: public when the fast path
// returned them, private when the browser path had to. An empty fast-scrape
// result alone never calls this; an access error is recorded through
// MarkError instead.
func (r *Router) ResolveKind(ctx context.Context, targetID string, kind store.TargetKind) error {
	t, err := r.store.GetTarget(ctx, targetID)
	if err != nil {
		return err
	}
	t.Kind = kind
	if err := r.store.UpsertTarget(ctx, t); err != nil {
		return err
	}
	r.invalidate(targetID)
	return nil
}

func (r *Router) cachedPlan(targetID string) (Plan, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.cache[targetID]
	if !ok {
		return Plan{}, false
	}
	if r.now().Sub(c.cachedAt) >= FreshnessWindow || c.target.Kind == store.TargetUnknown {
		return Plan{}, false
	}
	return planFromTarget(c.target), true
}

func (r *Router) setCache(targetID string, t store.Target) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[targetID] = cached{target: t, cachedAt: r.now()}
}

func (r *Router) invalidate(targetID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, targetID)
}

func planFromTarget(t store.Target) Plan {
	return Plan{
		Method: t.AccessMethod,
		Usable: t.IsAccessible,
		Reason: t.Error,
		Kind:   t.Kind,
	}
}
