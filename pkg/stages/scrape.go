package stages

import (
	"context"
	"errors"
	"fmt"

	"github.com/heritagewatch/legacyreach/pkg/resilience"
	"github.com/heritagewatch/legacyreach/pkg/scrape"
	"github.com/heritagewatch/legacyreach/pkg/store"
)

// RunScrape discovers new items for every configured target.
func RunScrape(ctx context.Context, d *Deps) error {
	for _, targetID := range d.Config.TargetIDs {
		if err := ctx.Err(); err != nil {
			return err
		}
		d.scrapeTarget(ctx, targetID)
	}
	return nil
}

func (d *Deps) scrapeTarget(ctx context.Context, targetID string) {
	plan, err := d.Router.Plan(ctx, targetID)
	if err != nil {
		d.audit(ctx, "scrape", fmt.Sprintf("target %s: plan failed: %v", targetID, err))
		return
	}
	if !plan.Usable {
		d.audit(ctx, "scrape", fmt.Sprintf("target %s: not usable (%s)", targetID, plan.Reason))
		return
	}

	method := plan.Method
	items, err := d.runScraper(ctx, method, targetID)

	// A zero-item fast-scrape result alone must never mark the
	// target inaccessible — it might be blocked, not empty — so fall back
	// to the browser scraper when a session is valid instead.
	if method == store.AccessFast && err == nil && len(items) == 0 && d.Session != nil && d.Session.IsValid(ctx) {
		method = store.AccessBrowser
		items, err = d.runScraper(ctx, method, targetID)
	}

	if err != nil {
		var accessErr *scrape.AccessError
		if errors.As(err, &accessErr) {
			_ = d.Router.MarkError(ctx, targetID, accessErr.Reason)
			d.audit(ctx, "scrape", fmt.Sprintf("target %s: access denied: %s", targetID, accessErr.Reason))
			return
		}
		d.audit(ctx, "scrape", fmt.Sprintf("target %s: scrape failed via %s: %v", targetID, method, err))
		return
	}

	saved := 0
	for _, item := range items {
		if _, err := d.Store.UpsertRaw(ctx, item); err != nil {
			d.logError(ctx, "scrape", fmt.Errorf("target %s: upsert %s: %w", targetID, item.SourceKey, err))
			continue
		}
		saved++
	}

	_ = d.Router.MarkScraped(ctx, targetID, method)
	// A zero-item fast result leaves kind unresolved: the target might be
	// blocked rather than empty, so only an observed result narrows it.
	if plan.Kind == store.TargetUnknown && len(items) > 0 {
		kind := store.TargetPublic
		if method == store.AccessBrowser {
			kind = store.TargetPrivate
		}
		_ = d.Router.ResolveKind(ctx, targetID, kind)
	}
	d.audit(ctx, "scrape", fmt.Sprintf("target %s: method=%s saved=%d total=%d", targetID, method, saved, len(items)))
}

// runScraper dispatches to the fast or browser scraper per the router's
// plan. The browser scraper additionally runs under the bounded pool
// and gets one bounded retry attempt, since a headless-browser
// session is the expensive resource the pool exists to cap.
func (d *Deps) runScraper(ctx context.Context, method store.AccessMethod, targetID string) ([]store.UpsertRawItem, error) {
	switch method {
	case store.AccessFast:
		return d.FastScraper.Scrape(ctx, targetID, 0)
	case store.AccessBrowser:
		return d.scrapeViaBrowserPool(ctx, targetID)
	default:
		return nil, fmt.Errorf("scrape: no usable access method for target %s", targetID)
	}
}

func (d *Deps) scrapeViaBrowserPool(ctx context.Context, targetID string) ([]store.UpsertRawItem, error) {
	var items []store.UpsertRawItem
	err := d.Pool.Execute(ctx, "scrape:"+targetID, func(ctx context.Context) error {
		attempts := d.Config.BrowserScrapeRetries
		if attempts <= 0 {
			attempts = 1
		}
		var lastErr error
		for attempt := 1; attempt <= attempts; attempt++ {
			result, err := d.Browser.Scrape(ctx, targetID, 0)
			if err == nil {
				items = result
				return nil
			}
			lastErr = err
			var accessErr *scrape.AccessError
			if errors.As(err, &accessErr) || !resilience.IsRetryable(err) {
				return err
			}
		}
		return lastErr
	})
	return items, err
}
