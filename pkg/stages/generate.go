package stages

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/heritagewatch/legacyreach/pkg/eventbus"
	"github.com/heritagewatch/legacyreach/pkg/fn"
	"github.com/heritagewatch/legacyreach/pkg/resilience"
	"github.com/heritagewatch/legacyreach/pkg/store"
)

const (
	generateRetryAttempts = 3
	generateBaseDelay     = time.Second
	generateBackoffFactor = 2.0
)

// RunGenerate composes a personalized draft for up to the configured batch
// size of relevant, undispatched candidates.
func RunGenerate(ctx context.Context, d *Deps) error {
	limit := d.Config.GenerateBatchSize
	if limit <= 0 {
		limit = DefaultConfig.GenerateBatchSize
	}
	minConfidence := d.Config.MinConfidence
	if minConfidence <= 0 {
		minConfidence = DefaultConfig.MinConfidence
	}

	candidates, err := d.Store.CandidatesForGenerate(ctx, limit, minConfidence)
	if err != nil {
		return fmt.Errorf("generate: load candidates: %w", err)
	}

	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := d.generateOne(ctx, c); err != nil {
			if errors.Is(err, resilience.ErrCircuitOpen) {
				d.audit(ctx, "generate", "llm breaker open; deferring remaining batch to next tick")
				return nil
			}
			d.logError(ctx, "generate", fmt.Errorf("item %s: %w", c.RawItem.ID, err))
		}
	}
	return nil
}

func (d *Deps) generateOne(ctx context.Context, c store.GenerateCandidate) error {
	firstName := firstNameToken(c.RawItem.AuthorName)
	link := d.shareLink(c.RawItem.ID, c.RawItem.Text)

	result := resilience.CallResult(d.LLMBreaker, ctx, func(ctx context.Context) fn.Result[string] {
		return resilience.Retry(ctx, generateRetryAttempts, generateBaseDelay, generateBackoffFactor,
			func(ctx context.Context) fn.Result[string] {
				return fn.FromPair(d.LLM.Generate(ctx, c.RawItem.Text, firstName, link))
			})
	})

	text, err := result.Unwrap()
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return err
		}
		d.audit(ctx, "generate", fmt.Sprintf("item %s: skipped (llm error: %v)", c.RawItem.ID, err))
		return nil
	}

	if !validDraft(text, d.Config.CanonicalBaseURL) {
		d.audit(ctx, "generate", fmt.Sprintf("item %s: skipped (invalid message)", c.RawItem.ID))
		return nil
	}

	draft := store.DraftMessage{RawItemID: c.RawItem.ID, Text: text, Link: link}
	created, err := d.Store.CreateDraftMessage(ctx, draft)
	if err != nil {
		return fmt.Errorf("persist draft: %w", err)
	}
	if d.Bus != nil {
		d.Bus.Publish(eventbus.KindAudit, created)
	}
	return nil
}

// validDraft requires non-empty text that contains the
// canonical base URL substring verbatim.
func validDraft(text, canonicalBaseURL string) bool {
	if strings.TrimSpace(text) == "" {
		return false
	}
	if canonicalBaseURL == "" {
		return true
	}
	return strings.Contains(text, canonicalBaseURL)
}

// shareLink builds the per-item link: a landing-page route
// when LandingBaseURL is configured, otherwise the canonical base URL with
// a query-string fallback.
func (d *Deps) shareLink(rawItemID, text string) string {
	if d.Config.LandingBaseURL != "" {
		return fmt.Sprintf("%s/submit/%s", strings.TrimSuffix(d.Config.LandingBaseURL, "/"), rawItemID)
	}
	return fmt.Sprintf("%s?ref=%s&text=%s", d.Config.CanonicalBaseURL, url.QueryEscape(rawItemID), url.QueryEscape(text))
}

// firstNameToken derives a first-name token from a full author name,
// falling back to empty so the caller addresses the reader generically.
func firstNameToken(authorName string) string {
	name := strings.TrimSpace(authorName)
	if name == "" {
		return ""
	}
	parts := strings.Fields(name)
	return parts[0]
}
