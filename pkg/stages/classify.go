package stages

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/heritagewatch/legacyreach/pkg/eventbus"
	"github.com/heritagewatch/legacyreach/pkg/fn"
	"github.com/heritagewatch/legacyreach/pkg/llm"
	"github.com/heritagewatch/legacyreach/pkg/resilience"
	"github.com/heritagewatch/legacyreach/pkg/store"
)

// classifyRetryAttempts, classifyBaseDelay shape the backoff for the
// retry sequence that runs inside a single LLM breaker Call.
const (
	classifyRetryAttempts = 3
	classifyBaseDelay     = time.Second
	classifyBackoffFactor = 2.0
)

// RunClassify scores up to the configured batch size of RawItems lacking a
// Classification. The batch short-circuits on CircuitOpenError: the
// remaining candidates are left untouched for the next tick, per scenario 3.
func RunClassify(ctx context.Context, d *Deps) error {
	limit := d.Config.ClassifyBatchSize
	if limit <= 0 {
		limit = DefaultConfig.ClassifyBatchSize
	}
	if limit > ClassifyBatchCap {
		limit = ClassifyBatchCap
	}

	candidates, err := d.Store.CandidatesForClassify(ctx, limit)
	if err != nil {
		return fmt.Errorf("classify: load candidates: %w", err)
	}

	for _, item := range candidates {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := d.classifyOne(ctx, item); err != nil {
			if errors.Is(err, resilience.ErrCircuitOpen) {
				d.audit(ctx, "classify", "llm breaker open; deferring remaining batch to next tick")
				return nil
			}
			d.logError(ctx, "classify", fmt.Errorf("item %s: %w", item.ID, err))
		}
	}
	return nil
}

func (d *Deps) classifyOne(ctx context.Context, item store.RawItem) error {
	if item.Text == "" {
		d.audit(ctx, "classify", fmt.Sprintf("item %s: skipped (empty text)", item.ID))
		return nil
	}

	// A near-identical post already classified (the same story cross-posted
	// to another target, or a re-scrape with trailing edits) reuses its
	// verdict instead of paying for another model call. Index failures
	// degrade to the model path, never block it.
	if d.Duplicates != nil {
		m, err := d.Duplicates.FindNearDuplicate(ctx, item.Text)
		switch {
		case err != nil:
			if d.Logger != nil {
				d.Logger.Warn("classify: duplicate lookup failed", "item", item.ID, "err", err)
			}
		case m != nil && m.RawItemID != item.ID:
			c := store.Classification{
				RawItemID:  item.ID,
				IsRelevant: m.IsRelevant,
				Confidence: m.Confidence,
			}
			if err := d.Store.CreateClassification(ctx, c); err != nil {
				return fmt.Errorf("persist classification: %w", err)
			}
			d.audit(ctx, "classify", fmt.Sprintf("item %s: reused verdict of near-duplicate %s (score %.2f)", item.ID, m.RawItemID, m.Score))
			return nil
		}
	}

	result := resilience.CallResult(d.LLMBreaker, ctx, func(ctx context.Context) fn.Result[llm.Verdict] {
		return resilience.Retry(ctx, classifyRetryAttempts, classifyBaseDelay, classifyBackoffFactor,
			func(ctx context.Context) fn.Result[llm.Verdict] {
				return fn.FromPair(d.LLM.Classify(ctx, item.Text))
			})
	})

	verdict, err := result.Unwrap()
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return err
		}
		d.audit(ctx, "classify", fmt.Sprintf("item %s: skipped (malformed response: %v)", item.ID, err))
		return nil
	}

	c := store.Classification{
		RawItemID:  item.ID,
		IsRelevant: verdict.IsRelevant,
		Confidence: verdict.Confidence,
	}
	if err := d.Store.CreateClassification(ctx, c); err != nil {
		return fmt.Errorf("persist classification: %w", err)
	}
	if d.Duplicates != nil {
		if err := d.Duplicates.IndexClassified(ctx, item.ID, item.Text, verdict.IsRelevant, verdict.Confidence); err != nil && d.Logger != nil {
			d.Logger.Warn("classify: vector index write failed", "item", item.ID, "err", err)
		}
	}
	if d.Bus != nil {
		d.Bus.Publish(eventbus.KindAudit, c)
	}
	return nil
}
