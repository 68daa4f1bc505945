// Package stages implements the four pipeline stage handlers:
// Scrape, Classify, Generate, Dispatch. Each is a free Run function over a
// shared Deps struct, so the scheduler (pkg/scheduler) can invoke every
// stage the same way regardless of what it does internally.
//
// Every stage handler's per-candidate loop never lets a single bad
// candidate abort the batch: each candidate's error is caught, audited or
// logged, and the loop continues.
package stages

import (
	"context"
	"log/slog"
	"time"

	"github.com/heritagewatch/legacyreach/pkg/eventbus"
	"github.com/heritagewatch/legacyreach/pkg/llm"
	"github.com/heritagewatch/legacyreach/pkg/pool"
	"github.com/heritagewatch/legacyreach/pkg/resilience"
	"github.com/heritagewatch/legacyreach/pkg/router"
	"github.com/heritagewatch/legacyreach/pkg/scrape"
	"github.com/heritagewatch/legacyreach/pkg/semantic"
	"github.com/heritagewatch/legacyreach/pkg/session"
	"github.com/heritagewatch/legacyreach/pkg/store"
)

// Store is the subset of *store.Store every stage needs. Each stage file
// narrows this further only where it helps readability; they all share one
// interface so a single fake satisfies every stage's tests.
type Store interface {
	UpsertRaw(ctx context.Context, item store.UpsertRawItem) (store.RawItem, error)
	CandidatesForClassify(ctx context.Context, limit int) ([]store.RawItem, error)
	CandidatesForGenerate(ctx context.Context, limit int, minConfidence int) ([]store.GenerateCandidate, error)
	CandidatesForDispatch(ctx context.Context, limit int) ([]store.DispatchCandidate, error)
	CreateClassification(ctx context.Context, c store.Classification) error
	CreateDraftMessage(ctx context.Context, d store.DraftMessage) (store.DraftMessage, error)
	CreateDispatchAttempt(ctx context.Context, d store.DispatchAttempt) (store.DispatchAttempt, error)
	CountSentInWindow(ctx context.Context, window time.Duration) (int, error)
	InsertAudit(ctx context.Context, kind, message string) error
}

// Config holds the per-stage tunables supplied by the environment.
type Config struct {
	TargetIDs            []string
	ClassifyBatchSize    int
	GenerateBatchSize    int
	MinConfidence        int
	CanonicalBaseURL     string
	LandingBaseURL       string
	DailyDispatchLimit   int
	DispatchOpTimeout    time.Duration
	BrowserScrapeRetries int
}

// ClassifyBatchCap is the hard upper bound on CLASSIFY_BATCH_SIZE.
const ClassifyBatchCap = 50

// DefaultConfig matches the documented defaults.
var DefaultConfig = Config{
	ClassifyBatchSize:    20,
	GenerateBatchSize:    20,
	MinConfidence:        70,
	DailyDispatchLimit:   50,
	DispatchOpTimeout:    60 * time.Second,
	BrowserScrapeRetries: 2,
}

// LLMClient is the subset of *llm.Client the classify and generate stages
// need, narrowed to an interface so tests can substitute a fake.
type LLMClient interface {
	Classify(ctx context.Context, text string) (llm.Verdict, error)
	Generate(ctx context.Context, sourceText, firstName, shareLink string) (string, error)
}

// DuplicateIndex is the subset of *semantic.VectorStore the classify stage
// needs. A nil index disables near-duplicate verdict reuse entirely; index
// failures are logged and the candidate proceeds to the model as usual.
type DuplicateIndex interface {
	FindNearDuplicate(ctx context.Context, text string) (*semantic.Match, error)
	IndexClassified(ctx context.Context, rawItemID, text string, isRelevant bool, confidence int) error
}

// Deps wires every collaborator a stage handler needs: explicit typed
// collaborators constructed at process start and passed into handlers,
// never process globals.
type Deps struct {
	Store       Store
	Router      *router.Router
	Session     *session.Manager
	Pool        *pool.Pool
	LLM         LLMClient
	LLMBreaker  *resilience.Breaker
	Bus         *eventbus.Bus
	FastScraper scrape.Scraper
	Browser     scrape.Scraper
	Sender      Sender
	Duplicates  DuplicateIndex
	Config      Config
	Logger      *slog.Logger
	Now         func() time.Time
}

func (d *Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d *Deps) audit(ctx context.Context, kind, message string) {
	if err := d.Store.InsertAudit(ctx, kind, message); err != nil && d.Logger != nil {
		d.Logger.Warn("stages: audit write failed", "kind", kind, "err", err)
	}
	if d.Bus != nil {
		d.Bus.Publish(eventbus.KindAudit, store.AuditEntry{Kind: kind, Message: message, CreatedAt: d.now()})
	}
}

func (d *Deps) logError(ctx context.Context, stage string, err error) {
	if d.Logger != nil {
		d.Logger.Error("stage error", "stage", stage, "err", err)
	}
	if d.Bus != nil {
		d.Bus.Publish(eventbus.KindError, map[string]any{"stage": stage, "error": err.Error()})
	}
}
