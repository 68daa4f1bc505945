package stages

import (
	"context"
	"time"

	"github.com/heritagewatch/legacyreach/pkg/llm"
	"github.com/heritagewatch/legacyreach/pkg/store"
)

// fakeStore is a minimal in-memory double satisfying the Store interface.
type fakeStore struct {
	upserted        []store.UpsertRawItem
	classifyQueue   []store.RawItem
	generateQueue   []store.GenerateCandidate
	dispatchQueue   []store.DispatchCandidate
	classifications []store.Classification
	drafts          []store.DraftMessage
	attempts        []store.DispatchAttempt
	audits          []string
	sentInWindow    int
	failUpsert      bool
	failCreateDraft bool
}

func (f *fakeStore) UpsertRaw(_ context.Context, item store.UpsertRawItem) (store.RawItem, error) {
	if f.failUpsert {
		return store.RawItem{}, errTest
	}
	f.upserted = append(f.upserted, item)
	return store.RawItem{ID: item.SourceKey, SourceKey: item.SourceKey, Text: item.Text}, nil
}

func (f *fakeStore) CandidatesForClassify(_ context.Context, limit int) ([]store.RawItem, error) {
	if limit < len(f.classifyQueue) {
		return f.classifyQueue[:limit], nil
	}
	return f.classifyQueue, nil
}

func (f *fakeStore) CandidatesForGenerate(_ context.Context, limit int, _ int) ([]store.GenerateCandidate, error) {
	if limit < len(f.generateQueue) {
		return f.generateQueue[:limit], nil
	}
	return f.generateQueue, nil
}

func (f *fakeStore) CandidatesForDispatch(_ context.Context, limit int) ([]store.DispatchCandidate, error) {
	if limit < len(f.dispatchQueue) {
		return f.dispatchQueue[:limit], nil
	}
	return f.dispatchQueue, nil
}

func (f *fakeStore) CreateClassification(_ context.Context, c store.Classification) error {
	f.classifications = append(f.classifications, c)
	return nil
}

func (f *fakeStore) CreateDraftMessage(_ context.Context, d store.DraftMessage) (store.DraftMessage, error) {
	if f.failCreateDraft {
		return store.DraftMessage{}, errTest
	}
	d.ID = "draft-" + d.RawItemID
	f.drafts = append(f.drafts, d)
	return d, nil
}

func (f *fakeStore) CreateDispatchAttempt(_ context.Context, d store.DispatchAttempt) (store.DispatchAttempt, error) {
	f.attempts = append(f.attempts, d)
	return d, nil
}

func (f *fakeStore) CountSentInWindow(_ context.Context, _ time.Duration) (int, error) {
	return f.sentInWindow, nil
}

func (f *fakeStore) InsertAudit(_ context.Context, kind, message string) error {
	f.audits = append(f.audits, kind+": "+message)
	return nil
}

var errTest = errTestError{}

type errTestError struct{}

func (errTestError) Error() string { return "fake store error" }

// fakeLLM is an LLMClient double.
type fakeLLM struct {
	verdict     llm.Verdict
	verdictErr  error
	generated   string
	generateErr error
	classifyN   int
	generateN   int
}

func (f *fakeLLM) Classify(_ context.Context, _ string) (llm.Verdict, error) {
	f.classifyN++
	return f.verdict, f.verdictErr
}

func (f *fakeLLM) Generate(_ context.Context, _, _, _ string) (string, error) {
	f.generateN++
	return f.generated, f.generateErr
}

// fakeSender is a stages.Sender double.
type fakeSender struct {
	calls   []sendCall
	failErr error
}

type sendCall struct {
	link string
	text string
}

func (f *fakeSender) Send(_ context.Context, link, text string) error {
	f.calls = append(f.calls, sendCall{link: link, text: text})
	return f.failErr
}
