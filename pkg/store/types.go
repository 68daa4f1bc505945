// Package store is the durable PostgreSQL-backed adapter for the pipeline's
// seven entities. It owns every byte of pipeline state; in-process
// components only ever hold bounded ring buffers.
package store

import "time"

// TargetKind classifies a configured forum target.
type TargetKind string

const (
	TargetPublic  TargetKind = "public"
	TargetPrivate TargetKind = "private"
	TargetUnknown TargetKind = "unknown"
)

// AccessMethod is how a target is reached.
type AccessMethod string

const (
	AccessFast    AccessMethod = "fast"
	AccessBrowser AccessMethod = "browser"
	AccessNone    AccessMethod = "none"
)

// DispatchStatus is the outcome of one dispatch attempt.
type DispatchStatus string

const (
	DispatchPending DispatchStatus = "pending"
	DispatchSent    DispatchStatus = "sent"
	DispatchFailed  DispatchStatus = "failed"
	DispatchSkipped DispatchStatus = "skipped"
)

// SessionStatus is the health of the authenticated browser session.
type SessionStatus string

const (
	SessionValid      SessionStatus = "valid"
	SessionExpired    SessionStatus = "expired"
	SessionInvalid    SessionStatus = "invalid"
	SessionRefreshing SessionStatus = "refreshing"
	SessionBlocked    SessionStatus = "blocked"
	SessionUnknown    SessionStatus = "unknown"
)

// RawItem is a scraped forum post as first captured.
type RawItem struct {
	ID          string
	SourceID    string
	SourceKey   string
	AuthorName  string
	AuthorLink  string
	AuthorPhoto string
	Text        string
	ScrapedAt   time.Time
}

// Classification is the LLM's verdict on a RawItem.
type Classification struct {
	RawItemID    string
	IsRelevant   bool
	Confidence   int
	ClassifiedAt time.Time
}

// DraftMessage is a personalized outreach message tied to one RawItem.
type DraftMessage struct {
	ID        string
	RawItemID string
	Text      string
	Link      string
	CreatedAt time.Time
}

// DispatchAttempt records one attempt to deliver a DraftMessage.
type DispatchAttempt struct {
	ID        string
	RawItemID string
	DraftID   string
	Status    DispatchStatus
	SentAt    *time.Time
	Error     string
}

// Target is one configured forum to scrape.
type Target struct {
	ID            string
	Kind          TargetKind
	AccessMethod  AccessMethod
	IsAccessible  bool
	LastProbedAt  time.Time
	LastScrapedAt *time.Time
	Error         string
}

// SessionState is the single most-recent authenticated-browser session row.
type SessionState struct {
	Status        SessionStatus
	LastCheckedAt time.Time
	LastValidAt   *time.Time
	PrincipalID   string
	PrincipalName string
	Error         string
}

// AuditEntry is an append-only operator-visible log line.
type AuditEntry struct {
	ID        string
	Kind      string
	Message   string
	CreatedAt time.Time
}

// UpsertRawItem is the idempotent-by-source_key input to upsert_raw.
type UpsertRawItem struct {
	SourceID    string
	SourceKey   string
	AuthorName  string
	AuthorLink  string
	AuthorPhoto string
	Text        string
}

// ClassifyCandidate pairs a RawItem with nothing else — classify reads text only.
type ClassifyCandidate = RawItem

// GenerateCandidate is a relevant, unmessaged, undispatched RawItem plus its
// classification, as selected by candidates_for_generate.
type GenerateCandidate struct {
	RawItem        RawItem
	Classification Classification
}

// DispatchCandidate is a DraftMessage plus its RawItem, as selected by
// candidates_for_dispatch.
type DispatchCandidate struct {
	RawItem RawItem
	Draft   DraftMessage
}
