package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// UpsertRaw is idempotent by source_key: on conflict it
// refreshes author_name, author_link, text, scraped_at and leaves
// source_id/source_key untouched.
func (s *Store) UpsertRaw(ctx context.Context, item UpsertRawItem) (RawItem, error) {
	var out RawItem
	err := withTimeout(ctx, "upsert_raw", func(ctx context.Context) error {
		row := s.db().QueryRow(ctx, `
			INSERT INTO raw_items (id, source_id, source_key, author_name, author_link, author_photo, text, scraped_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, now())
			ON CONFLICT (source_key) DO UPDATE SET
				author_name = EXCLUDED.author_name,
				author_link = EXCLUDED.author_link,
				text        = EXCLUDED.text,
				scraped_at  = now()
			RETURNING id, source_id, source_key, author_name, author_link, author_photo, text, scraped_at
		`, uuid.NewString(), item.SourceID, item.SourceKey, item.AuthorName, item.AuthorLink, item.AuthorPhoto, item.Text)
		return row.Scan(&out.ID, &out.SourceID, &out.SourceKey, &out.AuthorName, &out.AuthorLink, &out.AuthorPhoto, &out.Text, &out.ScrapedAt)
	})
	return out, err
}

// CandidatesForClassify returns RawItems lacking a Classification, oldest first.
func (s *Store) CandidatesForClassify(ctx context.Context, limit int) ([]RawItem, error) {
	var items []RawItem
	err := withTimeout(ctx, "candidates_for_classify", func(ctx context.Context) error {
		rows, err := s.db().Query(ctx, `
			SELECT r.id, r.source_id, r.source_key, r.author_name, r.author_link, r.author_photo, r.text, r.scraped_at
			FROM raw_items r
			LEFT JOIN classifications c ON c.raw_item_id = r.id
			WHERE c.raw_item_id IS NULL
			ORDER BY r.scraped_at ASC
			LIMIT $1
		`, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var r RawItem
			if err := rows.Scan(&r.ID, &r.SourceID, &r.SourceKey, &r.AuthorName, &r.AuthorLink, &r.AuthorPhoto, &r.Text, &r.ScrapedAt); err != nil {
				return err
			}
			items = append(items, r)
		}
		return rows.Err()
	})
	return items, err
}

// CandidatesForGenerate returns relevant Classifications whose RawItem has
// an author_link, has no DraftMessage, and has no sent DispatchAttempt,
// oldest first.
func (s *Store) CandidatesForGenerate(ctx context.Context, limit int, minConfidence int) ([]GenerateCandidate, error) {
	var out []GenerateCandidate
	err := withTimeout(ctx, "candidates_for_generate", func(ctx context.Context) error {
		rows, err := s.db().Query(ctx, `
			SELECT r.id, r.source_id, r.source_key, r.author_name, r.author_link, r.author_photo, r.text, r.scraped_at,
			       c.raw_item_id, c.is_relevant, c.confidence, c.classified_at
			FROM classifications c
			JOIN raw_items r ON r.id = c.raw_item_id
			LEFT JOIN draft_messages d ON d.raw_item_id = r.id
			LEFT JOIN dispatch_attempts a ON a.raw_item_id = r.id AND a.status = 'sent'
			WHERE c.is_relevant = true
			  AND c.confidence >= $1
			  AND r.author_link <> ''
			  AND d.raw_item_id IS NULL
			  AND a.raw_item_id IS NULL
			ORDER BY r.scraped_at ASC
			LIMIT $2
		`, minConfidence, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var g GenerateCandidate
			if err := rows.Scan(
				&g.RawItem.ID, &g.RawItem.SourceID, &g.RawItem.SourceKey, &g.RawItem.AuthorName, &g.RawItem.AuthorLink, &g.RawItem.AuthorPhoto, &g.RawItem.Text, &g.RawItem.ScrapedAt,
				&g.Classification.RawItemID, &g.Classification.IsRelevant, &g.Classification.Confidence, &g.Classification.ClassifiedAt,
			); err != nil {
				return err
			}
			out = append(out, g)
		}
		return rows.Err()
	})
	return out, err
}

// CandidatesForDispatch returns DraftMessages whose RawItem has an
// author_link and no sent DispatchAttempt, oldest first.
func (s *Store) CandidatesForDispatch(ctx context.Context, limit int) ([]DispatchCandidate, error) {
	var out []DispatchCandidate
	err := withTimeout(ctx, "candidates_for_dispatch", func(ctx context.Context) error {
		rows, err := s.db().Query(ctx, `
			SELECT r.id, r.source_id, r.source_key, r.author_name, r.author_link, r.author_photo, r.text, r.scraped_at,
			       d.id, d.raw_item_id, d.text, d.link, d.created_at
			FROM draft_messages d
			JOIN raw_items r ON r.id = d.raw_item_id
			LEFT JOIN dispatch_attempts a ON a.raw_item_id = r.id AND a.status = 'sent'
			WHERE r.author_link <> ''
			  AND a.raw_item_id IS NULL
			ORDER BY d.created_at ASC
			LIMIT $1
		`, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var d DispatchCandidate
			if err := rows.Scan(
				&d.RawItem.ID, &d.RawItem.SourceID, &d.RawItem.SourceKey, &d.RawItem.AuthorName, &d.RawItem.AuthorLink, &d.RawItem.AuthorPhoto, &d.RawItem.Text, &d.RawItem.ScrapedAt,
				&d.Draft.ID, &d.Draft.RawItemID, &d.Draft.Text, &d.Draft.Link, &d.Draft.CreatedAt,
			); err != nil {
				return err
			}
			out = append(out, d)
		}
		return rows.Err()
	})
	return out, err
}

// CreateClassification persists exactly one Classification per RawItem
// (unique index on raw_item_id enforces I1).
func (s *Store) CreateClassification(ctx context.Context, c Classification) error {
	return withTimeout(ctx, "create_classification", func(ctx context.Context) error {
		_, err := s.db().Exec(ctx, `
			INSERT INTO classifications (raw_item_id, is_relevant, confidence, classified_at)
			VALUES ($1, $2, $3, now())
			ON CONFLICT (raw_item_id) DO NOTHING
		`, c.RawItemID, c.IsRelevant, c.Confidence)
		return err
	})
}

// CreateDraftMessage persists a DraftMessage guarded by a unique index on
// raw_item_id.
func (s *Store) CreateDraftMessage(ctx context.Context, d DraftMessage) (DraftMessage, error) {
	var out DraftMessage
	err := withTimeout(ctx, "create_draft_message", func(ctx context.Context) error {
		row := s.db().QueryRow(ctx, `
			INSERT INTO draft_messages (id, raw_item_id, text, link, created_at)
			VALUES ($1, $2, $3, $4, now())
			ON CONFLICT (raw_item_id) DO NOTHING
			RETURNING id, raw_item_id, text, link, created_at
		`, uuid.NewString(), d.RawItemID, d.Text, d.Link)
		return row.Scan(&out.ID, &out.RawItemID, &out.Text, &out.Link, &out.CreatedAt)
	})
	return out, err
}

// CreateDispatchAttempt records one attempt. Multiple rows per RawItem are
// allowed; at most one sent row is enforced by the candidates_for_dispatch
// filter, not a DB constraint.
func (s *Store) CreateDispatchAttempt(ctx context.Context, d DispatchAttempt) (DispatchAttempt, error) {
	var out DispatchAttempt
	err := withTimeout(ctx, "create_dispatch_attempt", func(ctx context.Context) error {
		row := s.db().QueryRow(ctx, `
			INSERT INTO dispatch_attempts (id, raw_item_id, draft_id, status, sent_at, error)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id, raw_item_id, draft_id, status, sent_at, error
		`, uuid.NewString(), d.RawItemID, d.DraftID, d.Status, d.SentAt, d.Error)
		return row.Scan(&out.ID, &out.RawItemID, &out.DraftID, &out.Status, &out.SentAt, &out.Error)
	})
	return out, err
}

// CountSentInWindow implements the rolling quota gate.
func (s *Store) CountSentInWindow(ctx context.Context, window time.Duration) (int, error) {
	var count int
	err := withTimeout(ctx, "count_sent_in_window", func(ctx context.Context) error {
		row := s.db().QueryRow(ctx, `
			SELECT count(*) FROM dispatch_attempts
			WHERE status = 'sent' AND sent_at >= now() - $1::interval
		`, window)
		return row.Scan(&count)
	})
	return count, err
}

// GetTarget loads one configured target by id.
func (s *Store) GetTarget(ctx context.Context, id string) (Target, error) {
	var t Target
	err := withTimeout(ctx, "get_target", func(ctx context.Context) error {
		row := s.db().QueryRow(ctx, `
			SELECT id, kind, access_method, is_accessible, last_probed_at, last_scraped_at, error
			FROM targets WHERE id = $1
		`, id)
		return row.Scan(&t.ID, &t.Kind, &t.AccessMethod, &t.IsAccessible, &t.LastProbedAt, &t.LastScrapedAt, &t.Error)
	})
	return t, err
}

// UpsertTarget writes a full target row, used by the router when a cache
// entry is rebuilt after a probe.
func (s *Store) UpsertTarget(ctx context.Context, t Target) error {
	return withTimeout(ctx, "upsert_target", func(ctx context.Context) error {
		_, err := s.db().Exec(ctx, `
			INSERT INTO targets (id, kind, access_method, is_accessible, last_probed_at, last_scraped_at, error)
			VALUES ($1, $2, $3, $4, now(), $5, $6)
			ON CONFLICT (id) DO UPDATE SET
				kind = EXCLUDED.kind,
				access_method = EXCLUDED.access_method,
				is_accessible = EXCLUDED.is_accessible,
				last_probed_at = now(),
				last_scraped_at = COALESCE(EXCLUDED.last_scraped_at, targets.last_scraped_at),
				error = EXCLUDED.error
		`, t.ID, t.Kind, t.AccessMethod, t.IsAccessible, t.LastScrapedAt, t.Error)
		return err
	})
}

// MarkScraped clears a target's error and refreshes last_scraped_at after a
// successful scrape.
func (s *Store) MarkScraped(ctx context.Context, id string, method AccessMethod) error {
	return withTimeout(ctx, "mark_scraped", func(ctx context.Context) error {
		_, err := s.db().Exec(ctx, `
			UPDATE targets SET access_method = $2, is_accessible = true, last_scraped_at = now(), error = ''
			WHERE id = $1
		`, id, method)
		return err
	})
}

// MarkError records a scrape failure and flips usable=false.
func (s *Store) MarkError(ctx context.Context, id string, msg string) error {
	return withTimeout(ctx, "mark_error", func(ctx context.Context) error {
		_, err := s.db().Exec(ctx, `
			UPDATE targets SET is_accessible = false, error = $2 WHERE id = $1
		`, id, msg)
		return err
	})
}

// GetSessionState loads the single most-recent session row.
func (s *Store) GetSessionState(ctx context.Context) (SessionState, error) {
	var st SessionState
	err := withTimeout(ctx, "get_session_state", func(ctx context.Context) error {
		row := s.db().QueryRow(ctx, `
			SELECT status, last_checked_at, last_valid_at, principal_id, principal_name, error
			FROM session_state ORDER BY last_checked_at DESC LIMIT 1
		`)
		return row.Scan(&st.Status, &st.LastCheckedAt, &st.LastValidAt, &st.PrincipalID, &st.PrincipalName, &st.Error)
	})
	return st, err
}

// SetSessionState writes a new session-state row (most-recent wins).
func (s *Store) SetSessionState(ctx context.Context, st SessionState) error {
	return withTimeout(ctx, "set_session_state", func(ctx context.Context) error {
		_, err := s.db().Exec(ctx, `
			INSERT INTO session_state (status, last_checked_at, last_valid_at, principal_id, principal_name, error)
			VALUES ($1, now(), $2, $3, $4, $5)
		`, st.Status, st.LastValidAt, st.PrincipalID, st.PrincipalName, st.Error)
		return err
	})
}

// InsertAudit appends one audit row. The table is append-only.
func (s *Store) InsertAudit(ctx context.Context, kind, message string) error {
	return withTimeout(ctx, "insert_audit", func(ctx context.Context) error {
		_, err := s.db().Exec(ctx, `
			INSERT INTO audit_entries (id, kind, message, created_at) VALUES ($1, $2, $3, now())
		`, uuid.NewString(), kind, message)
		return err
	})
}
