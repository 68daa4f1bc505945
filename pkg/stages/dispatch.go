package stages

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/heritagewatch/legacyreach/pkg/eventbus"
	"github.com/heritagewatch/legacyreach/pkg/store"
)

// ErrSessionFault is returned by dispatchOne when a send failure is
// recognized as the authenticated session itself being the problem.
// RunDispatch halts the batch on this error the same way
// RunClassify/RunGenerate halt on resilience.ErrCircuitOpen, since every
// remaining candidate in the batch would fail the same way.
var ErrSessionFault = errors.New("dispatch: session fault")

// dispatchWindow is the rolling quota window for the daily dispatch
// limit: a rolling 24h window via count_sent_in_window rather than a
// calendar-day counter.
const dispatchWindow = 24 * time.Hour

// The phrase tables split send failures that mean the authenticated
// session itself is the problem, not a transient error. An invalid
// phrase means the session is logged out; a blocked phrase means the
// platform is challenging or rate-limiting the principal, which is a
// distinct operator-facing state. Matching either halts the batch
// instead of merely recording a failed attempt for retry.
var (
	sessionInvalidPhrases = []string{
		"login required",
		"session expired",
	}
	sessionBlockedPhrases = []string{
		"checkpoint required",
		"action blocked",
	}
)

// Sender delivers one draft message through the authenticated browser
// session. It is satisfied by a pkg/scrape.Scraper-adjacent implementation
// that knows how to open a conversation and submit text, kept as its own
// narrow interface so dispatch doesn't depend on scrape's full surface.
type Sender interface {
	Send(ctx context.Context, targetProfileLink, text string) error
}

// RunDispatch sends up to the remaining daily quota of pending drafts.
// Quota is evaluated once per tick against a rolling window, not a
// calendar day.
func RunDispatch(ctx context.Context, d *Deps) error {
	if d.Sender == nil {
		return fmt.Errorf("dispatch: no sender configured")
	}

	limitPerDay := d.Config.DailyDispatchLimit
	if limitPerDay <= 0 {
		limitPerDay = DefaultConfig.DailyDispatchLimit
	}

	sentInWindow, err := d.Store.CountSentInWindow(ctx, dispatchWindow)
	if err != nil {
		return fmt.Errorf("dispatch: count sent: %w", err)
	}
	remaining := limitPerDay - sentInWindow
	if remaining <= 0 {
		d.audit(ctx, "dispatch", fmt.Sprintf("quota exhausted: %d/%d sent in last %s", sentInWindow, limitPerDay, dispatchWindow))
		return nil
	}

	candidates, err := d.Store.CandidatesForDispatch(ctx, remaining)
	if err != nil {
		return fmt.Errorf("dispatch: load candidates: %w", err)
	}

	if d.Session != nil && !d.Session.IsValid(ctx) {
		d.audit(ctx, "dispatch", "no valid session; deferring batch to next tick")
		return nil
	}

	sent := 0
	for i, c := range candidates {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := d.dispatchOne(ctx, c); err != nil {
			if errors.Is(err, ErrSessionFault) {
				d.audit(ctx, "dispatch", fmt.Sprintf("session fault; halting batch (sent=%d attempted=%d)", sent, i+1))
				return nil
			}
			d.logError(ctx, "dispatch", fmt.Errorf("item %s: %w", c.RawItem.ID, err))
			continue
		}
		sent++
	}
	d.audit(ctx, "dispatch", fmt.Sprintf("sent=%d attempted=%d remaining_quota=%d", sent, len(candidates), remaining-sent))
	return nil
}

func (d *Deps) dispatchOne(ctx context.Context, c store.DispatchCandidate) error {
	opTimeout := d.Config.DispatchOpTimeout
	if opTimeout <= 0 {
		opTimeout = DefaultConfig.DispatchOpTimeout
	}

	sendErr := d.Pool.Execute(ctx, "dispatch:"+c.RawItem.ID, func(ctx context.Context) error {
		opCtx, cancel := context.WithTimeout(ctx, opTimeout)
		defer cancel()
		return d.Sender.Send(opCtx, c.RawItem.AuthorLink, c.Draft.Text)
	})

	now := d.now()
	attempt := store.DispatchAttempt{RawItemID: c.RawItem.ID, DraftID: c.Draft.ID}

	if sendErr == nil {
		attempt.Status = store.DispatchSent
		attempt.SentAt = &now
		if _, err := d.Store.CreateDispatchAttempt(ctx, attempt); err != nil {
			return fmt.Errorf("persist dispatch attempt: %w", err)
		}
		if d.Bus != nil {
			d.Bus.Publish(eventbus.KindAudit, attempt)
		}
		return nil
	}

	if reason, status, faulted := classifySessionFault(sendErr.Error()); faulted {
		if d.Session != nil {
			var markErr error
			if status == store.SessionBlocked {
				markErr = d.Session.MarkBlocked(ctx, reason)
			} else {
				markErr = d.Session.MarkInvalid(ctx, reason)
			}
			if markErr != nil && d.Logger != nil {
				d.Logger.Warn("dispatch: session state update failed", "status", status, "err", markErr)
			}
		}
		attempt.Status = store.DispatchFailed
		attempt.Error = reason
		_, _ = d.Store.CreateDispatchAttempt(ctx, attempt)
		return fmt.Errorf("%w: %s", ErrSessionFault, reason)
	}

	attempt.Status = store.DispatchFailed
	attempt.Error = sendErr.Error()
	if _, err := d.Store.CreateDispatchAttempt(ctx, attempt); err != nil {
		return fmt.Errorf("persist dispatch attempt: %w", err)
	}
	return sendErr
}

// classifySessionFault reports whether a send error's message matches one of
// the recognized session-fault phrases, and which session status it implies.
func classifySessionFault(message string) (string, store.SessionStatus, bool) {
	lower := strings.ToLower(message)
	for _, phrase := range sessionInvalidPhrases {
		if strings.Contains(lower, phrase) {
			return phrase, store.SessionInvalid, true
		}
	}
	for _, phrase := range sessionBlockedPhrases {
		if strings.Contains(lower, phrase) {
			return phrase, store.SessionBlocked, true
		}
	}
	return "", store.SessionUnknown, false
}
