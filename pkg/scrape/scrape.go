// Package scrape implements the two external-scraper variants behind one
// contract: a fast structured job-queue API scraper, and an
// authenticated headless-browser scraper. Both normalize heterogeneous
// source data into store.UpsertRawItem via normalize.go.
package scrape

import (
	"context"
	"strings"

	"github.com/heritagewatch/legacyreach/pkg/store"
)

// Scraper is the contract both implementations satisfy.
type Scraper interface {
	Scrape(ctx context.Context, targetID string, limit int) ([]store.UpsertRawItem, error)
}

// AccessError marks a scraper failure that reflects the target itself being
// inaccessible (private, blocked, requires membership) as opposed to a
// transient network/API failure. Only this error type should ever cause
// the Scrape stage to flip a target's usable flag to false.
type AccessError struct {
	Reason string
}

func (e *AccessError) Error() string { return "scrape: access denied: " + e.Reason }

// accessDeniedPhrases are checked against browser-scraper page content to
// distinguish "private/blocked" from "empty feed"; an empty fast-scrape
// result alone must never produce an AccessError.
var accessDeniedPhrases = []string{
	"not a member",
	"this group is private",
	"join group",
	"you must request to join",
	"content isn't available right now",
}

func classifyAccessDenied(pageText string) (string, bool) {
	lower := strings.ToLower(pageText)
	for _, phrase := range accessDeniedPhrases {
		if strings.Contains(lower, phrase) {
			return phrase, true
		}
	}
	return "", false
}
