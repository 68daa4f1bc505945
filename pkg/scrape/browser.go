package scrape

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/heritagewatch/legacyreach/pkg/store"
)

// SessionChecker reports whether an authenticated session is currently
// usable, without pkg/scrape needing to import pkg/session directly.
type SessionChecker interface {
	IsValid(ctx context.Context) bool
}

// BrowserScraperConfig configures the headless-browser scraper.
type BrowserScraperConfig struct {
	// ProfileDir is the persistent Chromium user-data directory backing the
	// authenticated session's cookies.
	ProfileDir string
	// URLTemplate builds a target's page URL from its id via fmt.Sprintf;
	// the default treats the id as already being a full URL.
	URLTemplate string
	// FeedSelector is the CSS selector the scraper waits on to confirm the
	// post feed has rendered.
	FeedSelector string
	// PostSelector is the CSS selector for one post within the feed.
	PostSelector string
	// CloseOverlaySelector optionally dismisses a login/cookie overlay if present.
	CloseOverlaySelector string
	// ComposeSelector is the message textbox used by Send.
	ComposeSelector string
	// SendButtonSelector is the submit control used by Send.
	SendButtonSelector string
	// MaxPosts stops scrolling once this many posts have been observed.
	MaxPosts int
	// MaxScrollIterations caps scrolling regardless of MaxPosts.
	MaxScrollIterations int
	// NavigationTimeout bounds page load and element waits.
	NavigationTimeout time.Duration
	// Headless controls whether the launched Chromium runs headless.
	Headless bool
}

// DefaultBrowserConfig fills in reasonable defaults for anything zero-valued
// in a caller-supplied BrowserScraperConfig, except Headless, which is always
// taken from the caller.
var DefaultBrowserConfig = BrowserScraperConfig{
	URLTemplate:          "%s",
	FeedSelector:         `[role="feed"]`,
	PostSelector:         `[role="article"]`,
	CloseOverlaySelector: `[aria-label="Close"]`,
	ComposeSelector:      `[role="textbox"]`,
	SendButtonSelector:   `[aria-label="Send"]`,
	MaxPosts:             40,
	MaxScrollIterations:  12,
	NavigationTimeout:    20 * time.Second,
	Headless:             true,
}

func withDefaults(cfg BrowserScraperConfig) BrowserScraperConfig {
	d := DefaultBrowserConfig
	if cfg.ProfileDir != "" {
		d.ProfileDir = cfg.ProfileDir
	}
	if cfg.URLTemplate != "" {
		d.URLTemplate = cfg.URLTemplate
	}
	if cfg.FeedSelector != "" {
		d.FeedSelector = cfg.FeedSelector
	}
	if cfg.PostSelector != "" {
		d.PostSelector = cfg.PostSelector
	}
	if cfg.CloseOverlaySelector != "" {
		d.CloseOverlaySelector = cfg.CloseOverlaySelector
	}
	if cfg.ComposeSelector != "" {
		d.ComposeSelector = cfg.ComposeSelector
	}
	if cfg.SendButtonSelector != "" {
		d.SendButtonSelector = cfg.SendButtonSelector
	}
	if cfg.MaxPosts > 0 {
		d.MaxPosts = cfg.MaxPosts
	}
	if cfg.MaxScrollIterations > 0 {
		d.MaxScrollIterations = cfg.MaxScrollIterations
	}
	if cfg.NavigationTimeout > 0 {
		d.NavigationTimeout = cfg.NavigationTimeout
	}
	d.Headless = cfg.Headless
	return d
}

// staleLockFiles are the Chromium singleton files that survive an unclean
// shutdown of a prior run against the same profile directory and must be
// swept before every new launch.
var staleLockFiles = []string{"SingletonLock", "SingletonCookie", "SingletonSocket"}

func sweepStaleLocks(profileDir string) {
	for _, name := range staleLockFiles {
		_ = os.Remove(filepath.Join(profileDir, name))
	}
}

// BrowserScraper drives a persistent-profile headless Chromium instance to
// read posts from targets that require an authenticated session.
type BrowserScraper struct {
	cfg     BrowserScraperConfig
	session SessionChecker
}

// NewBrowserScraper constructs a BrowserScraper. session is consulted before
// every Scrape call; a scrape is refused (not merely slow) when no session
// is valid.
func NewBrowserScraper(cfg BrowserScraperConfig, session SessionChecker) *BrowserScraper {
	return &BrowserScraper{cfg: withDefaults(cfg), session: session}
}

// Scrape implements the Scraper contract. A single call is one attempt; the
// single bounded retry is applied
// by the caller (pkg/stages/scrape.go), which also runs this under the
// bounded worker pool since a headless browser session is expensive.
func (b *BrowserScraper) Scrape(ctx context.Context, targetID string, limit int) ([]store.UpsertRawItem, error) {
	if b.session != nil && !b.session.IsValid(ctx) {
		return nil, fmt.Errorf("scrape: no valid session for browser access")
	}
	if limit <= 0 || limit > b.cfg.MaxPosts {
		limit = b.cfg.MaxPosts
	}

	sweepStaleLocks(b.cfg.ProfileDir)

	l := launcher.New().
		UserDataDir(b.cfg.ProfileDir).
		Headless(b.cfg.Headless).
		Set("disable-blink-features", "AutomationControlled")
	controlURL, err := l.Launch()
	if err != nil {
		// A failed launch can itself be caused by a stale lock this sweep
		// missed (a concurrent writer); sweep once more and give up cleanly.
		sweepStaleLocks(b.cfg.ProfileDir)
		return nil, fmt.Errorf("scrape: launch browser: %w", err)
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("scrape: connect browser: %w", err)
	}
	defer browser.Close()

	page, err := stealth.Page(browser)
	if err != nil {
		return nil, fmt.Errorf("scrape: open page: %w", err)
	}
	page = page.Timeout(b.cfg.NavigationTimeout)

	url := fmt.Sprintf(b.cfg.URLTemplate, targetID)
	if err := page.Navigate(url); err != nil {
		return nil, fmt.Errorf("scrape: navigate %s: %w", url, err)
	}
	if err := page.WaitLoad(); err != nil {
		return nil, fmt.Errorf("scrape: wait load %s: %w", url, err)
	}

	if _, err := page.Element(b.cfg.FeedSelector); err != nil {
		pageText, _ := page.HTML()
		if reason, denied := classifyAccessDenied(pageText); denied {
			return nil, &AccessError{Reason: reason}
		}
		return nil, fmt.Errorf("scrape: feed container not found: %w", err)
	}

	b.dismissOverlay(page)
	b.scrollUntil(page, limit)

	elements, err := page.Elements(b.cfg.PostSelector)
	if err != nil {
		return nil, fmt.Errorf("scrape: list posts: %w", err)
	}

	items := make([]store.UpsertRawItem, 0, len(elements))
	for _, el := range elements {
		item, ok := extractPost(el)
		if !ok {
			continue
		}
		items = append(items, item)
		if len(items) >= limit {
			break
		}
	}
	return items, nil
}

// Send opens targetProfileLink and submits text through the compose box.
// It satisfies pkg/stages.Sender structurally.
func (b *BrowserScraper) Send(ctx context.Context, targetProfileLink, text string) error {
	if b.session != nil && !b.session.IsValid(ctx) {
		return fmt.Errorf("dispatch: no valid session for browser send")
	}
	if targetProfileLink == "" {
		return fmt.Errorf("dispatch: empty target profile link")
	}

	sweepStaleLocks(b.cfg.ProfileDir)

	l := launcher.New().
		UserDataDir(b.cfg.ProfileDir).
		Headless(b.cfg.Headless).
		Set("disable-blink-features", "AutomationControlled")
	controlURL, err := l.Launch()
	if err != nil {
		sweepStaleLocks(b.cfg.ProfileDir)
		return fmt.Errorf("dispatch: launch browser: %w", err)
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("dispatch: connect browser: %w", err)
	}
	defer browser.Close()

	page, err := stealth.Page(browser)
	if err != nil {
		return fmt.Errorf("dispatch: open page: %w", err)
	}
	page = page.Timeout(b.cfg.NavigationTimeout)

	if err := page.Navigate(targetProfileLink); err != nil {
		return fmt.Errorf("dispatch: navigate %s: %w", targetProfileLink, err)
	}
	if err := page.WaitLoad(); err != nil {
		return fmt.Errorf("dispatch: wait load %s: %w", targetProfileLink, err)
	}

	if pageText, err := page.HTML(); err == nil {
		if reason, denied := classifyAccessDenied(pageText); denied {
			return &AccessError{Reason: reason}
		}
	}

	b.dismissOverlay(page)

	composeBox, err := page.Element(b.cfg.ComposeSelector)
	if err != nil {
		return fmt.Errorf("login required: compose box not found: %w", err)
	}
	if err := composeBox.Input(text); err != nil {
		return fmt.Errorf("dispatch: type message: %w", err)
	}

	sendButton, err := page.Element(b.cfg.SendButtonSelector)
	if err != nil {
		return fmt.Errorf("dispatch: send button not found: %w", err)
	}
	if err := sendButton.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("dispatch: click send: %w", err)
	}
	return nil
}

func (b *BrowserScraper) dismissOverlay(page *rod.Page) {
	el, err := page.Timeout(2 * time.Second).Element(b.cfg.CloseOverlaySelector)
	if err != nil || el == nil {
		return
	}
	_ = el.Click(proto.InputMouseButtonLeft, 1)
}

// scrollUntil scrolls the feed until either limit posts are visible or
// MaxScrollIterations is reached.
func (b *BrowserScraper) scrollUntil(page *rod.Page, limit int) {
	for i := 0; i < b.cfg.MaxScrollIterations; i++ {
		elements, err := page.Elements(b.cfg.PostSelector)
		if err == nil && len(elements) >= limit {
			return
		}
		if _, err := page.Eval(`() => window.scrollBy(0, document.body.scrollHeight)`); err != nil {
			return
		}
		time.Sleep(500 * time.Millisecond)
	}
}

// extractPost pulls the permalink, author, and text out of one post
// element. Author and permalink selectors are kept broad (anchor tags with
// an href) since the normalization layer resolves heterogeneous shapes, the
// same way the fast scraper's field-alias list does for JSON.
func extractPost(el *rod.Element) (store.UpsertRawItem, bool) {
	text, err := el.Text()
	if err != nil || strings.TrimSpace(text) == "" {
		return store.UpsertRawItem{}, false
	}

	var permalink, authorLink, authorName, authorPhoto string
	if anchors, err := el.Elements("a[href]"); err == nil {
		for _, a := range anchors {
			href, _ := a.Attribute("href")
			if href == nil {
				continue
			}
			if permalink == "" && looksLikePostLink(*href) {
				permalink = *href
			}
			if authorLink == "" && looksLikeProfileLink(*href) {
				authorLink = *href
				authorName, _ = a.Text()
			}
		}
	}
	if imgs, err := el.Elements("img"); err == nil && len(imgs) > 0 {
		if src, _ := imgs[0].Attribute("src"); src != nil {
			authorPhoto = *src
		}
	}

	sourceKey := ExtractPostIdentifier(permalink)
	if sourceKey == "" {
		return store.UpsertRawItem{}, false
	}

	return store.UpsertRawItem{
		SourceID:    sourceKey,
		SourceKey:   sourceKey,
		AuthorName:  authorName,
		AuthorLink:  NormalizeAuthorLink(authorLink),
		AuthorPhoto: authorPhoto,
		Text:        CleanPostText(text),
	}, true
}

func looksLikePostLink(href string) bool {
	return ExtractPostIdentifier(href) != ""
}

func looksLikeProfileLink(href string) bool {
	return strings.Contains(href, "/profile.php") || (!strings.Contains(href, "/posts/") &&
		!strings.Contains(href, "/permalink/") && !strings.Contains(href, "story_fbid=") &&
		canonicalProfilePattern.MatchString(href))
}
