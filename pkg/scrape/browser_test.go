package scrape

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type staticSession bool

func (s staticSession) IsValid(context.Context) bool { return bool(s) }

func TestSweepStaleLocksRemovesSingletonFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range staleLockFiles {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("stale"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	keep := filepath.Join(dir, "Cookies")
	if err := os.WriteFile(keep, []byte("session"), 0o644); err != nil {
		t.Fatal(err)
	}

	sweepStaleLocks(dir)

	for _, name := range staleLockFiles {
		if _, err := os.Stat(filepath.Join(dir, name)); !os.IsNotExist(err) {
			t.Fatalf("%s should have been swept", name)
		}
	}
	if _, err := os.Stat(keep); err != nil {
		t.Fatal("profile data must survive the sweep")
	}
}

func TestSweepStaleLocksTolerateMissingDir(t *testing.T) {
	sweepStaleLocks(filepath.Join(t.TempDir(), "does-not-exist"))
}

func TestWithDefaultsFillsZeroValuesOnly(t *testing.T) {
	got := withDefaults(BrowserScraperConfig{
		ProfileDir: "/var/lib/profile",
		MaxPosts:   5,
	})

	if got.ProfileDir != "/var/lib/profile" {
		t.Fatalf("profile dir = %q", got.ProfileDir)
	}
	if got.MaxPosts != 5 {
		t.Fatalf("max posts = %d, want caller's value kept", got.MaxPosts)
	}
	if got.FeedSelector != DefaultBrowserConfig.FeedSelector {
		t.Fatalf("feed selector = %q, want default", got.FeedSelector)
	}
	if got.MaxScrollIterations != DefaultBrowserConfig.MaxScrollIterations {
		t.Fatalf("scroll iterations = %d, want default", got.MaxScrollIterations)
	}
	if got.NavigationTimeout != DefaultBrowserConfig.NavigationTimeout {
		t.Fatalf("navigation timeout = %v, want default", got.NavigationTimeout)
	}
}

func TestBrowserScrapeRefusedWithoutValidSession(t *testing.T) {
	b := NewBrowserScraper(BrowserScraperConfig{
		ProfileDir:        t.TempDir(),
		NavigationTimeout: time.Second,
	}, staticSession(false))

	if _, err := b.Scrape(context.Background(), "target-1", 10); err == nil {
		t.Fatal("expected a refusal with no valid session, before any browser launch")
	}
}

func TestBrowserSendRefusedWithoutValidSession(t *testing.T) {
	b := NewBrowserScraper(BrowserScraperConfig{ProfileDir: t.TempDir()}, staticSession(false))
	if err := b.Send(context.Background(), "https://forum.example/jane", "hello"); err == nil {
		t.Fatal("expected a refusal with no valid session")
	}
}

func TestBrowserSendRejectsEmptyProfileLink(t *testing.T) {
	b := NewBrowserScraper(BrowserScraperConfig{ProfileDir: t.TempDir()}, staticSession(true))
	if err := b.Send(context.Background(), "", "hello"); err == nil {
		t.Fatal("expected an error for an empty target profile link")
	}
}

func TestLooksLikeProfileLink(t *testing.T) {
	cases := []struct {
		href string
		want bool
	}{
		{"https://forum.example/profile.php?id=42", true},
		{"https://forum.example/jane.doe", true},
		{"https://forum.example/groups/1/posts/100", false},
		{"https://forum.example/groups/1/permalink/100", false},
		{"https://forum.example/story.php?story_fbid=5", false},
		{"not-a-url", false},
	}
	for _, tc := range cases {
		if got := looksLikeProfileLink(tc.href); got != tc.want {
			t.Errorf("looksLikeProfileLink(%q) = %v, want %v", tc.href, got, tc.want)
		}
	}
}

func TestLooksLikePostLink(t *testing.T) {
	if !looksLikePostLink("https://forum.example/posts/9") {
		t.Fatal("a /posts/N link is a post link")
	}
	if looksLikePostLink("https://forum.example/jane.doe") {
		t.Fatal("a profile link is not a post link")
	}
}
