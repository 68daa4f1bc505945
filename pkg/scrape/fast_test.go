package scrape

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/heritagewatch/legacyreach/pkg/resilience"
)

// fakeJobQueue stands in for the third-party structured scraper API:
// start_run, run status, fetch_dataset.
type fakeJobQueue struct {
	statusSeq    []string
	statusCalls  int
	startCalls   int
	items        []map[string]any
	datasetError string
	failWith     int
	sawToken     string
}

func (f *fakeJobQueue) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/runs/start", func(w http.ResponseWriter, r *http.Request) {
		f.startCalls++
		f.sawToken = r.Header.Get("Authorization")
		if f.failWith != 0 {
			w.WriteHeader(f.failWith)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"run_id": "run-1"})
	})
	mux.HandleFunc("/runs/run-1", func(w http.ResponseWriter, _ *http.Request) {
		status := "succeeded"
		if f.statusCalls < len(f.statusSeq) {
			status = f.statusSeq[f.statusCalls]
		}
		f.statusCalls++
		_ = json.NewEncoder(w).Encode(map[string]any{"status": status})
	})
	mux.HandleFunc("/runs/run-1/dataset", func(w http.ResponseWriter, _ *http.Request) {
		resp := map[string]any{"items": f.items}
		if f.datasetError != "" {
			resp = map[string]any{"error": f.datasetError}
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
	return mux
}

func newFastScraperForTest(t *testing.T, q *fakeJobQueue, breaker *resilience.Breaker) (*FastScraper, func()) {
	t.Helper()
	srv := httptest.NewServer(q.handler())
	f := NewFastScraper(FastScraperConfig{BaseURL: srv.URL, Token: "tok-1", Limit: 10}, breaker)
	return f, srv.Close
}

func testBreaker() *resilience.Breaker {
	return resilience.NewBreaker(resilience.DependencyFastScraper, resilience.DefaultBreakerOpts, nil)
}

func TestFastScrapeHappyPath(t *testing.T) {
	q := &fakeJobQueue{
		statusSeq: []string{"running", "succeeded"},
		items: []map[string]any{
			{
				"id":          "r1",
				"post_url":    "https://forum.example/posts/100",
				"author_name": "Jane Doe",
				"author_link": "https://forum.example/jane?ref=x",
				"text":        "Harbor photos from 1923 See More",
			},
			{
				"id":       "r2",
				"post_url": "https://forum.example/permalink/200",
				"author":   map[string]any{"name": "Avi Cohen"},
				"message":  "old maps",
			},
		},
	}
	f, done := newFastScraperForTest(t, q, testBreaker())
	defer done()

	items, err := f.Scrape(context.Background(), "target-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 {
		t.Fatalf("got %d items", len(items))
	}
	if items[0].SourceKey != "100" || items[1].SourceKey != "200" {
		t.Fatalf("source keys = %q, %q", items[0].SourceKey, items[1].SourceKey)
	}
	if items[0].AuthorLink != "https://forum.example/jane" {
		t.Fatalf("author link = %q, want canonicalized", items[0].AuthorLink)
	}
	if items[0].Text != "Harbor photos from 1923" {
		t.Fatalf("text = %q, want cleaned", items[0].Text)
	}
	if items[1].AuthorName != "Avi Cohen" {
		t.Fatalf("nested author = %q", items[1].AuthorName)
	}
	if q.sawToken != "Bearer tok-1" {
		t.Fatalf("authorization header = %q", q.sawToken)
	}
	if q.statusCalls < 2 {
		t.Fatalf("expected polling through the running status, got %d status calls", q.statusCalls)
	}
}

func TestFastScrapeEmbeddedErrorIsAFailureNotEmptyData(t *testing.T) {
	q := &fakeJobQueue{datasetError: "account quota exceeded"}
	breaker := testBreaker()
	f, done := newFastScraperForTest(t, q, breaker)
	defer done()

	items, err := f.Scrape(context.Background(), "target-1", 0)
	if err == nil {
		t.Fatal("expected an error for an embedded {error:...} response")
	}
	if len(items) != 0 {
		t.Fatalf("got %d items alongside an error", len(items))
	}
	if !strings.Contains(err.Error(), "account quota exceeded") {
		t.Fatalf("error %q should carry the embedded message", err)
	}
}

func TestFastScrapeHTTPFailureIsRetryableAndCountsAgainstBreaker(t *testing.T) {
	q := &fakeJobQueue{failWith: http.StatusServiceUnavailable}
	breaker := resilience.NewBreaker(resilience.DependencyFastScraper, resilience.BreakerOpts{FailThreshold: 2}, nil)
	f, done := newFastScraperForTest(t, q, breaker)
	defer done()

	_, err := f.Scrape(context.Background(), "target-1", 0)
	if err == nil {
		t.Fatal("expected an error for a 503 response")
	}
	if !resilience.IsRetryable(err) {
		t.Fatalf("a 503 should classify retryable, got %v", err)
	}

	_, err = f.Scrape(context.Background(), "target-1", 0)
	if err == nil {
		t.Fatal("expected an error on the second failing call")
	}

	// Two consecutive failures against FailThreshold=2 trips the breaker;
	// the third call is rejected without reaching the server.
	before := q.startCalls
	_, err = f.Scrape(context.Background(), "target-1", 0)
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if q.startCalls != before {
		t.Fatal("an open breaker must not forward the call")
	}
}

func TestFastScrapeRunEndingFailedSurfacesError(t *testing.T) {
	q := &fakeJobQueue{statusSeq: []string{"failed"}}
	f, done := newFastScraperForTest(t, q, testBreaker())
	defer done()

	_, err := f.Scrape(context.Background(), "target-1", 0)
	if err == nil || !strings.Contains(err.Error(), "failed") {
		t.Fatalf("expected a run-failed error, got %v", err)
	}
}
