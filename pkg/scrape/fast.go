package scrape

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/heritagewatch/legacyreach/pkg/resilience"
	"github.com/heritagewatch/legacyreach/pkg/store"
)

// FastScraperConfig configures the job-queue HTTP client.
type FastScraperConfig struct {
	BaseURL string
	Token   string
	Limit   int
}

// FastScraper drives a third-party structured job-queue API: start a run,
// poll until it finishes, fetch the resulting dataset.
type FastScraper struct {
	cfg     FastScraperConfig
	client  *http.Client
	breaker *resilience.Breaker
}

// NewFastScraper constructs a FastScraper guarded by the fast_scraper breaker.
func NewFastScraper(cfg FastScraperConfig, breaker *resilience.Breaker) *FastScraper {
	return &FastScraper{
		cfg:     cfg,
		client:  &http.Client{Timeout: 30 * time.Second},
		breaker: breaker,
	}
}

type startRunResponse struct {
	RunID string `json:"run_id"`
	Error string `json:"error"`
}

type runStatusResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

type fetchDatasetResponse struct {
	Items []map[string]any `json:"items"`
	Error string           `json:"error"`
}

// Scrape implements the Scraper contract via start_run/poll/fetch_dataset.
// An embedded {error:…} response at any stage is treated as a call
// failure, not as empty data, so the breaker records it as a failure.
func (f *FastScraper) Scrape(ctx context.Context, targetID string, limit int) ([]store.UpsertRawItem, error) {
	if limit <= 0 {
		limit = f.cfg.Limit
	}

	var items []store.UpsertRawItem
	err := f.breaker.Call(ctx, func(ctx context.Context) error {
		runID, err := f.startRun(ctx, targetID, limit)
		if err != nil {
			return err
		}
		if err := f.pollUntilDone(ctx, runID); err != nil {
			return err
		}
		rawItems, err := f.fetchDataset(ctx, runID)
		if err != nil {
			return err
		}
		items = normalizeDatasetItems(rawItems)
		return nil
	})
	return items, err
}

func (f *FastScraper) startRun(ctx context.Context, targetID string, limit int) (string, error) {
	url := fmt.Sprintf("%s/runs/start?target=%s&limit=%d", f.cfg.BaseURL, targetID, limit)
	var resp startRunResponse
	if err := f.doJSON(ctx, url, &resp); err != nil {
		return "", err
	}
	if resp.Error != "" {
		return "", fmt.Errorf("fast scraper start_run: %s", resp.Error)
	}
	return resp.RunID, nil
}

func (f *FastScraper) pollUntilDone(ctx context.Context, runID string) error {
	url := fmt.Sprintf("%s/runs/%s", f.cfg.BaseURL, runID)
	for {
		var resp runStatusResponse
		if err := f.doJSON(ctx, url, &resp); err != nil {
			return err
		}
		if resp.Error != "" {
			return fmt.Errorf("fast scraper run status: %s", resp.Error)
		}
		switch resp.Status {
		case "succeeded":
			return nil
		case "failed", "aborted", "timed-out":
			return fmt.Errorf("fast scraper run %s ended with status %s", runID, resp.Status)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

func (f *FastScraper) fetchDataset(ctx context.Context, runID string) ([]map[string]any, error) {
	url := fmt.Sprintf("%s/runs/%s/dataset", f.cfg.BaseURL, runID)
	var resp fetchDatasetResponse
	if err := f.doJSON(ctx, url, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("fast scraper fetch_dataset: %s", resp.Error)
	}
	return resp.Items, nil
}

func (f *FastScraper) doJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+f.cfg.Token)

	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &resilience.HTTPStatusError{StatusCode: resp.StatusCode, Err: fmt.Errorf("fast scraper: unexpected status %d", resp.StatusCode)}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// normalizeDatasetItems maps heterogeneous dataset rows to RawItem input
// using the alias lists in normalize.go.
func normalizeDatasetItems(raw []map[string]any) []store.UpsertRawItem {
	out := make([]store.UpsertRawItem, 0, len(raw))
	for _, item := range raw {
		flat := flattenStringFields(item)
		postURL, _ := item["post_url"].(string)
		sourceKey := ExtractPostIdentifier(postURL)
		if sourceKey == "" {
			sourceKey = flat["id"]
		}
		out = append(out, store.UpsertRawItem{
			SourceID:    flat["id"],
			SourceKey:   sourceKey,
			AuthorName:  firstNonEmpty(flat, authorNameAliases),
			AuthorLink:  NormalizeAuthorLink(firstNonEmpty(flat, authorLinkAliases)),
			AuthorPhoto: firstNonEmpty(flat, authorPhotoAliases),
			Text:        CleanPostText(firstNonEmpty(flat, textAliases)),
		})
	}
	return out
}

// flattenStringFields dot-joins nested string/object fields (author.name,
// user.profile_url, ...) so firstNonEmpty's alias lookup can treat nested
// and flat responses identically.
func flattenStringFields(m map[string]any) map[string]string {
	out := make(map[string]string)
	var walk func(prefix string, v any)
	walk = func(prefix string, v any) {
		switch t := v.(type) {
		case string:
			out[prefix] = t
		case map[string]any:
			for k, vv := range t {
				key := k
				if prefix != "" {
					key = prefix + "." + k
				}
				walk(key, vv)
			}
		}
	}
	for k, v := range m {
		walk(k, v)
	}
	return out
}
