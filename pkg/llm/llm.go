// Package llm wraps the Anthropic Messages API behind the narrow contract
// the Classify and Generate stages need: a relevance verdict and
// a free-form completion. It is a leaf dependency wrapped by callers in the
// resilience package's "llm" breaker and retry helper — this package itself
// does no retrying or breaking of its own.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"golang.org/x/time/rate"
)

// Config configures the Anthropic client.
type Config struct {
	APIKey string
	Model  string
	// RequestsPerSecond paces outbound calls so a classify/generate batch
	// can't itself trip the provider's own rate limiting. Pacing keeps
	// 429s rare; the retry helper handles the rest.
	RequestsPerSecond float64
}

// DefaultRequestsPerSecond is a conservative default absent explicit config.
const DefaultRequestsPerSecond = 4

// Client is a thin typed wrapper around the Anthropic Messages API.
type Client struct {
	api     anthropic.Client
	model   string
	limiter *rate.Limiter
}

// New constructs a Client. Config.Model is used as given, with no fallback;
// a missing model surfaces at startup validation (LLM_MODEL is required by
// pkg/config), not here.
func New(cfg Config) *Client {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = DefaultRequestsPerSecond
	}
	return &Client{
		api:     anthropic.NewClient(option.WithAPIKey(cfg.APIKey)),
		model:   cfg.Model,
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
	}
}

// Verdict is the Classify stage's expected LLM response shape.
type Verdict struct {
	IsRelevant bool `json:"is_relevant"`
	Confidence int  `json:"confidence"`
}

const classifySystemPrompt = `You evaluate whether a social post is about historical preservation,
genealogy, local history, or heritage topics that a heritage outreach program
would care about. Respond with ONLY a JSON object of the shape
{"is_relevant": bool, "confidence": 0-100} and nothing else.`

// Classify asks the model to score one raw post's relevance. A
// malformed or non-JSON response is surfaced as an error so the caller can
// record a skip instead of a hard failure.
func (c *Client) Classify(ctx context.Context, text string) (Verdict, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return Verdict{}, err
	}

	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: 256,
		System: []anthropic.TextBlockParam{
			{Text: classifySystemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(text)),
		},
	})
	if err != nil {
		return Verdict{}, fmt.Errorf("llm classify: %w", mapStatusError(err))
	}

	raw := extractText(msg)
	var v Verdict
	if err := json.Unmarshal([]byte(extractJSONObject(raw)), &v); err != nil {
		return Verdict{}, fmt.Errorf("llm classify: malformed response: %w", err)
	}
	if v.Confidence < 0 || v.Confidence > 100 {
		return Verdict{}, fmt.Errorf("llm classify: confidence %d out of range", v.Confidence)
	}
	return v, nil
}

const generateSystemPromptTemplate = `You write a short, warm, first-person outreach message to %s, the author of
a social post about local or family history. Match the language of the
source post. Mention the post's subject specifically — do not write a
generic message. The message MUST include this exact link verbatim: %s.
Respond with ONLY the message text, nothing else.`

// Generate composes one personalized draft message. firstName may
// be empty; shareLink must already be the fully-built URL the caller expects
// to find verbatim in the response (validated by the Generate stage, not here).
func (c *Client) Generate(ctx context.Context, sourceText, firstName, shareLink string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	addressee := "the author"
	if firstName != "" {
		addressee = firstName
	}
	system := fmt.Sprintf(generateSystemPromptTemplate, addressee, shareLink)

	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: 512,
		System: []anthropic.TextBlockParam{
			{Text: system},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(sourceText)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("llm generate: %w", mapStatusError(err))
	}
	return strings.TrimSpace(extractText(msg)), nil
}

func extractText(msg *anthropic.Message) string {
	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}

// extractJSONObject trims any conversational wrapping around a single JSON
// object, so a model that ignores "ONLY a JSON object" and adds a preamble
// still parses.
func extractJSONObject(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start == -1 || end == -1 || end < start {
		return s
	}
	return s[start : end+1]
}

// mapStatusError wraps an SDK error so it satisfies resilience.StatusCoder,
// letting pkg/resilience's IsRetryable classify it by status code without
// pkg/llm importing pkg/resilience.
func mapStatusError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return &statusError{code: apiErr.StatusCode, err: err}
	}
	return err
}

// statusError exposes StatusCode() so resilience.IsRetryable recognizes it
// via its StatusCoder interface check.
type statusError struct {
	code int
	err  error
}

func (e *statusError) Error() string   { return e.err.Error() }
func (e *statusError) Unwrap() error   { return e.err }
func (e *statusError) StatusCode() int { return e.code }
