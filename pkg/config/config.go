// Package config loads and validates the process environment. A
// missing required variable is a distinct, identifiable failure so main can
// exit 1 without probing any downstream dependency first.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the fully-validated process configuration.
type Config struct {
	StoreURL string

	LLMAPIKey string
	LLMModel  string

	FastScraperToken   string
	FastScraperLimit   int
	FastScraperBaseURL string

	TargetIDs []string

	CanonicalBaseURL string
	LandingBaseURL   string

	DailyDispatchLimit int
	ClassifyBatchSize  int
	GenerateBatchSize  int

	MaxBrowserInstances int
	BrowserProfileDir   string

	LockBackendURL string
	LockTTL        time.Duration

	// VectorDBAddr is the optional Qdrant gRPC address backing the
	// classify stage's near-duplicate index; empty disables it.
	VectorDBAddr string

	SelfHealInterval      time.Duration
	MetricsSampleInterval time.Duration

	LogLevel  string
	LogFormat string

	MetricsPort     int
	PushChannelPort int

	// Cadences: one env var per stage, each a cron-like string with a
	// default spaced to avoid the four stages colliding on the same tick.
	ScrapeCadence   string
	ClassifyCadence string
	GenerateCadence string
	DispatchCadence string
}

// Default cadences, staggered five minutes apart.
const (
	DefaultScrapeCadence   = "@every 15m"
	DefaultClassifyCadence = "@every 5m"
	DefaultGenerateCadence = "@every 10m"
	DefaultDispatchCadence = "@every 20m"
)

const (
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "json"
	DefaultMetricsPort      = 9094
	DefaultPushChannelPort  = 8089
	DefaultLockTTLSeconds   = 1800
	DefaultSelfHealSeconds  = 30
	DefaultMetricsSampleSec = 10

	// DefaultFastScraperBaseURL is the third-party job-queue API's base
	// URL, overridable for tests but otherwise a fixed third-party
	// service rather than per-deployment configuration.
	DefaultFastScraperBaseURL = "https://api.fastscraper.example/v1"
)

// ValidationError names the single env var that failed validation, so main
// can log a precise, actionable message before exiting 1.
type ValidationError struct {
	Var    string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Var, e.Reason)
}

// Load reads and validates the process environment. Required variables
// missing or malformed produce a *ValidationError.
func Load() (Config, error) {
	var cfg Config
	var errs []error

	req := func(key string) string {
		v := os.Getenv(key)
		if v == "" {
			errs = append(errs, &ValidationError{Var: key, Reason: "required but not set"})
		}
		return v
	}
	reqInt := func(key string) int {
		v := req(key)
		if v == "" {
			return 0
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, &ValidationError{Var: key, Reason: "must be an integer: " + err.Error()})
			return 0
		}
		return n
	}

	cfg.StoreURL = req("STORE_URL")
	cfg.LLMAPIKey = req("LLM_API_KEY")
	cfg.LLMModel = req("LLM_MODEL")
	cfg.FastScraperToken = req("FAST_SCRAPER_TOKEN")
	cfg.FastScraperLimit = reqInt("FAST_SCRAPER_LIMIT")
	cfg.FastScraperBaseURL = envOr("FAST_SCRAPER_BASE_URL", DefaultFastScraperBaseURL)
	cfg.TargetIDs = splitCSV(req("TARGET_IDS"))
	cfg.CanonicalBaseURL = req("CANONICAL_BASE_URL")
	cfg.LandingBaseURL = os.Getenv("LANDING_BASE_URL")
	cfg.DailyDispatchLimit = reqInt("DAILY_DISPATCH_LIMIT")
	cfg.ClassifyBatchSize = reqInt("CLASSIFY_BATCH_SIZE")
	cfg.GenerateBatchSize = reqInt("GENERATE_BATCH_SIZE")
	cfg.MaxBrowserInstances = reqInt("MAX_BROWSER_INSTANCES")
	cfg.BrowserProfileDir = req("BROWSER_PROFILE_DIR")

	cfg.LockBackendURL = os.Getenv("LOCK_BACKEND_URL")
	cfg.VectorDBAddr = os.Getenv("VECTOR_DB_ADDR")
	cfg.LockTTL = envSeconds("LOCK_TTL_SECONDS", DefaultLockTTLSeconds)
	cfg.SelfHealInterval = envSeconds("SELF_HEAL_INTERVAL_SECONDS", DefaultSelfHealSeconds)
	cfg.MetricsSampleInterval = envSeconds("METRICS_SAMPLE_INTERVAL_SECONDS", DefaultMetricsSampleSec)

	cfg.LogLevel = envOr("LOG_LEVEL", DefaultLogLevel)
	cfg.LogFormat = envOr("LOG_FORMAT", DefaultLogFormat)
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		errs = append(errs, &ValidationError{Var: "LOG_FORMAT", Reason: `must be "json" or "text"`})
	}

	cfg.MetricsPort = envIntOr("METRICS_PORT", DefaultMetricsPort)
	cfg.PushChannelPort = envIntOr("PUSH_CHANNEL_PORT", DefaultPushChannelPort)

	cfg.ScrapeCadence = envOr("SCRAPE_CADENCE", DefaultScrapeCadence)
	cfg.ClassifyCadence = envOr("CLASSIFY_CADENCE", DefaultClassifyCadence)
	cfg.GenerateCadence = envOr("GENERATE_CADENCE", DefaultGenerateCadence)
	cfg.DispatchCadence = envOr("DISPATCH_CADENCE", DefaultDispatchCadence)

	if len(cfg.TargetIDs) == 0 && len(errs) == 0 {
		errs = append(errs, &ValidationError{Var: "TARGET_IDS", Reason: "must name at least one target"})
	}

	if len(errs) > 0 {
		return Config{}, errs[0]
	}
	return cfg, nil
}

func splitCSV(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envSeconds(key string, fallbackSeconds int) time.Duration {
	return time.Duration(envIntOr(key, fallbackSeconds)) * time.Second
}
