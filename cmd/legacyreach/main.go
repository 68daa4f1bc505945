// Command legacyreach runs the pipeline process: scheduler, stage handlers,
// resilience layer, self-healing controller, and the operator push channel,
// wired from the process environment.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/heritagewatch/legacyreach/pkg/config"
	"github.com/heritagewatch/legacyreach/pkg/eventbus"
	"github.com/heritagewatch/legacyreach/pkg/llm"
	"github.com/heritagewatch/legacyreach/pkg/lock"
	"github.com/heritagewatch/legacyreach/pkg/metrics"
	"github.com/heritagewatch/legacyreach/pkg/pool"
	"github.com/heritagewatch/legacyreach/pkg/push"
	"github.com/heritagewatch/legacyreach/pkg/resilience"
	"github.com/heritagewatch/legacyreach/pkg/router"
	"github.com/heritagewatch/legacyreach/pkg/scheduler"
	"github.com/heritagewatch/legacyreach/pkg/scrape"
	"github.com/heritagewatch/legacyreach/pkg/selfheal"
	"github.com/heritagewatch/legacyreach/pkg/semantic"
	"github.com/heritagewatch/legacyreach/pkg/session"
	"github.com/heritagewatch/legacyreach/pkg/stages"
	"github.com/heritagewatch/legacyreach/pkg/store"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// shutdownGrace bounds how long the process waits for in-flight stage
// handlers and the push channel to drain on a termination signal.
const shutdownGrace = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("legacyreach exited with error", "err", err)
		var fatalStore *store.FatalStoreError
		if errors.As(err, &fatalStore) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func newLogger(cfg config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// breakerSet adapts a fixed slice of named breakers to selfheal.BreakerSet
// and push.BreakerSet, both of which only need to enumerate them.
type breakerSet []*resilience.Breaker

func (b breakerSet) Breakers() []*resilience.Breaker { return b }

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus := eventbus.New()

	st, err := store.Open(ctx, cfg.StoreURL, store.DefaultOptions)
	if err != nil {
		logger.Error("store connect failed", "err", err)
		return err
	}
	defer st.Close()

	// --- Resilience: one named breaker per external dependency ---
	fastBreaker := resilience.NewBreaker(resilience.DependencyFastScraper, resilience.DefaultBreakerOpts, bus)
	llmBreaker := resilience.NewBreaker(resilience.DependencyLLM, resilience.DefaultBreakerOpts, bus)
	storeBreaker := resilience.NewBreaker(resilience.DependencyStore, resilience.DefaultBreakerOpts, bus)
	breakers := breakerSet{fastBreaker, llmBreaker, storeBreaker}

	// --- Distributed lock ---
	locker, err := lock.New(cfg.LockBackendURL)
	if err != nil {
		logger.Error("lock backend init failed", "err", err)
		return err
	}
	defer locker.Close()

	// --- Session state + target router ---
	sessionMgr := session.New(st, bus)
	if err := sessionMgr.Load(ctx); err != nil {
		logger.Warn("session state load failed, starting unknown", "err", err)
	}
	tgtRouter := router.New(st, sessionMgr)

	// --- Bounded browser pool ---
	browserPool := pool.New(cfg.MaxBrowserInstances, 60*time.Second, 60*time.Second)

	// --- External scrapers ---
	fastScraper := scrape.NewFastScraper(scrape.FastScraperConfig{
		BaseURL: cfg.FastScraperBaseURL,
		Token:   cfg.FastScraperToken,
		Limit:   cfg.FastScraperLimit,
	}, fastBreaker)

	browserCfg := scrape.DefaultBrowserConfig
	browserCfg.ProfileDir = cfg.BrowserProfileDir
	browserScraper := scrape.NewBrowserScraper(browserCfg, sessionMgr)

	// --- LLM client (classify + generate collaborator) ---
	llmClient := llm.New(llm.Config{
		APIKey:            cfg.LLMAPIKey,
		Model:             cfg.LLMModel,
		RequestsPerSecond: llm.DefaultRequestsPerSecond,
	})

	// --- Near-duplicate vector index (optional) ---
	// When unavailable, classify simply calls the model for every candidate.
	var dupIndex *semantic.VectorStore
	if cfg.VectorDBAddr != "" {
		vs, err := semantic.New(cfg.VectorDBAddr, semantic.DefaultCollection)
		if err != nil {
			logger.Warn("vector index dial failed; near-duplicate reuse disabled", "err", err)
		} else if err := vs.EnsureCollection(ctx); err != nil {
			logger.Warn("vector index unavailable; near-duplicate reuse disabled", "err", err)
			_ = vs.Close()
		} else {
			defer vs.Close()
			dupIndex = vs
		}
	}

	// --- Metrics + sampler ---
	metricsReg := metrics.New()
	sampler := metrics.NewSampler(metricsReg, cfg.MetricsSampleInterval)
	go sampler.Run(ctx)
	metricsReg.ServeAsync(cfg.MetricsPort, logger)

	// Every error event, from any stage or the scheduler, also lands in the
	// fingerprint-deduplicated errors ring the push channel snapshots.
	errEvents, unsubErrs := bus.Subscribe(eventbus.KindError)
	defer unsubErrs()
	go func() {
		for evt := range errEvents {
			payload, ok := evt.Payload.(map[string]any)
			if !ok {
				continue
			}
			stage, _ := payload["stage"].(string)
			msg, _ := payload["error"].(string)
			metricsReg.RecordError(stage, errors.New(msg))
		}
	}()

	// --- Self-healing controller ---
	storeHealth := &breakerHealthProber{store: st, breaker: storeBreaker}
	healer := selfheal.New(metricsReg, storeHealth, breakers, bus, cfg.SelfHealInterval, selfheal.DefaultCooldown)
	go healer.Run(ctx)

	// --- Push channel ---
	hub := push.New(bus, metricsReg, healer, breakers, logger)
	pushMux := http.NewServeMux()
	pushMux.Handle("/debug/ws", hub)
	pushHandler := otelhttp.NewHandler(metricsReg.Middleware(pushMux), "legacyreach.push")
	pushSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.PushChannelPort),
		Handler: pushHandler,
	}
	go func() {
		logger.Info("push channel starting", "port", cfg.PushChannelPort)
		if err := pushSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("push channel exited", "err", err)
		}
	}()

	// --- Stage deps, retried+breaker-wrapped LLM calls ---
	stageDeps := &stages.Deps{
		Store:       st,
		Router:      tgtRouter,
		Session:     sessionMgr,
		Pool:        browserPool,
		LLM:         llmClient,
		LLMBreaker:  llmBreaker,
		Bus:         bus,
		FastScraper: fastScraper,
		Browser:     browserScraper,
		Sender:      browserScraper,
		Config: stages.Config{
			TargetIDs:            cfg.TargetIDs,
			ClassifyBatchSize:    cfg.ClassifyBatchSize,
			GenerateBatchSize:    cfg.GenerateBatchSize,
			MinConfidence:        stages.DefaultConfig.MinConfidence,
			CanonicalBaseURL:     cfg.CanonicalBaseURL,
			LandingBaseURL:       cfg.LandingBaseURL,
			DailyDispatchLimit:   cfg.DailyDispatchLimit,
			DispatchOpTimeout:    stages.DefaultConfig.DispatchOpTimeout,
			BrowserScrapeRetries: stages.DefaultConfig.BrowserScrapeRetries,
		},
		Logger: logger,
	}
	if dupIndex != nil {
		stageDeps.Duplicates = dupIndex
	}

	sched, err := scheduler.New([]scheduler.Entry{
		{Name: "scrape", Cadence: cfg.ScrapeCadence, TTL: cfg.LockTTL, Handler: func(ctx context.Context) error {
			return stages.RunScrape(ctx, stageDeps)
		}},
		{Name: "classify", Cadence: cfg.ClassifyCadence, TTL: cfg.LockTTL, Handler: func(ctx context.Context) error {
			return stages.RunClassify(ctx, stageDeps)
		}},
		{Name: "generate", Cadence: cfg.GenerateCadence, TTL: cfg.LockTTL, Handler: func(ctx context.Context) error {
			return stages.RunGenerate(ctx, stageDeps)
		}},
		{Name: "dispatch", Cadence: cfg.DispatchCadence, TTL: cfg.LockTTL, Handler: func(ctx context.Context) error {
			return stages.RunDispatch(ctx, stageDeps)
		}},
	}, locker, bus, st, logger)
	if err != nil {
		logger.Error("scheduler construction failed", "err", err)
		return err
	}

	sched.Start()
	logger.Info("legacyreach started",
		"targets", len(cfg.TargetIDs),
		"metrics_port", cfg.MetricsPort,
		"push_port", cfg.PushChannelPort,
	)

	<-ctx.Done()
	logger.Info("shutdown signal received, draining")

	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if err := sched.Stop(shutCtx); err != nil {
		logger.Warn("scheduler stop did not complete cleanly", "err", err)
	}
	_ = pushSrv.Shutdown(shutCtx)
	_ = st.InsertAudit(shutCtx, "lifecycle", "process shutdown complete")

	return nil
}

// breakerHealthProber runs the store's health probe through the "store"
// breaker, so a store that's failing health probes also trips the breaker
// other callers observe, instead of only being visible to the self-healing
// controller. Reconnect goes to the store directly, not through the breaker.
type breakerHealthProber struct {
	store   *store.Store
	breaker *resilience.Breaker
}

func (p *breakerHealthProber) HealthProbe(ctx context.Context) error {
	return p.breaker.Call(ctx, p.store.HealthProbe)
}

func (p *breakerHealthProber) Reconnect(ctx context.Context) error {
	return p.store.Reconnect(ctx)
}
