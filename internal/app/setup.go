package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/koopa0/relay/db"
	"github.com/koopa0/relay/internal/cache"
	"github.com/koopa0/relay/internal/chat"
	"github.com/koopa0/relay/internal/config"
	"github.com/koopa0/relay/internal/log"
	"github.com/koopa0/relay/internal/memory"
	"github.com/koopa0/relay/internal/observability"
	"github.com/koopa0/relay/internal/provider"
	"github.com/koopa0/relay/internal/ratelimit"
	"github.com/koopa0/relay/internal/router"
	"github.com/koopa0/relay/internal/session"
)

// Setup creates and initializes the application.
// Returns an App with embedded cleanup; call Close() to release.
func Setup(ctx context.Context, cfg *config.Config, logger log.Logger) (_ *App, retErr error) {
	if logger == nil {
		logger = log.NewNop()
	}
	a := &App{Config: cfg, Logger: logger}

	// On error, clean up everything already initialized.
	defer func() {
		if retErr != nil {
			if err := a.Close(); err != nil {
				logger.Warn("cleanup during setup failure", "error", err)
			}
		}
	}()

	a.otelCleanup = provideOtelShutdown(ctx, cfg, logger)

	pool, err := provideDBPool(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.DBPool = pool

	g, err := provideGenkit(ctx)
	if err != nil {
		return nil, err
	}
	a.Genkit = g

	embedder := googlegenai.GoogleAIEmbedder(g, cfg.EmbedderModel)
	if embedder == nil {
		return nil, fmt.Errorf("embedder %q not found", cfg.EmbedderModel)
	}
	a.Embedder = embedder

	a.Memories, err = provideMemoryStore(pool, embedder, cfg, logger)
	if err != nil {
		return nil, err
	}

	a.Sessions, err = session.NewStore(pool, logger)
	if err != nil {
		return nil, fmt.Errorf("creating session store: %w", err)
	}

	a.Tracker = provideTracker(cfg, logger)

	a.Router, err = provideRouter(g, cfg, a.Tracker, logger)
	if err != nil {
		return nil, err
	}

	a.Cache = cache.New(logger, cache.WithTTLs(cache.TTLs{
		General:  cfg.Cache.GeneralTTL,
		Personal: cfg.Cache.PersonalTTL,
		Temporal: cfg.Cache.TemporalTTL,
	}))

	bgCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancel = cancel

	a.Chat, err = chat.New(chat.Config{
		Router:        a.Router,
		Cache:         a.Cache,
		Logger:        logger,
		Memories:      a.Memories,
		Sessions:      a.Sessions,
		Genkit:        g,
		UtilityModel:  utilityModel(cfg),
		Temperature:   cfg.Temperature,
		MaxTokens:     cfg.MaxTokens,
		ContextTokens: cfg.Memory.ContextTokens,
		BackgroundCtx: bgCtx,
		WG:            &a.wg,
	})
	if err != nil {
		return nil, fmt.Errorf("creating chat service: %w", err)
	}

	// Maintenance loop: stale-memory deletion and due summaries. Stops when
	// bgCtx is canceled in Close.
	summarizer := memory.NewSummarizer(a.Memories, g, utilityModel(cfg))
	scheduler := memory.NewScheduler(a.Memories, summarizer, logger)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		scheduler.Run(bgCtx)
	}()

	return a, nil
}

// utilityModel resolves the extraction and summary model, defaulting to the
// first provider's model.
func utilityModel(cfg *config.Config) string {
	if cfg.UtilityModel != "" {
		return cfg.UtilityModel
	}
	if len(cfg.Providers) > 0 {
		return cfg.Providers[0].Model
	}
	return ""
}

// provideOtelShutdown sets up OTLP trace export before Genkit initialization,
// so Genkit's TracerProvider is ready when flows start. Export failures
// disable tracing but never block startup.
func provideOtelShutdown(ctx context.Context, cfg *config.Config, logger log.Logger) func() {
	if !cfg.Otel.Enabled {
		return func() {}
	}

	shutdown, err := observability.Setup(ctx, observability.Config{
		Endpoint:    cfg.Otel.Endpoint,
		ServiceName: cfg.Otel.ServiceName,
		Environment: cfg.Otel.Environment,
	}, logger)
	if err != nil {
		logger.Warn("trace export setup failed, tracing disabled", "error", err)
		return func() {}
	}

	//nolint:contextcheck // Independent context: shutdown runs during teardown when parent is canceled
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			logger.Warn("shutting down tracer provider", "error", err)
		}
	}
}

// provideGenkit initializes Genkit with the Google AI plugin. Provider
// adapters resolve provider-qualified model names against this registry at
// call time.
func provideGenkit(ctx context.Context) (*genkit.Genkit, error) {
	g := genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
	if g == nil {
		return nil, errors.New("initializing genkit")
	}
	return g, nil
}

// provideDBPool runs migrations and creates a PostgreSQL connection pool with
// sensible defaults for connection management.
func provideDBPool(ctx context.Context, cfg *config.Config, logger log.Logger) (*pgxpool.Pool, error) {
	if err := db.Migrate(cfg.ConnURL(), logger); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.ConnURL())
	if err != nil {
		return nil, fmt.Errorf("parsing connection config: %w", err)
	}

	poolCfg.MaxConns = 10
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	poolCfg.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return pool, nil
}

// provideMemoryStore creates the memory store with ranking weights and
// retention from configuration.
func provideMemoryStore(pool *pgxpool.Pool, embedder ai.Embedder, cfg *config.Config, logger log.Logger) (*memory.Store, error) {
	opts := []memory.StoreOption{
		memory.WithRankWeights(memory.RankWeights{
			Similarity: cfg.Memory.WeightSimilarity,
			Importance: cfg.Memory.WeightImportance,
			Recency:    cfg.Memory.WeightRecency,
		}),
	}
	if cfg.Memory.RetentionDays > 0 {
		opts = append(opts, memory.WithRetention(time.Duration(cfg.Memory.RetentionDays)*24*time.Hour))
	}

	store, err := memory.NewStore(pool, embedder, logger, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating memory store: %w", err)
	}
	return store, nil
}

// provideTracker builds the sliding-window quota tracker from the per-provider
// limits in configuration.
func provideTracker(cfg *config.Config, logger log.Logger) *ratelimit.Tracker {
	limits := make(map[string]ratelimit.Limits, len(cfg.Providers))
	for _, p := range cfg.Providers {
		if p.Disabled {
			continue
		}
		limits[p.ID] = ratelimit.Limits{
			PerMinute: p.PerMinute,
			PerMonth:  p.PerMonth,
		}
	}
	return ratelimit.New(ratelimit.Config{
		SoftRatio:        cfg.RateLimit.SoftRatio,
		FailureThreshold: cfg.RateLimit.FailureThreshold,
		Cooldown:         cfg.RateLimit.Cooldown,
	}, limits, logger)
}

// provideRouter builds the provider pool from configuration and wraps it in
// the fallback router.
func provideRouter(g *genkit.Genkit, cfg *config.Config, tracker *ratelimit.Tracker, logger log.Logger) (*router.Router, error) {
	specs := make([]provider.Spec, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		if p.Disabled {
			continue
		}
		specs = append(specs, provider.Spec{
			Adapter:   provider.NewGenkitAdapter(g, p.ID, p.Model),
			Tier:      p.Tier,
			SmoothRPS: p.SmoothRPS,
		})
	}

	pool, err := provider.NewPool(specs)
	if err != nil {
		return nil, fmt.Errorf("building provider pool: %w", err)
	}

	var opts []router.Option
	if cfg.AttemptTimeout > 0 {
		opts = append(opts, router.WithAttemptTimeout(cfg.AttemptTimeout))
	}
	r, err := router.New(pool, tracker, logger, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating router: %w", err)
	}
	return r, nil
}
