package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/redis/go-redis/v9"

	"github.com/nexhub-ai/nexhub/pkg/auth"
	"github.com/nexhub-ai/nexhub/pkg/automation"
	"github.com/nexhub-ai/nexhub/pkg/catalog"
	"github.com/nexhub-ai/nexhub/pkg/config"
	"github.com/nexhub-ai/nexhub/pkg/engine"
	"github.com/nexhub-ai/nexhub/pkg/llm"
	"github.com/nexhub-ai/nexhub/pkg/observability"
	"github.com/nexhub-ai/nexhub/pkg/quota"
	"github.com/nexhub-ai/nexhub/pkg/server"
	"github.com/nexhub-ai/nexhub/pkg/session"
	"github.com/nexhub-ai/nexhub/pkg/skill"
	"github.com/nexhub-ai/nexhub/pkg/workflow"
)

// app holds the composed subsystems and their shared resources.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	db  *sql.DB
	rdb *redis.Client

	obs    *observability.Manager
	engine *engine.Engine
	server *server.Server
	fabric *automation.Fabric
}

// buildApp wires every subsystem from the loaded config.
func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	db, err := openDatabase(cfg.Database)
	if err != nil {
		return nil, err
	}
	a.db = db
	driver := cfg.Database.Driver

	a.obs = observability.NewManager(observability.Config{})
	if err := a.obs.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}

	// Stores.
	wfStore, err := workflow.NewSQLStore(db, driver)
	if err != nil {
		return nil, fmt.Errorf("workflow store: %w", err)
	}
	execStore, err := engine.NewSQLExecutionStore(db, driver)
	if err != nil {
		return nil, fmt.Errorf("execution store: %w", err)
	}
	cpStore, err := engine.NewSQLCheckpointStore(db, driver)
	if err != nil {
		return nil, fmt.Errorf("checkpoint store: %w", err)
	}
	sessStore, err := session.NewSQLStore(db, driver)
	if err != nil {
		return nil, fmt.Errorf("session store: %w", err)
	}
	quotas, err := quota.NewSQLStore(db, driver)
	if err != nil {
		return nil, fmt.Errorf("quota store: %w", err)
	}
	skills, err := skill.NewSQLRegistry(db, driver)
	if err != nil {
		return nil, fmt.Errorf("skill registry: %w", err)
	}
	catalogStore, err := catalog.NewSQLStore(db, driver)
	if err != nil {
		return nil, fmt.Errorf("catalog store: %w", err)
	}

	llms := buildLLMRegistry(cfg.LLM)
	invoker := skill.NewInvoker(skill.NewEnvSecretStore(),
		skill.WithInvokerLogger(logger))

	a.engine = engine.New(engine.Config{
		MaxConcurrency:      int64(cfg.Engine.MaxConcurrency),
		ReentryCap:          cfg.Engine.ReentryCap,
		StreamBuffer:        cfg.Engine.StreamBuffer,
		CheckpointRetention: cfg.Engine.CheckpointRetention,
	}, skills, invoker, llms, execStore, cpStore, engine.WithEngineLogger(logger))

	workflows := workflow.NewService(wfStore,
		workflow.WithExecutionChecker(execStore),
		workflow.WithLogger(logger))
	sessions := session.NewService(sessStore, workflows, a.engine, quotas,
		session.WithLogger(logger))

	verifier, err := buildVerifier(ctx, cfg.Auth)
	if err != nil {
		return nil, err
	}
	if verifier == nil {
		logger.Warn("auth disabled, identity comes from the X-User-ID header")
	}

	a.server = server.New(cfg.Server, server.Deps{
		Workflows:       workflows,
		Engine:          a.engine,
		Sessions:        sessions,
		Quotas:          quotas,
		Metrics:         a.obs.Metrics(),
		Verifier:        verifier,
		Logger:          logger,
		QuotaDailyLimit: cfg.Quota.DailyLimit,
	})

	a.fabric, err = buildFabric(cfg, a, catalogStore, llms, logger)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (a *app) Close() {
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}

func openDatabase(cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", cfg.Driver, err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("pinging %s database: %w", cfg.Driver, err)
	}
	return db, nil
}

// buildLLMRegistry creates one OpenAI-compatible provider per configured
// endpoint. The default provider serves unrouted models; the rest answer to
// their provider name.
func buildLLMRegistry(cfg config.LLMConfig) *llm.Registry {
	providers := make(map[string]*llm.OpenAIProvider, len(cfg.Providers))
	for name, pc := range cfg.Providers {
		providers[name] = llm.NewOpenAIProvider(pc.BaseURL, pc.APIKey,
			llm.WithOpenAIHTTPClient(&http.Client{Timeout: pc.Timeout}))
	}
	registry := llm.NewRegistry(providers[cfg.Default])
	for name, p := range providers {
		if name != cfg.Default {
			registry.Route(name, p)
		}
	}
	return registry
}

func buildVerifier(ctx context.Context, cfg config.AuthConfig) (auth.Verifier, error) {
	if !cfg.IsEnabled() {
		return nil, nil
	}
	if cfg.JWKSURL != "" {
		v, err := auth.NewJWKSVerifier(ctx, cfg.JWKSURL, cfg.Issuer, cfg.Audience,
			cfg.JWKSRefreshInterval)
		if err != nil {
			return nil, fmt.Errorf("building JWKS verifier: %w", err)
		}
		return v, nil
	}
	return auth.NewHMACVerifier(cfg.Secret, cfg.Issuer, cfg.Audience), nil
}

// buildFabric assembles the broker, discovery sources and pipeline into the
// automation fabric. With no redis address configured the broker is
// in-process.
func buildFabric(cfg *config.Config, a *app, store catalog.Store,
	llms *llm.Registry, logger *slog.Logger) (*automation.Fabric, error) {

	var broker automation.Broker
	if cfg.Redis.Enabled() {
		a.rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		broker = automation.NewRedisBroker(a.rdb)
		logger.Info("task broker backed by redis", "addr", cfg.Redis.Addr)
	} else {
		broker = automation.NewMemoryBroker()
		logger.Info("task broker is in-process, tasks do not survive restarts")
	}

	sources, err := buildSources(cfg.Automation.Sources)
	if err != nil {
		return nil, err
	}

	index := catalog.NewIndexClient(cfg.Automation.Index.Endpoint,
		cfg.Automation.Index.APIKey, catalog.WithIndexLogger(logger))
	pipeline := automation.NewPipeline(store, broker, llms, index, sources,
		automation.WithEnrichModel(cfg.Automation.EnrichModel),
		automation.WithPipelineLogger(logger))

	schedules := cfg.Automation.Schedules
	if schedules == nil {
		// An absent schedules section means no cron, not the defaults.
		schedules = map[string]string{}
	}
	return automation.NewFabric(automation.FabricConfig{
		Crawlers:   poolConfig(cfg.Automation.Crawlers),
		Enrichment: poolConfig(cfg.Automation.Enrichment),
		Indexing:   poolConfig(cfg.Automation.Indexing),
		Schedules:  schedules,
	}, broker, pipeline, logger)
}

func poolConfig(c config.WorkerConfig) automation.PoolConfig {
	return automation.PoolConfig{
		Concurrency:  c.Concurrency,
		LeaseTimeout: c.LeaseTimeout,
		PollInterval: c.PollInterval,
		ReapInterval: c.ReapInterval,
	}
}

func buildSources(cfgs map[string]*config.SourceConfig) ([]automation.Source, error) {
	var sources []automation.Source
	for name, sc := range cfgs {
		switch name {
		case string(catalog.SourceProductHunt):
			s := automation.NewProductHuntSource(sc.BaseURL, sc.APIToken)
			if sc.MinScore > 0 {
				s.MinVotes = sc.MinScore
			}
			sources = append(sources, s)
		case string(catalog.SourceGitHubTrending):
			s := automation.NewGitHubTrendingSource(sc.BaseURL, sc.APIToken)
			if len(sc.Keywords) > 0 {
				s.Keywords = sc.Keywords
			}
			sources = append(sources, s)
		case string(catalog.SourceArxiv):
			s := automation.NewArxivSource(sc.BaseURL)
			if len(sc.Categories) > 0 {
				s.Categories = sc.Categories
			}
			sources = append(sources, s)
		default:
			return nil, fmt.Errorf("unknown discovery source %q", name)
		}
	}
	return sources, nil
}
