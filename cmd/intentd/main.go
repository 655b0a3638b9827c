package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/intentd/intentd/internal/api"
	"github.com/intentd/intentd/internal/config"
	"github.com/intentd/intentd/pkg/batch"
	"github.com/intentd/intentd/pkg/catalog"
	"github.com/intentd/intentd/pkg/compound"
	"github.com/intentd/intentd/pkg/decomposer"
	"github.com/intentd/intentd/pkg/embedding"
	"github.com/intentd/intentd/pkg/matcher"
	"github.com/intentd/intentd/pkg/observability"
	"github.com/intentd/intentd/pkg/pipeline"
	"github.com/intentd/intentd/pkg/ratelimit"
	"github.com/intentd/intentd/pkg/tenant"
)

func main() {
	// A local .env is a dev convenience; absence is fine.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewStandardLoggerAt("intentd", observability.ParseLevel(cfg.Service.LogLevel))

	if cfg.Tracing.Enabled {
		tracingCfg := cfg.Tracing
		if tracingCfg.Environment == "" {
			tracingCfg.Environment = cfg.Service.Environment
		}
		shutdownTracing, err := observability.InitTracing(tracingCfg)
		if err != nil {
			log.Fatalf("Failed to initialize tracing: %v", err)
		}
		defer shutdownTracing()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Postgres backs the catalog, the tenant store, and batch jobs. A
	// fully in-memory configuration runs without it.
	var db *sqlx.DB
	if cfg.Catalog.Backend == "postgres" || cfg.Tenants.Backend == "postgres" {
		db, err = sqlx.Connect("postgres", cfg.Database.DSN())
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		db.SetMaxOpenConns(cfg.Database.MaxConns)
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
		defer db.Close()

		if cfg.Database.AutoMigrate {
			if err := runMigrations(db, cfg.Database.MigrationsDir); err != nil {
				log.Fatalf("Failed to run migrations: %v", err)
			}
			logger.Info("database migrations applied", map[string]interface{}{
				"dir": cfg.Database.MigrationsDir,
			})
		}
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.Redis.Address,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.Database,
		DialTimeout: cfg.Redis.DialTimeout,
		PoolSize:    cfg.Redis.PoolSize,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unreachable at boot", map[string]interface{}{
			"addr":  cfg.Redis.Address,
			"error": err.Error(),
		})
	}

	embedder, err := newEmbedder(cfg, logger)
	if err != nil {
		log.Fatalf("Failed to initialize embedding service: %v", err)
	}
	defer embedder.Close()

	catalogStore, err := newCatalogStore(cfg, db, logger)
	if err != nil {
		log.Fatalf("Failed to initialize catalog store: %v", err)
	}
	defer catalogStore.Close()

	loader, err := catalog.NewLoader(catalog.LoaderConfig{
		Store:    catalogStore,
		Embedder: embedder,
		Logger:   logger,
	})
	if err != nil {
		log.Fatalf("Failed to initialize catalog loader: %v", err)
	}
	if cfg.Catalog.SeedPath != "" {
		n, err := loader.Refresh(ctx, cfg.Catalog.SeedPath)
		if err != nil {
			log.Fatalf("Failed to seed catalog from %s: %v", cfg.Catalog.SeedPath, err)
		}
		logger.Info("catalog seeded", map[string]interface{}{
			"path":    cfg.Catalog.SeedPath,
			"entries": n,
		})
	}

	match, err := matcher.New(matcher.Config{
		Embedder:        embedder,
		Store:           catalogStore,
		TopK:            cfg.Matcher.TopK,
		MinSimilarity:   cfg.Matcher.MinSimilarity,
		HighThreshold:   cfg.Matcher.HighThreshold,
		MediumThreshold: cfg.Matcher.MediumThreshold,
		GapThreshold:    cfg.Matcher.GapThreshold,
		Logger:          logger,
	})
	if err != nil {
		log.Fatalf("Failed to initialize matcher: %v", err)
	}

	var limiter ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		limiter, err = ratelimit.NewRedis(ratelimit.RedisConfig{
			Client: rdb,
			KeyTTL: cfg.RateLimit.KeyTTL,
			Logger: logger,
		})
		if err != nil {
			log.Fatalf("Failed to initialize rate limiter: %v", err)
		}
	} else {
		logger.Warn("rate limiting disabled", nil)
	}

	tenantStore, err := newTenantStore(cfg, db, logger)
	if err != nil {
		log.Fatalf("Failed to initialize tenant store: %v", err)
	}
	defer tenantStore.Close()

	dec, err := newDecomposer(cfg, logger)
	if err != nil {
		log.Fatalf("Failed to initialize decomposer: %v", err)
	}

	pipe, err := pipeline.New(pipeline.Config{
		Tenants:         tenantStore,
		Limiter:         limiter,
		Matcher:         match,
		Compound:        compound.New(cfg.Compound.CategoryMixThreshold),
		Decomposer:      dec,
		ReasoningTokens: cfg.RateLimit.ReasoningCost,
		Logger:          logger,
	})
	if err != nil {
		log.Fatalf("Failed to initialize pipeline: %v", err)
	}

	var batchStore batch.Store
	if db != nil {
		batchStore, err = batch.NewPostgresStore(db, logger)
		if err != nil {
			log.Fatalf("Failed to initialize batch store: %v", err)
		}
	} else {
		batchStore = batch.NewMemoryStore()
	}
	engine, err := batch.NewEngine(batch.Config{
		Store:    batchStore,
		Resolver: batch.ResolverFunc(pipe.ResolveQueued),
		Deliverer: batch.NewDeliverer(batch.DelivererConfig{
			Client:       &http.Client{Timeout: cfg.Batch.Webhook.Timeout},
			MaxPerSecond: cfg.Batch.Webhook.MaxPerSecond,
			Logger:       logger,
		}),
		Workers:          cfg.Batch.Workers,
		ItemConcurrency:  cfg.Batch.ItemConcurrency,
		MaxItems:         cfg.Batch.MaxItems,
		MaxQueueDepth:    cfg.Batch.MaxQueueDepth,
		ItemTimeout:      cfg.Service.ResolveTimeout,
		ProgressInterval: cfg.Batch.ProgressInterval,
		Logger:           logger,
	})
	if err != nil {
		log.Fatalf("Failed to initialize batch engine: %v", err)
	}
	if err := engine.Start(); err != nil {
		log.Fatalf("Failed to start batch engine: %v", err)
	}

	server, err := api.NewServer(api.Config{
		Port:           cfg.Service.Port,
		Environment:    cfg.Service.Environment,
		ResolveTimeout: cfg.Service.ResolveTimeout,
		AdminJWTSecret: cfg.Auth.AdminJWTSecret,
		JWTIssuer:      cfg.Auth.JWTIssuer,
	}, api.Deps{
		Resolver: pipe,
		Batch:    engine,
		Tenants:  tenantStore,
		Catalog:  catalogStore,
		Loader:   loader,
		Redis:    rdb,
		Logger:   logger,
	})
	if err != nil {
		log.Fatalf("Failed to initialize API server: %v", err)
	}

	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("received shutdown signal", nil)

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, cfg.Service.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", map[string]interface{}{
			"error": err.Error(),
		})
	}
	if err := engine.Shutdown(shutdownCtx); err != nil {
		logger.Error("batch engine shutdown error", map[string]interface{}{
			"error": err.Error(),
		})
	}
	logger.Info("stopped gracefully", nil)
}

func newEmbedder(cfg *config.Config, logger observability.Logger) (*embedding.Service, error) {
	embCfg := embedding.Config{
		Dimensions: cfg.Embedding.Dimensions,
		CacheSize:  cfg.Embedding.CacheSize,
		Logger:     logger,
	}
	switch cfg.Embedding.Provider {
	case "bedrock":
		region := cfg.Embedding.Bedrock.Region
		model := cfg.Embedding.Bedrock.Model
		dims := cfg.Embedding.Dimensions
		embCfg.NewProvider = func() (embedding.Provider, error) {
			return embedding.NewBedrockProvider(embedding.BedrockOptions{
				Region:     region,
				Model:      model,
				Dimensions: dims,
			})
		}
	default:
		dims := cfg.Embedding.Dimensions
		embCfg.NewProvider = func() (embedding.Provider, error) {
			return embedding.NewLocalProvider(dims), nil
		}
	}
	return embedding.NewService(embCfg)
}

func newCatalogStore(cfg *config.Config, db *sqlx.DB, logger observability.Logger) (catalog.Store, error) {
	if cfg.Catalog.Backend == "postgres" {
		return catalog.NewPostgresStore(db, cfg.Embedding.Dimensions, logger)
	}
	return catalog.NewMemoryStore(), nil
}

func newTenantStore(cfg *config.Config, db *sqlx.DB, logger observability.Logger) (tenant.Store, error) {
	if cfg.Tenants.Backend == "postgres" {
		store, err := tenant.NewPostgresStore(db, logger)
		if err != nil {
			return nil, err
		}
		return tenant.NewCached(store, cfg.Tenants.CacheSize, cfg.Tenants.CacheTTL)
	}
	return tenant.NewMemoryStore(nil, logger)
}

func newDecomposer(cfg *config.Config, logger observability.Logger) (decomposer.Decomposer, error) {
	switch cfg.Decomposer.Provider {
	case "static":
		return decomposer.NewStatic(), nil
	default:
		if cfg.Decomposer.APIKey == "" {
			logger.Warn("no decomposer API key configured, reasoning path degrades to matcher results", nil)
			return nil, nil
		}
		return decomposer.NewAnthropic(decomposer.AnthropicConfig{
			APIKey:           cfg.Decomposer.APIKey,
			Model:            cfg.Decomposer.Model,
			MaxTokens:        cfg.Decomposer.MaxTokens,
			Temperature:      cfg.Decomposer.Temperature,
			Timeout:          cfg.Decomposer.Timeout,
			RetryJitter:      cfg.Decomposer.RetryJitter,
			FailureThreshold: cfg.Decomposer.Breaker.FailureThreshold,
			BreakerTimeout:   cfg.Decomposer.Breaker.Timeout,
			MaxHalfOpen:      cfg.Decomposer.Breaker.MaxHalfOpen,
			Logger:           logger,
		})
	}
}

func runMigrations(db *sqlx.DB, dir string) error {
	driver, err := migratepg.WithInstance(db.DB, &migratepg.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+dir, "postgres", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}
