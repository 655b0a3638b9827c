// Command catalog-loader seeds or refreshes the intent example catalog from
// a local file or an s3:// URL and prints per-intent counts.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/intentd/intentd/internal/config"
	"github.com/intentd/intentd/pkg/catalog"
	"github.com/intentd/intentd/pkg/embedding"
	"github.com/intentd/intentd/pkg/observability"
)

var (
	pathFlag    = flag.String("path", "", "Seed file (JSON) or s3:// URL")
	appendFlag  = flag.Bool("append", false, "Append to the catalog instead of replacing it")
	countsFlag  = flag.Bool("counts", false, "Print per-intent counts and exit")
	timeoutFlag = flag.Duration("timeout", 5*time.Minute, "Operation timeout")
)

func main() {
	flag.Parse()
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if cfg.Catalog.Backend != "postgres" {
		log.Fatalf("catalog.backend=%s has no persistent store to load", cfg.Catalog.Backend)
	}

	logger := observability.NewStandardLoggerAt("catalog-loader", observability.ParseLevel(cfg.Service.LogLevel))

	ctx, cancel := context.WithTimeout(context.Background(), *timeoutFlag)
	defer cancel()

	db, err := sqlx.Connect("postgres", cfg.Database.DSN())
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	store, err := catalog.NewPostgresStore(db, cfg.Embedding.Dimensions, logger)
	if err != nil {
		log.Fatalf("Failed to initialize catalog store: %v", err)
	}

	if *countsFlag {
		printCounts(ctx, store)
		return
	}
	if *pathFlag == "" {
		flag.Usage()
		log.Fatal("Error: -path is required")
	}

	embedder, err := newEmbedder(cfg, logger)
	if err != nil {
		log.Fatalf("Failed to initialize embedding service: %v", err)
	}
	defer embedder.Close()

	loader, err := catalog.NewLoader(catalog.LoaderConfig{
		Store:    store,
		Embedder: embedder,
		Logger:   logger,
	})
	if err != nil {
		log.Fatalf("Failed to initialize loader: %v", err)
	}

	start := time.Now()
	var n int
	if *appendFlag {
		n, err = loader.Load(ctx, *pathFlag)
	} else {
		n, err = loader.Refresh(ctx, *pathFlag)
	}
	if err != nil {
		log.Fatalf("Failed to load catalog from %s: %v", *pathFlag, err)
	}
	fmt.Printf("Loaded %d examples from %s in %s\n\n", n, *pathFlag, time.Since(start).Round(time.Millisecond))

	printCounts(ctx, store)
}

func printCounts(ctx context.Context, store catalog.Store) {
	counts, err := store.CountsByIntent(ctx)
	if err != nil {
		log.Fatalf("Failed to read catalog counts: %v", err)
	}

	codes := make([]string, 0, len(counts))
	for code := range counts {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	total := 0
	for _, code := range codes {
		fmt.Printf("  %-45s %d\n", code, counts[code])
		total += counts[code]
	}
	fmt.Printf("\n%d examples across %d intents\n", total, len(codes))
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
