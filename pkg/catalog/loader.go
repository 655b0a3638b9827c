package catalog

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/intentd/intentd/pkg/embedding"
	"github.com/intentd/intentd/pkg/models"
	"github.com/intentd/intentd/pkg/observability"
)

// Downloader fetches objects from S3. manager.Downloader implements it.
type Downloader interface {
	Download(ctx context.Context, w io.WriterAt, params *s3.GetObjectInput, optFns ...func(*manager.Downloader)) (int64, error)
}

// LoaderConfig wires a Loader's collaborators.
type LoaderConfig struct {
	Store    Store
	Embedder *embedding.Service
	Logger   observability.Logger

	// Downloader serves s3:// seed paths. When nil one is built from the
	// ambient AWS configuration on first use.
	Downloader Downloader

	// EmbedBatchSize caps how many examples go to the embedder per call.
	EmbedBatchSize int
}

// Loader turns seed files into embedded catalog entries and feeds them to a
// store, either appending (Load) or atomically replacing (Refresh).
type Loader struct {
	store      Store
	embedder   *embedding.Service
	logger     observability.Logger
	downloader Downloader
	batchSize  int
}

// NewLoader creates a catalog loader.
func NewLoader(cfg LoaderConfig) (*Loader, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if cfg.Embedder == nil {
		return nil, fmt.Errorf("embedder cannot be nil")
	}
	batchSize := cfg.EmbedBatchSize
	if batchSize <= 0 {
		batchSize = 64
	}
	return &Loader{
		store:      cfg.Store,
		embedder:   cfg.Embedder,
		logger:     observability.OrNoop(cfg.Logger),
		downloader: cfg.Downloader,
		batchSize:  batchSize,
	}, nil
}

// Load appends the seed file's entries to the catalog and returns the number
// inserted.
func (l *Loader) Load(ctx context.Context, path string) (int, error) {
	entries, err := l.build(ctx, path)
	if err != nil {
		return 0, err
	}
	n, err := l.store.InsertBatch(ctx, entries)
	if err != nil {
		return 0, err
	}
	l.logger.Info("Catalog seed loaded", map[string]interface{}{
		"path":    path,
		"entries": n,
	})
	return n, nil
}

// Refresh replaces the whole catalog with the seed file's entries. Readers
// see the previous catalog until the store's swap completes.
func (l *Loader) Refresh(ctx context.Context, path string) (int, error) {
	entries, err := l.build(ctx, path)
	if err != nil {
		return 0, err
	}
	if err := l.store.Refresh(ctx, entries); err != nil {
		return 0, err
	}
	l.logger.Info("Catalog seed refreshed", map[string]interface{}{
		"path":    path,
		"entries": len(entries),
	})
	return len(entries), nil
}

func (l *Loader) build(ctx context.Context, path string) ([]models.CatalogEntry, error) {
	data, err := l.fetch(ctx, path)
	if err != nil {
		return nil, err
	}
	seed, err := ParseSeed(data)
	if err != nil {
		return nil, err
	}

	entries := seed.Entries()
	for start := 0; start < len(entries); start += l.batchSize {
		end := start + l.batchSize
		if end > len(entries) {
			end = len(entries)
		}
		texts := make([]string, 0, end-start)
		for i := start; i < end; i++ {
			texts = append(texts, entries[i].ExampleText)
		}
		vecs, err := l.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return nil, fmt.Errorf("failed to embed seed examples: %w", err)
		}
		for i, vec := range vecs {
			entries[start+i].Embedding = vec
		}
	}
	return entries, nil
}

func (l *Loader) fetch(ctx context.Context, path string) ([]byte, error) {
	if strings.HasPrefix(path, "s3://") {
		return l.fetchS3(ctx, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	return data, nil
}

func (l *Loader) fetchS3(ctx context.Context, path string) ([]byte, error) {
	bucket, key, err := parseS3Path(path)
	if err != nil {
		return nil, err
	}

	if l.downloader == nil {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		l.downloader = manager.NewDownloader(s3.NewFromConfig(awsCfg))
	}

	buf := manager.NewWriteAtBuffer([]byte{})
	_, err = l.downloader.Download(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to download seed from s3: %w", err)
	}
	return buf.Bytes(), nil
}

func parseS3Path(path string) (bucket, key string, err error) {
	trimmed := strings.TrimPrefix(path, "s3://")
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid s3 path %q, want s3://bucket/key", path)
	}
	return parts[0], parts[1], nil
}
