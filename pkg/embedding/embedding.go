// Package embedding maps text to fixed-dimension unit vectors. A Service
// wraps a Provider with lazy initialization and an LRU cache so repeated
// embedding of the same text yields identical vectors within a process run.
package embedding

import (
	"context"
	"fmt"
	"math"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/intentd/intentd/pkg/observability"
)

// Provider generates raw embedding vectors. Implementations are safe for
// concurrent use after construction.
type Provider interface {
	Name() string
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
	BatchGenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	Close() error
}

// Config configures a Service. NewProvider runs once, on the first embed
// call, so process start never pays for model or client initialization.
type Config struct {
	NewProvider func() (Provider, error)
	Dimensions  int
	CacheSize   int
	Logger      observability.Logger
}

// DefaultConfig returns a Config with the local provider at 384 dimensions.
func DefaultConfig() Config {
	const dims = 384
	return Config{
		NewProvider: func() (Provider, error) { return NewLocalProvider(dims), nil },
		Dimensions:  dims,
		CacheSize:   4096,
	}
}

// Service is the embedder used by the matcher and the catalog loader.
type Service struct {
	newProvider func() (Provider, error)
	dims        int
	cache       *lru.Cache[string, []float32]
	logger      observability.Logger

	initOnce sync.Once
	provider Provider
	initErr  error
}

// NewService creates an embedding service. The provider is not constructed
// until the first call to Embed or EmbedBatch.
func NewService(cfg Config) (*Service, error) {
	if cfg.NewProvider == nil {
		return nil, fmt.Errorf("embedding: NewProvider is required")
	}
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("embedding: dimensions must be positive, got %d", cfg.Dimensions)
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 4096
	}
	cache, err := lru.New[string, []float32](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("embedding: failed to create cache: %w", err)
	}
	return &Service{
		newProvider: cfg.NewProvider,
		dims:        cfg.Dimensions,
		cache:       cache,
		logger:      observability.OrNoop(cfg.Logger),
	}, nil
}

// Dimensions returns the configured vector dimension.
func (s *Service) Dimensions() int { return s.dims }

func (s *Service) init() error {
	s.initOnce.Do(func() {
		provider, err := s.newProvider()
		if err != nil {
			s.initErr = fmt.Errorf("embedding: provider init failed: %w", err)
			return
		}
		if provider.Dimensions() != s.dims {
			s.initErr = fmt.Errorf("embedding: provider %s produces %d dimensions, service configured for %d",
				provider.Name(), provider.Dimensions(), s.dims)
			return
		}
		s.provider = provider
		s.logger.Info("embedding provider initialized", map[string]interface{}{
			"provider":   provider.Name(),
			"dimensions": s.dims,
		})
	})
	return s.initErr
}

// Embed returns the L2-normalized vector for text. Results are cached, so
// within one run equal inputs produce equal vectors.
func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := s.init(); err != nil {
		return nil, err
	}
	if vec, ok := s.cache.Get(text); ok {
		return vec, nil
	}
	raw, err := s.provider.GenerateEmbedding(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embedding: generate failed: %w", err)
	}
	vec, err := s.checkAndNormalize(raw)
	if err != nil {
		return nil, err
	}
	s.cache.Add(text, vec)
	return vec, nil
}

// EmbedBatch embeds many texts, reusing cached vectors and sending only the
// misses to the provider. Output order matches input order.
func (s *Service) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := s.init(); err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	var misses []string
	var missIdx []int
	for i, text := range texts {
		if vec, ok := s.cache.Get(text); ok {
			out[i] = vec
			continue
		}
		misses = append(misses, text)
		missIdx = append(missIdx, i)
	}
	if len(misses) == 0 {
		return out, nil
	}

	raws, err := s.provider.BatchGenerateEmbeddings(ctx, misses)
	if err != nil {
		return nil, fmt.Errorf("embedding: batch generate failed: %w", err)
	}
	if len(raws) != len(misses) {
		return nil, fmt.Errorf("embedding: provider returned %d vectors for %d texts", len(raws), len(misses))
	}
	for j, raw := range raws {
		vec, err := s.checkAndNormalize(raw)
		if err != nil {
			return nil, err
		}
		s.cache.Add(misses[j], vec)
		out[missIdx[j]] = vec
	}
	return out, nil
}

func (s *Service) checkAndNormalize(raw []float32) ([]float32, error) {
	if len(raw) != s.dims {
		return nil, fmt.Errorf("embedding: provider returned %d dimensions, want %d", len(raw), s.dims)
	}
	vec, ok := Normalize(raw)
	if !ok {
		return nil, fmt.Errorf("embedding: provider returned a zero vector")
	}
	return vec, nil
}

// Normalize returns an L2-normalized copy of v. The second return is false
// for a zero vector, which cannot be normalized.
func Normalize(v []float32) ([]float32, bool) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return nil, false
	}
	norm := math.Sqrt(sum)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out, true
}

// Similarity computes cosine similarity between unit vectors, which reduces
// to the dot product.
func Similarity(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}

// Close releases the provider, if it was ever initialized.
func (s *Service) Close() error {
	if s.provider != nil {
		return s.provider.Close()
	}
	return nil
}
