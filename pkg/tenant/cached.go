package tenant

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/intentd/intentd/pkg/models"
)

const (
	// DefaultCacheSize bounds the number of tenants held in memory.
	DefaultCacheSize = 1024
	// DefaultCacheTTL is how long a cached tenant may serve admissions.
	DefaultCacheTTL = 30 * time.Second
	// maxCacheTTL caps staleness: a deactivated tenant must stop passing
	// admission within a minute.
	maxCacheTTL = 60 * time.Second
)

type cachedEntry struct {
	cfg     *models.TenantConfig
	expires time.Time
}

// Cached wraps a Store with a small TTL'd LRU so the admission path does not
// hit the backing store on every request. Writes invalidate; reads may serve
// a row up to the TTL stale.
type Cached struct {
	inner Store
	byKey *lru.Cache[string, cachedEntry]
	byID  *lru.Cache[string, cachedEntry]
	ttl   time.Duration

	// now is the cache clock. Overridden in tests.
	now func() time.Time
}

// NewCached wraps a store. Zero size and TTL take defaults; TTLs above the
// staleness cap are clamped.
func NewCached(inner Store, size int, ttl time.Duration) (*Cached, error) {
	if inner == nil {
		return nil, fmt.Errorf("tenant: inner store is required")
	}
	if size <= 0 {
		size = DefaultCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if ttl > maxCacheTTL {
		ttl = maxCacheTTL
	}

	byKey, err := lru.New[string, cachedEntry](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create api key cache: %w", err)
	}
	byID, err := lru.New[string, cachedEntry](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create tenant id cache: %w", err)
	}

	return &Cached{
		inner: inner,
		byKey: byKey,
		byID:  byID,
		ttl:   ttl,
		now:   time.Now,
	}, nil
}

// ByAPIKey resolves the tenant, serving from cache within the TTL.
func (c *Cached) ByAPIKey(ctx context.Context, apiKey string) (*models.TenantConfig, error) {
	if entry, ok := c.byKey.Get(apiKey); ok && c.now().Before(entry.expires) {
		return entry.cfg, nil
	}
	cfg, err := c.inner.ByAPIKey(ctx, apiKey)
	if err != nil {
		return nil, err
	}
	c.store(cfg)
	return cfg, nil
}

// ByID resolves the tenant, serving from cache within the TTL.
func (c *Cached) ByID(ctx context.Context, tenantID string) (*models.TenantConfig, error) {
	if entry, ok := c.byID.Get(tenantID); ok && c.now().Before(entry.expires) {
		return entry.cfg, nil
	}
	cfg, err := c.inner.ByID(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	c.store(cfg)
	return cfg, nil
}

func (c *Cached) store(cfg *models.TenantConfig) {
	entry := cachedEntry{cfg: cfg, expires: c.now().Add(c.ttl)}
	c.byID.Add(cfg.TenantID, entry)
	c.byKey.Add(cfg.APIKey, entry)
}

// List always goes to the backing store.
func (c *Cached) List(ctx context.Context) ([]*models.TenantConfig, error) {
	return c.inner.List(ctx)
}

// Upsert writes through and drops cached state. The key cache is purged
// wholesale since the previous API key is unknown here.
func (c *Cached) Upsert(ctx context.Context, cfg *models.TenantConfig) error {
	if err := c.inner.Upsert(ctx, cfg); err != nil {
		return err
	}
	c.byID.Remove(cfg.TenantID)
	c.byKey.Purge()
	return nil
}

// SoftDelete writes through and drops cached state.
func (c *Cached) SoftDelete(ctx context.Context, tenantID string) error {
	if err := c.inner.SoftDelete(ctx, tenantID); err != nil {
		return err
	}
	c.byID.Remove(tenantID)
	c.byKey.Purge()
	return nil
}

// Ping checks the backing store.
func (c *Cached) Ping(ctx context.Context) error {
	return c.inner.Ping(ctx)
}

// Close purges the cache and closes the backing store.
func (c *Cached) Close() error {
	c.byID.Purge()
	c.byKey.Purge()
	return c.inner.Close()
}

var _ Store = (*Cached)(nil)
