package tenant

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intentd/intentd/pkg/apperrors"
	"github.com/intentd/intentd/pkg/models"
)

func seedTenant(id, key string, tier models.Tier) *models.TenantConfig {
	return &models.TenantConfig{
		TenantID: id,
		Name:     "Tenant " + id,
		APIKey:   key,
		Tier:     tier,
		IsActive: true,
	}
}

func TestMemoryStoreSeedAndLookup(t *testing.T) {
	store, err := NewMemoryStore([]*models.TenantConfig{
		seedTenant("t-free", "key-free", models.TierFree),
		seedTenant("t-pro", "key-pro", models.TierProfessional),
	}, nil)
	require.NoError(t, err)

	cfg, err := store.ByAPIKey(context.Background(), "key-pro")
	require.NoError(t, err)
	assert.Equal(t, "t-pro", cfg.TenantID)
	assert.Equal(t, 200, cfg.RequestsPerMinute())

	cfg, err = store.ByID(context.Background(), "t-free")
	require.NoError(t, err)
	assert.Equal(t, models.TierFree, cfg.Tier)
	assert.False(t, cfg.UpdatedAt.IsZero())

	_, err = store.ByAPIKey(context.Background(), "no-such-key")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.ByID(context.Background(), "no-such-tenant")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreSoftDeleteHidesTenant(t *testing.T) {
	store, err := NewMemoryStore([]*models.TenantConfig{
		seedTenant("t-1", "key-1", models.TierStarter),
		seedTenant("t-2", "key-2", models.TierStarter),
	}, nil)
	require.NoError(t, err)

	require.NoError(t, store.SoftDelete(context.Background(), "t-1"))

	_, err = store.ByID(context.Background(), "t-1")
	assert.ErrorIs(t, err, ErrInactive)
	_, err = store.ByAPIKey(context.Background(), "key-1")
	assert.ErrorIs(t, err, ErrInactive)

	list, err := store.List(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "t-2", list[0].TenantID)

	// Deleting again is a no-op; deleting the unknown is not.
	assert.NoError(t, store.SoftDelete(context.Background(), "t-1"))
	assert.ErrorIs(t, store.SoftDelete(context.Background(), "missing"), ErrNotFound)
}

func TestMemoryStoreUpsertValidation(t *testing.T) {
	store, err := NewMemoryStore(nil, nil)
	require.NoError(t, err)
	ctx := context.Background()

	err = store.Upsert(ctx, &models.TenantConfig{APIKey: "k", Tier: models.TierFree})
	assert.True(t, apperrors.IsValidation(err))

	err = store.Upsert(ctx, &models.TenantConfig{TenantID: "t", Tier: models.TierFree})
	assert.True(t, apperrors.IsValidation(err))

	err = store.Upsert(ctx, &models.TenantConfig{TenantID: "t", APIKey: "k", Tier: "GOLD"})
	assert.True(t, apperrors.IsValidation(err))

	require.NoError(t, store.Upsert(ctx, seedTenant("t-1", "shared-key", models.TierFree)))
	err = store.Upsert(ctx, seedTenant("t-2", "shared-key", models.TierFree))
	assert.True(t, apperrors.IsValidation(err))
}

func TestMemoryStoreUpsertRotatesAPIKey(t *testing.T) {
	store, err := NewMemoryStore([]*models.TenantConfig{
		seedTenant("t-1", "old-key", models.TierFree),
	}, nil)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, seedTenant("t-1", "new-key", models.TierFree)))

	_, err = store.ByAPIKey(ctx, "old-key")
	assert.ErrorIs(t, err, ErrNotFound)

	cfg, err := store.ByAPIKey(ctx, "new-key")
	require.NoError(t, err)
	assert.Equal(t, "t-1", cfg.TenantID)
}

func TestMemoryStoreUpsertRevivesDeleted(t *testing.T) {
	store, err := NewMemoryStore([]*models.TenantConfig{
		seedTenant("t-1", "key-1", models.TierFree),
	}, nil)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.SoftDelete(ctx, "t-1"))
	require.NoError(t, store.Upsert(ctx, seedTenant("t-1", "key-1", models.TierFree)))

	cfg, err := store.ByID(ctx, "t-1")
	require.NoError(t, err)
	assert.True(t, cfg.IsActive)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	store, err := NewMemoryStore([]*models.TenantConfig{
		seedTenant("t-1", "key-1", models.TierFree),
	}, nil)
	require.NoError(t, err)

	cfg, err := store.ByID(context.Background(), "t-1")
	require.NoError(t, err)
	cfg.Name = "mutated"

	again, err := store.ByID(context.Background(), "t-1")
	require.NoError(t, err)
	assert.Equal(t, "Tenant t-1", again.Name)
}

func TestStoreAppliesOverrides(t *testing.T) {
	rpm := 999
	noBatch := false
	cfg := seedTenant("t-ent", "key-ent", models.TierEnterprise)
	cfg.Settings.RequestsPerMinute = &rpm
	cfg.Settings.BatchProcessingEnabled = &noBatch

	store, err := NewMemoryStore([]*models.TenantConfig{cfg}, nil)
	require.NoError(t, err)

	got, err := store.ByID(context.Background(), "t-ent")
	require.NoError(t, err)
	assert.Equal(t, 999, got.RequestsPerMinute())
	assert.Equal(t, 200, got.BurstSize(), "unset override falls back to tier default")
	assert.False(t, got.BatchProcessingEnabled())
	assert.True(t, got.FastPathEnabled())
}

// countingStore records how often the backing store is consulted.
type countingStore struct {
	Store
	byID  int
	byKey int
}

func (c *countingStore) ByID(ctx context.Context, id string) (*models.TenantConfig, error) {
	c.byID++
	return c.Store.ByID(ctx, id)
}

func (c *countingStore) ByAPIKey(ctx context.Context, key string) (*models.TenantConfig, error) {
	c.byKey++
	return c.Store.ByAPIKey(ctx, key)
}

func setupCached(t *testing.T) (*Cached, *countingStore, *time.Time) {
	t.Helper()
	inner, err := NewMemoryStore([]*models.TenantConfig{
		seedTenant("t-1", "key-1", models.TierStarter),
	}, nil)
	require.NoError(t, err)

	counting := &countingStore{Store: inner}
	cached, err := NewCached(counting, 16, 30*time.Second)
	require.NoError(t, err)

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cached.now = func() time.Time { return now }
	return cached, counting, &now
}

func TestCachedServesWithinTTL(t *testing.T) {
	cached, counting, now := setupCached(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		cfg, err := cached.ByID(ctx, "t-1")
		require.NoError(t, err)
		assert.Equal(t, "t-1", cfg.TenantID)
	}
	assert.Equal(t, 1, counting.byID)

	*now = now.Add(31 * time.Second)
	_, err := cached.ByID(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, 2, counting.byID)
}

func TestCachedByAPIKeySharesEntries(t *testing.T) {
	cached, counting, _ := setupCached(t)
	ctx := context.Background()

	_, err := cached.ByAPIKey(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, 1, counting.byKey)

	// The key lookup primed the id cache too.
	_, err = cached.ByID(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, 0, counting.byID)
}

func TestCachedInvalidatesOnUpsert(t *testing.T) {
	cached, counting, _ := setupCached(t)
	ctx := context.Background()

	_, err := cached.ByID(ctx, "t-1")
	require.NoError(t, err)

	updated := seedTenant("t-1", "key-1", models.TierProfessional)
	require.NoError(t, cached.Upsert(ctx, updated))

	cfg, err := cached.ByID(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, models.TierProfessional, cfg.Tier)
	assert.Equal(t, 2, counting.byID)
}

func TestCachedInvalidatesOnSoftDelete(t *testing.T) {
	cached, _, _ := setupCached(t)
	ctx := context.Background()

	_, err := cached.ByAPIKey(ctx, "key-1")
	require.NoError(t, err)

	require.NoError(t, cached.SoftDelete(ctx, "t-1"))

	_, err = cached.ByAPIKey(ctx, "key-1")
	assert.ErrorIs(t, err, ErrInactive)
	_, err = cached.ByID(ctx, "t-1")
	assert.ErrorIs(t, err, ErrInactive)
}

func TestCachedClampsTTL(t *testing.T) {
	inner, err := NewMemoryStore(nil, nil)
	require.NoError(t, err)

	cached, err := NewCached(inner, 0, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, maxCacheTTL, cached.ttl)

	cached, err = NewCached(inner, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultCacheTTL, cached.ttl)

	_, err = NewCached(nil, 0, 0)
	assert.Error(t, err)
}
