package tenant

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/intentd/intentd/pkg/apperrors"
	"github.com/intentd/intentd/pkg/models"
	"github.com/intentd/intentd/pkg/observability"
)

// MemoryStore keeps tenants in process memory. It backs tests, local
// development, and deployments with a fixed tenant set baked into config.
type MemoryStore struct {
	mu     sync.RWMutex
	byID   map[string]*models.TenantConfig
	byKey  map[string]string
	logger observability.Logger
}

// NewMemoryStore seeds the store. Seed rows are validated and copied.
func NewMemoryStore(seed []*models.TenantConfig, logger observability.Logger) (*MemoryStore, error) {
	s := &MemoryStore{
		byID:   make(map[string]*models.TenantConfig, len(seed)),
		byKey:  make(map[string]string, len(seed)),
		logger: observability.OrNoop(logger),
	}
	for _, cfg := range seed {
		if err := s.Upsert(context.Background(), cfg); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// ByAPIKey resolves the active tenant owning the key.
func (s *MemoryStore) ByAPIKey(ctx context.Context, apiKey string) (*models.TenantConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byKey[apiKey]
	if !ok {
		return nil, ErrNotFound
	}
	return s.activeLocked(id)
}

// ByID resolves an active tenant by id.
func (s *MemoryStore) ByID(ctx context.Context, tenantID string) (*models.TenantConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeLocked(tenantID)
}

func (s *MemoryStore) activeLocked(tenantID string) (*models.TenantConfig, error) {
	cfg, ok := s.byID[tenantID]
	if !ok {
		return nil, ErrNotFound
	}
	if !cfg.IsActive {
		return nil, ErrInactive
	}
	copied := *cfg
	return &copied, nil
}

// List returns all active tenants ordered by id.
func (s *MemoryStore) List(ctx context.Context) ([]*models.TenantConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.TenantConfig, 0, len(s.byID))
	for _, cfg := range s.byID {
		if !cfg.IsActive {
			continue
		}
		copied := *cfg
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out, nil
}

// Upsert inserts or replaces a tenant row, enforcing API key uniqueness.
func (s *MemoryStore) Upsert(ctx context.Context, cfg *models.TenantConfig) error {
	if err := validateConfig(cfg); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if ownerID, taken := s.byKey[cfg.APIKey]; taken && ownerID != cfg.TenantID {
		return apperrors.Newf(apperrors.KindValidation, "api_key already belongs to tenant %q", ownerID)
	}
	if prev, ok := s.byID[cfg.TenantID]; ok && prev.APIKey != cfg.APIKey {
		delete(s.byKey, prev.APIKey)
	}

	copied := *cfg
	copied.UpdatedAt = time.Now().UTC()
	s.byID[copied.TenantID] = &copied
	s.byKey[copied.APIKey] = copied.TenantID
	return nil
}

// SoftDelete deactivates a tenant.
func (s *MemoryStore) SoftDelete(ctx context.Context, tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.byID[tenantID]
	if !ok {
		return ErrNotFound
	}
	if cfg.IsActive {
		cfg.IsActive = false
		cfg.UpdatedAt = time.Now().UTC()
		s.logger.Info("tenant deactivated", map[string]interface{}{
			"tenant_id": tenantID,
		})
	}
	return nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
