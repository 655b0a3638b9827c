// Package tenant stores tenant configuration: identity, API key, tier, and
// the per-tenant overrides that shape rate limits and feature flags. Two
// interchangeable backends exist, an in-memory store seeded at boot and a
// Postgres store, plus a TTL'd cache wrapper for the admission path.
package tenant

import (
	"context"
	"errors"

	"github.com/intentd/intentd/pkg/apperrors"
	"github.com/intentd/intentd/pkg/models"
)

// ErrNotFound is returned when no tenant row matches the lookup. At the API
// edge an unknown key maps to AUTH_INVALID.
var ErrNotFound = errors.New("tenant: not found")

// ErrInactive is returned when the row exists but the tenant has been
// deactivated. It maps to AUTH_INACTIVE everywhere; admission treats it the
// same as ErrNotFound.
var ErrInactive = errors.New("tenant: inactive")

// Store is the tenant configuration contract. Lookups resolve active rows;
// a soft-deleted tenant surfaces ErrInactive until re-upserted with
// is_active=true.
type Store interface {
	// ByAPIKey resolves the active tenant owning the key.
	ByAPIKey(ctx context.Context, apiKey string) (*models.TenantConfig, error)
	// ByID resolves an active tenant by id.
	ByID(ctx context.Context, tenantID string) (*models.TenantConfig, error)
	// List returns all active tenants ordered by id.
	List(ctx context.Context) ([]*models.TenantConfig, error)
	// Upsert inserts or fully replaces a tenant row.
	Upsert(ctx context.Context, cfg *models.TenantConfig) error
	// SoftDelete deactivates a tenant. Deleting an already-inactive tenant
	// is a no-op; an unknown id returns ErrNotFound.
	SoftDelete(ctx context.Context, tenantID string) error
	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error
	// Close releases backend resources.
	Close() error
}

// validateConfig guards writes on both backends.
func validateConfig(cfg *models.TenantConfig) error {
	if cfg == nil {
		return apperrors.New(apperrors.KindValidation, "tenant config is required")
	}
	if cfg.TenantID == "" {
		return apperrors.New(apperrors.KindValidation, "tenant_id is required")
	}
	if cfg.APIKey == "" {
		return apperrors.New(apperrors.KindValidation, "api_key is required")
	}
	if !cfg.Tier.IsValid() {
		return apperrors.Newf(apperrors.KindValidation, "unknown tier %q", cfg.Tier)
	}
	return nil
}
