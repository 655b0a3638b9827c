package tenant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/intentd/intentd/pkg/apperrors"
	"github.com/intentd/intentd/pkg/models"
	"github.com/intentd/intentd/pkg/observability"
)

const tenantColumns = `tenant_id, name, api_key, tier, is_active, settings, updated_at`

// PostgresStore persists tenants in the tenants table.
type PostgresStore struct {
	db     *sqlx.DB
	logger observability.Logger
}

// NewPostgresStore creates a tenant store over an existing connection pool.
func NewPostgresStore(db *sqlx.DB, logger observability.Logger) (*PostgresStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	return &PostgresStore{
		db:     db,
		logger: observability.OrNoop(logger),
	}, nil
}

// ByAPIKey resolves the active tenant owning the key.
func (s *PostgresStore) ByAPIKey(ctx context.Context, apiKey string) (*models.TenantConfig, error) {
	var cfg models.TenantConfig
	err := s.db.GetContext(ctx, &cfg, `
		SELECT `+tenantColumns+`
		FROM tenants
		WHERE api_key = $1
	`, apiKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up tenant by api key: %w", err)
	}
	if !cfg.IsActive {
		return nil, ErrInactive
	}
	return &cfg, nil
}

// ByID resolves an active tenant by id.
func (s *PostgresStore) ByID(ctx context.Context, tenantID string) (*models.TenantConfig, error) {
	var cfg models.TenantConfig
	err := s.db.GetContext(ctx, &cfg, `
		SELECT `+tenantColumns+`
		FROM tenants
		WHERE tenant_id = $1
	`, tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up tenant by id: %w", err)
	}
	if !cfg.IsActive {
		return nil, ErrInactive
	}
	return &cfg, nil
}

// List returns all active tenants ordered by id.
func (s *PostgresStore) List(ctx context.Context) ([]*models.TenantConfig, error) {
	var tenants []*models.TenantConfig
	err := s.db.SelectContext(ctx, &tenants, `
		SELECT `+tenantColumns+`
		FROM tenants
		WHERE is_active = TRUE
		ORDER BY tenant_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	return tenants, nil
}

// Upsert inserts or fully replaces a tenant row.
func (s *PostgresStore) Upsert(ctx context.Context, cfg *models.TenantConfig) error {
	if err := validateConfig(cfg); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tenants (tenant_id, name, api_key, tier, is_active, settings, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (tenant_id) DO UPDATE SET
			name = EXCLUDED.name,
			api_key = EXCLUDED.api_key,
			tier = EXCLUDED.tier,
			is_active = EXCLUDED.is_active,
			settings = EXCLUDED.settings,
			updated_at = NOW()
	`, cfg.TenantID, cfg.Name, cfg.APIKey, cfg.Tier, cfg.IsActive, cfg.Settings)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return apperrors.New(apperrors.KindValidation, "api_key already belongs to another tenant")
		}
		return fmt.Errorf("failed to upsert tenant: %w", err)
	}

	s.logger.Debug("tenant upserted", map[string]interface{}{
		"tenant_id": cfg.TenantID,
		"tier":      string(cfg.Tier),
		"is_active": cfg.IsActive,
	})
	return nil
}

// SoftDelete deactivates a tenant.
func (s *PostgresStore) SoftDelete(ctx context.Context, tenantID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tenants
		SET is_active = FALSE, updated_at = NOW()
		WHERE tenant_id = $1
	`, tenantID)
	if err != nil {
		return fmt.Errorf("failed to soft delete tenant: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read soft delete result: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	s.logger.Info("tenant deactivated", map[string]interface{}{
		"tenant_id": tenantID,
	})
	return nil
}

// Ping verifies the database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

var _ Store = (*PostgresStore)(nil)
