package models

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Tier is a tenant subscription level. It governs default rate limits and
// feature flags.
type Tier string

const (
	TierFree         Tier = "FREE"
	TierStarter      Tier = "STARTER"
	TierProfessional Tier = "PROFESSIONAL"
	TierEnterprise   Tier = "ENTERPRISE"
)

// IsValid reports whether the tier is one of the known levels.
func (t Tier) IsValid() bool {
	switch t {
	case TierFree, TierStarter, TierProfessional, TierEnterprise:
		return true
	}
	return false
}

// TierLimits are the per-tier default limits applied when a tenant carries no
// override for the field.
type TierLimits struct {
	RequestsPerMinute       int `json:"requests_per_minute"`
	BurstSize               int `json:"burst_size"`
	MaxBatchSize            int `json:"max_batch_size"`
	MaxWebsocketConnections int `json:"max_websocket_connections"`
}

// TierDefaults maps each tier to its default limits.
var TierDefaults = map[Tier]TierLimits{
	TierFree:         {RequestsPerMinute: 20, BurstSize: 5, MaxBatchSize: 10, MaxWebsocketConnections: 2},
	TierStarter:      {RequestsPerMinute: 60, BurstSize: 15, MaxBatchSize: 100, MaxWebsocketConnections: 10},
	TierProfessional: {RequestsPerMinute: 200, BurstSize: 50, MaxBatchSize: 500, MaxWebsocketConnections: 50},
	TierEnterprise:   {RequestsPerMinute: 1000, BurstSize: 200, MaxBatchSize: 2000, MaxWebsocketConnections: 500},
}

// TenantSettings holds the whitelisted per-tenant overrides stored in the
// tenants.settings column. Nil fields fall through to the tier default.
// Decoding rejects keys outside the whitelist.
type TenantSettings struct {
	RequestsPerMinute       *int  `json:"requests_per_minute,omitempty"`
	BurstSize               *int  `json:"burst_size,omitempty"`
	MaxBatchSize            *int  `json:"max_batch_size,omitempty"`
	MaxWebsocketConnections *int  `json:"max_websocket_connections,omitempty"`
	FastPathEnabled         *bool `json:"fast_path_enabled,omitempty"`
	ReasoningPathEnabled    *bool `json:"reasoning_path_enabled,omitempty"`
	BatchProcessingEnabled  *bool `json:"batch_processing_enabled,omitempty"`
	WebsocketEnabled        *bool `json:"websocket_enabled,omitempty"`
}

// UnmarshalJSON decodes settings strictly: unknown keys are an error so that
// typos in override names surface at write time instead of silently falling
// back to tier defaults.
func (s *TenantSettings) UnmarshalJSON(data []byte) error {
	type alias TenantSettings
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var a alias
	if err := dec.Decode(&a); err != nil {
		return fmt.Errorf("invalid tenant settings: %w", err)
	}
	*s = TenantSettings(a)
	return nil
}

// Value implements driver.Valuer so settings persist as jsonb.
func (s TenantSettings) Value() (driver.Value, error) {
	return json.Marshal(s)
}

// Scan implements sql.Scanner for the jsonb settings column.
func (s *TenantSettings) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return s.UnmarshalJSON(v)
	case string:
		return s.UnmarshalJSON([]byte(v))
	default:
		return fmt.Errorf("unsupported settings column type %T", value)
	}
}

// TenantConfig is one tenant row. API keys identify callers; limits come from
// the tier unless overridden in Settings.
type TenantConfig struct {
	TenantID  string         `json:"tenant_id" db:"tenant_id"`
	Name      string         `json:"name" db:"name"`
	APIKey    string         `json:"api_key,omitempty" db:"api_key"`
	Tier      Tier           `json:"tier" db:"tier"`
	IsActive  bool           `json:"is_active" db:"is_active"`
	Settings  TenantSettings `json:"settings" db:"settings"`
	UpdatedAt time.Time      `json:"updated_at" db:"updated_at"`
}

func (t *TenantConfig) limits() TierLimits {
	if l, ok := TierDefaults[t.Tier]; ok {
		return l
	}
	return TierDefaults[TierFree]
}

// RequestsPerMinute returns the effective rate limit.
func (t *TenantConfig) RequestsPerMinute() int {
	if t.Settings.RequestsPerMinute != nil {
		return *t.Settings.RequestsPerMinute
	}
	return t.limits().RequestsPerMinute
}

// BurstSize returns the effective burst capacity.
func (t *TenantConfig) BurstSize() int {
	if t.Settings.BurstSize != nil {
		return *t.Settings.BurstSize
	}
	return t.limits().BurstSize
}

// MaxBatchSize returns the effective batch-size ceiling.
func (t *TenantConfig) MaxBatchSize() int {
	if t.Settings.MaxBatchSize != nil {
		return *t.Settings.MaxBatchSize
	}
	return t.limits().MaxBatchSize
}

// MaxWebsocketConnections returns the effective concurrent-connection cap.
func (t *TenantConfig) MaxWebsocketConnections() int {
	if t.Settings.MaxWebsocketConnections != nil {
		return *t.Settings.MaxWebsocketConnections
	}
	return t.limits().MaxWebsocketConnections
}

// FastPathEnabled reports whether the similarity fast path may terminate a
// resolution for this tenant. Defaults to true.
func (t *TenantConfig) FastPathEnabled() bool {
	if t.Settings.FastPathEnabled != nil {
		return *t.Settings.FastPathEnabled
	}
	return true
}

// ReasoningPathEnabled reports whether the LLM decomposer may be consulted.
// Defaults to true.
func (t *TenantConfig) ReasoningPathEnabled() bool {
	if t.Settings.ReasoningPathEnabled != nil {
		return *t.Settings.ReasoningPathEnabled
	}
	return true
}

// BatchProcessingEnabled reports whether the tenant may submit batch jobs.
// Defaults to true.
func (t *TenantConfig) BatchProcessingEnabled() bool {
	if t.Settings.BatchProcessingEnabled != nil {
		return *t.Settings.BatchProcessingEnabled
	}
	return true
}

// WebsocketEnabled reports whether streaming connections are allowed.
// Defaults to true.
func (t *TenantConfig) WebsocketEnabled() bool {
	if t.Settings.WebsocketEnabled != nil {
		return *t.Settings.WebsocketEnabled
	}
	return true
}
