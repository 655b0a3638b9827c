package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTierForConfidence(t *testing.T) {
	tests := []struct {
		name       string
		confidence float64
		want       ConfidenceTier
	}{
		{name: "well above high", confidence: 0.95, want: TierHigh},
		{name: "exactly at high boundary", confidence: 0.85, want: TierHigh},
		{name: "just below high", confidence: 0.8499, want: TierMedium},
		{name: "exactly at medium boundary", confidence: 0.60, want: TierMedium},
		{name: "just below medium", confidence: 0.5999, want: TierLow},
		{name: "zero", confidence: 0, want: TierLow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TierForConfidence(tt.confidence))
		})
	}
}

func TestIntentCodeHelpers(t *testing.T) {
	assert.Equal(t, "ORDER_STATUS", CategoryOf(IntentWISMO))
	assert.Equal(t, "RETURN_EXCHANGE", CategoryOf(IntentReturnInitiate))
	assert.Equal(t, "NODOT", CategoryOf("NODOT"))

	cat, intent, err := SplitIntentCode("COMPLAINT.DAMAGED_ITEM")
	require.NoError(t, err)
	assert.Equal(t, "COMPLAINT", cat)
	assert.Equal(t, "DAMAGED_ITEM", intent)

	_, _, err = SplitIntentCode("MALFORMED")
	assert.Error(t, err)
	_, _, err = SplitIntentCode(".LEADING_DOT")
	assert.Error(t, err)
}

func TestIntentRegistryClosed(t *testing.T) {
	assert.True(t, IsValidIntentCode(IntentWISMO))
	assert.True(t, IsValidIntentCode(IntentDamagedItem))
	assert.False(t, IsValidIntentCode("ORDER_STATUS.MADE_UP"))
	assert.False(t, IsValidIntentCode(""))

	// Mutating the returned set must not affect the registry.
	codes := ValidIntentCodes()
	delete(codes, IntentWISMO)
	assert.True(t, IsValidIntentCode(IntentWISMO))
}

func TestClassifyConstraint(t *testing.T) {
	tests := []struct {
		name     string
		desc     string
		wantType ConstraintType
		wantHard bool
	}{
		{name: "deadline phrasing", desc: "refund by Friday", wantType: ConstraintDeadline, wantHard: true},
		{name: "before phrasing", desc: "before the weekend", wantType: ConstraintDeadline, wantHard: true},
		{name: "requirement phrasing", desc: "must be the same color", wantType: ConstraintRequirement, wantHard: false},
		{name: "need phrasing", desc: "need a size M", wantType: ConstraintRequirement, wantHard: false},
		{name: "plain preference", desc: "ideally blue", wantType: ConstraintPreference, wantHard: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := ClassifyConstraint(tt.desc)
			assert.Equal(t, tt.wantType, c.Type)
			assert.Equal(t, tt.wantHard, c.Hard)
			assert.Equal(t, tt.desc, c.Description)
		})
	}
}

func TestTenantSettingsStrictDecode(t *testing.T) {
	var s TenantSettings
	err := json.Unmarshal([]byte(`{"requests_per_minute": 99, "fast_path_enabled": false}`), &s)
	require.NoError(t, err)
	require.NotNil(t, s.RequestsPerMinute)
	assert.Equal(t, 99, *s.RequestsPerMinute)
	require.NotNil(t, s.FastPathEnabled)
	assert.False(t, *s.FastPathEnabled)

	err = json.Unmarshal([]byte(`{"requests_per_minute": 99, "rogue_key": 1}`), &s)
	assert.Error(t, err, "unknown settings keys must be rejected")
}

func TestTenantEffectiveLimits(t *testing.T) {
	override := 500
	tests := []struct {
		name     string
		tenant   TenantConfig
		wantRPM  int
		wantMaxB int
	}{
		{
			name:     "free tier defaults",
			tenant:   TenantConfig{Tier: TierFree},
			wantRPM:  20,
			wantMaxB: 10,
		},
		{
			name:     "enterprise defaults",
			tenant:   TenantConfig{Tier: TierEnterprise},
			wantRPM:  1000,
			wantMaxB: 2000,
		},
		{
			name: "override wins over tier",
			tenant: TenantConfig{
				Tier:     TierStarter,
				Settings: TenantSettings{RequestsPerMinute: &override, MaxBatchSize: &override},
			},
			wantRPM:  500,
			wantMaxB: 500,
		},
		{
			name:     "unknown tier falls back to free",
			tenant:   TenantConfig{Tier: Tier("MYSTERY")},
			wantRPM:  20,
			wantMaxB: 10,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantRPM, tt.tenant.RequestsPerMinute())
			assert.Equal(t, tt.wantMaxB, tt.tenant.MaxBatchSize())
		})
	}
}

func TestTenantFeatureFlagDefaults(t *testing.T) {
	tenant := TenantConfig{Tier: TierFree}
	assert.True(t, tenant.FastPathEnabled())
	assert.True(t, tenant.ReasoningPathEnabled())
	assert.True(t, tenant.BatchProcessingEnabled())

	off := false
	tenant.Settings.ReasoningPathEnabled = &off
	assert.False(t, tenant.ReasoningPathEnabled())
	assert.True(t, tenant.FastPathEnabled())
}

func TestBatchStatusTerminal(t *testing.T) {
	assert.False(t, BatchStatusQueued.IsTerminal())
	assert.False(t, BatchStatusRunning.IsTerminal())
	assert.True(t, BatchStatusCompleted.IsTerminal())
	assert.True(t, BatchStatusFailed.IsTerminal())
	assert.True(t, BatchStatusCancelled.IsTerminal())
}

func TestBatchPriorityRank(t *testing.T) {
	assert.Greater(t, BatchPriorityHigh.Rank(), BatchPriorityNormal.Rank())
	assert.Greater(t, BatchPriorityNormal.Rank(), BatchPriorityLow.Rank())
}

func TestResolveOutputMinConfidence(t *testing.T) {
	out := &ResolveOutput{}
	assert.Zero(t, out.MinConfidence())

	out.ResolvedIntents = []ResolvedIntent{
		{Category: "ORDER_STATUS", Intent: "WISMO", Confidence: 0.91},
		{Category: "RETURN_EXCHANGE", Intent: "RETURN_INITIATE", Confidence: 0.64},
	}
	assert.InDelta(t, 0.64, out.MinConfidence(), 1e-9)
}
