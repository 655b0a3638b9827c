package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intentd/intentd/pkg/apperrors"
	"github.com/intentd/intentd/pkg/decomposer"
	"github.com/intentd/intentd/pkg/matcher"
	"github.com/intentd/intentd/pkg/models"
	"github.com/intentd/intentd/pkg/ratelimit"
	"github.com/intentd/intentd/pkg/tenant"
)

// stubMatcher replays canned results keyed by message text. Unknown texts
// come back with no candidates.
type stubMatcher struct {
	byText map[string]*matcher.Result
	err    error
	delay  time.Duration
}

func (s *stubMatcher) Match(ctx context.Context, text string) (*matcher.Result, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	if res, ok := s.byText[text]; ok {
		return res, nil
	}
	return matchResult(), nil
}

// matchResult assembles a Result scored the way the matcher scores it, using
// the default thresholds.
func matchResult(cands ...models.MatchResult) *matcher.Result {
	res := &matcher.Result{Candidates: cands, Decision: models.MatchDecision{Tier: models.TierLow}}
	if len(cands) == 0 {
		return res
	}
	d := &res.Decision
	d.Top1 = cands[0].Similarity
	d.Top2Gap = d.Top1
	if len(cands) > 1 {
		d.Top2Gap = d.Top1 - cands[1].Similarity
	}
	switch {
	case d.Top1 >= matcher.DefaultHighThreshold && d.Top2Gap >= matcher.DefaultGapThreshold:
		d.Tier = models.TierHigh
	case d.Top1 >= matcher.DefaultMediumThreshold:
		d.Tier = models.TierMedium
	}
	return res
}

func candidate(code string, sim float64) models.MatchResult {
	return models.MatchResult{IntentCode: code, Similarity: sim, MatchedExample: "example for " + code}
}

// fakeLimiter records token charges. It allows the first grant calls and
// denies the rest; a negative grant allows everything.
type fakeLimiter struct {
	mu         sync.Mutex
	calls      []int
	grant      int
	err        error
	retryAfter time.Duration
}

func (f *fakeLimiter) Allow(ctx context.Context, tenantID string, rate, burst float64, n int) (ratelimit.Decision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return ratelimit.Decision{}, f.err
	}
	f.calls = append(f.calls, n)
	if f.grant >= 0 && len(f.calls) > f.grant {
		return ratelimit.Decision{Allowed: false, RetryAfter: f.retryAfter}, nil
	}
	return ratelimit.Decision{Allowed: true, Remaining: burst - float64(n)}, nil
}

func (f *fakeLimiter) Reset(ctx context.Context, tenantID string) error { return nil }

func (f *fakeLimiter) seen() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int, len(f.calls))
	copy(out, f.calls)
	return out
}

type panicExtractor struct{}

func (panicExtractor) Extract(string) models.ExtractionResult { panic("regex meltdown") }

func testTenant(tier models.Tier, mutate func(*models.TenantConfig)) *models.TenantConfig {
	tc := &models.TenantConfig{
		TenantID:  "tenant-1",
		Name:      "Acme Retail",
		APIKey:    "key-1",
		Tier:      tier,
		IsActive:  true,
		UpdatedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	if mutate != nil {
		mutate(tc)
	}
	return tc
}

func newTestPipeline(t *testing.T, mutate func(*Config)) *Pipeline {
	t.Helper()
	store, err := tenant.NewMemoryStore([]*models.TenantConfig{testTenant(models.TierProfessional, nil)}, nil)
	require.NoError(t, err)
	cfg := Config{
		Tenants: store,
		Matcher: &stubMatcher{},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	p, err := New(cfg)
	require.NoError(t, err)
	return p
}

func input(text string) *models.ResolveInput {
	return &models.ResolveInput{TenantID: "tenant-1", RawText: text}
}

// assertStages checks that the trace has exactly one entry per stage, in
// pipeline order.
func assertStages(t *testing.T, trace []string, stages ...string) {
	t.Helper()
	require.Len(t, trace, len(stages), "trace: %v", trace)
	for i, stage := range stages {
		assert.Truef(t, strings.HasPrefix(trace[i], stage+":"),
			"trace[%d] = %q, want prefix %q", i, trace[i], stage)
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Config{Matcher: &stubMatcher{}})
	require.ErrorContains(t, err, "tenant store is required")

	store, err := tenant.NewMemoryStore(nil, nil)
	require.NoError(t, err)
	_, err = New(Config{Tenants: store})
	require.ErrorContains(t, err, "matcher is required")
}

func TestResolveValidation(t *testing.T) {
	p := newTestPipeline(t, nil)
	ctx := context.Background()

	tests := []struct {
		name    string
		in      *models.ResolveInput
		wantMsg string
	}{
		{"nil input", nil, "resolve input is required"},
		{"missing tenant id", &models.ResolveInput{RawText: "hello"}, "tenant id is required"},
		{"empty text", input(""), "message text cannot be empty"},
		{"whitespace text", input("  \n\t"), "message text cannot be empty"},
		{"oversize text", input(strings.Repeat("a", models.MaxMessageBytes+1)), "exceeds 4096 bytes"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			out, err := p.Resolve(ctx, tc.in)
			assert.Nil(t, out)
			require.Error(t, err)
			assert.True(t, apperrors.IsValidation(err), "got %v", err)
			assert.ErrorContains(t, err, tc.wantMsg)
		})
	}

	t.Run("exactly max bytes is accepted", func(t *testing.T) {
		out, err := p.Resolve(ctx, input(strings.Repeat("a", models.MaxMessageBytes)))
		require.NoError(t, err)
		require.NotNil(t, out)
	})

	t.Run("unicode text is accepted", func(t *testing.T) {
		out, err := p.Resolve(ctx, input("Où est ma commande №12345 ?"))
		require.NoError(t, err)
		require.NotNil(t, out)
	})
}

func TestResolveInactiveTenant(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown tenant", func(t *testing.T) {
		p := newTestPipeline(t, nil)
		_, err := p.Resolve(ctx, &models.ResolveInput{TenantID: "ghost", RawText: "hello"})
		require.Error(t, err)
		assert.Equal(t, apperrors.KindAuthInactive, apperrors.KindOf(err))
	})

	t.Run("deactivated tenant", func(t *testing.T) {
		store, err := tenant.NewMemoryStore([]*models.TenantConfig{
			testTenant(models.TierFree, func(tc *models.TenantConfig) {
				tc.TenantID = "tenant-off"
				tc.IsActive = false
			}),
		}, nil)
		require.NoError(t, err)
		p := newTestPipeline(t, func(c *Config) { c.Tenants = store })
		_, err = p.Resolve(ctx, &models.ResolveInput{TenantID: "tenant-off", RawText: "hello"})
		require.Error(t, err)
		assert.Equal(t, apperrors.KindAuthInactive, apperrors.KindOf(err))
	})
}

func TestResolveRateLimited(t *testing.T) {
	lim := &fakeLimiter{grant: 0, retryAfter: 3 * time.Second}
	p := newTestPipeline(t, func(c *Config) { c.Limiter = lim })

	out, err := p.Resolve(context.Background(), input("Where is my order?"))
	assert.Nil(t, out)
	require.Error(t, err)
	assert.True(t, apperrors.IsRateLimited(err))
	assert.InDelta(t, 3.0, apperrors.RetryAfterOf(err), 1e-9)
}

func TestFastPathResolution(t *testing.T) {
	text := "Where is my order #ORD-98765?"
	lim := &fakeLimiter{grant: -1}
	m := &stubMatcher{byText: map[string]*matcher.Result{
		text: matchResult(candidate(models.IntentWISMO, 0.91)),
	}}
	p := newTestPipeline(t, func(c *Config) {
		c.Matcher = m
		c.Limiter = lim
	})

	out, err := p.Resolve(context.Background(), input(text))
	require.NoError(t, err)

	require.Len(t, out.ResolvedIntents, 1)
	ri := out.ResolvedIntents[0]
	assert.Equal(t, "ORDER_STATUS", ri.Category)
	assert.Equal(t, "WISMO", ri.Intent)
	assert.Equal(t, models.TierHigh, ri.ConfidenceTier)
	assert.InDelta(t, 0.91, ri.Confidence, 1e-9)
	assert.Equal(t, []string{"example for " + models.IntentWISMO}, ri.Evidence)

	assert.Equal(t, models.PathFast, out.PathTaken)
	assert.False(t, out.IsCompound)
	assert.False(t, out.RequiresHuman)
	assert.Empty(t, out.Constraints)
	assert.InDelta(t, 0.91, out.ConfidenceSummary, 1e-9)
	assert.NotEmpty(t, out.RequestID)
	assert.False(t, out.CompletedAt.IsZero())
	assert.GreaterOrEqual(t, out.ProcessingTimeMs, int64(0))

	ids := 0
	for _, e := range out.Entities {
		if e.Type == models.EntityOrderID && e.Value == "ORD-98765" {
			ids++
		}
	}
	assert.GreaterOrEqual(t, ids, 1, "extractor should find the order id")

	assertStages(t, out.ReasoningTrace,
		"admission", "extract", "match", "compound", "branch", "fast_path", "finalize")
	assert.Equal(t, []int{1}, lim.seen(), "fast path charges a single token")
}

func TestBranchDecision(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		result   *matcher.Result
		mutate   func(*models.TenantConfig)
		wantPath models.ResolutionPath
		wantNote string
	}{
		{
			name:     "high single candidate goes fast",
			text:     "Where is my order ORD-12345?",
			result:   matchResult(candidate(models.IntentWISMO, 0.91)),
			wantPath: models.PathFast,
			wantNote: "fast path",
		},
		{
			name: "boundary similarity and gap stay fast",
			text: "Cancel order ORD-777 please",
			result: matchResult(
				candidate(models.IntentCancelOrder, 0.85),
				candidate(models.IntentChangeAddress, 0.80),
			),
			wantPath: models.PathFast,
			wantNote: "fast path",
		},
		{
			name: "narrow gap demotes to reasoning",
			text: "Cancel my order",
			result: matchResult(
				candidate(models.IntentCancelOrder, 0.91),
				candidate(models.IntentChangeAddress, 0.88),
			),
			wantPath: models.PathReasoning,
			wantNote: "match tier MEDIUM",
		},
		{
			name:     "medium top1 goes reasoning",
			text:     "Something about my order",
			result:   matchResult(candidate(models.IntentWISMO, 0.84)),
			wantPath: models.PathReasoning,
			wantNote: "match tier MEDIUM",
		},
		{
			name:     "compound message overrides a high match",
			text:     "Where is order ORD-1? I also need to change my address.",
			result:   matchResult(candidate(models.IntentWISMO, 0.92)),
			wantPath: models.PathReasoning,
			wantNote: "compound message",
		},
		{
			name: "second category scoring high goes reasoning",
			text: "Return this and tell me where order ORD-2 is",
			result: matchResult(
				candidate(models.IntentWISMO, 0.95),
				candidate(models.IntentReturnInitiate, 0.86),
			),
			wantPath: models.PathReasoning,
			wantNote: "second category RETURN_EXCHANGE scored high",
		},
		{
			name:   "fast path disabled for tenant",
			text:   "Where is my order ORD-9?",
			result: matchResult(candidate(models.IntentWISMO, 0.93)),
			mutate: func(tc *models.TenantConfig) {
				off := false
				tc.Settings.FastPathEnabled = &off
			},
			wantPath: models.PathReasoning,
			wantNote: "fast path disabled for tenant",
		},
		{
			name:     "no candidates goes reasoning",
			text:     "zxqw mumble",
			result:   matchResult(),
			wantPath: models.PathReasoning,
			wantNote: "match tier LOW",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store, err := tenant.NewMemoryStore(
				[]*models.TenantConfig{testTenant(models.TierProfessional, tc.mutate)}, nil)
			require.NoError(t, err)
			p := newTestPipeline(t, func(c *Config) {
				c.Tenants = store
				c.Matcher = &stubMatcher{byText: map[string]*matcher.Result{tc.text: tc.result}}
			})

			out, err := p.Resolve(context.Background(), input(tc.text))
			require.NoError(t, err)
			assert.Equal(t, tc.wantPath, out.PathTaken)
			require.Greater(t, len(out.ReasoningTrace), 4)
			assert.Contains(t, out.ReasoningTrace[4], tc.wantNote)
		})
	}
}

func TestReasoningPathMapsDecomposerOutput(t *testing.T) {
	text := "I want to return ORD-1 and where is ORD-2?"
	dec := decomposer.NewStatic().Add(text, &decomposer.Output{
		Intents: []decomposer.DecomposedIntent{
			{IntentCode: models.IntentReturnInitiate, Confidence: 0.84, Evidence: []string{"I want to return ORD-1"}},
			{IntentCode: models.IntentWISMO, Confidence: 0.81, Evidence: []string{"where is ORD-2"}},
		},
		IsCompound: true,
		Reasoning:  "two requests in one message",
	})
	m := &stubMatcher{byText: map[string]*matcher.Result{
		text: matchResult(
			candidate(models.IntentReturnInitiate, 0.82),
			candidate(models.IntentWISMO, 0.78),
		),
	}}
	p := newTestPipeline(t, func(c *Config) {
		c.Matcher = m
		c.Decomposer = dec
	})

	out, err := p.Resolve(context.Background(), input(text))
	require.NoError(t, err)

	assert.Equal(t, models.PathReasoning, out.PathTaken)
	assert.True(t, out.IsCompound)
	require.Len(t, out.ResolvedIntents, 2)
	assert.Equal(t, "RETURN_EXCHANGE", out.ResolvedIntents[0].Category)
	assert.Equal(t, "RETURN_INITIATE", out.ResolvedIntents[0].Intent)
	assert.Equal(t, models.TierMedium, out.ResolvedIntents[0].ConfidenceTier)
	assert.Equal(t, "WISMO", out.ResolvedIntents[1].Intent)
	assert.InDelta(t, 0.81, out.ConfidenceSummary, 1e-9, "summary is the minimum confidence")
	assert.False(t, out.RequiresHuman)

	assertStages(t, out.ReasoningTrace,
		"admission", "extract", "match", "compound", "branch", "reasoning", "finalize")

	calls := dec.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, text, calls[0].RawText)
	assert.Len(t, calls[0].MatchHints, 2, "decomposer sees the matcher candidates")
	assert.NotEmpty(t, calls[0].Entities, "decomposer sees the extracted entities")
}

func TestReasoningConstraintTranslation(t *testing.T) {
	text := "My vase arrived shattered, I need a refund by Friday."
	dec := decomposer.NewStatic().Add(text, &decomposer.Output{
		Intents: []decomposer.DecomposedIntent{{
			IntentCode: models.IntentDamagedItem,
			Confidence: 0.83,
			Evidence:   []string{"arrived shattered"},
			Constraints: []string{
				"refund by Friday",
				"must include original packaging",
				"prefers replacement over store credit",
			},
		}},
	})
	m := &stubMatcher{byText: map[string]*matcher.Result{
		text: matchResult(candidate(models.IntentDamagedItem, 0.78)),
	}}
	p := newTestPipeline(t, func(c *Config) {
		c.Matcher = m
		c.Decomposer = dec
	})

	out, err := p.Resolve(context.Background(), input(text))
	require.NoError(t, err)

	require.Len(t, out.Constraints, 3)
	assert.Equal(t, models.ConstraintDeadline, out.Constraints[0].Type)
	assert.True(t, out.Constraints[0].Hard)
	assert.Contains(t, out.Constraints[0].Description, "Friday")
	assert.Equal(t, models.ConstraintRequirement, out.Constraints[1].Type)
	assert.False(t, out.Constraints[1].Hard)
	assert.Equal(t, models.ConstraintPreference, out.Constraints[2].Type)
	assert.False(t, out.Constraints[2].Hard)
}

func TestReasoningClarification(t *testing.T) {
	t.Run("clarification with no intents requires human", func(t *testing.T) {
		text := "please help"
		dec := decomposer.NewStatic().Add(text, &decomposer.Output{
			RequiresClarification: true,
			ClarificationQuestion: "Could you share your order number?",
		})
		m := &stubMatcher{byText: map[string]*matcher.Result{
			text: matchResult(candidate(models.IntentHumanHandoff, 0.42)),
		}}
		p := newTestPipeline(t, func(c *Config) {
			c.Matcher = m
			c.Decomposer = dec
		})

		out, err := p.Resolve(context.Background(), input(text))
		require.NoError(t, err)
		assert.Empty(t, out.ResolvedIntents)
		assert.True(t, out.RequiresHuman)
		assert.Equal(t, "no intents resolved", out.RequiresHumanReason)
		assert.Equal(t, "Could you share your order number?", out.ClarificationQuestion)
		assert.Zero(t, out.ConfidenceSummary)
		assert.Contains(t, strings.Join(out.ReasoningTrace, "\n"),
			"low-confidence, clarification recommended")
	})

	t.Run("clarification alongside a confident intent", func(t *testing.T) {
		text := "I want to exchange these shoes"
		dec := decomposer.NewStatic().Add(text, &decomposer.Output{
			Intents: []decomposer.DecomposedIntent{{
				IntentCode: models.IntentExchangeRequest,
				Confidence: 0.71,
				Evidence:   []string{"exchange these shoes"},
			}},
			RequiresClarification: true,
			ClarificationQuestion: "What size would you like instead?",
		})
		m := &stubMatcher{byText: map[string]*matcher.Result{
			text: matchResult(candidate(models.IntentExchangeRequest, 0.74)),
		}}
		p := newTestPipeline(t, func(c *Config) {
			c.Matcher = m
			c.Decomposer = dec
		})

		out, err := p.Resolve(context.Background(), input(text))
		require.NoError(t, err)
		require.Len(t, out.ResolvedIntents, 1)
		assert.False(t, out.RequiresHuman, "clarification alone does not force review")
		assert.Equal(t, "What size would you like instead?", out.ClarificationQuestion)
		assert.InDelta(t, 0.71, out.ConfidenceSummary, 1e-9)
	})
}

func TestReasoningDisabledFallsBack(t *testing.T) {
	t.Run("medium candidate is demoted to low", func(t *testing.T) {
		text := "Where did my package go"
		store, err := tenant.NewMemoryStore([]*models.TenantConfig{
			testTenant(models.TierProfessional, func(tc *models.TenantConfig) {
				off := false
				tc.Settings.ReasoningPathEnabled = &off
			}),
		}, nil)
		require.NoError(t, err)
		dec := decomposer.NewStatic()
		p := newTestPipeline(t, func(c *Config) {
			c.Tenants = store
			c.Matcher = &stubMatcher{byText: map[string]*matcher.Result{
				text: matchResult(candidate(models.IntentWISMO, 0.75)),
			}}
			c.Decomposer = dec
		})

		out, err := p.Resolve(context.Background(), input(text))
		require.NoError(t, err)
		require.Len(t, out.ResolvedIntents, 1)
		assert.Equal(t, "WISMO", out.ResolvedIntents[0].Intent)
		assert.Equal(t, models.TierLow, out.ResolvedIntents[0].ConfidenceTier)
		assert.LessOrEqual(t, out.ResolvedIntents[0].Confidence, 0.59)
		assert.True(t, out.RequiresHuman)
		assert.Equal(t, "reasoning path disabled for tenant", out.RequiresHumanReason)
		assert.Equal(t, models.PathReasoning, out.PathTaken)
		assert.Empty(t, dec.Calls(), "decomposer must not run when disabled")
		assert.Contains(t, strings.Join(out.ReasoningTrace, "\n"),
			"reasoning path disabled for tenant, fell back to matcher top candidate")
	})

	t.Run("strong candidate is still capped at low", func(t *testing.T) {
		text := "Where is order ORD-5?"
		store, err := tenant.NewMemoryStore([]*models.TenantConfig{
			testTenant(models.TierProfessional, func(tc *models.TenantConfig) {
				off := false
				tc.Settings.FastPathEnabled = &off
				tc.Settings.ReasoningPathEnabled = &off
			}),
		}, nil)
		require.NoError(t, err)
		p := newTestPipeline(t, func(c *Config) {
			c.Tenants = store
			c.Matcher = &stubMatcher{byText: map[string]*matcher.Result{
				text: matchResult(candidate(models.IntentWISMO, 0.95)),
			}}
		})

		out, err := p.Resolve(context.Background(), input(text))
		require.NoError(t, err)
		require.Len(t, out.ResolvedIntents, 1)
		assert.Equal(t, models.TierLow, out.ResolvedIntents[0].ConfidenceTier)
		assert.InDelta(t, 0.59, out.ResolvedIntents[0].Confidence, 1e-9)
		assert.True(t, out.RequiresHuman)
	})
}

func TestDecomposerErrorFallsBack(t *testing.T) {
	t.Run("with a candidate", func(t *testing.T) {
		text := "charged twice for one order"
		p := newTestPipeline(t, func(c *Config) {
			c.Matcher = &stubMatcher{byText: map[string]*matcher.Result{
				text: matchResult(candidate(models.IntentBillingIssue, 0.68)),
			}}
			c.Decomposer = decomposer.NewStatic()
		})

		out, err := p.Resolve(context.Background(), input(text))
		require.NoError(t, err)
		require.Len(t, out.ResolvedIntents, 1)
		assert.Equal(t, "BILLING_ISSUE", out.ResolvedIntents[0].Intent)
		assert.Equal(t, models.TierLow, out.ResolvedIntents[0].ConfidenceTier)
		assert.True(t, out.RequiresHuman)
		assert.Equal(t, "decomposer failed", out.RequiresHumanReason)
		assert.Contains(t, strings.Join(out.ReasoningTrace, "\n"),
			"decomposer failed, fell back to matcher top candidate")
	})

	t.Run("with no candidates", func(t *testing.T) {
		p := newTestPipeline(t, func(c *Config) {
			c.Decomposer = decomposer.NewStatic()
		})

		out, err := p.Resolve(context.Background(), input("zxqw mumble"))
		require.NoError(t, err)
		assert.Empty(t, out.ResolvedIntents)
		assert.True(t, out.RequiresHuman)
		assert.Equal(t, "decomposer failed", out.RequiresHumanReason)
		assert.Zero(t, out.ConfidenceSummary)
	})
}

func TestReasoningTokenCharges(t *testing.T) {
	text := "not sure what happened with my billing"
	newDec := func() *decomposer.StaticDecomposer {
		return decomposer.NewStatic().Add(text, &decomposer.Output{
			Intents: []decomposer.DecomposedIntent{{
				IntentCode: models.IntentBillingIssue,
				Confidence: 0.72,
				Evidence:   []string{"billing"},
			}},
		})
	}
	mediumMatcher := func() *stubMatcher {
		return &stubMatcher{byText: map[string]*matcher.Result{
			text: matchResult(candidate(models.IntentBillingIssue, 0.70)),
		}}
	}

	t.Run("reasoning charges one then two", func(t *testing.T) {
		lim := &fakeLimiter{grant: -1}
		p := newTestPipeline(t, func(c *Config) {
			c.Matcher = mediumMatcher()
			c.Decomposer = newDec()
			c.Limiter = lim
		})
		_, err := p.Resolve(context.Background(), input(text))
		require.NoError(t, err)
		assert.Equal(t, []int{1, 2}, lim.seen())
	})

	t.Run("single token setting skips the top-up", func(t *testing.T) {
		lim := &fakeLimiter{grant: -1}
		p := newTestPipeline(t, func(c *Config) {
			c.Matcher = mediumMatcher()
			c.Decomposer = newDec()
			c.Limiter = lim
			c.ReasoningTokens = 1
		})
		_, err := p.Resolve(context.Background(), input(text))
		require.NoError(t, err)
		assert.Equal(t, []int{1}, lim.seen())
	})

	t.Run("denied top-up does not abort", func(t *testing.T) {
		lim := &fakeLimiter{grant: 1, retryAfter: 2 * time.Second}
		p := newTestPipeline(t, func(c *Config) {
			c.Matcher = mediumMatcher()
			c.Decomposer = newDec()
			c.Limiter = lim
		})
		out, err := p.Resolve(context.Background(), input(text))
		require.NoError(t, err)
		require.Len(t, out.ResolvedIntents, 1)
		assert.Equal(t, []int{1, 2}, lim.seen())
		assert.Contains(t, strings.Join(out.ReasoningTrace, "\n"), "token top-up denied")
	})

	t.Run("queued items are exempt", func(t *testing.T) {
		lim := &fakeLimiter{grant: -1}
		p := newTestPipeline(t, func(c *Config) {
			c.Matcher = mediumMatcher()
			c.Decomposer = newDec()
			c.Limiter = lim
		})
		out, err := p.ResolveQueued(context.Background(), input(text))
		require.NoError(t, err)
		assert.Empty(t, lim.seen())
		require.NotEmpty(t, out.ReasoningTrace)
		assert.Contains(t, out.ReasoningTrace[0], "exempt from rate limit")
	})
}

func TestLimiterOutageFailsOpen(t *testing.T) {
	text := "Where is my order ORD-31?"
	lim := &fakeLimiter{err: errors.New("redis: connection refused")}
	p := newTestPipeline(t, func(c *Config) {
		c.Matcher = &stubMatcher{byText: map[string]*matcher.Result{
			text: matchResult(candidate(models.IntentWISMO, 0.92)),
		}}
		c.Limiter = lim
	})

	out, err := p.Resolve(context.Background(), input(text))
	require.NoError(t, err)
	assert.Equal(t, models.PathFast, out.PathTaken)
	require.NotEmpty(t, out.ReasoningTrace)
	assert.Contains(t, out.ReasoningTrace[0], "rate limiter unavailable")
}

func TestMatchFailureAborts(t *testing.T) {
	t.Run("store unreachable", func(t *testing.T) {
		p := newTestPipeline(t, func(c *Config) {
			c.Matcher = &stubMatcher{err: errors.New("pgvector: connection refused")}
		})
		_, err := p.Resolve(context.Background(), input("hello there"))
		require.Error(t, err)
		assert.Equal(t, apperrors.KindUnavailable, apperrors.KindOf(err))
	})

	t.Run("upstream timeout", func(t *testing.T) {
		p := newTestPipeline(t, func(c *Config) {
			c.Matcher = &stubMatcher{err: fmt.Errorf("catalog search: %w", context.DeadlineExceeded)}
		})
		_, err := p.Resolve(context.Background(), input("hello there"))
		require.Error(t, err)
		assert.Equal(t, apperrors.KindUpstreamTimeout, apperrors.KindOf(err))
	})
}

func TestExtractorPanicIsNonFatal(t *testing.T) {
	text := "Where is my order ORD-77?"
	p := newTestPipeline(t, func(c *Config) {
		c.Extractor = panicExtractor{}
		c.Matcher = &stubMatcher{byText: map[string]*matcher.Result{
			text: matchResult(candidate(models.IntentWISMO, 0.90)),
		}}
	})

	out, err := p.Resolve(context.Background(), input(text))
	require.NoError(t, err)
	assert.Empty(t, out.Entities)
	assert.Equal(t, models.PathFast, out.PathTaken)
	require.Greater(t, len(out.ReasoningTrace), 1)
	assert.Equal(t, "extract: extraction failed, continuing without entities", out.ReasoningTrace[1])
}

func TestDeadlineCrossings(t *testing.T) {
	t.Run("canceled before the first boundary", func(t *testing.T) {
		p := newTestPipeline(t, nil)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := p.Resolve(ctx, input("hello there"))
		require.Error(t, err)
		assert.True(t, apperrors.IsTimeout(err))
		assert.True(t, errors.Is(err, context.Canceled))
		assert.ErrorContains(t, err, "canceled after ADMITTED")
	})

	t.Run("deadline during the match stage", func(t *testing.T) {
		p := newTestPipeline(t, func(c *Config) {
			c.Matcher = &stubMatcher{delay: 200 * time.Millisecond}
		})
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err := p.Resolve(ctx, input("hello there"))
		require.Error(t, err)
		assert.True(t, apperrors.IsTimeout(err))
		assert.True(t, errors.Is(err, context.DeadlineExceeded))
		assert.ErrorContains(t, err, "deadline exceeded after ADMITTED")
	})
}
