// Package matcher ranks catalog intents against a message by embedding
// similarity. Hits are max-pooled per intent code and the ranked list is
// tiered for the pipeline's branch decision.
package matcher

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/intentd/intentd/pkg/catalog"
	"github.com/intentd/intentd/pkg/embedding"
	"github.com/intentd/intentd/pkg/models"
	"github.com/intentd/intentd/pkg/observability"
)

// Config configures a Matcher. Zero thresholds take the shipped defaults.
type Config struct {
	Embedder *embedding.Service
	Store    catalog.Store
	// TopK is the number of catalog hits retrieved per query.
	TopK int
	// MinSimilarity is the retrieval floor. It stays at 0 so weak hits still
	// reach the compound detector and the decomposer hints.
	MinSimilarity float64
	// HighThreshold and GapThreshold gate the HIGH tier; MediumThreshold
	// gates MEDIUM.
	HighThreshold   float64
	MediumThreshold float64
	GapThreshold    float64
	Logger          observability.Logger
}

// Default thresholds. Changing these changes externally visible routing.
const (
	DefaultTopK            = 5
	DefaultHighThreshold   = 0.85
	DefaultMediumThreshold = 0.60
	DefaultGapThreshold    = 0.05
)

// Matcher embeds a message and scores it against the intent catalog.
type Matcher struct {
	embedder *embedding.Service
	store    catalog.Store
	topK     int
	minSim   float64
	high     float64
	medium   float64
	gap      float64
	logger   observability.Logger
}

// New creates a Matcher.
func New(cfg Config) (*Matcher, error) {
	if cfg.Embedder == nil {
		return nil, fmt.Errorf("matcher: embedder is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("matcher: catalog store is required")
	}
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultTopK
	}
	if cfg.HighThreshold <= 0 {
		cfg.HighThreshold = DefaultHighThreshold
	}
	if cfg.MediumThreshold <= 0 {
		cfg.MediumThreshold = DefaultMediumThreshold
	}
	if cfg.GapThreshold <= 0 {
		cfg.GapThreshold = DefaultGapThreshold
	}
	if cfg.MediumThreshold > cfg.HighThreshold {
		return nil, fmt.Errorf("matcher: medium threshold %.2f exceeds high threshold %.2f",
			cfg.MediumThreshold, cfg.HighThreshold)
	}
	return &Matcher{
		embedder: cfg.Embedder,
		store:    cfg.Store,
		topK:     cfg.TopK,
		minSim:   cfg.MinSimilarity,
		high:     cfg.HighThreshold,
		medium:   cfg.MediumThreshold,
		gap:      cfg.GapThreshold,
		logger:   observability.OrNoop(cfg.Logger),
	}, nil
}

// Result is the ranked candidate list plus the tier decision for one message.
type Result struct {
	Candidates []models.MatchResult
	Decision   models.MatchDecision
}

// Top1 returns the best candidate, if any.
func (r *Result) Top1() (models.MatchResult, bool) {
	if r == nil || len(r.Candidates) == 0 {
		return models.MatchResult{}, false
	}
	return r.Candidates[0], true
}

// Match embeds text, retrieves the nearest catalog examples, and aggregates
// them into per-intent candidates. score(intent) is the max similarity over
// that intent's hits; matched_example is the example behind that max.
func (m *Matcher) Match(ctx context.Context, text string) (*Result, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("matcher: text is empty")
	}

	vec, err := m.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	hits, err := m.store.Search(ctx, vec, m.topK, m.minSim)
	if err != nil {
		return nil, fmt.Errorf("failed to search catalog: %w", err)
	}

	candidates := poolByIntent(hits)
	result := &Result{
		Candidates: candidates,
		Decision:   m.decide(candidates),
	}

	m.logger.Debug("similarity match complete", map[string]interface{}{
		"hits":       len(hits),
		"candidates": len(candidates),
		"top1":       result.Decision.Top1,
		"top2_gap":   result.Decision.Top2Gap,
		"tier":       string(result.Decision.Tier),
	})
	return result, nil
}

// poolByIntent max-pools hits per intent code. Max beats mean for short
// catalog examples: one close paraphrase should not be diluted by distant
// siblings.
func poolByIntent(hits []models.CatalogMatch) []models.MatchResult {
	if len(hits) == 0 {
		return nil
	}
	best := make(map[string]models.CatalogMatch, len(hits))
	for _, hit := range hits {
		prev, seen := best[hit.IntentCode]
		if !seen || hit.Similarity > prev.Similarity {
			best[hit.IntentCode] = hit
		}
	}
	out := make([]models.MatchResult, 0, len(best))
	for code, hit := range best {
		out = append(out, models.MatchResult{
			IntentCode:     code,
			Similarity:     hit.Similarity,
			MatchedExample: hit.ExampleText,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].IntentCode < out[j].IntentCode
	})
	return out
}

// decide assigns the routing tier. HIGH needs both a strong top-1 and a
// clear gap to the runner-up; a strong but ambiguous top-1 demotes to
// MEDIUM. Scores under the medium threshold are LOW regardless of gap.
func (m *Matcher) decide(candidates []models.MatchResult) models.MatchDecision {
	d := models.MatchDecision{Tier: models.TierLow}
	if len(candidates) == 0 {
		return d
	}
	d.Top1 = candidates[0].Similarity
	d.Top2Gap = d.Top1
	if len(candidates) > 1 {
		d.Top2Gap = d.Top1 - candidates[1].Similarity
	}
	switch {
	case d.Top1 >= m.high && d.Top2Gap >= m.gap:
		d.Tier = models.TierHigh
	case d.Top1 >= m.medium:
		d.Tier = models.TierMedium
	}
	return d
}
