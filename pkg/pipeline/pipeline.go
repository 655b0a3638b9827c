// Package pipeline orchestrates one message resolution from admission to
// finalized output. Entity extraction and catalog matching run in parallel,
// compound signals steer the branch decision, and the reasoning path degrades
// to the matcher's results whenever the decomposer cannot run. Every abort is
// a classified error; partial work never leaks out as a half-built result.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/intentd/intentd/pkg/apperrors"
	"github.com/intentd/intentd/pkg/compound"
	"github.com/intentd/intentd/pkg/decomposer"
	"github.com/intentd/intentd/pkg/entities"
	"github.com/intentd/intentd/pkg/matcher"
	"github.com/intentd/intentd/pkg/models"
	"github.com/intentd/intentd/pkg/observability"
	"github.com/intentd/intentd/pkg/ratelimit"
	"github.com/intentd/intentd/pkg/tenant"
)

// DefaultReasoningTokens is the total rate-limit cost of a reasoning-path
// call. Admission charges one token up front and the branch charges the rest.
const DefaultReasoningTokens = 3

// State names the progress of one resolution. A run is terminal on
// StateFinalized or on the classified error that aborted it.
type State string

const (
	StateNew       State = "NEW"
	StateAdmitted  State = "ADMITTED"
	StateExtracted State = "EXTRACTED"
	StateMatched   State = "MATCHED"
	StateBranched  State = "BRANCHED"
	StateFastDone  State = "FAST_DONE"
	StateReasoned  State = "REASONED"
	StateFinalized State = "FINALIZED"
)

// Extractor produces entities and sentiment signals for one message.
type Extractor interface {
	Extract(text string) models.ExtractionResult
}

// Matcher scores a message against the intent catalog.
type Matcher interface {
	Match(ctx context.Context, text string) (*matcher.Result, error)
}

// Config wires the pipeline's collaborators.
type Config struct {
	Tenants tenant.Store
	// Limiter guards admission. Nil disables rate limiting.
	Limiter   ratelimit.Limiter
	Extractor Extractor
	Matcher   Matcher
	Compound  *compound.Detector
	// Decomposer powers the reasoning path. Nil is tolerated: reasoning
	// falls back to the matcher's top candidate.
	Decomposer decomposer.Decomposer
	// Tools, when set, are relayed to the decomposer on every call.
	Tools *decomposer.Tools
	// ReasoningTokens is the total token cost of a reasoning-path call,
	// at least 1. Zero takes DefaultReasoningTokens.
	ReasoningTokens int
	Logger          observability.Logger
}

// Pipeline resolves customer messages. Safe for concurrent use.
type Pipeline struct {
	tenants         tenant.Store
	limiter         ratelimit.Limiter
	extractor       Extractor
	matcher         Matcher
	detector        *compound.Detector
	decomp          decomposer.Decomposer
	tools           *decomposer.Tools
	reasoningTokens int
	logger          observability.Logger
}

// New creates a Pipeline.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Tenants == nil {
		return nil, fmt.Errorf("pipeline: tenant store is required")
	}
	if cfg.Matcher == nil {
		return nil, fmt.Errorf("pipeline: matcher is required")
	}
	if cfg.Limiter == nil {
		cfg.Limiter = ratelimit.Noop{}
	}
	if cfg.Extractor == nil {
		cfg.Extractor = entities.New()
	}
	if cfg.Compound == nil {
		cfg.Compound = compound.New(0)
	}
	if cfg.ReasoningTokens <= 0 {
		cfg.ReasoningTokens = DefaultReasoningTokens
	}
	logger := observability.OrNoop(cfg.Logger)
	if cfg.Decomposer == nil {
		logger.Warn("no decomposer configured, reasoning path degrades to matcher results", nil)
	}
	return &Pipeline{
		tenants:         cfg.Tenants,
		limiter:         cfg.Limiter,
		extractor:       cfg.Extractor,
		matcher:         cfg.Matcher,
		detector:        cfg.Compound,
		decomp:          cfg.Decomposer,
		tools:           cfg.Tools,
		reasoningTokens: cfg.ReasoningTokens,
		logger:          logger,
	}, nil
}

// Resolve classifies one message, charging the tenant's rate-limit bucket.
func (p *Pipeline) Resolve(ctx context.Context, in *models.ResolveInput) (*models.ResolveOutput, error) {
	return p.resolve(ctx, in, true)
}

// ResolveQueued classifies one batch item. Queued work is admitted when its
// batch is accepted and throttled by queue depth from there, so no rate-limit
// tokens are charged.
func (p *Pipeline) ResolveQueued(ctx context.Context, in *models.ResolveInput) (*models.ResolveOutput, error) {
	return p.resolve(ctx, in, false)
}

func (p *Pipeline) resolve(ctx context.Context, in *models.ResolveInput, charge bool) (*models.ResolveOutput, error) {
	if err := validateInput(in); err != nil {
		return nil, err
	}
	r := &run{
		p:         p,
		in:        in,
		charge:    charge,
		requestID: uuid.New().String(),
		started:   time.Now(),
		state:     StateNew,
	}
	ctx, span := observability.StartSpan(ctx, "pipeline.resolve")
	defer span.End()
	span.SetAttribute("request_id", r.requestID)
	span.SetAttribute("tenant_id", in.TenantID)

	out, err := r.execute(ctx)
	if err != nil {
		span.RecordError(err)
		p.logger.Warn("resolve failed", map[string]interface{}{
			"request_id": r.requestID,
			"tenant_id":  in.TenantID,
			"state":      string(r.state),
			"kind":       string(apperrors.KindOf(err)),
			"error":      err.Error(),
		})
		return nil, err
	}
	span.SetAttribute("path_taken", string(out.PathTaken))
	return out, nil
}

func validateInput(in *models.ResolveInput) error {
	if in == nil {
		return apperrors.New(apperrors.KindValidation, "resolve input is required")
	}
	if strings.TrimSpace(in.TenantID) == "" {
		return apperrors.New(apperrors.KindValidation, "tenant id is required")
	}
	if strings.TrimSpace(in.RawText) == "" {
		return apperrors.New(apperrors.KindValidation, "message text cannot be empty")
	}
	if len(in.RawText) > models.MaxMessageBytes {
		return apperrors.Newf(apperrors.KindValidation, "message text exceeds %d bytes", models.MaxMessageBytes)
	}
	return nil
}
