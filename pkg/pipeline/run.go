package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/intentd/intentd/pkg/apperrors"
	"github.com/intentd/intentd/pkg/compound"
	"github.com/intentd/intentd/pkg/decomposer"
	"github.com/intentd/intentd/pkg/matcher"
	"github.com/intentd/intentd/pkg/models"
	"github.com/intentd/intentd/pkg/observability"
	"github.com/intentd/intentd/pkg/tenant"
)

// lowConfidenceCap bounds the confidence of degraded results just under the
// MEDIUM boundary. A fallback result reports tier LOW; its confidence is
// capped so the tier function agrees with the number.
const lowConfidenceCap = 0.59

// run is the mutable state of one resolution.
type run struct {
	p         *Pipeline
	in        *models.ResolveInput
	charge    bool
	requestID string
	started   time.Time
	state     State
	trace     []string

	tenant     *models.TenantConfig
	extraction models.ExtractionResult
	match      *matcher.Result
	signals    compound.Result

	// forcedReason is set when a degraded path demands human review
	// regardless of the confidence summary.
	forcedReason string
}

func (r *run) execute(ctx context.Context) (*models.ResolveOutput, error) {
	if err := r.admit(ctx); err != nil {
		return nil, err
	}
	if err := r.stageBoundary(ctx); err != nil {
		return nil, err
	}
	if err := r.extractAndMatch(ctx); err != nil {
		return nil, err
	}
	if err := r.stageBoundary(ctx); err != nil {
		return nil, err
	}
	r.detectCompound()

	var out *models.ResolveOutput
	if r.branch() {
		out = r.fastPath()
	} else {
		var err error
		if out, err = r.reason(ctx); err != nil {
			return nil, err
		}
	}
	return r.finalize(out), nil
}

// admit looks up the tenant and takes one token from its bucket. An absent
// or deactivated tenant and a drained bucket are both terminal here.
func (r *run) admit(ctx context.Context) error {
	ctx, span := observability.StartSpan(ctx, "pipeline.admit")
	defer span.End()

	t, err := r.p.tenants.ByID(ctx, r.in.TenantID)
	if err != nil {
		if errors.Is(err, tenant.ErrNotFound) || errors.Is(err, tenant.ErrInactive) {
			return apperrors.Newf(apperrors.KindAuthInactive, "tenant %s is not active", r.in.TenantID)
		}
		if ctx.Err() != nil {
			return r.aborted(ctx)
		}
		return apperrors.Wrap(err, apperrors.KindUnavailable, "tenant lookup failed")
	}
	r.tenant = t

	if r.charge {
		if err := r.chargeAdmission(ctx, t); err != nil {
			return err
		}
	} else {
		r.addf("admission: tenant %s admitted, queued item exempt from rate limit", t.TenantID)
	}
	r.state = StateAdmitted
	return nil
}

// chargeAdmission debits one token. A limiter outage admits the request
// anyway: replicas disagreeing about one budget check is cheaper than
// failing every resolve while the store is down.
func (r *run) chargeAdmission(ctx context.Context, t *models.TenantConfig) error {
	dec, err := r.p.limiter.Allow(ctx, t.TenantID, float64(t.RequestsPerMinute()), float64(t.BurstSize()), 1)
	if err != nil {
		if ctx.Err() != nil {
			return r.aborted(ctx)
		}
		r.p.logger.Warn("rate limiter unavailable, admitting without charge", map[string]interface{}{
			"request_id": r.requestID,
			"tenant_id":  t.TenantID,
			"error":      err.Error(),
		})
		r.addf("admission: tenant %s admitted, rate limiter unavailable", t.TenantID)
		return nil
	}
	if !dec.Allowed {
		return apperrors.New(apperrors.KindRateLimited, "rate limit exceeded").
			WithRetryAfter(dec.RetryAfter.Seconds())
	}
	r.addf("admission: tenant %s admitted, %.1f tokens remaining", t.TenantID, dec.Remaining)
	return nil
}

// extractAndMatch runs entity extraction and catalog matching concurrently.
// Extraction failure costs the result its entities, nothing more; a match
// failure aborts the run.
func (r *run) extractAndMatch(ctx context.Context) error {
	ctx, span := observability.StartSpan(ctx, "pipeline.extract_match")
	defer span.End()

	var extractFailed bool
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r.extraction, extractFailed = r.safeExtract()
		return nil
	})
	g.Go(func() error {
		res, err := r.p.matcher.Match(gctx, r.in.RawText)
		if err != nil {
			return err
		}
		r.match = res
		return nil
	})
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return r.aborted(ctx)
		}
		kind := apperrors.KindUnavailable
		if errors.Is(err, context.DeadlineExceeded) {
			kind = apperrors.KindUpstreamTimeout
		}
		return apperrors.Wrap(err, kind, "similarity match failed")
	}

	if extractFailed {
		r.addf("extract: extraction failed, continuing without entities")
	} else {
		r.addf("extract: %d entities, sentiment %.2f, urgency %.2f",
			len(r.extraction.Entities), r.extraction.SentimentScore, r.extraction.UrgencyScore)
	}
	r.state = StateExtracted

	dec := r.match.Decision
	if top1, ok := r.match.Top1(); ok {
		r.addf("match: %d candidates, top1 %s %.2f, gap %.2f, tier %s",
			len(r.match.Candidates), top1.IntentCode, dec.Top1, dec.Top2Gap, dec.Tier)
	} else {
		r.addf("match: no candidates, tier %s", dec.Tier)
	}
	r.state = StateMatched
	return nil
}

// safeExtract shields the run from a panicking extractor. Extraction is
// best-effort; a failure leaves the result without entities.
func (r *run) safeExtract() (res models.ExtractionResult, failed bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.p.logger.Error("entity extraction panicked", map[string]interface{}{
				"request_id": r.requestID,
				"tenant_id":  r.in.TenantID,
				"panic":      fmt.Sprintf("%v", rec),
			})
			res, failed = models.ExtractionResult{}, true
		}
	}()
	return r.p.extractor.Extract(r.in.RawText), false
}

func (r *run) detectCompound() {
	r.signals = r.p.detector.Detect(r.in.RawText, r.match.Candidates, r.extraction)
	switch {
	case r.signals.IsCompound:
		r.addf("compound: compound message, signals %s", strings.Join(r.signals.Signals, "+"))
	case len(r.signals.Signals) > 0:
		r.addf("compound: single request, weak signals %s", strings.Join(r.signals.Signals, "+"))
	default:
		r.addf("compound: single request, no signals")
	}
}

// branch picks the resolution path. Fast needs a HIGH-tier match, no compound
// verdict, no second category scoring high, and the tenant's flag.
func (r *run) branch() bool {
	dec := r.match.Decision
	var reasons []string
	if dec.Tier != models.TierHigh {
		reasons = append(reasons, fmt.Sprintf("match tier %s", dec.Tier))
	}
	if r.signals.IsCompound {
		reasons = append(reasons, "compound message")
	}
	if code, ok := r.secondCategoryHigh(); ok {
		reasons = append(reasons, fmt.Sprintf("second category %s scored high", models.CategoryOf(code)))
	}
	if !r.tenant.FastPathEnabled() {
		reasons = append(reasons, "fast path disabled for tenant")
	}
	r.state = StateBranched
	if len(reasons) == 0 {
		r.addf("branch: fast path, top1 %.2f, gap %.2f", dec.Top1, dec.Top2Gap)
		return true
	}
	r.addf("branch: reasoning path, %s", strings.Join(reasons, ", "))
	return false
}

// secondCategoryHigh reports a runner-up candidate from another category at
// HIGH-tier similarity. Such a message carries two strong requests and fast
// path semantics no longer apply to it.
func (r *run) secondCategoryHigh() (string, bool) {
	top1, ok := r.match.Top1()
	if !ok {
		return "", false
	}
	for _, c := range r.match.Candidates[1:] {
		if c.Category() != top1.Category() && models.TierForConfidence(c.Similarity) == models.TierHigh {
			return c.IntentCode, true
		}
	}
	return "", false
}

// fastPath emits the top candidate as the single resolved intent.
func (r *run) fastPath() *models.ResolveOutput {
	top1, _ := r.match.Top1()
	r.addf("fast_path: resolved %s, confidence %.2f", top1.IntentCode, top1.Similarity)
	r.state = StateFastDone
	return &models.ResolveOutput{
		ResolvedIntents: []models.ResolvedIntent{
			resolvedIntent(top1.IntentCode, top1.Similarity, []string{top1.MatchedExample}),
		},
		Entities:  r.extraction.Entities,
		PathTaken: models.PathFast,
	}
}

// reason runs the reasoning path. The only error it returns is a crossed
// deadline; every decomposer problem degrades to the matcher's top result.
func (r *run) reason(ctx context.Context) (*models.ResolveOutput, error) {
	ctx, span := observability.StartSpan(ctx, "pipeline.reason")
	defer span.End()

	if err := r.stageBoundary(ctx); err != nil {
		return nil, err
	}
	if !r.tenant.ReasoningPathEnabled() {
		return r.fallback("reasoning path disabled for tenant"), nil
	}
	if r.p.decomp == nil {
		return r.fallback("no decomposer configured"), nil
	}
	r.chargeReasoning(ctx)

	out, err := r.p.decomp.Decompose(ctx, r.decomposerInput())
	if err != nil {
		if ctx.Err() != nil {
			return nil, r.aborted(ctx)
		}
		r.p.logger.Warn("decomposer failed, falling back to matcher results", map[string]interface{}{
			"request_id": r.requestID,
			"tenant_id":  r.tenant.TenantID,
			"error":      err.Error(),
		})
		return r.fallback("decomposer failed"), nil
	}
	return r.decomposed(out), nil
}

// chargeReasoning debits the extra reasoning tokens. Admission already took
// one and the work is in flight; a denial or limiter error lands in the
// trace without aborting the run.
func (r *run) chargeReasoning(ctx context.Context) {
	extra := r.p.reasoningTokens - 1
	if !r.charge || extra <= 0 {
		return
	}
	t := r.tenant
	dec, err := r.p.limiter.Allow(ctx, t.TenantID, float64(t.RequestsPerMinute()), float64(t.BurstSize()), extra)
	switch {
	case err != nil:
		r.addf("reasoning: token top-up unavailable, continuing")
	case !dec.Allowed:
		r.addf("reasoning: token top-up denied, continuing")
	}
}

func (r *run) decomposerInput() decomposer.Input {
	in := decomposer.Input{
		RawText:    r.in.RawText,
		Entities:   r.extraction.Entities,
		MatchHints: r.match.Candidates,
		Tools:      r.p.tools,
	}
	if r.in.Context != nil {
		in.CustomerTier = r.in.Context.CustomerTier
		in.PreviousIntents = r.in.Context.PreviousIntents
	}
	return in
}

// fallback resolves with the matcher's top candidate at LOW tier and flags
// the result for human review.
func (r *run) fallback(note string) *models.ResolveOutput {
	r.forcedReason = note
	out := &models.ResolveOutput{
		Entities:   r.extraction.Entities,
		IsCompound: r.signals.IsCompound,
		PathTaken:  models.PathReasoning,
	}
	if top1, ok := r.match.Top1(); ok {
		conf := math.Min(top1.Similarity, lowConfidenceCap)
		out.ResolvedIntents = []models.ResolvedIntent{
			resolvedIntent(top1.IntentCode, conf, []string{top1.MatchedExample}),
		}
	}
	r.addf("reasoning: %s, fell back to matcher top candidate", note)
	r.state = StateReasoned
	return out
}

// decomposed maps a validated decomposer output onto the result.
func (r *run) decomposed(out *decomposer.Output) *models.ResolveOutput {
	res := &models.ResolveOutput{
		Entities:   r.extraction.Entities,
		IsCompound: out.IsCompound || len(out.Intents) > 1,
		PathTaken:  models.PathReasoning,
	}
	for _, di := range out.Intents {
		res.ResolvedIntents = append(res.ResolvedIntents,
			resolvedIntent(di.IntentCode, di.Confidence, di.Evidence))
		for _, c := range di.Constraints {
			res.Constraints = append(res.Constraints, models.ClassifyConstraint(c))
		}
	}
	if out.RequiresClarification {
		res.ClarificationQuestion = out.ClarificationQuestion
		r.addf("reasoning: %d intents, clarification requested", len(out.Intents))
	} else {
		r.addf("reasoning: decomposer returned %d intents", len(out.Intents))
	}
	r.state = StateReasoned
	return res
}

// finalize computes the confidence summary, decides human review, stamps
// timing, and seals the trace.
func (r *run) finalize(out *models.ResolveOutput) *models.ResolveOutput {
	out.RequestID = r.requestID
	out.ConfidenceSummary = out.MinConfidence()

	switch {
	case r.forcedReason != "":
		out.RequiresHuman = true
		out.RequiresHumanReason = r.forcedReason
	case len(out.ResolvedIntents) == 0:
		out.RequiresHuman = true
		out.RequiresHumanReason = "no intents resolved"
	case models.TierForConfidence(out.ConfidenceSummary) == models.TierLow:
		out.RequiresHuman = true
		out.RequiresHumanReason = "low confidence"
	}

	entry := fmt.Sprintf("finalize: %d intents, confidence %.2f, path %s",
		len(out.ResolvedIntents), out.ConfidenceSummary, out.PathTaken)
	if len(out.ResolvedIntents) == 0 || models.TierForConfidence(out.ConfidenceSummary) == models.TierLow {
		entry += " (low-confidence, clarification recommended)"
	}
	r.trace = append(r.trace, entry)
	out.ReasoningTrace = r.trace
	out.ProcessingTimeMs = time.Since(r.started).Milliseconds()
	out.CompletedAt = time.Now().UTC()
	r.state = StateFinalized

	r.p.logger.Info("message resolved", map[string]interface{}{
		"request_id":     r.requestID,
		"tenant_id":      r.tenant.TenantID,
		"path":           string(out.PathTaken),
		"intents":        len(out.ResolvedIntents),
		"confidence":     out.ConfidenceSummary,
		"compound":       out.IsCompound,
		"requires_human": out.RequiresHuman,
		"duration_ms":    out.ProcessingTimeMs,
	})
	return out
}

// stageBoundary fails the run when the caller's deadline crossed between
// stages.
func (r *run) stageBoundary(ctx context.Context) error {
	if ctx.Err() != nil {
		return r.aborted(ctx)
	}
	return nil
}

// aborted converts a dead context into the terminal timeout error. The
// partial trace goes to the log; callers only see the classified error.
func (r *run) aborted(ctx context.Context) error {
	r.p.logger.Warn("resolve aborted mid-run", map[string]interface{}{
		"request_id": r.requestID,
		"tenant_id":  r.in.TenantID,
		"state":      string(r.state),
		"trace":      strings.Join(r.trace, " | "),
	})
	msg := fmt.Sprintf("resolve deadline exceeded after %s", r.state)
	if errors.Is(ctx.Err(), context.Canceled) {
		msg = fmt.Sprintf("resolve canceled after %s", r.state)
	}
	return apperrors.Wrap(ctx.Err(), apperrors.KindTimeout, msg)
}

func (r *run) addf(format string, args ...interface{}) {
	r.trace = append(r.trace, fmt.Sprintf(format, args...))
}

// resolvedIntent builds a ResolvedIntent from a full intent code. The tier
// always comes from the tier function of the confidence.
func resolvedIntent(code string, confidence float64, evidence []string) models.ResolvedIntent {
	category, name, err := models.SplitIntentCode(code)
	if err != nil {
		category, name = models.CategoryOf(code), code
	}
	return models.ResolvedIntent{
		Category:       category,
		Intent:         name,
		Confidence:     confidence,
		ConfidenceTier: models.TierForConfidence(confidence),
		Evidence:       evidence,
	}
}
