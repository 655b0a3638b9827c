package models

import "time"

// ResolutionPath names which pipeline branch produced a result.
type ResolutionPath string

const (
	PathFast      ResolutionPath = "fast_path"
	PathReasoning ResolutionPath = "reasoning_path"
)

// MessageContext carries optional caller-supplied context for a resolution.
type MessageContext struct {
	CustomerTier    string   `json:"customer_tier,omitempty"`
	PreviousIntents []string `json:"previous_intents,omitempty"`
	Channel         string   `json:"channel,omitempty"`
}

// ResolveInput is a single classification request.
type ResolveInput struct {
	TenantID string          `json:"tenant_id"`
	RawText  string          `json:"text"`
	Context  *MessageContext `json:"context,omitempty"`
}

// MaxMessageBytes is the largest accepted message payload. Longer texts are
// rejected at validation.
const MaxMessageBytes = 4096

// MatchResult is one intent candidate from the similarity matcher, scored by
// the best catalog example for that intent.
type MatchResult struct {
	IntentCode     string  `json:"intent_code"`
	Similarity     float64 `json:"similarity"`
	MatchedExample string  `json:"matched_example"`
}

// Category returns the category prefix of the matched intent code.
func (m MatchResult) Category() string {
	return CategoryOf(m.IntentCode)
}

// MatchDecision is the tier the matcher assigned to its candidate list.
type MatchDecision struct {
	Tier    ConfidenceTier `json:"tier"`
	Top1    float64        `json:"top1"`
	Top2Gap float64        `json:"top2_gap"`
}

// ResolveOutput is the result of one pipeline run.
type ResolveOutput struct {
	RequestID       string           `json:"request_id"`
	ResolvedIntents []ResolvedIntent `json:"resolved_intents"`
	IsCompound      bool             `json:"is_compound"`
	Entities        []Entity         `json:"entities"`
	Constraints     []Constraint     `json:"constraints,omitempty"`
	// ConfidenceSummary is the minimum confidence over resolved intents,
	// or 0 when none were resolved.
	ConfidenceSummary     float64        `json:"confidence_summary"`
	RequiresHuman         bool           `json:"requires_human"`
	RequiresHumanReason   string         `json:"requires_human_reason,omitempty"`
	ClarificationQuestion string         `json:"clarification_question,omitempty"`
	ReasoningTrace        []string       `json:"reasoning_trace"`
	ProcessingTimeMs      int64          `json:"processing_time_ms"`
	PathTaken             ResolutionPath `json:"path_taken"`
	CompletedAt           time.Time      `json:"completed_at"`
}

// MinConfidence recomputes the confidence summary from the resolved intents.
func (o *ResolveOutput) MinConfidence() float64 {
	if len(o.ResolvedIntents) == 0 {
		return 0
	}
	min := o.ResolvedIntents[0].Confidence
	for _, ri := range o.ResolvedIntents[1:] {
		if ri.Confidence < min {
			min = ri.Confidence
		}
	}
	return min
}
