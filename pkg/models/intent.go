// Package models defines the shared value types of the intent resolution core:
// the intent taxonomy, extracted entities, resolution inputs and outputs,
// tenant configuration, catalog entries, and batch jobs.
package models

import (
	"fmt"
	"strings"
)

// Intent category codes. A full intent code is "CATEGORY.INTENT".
const (
	CategoryOrderStatus    = "ORDER_STATUS"
	CategoryOrderModify    = "ORDER_MODIFY"
	CategoryReturnExchange = "RETURN_EXCHANGE"
	CategoryComplaint      = "COMPLAINT"
	CategoryProductInquiry = "PRODUCT_INQUIRY"
	CategoryDiscovery      = "DISCOVERY"
	CategoryAccountBilling = "ACCOUNT_BILLING"
	CategoryMeta           = "META"
)

// Intent codes shipped with the system. The set is closed: the decomposer
// rejects any code not registered here. Clients depend on exact spelling.
const (
	IntentWISMO            = "ORDER_STATUS.WISMO"
	IntentDeliveryEstimate = "ORDER_STATUS.DELIVERY_ESTIMATE"
	IntentCancelOrder      = "ORDER_MODIFY.CANCEL_ORDER"
	IntentChangeAddress    = "ORDER_MODIFY.CHANGE_ADDRESS"
	IntentReturnInitiate   = "RETURN_EXCHANGE.RETURN_INITIATE"
	IntentExchangeRequest  = "RETURN_EXCHANGE.EXCHANGE_REQUEST"
	IntentRefundStatus     = "RETURN_EXCHANGE.REFUND_STATUS"
	IntentDamagedItem      = "COMPLAINT.DAMAGED_ITEM"
	IntentProductQuestion  = "PRODUCT_INQUIRY.PRODUCT_QUESTION"
	IntentAvailability     = "PRODUCT_INQUIRY.AVAILABILITY"
	IntentRecommendation   = "DISCOVERY.RECOMMENDATION"
	IntentBillingIssue     = "ACCOUNT_BILLING.BILLING_ISSUE"
	IntentHumanHandoff     = "META.HUMAN_HANDOFF"
)

// intentRegistry is the closed taxonomy keyed by full intent code.
var intentRegistry = map[string]bool{
	IntentWISMO:            true,
	IntentDeliveryEstimate: true,
	IntentCancelOrder:      true,
	IntentChangeAddress:    true,
	IntentReturnInitiate:   true,
	IntentExchangeRequest:  true,
	IntentRefundStatus:     true,
	IntentDamagedItem:      true,
	IntentProductQuestion:  true,
	IntentAvailability:     true,
	IntentRecommendation:   true,
	IntentBillingIssue:     true,
	IntentHumanHandoff:     true,
}

// ValidIntentCodes returns the closed taxonomy as a lookup set. The returned
// map is a copy; callers may mutate it freely.
func ValidIntentCodes() map[string]bool {
	out := make(map[string]bool, len(intentRegistry))
	for code := range intentRegistry {
		out[code] = true
	}
	return out
}

// IsValidIntentCode reports whether code is part of the shipped taxonomy.
func IsValidIntentCode(code string) bool {
	return intentRegistry[code]
}

// CategoryOf returns the category prefix of an intent code, or the code
// itself when it carries no dot.
func CategoryOf(intentCode string) string {
	if idx := strings.IndexByte(intentCode, '.'); idx > 0 {
		return intentCode[:idx]
	}
	return intentCode
}

// SplitIntentCode splits "CATEGORY.INTENT" into its two parts.
func SplitIntentCode(intentCode string) (category, intent string, err error) {
	parts := strings.SplitN(intentCode, ".", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed intent code %q", intentCode)
	}
	return parts[0], parts[1], nil
}

// ConfidenceTier buckets a confidence score for routing decisions.
type ConfidenceTier string

const (
	TierHigh   ConfidenceTier = "HIGH"
	TierMedium ConfidenceTier = "MEDIUM"
	TierLow    ConfidenceTier = "LOW"
)

// TierForConfidence maps a confidence score to its tier.
// HIGH at 0.85 and above, MEDIUM in [0.60, 0.85), LOW below 0.60.
func TierForConfidence(confidence float64) ConfidenceTier {
	switch {
	case confidence >= 0.85:
		return TierHigh
	case confidence >= 0.60:
		return TierMedium
	default:
		return TierLow
	}
}

// ResolvedIntent is one classified intent in a resolution result.
type ResolvedIntent struct {
	Category       string         `json:"category"`
	Intent         string         `json:"intent"`
	SubIntent      string         `json:"sub_intent,omitempty"`
	Confidence     float64        `json:"confidence"`
	ConfidenceTier ConfidenceTier `json:"confidence_tier"`
	// Evidence holds the text spans or catalog examples that support the
	// classification, in ranking order.
	Evidence []string `json:"evidence,omitempty"`
}

// IntentCode returns the full "CATEGORY.INTENT" code.
func (r ResolvedIntent) IntentCode() string {
	return r.Category + "." + r.Intent
}

// ConstraintType classifies a constraint attached to a resolution.
type ConstraintType string

const (
	ConstraintDeadline    ConstraintType = "deadline"
	ConstraintPreference  ConstraintType = "preference"
	ConstraintRequirement ConstraintType = "requirement"
	ConstraintPolicy      ConstraintType = "policy"
)

// Constraint is a typed condition the customer attached to their request,
// e.g. "refund by Friday".
type Constraint struct {
	Type        ConstraintType `json:"type"`
	Description string         `json:"description"`
	Hard        bool           `json:"hard"`
}

// ClassifyConstraint maps a free-form constraint description to a typed
// Constraint. Deadline wording makes the constraint hard.
func ClassifyConstraint(description string) Constraint {
	lower := strings.ToLower(description)
	switch {
	case strings.Contains(lower, "deadline") || strings.Contains(lower, " by ") ||
		strings.HasPrefix(lower, "by ") || strings.Contains(lower, "before "):
		return Constraint{Type: ConstraintDeadline, Description: description, Hard: true}
	case strings.Contains(lower, "must") || strings.Contains(lower, "require") ||
		strings.Contains(lower, "need"):
		return Constraint{Type: ConstraintRequirement, Description: description, Hard: false}
	default:
		return Constraint{Type: ConstraintPreference, Description: description, Hard: false}
	}
}
