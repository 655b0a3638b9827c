// Package decomposer turns an ambiguous or compound customer message into a
// structured intent list via a tool-using language model. The pipeline calls
// it only on the reasoning path; every failure here is recoverable by falling
// back to the matcher's candidates.
package decomposer

import (
	"context"
	"errors"
	"fmt"

	"github.com/intentd/intentd/pkg/models"
)

// Input carries everything the model sees for one message.
type Input struct {
	RawText         string
	Entities        []models.Entity
	MatchHints      []models.MatchResult
	CustomerTier    string
	PreviousIntents []string
	// Tools, when non-nil, lets the model look up order state. The engine
	// only relays the callbacks; they are side-effect free.
	Tools *Tools
}

// DecomposedIntent is one intent the model identified in the message.
type DecomposedIntent struct {
	IntentCode  string   `json:"intent_code"`
	Confidence  float64  `json:"confidence"`
	Evidence    []string `json:"evidence"`
	Constraints []string `json:"constraints"`
}

// Output is a validated model response.
type Output struct {
	Intents               []DecomposedIntent `json:"intents"`
	IsCompound            bool               `json:"is_compound"`
	Reasoning             string             `json:"reasoning"`
	RequiresClarification bool               `json:"requires_clarification"`
	ClarificationQuestion string             `json:"clarification_question,omitempty"`
}

// Decomposer is the reasoning-path contract.
type Decomposer interface {
	Decompose(ctx context.Context, in Input) (*Output, error)
}

// ErrInvalidResponse marks a response that reached the engine but failed
// structural or taxonomy validation. Such failures are never retried.
var ErrInvalidResponse = errors.New("decomposer: response failed validation")

// OrderSummary is what order_lookup relays back to the model.
type OrderSummary struct {
	OrderID           string      `json:"order_id"`
	Status            string      `json:"status"`
	Carrier           string      `json:"carrier,omitempty"`
	TrackingNumber    string      `json:"tracking_number,omitempty"`
	EstimatedDelivery string      `json:"estimated_delivery,omitempty"`
	Items             []OrderItem `json:"items,omitempty"`
}

// OrderItem is one line of an order summary.
type OrderItem struct {
	ItemID   string `json:"item_id"`
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
}

// EligibilityDecision is what return_eligibility_check relays back.
type EligibilityDecision struct {
	OrderID      string `json:"order_id"`
	ItemID       string `json:"item_id,omitempty"`
	Eligible     bool   `json:"eligible"`
	Reason       string `json:"reason,omitempty"`
	WindowEndsAt string `json:"window_ends_at,omitempty"`
}

// Tools holds the caller-supplied lookups the model may invoke.
type Tools struct {
	OrderLookup            func(ctx context.Context, orderID string) (*OrderSummary, error)
	ReturnEligibilityCheck func(ctx context.Context, orderID, itemID string) (*EligibilityDecision, error)
}

// validateOutput enforces the closed taxonomy and confidence bounds on a
// parsed response. It mutates out in place (confidence clamping) and returns
// ErrInvalidResponse-wrapped errors for structural violations.
func validateOutput(out *Output) error {
	if len(out.Intents) == 0 && !out.RequiresClarification {
		return fmt.Errorf("%w: no intents and no clarification request", ErrInvalidResponse)
	}
	for i := range out.Intents {
		code := out.Intents[i].IntentCode
		if !models.IsValidIntentCode(code) {
			return fmt.Errorf("%w: unknown intent code %q", ErrInvalidResponse, code)
		}
		if out.Intents[i].Confidence < 0 {
			out.Intents[i].Confidence = 0
		}
		if out.Intents[i].Confidence > 1 {
			out.Intents[i].Confidence = 1
		}
	}
	if out.RequiresClarification && out.ClarificationQuestion == "" {
		return fmt.Errorf("%w: clarification requested without a question", ErrInvalidResponse)
	}
	return nil
}
