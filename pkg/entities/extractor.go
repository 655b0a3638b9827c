// Package entities extracts typed spans and message-level sentiment signals
// from customer messages using regex families and small lexicons. It never
// calls the network and never fails; malformed input yields an empty result.
package entities

import (
	"sort"
	"strings"

	"github.com/intentd/intentd/pkg/models"
)

// priorityThreshold flags messages whose urgency or frustration crosses it.
const priorityThreshold = 0.7

// Extractor detects the closed set of entity types plus sentiment scores.
// It is stateless and safe for concurrent use.
type Extractor struct{}

// New creates an entity extractor.
func New() *Extractor {
	return &Extractor{}
}

// Extract runs every pattern and lexicon family over the text, resolves
// overlapping spans per type, and scores sentiment. Positions are byte
// offsets, half-open.
func (e *Extractor) Extract(text string) models.ExtractionResult {
	if strings.TrimSpace(text) == "" {
		return models.ExtractionResult{}
	}

	candidates := append(matchPatterns(text), matchLexicons(text)...)
	resolved := resolveOverlaps(candidates)

	sentiment, urgency, frustration, signals := scoreSentiment(text)
	return models.ExtractionResult{
		Entities:         resolved,
		SentimentScore:   sentiment,
		UrgencyScore:     urgency,
		FrustrationScore: frustration,
		PriorityFlag:     urgency >= priorityThreshold || frustration >= priorityThreshold,
		SentimentSignals: signals,
	}
}

// resolveOverlaps enforces non-overlapping spans within each entity type:
// longer spans win, then earlier starts, then higher confidence. Spans of
// different types may overlap freely.
func resolveOverlaps(candidates []models.Entity) []models.Entity {
	byType := make(map[models.EntityType][]models.Entity)
	for _, c := range candidates {
		byType[c.Type] = append(byType[c.Type], c)
	}

	var out []models.Entity
	for _, group := range byType {
		sort.Slice(group, func(i, j int) bool {
			li := group[i].EndPos - group[i].StartPos
			lj := group[j].EndPos - group[j].StartPos
			if li != lj {
				return li > lj
			}
			if group[i].StartPos != group[j].StartPos {
				return group[i].StartPos < group[j].StartPos
			}
			return group[i].Confidence > group[j].Confidence
		})

		var kept []models.Entity
		for _, c := range group {
			overlaps := false
			for _, k := range kept {
				if c.StartPos < k.EndPos && k.StartPos < c.EndPos {
					overlaps = true
					break
				}
			}
			if !overlaps {
				kept = append(kept, c)
			}
		}
		out = append(out, kept...)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartPos != out[j].StartPos {
			return out[i].StartPos < out[j].StartPos
		}
		if out[i].EndPos != out[j].EndPos {
			return out[i].EndPos < out[j].EndPos
		}
		return out[i].Type < out[j].Type
	})
	return out
}
