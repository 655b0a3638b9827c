// Package compound detects multi-intent messages from cheap signals. It
// never calls a model; it only decides whether the pipeline should skip the
// fast path and let the decomposer split the message.
package compound

import (
	"regexp"
	"sort"

	"github.com/intentd/intentd/pkg/models"
)

// Signal names, in the order they appear in a Result.
const (
	SignalMultiSentence    = "multi_sentence"
	SignalConjunction      = "conjunction"
	SignalCategoryMix      = "category_mix"
	SignalMultipleOrderIDs = "multiple_order_ids"
)

// DefaultCategoryMixThreshold is the similarity floor for the category-mix
// signal.
const DefaultCategoryMixThreshold = 0.70

// Conjunctions that chain a second request onto the first. A bare "and" is
// deliberately absent: "black and white shirt" is one request.
var conjunctionRegex = regexp.MustCompile(`(?i)\b(?:and also|plus|as well as|in addition|additionally|also need|also want|one more thing|on top of that)\b`)

// Result reports the fired signals for one message.
type Result struct {
	IsCompound bool `json:"is_compound"`
	// Signals lists the fired signals in a fixed order for the trace.
	Signals       []string `json:"signals,omitempty"`
	SentenceCount int      `json:"sentence_count"`
	// Categories are the distinct category prefixes among candidates at or
	// above the similarity floor, sorted.
	Categories []string `json:"categories,omitempty"`
}

// Detector applies the compound signals.
type Detector struct {
	minCategorySim float64
}

// New creates a Detector. A non-positive threshold takes the default.
func New(categoryMixThreshold float64) *Detector {
	if categoryMixThreshold <= 0 {
		categoryMixThreshold = DefaultCategoryMixThreshold
	}
	return &Detector{minCategorySim: categoryMixThreshold}
}

// Detect evaluates text against the matcher's candidates and the extracted
// entities. The message is compound when categories mix among confident
// candidates, or when a chaining conjunction appears in a multi-sentence
// message. Candidates arrive max-pooled per intent, so "two high-similarity
// intents from different categories" and the category-mix test are the same
// check. Multiple order ids are reported as a signal but do not flip the
// decision on their own.
func (d *Detector) Detect(text string, candidates []models.MatchResult, extraction models.ExtractionResult) Result {
	sentences := splitSentences(text)
	multiSentence := len(sentences) >= 2
	conjunction := conjunctionRegex.MatchString(text)
	categories := d.confidentCategories(candidates)
	categoryMix := len(categories) >= 2
	multipleOrderIDs := distinctCount(extraction.OrderIDs()) >= 2

	result := Result{
		IsCompound:    categoryMix || (conjunction && multiSentence),
		SentenceCount: len(sentences),
		Categories:    categories,
	}
	if multiSentence {
		result.Signals = append(result.Signals, SignalMultiSentence)
	}
	if conjunction {
		result.Signals = append(result.Signals, SignalConjunction)
	}
	if categoryMix {
		result.Signals = append(result.Signals, SignalCategoryMix)
	}
	if multipleOrderIDs {
		result.Signals = append(result.Signals, SignalMultipleOrderIDs)
	}
	return result
}

// confidentCategories returns the distinct categories among candidates at or
// above the similarity floor, sorted.
func (d *Detector) confidentCategories(candidates []models.MatchResult) []string {
	seen := make(map[string]bool)
	for _, c := range candidates {
		if c.Similarity >= d.minCategorySim {
			seen[c.Category()] = true
		}
	}
	if len(seen) == 0 {
		return nil
	}
	out := make([]string, 0, len(seen))
	for cat := range seen {
		out = append(out, cat)
	}
	sort.Strings(out)
	return out
}

func distinctCount(values []string) int {
	seen := make(map[string]bool, len(values))
	for _, v := range values {
		seen[v] = true
	}
	return len(seen)
}
