package catalog

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"

	"github.com/intentd/intentd/pkg/apperrors"
	"github.com/intentd/intentd/pkg/models"
)

// seedKeyPattern is the accepted shape of a catalog file key.
var seedKeyPattern = regexp.MustCompile(`^[A-Z_]+\.[A-Z_]+$`)

// Seed maps intent codes to example utterances, mirroring the catalog file
// format {"CATEGORY.INTENT": ["example", ...]}.
type Seed map[string][]string

// ParseSeed decodes and validates a catalog seed file. Keys must match
// CATEGORY.INTENT in upper snake case and every example must be a non-blank
// UTF-8 string of at most 512 bytes. Duplicate examples are permitted; they
// weight an intent implicitly by frequency.
func ParseSeed(data []byte) (Seed, error) {
	var seed Seed
	if err := json.Unmarshal(data, &seed); err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindValidation, "seed file is not a JSON object of example lists")
	}
	for code, examples := range seed {
		if !seedKeyPattern.MatchString(code) {
			return nil, apperrors.Newf(apperrors.KindValidation, "intent code %q does not match CATEGORY.INTENT", code)
		}
		for i, example := range examples {
			if strings.TrimSpace(example) == "" {
				return nil, apperrors.Newf(apperrors.KindValidation, "intent %q example %d is blank", code, i)
			}
			if len(example) > models.MaxExampleBytes {
				return nil, apperrors.Newf(apperrors.KindValidation,
					"intent %q example %d is %d bytes, limit is %d", code, i, len(example), models.MaxExampleBytes)
			}
		}
	}
	return seed, nil
}

// ExampleCount returns the total number of examples across all intents.
func (s Seed) ExampleCount() int {
	n := 0
	for _, examples := range s {
		n += len(examples)
	}
	return n
}

// Entries flattens the seed into catalog entries without embeddings, in
// deterministic order: intent codes sorted, examples in file order.
func (s Seed) Entries() []models.CatalogEntry {
	codes := make([]string, 0, len(s))
	for code := range s {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	entries := make([]models.CatalogEntry, 0, s.ExampleCount())
	for _, code := range codes {
		category := models.CategoryOf(code)
		for _, example := range s[code] {
			entries = append(entries, models.CatalogEntry{
				IntentCode:  code,
				Category:    category,
				ExampleText: example,
			})
		}
	}
	return entries
}
