package entities

import (
	"regexp"
	"sort"
	"strings"

	"github.com/intentd/intentd/pkg/models"
)

// Lexicon tables map surface terms (lowercase, single-spaced) to canonical
// values. Multi-word terms are matched longest-first.

var colorTerms = map[string]string{
	"black": "black", "white": "white", "red": "red", "blue": "blue", "navy": "navy",
	"green": "green", "yellow": "yellow", "orange": "orange", "purple": "purple",
	"pink": "pink", "brown": "brown", "gray": "gray", "grey": "gray", "beige": "beige",
	"tan": "tan", "cream": "cream", "maroon": "maroon", "teal": "teal",
	"turquoise": "turquoise", "olive": "olive", "burgundy": "burgundy", "khaki": "khaki",
	"gold": "gold", "silver": "silver", "charcoal": "charcoal", "ivory": "ivory",
}

var sizeWordTerms = map[string]string{
	"extra small": "XS", "x-small": "XS", "extra large": "XL", "x-large": "XL",
	"small": "S", "medium": "M", "large": "L",
}

var carrierTerms = map[string]string{
	"ups": "UPS", "fedex": "FedEx", "fed ex": "FedEx", "usps": "USPS", "dhl": "DHL",
	"amazon logistics": "Amazon Logistics", "ontrac": "OnTrac", "lasership": "LaserShip",
	"royal mail": "Royal Mail", "canada post": "Canada Post",
	"postal service": "USPS", "post office": "USPS",
}

var brandTerms = map[string]string{
	"nike": "Nike", "adidas": "Adidas", "apple": "Apple", "samsung": "Samsung",
	"sony": "Sony", "dyson": "Dyson", "kitchenaid": "KitchenAid", "lego": "LEGO",
	"zara": "Zara", "ikea": "IKEA", "levi's": "Levi's", "levis": "Levi's",
	"patagonia": "Patagonia", "north face": "The North Face", "the north face": "The North Face",
	"gucci": "Gucci", "prada": "Prada", "lululemon": "Lululemon", "h&m": "H&M",
}

// reasonTerms canonicalize return and complaint reasons to stable keywords.
var reasonTerms = map[string]string{
	"damaged": "damaged", "broken": "damaged", "shattered": "damaged", "cracked": "damaged",
	"smashed": "damaged", "dented": "damaged", "torn": "damaged", "ripped": "damaged",
	"defective": "defective", "faulty": "defective", "doesn't work": "defective",
	"does not work": "defective", "not working": "defective", "dead on arrival": "defective",
	"stopped working": "defective", "malfunctioning": "defective",
	"wrong item": "wrong_item", "wrong product": "wrong_item", "different item": "wrong_item",
	"wrong size": "wrong_size", "doesn't fit": "wrong_size", "does not fit": "wrong_size",
	"too small": "wrong_size", "too big": "wrong_size", "too large": "wrong_size",
	"too tight": "wrong_size",
	"not as described": "not_as_described", "not what i ordered": "not_as_described",
	"looks different": "not_as_described",
	"changed my mind": "changed_mind", "change of mind": "changed_mind",
	"no longer need": "changed_mind", "no longer needed": "changed_mind",
	"arrived late": "late_delivery", "took too long": "late_delivery",
	"never arrived": "not_received", "didn't arrive": "not_received", "hasn't arrived": "not_received",
	"missing parts": "missing_parts", "missing pieces": "missing_parts", "incomplete": "missing_parts",
	"poor quality": "quality", "bad quality": "quality", "cheaply made": "quality",
	"fell apart": "quality",
}

var damageSeverityTerms = map[string]string{
	"shattered": "severe", "destroyed": "severe", "completely broken": "severe",
	"in pieces": "severe", "unusable": "severe", "beyond repair": "severe",
	"broken": "moderate", "cracked": "moderate", "dented": "moderate", "torn": "moderate",
	"bent": "moderate", "leaking": "moderate",
	"scratched": "minor", "scuffed": "minor", "chipped": "minor", "minor damage": "minor",
}

var defectCategoryTerms = map[string]string{
	"won't turn on": "not_working", "wont turn on": "not_working", "doesn't turn on": "not_working",
	"dead on arrival": "not_working", "doesn't work": "not_working", "does not work": "not_working",
	"stopped working": "not_working", "not working": "not_working",
	"scratched": "cosmetic", "scuffed": "cosmetic", "discolored": "cosmetic",
	"stained": "cosmetic", "faded": "cosmetic",
	"missing parts": "missing_parts", "missing pieces": "missing_parts",
	"parts missing": "missing_parts",
	"overheats": "performance", "overheating": "performance", "keeps crashing": "performance",
	"too slow": "performance", "drains the battery": "performance",
}

// lexiconSpec binds one term table to an entity type.
type lexiconSpec struct {
	entityType models.EntityType
	re         *regexp.Regexp
	terms      map[string]string
	confidence float64
}

var lexiconSpecs = []lexiconSpec{
	{models.EntityColor, lexiconRegex(colorTerms), colorTerms, 0.85},
	{models.EntitySize, lexiconRegex(sizeWordTerms), sizeWordTerms, 0.82},
	{models.EntityCarrier, lexiconRegex(carrierTerms), carrierTerms, 0.88},
	{models.EntityBrand, lexiconRegex(brandTerms), brandTerms, 0.84},
	{models.EntityReason, lexiconRegex(reasonTerms), reasonTerms, 0.85},
	{models.EntityDamageSeverity, lexiconRegex(damageSeverityTerms), damageSeverityTerms, 0.82},
	{models.EntityDefectCategory, lexiconRegex(defectCategoryTerms), defectCategoryTerms, 0.80},
}

// lexiconRegex compiles one case-insensitive word-boundary alternation over
// the table's terms.
func lexiconRegex(terms map[string]string) *regexp.Regexp {
	keys := make([]string, 0, len(terms))
	for term := range terms {
		keys = append(keys, term)
	}
	return compileTerms(keys)
}

// compileTerms builds a word-boundary alternation, longest-first so
// multi-word terms win the leftmost race.
func compileTerms(keys []string) *regexp.Regexp {
	sorted := make([]string, len(keys))
	copy(sorted, keys)
	sort.Slice(sorted, func(i, j int) bool {
		if len(sorted[i]) != len(sorted[j]) {
			return len(sorted[i]) > len(sorted[j])
		}
		return sorted[i] < sorted[j]
	})
	escaped := make([]string, len(sorted))
	for i, k := range sorted {
		escaped[i] = regexp.QuoteMeta(k)
	}
	return regexp.MustCompile(`(?i)\b(?:` + strings.Join(escaped, `|`) + `)\b`)
}

func matchLexicons(text string) []models.Entity {
	var out []models.Entity
	for _, spec := range lexiconSpecs {
		matches := spec.re.FindAllStringIndex(text, -1)
		for _, m := range matches {
			raw := text[m[0]:m[1]]
			canonical, ok := spec.terms[normSpace(strings.ToLower(raw))]
			if !ok {
				continue
			}
			out = append(out, models.Entity{
				Type:       spec.entityType,
				Value:      canonical,
				RawSpan:    raw,
				StartPos:   m[0],
				EndPos:     m[1],
				Confidence: spec.confidence,
			})
		}
	}
	return out
}
