package entities

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/intentd/intentd/pkg/models"
)

// Date building blocks shared between the date and deadline families.
const (
	datePatISO   = `\d{4}-\d{2}-\d{2}`
	datePatSlash = `\d{1,2}/\d{1,2}(?:/\d{2,4})?`
	datePatMonth = `(?:jan(?:uary)?|feb(?:ruary)?|mar(?:ch)?|apr(?:il)?|may|jun(?:e)?|jul(?:y)?|aug(?:ust)?|sep(?:t(?:ember)?)?|oct(?:ober)?|nov(?:ember)?|dec(?:ember)?)\.?\s+\d{1,2}(?:st|nd|rd|th)?(?:,?\s*\d{4})?`
	datePatDay   = `(?:monday|tuesday|wednesday|thursday|friday|saturday|sunday|tomorrow|today|tonight|end of (?:the )?(?:day|week|month)|eod)`
)

var (
	// orderPrefixedRegex matches ids carrying an explicit order marker, e.g. ORD-98765
	orderPrefixedRegex = regexp.MustCompile(`(?i)\b(?:ord|order)[-#]?\d+\b`)
	// orderContextRegex matches ids introduced by the word "order"
	orderContextRegex = regexp.MustCompile(`(?i)\border\s*(?:number|no\.?|id)?\s*[:#]?\s*((?:[a-z]+-?)?\d{3,}(?:-?[a-z0-9]+)*)\b`)
	// orderHashRegex matches #-prefixed ids with at least four digits
	orderHashRegex = regexp.MustCompile(`(?i)#([a-z0-9-]*\d{4,}[a-z0-9-]*)\b`)

	// trackingUPSRegex matches UPS 1Z tracking codes
	trackingUPSRegex = regexp.MustCompile(`(?i)\b1Z[0-9a-z]{16}\b`)
	// trackingUSPSRegex matches USPS 22 or 26 digit tracking codes
	trackingUSPSRegex = regexp.MustCompile(`\b9[2345]\d{20}(?:\d{4})?\b`)
	// trackingContextRegex matches codes introduced by the word "tracking"
	trackingContextRegex = regexp.MustCompile(`(?i)\btracking\s*(?:number|no\.?|id|code)?\s*[:#]?\s*([a-z0-9]{8,})\b`)

	// emailRegex matches RFC-ish email addresses
	emailRegex = regexp.MustCompile(`(?i)\b[a-z0-9._%+-]+@[a-z0-9.-]+\.[a-z]{2,}\b`)
	// phoneRegex matches separator-delimited North American phone numbers
	phoneRegex = regexp.MustCompile(`\b(?:\+?1[-.\s]?)?\(?\d{3}\)?[-.\s]\d{3}[-.\s]?\d{4}\b`)

	// moneySymbolRegex matches $-prefixed amounts
	moneySymbolRegex = regexp.MustCompile(`\$\s?\d+(?:,\d{3})*(?:\.\d{1,2})?`)
	// moneyWordRegex matches amounts followed by a currency word
	moneyWordRegex = regexp.MustCompile(`(?i)\b\d+(?:\.\d{1,2})?\s?(?:dollars?|bucks|usd|euros?|eur|pounds|gbp)\b`)
	// moneyWordPartsRegex splits a word-form amount into value and currency
	moneyWordPartsRegex = regexp.MustCompile(`^(\d+(?:\.\d{1,2})?)\s?([a-z]+)$`)

	// dateISORegex matches ISO dates like 2025-06-05
	dateISORegex = regexp.MustCompile(`\b` + datePatISO + `\b`)
	// dateSlashRegex matches numeric dates like 6/5 or 06/05/2025
	dateSlashRegex = regexp.MustCompile(`\b` + datePatSlash + `\b`)
	// dateMonthRegex matches month-name dates like June 5th, 2025
	dateMonthRegex = regexp.MustCompile(`(?i)\b` + datePatMonth + `\b`)
	// dateDayRegex matches weekday names and near-term day words
	dateDayRegex = regexp.MustCompile(`(?i)\b` + datePatDay + `\b`)
	// dateRelativeRegex matches relative references like "next week" or "in 3 days"
	dateRelativeRegex = regexp.MustCompile(`(?i)\b(?:(?:next|this)\s+(?:week|month|monday|tuesday|wednesday|thursday|friday|saturday|sunday)|in\s+\d+\s+(?:days?|weeks?))\b`)

	// deadlineByDateRegex matches hard deadlines tied to an explicit date
	deadlineByDateRegex = regexp.MustCompile(`(?i)\b(?:by|before|until|no later than)\s+((?:` + datePatISO + `|` + datePatSlash + `|` + datePatMonth + `))`)
	// deadlineByDayRegex matches deadlines tied to a day word
	deadlineByDayRegex = regexp.MustCompile(`(?i)\b(?:by|before|until|no later than)\s+(` + datePatDay + `)\b`)
	// deadlineWithinRegex matches bounded windows like "within 3 days"
	deadlineWithinRegex = regexp.MustCompile(`(?i)\b(?:within|in the next)\s+\d+\s+(?:hours?|days?|weeks?|business\s+days?)\b`)
	// deadlineSoftRegex matches urgency phrasings that imply a deadline
	deadlineSoftRegex = regexp.MustCompile(`(?i)\b(?:as soon as possible|asap|right away|immediately)\b`)

	// quantityRegex matches digit counts with a unit word
	quantityRegex = regexp.MustCompile(`(?i)\b(\d{1,4})\s*(?:items?|pieces?|pcs|pairs?|units?|boxes?|sets?|packs?)\b`)
	// quantityWordRegex matches small word-number counts with a unit word
	quantityWordRegex = regexp.MustCompile(`(?i)\b(one|two|three|four|five|six|seven|eight|nine|ten|eleven|twelve)\s+(?:items?|pieces?|pairs?|units?|boxes?|sets?|packs?)\b`)

	// sizeNumberRegex matches explicit numeric sizes like "size 10"
	sizeNumberRegex = regexp.MustCompile(`(?i)\bsize\s*[:#]?\s*(\d{1,2}(?:\.5)?|[a-z]{1,4})\b`)
	// sizeLetterRegex matches bare uppercase size codes
	sizeLetterRegex = regexp.MustCompile(`\b(?:XXXL|XXL|XXS|XS|XL|2XL|3XL|4XL|S|M|L)\b`)

	// addressRegex matches US-style street addresses with an optional unit
	addressRegex = regexp.MustCompile(`(?i)\b\d{1,5}\s+[a-z0-9.'-]+(?:\s+[a-z0-9.'-]+){0,3}\s+(?:street|st|avenue|ave|road|rd|boulevard|blvd|lane|ln|drive|dr|court|ct|circle|cir|way|place|pl|terrace|ter)\b\.?(?:,?\s*(?:apt|apartment|suite|ste|unit|#)\s*[a-z0-9-]+)?`)

	// personNameRegex matches a name after a self-introduction cue
	personNameRegex = regexp.MustCompile(`(?i)\b(?:my name is|this is|i am|i'm)\s+([a-z][a-z'-]+(?:\s+[a-z][a-z'-]+)?)\b`)
)

// normalizeFunc canonicalizes a raw span. Returning false drops the candidate.
type normalizeFunc func(raw string) (string, bool)

// patternSpec binds one regex family to an entity type. group selects the
// submatch used for value and span; 0 means the whole match.
type patternSpec struct {
	entityType models.EntityType
	re         *regexp.Regexp
	group      int
	confidence float64
	normalize  normalizeFunc
}

var patternSpecs = []patternSpec{
	{models.EntityOrderID, orderPrefixedRegex, 0, 0.98, normalizeOrderID},
	{models.EntityOrderID, orderContextRegex, 1, 0.95, normalizeOrderID},
	{models.EntityOrderID, orderHashRegex, 1, 0.95, normalizeOrderID},

	{models.EntityTrackingNumber, trackingUPSRegex, 0, 0.99, normalizeUpper},
	{models.EntityTrackingNumber, trackingUSPSRegex, 0, 0.98, normalizeUpper},
	{models.EntityTrackingNumber, trackingContextRegex, 1, 0.95, normalizeUpper},

	{models.EntityEmail, emailRegex, 0, 0.99, normalizeLower},
	{models.EntityPhone, phoneRegex, 0, 0.95, normalizePhone},

	{models.EntityMoney, moneySymbolRegex, 0, 0.97, normalizeMoneySymbol},
	{models.EntityMoney, moneyWordRegex, 0, 0.88, normalizeMoneyWord},

	{models.EntityDate, dateISORegex, 0, 0.98, normalizeLower},
	{models.EntityDate, dateSlashRegex, 0, 0.95, normalizeLower},
	{models.EntityDate, dateMonthRegex, 0, 0.95, normalizeLower},
	{models.EntityDate, dateDayRegex, 0, 0.70, normalizeLower},
	{models.EntityDate, dateRelativeRegex, 0, 0.65, normalizeLower},

	{models.EntityDeadline, deadlineByDateRegex, 1, 0.90, normalizeLower},
	{models.EntityDeadline, deadlineByDayRegex, 1, 0.80, normalizeLower},
	{models.EntityDeadline, deadlineWithinRegex, 0, 0.85, normalizeLower},
	{models.EntityDeadline, deadlineSoftRegex, 0, 0.65, normalizeLower},

	{models.EntityQuantity, quantityRegex, 1, 0.95, passthrough},
	{models.EntityQuantity, quantityWordRegex, 1, 0.85, normalizeQuantityWord},

	{models.EntitySize, sizeNumberRegex, 1, 0.96, normalizeSizeToken},
	{models.EntitySize, sizeLetterRegex, 0, 0.85, normalizeUpper},

	{models.EntityAddress, addressRegex, 0, 0.88, normalizeSpace},
	{models.EntityPersonName, personNameRegex, 1, 0.70, normalizePersonName},
}

// Deadline entities report the whole "by Friday" span while their value is
// just the date part, so constraint descriptions read naturally downstream.
var deadlineSpanWhole = map[*regexp.Regexp]bool{
	deadlineByDateRegex: true,
	deadlineByDayRegex:  true,
}

func matchPatterns(text string) []models.Entity {
	var out []models.Entity
	for _, spec := range patternSpecs {
		matches := spec.re.FindAllStringSubmatchIndex(text, -1)
		for _, m := range matches {
			start, end := m[2*spec.group], m[2*spec.group+1]
			if start < 0 || end <= start {
				continue
			}
			value, ok := spec.normalize(text[start:end])
			if !ok {
				continue
			}
			if deadlineSpanWhole[spec.re] {
				start, end = m[0], m[1]
			}
			out = append(out, models.Entity{
				Type:       spec.entityType,
				Value:      value,
				RawSpan:    text[start:end],
				StartPos:   start,
				EndPos:     end,
				Confidence: spec.confidence,
			})
		}
	}
	return out
}

func passthrough(raw string) (string, bool) { return raw, true }

func normalizeUpper(raw string) (string, bool) { return strings.ToUpper(raw), true }

func normalizeLower(raw string) (string, bool) {
	return normSpace(strings.ToLower(raw)), true
}

func normalizeSpace(raw string) (string, bool) { return normSpace(raw), true }

func normalizeOrderID(raw string) (string, bool) {
	return strings.ToUpper(strings.TrimPrefix(raw, "#")), true
}

func normalizePhone(raw string) (string, bool) {
	var sb strings.Builder
	for i, r := range raw {
		if r >= '0' && r <= '9' {
			sb.WriteRune(r)
		} else if r == '+' && i == 0 {
			sb.WriteRune(r)
		}
	}
	digits := sb.String()
	if len(strings.TrimPrefix(digits, "+")) < 10 {
		return "", false
	}
	return digits, true
}

func normalizeMoneySymbol(raw string) (string, bool) {
	cleaned := strings.ReplaceAll(strings.ReplaceAll(raw, " ", ""), ",", "")
	return cleaned, true
}

var currencyCanonical = map[string]string{
	"dollar": "USD", "dollars": "USD", "bucks": "USD", "usd": "USD",
	"euro": "EUR", "euros": "EUR", "eur": "EUR",
	"pounds": "GBP", "gbp": "GBP",
}

func normalizeMoneyWord(raw string) (string, bool) {
	m := moneyWordPartsRegex.FindStringSubmatch(strings.ToLower(raw))
	if m == nil {
		return "", false
	}
	code, ok := currencyCanonical[m[2]]
	if !ok {
		return "", false
	}
	return m[1] + " " + code, true
}

var quantityWords = map[string]string{
	"one": "1", "two": "2", "three": "3", "four": "4", "five": "5", "six": "6",
	"seven": "7", "eight": "8", "nine": "9", "ten": "10", "eleven": "11", "twelve": "12",
}

func normalizeQuantityWord(raw string) (string, bool) {
	n, ok := quantityWords[strings.ToLower(raw)]
	return n, ok
}

var sizeTokens = map[string]bool{
	"XS": true, "XXS": true, "S": true, "M": true, "L": true,
	"XL": true, "XXL": true, "XXXL": true, "2XL": true, "3XL": true, "4XL": true,
}

func normalizeSizeToken(raw string) (string, bool) {
	if raw == "" {
		return "", false
	}
	if raw[0] >= '0' && raw[0] <= '9' {
		return raw, true
	}
	upper := strings.ToUpper(raw)
	if sizeTokens[upper] {
		return upper, true
	}
	return "", false
}

// normalizePersonName keeps only spans that read as Title Case names in the
// original text; the cue regex is case-insensitive so this filters out both
// "i am still waiting" and shouted words like "this is URGENT".
func normalizePersonName(raw string) (string, bool) {
	words := strings.Fields(raw)
	if len(words) == 0 {
		return "", false
	}
	for _, w := range words {
		r := []rune(w)
		if !unicode.IsUpper(r[0]) {
			return "", false
		}
		for i := 1; i < len(r); i++ {
			if unicode.IsUpper(r[i]) && r[i-1] != '\'' && r[i-1] != '-' {
				return "", false
			}
		}
	}
	return strings.Join(words, " "), true
}

func normSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
