package compound

import (
	"strings"
	"unicode"
)

// Abbreviations whose trailing period does not end a sentence.
var abbreviations = map[string]bool{
	// Titles
	"mr": true, "mrs": true, "ms": true, "dr": true, "prof": true,
	"sr": true, "jr": true,

	// Common shorthand
	"etc": true, "i.e": true, "e.g": true, "vs": true, "approx": true,
	"no": true, "min": true, "max": true, "p.s": true,

	// Addresses
	"st": true, "ave": true, "blvd": true, "rd": true, "apt": true,
	"ste": true, "dept": true,

	// Companies
	"inc": true, "corp": true, "co": true, "ltd": true, "llc": true,

	// Dates
	"jan": true, "feb": true, "mar": true, "apr": true, "jun": true,
	"jul": true, "aug": true, "sep": true, "sept": true, "oct": true,
	"nov": true, "dec": true,
	"mon": true, "tue": true, "wed": true, "thu": true, "fri": true,
	"sat": true, "sun": true,

	// Measurements
	"oz": true, "lb": true, "lbs": true, "ft": true, "cm": true,
	"kg": true,
}

// splitSentences segments a message on '.', '!' and '?'. A period after a
// known abbreviation or between digits does not split; runs of terminators
// ("?!", "!!!") collapse into one boundary.
func splitSentences(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	var sentences []string
	var current strings.Builder
	runes := []rune(text)

	flush := func() {
		s := strings.TrimSpace(current.String())
		if s != "" {
			sentences = append(sentences, s)
		}
		current.Reset()
	}

	for i := 0; i < len(runes); i++ {
		current.WriteRune(runes[i])
		if isSentenceEnd(runes, i) {
			flush()
		}
	}
	flush()

	return sentences
}

// isSentenceEnd reports whether the rune at pos terminates a sentence.
func isSentenceEnd(runes []rune, pos int) bool {
	r := runes[pos]
	if r != '.' && r != '!' && r != '?' {
		return false
	}

	if r == '.' {
		// Look back for the word the period attaches to.
		wordStart := pos
		for wordStart > 0 && !unicode.IsSpace(runes[wordStart-1]) {
			wordStart--
		}
		word := strings.ToLower(string(runes[wordStart:pos]))
		if abbreviations[word] {
			return false
		}
		// Decimal numbers ("3.5 stars").
		if pos > 0 && unicode.IsDigit(runes[pos-1]) &&
			pos+1 < len(runes) && unicode.IsDigit(runes[pos+1]) {
			return false
		}
	}

	// Skip closing quotes and brackets, then require whitespace or end of
	// text. "?!" and "!!!" fall through here until their last terminator.
	next := pos + 1
	for next < len(runes) && isClosing(runes[next]) {
		next++
	}
	if next < len(runes) && !unicode.IsSpace(runes[next]) {
		return false
	}
	return true
}

func isClosing(r rune) bool {
	switch r {
	case '"', '\'', ')', ']', '}':
		return true
	}
	return false
}
