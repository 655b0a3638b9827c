package entities

import (
	"regexp"
	"strings"
	"unicode"
)

// Weighted sentiment lexicons. Family scores take the strongest term plus a
// small bonus per additional hit, capped at 1.

var urgencyWeights = map[string]float64{
	"as soon as possible": 1.0, "asap": 1.0, "emergency": 1.0,
	"immediately": 0.9, "urgent": 0.9, "urgently": 0.9, "need it now": 0.9,
	"right away": 0.85, "right now": 0.8, "time sensitive": 0.8,
	"hurry": 0.7, "quickly": 0.6, "today": 0.45, "soon": 0.4,
}

var frustrationWeights = map[string]float64{
	"furious": 1.0, "outraged": 1.0, "livid": 1.0,
	"unacceptable": 0.9, "horrible": 0.9, "angry": 0.9, "scam": 0.9,
	"terrible": 0.85, "awful": 0.85, "fed up": 0.85, "disgusted": 0.85,
	"worst": 0.8, "ridiculous": 0.8, "frustrated": 0.8, "frustrating": 0.8,
	"never again": 0.8, "waste of money": 0.8, "sick of": 0.75,
	"disappointed": 0.7, "disappointing": 0.7, "upset": 0.7, "annoyed": 0.6,
}

// negationWeights cover negated positives, which read as frustration.
var negationWeights = map[string]float64{
	"not acceptable": 0.85, "not good enough": 0.75, "not satisfied": 0.75,
	"not happy": 0.7, "not okay": 0.7, "not ok": 0.7, "not impressed": 0.65,
	"no help": 0.6,
}

var positiveWeights = map[string]float64{
	"love": 0.7, "awesome": 0.7, "perfect": 0.7, "excellent": 0.7,
	"amazing": 0.7, "wonderful": 0.7, "thank you": 0.6, "great": 0.6,
	"happy with": 0.6, "appreciate": 0.6, "thanks": 0.5,
}

// calmTerms damp urgency when the customer explicitly signals no rush.
var calmTerms = []string{"no rush", "no hurry", "whenever you can", "not urgent", "take your time"}

var (
	urgencyRegex     = weightsRegex(urgencyWeights)
	frustrationRegex = weightsRegex(frustrationWeights)
	negationRegex    = weightsRegex(negationWeights)
	positiveRegex    = weightsRegex(positiveWeights)
	calmRegex        = compileTerms(calmTerms)
)

func weightsRegex(weights map[string]float64) *regexp.Regexp {
	keys := make([]string, 0, len(weights))
	for term := range weights {
		keys = append(keys, term)
	}
	return compileTerms(keys)
}

// scoreSentiment derives the message-level scores. Sentiment lands in
// [-1, 1], urgency and frustration in [0, 1]. Signals name every lexicon hit
// for the reasoning trace.
func scoreSentiment(text string) (sentiment, urgency, frustration float64, signals []string) {
	lower := strings.ToLower(text)

	urgency, urgencySignals := scoreFamily(lower, urgencyRegex, urgencyWeights, "urgency")
	signals = append(signals, urgencySignals...)
	if calmRegex.MatchString(lower) {
		urgency *= 0.25
		signals = append(signals, "urgency:damped")
	}

	frustration, frustSignals := scoreFamily(lower, frustrationRegex, frustrationWeights, "frustration")
	signals = append(signals, frustSignals...)
	negScore, negSignals := scoreFamily(lower, negationRegex, negationWeights, "negation")
	signals = append(signals, negSignals...)
	if negScore > frustration {
		frustration = negScore
	}

	if strings.Count(text, "!") >= 2 {
		frustration += 0.1
		signals = append(signals, "emphasis:exclamation")
	}
	if capsWords(text) >= 2 {
		frustration += 0.15
		signals = append(signals, "emphasis:caps")
	}
	frustration = clamp01(frustration)

	positive, posSignals := scoreFamily(lower, positiveRegex, positiveWeights, "positive")
	signals = append(signals, posSignals...)

	sentiment = positive - frustration
	if sentiment > 1 {
		sentiment = 1
	}
	if sentiment < -1 {
		sentiment = -1
	}
	return sentiment, urgency, frustration, signals
}

func scoreFamily(lower string, re *regexp.Regexp, weights map[string]float64, label string) (float64, []string) {
	hits := re.FindAllString(lower, -1)
	if len(hits) == 0 {
		return 0, nil
	}
	score := 0.0
	signals := make([]string, 0, len(hits))
	for _, h := range hits {
		term := normSpace(h)
		if w := weights[term]; w > score {
			score = w
		}
		signals = append(signals, label+":"+term)
	}
	score += 0.1 * float64(len(hits)-1)
	return clamp01(score), signals
}

// capsWords counts shouted words: three or more letters, all uppercase.
// Tokens with digits (order ids, tracking codes) do not count.
func capsWords(text string) int {
	n := 0
	for _, tok := range strings.Fields(text) {
		letters := 0
		upper := true
		for _, r := range tok {
			if unicode.IsDigit(r) {
				upper = false
				break
			}
			if unicode.IsLetter(r) {
				letters++
				if !unicode.IsUpper(r) {
					upper = false
					break
				}
			}
		}
		if upper && letters >= 3 {
			n++
		}
	}
	return n
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
