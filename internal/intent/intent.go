// Package intent provides deterministic, keyword-based intent detection for
// caller utterances. Detection is pure computation over fixed per-language
// rule tables so it can run synchronously on partial transcripts without
// blocking audio ingestion.
package intent

import (
	"strings"
	"unicode"
)

// Category is a fixed intent label.
type Category string

const (
	CategoryAppointment  Category = "appointment"
	CategoryComplaint    Category = "complaint"
	CategoryPricing      Category = "pricing"
	CategoryInfo         Category = "info"
	CategoryCancellation Category = "cancellation"
	CategoryGreeting     Category = "greeting"
	CategoryFarewell     Category = "farewell"
	CategoryEscalation   Category = "escalation"
	CategoryThanks       Category = "thanks"
	CategoryUnknown      Category = "unknown"
)

// Confidence is the tier assigned to a detection.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

const (
	phraseScore = 3
	rootScore   = 2

	highThreshold   = 3
	mediumThreshold = 2

	minTokensForIntent = 2
	minTokenLen        = 2
)

// Result is the outcome of one detection. It is a value object recomputed
// per utterance and never shared between sessions.
type Result struct {
	Category        Category
	Confidence      Confidence
	MatchedKeywords []string
	Language        string
}

// shortcutSet lists the intents that may bypass retrieval and generation
// entirely when detected with high confidence.
var shortcutSet = map[Category]bool{
	CategoryGreeting:   true,
	CategoryFarewell:   true,
	CategoryThanks:     true,
	CategoryEscalation: true,
}

// DetectFast classifies an utterance. Scoring: each exact phrase found as a
// substring of the normalized text adds 3, each word root found as a token
// prefix adds 2, summed per intent across all of its rules. The highest
// positive total wins; equal totals resolve to the intent declared first in
// the language's rule table. Confidence is high at score >= 3, medium at
// >= 2, otherwise low.
func DetectFast(text string) Result {
	lang := DetectLanguage(text)
	norm := Normalize(text)
	if norm == "" {
		return Result{Category: CategoryUnknown, Confidence: ConfidenceLow, Language: lang}
	}
	tokens := strings.Fields(norm)

	type tally struct {
		score   int
		order   int
		matched []string
	}
	totals := make(map[Category]*tally)

	for i, rule := range rulesForLanguage(lang) {
		t := totals[rule.intent]
		if t == nil {
			t = &tally{order: i}
			totals[rule.intent] = t
		}
		for _, phrase := range rule.phrases {
			if strings.Contains(norm, phrase) {
				t.score += phraseScore
				t.matched = append(t.matched, phrase)
			}
		}
		for _, root := range rule.roots {
			if tokenHasRoot(tokens, root) {
				t.score += rootScore
				t.matched = append(t.matched, root)
			}
		}
	}

	best := Result{Category: CategoryUnknown, Confidence: ConfidenceLow, Language: lang}
	bestScore := 0
	bestOrder := int(^uint(0) >> 1)
	for cat, t := range totals {
		if t.score == 0 {
			continue
		}
		if t.score > bestScore || (t.score == bestScore && t.order < bestOrder) {
			bestScore = t.score
			bestOrder = t.order
			best.Category = cat
			best.MatchedKeywords = t.matched
		}
	}
	if bestScore == 0 {
		return best
	}

	switch {
	case bestScore >= highThreshold:
		best.Confidence = ConfidenceHigh
	case bestScore >= mediumThreshold:
		best.Confidence = ConfidenceMedium
	default:
		best.Confidence = ConfidenceLow
	}
	return best
}

// HasEnoughTokens reports whether a partial transcript carries enough signal
// for early classification: at least two tokens of at least two characters.
func HasEnoughTokens(text string) bool {
	count := 0
	for _, tok := range strings.Fields(Normalize(text)) {
		if len([]rune(tok)) >= minTokenLen {
			count++
			if count >= minTokensForIntent {
				return true
			}
		}
	}
	return false
}

// ShouldShortcut reports whether the detection allows the canned-response
// path: high confidence and an intent in the shortcut set.
func ShouldShortcut(r Result) bool {
	return r.Confidence == ConfidenceHigh && shortcutSet[r.Category]
}

// DetectLanguage picks the rule table for an utterance from diacritics and
// common stop-words. Turkish evidence wins over English evidence; with no
// evidence at all the Turkish table is used, matching the deployment's
// primary audience.
func DetectLanguage(text string) string {
	for _, r := range text {
		if strings.ContainsRune("çğışöüÇĞİŞÖÜ", r) {
			return "tr"
		}
	}

	trHits, enHits := 0, 0
	for _, tok := range strings.Fields(Normalize(text)) {
		if turkishStopWords[tok] {
			trHits++
		}
		if englishStopWords[tok] {
			enHits++
		}
	}
	if trHits > 0 && trHits >= enHits {
		return "tr"
	}
	if enHits > 0 {
		return "en"
	}
	return "tr"
}

// IsStopWord reports whether a normalized token is a function word in the
// given language. Callers use it to strip filler before comparing texts.
func IsStopWord(word, lang string) bool {
	if lang == "en" {
		return englishStopWords[word]
	}
	return turkishStopWords[word]
}

func rulesForLanguage(lang string) []rule {
	if r, ok := ruleTables[lang]; ok {
		return r
	}
	return ruleTables["tr"]
}

func tokenHasRoot(tokens []string, root string) bool {
	for _, tok := range tokens {
		if strings.HasPrefix(tok, root) {
			return true
		}
	}
	return false
}

// turkishCaseFolder maps the Turkish-specific uppercase letters before the
// generic lowercase pass so İ folds to a plain dotted i.
var turkishCaseFolder = strings.NewReplacer(
	"İ", "i",
	"Ç", "ç",
	"Ğ", "ğ",
	"Ş", "ş",
	"Ö", "ö",
	"Ü", "ü",
)

// Normalize lowercases, drops punctuation and symbols while keeping letters
// of any alphabet, and collapses runs of whitespace. Rule matching and
// response-cache keys share this form so equivalent utterances collide.
func Normalize(raw string) string {
	lowered := strings.ToLower(turkishCaseFolder.Replace(raw))

	var b strings.Builder
	b.Grow(len(lowered))
	prevSpace := true
	for _, r := range lowered {
		switch {
		case unicode.IsLetter(r) || unicode.IsNumber(r):
			b.WriteRune(r)
			prevSpace = false
		default:
			if !prevSpace {
				b.WriteByte(' ')
				prevSpace = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}
