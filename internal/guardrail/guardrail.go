// Package guardrail validates generated responses before they stand as the
// assistant's words. Checks run in a fixed order and each may short-circuit
// to a safe templated reply; transforms that merely clean the text let
// validation continue.
package guardrail

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/santralab/santral/internal/intent"
	"github.com/santralab/santral/internal/retrieval"
)

const (
	// minGroundingRatio is the fraction of a response's meaningful words
	// that must also occur in the retrieval contexts. Below it the response
	// is treated as likely hallucination.
	minGroundingRatio = 0.15

	// groundingMinWords is the response size at which the ratio check
	// applies. Shorter replies carry too few words to measure.
	groundingMinWords = 5

	// truncateSearchFraction bounds how far back from the length limit a
	// sentence boundary may be used as the cut point.
	truncateSearchFraction = 0.5
)

// Policy is the per-tenant validation contract.
type Policy struct {
	ForbiddenTopics   []string `yaml:"forbidden_topics" json:"forbidden_topics"`
	CompetitorNames   []string `yaml:"competitor_names" json:"competitor_names"`
	AllowPriceQuotes  bool     `yaml:"allow_price_quotes" json:"allow_price_quotes"`
	MaxResponseLength int      `yaml:"max_response_length" json:"max_response_length"`
}

// Result is the validation outcome. Violations accumulate even when the
// text is approved so that clean-but-flagged responses stay observable.
type Result struct {
	Approved   bool     `json:"approved"`
	Sanitized  string   `json:"sanitized"`
	Violations []string `json:"violations"`
	Confidence float64  `json:"confidence"`
}

// Validate runs the full check sequence over a candidate response.
func Validate(text string, contexts []retrieval.Context, policy Policy, lang string) Result {
	var violations []string

	best := bestScore(contexts)

	// 1. The grounding gate holds here too: a low-confidence context set
	// must never be spoken from, whichever caller let it through.
	if len(contexts) == 0 || best < retrieval.MinSimilarity {
		violations = append(violations,
			fmt.Sprintf("RAG confidence %.2f below %.2f threshold", best, retrieval.MinSimilarity))
		return Result{
			Approved:   false,
			Sanitized:  uncertainReply(lang),
			Violations: violations,
			Confidence: best,
		}
	}

	// 2. Identity phrases are stripped, never fatal.
	sanitized, changed := stripIdentity(text, lang)
	if changed {
		violations = append(violations, "ai identity phrase removed")
	}

	// 3. Competitor names become a neutral placeholder.
	sanitized, changed = redactCompetitors(sanitized, policy.CompetitorNames, lang)
	if changed {
		violations = append(violations, "competitor name redacted")
	}

	// 4. Forbidden topics reject outright.
	if topic := matchForbiddenTopic(sanitized, policy.ForbiddenTopics); topic != "" {
		violations = append(violations, "forbidden topic: "+topic)
		return Result{
			Approved:   false,
			Sanitized:  uncertainReply(lang),
			Violations: violations,
			Confidence: best,
		}
	}

	// 5. Price or contract commitments must be backed verbatim by the
	// contexts unless the tenant allows free quoting.
	if !policy.AllowPriceQuotes {
		if unverified := unverifiedCommitments(sanitized, contextTexts(contexts), lang); len(unverified) > 0 {
			violations = append(violations,
				"unauthorized commitment: "+strings.Join(unverified, ", "))
			return Result{
				Approved:   false,
				Sanitized:  specialistReply(lang),
				Violations: violations,
				Confidence: best,
			}
		}
	}

	// 6. Length cap, preferring a sentence boundary.
	sanitized, changed = truncateAtSentence(sanitized, policy.MaxResponseLength)
	if changed {
		violations = append(violations,
			fmt.Sprintf("response truncated to %d chars", policy.MaxResponseLength))
	}

	// 7. Topic-drift check over meaningful words.
	words := meaningfulWords(sanitized, lang)
	if len(words) > groundingMinWords {
		ratio := groundingRatio(words, contexts, lang)
		if ratio < minGroundingRatio {
			violations = append(violations,
				fmt.Sprintf("grounding ratio %.2f below %.2f", ratio, minGroundingRatio))
			return Result{
				Approved:   false,
				Sanitized:  uncertainReply(lang),
				Violations: violations,
				Confidence: best,
			}
		}
	}

	return Result{
		Approved:   true,
		Sanitized:  sanitized,
		Violations: violations,
		Confidence: best,
	}
}

// ScreenSegment runs the cheap transform checks over one speech segment
// before it reaches synthesis. It cannot measure grounding, so rejections
// here are limited to forbidden topics; ok=false means the caller must
// replace the whole turn with the uncertainty reply.
func ScreenSegment(segment string, policy Policy, lang string) (sanitized string, violations []string, ok bool) {
	sanitized, changed := stripIdentity(segment, lang)
	if changed {
		violations = append(violations, "ai identity phrase removed")
	}
	sanitized, changed = redactCompetitors(sanitized, policy.CompetitorNames, lang)
	if changed {
		violations = append(violations, "competitor name redacted")
	}
	if topic := matchForbiddenTopic(sanitized, policy.ForbiddenTopics); topic != "" {
		violations = append(violations, "forbidden topic: "+topic)
		return uncertainReply(lang), violations, false
	}
	return sanitized, violations, true
}

// UncertainReply exposes the templated fallback for callers that must answer
// without any validated text, such as the grounding-gate failure path.
func UncertainReply(lang string) string { return uncertainReply(lang) }

func bestScore(contexts []retrieval.Context) float64 {
	best := 0.0
	for _, c := range contexts {
		if c.Score > best {
			best = c.Score
		}
	}
	return best
}

func contextTexts(contexts []retrieval.Context) []string {
	texts := make([]string, len(contexts))
	for i, c := range contexts {
		texts[i] = c.Text
	}
	return texts
}

func matchForbiddenTopic(text string, topics []string) string {
	normalized := " " + intent.Normalize(text) + " "
	for _, topic := range topics {
		t := intent.Normalize(topic)
		if t == "" {
			continue
		}
		if strings.Contains(normalized, t) {
			return topic
		}
	}
	return ""
}

func truncateAtSentence(text string, max int) (string, bool) {
	if max <= 0 {
		return text, false
	}
	runes := []rune(text)
	if len(runes) <= max {
		return text, false
	}
	cut := runes[:max]
	floor := int(float64(max) * truncateSearchFraction)
	boundary := -1
	for i, r := range cut {
		if i < floor {
			continue
		}
		if r == '.' || r == '!' || r == '?' {
			boundary = i
		}
	}
	if boundary >= 0 {
		return strings.TrimSpace(string(cut[:boundary+1])), true
	}
	return strings.TrimSpace(string(cut)), true
}

// meaningfulWords are the normalized tokens of three or more runes that are
// not stop-words, the unit the drift check compares in.
func meaningfulWords(text, lang string) []string {
	var words []string
	for _, tok := range strings.Fields(intent.Normalize(text)) {
		if utf8.RuneCountInString(tok) < 3 || intent.IsStopWord(tok, lang) {
			continue
		}
		words = append(words, tok)
	}
	return words
}

func groundingRatio(responseWords []string, contexts []retrieval.Context, lang string) float64 {
	if len(responseWords) == 0 {
		return 0
	}
	known := make(map[string]bool)
	for _, c := range contexts {
		for _, w := range meaningfulWords(c.Text, lang) {
			known[w] = true
		}
	}
	matched := 0
	for _, w := range responseWords {
		if known[w] {
			matched++
		}
	}
	return float64(matched) / float64(len(responseWords))
}
