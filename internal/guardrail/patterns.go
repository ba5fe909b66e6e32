package guardrail

import (
	"regexp"
	"strings"
)

// Identity phrases are removed, not rejected: the caller keeps the rest of
// the sentence. Patterns swallow the clause through its sentence boundary.
var identityPatterns = map[string][]*regexp.Regexp{
	"tr": {
		regexp.MustCompile(`(?i)ben bir (yapay zek[aâ]|robot|bot|sanal asistan|dijital asistan|dil modeli)[^.!?]*[.!?]?\s*`),
		regexp.MustCompile(`(?i)yapay zek[aâ] (asistan[ıi]|olarak)[^.!?]*[.!?]?\s*`),
		regexp.MustCompile(`(?i)bir (dil modeli|chatbot)(yim|y[ıi]m)?[^.!?]*[.!?]?\s*`),
	},
	"en": {
		regexp.MustCompile(`(?i)as an? (ai|artificial intelligence|language model|virtual assistant|chatbot)[,]?\s*`),
		regexp.MustCompile(`(?i)i(['’]m| am) (an? )?(ai|artificial intelligence|language model|virtual assistant|chatbot|bot)[^.!?]*[.!?]?\s*`),
		regexp.MustCompile(`(?i)i don['’]t have (feelings|a body|personal opinions)[^.!?]*[.!?]?\s*`),
	},
}

var pricePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\d[\d.,]*\s*(?:tl|try|₺|lira|liras[ıi]|dolar|usd|\$|euro|eur|€)`),
	regexp.MustCompile(`(?i)(?:%\s*\d+|\d+\s*%)`),
}

var commitmentPatterns = map[string][]*regexp.Regexp{
	"tr": {
		regexp.MustCompile(`(?i)s[öo]zle[şs]me`),
		regexp.MustCompile(`(?i)taahh[üu]t`),
		regexp.MustCompile(`(?i)garanti (ediyoruz|ederiz|ediyorum)`),
		regexp.MustCompile(`(?i)s[öo]z veriyor(um|uz)`),
	},
	"en": {
		regexp.MustCompile(`(?i)\bcontract\b`),
		regexp.MustCompile(`(?i)\bwe guarantee\b`),
		regexp.MustCompile(`(?i)\bi promise\b`),
		regexp.MustCompile(`(?i)\bbinding offer\b`),
	},
}

var multiSpace = regexp.MustCompile(`\s{2,}`)

var uncertainReplies = map[string]string{
	"tr": "Bu konuda şu an net bilgi veremiyorum, sizin için hemen kontrol edip dönüş yapacağız.",
	"en": "I'm not certain about that right now, let me check and we'll get back to you shortly.",
}

var specialistReplies = map[string]string{
	"tr": "Fiyat ve sözleşme detayları için sizi bir uzmanımıza aktarıyorum, kısa bir süre bekleyebilir misiniz?",
	"en": "For pricing and contract details I'm connecting you to one of our specialists, one moment please.",
}

var competitorPlaceholders = map[string]string{
	"tr": "başka bir firma",
	"en": "another provider",
}

func uncertainReply(lang string) string {
	if r, ok := uncertainReplies[lang]; ok {
		return r
	}
	return uncertainReplies["tr"]
}

func specialistReply(lang string) string {
	if r, ok := specialistReplies[lang]; ok {
		return r
	}
	return specialistReplies["tr"]
}

// stripIdentity removes AI-identity clauses and reports whether anything
// was removed.
func stripIdentity(text, lang string) (string, bool) {
	patterns, ok := identityPatterns[lang]
	if !ok {
		patterns = identityPatterns["tr"]
	}
	out := text
	for _, p := range patterns {
		out = p.ReplaceAllString(out, "")
	}
	if out == text {
		return text, false
	}
	return tidyWhitespace(out), true
}

// redactCompetitors replaces configured competitor names with a neutral
// placeholder and reports whether anything was replaced.
func redactCompetitors(text string, names []string, lang string) (string, bool) {
	placeholder := competitorPlaceholders["tr"]
	if p, ok := competitorPlaceholders[lang]; ok {
		placeholder = p
	}
	out := text
	changed := false
	for _, name := range names {
		if name == "" {
			continue
		}
		p, err := regexp.Compile(`(?i)` + regexp.QuoteMeta(name))
		if err != nil {
			continue
		}
		if p.MatchString(out) {
			out = p.ReplaceAllString(out, placeholder)
			changed = true
		}
	}
	if !changed {
		return text, false
	}
	return tidyWhitespace(out), true
}

// unverifiedCommitments returns price or contract fragments of the response
// that do not appear verbatim in the supplied context texts.
func unverifiedCommitments(text string, contextTexts []string, lang string) []string {
	patterns := append([]*regexp.Regexp{}, pricePatterns...)
	if extra, ok := commitmentPatterns[lang]; ok {
		patterns = append(patterns, extra...)
	} else {
		patterns = append(patterns, commitmentPatterns["tr"]...)
	}

	blob := strings.ToLower(strings.Join(contextTexts, "\n"))
	var unverified []string
	for _, p := range patterns {
		for _, m := range p.FindAllString(text, -1) {
			if !strings.Contains(blob, strings.ToLower(m)) {
				unverified = append(unverified, m)
			}
		}
	}
	return unverified
}

func tidyWhitespace(s string) string {
	return strings.TrimSpace(multiSpace.ReplaceAllString(s, " "))
}
