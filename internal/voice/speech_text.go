package voice

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	spokenURLPattern        = regexp.MustCompile(`https?://\S+`)
	spokenInlineCodePattern = regexp.MustCompile("`[^`]*`")
	spokenMarkdownLink      = regexp.MustCompile(`\[(.*?)\]\((.*?)\)`)
	spokenHeadingPrefix     = regexp.MustCompile(`(?m)^#{1,6}\s+`)
)

// sanitizeForSpeech strips markup and symbol noise so synthesized speech
// sounds like a person talking, not a document being read. Letters of any
// alphabet survive, so Turkish text passes through untouched.
func sanitizeForSpeech(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	raw = spokenInlineCodePattern.ReplaceAllString(raw, " ")
	raw = spokenMarkdownLink.ReplaceAllString(raw, "$1")
	raw = spokenURLPattern.ReplaceAllString(raw, " ")
	raw = spokenHeadingPrefix.ReplaceAllString(raw, "")

	raw = strings.NewReplacer(
		"*", " ",
		"_", " ",
		"\\", " ",
		"|", " ",
		"#", " ",
		"~", " ",
		"<", " ",
		">", " ",
	).Replace(raw)

	var b strings.Builder
	b.Grow(len(raw))
	prevSpace := true
	for _, r := range raw {
		switch {
		case r == '‍' || r == '️' || r == '⃣':
			continue
		case unicode.IsSpace(r):
			if !prevSpace {
				b.WriteByte(' ')
				prevSpace = true
			}
		case unicode.IsControl(r):
			continue
		case unicode.In(r, unicode.So, unicode.Sk):
			// Emoji and decorative symbols sound wrong when spoken.
			continue
		case isSpokenPunctuation(r):
			b.WriteRune(r)
			prevSpace = false
		case unicode.IsPunct(r) || unicode.In(r, unicode.Sm):
			if !prevSpace {
				b.WriteByte(' ')
				prevSpace = true
			}
		default:
			b.WriteRune(r)
			prevSpace = false
		}
	}
	return strings.TrimSpace(b.String())
}

func isSpokenPunctuation(r rune) bool {
	switch r {
	case '.', ',', '!', '?', ':', ';', '\'', '"', '-', '(', ')', '%':
		return true
	}
	return false
}

// speechCleaner sanitizes a token stream incrementally. Code fences can open
// in one delta and close several deltas later, so the fence state has to
// survive across calls; a trailing unpaired backtick run is carried into the
// next delta rather than spoken.
type speechCleaner struct {
	carry   string
	inFence bool
}

func newSpeechCleaner() *speechCleaner {
	return &speechCleaner{}
}

func (c *speechCleaner) SanitizeDelta(delta string) string {
	if delta == "" && c.carry == "" {
		return ""
	}
	text := c.carry + delta
	c.carry = ""

	// Hold back a trailing backtick run; it may be the start of a fence.
	trimmed := strings.TrimRight(text, "`")
	if ticks := len(text) - len(trimmed); ticks > 0 && ticks < 3 {
		c.carry = text[len(trimmed):]
		text = trimmed
	}

	var out strings.Builder
	for text != "" {
		if c.inFence {
			close := strings.Index(text, "```")
			if close < 0 {
				return edgePreservingSanitize(out.String())
			}
			text = text[close+3:]
			c.inFence = false
			continue
		}
		open := strings.Index(text, "```")
		if open < 0 {
			out.WriteString(text)
			break
		}
		out.WriteString(text[:open])
		text = text[open+3:]
		c.inFence = true
	}
	return edgePreservingSanitize(out.String())
}

// edgePreservingSanitize keeps the delta's own word boundaries: sanitize
// collapses and trims whitespace, but a token stream splits words across
// deltas, so the leading and trailing whitespace of each delta has to
// survive or adjacent tokens glue together.
func edgePreservingSanitize(source string) string {
	cleaned := sanitizeForSpeech(source)
	lead := source != "" && unicode.IsSpace(rune(source[0]))
	trail := source != "" && unicode.IsSpace(rune(source[len(source)-1]))
	if cleaned == "" {
		if lead || trail {
			return " "
		}
		return ""
	}
	if lead {
		cleaned = " " + cleaned
	}
	if trail {
		cleaned += " "
	}
	return cleaned
}

// Finalize flushes anything still held back, treating an unclosed fence as
// abandoned markup.
func (c *speechCleaner) Finalize() string {
	rest := c.carry
	c.carry = ""
	c.inFence = false
	return sanitizeForSpeech(strings.Trim(rest, "`"))
}

// spacedSpeech pads non-empty output with a trailing space so consecutive
// deltas never glue two words together after markup removal.
func spacedSpeech(s string) string {
	if s == "" {
		return ""
	}
	return s + " "
}
