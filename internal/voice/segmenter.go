package voice

import "strings"

// sentenceSegmenter buffers sanitized generation output and releases it to
// synthesis in prosodically sensible pieces. The first segment flushes early
// so speech starts before the model finishes; later segments wait for fuller
// clauses. Boundaries are searched on bytes: every cut rune is ASCII, so a
// multi-byte Turkish character can never be split.
type sentenceSegmenter struct {
	buffer  string
	emitted bool
}

const (
	segmentFirstFlushMin = 24
	segmentNextFlushMin  = 48
	segmentCutWindow     = 48
)

func newSentenceSegmenter() *sentenceSegmenter {
	return &sentenceSegmenter{}
}

// Push appends a delta and returns any segments that became ready.
func (g *sentenceSegmenter) Push(delta string) []string {
	if strings.TrimSpace(delta) == "" {
		return nil
	}
	g.buffer += delta
	return g.drain(false)
}

// Finalize flushes whatever remains, boundary or not.
func (g *sentenceSegmenter) Finalize() []string {
	return g.drain(true)
}

func (g *sentenceSegmenter) drain(force bool) []string {
	var out []string
	for {
		min := segmentNextFlushMin
		if !g.emitted {
			min = segmentFirstFlushMin
		}
		segment, rest, ok := cutSegment(g.buffer, min, force)
		if !ok {
			break
		}
		g.buffer = rest
		segment = strings.TrimSpace(strings.Join(strings.Fields(segment), " "))
		if segment == "" {
			continue
		}
		g.emitted = true
		out = append(out, segment)
	}
	return out
}

func cutSegment(input string, min int, force bool) (segment, rest string, ok bool) {
	if input == "" {
		return "", "", false
	}
	if force {
		return input, "", true
	}
	if len(input) < min {
		return "", input, false
	}

	if idx := indexAfter(input, min, sentencePunct); idx >= 0 {
		return input[:idx+1], input[idx+1:], true
	}
	if idx := indexAfter(input, min, clausePunct); idx >= 0 {
		return input[:idx+1], input[idx+1:], true
	}

	// No punctuation in sight: cut at the next whitespace inside the window
	// so a long clause still flushes instead of starving the synthesizer.
	limit := min + segmentCutWindow
	if limit > len(input) {
		return "", input, false
	}
	for i := min; i < limit; i++ {
		switch input[i] {
		case ' ', '\t', '\n':
			return input[:i], input[i:], true
		}
	}
	return input[:limit], input[limit:], true
}

func sentencePunct(b byte) bool {
	switch b {
	case '.', '!', '?', '\n':
		return true
	}
	return false
}

func clausePunct(b byte) bool {
	switch b {
	case ',', ';', ':':
		return true
	}
	return false
}

func indexAfter(input string, min int, match func(byte) bool) int {
	for i := min - 1; i < len(input); i++ {
		if match(input[i]) {
			return i
		}
	}
	return -1
}
