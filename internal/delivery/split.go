package delivery

import (
	"regexp"
	"strings"
)

var (
	paragraphPattern = regexp.MustCompile(`\n\n+`)
	bulletPattern    = regexp.MustCompile(`^[•\-\*]`)
	sentencePattern  = regexp.MustCompile(`[^.!?\n]+[.!?]?`)
)

// splitText breaks a reply into human-sized text messages.
// Blank-line paragraphs win; quotes and prices always go out as one block to
// keep numeric formatting intact; otherwise a bullet-list heuristic keeps each
// list attached to its introducing line. Falls back to the whole text.
func splitText(message string, isQuoteOrPrice bool) []string {
	if isQuoteOrPrice {
		return []string{message}
	}
	paragraphs := splitParagraphs(message)
	if len(paragraphs) > 1 {
		return paragraphs
	}

	lines := strings.Split(message, "\n")
	var chunks []string
	var current strings.Builder

	closeChunk := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			chunks = append(chunks, s)
		}
		current.Reset()
	}

	for i := 0; i < len(lines); i++ {
		line := lines[i]
		next := ""
		if i+1 < len(lines) {
			next = lines[i+1]
		}

		// A line ending in ":" followed by bullets starts a list chunk that
		// keeps the intro and its bullets together.
		if strings.HasSuffix(strings.TrimSpace(line), ":") && bulletPattern.MatchString(strings.TrimSpace(next)) {
			closeChunk()
			current.WriteString(line)
			for i+1 < len(lines) && bulletPattern.MatchString(strings.TrimSpace(lines[i+1])) {
				i++
				current.WriteString("\n")
				current.WriteString(lines[i])
			}
			closeChunk()
			continue
		}

		if current.Len() > 0 {
			current.WriteString("\n")
		}
		current.WriteString(line)
	}
	closeChunk()

	if len(chunks) <= 1 {
		return []string{message}
	}
	return chunks
}

// splitVoice breaks a reply into voice-note segments: paragraphs first, then
// sentence-bounded pieces capped at maxChars. At most maxSegments notes go
// out per reply — any excess is collapsed into the final segment.
func splitVoice(message string, maxChars, maxSegments int) []string {
	blocks := splitParagraphs(message)
	if len(blocks) == 0 {
		blocks = []string{message}
	}

	var chunks []string
	for _, block := range blocks {
		sentences := sentencePattern.FindAllString(block, -1)
		if sentences == nil {
			sentences = []string{block}
		}
		current := ""
		for _, s := range sentences {
			candidate := strings.TrimSpace(current + " " + s)
			if len(candidate) > maxChars && current != "" {
				chunks = append(chunks, strings.TrimSpace(current))
				current = strings.TrimSpace(s)
			} else {
				current = candidate
			}
		}
		if strings.TrimSpace(current) != "" {
			chunks = append(chunks, strings.TrimSpace(current))
		}
	}

	if len(chunks) == 0 {
		return []string{message}
	}
	if len(chunks) > maxSegments {
		head := chunks[:maxSegments-1]
		tail := strings.Join(chunks[maxSegments-1:], " ")
		return append(head, tail)
	}
	return chunks
}

func splitParagraphs(message string) []string {
	parts := paragraphPattern.Split(message, -1)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
