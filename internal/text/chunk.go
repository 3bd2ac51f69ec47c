package text

import (
	"strings"
)

// ChunkBySentence groups whole sentences into chunks of at most maxChars
// bytes. A sentence longer than maxChars becomes a chunk of its own.
// maxChars <= 0 returns text unchanged as a single chunk.
func ChunkBySentence(text string, maxChars int) []string {
	parts := sentences(text)
	if maxChars <= 0 || len(parts) <= 1 {
		return []string{text}
	}

	chunks := []string{parts[0]}
	for _, s := range parts[1:] {
		last := &chunks[len(chunks)-1]
		if len(*last)+1+len(s) <= maxChars {
			*last += " " + s
		} else {
			chunks = append(chunks, s)
		}
	}

	return chunks
}

// sentences cuts text after each '.', '!' or '?', trimming whitespace and
// dropping empty pieces.
func sentences(text string) []string {
	var out []string

	for text != "" {
		cut := strings.IndexAny(text, ".!?") + 1
		if cut == 0 {
			cut = len(text)
		}

		if s := strings.TrimSpace(text[:cut]); s != "" {
			out = append(out, s)
		}

		text = text[cut:]
	}

	return out
}
