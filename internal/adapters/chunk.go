package adapters

import (
	"strings"
	"unicode/utf8"
)

// SplitMessage splits content into chunks of at most limit bytes, cutting at
// the latest natural boundary within [limit/2, limit]: newline first, then
// sentence end (". "), then space, then a hard cut. Whitespace at split
// points is trimmed; concatenating the chunks reproduces the content modulo
// that trimming.
func SplitMessage(content string, limit int) []string {
	if limit <= 0 || len(content) <= limit {
		return []string{content}
	}

	var chunks []string
	for len(content) > limit {
		cut := splitPoint(content, limit)
		chunk := strings.TrimRight(content[:cut], " \n")
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		content = strings.TrimLeft(content[cut:], " \n")
	}
	if content != "" {
		chunks = append(chunks, content)
	}
	return chunks
}

// splitPoint finds the byte offset to cut at, preferring natural boundaries
// in the back half of the window.
func splitPoint(content string, limit int) int {
	window := content[:limit]
	floor := limit / 2

	if idx := strings.LastIndexByte(window, '\n'); idx >= floor {
		return idx + 1
	}
	if idx := strings.LastIndex(window, ". "); idx >= floor {
		return idx + 2
	}
	if idx := strings.LastIndexByte(window, ' '); idx >= floor {
		return idx + 1
	}

	// Hard cut; back up to a rune boundary so no chunk carries a torn rune.
	cut := limit
	for cut > 0 && !utf8.RuneStart(content[cut]) {
		cut--
	}
	if cut == 0 {
		cut = limit
	}
	return cut
}
