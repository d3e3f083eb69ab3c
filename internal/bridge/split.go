// internal/bridge/split.go
package bridge

import (
	"strings"
	"unicode/utf8"
)

// SplitMessage breaks text into chunks no longer than limit. Cut points are
// chosen at the last paragraph break within range, then the last newline,
// then the last space, then a hard cut. Leading and trailing separator
// whitespace is dropped from the resulting chunks.
func SplitMessage(text string, limit int) []string {
	if limit <= 0 || len(text) <= limit {
		return []string{text}
	}

	var chunks []string
	for len(text) > limit {
		window := text[:limit]
		cut, skip := splitPoint(window)
		if chunk := strings.TrimRight(window[:cut], "\n "); chunk != "" {
			chunks = append(chunks, chunk)
		}
		text = strings.TrimLeft(text[cut+skip:], "\n")
	}
	if chunk := strings.TrimRight(text, "\n "); chunk != "" {
		chunks = append(chunks, chunk)
	}
	return chunks
}

// splitPoint returns the cut offset within window and the number of
// separator bytes to skip after it. A hard cut never lands inside a
// multi-byte rune.
func splitPoint(window string) (cut, skip int) {
	if i := strings.LastIndex(window, "\n\n"); i > 0 {
		return i, 2
	}
	if i := strings.LastIndex(window, "\n"); i > 0 {
		return i, 1
	}
	if i := strings.LastIndex(window, " "); i > 0 {
		return i, 1
	}
	cut = len(window)
	for i := 0; i < utf8.UTFMax-1 && cut > 0; i++ {
		r, size := utf8.DecodeLastRuneInString(window[:cut])
		if r != utf8.RuneError || size != 1 {
			break
		}
		cut--
	}
	if cut == 0 {
		cut = len(window)
	}
	return cut, 0
}
