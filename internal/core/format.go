package core

import (
	"strings"
	"unicode/utf8"
)

const (
	// Chat transports bound message size both ways; stay under both.
	maxChunkChars = 4000
	maxChunkBytes = 4096

	maxLineLength = 120
)

// normalizeNewlines folds CRLF and bare CR into LF.
func normalizeNewlines(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.ReplaceAll(text, "\r", "\n")
}

// wrapLongLines hard-wraps lines longer than width. Terminal captures can
// contain single lines far past any transport's limit.
func wrapLongLines(text string, width int) string {
	if width <= 0 {
		return text
	}
	lines := strings.Split(text, "\n")
	var out []string
	for _, line := range lines {
		for utf8.RuneCountInString(line) > width {
			runes := []rune(line)
			out = append(out, string(runes[:width]))
			line = string(runes[width:])
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

// sanitizeUTF8 replaces invalid byte sequences so the text survives JSON
// encoding.
func sanitizeUTF8(text string) string {
	if utf8.ValidString(text) {
		return text
	}
	return strings.ToValidUTF8(text, string(utf8.RuneError))
}

// SplitMessage normalizes terminal output and splits it into chunks that fit
// a chat message. Splits happen on line boundaries where possible.
func SplitMessage(text string) []string {
	normalized := sanitizeUTF8(wrapLongLines(normalizeNewlines(text), maxLineLength))
	if normalized == "" {
		return nil
	}

	var chunks []string
	var current strings.Builder
	currentChars := 0

	flush := func() {
		if current.Len() > 0 {
			chunks = append(chunks, current.String())
			current.Reset()
			currentChars = 0
		}
	}

	for _, segment := range splitKeepNewlines(normalized) {
		segChars := utf8.RuneCountInString(segment)
		segBytes := len(segment)
		if segChars <= maxChunkChars && segBytes <= maxChunkBytes {
			if currentChars+segChars > maxChunkChars || current.Len()+segBytes > maxChunkBytes {
				flush()
			}
			current.WriteString(segment)
			currentChars += segChars
			continue
		}
		// Oversized single line even after wrapping; fall back to rune
		// granularity.
		for _, r := range segment {
			rBytes := utf8.RuneLen(r)
			if currentChars+1 > maxChunkChars || current.Len()+rBytes > maxChunkBytes {
				flush()
			}
			current.WriteRune(r)
			currentChars++
		}
	}
	flush()
	return chunks
}

// splitKeepNewlines splits text into lines with their trailing newline
// preserved, so rejoining chunks reproduces the original.
func splitKeepNewlines(text string) []string {
	var segments []string
	for len(text) > 0 {
		idx := strings.IndexByte(text, '\n')
		if idx < 0 {
			segments = append(segments, text)
			break
		}
		segments = append(segments, text[:idx+1])
		text = text[idx+1:]
	}
	return segments
}
