package core

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSplitMessageEmpty(t *testing.T) {
	if got := SplitMessage(""); got != nil {
		t.Fatalf("chunks = %v", got)
	}
}

func TestSplitMessageShortPassthrough(t *testing.T) {
	got := SplitMessage("hello\nworld")
	if len(got) != 1 || got[0] != "hello\nworld" {
		t.Fatalf("chunks = %q", got)
	}
}

func TestSplitMessageNormalizesNewlines(t *testing.T) {
	got := SplitMessage("a\r\nb\rc")
	if len(got) != 1 || got[0] != "a\nb\nc" {
		t.Fatalf("chunks = %q", got)
	}
}

func TestSplitMessageWrapsLongLines(t *testing.T) {
	line := strings.Repeat("x", 300)
	got := SplitMessage(line)
	if len(got) != 1 {
		t.Fatalf("chunks = %d", len(got))
	}
	for _, l := range strings.Split(got[0], "\n") {
		if utf8.RuneCountInString(l) > maxLineLength {
			t.Fatalf("line length %d exceeds %d", utf8.RuneCountInString(l), maxLineLength)
		}
	}
}

func TestSplitMessageChunksOnLineBoundaries(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < 200; i++ {
		sb.WriteString(strings.Repeat("y", 100))
		sb.WriteByte('\n')
	}
	chunks := SplitMessage(sb.String())
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if utf8.RuneCountInString(c) > maxChunkChars || len(c) > maxChunkBytes {
			t.Fatalf("chunk %d oversized: %d chars, %d bytes", i, utf8.RuneCountInString(c), len(c))
		}
		if i < len(chunks)-1 && !strings.HasSuffix(c, "\n") {
			t.Fatalf("chunk %d does not end on a line boundary", i)
		}
	}
	if strings.Join(chunks, "") != sb.String() {
		t.Fatal("rejoined chunks differ from input")
	}
}

func TestSplitMessageRespectsByteLimitForMultibyte(t *testing.T) {
	// Three bytes per rune: the byte cap binds before the char cap.
	text := strings.Repeat("界", 3000)
	chunks := SplitMessage(text)
	total := 0
	for i, c := range chunks {
		if len(c) > maxChunkBytes {
			t.Fatalf("chunk %d is %d bytes", i, len(c))
		}
		total += utf8.RuneCountInString(strings.ReplaceAll(c, "\n", ""))
	}
	if total != 3000 {
		t.Fatalf("lost runes: %d", total)
	}
}

func TestSplitMessageSanitizesInvalidUTF8(t *testing.T) {
	chunks := SplitMessage("ok\xff\xfe")
	if len(chunks) != 1 || !utf8.ValidString(chunks[0]) {
		t.Fatalf("chunks = %q", chunks)
	}
}
