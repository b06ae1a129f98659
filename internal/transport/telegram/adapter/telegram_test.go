package adapter

import (
	"strings"
	"testing"
)

func TestSplitTelegramTextShortPassthrough(t *testing.T) {
	t.Parallel()

	got := splitTelegramText("hello", 100, "")
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("split = %q, want single chunk", got)
	}
}

func TestSplitTelegramTextPrefersNewlines(t *testing.T) {
	t.Parallel()

	text := strings.Repeat("x", 60) + "\n" + strings.Repeat("y", 60)
	got := splitTelegramText(text, 100, "")
	if len(got) != 2 {
		t.Fatalf("chunks = %d, want 2", len(got))
	}
	if !strings.HasPrefix(got[1], "y") {
		t.Fatalf("second chunk = %q, want split at the newline", got[1])
	}
}

func TestSplitTelegramTextRespectsLimit(t *testing.T) {
	t.Parallel()

	text := strings.Repeat("z", 350)
	for _, chunk := range splitTelegramText(text, 100, "") {
		if len([]rune(chunk)) > 100 {
			t.Fatalf("chunk length %d exceeds limit", len([]rune(chunk)))
		}
	}
}

func TestSplitTelegramTextKeepsHTMLTagsWhole(t *testing.T) {
	t.Parallel()

	text := strings.Repeat("a", 95) + "<b>bold</b>"
	for _, chunk := range splitTelegramText(text, 100, "HTML") {
		opens := strings.Count(chunk, "<")
		closes := strings.Count(chunk, ">")
		if opens != closes {
			t.Fatalf("chunk %q splits inside a tag", chunk)
		}
	}
}
