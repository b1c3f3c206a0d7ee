package telegram

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestPreviewText(t *testing.T) {
	t.Run("short content keeps cursor", func(t *testing.T) {
		got := previewText("Hello ")
		if got != "Hello"+streamCursor {
			t.Errorf("previewText = %q", got)
		}
	})

	t.Run("overlong content capped at limit", func(t *testing.T) {
		got := previewText(strings.Repeat("x", messageLimit+500))
		if len(got) > messageLimit {
			t.Errorf("preview length = %d, want <= %d", len(got), messageLimit)
		}
		if !strings.HasSuffix(got, streamCursor) {
			t.Error("cursor missing from capped preview")
		}
	})

	t.Run("multibyte content cut at rune boundary", func(t *testing.T) {
		// The leading byte misaligns the three-byte runes so the byte limit
		// lands mid-rune unless the cut backs up.
		got := previewText("a" + strings.Repeat("€", messageLimit))
		if !utf8.ValidString(got) {
			t.Fatal("preview contains a torn rune")
		}
		if len(got) > messageLimit {
			t.Errorf("preview length = %d, want <= %d", len(got), messageLimit)
		}
		if !strings.HasSuffix(got, streamCursor) {
			t.Error("cursor missing from capped preview")
		}
	})
}
