package telegram

import (
	"regexp"
	"strings"
)

var (
	boldRe    = regexp.MustCompile(`\*\*([^*]+)\*\*`)
	headerRe  = regexp.MustCompile(`(?m)^(#{1,6})\s+(.+)$`)
	bulletRe  = regexp.MustCompile(`(?m)^(\s*)[-*]\s+`)
	hrDivider = regexp.MustCompile(`(?m)^---+\s*$`)
)

// telegramifyMarkdown rewrites common Markdown into Telegram's legacy
// Markdown dialect: ** becomes *, headers become bold lines, list markers
// become bullets. Fenced code blocks pass through untouched.
func telegramifyMarkdown(content string) string {
	parts := strings.Split(content, "```")
	for i := 0; i < len(parts); i += 2 {
		parts[i] = telegramifyText(parts[i])
	}
	return strings.Join(parts, "```")
}

func telegramifyText(text string) string {
	text = headerRe.ReplaceAllString(text, "*$2*")
	text = boldRe.ReplaceAllString(text, "*$1*")
	text = bulletRe.ReplaceAllString(text, "${1}• ")
	text = hrDivider.ReplaceAllString(text, "—")
	return text
}

// stripMarkdown removes formatting entirely; used for surfaces and retries
// where parse mode is off.
func stripMarkdown(content string) string {
	content = strings.ReplaceAll(content, "```", "")
	content = strings.ReplaceAll(content, "**", "")
	content = strings.ReplaceAll(content, "__", "")
	content = strings.ReplaceAll(content, "`", "")
	content = headerRe.ReplaceAllString(content, "$2")
	return content
}
