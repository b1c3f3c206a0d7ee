package whatsapp

import (
	"regexp"
	"strings"
)

var (
	boldRe   = regexp.MustCompile(`\*\*([^*]+)\*\*`)
	headerRe = regexp.MustCompile(`(?m)^#{1,6}\s+(.+)$`)
	linkRe   = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
)

// formatForWhatsApp rewrites common Markdown into WhatsApp's dialect:
// *bold*, _italic_, ```mono```. Links become "text (url)" since WhatsApp
// renders no anchor text.
func formatForWhatsApp(content string) string {
	content = headerRe.ReplaceAllString(content, "*$1*")
	content = boldRe.ReplaceAllString(content, "*$1*")
	content = linkRe.ReplaceAllString(content, "$1 ($2)")
	content = strings.ReplaceAll(content, "__", "_")
	return content
}
