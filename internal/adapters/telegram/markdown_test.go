package telegram

import "testing"

func TestTelegramifyMarkdown(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"double star bold", "this is **bold** text", "this is *bold* text"},
		{"header", "## Results\nbody", "*Results*\nbody"},
		{"deep header", "###### note", "*note*"},
		{"dash bullet", "- first\n- second", "• first\n• second"},
		{"star bullet", "* item", "• item"},
		{"indented bullet", "  - nested", "  • nested"},
		{"divider", "above\n---\nbelow", "above\n—\nbelow"},
		{"plain untouched", "nothing special here", "nothing special here"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := telegramifyMarkdown(tt.in); got != tt.want {
				t.Errorf("telegramifyMarkdown(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestTelegramifyPreservesCodeBlocks(t *testing.T) {
	in := "intro **x**\n```\n**not bold** - not a bullet\n```\noutro **y**"
	want := "intro *x*\n```\n**not bold** - not a bullet\n```\noutro *y*"
	if got := telegramifyMarkdown(in); got != want {
		t.Errorf("code block rewritten:\ngot  %q\nwant %q", got, want)
	}
}

func TestStripMarkdown(t *testing.T) {
	in := "## Title\n**bold** and `code` plus __under__"
	want := "Title\nbold and code plus under"
	if got := stripMarkdown(in); got != want {
		t.Errorf("stripMarkdown = %q, want %q", got, want)
	}
}
