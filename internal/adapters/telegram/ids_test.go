package telegram

import (
	"context"
	"regexp"
	"testing"

	"github.com/mymmrac/telego"

	"github.com/voxhub/relay/internal/adapters"
	"github.com/voxhub/relay/internal/identity"
	"github.com/voxhub/relay/internal/messages"
)

var uuidShape = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)

func TestUserIDDeterministic(t *testing.T) {
	a := userIDFor(123456789)
	b := userIDFor(123456789)
	if a != b {
		t.Fatalf("same account produced different ids: %s vs %s", a, b)
	}
	if !uuidShape.MatchString(a) {
		t.Errorf("id %q is not v4-shaped", a)
	}
	if userIDFor(987654321) == a {
		t.Error("different accounts collided")
	}
}

func TestConversationIDThreads(t *testing.T) {
	tests := []struct {
		name     string
		chatID   int64
		threadID int
		same     bool // same as the bare chat conversation
	}{
		{"no thread", 42, 0, true},
		{"general topic", 42, 1, true},
		{"forum topic", 42, 7, false},
	}

	base := conversationIDFor(42, 0)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := conversationIDFor(tt.chatID, tt.threadID)
			if (got == base) != tt.same {
				t.Errorf("conversationIDFor(%d, %d) = %s, base = %s, want same=%v",
					tt.chatID, tt.threadID, got, base, tt.same)
			}
			if !uuidShape.MatchString(got) {
				t.Errorf("id %q is not v4-shaped", got)
			}
		})
	}
}

func TestConversationIDDistinctTopics(t *testing.T) {
	if conversationIDFor(42, 7) == conversationIDFor(42, 8) {
		t.Error("distinct forum topics mapped to the same conversation")
	}
	if conversationIDFor(42, 7) == conversationIDFor(43, 7) {
		t.Error("distinct chats mapped to the same conversation")
	}
}

func TestIdentifyFollowsLinkedAccount(t *testing.T) {
	ctx := context.Background()
	a := &Adapter{
		Base:  adapters.NewBase(messages.ChannelTelegram),
		store: identity.NewStore(identity.NewMemoryKV(), 0),
	}
	from := &telego.User{ID: 42, FirstName: "Ada"}

	first := a.identify(ctx, from)
	if first != userIDFor(42) {
		t.Fatalf("fresh account id = %s, want %s", first, userIDFor(42))
	}

	if err := a.store.LinkIdentities(ctx, "U-prime", messages.ChannelTelegram, "42"); err != nil {
		t.Fatalf("link: %v", err)
	}

	// After linking, every inbound message resolves to the linked account,
	// and repeat registration does not unlink it.
	if got := a.identify(ctx, from); got != "U-prime" {
		t.Errorf("identify after link = %s, want U-prime", got)
	}
	if got := a.resolvedUserID(ctx, 42); got != "U-prime" {
		t.Errorf("resolvedUserID after link = %s, want U-prime", got)
	}
}
