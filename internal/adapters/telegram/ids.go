package telegram

import (
	"strconv"

	"github.com/voxhub/relay/internal/adapters"
)

// userIDFor maps a Telegram account to a stable internal user id.
func userIDFor(tgUserID int64) string {
	return adapters.DeterministicUUID("telegram-user:" + strconv.FormatInt(tgUserID, 10))
}

// conversationIDFor maps a chat (and forum topic, when present) to a stable
// conversation id. The General topic has no distinct thread.
func conversationIDFor(chatID int64, threadID int) string {
	seed := "telegram-conv:" + strconv.FormatInt(chatID, 10)
	if threadID > 1 {
		seed += ":t" + strconv.Itoa(threadID)
	}
	return adapters.DeterministicUUID(seed)
}
