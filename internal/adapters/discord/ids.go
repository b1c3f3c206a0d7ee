package discord

import "github.com/voxhub/relay/internal/adapters"

// userIDFor maps a Discord account to a stable internal user id.
func userIDFor(discordUserID string) string {
	return adapters.DeterministicUUID("discord-user:" + discordUserID)
}

// conversationIDFor maps a channel (or thread) to a stable conversation id.
func conversationIDFor(channelID string) string {
	return adapters.DeterministicUUID("discord-conv:" + channelID)
}
