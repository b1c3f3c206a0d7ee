package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"

	"github.com/voxhub/relay/internal/adapters"
	"github.com/voxhub/relay/internal/approval"
	"github.com/voxhub/relay/internal/identity"
	"github.com/voxhub/relay/internal/messages"
)

// handleMessageCreate normalizes a gateway MESSAGE_CREATE into the shared
// model and emits it.
func (a *Adapter) handleMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || m.Author.ID == a.botUserID {
		return
	}
	if !a.memberAllowed(m) {
		slog.Debug("discord message rejected by role allowlist", "user_id", m.Author.ID)
		return
	}

	ctx := context.Background()
	userID := a.identify(ctx, m)
	channelID := m.ChannelID
	content := strings.TrimSpace(m.Content)

	a.channelIDs.Store(userID, channelID)

	extra := map[string]string{
		"channel_id": channelID,
		"message_id": m.ID,
		"guild_id":   m.GuildID,
		"username":   m.Author.Username,
	}

	// !goal starts a long-running task; guild tasks get their own thread so
	// progress does not drown the channel.
	if goal, ok := strings.CutPrefix(content, "!goal "); ok {
		content = strings.TrimSpace(goal)
		extra["mode"] = "task"
		if m.GuildID != "" {
			if threadID := a.startTaskThread(m, content); threadID != "" {
				channelID = threadID
				extra["channel_id"] = threadID
			}
		}
	}

	conversationID := conversationIDFor(channelID)
	a.convChannels.Store(conversationID, channelID)

	atts := collectAttachments(m)
	if content == "" && len(atts) == 0 {
		return
	}

	a.startTyping(channelID)
	if ph, err := a.session.ChannelMessageSend(channelID, placeholderText); err == nil {
		a.placeholders.Store(conversationID, ph.ID)
	}

	a.Events().EmitMessage(messages.IncomingMessage{
		ID:             uuid.NewString(),
		Channel:        messages.ChannelDiscord,
		UserID:         userID,
		WorkspaceID:    a.cfg.DefaultWorkspaceID,
		ConversationID: conversationID,
		Content:        content,
		Attachments:    atts,
		Metadata: messages.Metadata{
			ChannelUserID:    m.Author.ID,
			ChannelMessageID: m.ID,
			Timestamp:        m.Timestamp,
			Extra:            extra,
		},
	})
}

// memberAllowed applies the role allowlist. DMs carry no member and pass
// when no allowlist is configured; guild members need one matching role.
func (a *Adapter) memberAllowed(m *discordgo.MessageCreate) bool {
	if len(a.cfg.AllowedRoleIDs) == 0 {
		return true
	}
	if m.Member == nil {
		return m.GuildID == ""
	}
	for _, have := range m.Member.Roles {
		for _, want := range a.cfg.AllowedRoleIDs {
			if have == want {
				return true
			}
		}
	}
	return false
}

// identify registers the deterministic identity and resolves the author
// through the store, so an account linked to another primary is honored.
func (a *Adapter) identify(ctx context.Context, m *discordgo.MessageCreate) string {
	userID := userIDFor(m.Author.ID)
	if a.store == nil {
		return userID
	}
	err := a.store.RegisterIdentity(ctx, identity.ChannelIdentity{
		UserID:        userID,
		Channel:       messages.ChannelDiscord,
		ChannelUserID: m.Author.ID,
		DisplayName:   displayName(m),
	})
	if err != nil {
		slog.Warn("discord identity registration failed", "error", err)
	}
	return a.resolvedUserID(ctx, m.Author.ID)
}

// resolvedUserID maps a Discord snowflake to the owning account, falling
// back to the deterministic id when the store has no row.
func (a *Adapter) resolvedUserID(ctx context.Context, discordUserID string) string {
	fallback := userIDFor(discordUserID)
	if a.store == nil {
		return fallback
	}
	resolved, err := a.store.ResolveUserID(ctx, messages.ChannelDiscord, discordUserID)
	if err != nil || resolved == "" {
		return fallback
	}
	return resolved
}

// startTaskThread opens a public thread off the triggering message.
func (a *Adapter) startTaskThread(m *discordgo.MessageCreate, goal string) string {
	name := adapters.Truncate("Task: "+goal, 100)
	thread, err := a.session.MessageThreadStartComplex(m.ChannelID, m.ID, &discordgo.ThreadStart{
		Name:                name,
		AutoArchiveDuration: 1440, // minutes
	})
	if err != nil {
		slog.Warn("discord task thread creation failed", "error", err)
		return ""
	}
	return thread.ID
}

func (a *Adapter) startTyping(channelID string) {
	a.stopTyping(channelID)
	ctrl := adapters.NewTyping(adapters.TypingOptions{
		KeepaliveInterval: typingKeepalive,
		StartFn: func() error {
			return a.session.ChannelTyping(channelID)
		},
	})
	a.typingCtrls.Store(channelID, ctrl)
	ctrl.Start()
}

func collectAttachments(m *discordgo.MessageCreate) []messages.Attachment {
	if len(m.Attachments) == 0 {
		return nil
	}
	atts := make([]messages.Attachment, 0, len(m.Attachments))
	for _, da := range m.Attachments {
		atts = append(atts, messages.Attachment{
			Type:     messages.AttachmentTypeFromMIME(da.ContentType),
			URL:      da.URL,
			MimeType: da.ContentType,
			Size:     int64(da.Size),
			Filename: da.Filename,
		})
	}
	return atts
}

// handleInteraction serves slash commands and approval button presses.
func (a *Adapter) handleInteraction(s *discordgo.Session, i *discordgo.InteractionCreate) {
	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		a.handleSlashCommand(s, i)
	case discordgo.InteractionMessageComponent:
		a.handleComponent(s, i)
	}
}

func (a *Adapter) handleComponent(s *discordgo.Session, i *discordgo.InteractionCreate) {
	data := i.MessageComponentData()
	action, approvalID, _ := strings.Cut(data.CustomID, ":")
	if approvalID == "" || (action != "approve" && action != "reject") {
		return
	}

	actorID := interactionUserID(i)
	approved := action == "approve"

	ack := "✅ Approved"
	if !approved {
		ack = "❌ Rejected"
	}
	if a.resolveApproval != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.resolveApproval(ctx, approvalID, approved, a.resolvedUserID(ctx, actorID)); err != nil {
			switch {
			case errors.Is(err, approval.ErrAlreadyDecided), errors.Is(err, approval.ErrAlreadyResolved):
				ack = "Already processed"
			default:
				slog.Warn("discord approval resolution failed", "approval_id", approvalID, "error", err)
				ack = "Could not process your decision, try again"
			}
		}
	}
	a.pendingApps.Delete(i.ChannelID)

	// Repaint the original embed with the outcome and drop the buttons.
	edited := []*discordgo.MessageEmbed{{Description: ack}}
	if i.Message != nil && len(i.Message.Embeds) > 0 {
		edited = []*discordgo.MessageEmbed{{Description: i.Message.Embeds[0].Description + "\n\n" + ack}}
	}
	err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseUpdateMessage,
		Data: &discordgo.InteractionResponseData{
			Embeds:     edited,
			Components: []discordgo.MessageComponent{},
		},
	})
	if err != nil {
		slog.Debug("discord interaction response failed", "error", err)
	}
}

func interactionUserID(i *discordgo.InteractionCreate) string {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.ID
	}
	if i.User != nil {
		return i.User.ID
	}
	return ""
}

// notePendingApproval mirrors the Telegram keyword path: remember the
// approval id carried by outbound buttons for this channel.
func (a *Adapter) notePendingApproval(channelID string, opts *messages.SendOptions) {
	if opts == nil {
		return
	}
	for _, b := range opts.Buttons {
		if b.Action == "approve" && b.Value != "" {
			a.pendingApps.Store(channelID, b.Value)
			return
		}
	}
}

func (a *Adapter) handleSlashCommand(s *discordgo.Session, i *discordgo.InteractionCreate) {
	data := i.ApplicationCommandData()
	actorID := interactionUserID(i)

	var reply string
	switch data.Name {
	case "status":
		reply = fmt.Sprintf("Connected as <@%s>.", a.botUserID)
	case "whoami":
		reply = a.whoamiReply(a.resolvedUserID(context.Background(), actorID), actorID)
	case "help":
		reply = "**Commands**\n" +
			"`/status` — connection status\n" +
			"`/whoami` — your linked identity\n\n" +
			"Prefix a message with `!goal` to start a long-running task in its own thread.\n" +
			"Anything else is sent straight to the assistant."
	default:
		return
	}

	err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: reply,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	})
	if err != nil {
		slog.Debug("discord slash response failed", "command", data.Name, "error", err)
	}
}

func (a *Adapter) whoamiReply(userID, discordUserID string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**User ID**: `%s`\n**Discord**: %s", userID, discordUserID)

	if a.store != nil {
		if ids, err := a.store.GetUserIdentities(context.Background(), userID); err == nil && len(ids) > 1 {
			b.WriteString("\n**Linked channels**:")
			for _, id := range ids {
				if id.Channel != messages.ChannelDiscord {
					fmt.Fprintf(&b, "\n- %s (%s)", id.Channel, id.ChannelUserID)
				}
			}
		}
	}
	return b.String()
}

// registerCommands installs the slash commands, guild-scoped when a guild is
// configured (instant propagation) and global otherwise.
func (a *Adapter) registerCommands() error {
	if a.cfg.ClientID == "" {
		return nil
	}

	commands := []*discordgo.ApplicationCommand{
		{Name: "status", Description: "Show gateway connection status"},
		{Name: "whoami", Description: "Show your linked identity"},
		{Name: "help", Description: "List available commands"},
	}

	for _, cmd := range commands {
		if _, err := a.session.ApplicationCommandCreate(a.cfg.ClientID, a.cfg.GuildID, cmd); err != nil {
			return fmt.Errorf("register command %s: %w", cmd.Name, err)
		}
	}
	return nil
}

func displayName(m *discordgo.MessageCreate) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}
