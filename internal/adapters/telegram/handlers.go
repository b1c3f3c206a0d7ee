package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/voxhub/relay/internal/adapters"
	"github.com/voxhub/relay/internal/identity"
	"github.com/voxhub/relay/internal/messages"
)

// processUpdate dispatches a single update. Both the polling loop and the
// webhook handler land here.
func (a *Adapter) processUpdate(ctx context.Context, update telego.Update) {
	switch {
	case update.CallbackQuery != nil:
		a.handleCallback(ctx, update.CallbackQuery)
	case update.Message != nil:
		a.handleMessage(ctx, update.Message)
	}
}

func (a *Adapter) handleMessage(ctx context.Context, msg *telego.Message) {
	if msg.From == nil || msg.From.IsBot {
		return
	}
	if !a.userAllowed(msg.From.ID) {
		slog.Debug("telegram message from non-allowed user dropped", "tg_user_id", msg.From.ID)
		return
	}

	userID := a.identify(ctx, msg.From)
	chatID := msg.Chat.ID
	threadID := msg.MessageThreadID

	a.chatIDs.Store(userID, chatID)

	conversationID := conversationIDFor(chatID, threadID)
	if threadID > 1 {
		a.threadIDs.Store(conversationID, threadID)
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" && msg.Caption != "" {
		text = strings.TrimSpace(msg.Caption)
	}

	if strings.HasPrefix(text, "/") {
		a.handleCommand(ctx, msg, text)
		return
	}

	if a.tryKeywordApproval(ctx, chatID, userID, text) {
		return
	}

	atts := a.collectAttachments(msg)
	if text == "" && len(atts) == 0 {
		return
	}

	extra := map[string]string{
		"chat_id":    strconv.FormatInt(chatID, 10),
		"message_id": strconv.Itoa(msg.MessageID),
		"username":   msg.From.Username,
	}
	if threadID > 1 {
		extra["thread_id"] = strconv.Itoa(threadID)
	}
	if goal, ok := strings.CutPrefix(text, "!goal "); ok {
		text = strings.TrimSpace(goal)
		extra["mode"] = "task"
	}

	a.startTyping(ctx, chatID, threadID)

	a.Events().EmitMessage(messages.IncomingMessage{
		ID:             uuid.NewString(),
		Channel:        messages.ChannelTelegram,
		UserID:         userID,
		WorkspaceID:    a.cfg.DefaultWorkspaceID,
		ConversationID: conversationID,
		Content:        text,
		Attachments:    atts,
		Metadata: messages.Metadata{
			ChannelUserID:    strconv.FormatInt(msg.From.ID, 10),
			ChannelMessageID: strconv.Itoa(msg.MessageID),
			Timestamp:        time.Unix(msg.Date, 0).UTC(),
			Extra:            extra,
		},
	})
}

func (a *Adapter) userAllowed(tgUserID int64) bool {
	if len(a.cfg.AllowedUserIDs) == 0 {
		return true
	}
	id := strconv.FormatInt(tgUserID, 10)
	for _, allowed := range a.cfg.AllowedUserIDs {
		if allowed == id {
			return true
		}
	}
	return false
}

// identify registers the deterministic identity and resolves the sender
// through the store, so an account linked to another primary is honored.
func (a *Adapter) identify(ctx context.Context, from *telego.User) string {
	userID := userIDFor(from.ID)
	if a.store == nil {
		return userID
	}

	display := strings.TrimSpace(from.FirstName + " " + from.LastName)
	if display == "" {
		display = from.Username
	}
	err := a.store.RegisterIdentity(ctx, identity.ChannelIdentity{
		UserID:        userID,
		Channel:       messages.ChannelTelegram,
		ChannelUserID: strconv.FormatInt(from.ID, 10),
		DisplayName:   display,
	})
	if err != nil {
		slog.Warn("telegram identity registration failed", "error", err)
	}
	return a.resolvedUserID(ctx, from.ID)
}

// resolvedUserID maps a Telegram uid to the owning account, falling back to
// the deterministic id when the store has no row.
func (a *Adapter) resolvedUserID(ctx context.Context, tgUserID int64) string {
	fallback := userIDFor(tgUserID)
	if a.store == nil {
		return fallback
	}
	resolved, err := a.store.ResolveUserID(ctx, messages.ChannelTelegram, strconv.FormatInt(tgUserID, 10))
	if err != nil || resolved == "" {
		return fallback
	}
	return resolved
}

// handleCommand serves the built-in bot commands locally; nothing here
// reaches the upstream.
func (a *Adapter) handleCommand(ctx context.Context, msg *telego.Message, text string) {
	cmd, _, _ := strings.Cut(text, " ")
	cmd = strings.TrimSuffix(cmd, "@"+a.botUsername)

	var reply string
	switch cmd {
	case "/start":
		reply = "Hi! I'm your assistant. Send me a message and I'll get to work.\nUse /help to see what I can do."
	case "/help":
		reply = "*Commands*\n" +
			"/status — connection status\n" +
			"/whoami — your linked identity\n\n" +
			"Prefix a message with `!goal` to start a long-running task.\n" +
			"Anything else is sent straight to the assistant."
	case "/status":
		reply = fmt.Sprintf("Connected as @%s (%s mode).", a.botUsername, a.mode())
	case "/whoami":
		reply = a.whoamiReply(ctx, msg.From)
	default:
		reply = "Unknown command. Try /help."
	}

	params := tu.Message(tu.ID(msg.Chat.ID), telegramifyMarkdown(reply))
	params.ParseMode = telego.ModeMarkdown
	if msg.MessageThreadID > 1 {
		params.MessageThreadID = msg.MessageThreadID
	}
	if err := a.sendWithPlainFallback(ctx, params); err != nil {
		slog.Warn("telegram command reply failed", "command", cmd, "error", err)
	}
}

func (a *Adapter) whoamiReply(ctx context.Context, from *telego.User) string {
	userID := a.resolvedUserID(ctx, from.ID)
	var b strings.Builder
	fmt.Fprintf(&b, "*User ID*: `%s`\n*Telegram*: %d", userID, from.ID)

	if a.store != nil {
		if ids, err := a.store.GetUserIdentities(ctx, userID); err == nil && len(ids) > 1 {
			b.WriteString("\n*Linked channels*:")
			for _, id := range ids {
				if id.Channel != messages.ChannelTelegram {
					fmt.Fprintf(&b, "\n• %s (%s)", id.Channel, id.ChannelUserID)
				}
			}
		}
	}
	return b.String()
}

// collectAttachments turns platform media references into opaque tg://
// handles resolved later by HandleAttachment.
func (a *Adapter) collectAttachments(msg *telego.Message) []messages.Attachment {
	var atts []messages.Attachment

	if len(msg.Photo) > 0 {
		// Telegram sends every thumbnail size; the last entry is the largest.
		p := msg.Photo[len(msg.Photo)-1]
		atts = append(atts, messages.Attachment{
			Type: messages.AttachmentImage,
			URL:  "tg://" + p.FileID,
			Size: int64(p.FileSize),
		})
	}
	if msg.Document != nil {
		atts = append(atts, messages.Attachment{
			Type:     messages.AttachmentTypeFromMIME(msg.Document.MimeType),
			URL:      "tg://" + msg.Document.FileID,
			MimeType: msg.Document.MimeType,
			Size:     int64(msg.Document.FileSize),
			Filename: msg.Document.FileName,
		})
	}
	if msg.Voice != nil {
		atts = append(atts, messages.Attachment{
			Type:     messages.AttachmentAudio,
			URL:      "tg://" + msg.Voice.FileID,
			MimeType: msg.Voice.MimeType,
			Size:     int64(msg.Voice.FileSize),
		})
	}
	if msg.Audio != nil {
		atts = append(atts, messages.Attachment{
			Type:     messages.AttachmentAudio,
			URL:      "tg://" + msg.Audio.FileID,
			MimeType: msg.Audio.MimeType,
			Size:     int64(msg.Audio.FileSize),
		})
	}
	if msg.Video != nil {
		atts = append(atts, messages.Attachment{
			Type:     messages.AttachmentVideo,
			URL:      "tg://" + msg.Video.FileID,
			MimeType: msg.Video.MimeType,
			Size:     int64(msg.Video.FileSize),
		})
	}
	return atts
}

// startTyping shows the indicator until the reply lands or the TTL expires.
func (a *Adapter) startTyping(ctx context.Context, chatID int64, threadID int) {
	key := chatKey(chatID, threadID)
	a.stopTyping(key)

	action := tu.ChatAction(tu.ID(chatID), telego.ChatActionTyping)
	if threadID > 1 {
		action.MessageThreadID = threadID
	}

	ctrl := adapters.NewTyping(adapters.TypingOptions{
		KeepaliveInterval: typingKeepalive,
		StartFn: func() error {
			return a.bot.SendChatAction(context.WithoutCancel(ctx), action)
		},
	})
	a.typingCtrls.Store(key, ctrl)
	ctrl.Start()
}
