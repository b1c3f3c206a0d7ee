package telegram

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/voxhub/relay/internal/adapters"
	"github.com/voxhub/relay/internal/brain"
	"github.com/voxhub/relay/internal/messages"
)

const (
	thinkingPlaceholder = "🤔 Thinking…"
	streamCursor        = " ▌"
	streamInterval      = 1500 * time.Millisecond
)

var _ adapters.StreamingAdapter = (*Adapter)(nil)

// streamHandle is one placeholder message being edited in place.
type streamHandle struct {
	chatID    int64
	threadID  int
	messageID int

	mu       sync.Mutex
	lastText string
}

func (h *streamHandle) Key() string {
	return chatKey(h.chatID, h.threadID) + ":m" + strconv.Itoa(h.messageID)
}

// SupportsStreaming is always true for Telegram.
func (a *Adapter) SupportsStreaming() bool { return true }

// StreamInterval throttles edits well under the Bot API edit rate limit.
func (a *Adapter) StreamInterval() time.Duration { return streamInterval }

// SendStreamStart posts the placeholder the stream will edit.
func (a *Adapter) SendStreamStart(ctx context.Context, userID string, origin adapters.StreamOrigin) (adapters.StreamHandle, error) {
	chatID, threadID, err := a.surfaceFor(userID, origin.ConversationID)
	if err != nil {
		return nil, err
	}
	if tid, convErr := strconv.Atoi(origin.Metadata["thread_id"]); convErr == nil && tid > 1 {
		threadID = tid
	}

	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	params := tu.Message(tu.ID(chatID), thinkingPlaceholder)
	if threadID > 1 {
		params.MessageThreadID = threadID
	}
	sent, err := a.bot.SendMessage(ctx, params)
	if err != nil {
		return nil, err
	}

	a.stopTyping(chatKey(chatID, threadID))
	return &streamHandle{chatID: chatID, threadID: threadID, messageID: sent.MessageID}, nil
}

// SendStreamUpdate edits the placeholder with the accumulated content and a
// cursor. Over-limit previews show the head of the message; the full text
// arrives at stream end.
func (a *Adapter) SendStreamUpdate(ctx context.Context, handle adapters.StreamHandle, accumulated string) error {
	h, ok := handle.(*streamHandle)
	if !ok {
		return adapters.ErrStreamGone
	}

	return h.edit(ctx, a, previewText(accumulated), "")
}

// previewText caps the in-flight preview under the message limit, cutting at
// a rune boundary so the Bot API never sees a torn rune, and appends the
// cursor.
func previewText(accumulated string) string {
	limit := messageLimit - len(streamCursor)
	if len(accumulated) > limit {
		cut := limit
		for cut > 0 && !utf8.RuneStart(accumulated[cut]) {
			cut--
		}
		accumulated = accumulated[:cut]
	}
	return strings.TrimRight(accumulated, " \n") + streamCursor
}

// SendStreamEnd finalizes the placeholder. Content over the platform limit
// replaces it with a chunked sequence.
func (a *Adapter) SendStreamEnd(ctx context.Context, handle adapters.StreamHandle, final string) error {
	h, ok := handle.(*streamHandle)
	if !ok {
		return adapters.ErrStreamGone
	}

	final = telegramifyMarkdown(final)
	if len(final) <= messageLimit {
		return h.edit(ctx, a, final, telego.ModeMarkdown)
	}

	// Too long for one edit: drop the placeholder and send chunks.
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	err := a.bot.DeleteMessage(ctx, &telego.DeleteMessageParams{
		ChatID:    telego.ChatID{ID: h.chatID},
		MessageID: h.messageID,
	})
	if err != nil {
		slog.Debug("telegram placeholder delete failed", "error", err)
	}

	for _, chunk := range adapters.SplitMessage(final, messageLimit) {
		params := tu.Message(tu.ID(h.chatID), chunk)
		params.ParseMode = telego.ModeMarkdown
		if h.threadID > 1 {
			params.MessageThreadID = h.threadID
		}
		if err := a.sendWithPlainFallback(ctx, params); err != nil {
			return err
		}
	}
	return nil
}

// SendToolActivity repaints the placeholder with a short status line so the
// user sees progress between content updates.
func (a *Adapter) SendToolActivity(ctx context.Context, _ string, handle adapters.StreamHandle, act messages.ToolActivity) error {
	h, ok := handle.(*streamHandle)
	if !ok {
		return nil
	}

	var line string
	switch act.Status {
	case brain.StatusToolStart:
		line = "🔧 " + act.ToolName + "…"
	case brain.StatusThinking:
		line = thinkingPlaceholder
	case brain.StatusWaitingApproval:
		line = "⏸ Waiting for your approval…"
	default:
		return nil
	}
	return h.edit(ctx, a, line, "")
}

// edit performs the Bot API edit, tolerating "message is not modified"
// responses and mapping a deleted target to ErrStreamGone.
func (h *streamHandle) edit(ctx context.Context, a *Adapter, text, parseMode string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if text == h.lastText {
		return nil
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}

	_, err := a.bot.EditMessageText(ctx, &telego.EditMessageTextParams{
		ChatID:    telego.ChatID{ID: h.chatID},
		MessageID: h.messageID,
		Text:      text,
		ParseMode: parseMode,
	})
	if err != nil {
		errStr := err.Error()
		if strings.Contains(errStr, "message is not modified") {
			h.lastText = text
			return nil
		}
		if parseMode != "" && strings.Contains(errStr, "can't parse entities") {
			_, err = a.bot.EditMessageText(ctx, &telego.EditMessageTextParams{
				ChatID:    telego.ChatID{ID: h.chatID},
				MessageID: h.messageID,
				Text:      stripMarkdown(text),
			})
		}
		if err != nil {
			if strings.Contains(err.Error(), "message to edit not found") {
				return adapters.ErrStreamGone
			}
			return err
		}
	}
	h.lastText = text
	return nil
}
