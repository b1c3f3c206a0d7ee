// Package telegram implements the Telegram surface via the Bot API, in
// either long-polling or webhook mode. Both modes converge on
// processUpdate. Streaming previews edit a placeholder message in place;
// forum topics are threaded through every outbound call.
package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"golang.org/x/time/rate"

	"github.com/voxhub/relay/internal/adapters"
	"github.com/voxhub/relay/internal/config"
	"github.com/voxhub/relay/internal/identity"
	"github.com/voxhub/relay/internal/messages"
)

const (
	// messageLimit is the Telegram per-message ceiling we chunk against.
	// The hard API limit is 4096; 4000 leaves headroom for the cursor and
	// formatting entities.
	messageLimit = 4000

	pollTimeout     = 30 // server-side long-poll seconds
	pollRetryDelay  = 5 * time.Second
	typingKeepalive = 4 * time.Second
)

// Adapter is the Telegram surface.
type Adapter struct {
	*adapters.Base
	bot      *telego.Bot
	cfg      config.TelegramConfig
	store    *identity.Store
	resolver *approvalResolver

	// Global and per-chat outbound pacing (Bot API: ~30 msg/s overall,
	// ~1 msg/s per chat).
	limiter *rate.Limiter

	botUsername string

	chatIDs     sync.Map // userID string → chatID int64
	threadIDs   sync.Map // conversationID string → threadID int
	typingCtrls sync.Map // chatKey string → *adapters.TypingController
	pendingApps sync.Map // chatID int64 → approvalID string (free-text resolution)

	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// approvalResolver re-enters the approval broker from surface events.
// Registered at startup, never by back-reference.
type approvalResolver struct {
	resolve func(ctx context.Context, approvalID string, approved bool, actorUserID string) error
}

// New creates the Telegram adapter.
func New(cfg config.TelegramConfig, store *identity.Store) (*Adapter, error) {
	bot, err := telego.NewBot(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	return &Adapter{
		Base:     adapters.NewBase(messages.ChannelTelegram),
		bot:      bot,
		cfg:      cfg,
		store:    store,
		resolver: &approvalResolver{},
		limiter:  rate.NewLimiter(rate.Limit(30), 5),
	}, nil
}

// SetApprovalResolver registers the broker callback for inline-button and
// keyword approvals. Must be called before Connect.
func (a *Adapter) SetApprovalResolver(fn func(ctx context.Context, approvalID string, approved bool, actorUserID string) error) {
	a.resolver.resolve = fn
}

// Connect captures the bot identity and starts the selected update mode.
func (a *Adapter) Connect(ctx context.Context) error {
	already, err := a.BeginConnect()
	if already {
		return nil
	}
	if err != nil {
		return err
	}

	me, err := a.bot.GetMe(ctx)
	if err != nil {
		a.MarkDisconnected()
		return fmt.Errorf("telegram getMe: %w", err)
	}
	a.botUsername = me.Username

	switch a.cfg.Mode {
	case "", "polling":
		if err := a.startPolling(ctx); err != nil {
			a.MarkDisconnected()
			return err
		}
	case "webhook":
		if err := a.bot.SetWebhook(ctx, &telego.SetWebhookParams{URL: a.cfg.WebhookURL}); err != nil {
			a.MarkDisconnected()
			return fmt.Errorf("telegram set webhook: %w", err)
		}
	default:
		a.MarkDisconnected()
		return fmt.Errorf("telegram mode %q not supported", a.cfg.Mode)
	}

	a.MarkConnected()
	slog.Info("telegram connected", "username", a.botUsername, "mode", a.mode())
	return nil
}

func (a *Adapter) mode() string {
	if a.cfg.Mode == "" {
		return "polling"
	}
	return a.cfg.Mode
}

// startPolling launches the long-poll loop on its own goroutine. The loop
// owns the retry backoff: transport errors pause 5s before the next getUpdates.
func (a *Adapter) startPolling(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.pollCancel = cancel
	a.pollDone = make(chan struct{})

	updates, err := a.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        pollTimeout,
		AllowedUpdates: []string{"message", "callback_query"},
	}, telego.WithLongPollingRetryTimeout(pollRetryDelay))
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	go func() {
		defer close(a.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					slog.Info("telegram updates channel closed")
					return
				}
				a.processUpdate(pollCtx, update)
			}
		}
	}()
	return nil
}

// HandleWebhook is the HTTP mount for webhook mode.
func (a *Adapter) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var update telego.Update
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		http.Error(w, "bad update", http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)

	a.processUpdate(r.Context(), update)
}

// Disconnect cancels polling (or clears the webhook), stops timers, and
// waits for the update goroutine to drain.
func (a *Adapter) Disconnect(ctx context.Context) error {
	if a.mode() == "webhook" {
		if err := a.bot.DeleteWebhook(ctx, &telego.DeleteWebhookParams{}); err != nil {
			slog.Warn("telegram delete webhook failed", "error", err)
		}
	}

	if a.pollCancel != nil {
		a.pollCancel()
	}
	if a.pollDone != nil {
		select {
		case <-a.pollDone:
		case <-time.After(10 * time.Second):
			slog.Warn("telegram polling goroutine did not exit within timeout")
		case <-ctx.Done():
		}
	}

	a.typingCtrls.Range(func(key, value any) bool {
		value.(*adapters.TypingController).Stop()
		a.typingCtrls.Delete(key)
		return true
	})

	a.MarkDisconnected()
	slog.Info("telegram disconnected")
	return nil
}

// Send delivers a formatted message, chunking over the platform limit.
// Buttons ride on the last chunk.
func (a *Adapter) Send(ctx context.Context, userID string, msg messages.OutgoingMessage) error {
	chatID, threadID, err := a.surfaceFor(userID, msg.ConversationID)
	if err != nil {
		return err
	}

	a.stopTyping(chatKey(chatID, threadID))
	a.notePendingApproval(chatID, msg.Options)

	formatted := a.FormatOutgoing(msg)
	chunks := adapters.SplitMessage(formatted.Content, messageLimit)

	for i, chunk := range chunks {
		last := i == len(chunks)-1
		params := tu.Message(tu.ID(chatID), chunk)
		params.ParseMode = telego.ModeMarkdown
		if threadID > 0 {
			params.MessageThreadID = threadID
		}
		if last && formatted.Options != nil && len(formatted.Options.Buttons) > 0 {
			params.ReplyMarkup = buttonKeyboard(formatted.Options.Buttons)
		}

		if err := a.sendWithPlainFallback(ctx, params); err != nil {
			return err
		}
	}

	for _, att := range formatted.Attachments {
		if err := a.sendAttachment(ctx, chatID, threadID, att); err != nil {
			slog.Warn("telegram attachment send failed", "error", err, "url", adapters.Truncate(att.URL, 80))
		}
	}
	return nil
}

// sendWithPlainFallback retries a failed Markdown send as plain text once;
// a second failure is the caller's problem.
func (a *Adapter) sendWithPlainFallback(ctx context.Context, params *telego.SendMessageParams) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := a.bot.SendMessage(ctx, params)
	if err == nil {
		return nil
	}

	slog.Debug("telegram markdown send failed, retrying plain", "error", err)
	params.ParseMode = ""
	if _, err := a.bot.SendMessage(ctx, params); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

func (a *Adapter) sendAttachment(ctx context.Context, chatID int64, threadID int, att messages.Attachment) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}

	file := tu.FileFromURL(att.URL)
	switch att.Type {
	case messages.AttachmentImage:
		p := tu.Photo(tu.ID(chatID), file)
		if threadID > 0 {
			p.MessageThreadID = threadID
		}
		_, err := a.bot.SendPhoto(ctx, p)
		return err
	case messages.AttachmentAudio:
		p := tu.Audio(tu.ID(chatID), file)
		if threadID > 0 {
			p.MessageThreadID = threadID
		}
		_, err := a.bot.SendAudio(ctx, p)
		return err
	case messages.AttachmentVideo:
		p := tu.Video(tu.ID(chatID), file)
		if threadID > 0 {
			p.MessageThreadID = threadID
		}
		_, err := a.bot.SendVideo(ctx, p)
		return err
	default:
		p := tu.Document(tu.ID(chatID), file)
		if threadID > 0 {
			p.MessageThreadID = threadID
		}
		_, err := a.bot.SendDocument(ctx, p)
		return err
	}
}

// HandleAttachment resolves tg:// file handles into downloadable URLs.
func (a *Adapter) HandleAttachment(ctx context.Context, att messages.Attachment) (messages.Attachment, error) {
	const prefix = "tg://"
	if len(att.URL) <= len(prefix) || att.URL[:len(prefix)] != prefix {
		return att, nil
	}

	fileID := att.URL[len(prefix):]
	file, err := a.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
	if err != nil {
		return att, fmt.Errorf("telegram getFile: %w", err)
	}

	att.URL = a.bot.FileDownloadURL(file.FilePath)
	if file.FileSize > 0 {
		att.Size = int64(file.FileSize)
	}
	return att, nil
}

// FormatOutgoing converts common Markdown to the Telegram dialect.
func (a *Adapter) FormatOutgoing(msg messages.OutgoingMessage) messages.OutgoingMessage {
	msg.Content = telegramifyMarkdown(msg.Content)
	return msg
}

// surfaceFor locates the chat and thread for a user, preferring the thread
// recorded for the conversation.
func (a *Adapter) surfaceFor(userID, conversationID string) (chatID int64, threadID int, err error) {
	v, ok := a.chatIDs.Load(userID)
	if !ok {
		return 0, 0, adapters.ErrUnknownUser
	}
	chatID = v.(int64)

	if conversationID != "" {
		if t, ok := a.threadIDs.Load(conversationID); ok {
			threadID = t.(int)
		}
	}
	return chatID, threadID, nil
}

func chatKey(chatID int64, threadID int) string {
	if threadID > 0 {
		return strconv.FormatInt(chatID, 10) + ":t" + strconv.Itoa(threadID)
	}
	return strconv.FormatInt(chatID, 10)
}

func (a *Adapter) stopTyping(key string) {
	if ctrl, ok := a.typingCtrls.LoadAndDelete(key); ok {
		ctrl.(*adapters.TypingController).Stop()
	}
}

func buttonKeyboard(buttons []messages.Button) *telego.InlineKeyboardMarkup {
	rows := make([][]telego.InlineKeyboardButton, 0, len(buttons))
	for _, b := range buttons {
		data := b.Action
		if b.Value != "" {
			data = b.Action + ":" + b.Value
		}
		rows = append(rows, tu.InlineKeyboardRow(
			tu.InlineKeyboardButton(b.Label).WithCallbackData(data),
		))
	}
	return tu.InlineKeyboard(rows...)
}
