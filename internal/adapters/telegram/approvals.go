package telegram

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/mymmrac/telego"

	"github.com/voxhub/relay/internal/approval"
	"github.com/voxhub/relay/internal/messages"
)

var (
	approveWords = map[string]bool{"yes": true, "y": true, "ok": true, "approve": true, "approved": true, "confirm": true}
	rejectWords  = map[string]bool{"no": true, "n": true, "reject": true, "rejected": true, "deny": true, "cancel": true}
)

// handleCallback resolves inline-button presses. The callback data is
// "approve:<id>" or "reject:<id>" as wired by buttonKeyboard.
func (a *Adapter) handleCallback(ctx context.Context, cb *telego.CallbackQuery) {
	action, approvalID, _ := strings.Cut(cb.Data, ":")
	if approvalID == "" || (action != "approve" && action != "reject") {
		a.answerCallback(ctx, cb.ID, "")
		return
	}
	if !a.userAllowed(cb.From.ID) {
		a.answerCallback(ctx, cb.ID, "Not authorized")
		return
	}

	approved := action == "approve"
	actorUserID := a.resolvedUserID(ctx, cb.From.ID)

	ack := "✅ Approved"
	if !approved {
		ack = "❌ Rejected"
	}
	if a.resolver.resolve != nil {
		if err := a.resolver.resolve(ctx, approvalID, approved, actorUserID); err != nil {
			switch {
			case errors.Is(err, approval.ErrAlreadyDecided), errors.Is(err, approval.ErrAlreadyResolved):
				ack = "Already processed"
			default:
				slog.Warn("telegram approval resolution failed", "approval_id", approvalID, "error", err)
				ack = "Could not process your decision, try again"
			}
		}
	}
	a.answerCallback(ctx, cb.ID, ack)

	// Strip the keyboard so the buttons cannot fire twice.
	if msg := cb.Message; msg != nil {
		if accessible, ok := msg.(*telego.Message); ok {
			a.pendingApps.Delete(accessible.Chat.ID)
			_, err := a.bot.EditMessageText(ctx, &telego.EditMessageTextParams{
				ChatID:    telego.ChatID{ID: accessible.Chat.ID},
				MessageID: accessible.MessageID,
				Text:      accessible.Text + "\n\n" + ack,
			})
			if err != nil {
				slog.Debug("telegram approval message edit failed", "error", err)
			}
		}
	}
}

func (a *Adapter) answerCallback(ctx context.Context, callbackID, text string) {
	err := a.bot.AnswerCallbackQuery(ctx, &telego.AnswerCallbackQueryParams{
		CallbackQueryID: callbackID,
		Text:            text,
	})
	if err != nil {
		slog.Debug("telegram answerCallbackQuery failed", "error", err)
	}
}

// tryKeywordApproval resolves a pending approval from a bare "yes"/"no"
// reply. Only fires when exactly one approval is pending for the chat.
func (a *Adapter) tryKeywordApproval(ctx context.Context, chatID int64, userID, text string) bool {
	v, ok := a.pendingApps.Load(chatID)
	if !ok {
		return false
	}

	word := strings.ToLower(strings.TrimRight(strings.TrimSpace(text), ".!"))
	var approved bool
	switch {
	case approveWords[word]:
		approved = true
	case rejectWords[word]:
		approved = false
	default:
		return false
	}

	a.pendingApps.Delete(chatID)
	if a.resolver.resolve != nil {
		err := a.resolver.resolve(ctx, v.(string), approved, userID)
		if err != nil && !errors.Is(err, approval.ErrAlreadyDecided) && !errors.Is(err, approval.ErrAlreadyResolved) {
			slog.Warn("telegram keyword approval failed", "error", err)
		}
	}
	return true
}

// notePendingApproval records the approval id carried by outbound buttons so
// a later keyword reply can resolve it without pressing a button.
func (a *Adapter) notePendingApproval(chatID int64, opts *messages.SendOptions) {
	if opts == nil {
		return
	}
	for _, b := range opts.Buttons {
		if b.Action == "approve" && b.Value != "" {
			a.pendingApps.Store(chatID, b.Value)
			return
		}
	}
}
