// Package discord implements the Discord surface over the gateway. Discord
// gets the accumulate path: a "Thinking..." placeholder goes up immediately,
// typing keeps refreshing, and the finished answer replaces the placeholder,
// chunked when it exceeds the platform limit.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/voxhub/relay/internal/adapters"
	"github.com/voxhub/relay/internal/config"
	"github.com/voxhub/relay/internal/identity"
	"github.com/voxhub/relay/internal/messages"
)

const (
	// messageLimit is Discord's per-message content ceiling.
	messageLimit = 2000

	// embedLimit is the per-embed description ceiling, used for answers that
	// carry buttons.
	embedLimit = 4000

	// Discord typing expires after 10s; refresh just under.
	typingKeepalive = 9 * time.Second

	placeholderText = "Thinking..."
)

var _ adapters.Adapter = (*Adapter)(nil)

// Adapter is the Discord surface.
type Adapter struct {
	*adapters.Base
	session *discordgo.Session
	cfg     config.DiscordConfig
	store   *identity.Store

	botUserID string

	channelIDs   sync.Map // userID string → channelID string (last seen surface)
	convChannels sync.Map // conversationID string → channelID string
	placeholders sync.Map // conversationID string → placeholder messageID
	typingCtrls  sync.Map // channelID string → *adapters.TypingController
	pendingApps  sync.Map // channelID string → approvalID string

	resolveApproval func(ctx context.Context, approvalID string, approved bool, actorUserID string) error

	handlerRemovers []func()
}

// New creates the Discord adapter.
func New(cfg config.DiscordConfig, store *identity.Store) (*Adapter, error) {
	session, err := discordgo.New("Bot " + cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent |
		discordgo.IntentsGuildMessageReactions

	return &Adapter{
		Base:    adapters.NewBase(messages.ChannelDiscord),
		session: session,
		cfg:     cfg,
		store:   store,
	}, nil
}

// SetApprovalResolver registers the broker callback for component approvals.
// Must be called before Connect.
func (a *Adapter) SetApprovalResolver(fn func(ctx context.Context, approvalID string, approved bool, actorUserID string) error) {
	a.resolveApproval = fn
}

// Connect opens the gateway, captures the bot identity, and registers the
// slash commands.
func (a *Adapter) Connect(ctx context.Context) error {
	already, err := a.BeginConnect()
	if already {
		return nil
	}
	if err != nil {
		return err
	}

	a.handlerRemovers = []func(){
		a.session.AddHandler(a.handleMessageCreate),
		a.session.AddHandler(a.handleInteraction),
	}

	if err := a.session.Open(); err != nil {
		a.MarkDisconnected()
		return fmt.Errorf("open discord session: %w", err)
	}

	user, err := a.session.User("@me")
	if err != nil {
		a.session.Close()
		a.MarkDisconnected()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	a.botUserID = user.ID

	if err := a.registerCommands(); err != nil {
		slog.Warn("discord slash command registration failed", "error", err)
	}

	a.MarkConnected()
	slog.Info("discord connected", "username", user.Username, "id", user.ID)
	return nil
}

// Disconnect removes handlers, stops timers, and closes the gateway.
func (a *Adapter) Disconnect(_ context.Context) error {
	for _, remove := range a.handlerRemovers {
		remove()
	}
	a.handlerRemovers = nil

	a.typingCtrls.Range(func(key, value any) bool {
		value.(*adapters.TypingController).Stop()
		a.typingCtrls.Delete(key)
		return true
	})

	err := a.session.Close()
	a.MarkDisconnected()
	slog.Info("discord disconnected")
	return err
}

// Send delivers the answer. When a placeholder exists for the conversation
// it is edited with the first chunk; the rest follows as new messages.
// Buttons ride on the last message as an embed with components.
func (a *Adapter) Send(ctx context.Context, userID string, msg messages.OutgoingMessage) error {
	channelID, err := a.surfaceFor(userID, msg.ConversationID)
	if err != nil {
		return err
	}

	a.stopTyping(channelID)
	a.notePendingApproval(channelID, msg.Options)

	content := msg.Content
	hasButtons := msg.Options != nil && len(msg.Options.Buttons) > 0

	// Buttoned answers go out as a single embed; the 4000-char description
	// limit gives comfortable headroom for approval prompts.
	if hasButtons {
		a.deletePlaceholder(channelID, msg.ConversationID)
		if len(content) > embedLimit {
			content = adapters.Truncate(content, embedLimit)
		}
		_, err := a.session.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
			Embeds:     []*discordgo.MessageEmbed{{Description: content}},
			Components: buttonComponents(msg.Options.Buttons),
		}, discordgo.WithContext(ctx))
		if err != nil {
			return fmt.Errorf("send discord embed: %w", err)
		}
		return nil
	}

	if content == "" {
		a.deletePlaceholder(channelID, msg.ConversationID)
		return nil
	}

	chunks := adapters.SplitMessage(content, messageLimit)

	if phID, ok := a.placeholders.LoadAndDelete(msg.ConversationID); ok {
		if _, editErr := a.session.ChannelMessageEdit(channelID, phID.(string), chunks[0], discordgo.WithContext(ctx)); editErr == nil {
			chunks = chunks[1:]
		} else {
			slog.Warn("discord placeholder edit failed, sending fresh", "error", editErr)
		}
	}

	for _, chunk := range chunks {
		if _, err := a.session.ChannelMessageSend(channelID, chunk, discordgo.WithContext(ctx)); err != nil {
			return fmt.Errorf("send discord message: %w", err)
		}
	}
	return nil
}

func (a *Adapter) surfaceFor(userID, conversationID string) (string, error) {
	if conversationID != "" {
		if v, ok := a.convChannels.Load(conversationID); ok {
			return v.(string), nil
		}
	}
	if v, ok := a.channelIDs.Load(userID); ok {
		return v.(string), nil
	}
	return "", adapters.ErrUnknownUser
}

func (a *Adapter) deletePlaceholder(channelID, conversationID string) {
	if phID, ok := a.placeholders.LoadAndDelete(conversationID); ok {
		if err := a.session.ChannelMessageDelete(channelID, phID.(string)); err != nil {
			slog.Debug("discord placeholder delete failed", "error", err)
		}
	}
}

func (a *Adapter) stopTyping(channelID string) {
	if ctrl, ok := a.typingCtrls.LoadAndDelete(channelID); ok {
		ctrl.(*adapters.TypingController).Stop()
	}
}

func buttonComponents(buttons []messages.Button) []discordgo.MessageComponent {
	row := discordgo.ActionsRow{}
	for _, b := range buttons {
		style := discordgo.PrimaryButton
		if b.Action == "reject" {
			style = discordgo.DangerButton
		}
		customID := b.Action
		if b.Value != "" {
			customID = b.Action + ":" + b.Value
		}
		row.Components = append(row.Components, discordgo.Button{
			Label:    b.Label,
			Style:    style,
			CustomID: customID,
		})
	}
	return []discordgo.MessageComponent{row}
}
