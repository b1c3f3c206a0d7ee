// Package messages defines the normalized message model shared by all
// channel adapters. Adapters translate platform payloads into these types at
// the edge; everything downstream (registry, router, brain client) sees only
// this model.
package messages

import (
	"strings"
	"time"
)

// ChannelType identifies a platform class.
type ChannelType string

const (
	ChannelWeb      ChannelType = "web"
	ChannelTelegram ChannelType = "telegram"
	ChannelDiscord  ChannelType = "discord"
	ChannelWhatsApp ChannelType = "whatsapp"
	ChannelMobile   ChannelType = "mobile"
)

// IncomingMessage is a platform message normalized for routing.
// ID is locally generated. ConversationID is either set deterministically by
// the adapter (derived from an immutable surface handle such as the chat id)
// or left empty so the upstream allocates one.
type IncomingMessage struct {
	ID             string       `json:"id"`
	Channel        ChannelType  `json:"channel"`
	UserID         string       `json:"user_id"`
	WorkspaceID    string       `json:"workspace_id"`
	ConversationID string       `json:"conversation_id,omitempty"`
	Content        string       `json:"content"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	Metadata       Metadata     `json:"metadata"`
}

// Metadata carries platform-level context for an incoming message.
type Metadata struct {
	ChannelUserID    string            `json:"channel_user_id"`
	ChannelMessageID string            `json:"channel_message_id,omitempty"`
	Timestamp        time.Time         `json:"timestamp"`
	Extra            map[string]string `json:"extra,omitempty"`
}

// OutgoingMessage is a reply to be delivered through an adapter.
type OutgoingMessage struct {
	ConversationID string       `json:"conversation_id,omitempty"`
	Content        string       `json:"content"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	Options        *SendOptions `json:"options,omitempty"`
}

// SendOptions carries optional delivery hints.
type SendOptions struct {
	Buttons  []Button `json:"buttons,omitempty"`
	Markdown bool     `json:"markdown,omitempty"`
	Mentions []string `json:"mentions,omitempty"`
}

// Button is an interactive component. The adapter maps Action to a
// platform-specific callback token.
type Button struct {
	Label  string `json:"label"`
	Action string `json:"action"`
	Value  string `json:"value,omitempty"`
}

// AttachmentType classifies an attachment.
type AttachmentType string

const (
	AttachmentImage AttachmentType = "image"
	AttachmentAudio AttachmentType = "audio"
	AttachmentVideo AttachmentType = "video"
	AttachmentFile  AttachmentType = "file"
)

// Attachment references a media item. URL may be an opaque platform handle
// (e.g. "tg://<file_id>") that the owning adapter resolves lazily.
type Attachment struct {
	Type     AttachmentType `json:"type"`
	URL      string         `json:"url"`
	MimeType string         `json:"mime_type,omitempty"`
	Size     int64          `json:"size,omitempty"`
	Filename string         `json:"filename,omitempty"`
}

// AttachmentTypeFromMIME maps a MIME type to an AttachmentType by prefix.
func AttachmentTypeFromMIME(mime string) AttachmentType {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return AttachmentImage
	case strings.HasPrefix(mime, "audio/"):
		return AttachmentAudio
	case strings.HasPrefix(mime, "video/"):
		return AttachmentVideo
	default:
		return AttachmentFile
	}
}

// ToolActivity is a side-channel status event emitted while the upstream is
// working on a response (tool execution, thinking, awaiting approval).
type ToolActivity struct {
	Status     string `json:"status"`
	ToolName   string `json:"tool_name,omitempty"`
	ToolArgs   string `json:"tool_args,omitempty"`
	ToolResult string `json:"tool_result,omitempty"`
	Thinking   string `json:"thinking,omitempty"`

	// Routing fields, set when Status is routing_info.
	Provider     string `json:"provider,omitempty"`
	Model        string `json:"model,omitempty"`
	Complexity   string `json:"complexity,omitempty"`
	WasEscalated bool   `json:"was_escalated,omitempty"`
}
