// Package adapters defines the surface adapter abstraction. An adapter
// translates between a platform's native protocol and the normalized message
// model, owns its platform connection and per-user scratch state, and emits
// events on its own bus. The registry owns adapters.
package adapters

import (
	"context"
	"errors"
	"time"

	"github.com/voxhub/relay/internal/bus"
	"github.com/voxhub/relay/internal/messages"
)

var (
	// ErrUnknownUser means the adapter has no mapping for the user on this
	// surface. Structural; never retried.
	ErrUnknownUser = errors.New("unknown user on this channel")

	// ErrConnectInProgress means Connect was called while a connect attempt
	// was already running.
	ErrConnectInProgress = errors.New("connect already in progress")
)

// Adapter is the contract every surface implements.
type Adapter interface {
	// ChannelType is constant for the adapter's lifetime.
	ChannelType() messages.ChannelType

	// Status is the current lifecycle state, also observable via Events.
	Status() bus.Status

	// Events is the adapter's event bus. The registry wires handlers before
	// Connect; registration never happens mid-flight.
	Events() *bus.Emitter

	// Connect completes when the adapter is ready or fails. Calling it while
	// connected is a no-op.
	Connect(ctx context.Context) error

	// Disconnect completes after all background work drains: polling loops
	// cancelled, sockets closed, timers cleared.
	Disconnect(ctx context.Context) error

	// Send delivers a message to the user on this surface. Fails with
	// ErrUnknownUser when the adapter has no mapping for userID.
	Send(ctx context.Context, userID string, msg messages.OutgoingMessage) error

	// HandleAttachment resolves platform-opaque attachment handles into
	// usable URLs. The default is identity.
	HandleAttachment(ctx context.Context, att messages.Attachment) (messages.Attachment, error)

	// FormatOutgoing is a pure transformation to platform-native conventions.
	FormatOutgoing(msg messages.OutgoingMessage) messages.OutgoingMessage
}

// StreamHandle identifies a live outbound message being progressively
// edited. The concrete value is adapter-specific.
type StreamHandle interface {
	// Key identifies the handle for logging and map keying.
	Key() string
}

// StreamOrigin carries the surface context of the inbound message a stream
// responds to: the effective conversation id, the normalized message id (for
// correlation frames), and the platform fields the adapter recorded on the
// way in (chat id, thread id, session id).
type StreamOrigin struct {
	ConversationID string
	MessageID      string
	Metadata       map[string]string
}

// ErrStreamGone means the live message's surface context no longer exists
// (socket closed, message deleted). The registry aborts the stream on it.
var ErrStreamGone = errors.New("stream target gone")

// StreamingAdapter is the optional progressive-delivery capability.
type StreamingAdapter interface {
	Adapter

	// SupportsStreaming reports whether streaming is currently enabled.
	SupportsStreaming() bool

	// StreamInterval is the minimum spacing between progressive updates.
	// Zero means updates flush immediately (token-level surfaces).
	StreamInterval() time.Duration

	// SendStreamStart posts an editable placeholder.
	SendStreamStart(ctx context.Context, userID string, origin StreamOrigin) (StreamHandle, error)

	// SendStreamUpdate edits the placeholder with the accumulated content so
	// far. Best-effort: platform "not modified" responses are tolerated.
	SendStreamUpdate(ctx context.Context, h StreamHandle, accumulated string) error

	// SendStreamEnd finalizes the message. Content over the platform limit
	// replaces the placeholder with a chunked sequence.
	SendStreamEnd(ctx context.Context, h StreamHandle, final string) error

	// SendToolActivity posts a lightweight status line distinct from the
	// answer. Optional; adapters may ignore it.
	SendToolActivity(ctx context.Context, userID string, h StreamHandle, act messages.ToolActivity) error
}
