package adapters

import (
	"context"
	"sync"

	"github.com/voxhub/relay/internal/bus"
	"github.com/voxhub/relay/internal/messages"
)

// Base provides the shared lifecycle state machine and event bus. Adapter
// implementations embed it.
//
// Legal transitions: disconnected → connecting → connected → disconnected,
// plus connecting → disconnected on connect failure. Every transition emits
// exactly one status event.
type Base struct {
	channel messages.ChannelType
	emitter *bus.Emitter

	mu     sync.Mutex
	status bus.Status
}

// NewBase creates a Base in the disconnected state.
func NewBase(channel messages.ChannelType) *Base {
	return &Base{
		channel: channel,
		emitter: bus.NewEmitter(),
		status:  bus.StatusDisconnected,
	}
}

// ChannelType returns the surface's channel type.
func (b *Base) ChannelType() messages.ChannelType { return b.channel }

// Events returns the adapter's event bus.
func (b *Base) Events() *bus.Emitter { return b.emitter }

// Status returns the current lifecycle state.
func (b *Base) Status() bus.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// setLocked transitions and emits. Caller holds b.mu.
func (b *Base) setLocked(to bus.Status) {
	if b.status == to {
		return
	}
	b.status = to
	b.emitter.EmitStatus(to)
}

// BeginConnect moves disconnected → connecting. Returns alreadyConnected
// true (and nil error) when the adapter is connected: Connect must then be a
// no-op. A concurrent connect attempt is an error.
func (b *Base) BeginConnect() (alreadyConnected bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.status {
	case bus.StatusConnected:
		return true, nil
	case bus.StatusConnecting:
		return false, ErrConnectInProgress
	}
	b.setLocked(bus.StatusConnecting)
	return false, nil
}

// MarkConnected completes a successful connect.
func (b *Base) MarkConnected() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status == bus.StatusConnecting {
		b.setLocked(bus.StatusConnected)
	}
}

// MarkDisconnected drives the adapter to disconnected from any state.
// Calling it while already disconnected emits nothing.
func (b *Base) MarkDisconnected() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setLocked(bus.StatusDisconnected)
}

// Connected reports whether the adapter is currently connected.
func (b *Base) Connected() bool {
	return b.Status() == bus.StatusConnected
}

// HandleAttachment is the identity default; adapters with opaque platform
// handles override it.
func (b *Base) HandleAttachment(_ context.Context, att messages.Attachment) (messages.Attachment, error) {
	return att, nil
}

// FormatOutgoing is the identity default.
func (b *Base) FormatOutgoing(msg messages.OutgoingMessage) messages.OutgoingMessage {
	return msg
}

// Truncate shortens s to maxLen, appending "..." if truncated.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
