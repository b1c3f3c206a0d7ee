package web

import (
	"context"
	"sync"
	"time"

	"github.com/voxhub/relay/internal/adapters"
	"github.com/voxhub/relay/internal/brain"
	"github.com/voxhub/relay/internal/messages"
	"github.com/voxhub/relay/pkg/protocol"
)

var _ adapters.StreamingAdapter = (*Adapter)(nil)

// streamHandle tracks one in-flight chat exchange on a socket. Updates are
// delta-encoded: the handle remembers how much of the accumulated content
// has already been written as token frames.
type streamHandle struct {
	c         *client
	messageID string

	mu      sync.Mutex
	sentLen int
}

func (h *streamHandle) Key() string { return h.messageID }

// Done exposes the socket teardown signal; the registry cancels the
// upstream stream when it fires.
func (h *streamHandle) Done() <-chan struct{} { return h.c.gone }

// SupportsStreaming is always true for the web surface.
func (a *Adapter) SupportsStreaming() bool { return true }

// StreamInterval is zero: token frames flush immediately.
func (a *Adapter) StreamInterval() time.Duration { return 0 }

// SendStreamStart emits the thinking frame and opens a delta stream.
func (a *Adapter) SendStreamStart(_ context.Context, userID string, origin adapters.StreamOrigin) (adapters.StreamHandle, error) {
	c := a.clientForOrigin(userID, origin.Metadata["session_id"])
	if c == nil {
		return nil, adapters.ErrUnknownUser
	}

	h := &streamHandle{c: c, messageID: origin.MessageID}
	if err := c.writeFrame(protocol.ServerFrame{Type: protocol.FrameThinking, MessageID: h.messageID}); err != nil {
		return nil, adapters.ErrStreamGone
	}
	return h, nil
}

// SendStreamUpdate writes the unseen suffix of the accumulated content as a
// token frame.
func (a *Adapter) SendStreamUpdate(_ context.Context, handle adapters.StreamHandle, accumulated string) error {
	h, ok := handle.(*streamHandle)
	if !ok {
		return adapters.ErrStreamGone
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.sentLen >= len(accumulated) {
		return nil // nothing new
	}
	delta := accumulated[h.sentLen:]

	if err := h.c.writeFrame(protocol.ServerFrame{
		Type:      protocol.FrameToken,
		Content:   delta,
		MessageID: h.messageID,
	}); err != nil {
		return adapters.ErrStreamGone
	}
	h.sentLen = len(accumulated)
	return nil
}

// SendStreamEnd flushes any remaining delta and terminates with done.
func (a *Adapter) SendStreamEnd(ctx context.Context, handle adapters.StreamHandle, final string) error {
	h, ok := handle.(*streamHandle)
	if !ok {
		return adapters.ErrStreamGone
	}

	if err := a.SendStreamUpdate(ctx, handle, final); err != nil {
		return err
	}
	if err := h.c.writeFrame(protocol.ServerFrame{Type: protocol.FrameDone, MessageID: h.messageID}); err != nil {
		return adapters.ErrStreamGone
	}
	return nil
}

// SendStreamError terminates the exchange with an error frame.
func (a *Adapter) SendStreamError(handle adapters.StreamHandle, errMsg string) {
	if h, ok := handle.(*streamHandle); ok {
		_ = h.c.writeFrame(protocol.ServerFrame{Type: protocol.FrameError, Error: errMsg, MessageID: h.messageID})
	}
}

// SendToolActivity forwards agent side-channel status as routing_info or
// tool_activity frames.
func (a *Adapter) SendToolActivity(_ context.Context, userID string, handle adapters.StreamHandle, act messages.ToolActivity) error {
	h, ok := handle.(*streamHandle)
	if !ok {
		return nil
	}

	if act.Status == brain.StatusRoutingInfo {
		return h.c.writeFrame(protocol.ServerFrame{
			Type:         protocol.FrameRoutingInfo,
			MessageID:    h.messageID,
			Provider:     act.Provider,
			Model:        act.Model,
			WasEscalated: act.WasEscalated,
			Complexity:   act.Complexity,
		})
	}

	return h.c.writeFrame(protocol.ServerFrame{
		Type:       protocol.FrameToolActivity,
		MessageID:  h.messageID,
		Status:     act.Status,
		ToolName:   act.ToolName,
		ToolArgs:   act.ToolArgs,
		ToolResult: act.ToolResult,
		Thinking:   act.Thinking,
	})
}
