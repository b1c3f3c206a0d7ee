package registry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/voxhub/relay/internal/adapters"
	"github.com/voxhub/relay/internal/brain"
	"github.com/voxhub/relay/internal/messages"
)

// streamCanceller is the optional per-handle teardown signal. The web
// adapter exposes it so a dropped socket aborts its upstream run instead of
// streaming into the void.
type streamCanceller interface {
	Done() <-chan struct{}
}

// streamErrorSender is the optional explicit error surface (web error
// frames). Adapters without it get the error as final content.
type streamErrorSender interface {
	SendStreamError(h adapters.StreamHandle, errMsg string)
}

// consumeStreaming drives the progressive-delivery path: placeholder up
// front, throttled updates, final edit on DONE.
func (r *Registry) consumeStreaming(ctx context.Context, cancel context.CancelFunc, sa adapters.StreamingAdapter, msg messages.IncomingMessage, convTuple string, origin adapters.StreamOrigin, stream brain.Stream, log *slog.Logger) {
	handle, err := sa.SendStreamStart(ctx, msg.UserID, origin)
	if err != nil {
		log.Warn("stream start failed, falling back to accumulate", "error", err)
		r.consumeAccumulated(ctx, sa, msg, convTuple, stream, log)
		return
	}
	log = log.With("stream_key", handle.Key())

	if c, ok := handle.(streamCanceller); ok {
		go func() {
			select {
			case <-c.Done():
				log.Info("stream target gone, aborting upstream run")
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	interval := sa.StreamInterval()
	var (
		accumulated string
		lastFlush   time.Time
		done        bool
	)

	flush := func() {
		if accumulated == "" {
			return
		}
		if err := sa.SendStreamUpdate(ctx, handle, accumulated); err != nil {
			if errors.Is(err, adapters.ErrStreamGone) {
				cancel()
				return
			}
			log.Debug("stream update failed", "error", err)
		}
		lastFlush = time.Now()
	}

	for {
		chunk, err := stream.Recv()
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				log.Error("upstream stream failed", "error", err)
				r.finishStreamError(ctx, sa, handle, msg, "The upstream service dropped the connection. Please try again.")
				return
			}
			break
		}

		switch chunk.Type {
		case brain.ChunkContentDelta:
			r.rememberConversation(convTuple, chunk.ConversationID)
			if chunk.ToolActivityChunk() {
				r.maybeRequestApproval(ctx, msg, convTuple, chunk)
				r.forwardToolActivity(ctx, sa, handle, msg.UserID, chunk, interval)
				continue
			}
			accumulated += chunk.ContentDelta
			if interval == 0 || time.Since(lastFlush) >= interval {
				flush()
			}

		case brain.ChunkToolCall:
			r.forwardToolActivity(ctx, sa, handle, msg.UserID, chunk, interval)

		case brain.ChunkDone:
			r.rememberConversation(convTuple, chunk.ConversationID)
			done = true

		case brain.ChunkError:
			log.Warn("upstream reported error", "error", chunk.ErrorMessage)
			r.finishStreamError(ctx, sa, handle, msg, "Sorry, something went wrong while processing your message. Please try again.")
			return
		}

		if done {
			break
		}
	}

	if ctx.Err() != nil {
		return // target gone or run cancelled; nothing left to deliver
	}

	conversationID := r.cachedConversation(convTuple)
	if conversationID == "" {
		conversationID = msg.ConversationID
	}
	if err := sa.SendStreamEnd(ctx, handle, accumulated); err != nil {
		log.Warn("stream end failed, sending as plain message", "error", err)
		out := messages.OutgoingMessage{ConversationID: conversationID, Content: accumulated}
		if sendErr := sa.Send(ctx, msg.UserID, out); sendErr != nil {
			log.Error("fallback send failed", "error", sendErr)
			return
		}
	}

	r.publish("message.sent", map[string]string{
		"user_id": msg.UserID, "channel": string(msg.Channel), "conversation_id": conversationID,
	})
	r.mirror(ctx, msg, conversationID, accumulated)
}

// forwardToolActivity relays a status chunk. Routing metadata is noisy on
// throttled surfaces, so it only reaches adapters that flush immediately.
func (r *Registry) forwardToolActivity(ctx context.Context, sa adapters.StreamingAdapter, handle adapters.StreamHandle, userID string, chunk brain.Chunk, interval time.Duration) {
	status := chunk.AgentStatus()
	if status == "" && chunk.Type == brain.ChunkToolCall {
		status = brain.StatusToolStart
	}
	if status == brain.StatusRoutingInfo && interval > 0 {
		return
	}

	act := messages.ToolActivity{
		Status:       status,
		ToolName:     chunk.Metadata[brain.MetaToolName],
		ToolArgs:     chunk.Metadata[brain.MetaToolArgs],
		ToolResult:   chunk.Metadata[brain.MetaToolResult],
		Thinking:     chunk.Metadata[brain.MetaThinking],
		Provider:     chunk.Metadata[brain.MetaProvider],
		Model:        chunk.Metadata[brain.MetaModel],
		Complexity:   chunk.Metadata[brain.MetaComplexity],
		WasEscalated: chunk.Metadata[brain.MetaWasEscalated] == "true",
	}
	if err := sa.SendToolActivity(ctx, userID, handle, act); err != nil {
		slog.Debug("tool activity forward failed", "error", err)
	}
}

// finishStreamError terminates the stream visibly: a dedicated error surface
// when the adapter has one, the error text as final content otherwise.
func (r *Registry) finishStreamError(ctx context.Context, sa adapters.StreamingAdapter, handle adapters.StreamHandle, msg messages.IncomingMessage, text string) {
	if es, ok := sa.(streamErrorSender); ok {
		es.SendStreamError(handle, text)
		return
	}
	if err := sa.SendStreamEnd(ctx, handle, text); err != nil {
		r.deliverError(ctx, sa, msg, msg.ConversationID)
	}
}

// consumeAccumulated drives the whole-answer path for non-streaming
// surfaces: collect every delta, deliver once on DONE.
func (r *Registry) consumeAccumulated(ctx context.Context, a adapters.Adapter, msg messages.IncomingMessage, convTuple string, stream brain.Stream, log *slog.Logger) {
	var accumulated string

loop:
	for {
		chunk, err := stream.Recv()
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				log.Error("upstream stream failed", "error", err)
				r.deliverError(ctx, a, msg, msg.ConversationID)
				return
			}
			break
		}

		switch chunk.Type {
		case brain.ChunkContentDelta:
			r.rememberConversation(convTuple, chunk.ConversationID)
			if chunk.ToolActivityChunk() {
				r.maybeRequestApproval(ctx, msg, convTuple, chunk)
				continue
			}
			accumulated += chunk.ContentDelta

		case brain.ChunkDone:
			r.rememberConversation(convTuple, chunk.ConversationID)
			break loop

		case brain.ChunkError:
			log.Warn("upstream reported error", "error", chunk.ErrorMessage)
			r.deliverError(ctx, a, msg, msg.ConversationID)
			return
		}
	}

	if ctx.Err() != nil || accumulated == "" {
		return
	}

	conversationID := r.cachedConversation(convTuple)
	if conversationID == "" {
		conversationID = msg.ConversationID
	}
	out := messages.OutgoingMessage{ConversationID: conversationID, Content: accumulated}
	if err := r.deliver(ctx, msg.Channel, msg.UserID, out); err != nil {
		log.Error("response delivery failed", "error", err)
		return
	}
	r.publish("message.sent", map[string]string{
		"user_id": msg.UserID, "channel": string(msg.Channel), "conversation_id": conversationID,
	})
}

// maybeRequestApproval hands a waiting_approval checkpoint to the broker.
func (r *Registry) maybeRequestApproval(ctx context.Context, msg messages.IncomingMessage, convTuple string, chunk brain.Chunk) {
	if r.approvals == nil || chunk.AgentStatus() != brain.StatusWaitingApproval {
		return
	}
	approvalID := chunk.Metadata[brain.MetaApprovalID]
	if approvalID == "" {
		slog.Warn("waiting_approval chunk without approval id", "user_id", msg.UserID)
		return
	}

	description := chunk.Metadata[brain.MetaToolArgs]
	if name := chunk.Metadata[brain.MetaToolName]; name != "" {
		description = "Approve running **" + name + "**?"
		if args := chunk.Metadata[brain.MetaToolArgs]; args != "" {
			description += "\n```\n" + args + "\n```"
		}
	}

	conversationID := r.cachedConversation(convTuple)
	if conversationID == "" {
		conversationID = msg.ConversationID
	}
	if err := r.approvals.Request(ctx, msg.UserID, msg.Channel, conversationID, approvalID, description); err != nil {
		slog.Warn("approval request failed", "approval_id", approvalID, "error", err)
	}
	r.publish("approval.requested", map[string]string{
		"approval_id": approvalID, "user_id": msg.UserID, "channel": string(msg.Channel),
	})
}

// mirrorRouter is the optional cross-channel fan-out the routing layer
// provides for surfaces that already received the answer via streaming.
type mirrorRouter interface {
	Mirror(ctx context.Context, userID string, origin messages.ChannelType, msg messages.OutgoingMessage) error
}

func (r *Registry) mirror(ctx context.Context, msg messages.IncomingMessage, conversationID, content string) {
	mr, ok := r.router.(mirrorRouter)
	if !ok || content == "" {
		return
	}
	out := messages.OutgoingMessage{ConversationID: conversationID, Content: content}
	if err := mr.Mirror(ctx, msg.UserID, msg.Channel, out); err != nil {
		slog.Debug("cross-channel mirror failed", "user_id", msg.UserID, "error", err)
	}
}
