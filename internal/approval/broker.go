// Package approval brokers human-in-the-loop checkpoints. The upstream
// pauses a run and names an approval id; the broker prompts the user with
// approve/reject buttons on their surface and forwards the decision back
// upstream. Decisions are one-shot: a repeat with the same outcome reports
// already decided, a conflicting one is rejected.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/voxhub/relay/internal/brain"
	"github.com/voxhub/relay/internal/messages"
)

var (
	// ErrAlreadyResolved means the approval was decided with the opposite
	// outcome.
	ErrAlreadyResolved = errors.New("approval already resolved")

	// ErrAlreadyDecided means the approval was decided earlier with the same
	// outcome. The decision stood; surfaces show an informational note
	// instead of re-acknowledging.
	ErrAlreadyDecided = errors.New("approval already decided")

	// ErrWrongUser means the actor does not own the approval.
	ErrWrongUser = errors.New("approval belongs to another user")
)

// Sender delivers the approval prompt; the registry implements it.
type Sender interface {
	SendToChannel(ctx context.Context, userID string, ch messages.ChannelType, msg messages.OutgoingMessage) error
	BroadcastToUser(ctx context.Context, userID string, msg messages.OutgoingMessage, exclude ...messages.ChannelType) error
}

type pending struct {
	userID         string
	origin         messages.ChannelType
	conversationID string
	resolved       bool
	approved       bool
}

// Broker tracks in-flight approvals and forwards decisions upstream.
type Broker struct {
	brain  brain.Client
	sender Sender

	mu      sync.Mutex
	pending map[string]*pending
}

// New creates a broker.
func New(brainClient brain.Client, sender Sender) *Broker {
	return &Broker{
		brain:   brainClient,
		sender:  sender,
		pending: make(map[string]*pending),
	}
}

// Request registers the approval and prompts the user on the origin surface,
// broadcasting when the origin cannot reach them. Re-requests for an already
// pending approval are no-ops, so upstream keepalive chunks do not spam.
func (b *Broker) Request(ctx context.Context, userID string, origin messages.ChannelType, conversationID, approvalID, description string) error {
	if approvalID == "" {
		return fmt.Errorf("approval id is required")
	}

	b.mu.Lock()
	if _, exists := b.pending[approvalID]; exists {
		b.mu.Unlock()
		return nil
	}
	b.pending[approvalID] = &pending{
		userID:         userID,
		origin:         origin,
		conversationID: conversationID,
	}
	b.mu.Unlock()

	if description == "" {
		description = "The assistant wants to perform an action that needs your approval."
	}

	msg := messages.OutgoingMessage{
		ConversationID: conversationID,
		Content:        description,
		Options: &messages.SendOptions{
			Buttons: []messages.Button{
				{Label: "✅ Approve", Action: "approve", Value: approvalID},
				{Label: "❌ Reject", Action: "reject", Value: approvalID},
			},
		},
	}

	if err := b.sender.SendToChannel(ctx, userID, origin, msg); err != nil {
		slog.Warn("approval prompt failed on origin, broadcasting",
			"approval_id", approvalID, "channel", origin, "error", err)
		return b.sender.BroadcastToUser(ctx, userID, msg)
	}
	return nil
}

// Resolve forwards a decision upstream. Approvals unknown to this process
// (gateway restarted mid-checkpoint) are forwarded as long as the actor is
// identified; ownership cannot be verified then, the upstream re-checks it.
func (b *Broker) Resolve(ctx context.Context, approvalID string, approved bool, actorUserID string) error {
	if actorUserID == "" {
		return fmt.Errorf("actor user id is required")
	}

	b.mu.Lock()
	p, known := b.pending[approvalID]
	if known {
		if p.resolved {
			b.mu.Unlock()
			if p.approved == approved {
				return ErrAlreadyDecided
			}
			return ErrAlreadyResolved
		}
		if p.userID != actorUserID {
			b.mu.Unlock()
			return ErrWrongUser
		}
	}
	b.mu.Unlock()

	result, err := b.brain.ApproveAction(ctx, approvalID, actorUserID, approved)
	if err != nil {
		return fmt.Errorf("forward approval: %w", err)
	}
	if !result.Success {
		return fmt.Errorf("approval rejected upstream: %s", result.Error)
	}

	b.mu.Lock()
	if p, ok := b.pending[approvalID]; ok {
		p.resolved = true
		p.approved = approved
	} else {
		b.pending[approvalID] = &pending{userID: actorUserID, resolved: true, approved: approved}
	}
	b.mu.Unlock()

	slog.Info("approval resolved", "approval_id", approvalID, "approved", approved, "user_id", actorUserID)
	return nil
}

// PendingFor lists the user's unresolved approvals from the upstream, the
// source of truth across gateway restarts.
func (b *Broker) PendingFor(ctx context.Context, userID, workspaceID string) ([]brain.PendingApproval, error) {
	return b.brain.ListPendingApprovals(ctx, userID, workspaceID)
}
