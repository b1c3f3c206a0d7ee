package brain

import (
	"context"
	"errors"
)

// ErrStreamClosed is returned by Recv after Close.
var ErrStreamClosed = errors.New("brain: stream closed")

// Stream yields chunks from an open chat run. Recv returns io.EOF once the
// upstream closes the stream; callers must Close in every exit path.
type Stream interface {
	Recv() (Chunk, error)
	Close() error
}

// Client is the consumer-side contract to the upstream service.
type Client interface {
	// StreamChat opens a streaming chat run. The stream is tied to ctx:
	// cancelling ctx aborts the run and releases transport resources.
	StreamChat(ctx context.Context, req ChatRequest) (Stream, error)

	// ApproveAction resolves an approval checkpoint.
	ApproveAction(ctx context.Context, approvalID, userID string, approved bool) (ApprovalResult, error)

	// ListPendingApprovals lists approvals awaiting the given user.
	ListPendingApprovals(ctx context.Context, userID, workspaceID string) ([]PendingApproval, error)
}
