package approval

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/voxhub/relay/internal/brain"
	"github.com/voxhub/relay/internal/messages"
)

type approveCall struct {
	approvalID string
	userID     string
	approved   bool
}

type fakeBrain struct {
	mu       sync.Mutex
	approves []approveCall
	fail     bool
}

func (b *fakeBrain) StreamChat(context.Context, brain.ChatRequest) (brain.Stream, error) {
	return nil, errors.New("not used")
}

func (b *fakeBrain) ApproveAction(_ context.Context, approvalID, userID string, approved bool) (brain.ApprovalResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.approves = append(b.approves, approveCall{approvalID, userID, approved})
	if b.fail {
		return brain.ApprovalResult{Success: false, Error: "task already finished"}, nil
	}
	return brain.ApprovalResult{Success: true}, nil
}

func (b *fakeBrain) ListPendingApprovals(context.Context, string, string) ([]brain.PendingApproval, error) {
	return []brain.PendingApproval{{ApprovalID: "ap-7"}}, nil
}

type fakeSender struct {
	mu        sync.Mutex
	sends     []messages.OutgoingMessage
	sendErr   error
	broadcast []messages.OutgoingMessage
}

func (f *fakeSender) SendToChannel(_ context.Context, _ string, _ messages.ChannelType, msg messages.OutgoingMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sends = append(f.sends, msg)
	return nil
}

func (f *fakeSender) BroadcastToUser(_ context.Context, _ string, msg messages.OutgoingMessage, _ ...messages.ChannelType) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcast = append(f.broadcast, msg)
	return nil
}

func TestRequestPromptsWithButtons(t *testing.T) {
	fb := &fakeBrain{}
	sender := &fakeSender{}
	b := New(fb, sender)
	ctx := context.Background()

	if err := b.Request(ctx, "u-1", messages.ChannelTelegram, "conv-1", "ap-1", "Approve deploy?"); err != nil {
		t.Fatalf("request: %v", err)
	}
	if len(sender.sends) != 1 {
		t.Fatalf("sends = %d, want 1", len(sender.sends))
	}

	msg := sender.sends[0]
	if msg.Options == nil || len(msg.Options.Buttons) != 2 {
		t.Fatalf("prompt buttons = %+v, want approve and reject", msg.Options)
	}
	if msg.Options.Buttons[0].Action != "approve" || msg.Options.Buttons[0].Value != "ap-1" {
		t.Errorf("approve button = %+v", msg.Options.Buttons[0])
	}

	// Re-request while pending is a no-op.
	if err := b.Request(ctx, "u-1", messages.ChannelTelegram, "conv-1", "ap-1", "again"); err != nil {
		t.Fatalf("re-request: %v", err)
	}
	if len(sender.sends) != 1 {
		t.Error("pending approval was re-prompted")
	}
}

func TestRequestFallsBackToBroadcast(t *testing.T) {
	fb := &fakeBrain{}
	sender := &fakeSender{sendErr: errors.New("no mapping")}
	b := New(fb, sender)

	if err := b.Request(context.Background(), "u-1", messages.ChannelWeb, "", "ap-2", ""); err != nil {
		t.Fatalf("request: %v", err)
	}
	if len(sender.broadcast) != 1 {
		t.Error("origin failure did not fall back to broadcast")
	}
}

func TestResolveOnce(t *testing.T) {
	fb := &fakeBrain{}
	b := New(fb, &fakeSender{})
	ctx := context.Background()

	b.Request(ctx, "u-1", messages.ChannelTelegram, "", "ap-1", "")

	if err := b.Resolve(ctx, "ap-1", true, "u-1"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(fb.approves) != 1 || !fb.approves[0].approved {
		t.Fatalf("upstream approves = %+v", fb.approves)
	}

	// Same outcome again: surfaced as already decided, no second upstream
	// call, so the UI can show an "already processed" note.
	if err := b.Resolve(ctx, "ap-1", true, "u-1"); !errors.Is(err, ErrAlreadyDecided) {
		t.Errorf("repeat with same outcome = %v, want ErrAlreadyDecided", err)
	}
	if len(fb.approves) != 1 {
		t.Error("repeat resolution reached upstream")
	}

	// Conflicting outcome is rejected.
	if err := b.Resolve(ctx, "ap-1", false, "u-1"); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("conflicting resolution error = %v, want ErrAlreadyResolved", err)
	}
}

func TestResolveWrongUser(t *testing.T) {
	fb := &fakeBrain{}
	b := New(fb, &fakeSender{})
	ctx := context.Background()

	b.Request(ctx, "u-1", messages.ChannelTelegram, "", "ap-1", "")

	if err := b.Resolve(ctx, "ap-1", true, "u-2"); !errors.Is(err, ErrWrongUser) {
		t.Errorf("error = %v, want ErrWrongUser", err)
	}
	if len(fb.approves) != 0 {
		t.Error("foreign resolution reached upstream")
	}
}

func TestResolveUnknownApprovalForwarded(t *testing.T) {
	// Gateway restarted: the approval is unknown locally but valid upstream.
	fb := &fakeBrain{}
	b := New(fb, &fakeSender{})
	ctx := context.Background()

	if err := b.Resolve(ctx, "ap-lost", false, "u-1"); err != nil {
		t.Fatalf("resolve unknown: %v", err)
	}
	if len(fb.approves) != 1 || fb.approves[0].approvalID != "ap-lost" {
		t.Fatalf("approves = %+v", fb.approves)
	}

	if err := b.Resolve(ctx, "ap-lost", false, "u-1"); !errors.Is(err, ErrAlreadyDecided) {
		t.Errorf("repeat after restart-path resolution = %v, want ErrAlreadyDecided", err)
	}
	if err := b.Resolve(ctx, "ap-lost", true, "u-1"); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("conflict after restart-path resolution = %v", err)
	}

	if err := b.Resolve(ctx, "ap-x", true, ""); err == nil {
		t.Error("missing actor accepted")
	}
}

func TestResolveUpstreamFailure(t *testing.T) {
	fb := &fakeBrain{fail: true}
	b := New(fb, &fakeSender{})
	ctx := context.Background()

	b.Request(ctx, "u-1", messages.ChannelTelegram, "", "ap-1", "")
	if err := b.Resolve(ctx, "ap-1", true, "u-1"); err == nil {
		t.Fatal("upstream failure swallowed")
	}

	// Not marked resolved: a retry reaches upstream again.
	fb.fail = false
	if err := b.Resolve(ctx, "ap-1", true, "u-1"); err != nil {
		t.Errorf("retry after upstream failure: %v", err)
	}
	if len(fb.approves) != 2 {
		t.Errorf("approves = %d, want 2", len(fb.approves))
	}
}
