// Package registry owns the channel adapters. It wires each adapter's event
// bus, forwards normalized messages to the upstream brain, and dispatches
// responses back through the owning adapter (streaming where supported) or
// across channels via the response router.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/voxhub/relay/internal/adapters"
	"github.com/voxhub/relay/internal/brain"
	"github.com/voxhub/relay/internal/bus"
	"github.com/voxhub/relay/internal/identity"
	"github.com/voxhub/relay/internal/messages"
)

// ResponseRouter delivers a finished response according to the user's
// routing preferences. The registry falls back to the origin channel when no
// router is installed.
type ResponseRouter interface {
	Route(ctx context.Context, userID string, origin messages.ChannelType, msg messages.OutgoingMessage) error
}

// EventSink receives gateway lifecycle events for external fan-out.
type EventSink interface {
	Publish(eventType string, payload any)
}

// ApprovalRequester is notified when the upstream pauses at a human
// checkpoint; the approval broker implements it.
type ApprovalRequester interface {
	Request(ctx context.Context, userID string, origin messages.ChannelType, conversationID, approvalID, description string) error
}

// Registry is the adapter owner and message pump.
type Registry struct {
	brain     brain.Client
	store     *identity.Store
	router    ResponseRouter
	events    EventSink
	approvals ApprovalRequester

	mu       sync.RWMutex
	adapters map[messages.ChannelType]adapters.Adapter

	// Authoritative conversation per (channel, user, incoming id) tuple, fed
	// back into subsequent requests so a surface keeps its upstream thread
	// even when the platform only carries a deterministic local id. The same
	// lock serializes in-flight routing per tuple.
	convMu     sync.Mutex
	convCache  map[string]string
	tupleLocks map[string]*sync.Mutex

	// Channels each user has been seen on, maintained on every inbound.
	userChMu     sync.RWMutex
	userChannels map[string]map[messages.ChannelType]struct{}

	wg sync.WaitGroup
}

// New creates an empty registry.
func New(brainClient brain.Client, store *identity.Store) *Registry {
	return &Registry{
		brain:        brainClient,
		store:        store,
		adapters:     make(map[messages.ChannelType]adapters.Adapter),
		convCache:    make(map[string]string),
		tupleLocks:   make(map[string]*sync.Mutex),
		userChannels: make(map[string]map[messages.ChannelType]struct{}),
	}
}

// SetRouter installs the response router. Must be called before Register.
func (r *Registry) SetRouter(router ResponseRouter) { r.router = router }

// SetEventSink installs the external event sink. Must be called before
// Register.
func (r *Registry) SetEventSink(sink EventSink) { r.events = sink }

// SetApprovalBroker installs the approval checkpoint handler. Must be called
// before Register.
func (r *Registry) SetApprovalBroker(b ApprovalRequester) { r.approvals = b }

// Register wires the adapter's bus, seals it, connects, and takes ownership.
// A previously registered adapter for the same channel is disconnected first.
func (r *Registry) Register(ctx context.Context, a adapters.Adapter) error {
	ch := a.ChannelType()

	r.mu.Lock()
	prev := r.adapters[ch]
	delete(r.adapters, ch)
	r.mu.Unlock()

	if prev != nil {
		if err := prev.Disconnect(ctx); err != nil {
			slog.Warn("disconnect of replaced adapter failed", "channel", ch, "error", err)
		}
	}

	ev := a.Events()
	ev.OnMessage(func(msg messages.IncomingMessage) {
		r.trackUserChannel(msg.UserID, msg.Channel)
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			// Messages from the same conversation tuple run one at a time, in
			// arrival order; different tuples proceed in parallel.
			lock := r.tupleLock(convKey(msg.Channel, msg.UserID, msg.ConversationID))
			lock.Lock()
			defer lock.Unlock()
			r.routeMessage(context.Background(), a, msg)
		}()
	})
	ev.OnError(func(err error) {
		slog.Error("adapter error", "channel", ch, "error", err)
	})
	ev.OnStatus(func(s bus.Status) {
		slog.Info("adapter status", "channel", ch, "status", s)
		r.publish("channel.status", map[string]string{"channel": string(ch), "status": string(s)})
	})
	ev.Seal()

	if err := a.Connect(ctx); err != nil {
		return fmt.Errorf("connect %s: %w", ch, err)
	}

	r.mu.Lock()
	r.adapters[ch] = a
	r.mu.Unlock()
	return nil
}

// Unregister disconnects and removes the adapter for a channel. Idempotent;
// disconnect failures are logged and swallowed.
func (r *Registry) Unregister(ctx context.Context, ch messages.ChannelType) {
	r.mu.Lock()
	a, ok := r.adapters[ch]
	delete(r.adapters, ch)
	r.mu.Unlock()

	if !ok {
		return
	}
	if err := a.Disconnect(ctx); err != nil {
		slog.Warn("unregister disconnect failed", "channel", ch, "error", err)
	}
}

// Adapter returns the registered adapter for a channel.
func (r *Registry) Adapter(ch messages.ChannelType) (adapters.Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[ch]
	return a, ok
}

// SendToChannel delivers a message to a user on one channel. An absent
// channel is a warn-level no-op.
func (r *Registry) SendToChannel(ctx context.Context, userID string, ch messages.ChannelType, msg messages.OutgoingMessage) error {
	a, ok := r.Adapter(ch)
	if !ok {
		slog.Warn("send to unregistered channel dropped", "channel", ch, "user_id", userID)
		return nil
	}
	if err := a.Send(ctx, userID, msg); err != nil {
		return err
	}
	r.publish("message.sent", map[string]string{
		"user_id": userID, "channel": string(ch), "conversation_id": msg.ConversationID,
	})
	return nil
}

// BroadcastToUser delivers to every channel the user is tracked on, except
// the excluded ones. A user with no tracked channels (fresh process) gets
// every registered adapter; unknown-user misses are expected and skipped.
// All sends are attempted; the first error is returned after the rest
// settle.
func (r *Registry) BroadcastToUser(ctx context.Context, userID string, msg messages.OutgoingMessage, exclude ...messages.ChannelType) error {
	r.userChMu.RLock()
	tracked := r.userChannels[userID]
	r.userChMu.RUnlock()

	r.mu.RLock()
	targets := make([]adapters.Adapter, 0, len(r.adapters))
	for ch, a := range r.adapters {
		if len(tracked) > 0 {
			if _, ok := tracked[ch]; !ok {
				continue
			}
		}
		skip := false
		for _, ex := range exclude {
			if ch == ex {
				skip = true
				break
			}
		}
		if !skip {
			targets = append(targets, a)
		}
	}
	r.mu.RUnlock()

	var firstErr error
	for _, a := range targets {
		if a.Status() != bus.StatusConnected {
			continue
		}
		if err := a.Send(ctx, userID, msg); err != nil {
			if errors.Is(err, adapters.ErrUnknownUser) {
				continue
			}
			if firstErr == nil {
				firstErr = fmt.Errorf("broadcast to %s: %w", a.ChannelType(), err)
			}
		}
	}
	return firstErr
}

// trackUserChannel records that the user is reachable on a channel; called
// on every inbound message.
func (r *Registry) trackUserChannel(userID string, ch messages.ChannelType) {
	if userID == "" {
		return
	}
	r.userChMu.Lock()
	set, ok := r.userChannels[userID]
	if !ok {
		set = make(map[messages.ChannelType]struct{})
		r.userChannels[userID] = set
	}
	set[ch] = struct{}{}
	r.userChMu.Unlock()
}

// UntrackUserChannel removes a channel from the user's broadcast set.
func (r *Registry) UntrackUserChannel(userID string, ch messages.ChannelType) {
	r.userChMu.Lock()
	if set, ok := r.userChannels[userID]; ok {
		delete(set, ch)
		if len(set) == 0 {
			delete(r.userChannels, userID)
		}
	}
	r.userChMu.Unlock()
}

// IsChannelConnected reports whether the channel's adapter is up.
func (r *Registry) IsChannelConnected(ch messages.ChannelType) bool {
	a, ok := r.Adapter(ch)
	return ok && a.Status() == bus.StatusConnected
}

// Statuses snapshots every adapter's lifecycle state.
func (r *Registry) Statuses() map[messages.ChannelType]bus.Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[messages.ChannelType]bus.Status, len(r.adapters))
	for ch, a := range r.adapters {
		out[ch] = a.Status()
	}
	return out
}

// Shutdown disconnects every adapter concurrently and waits for in-flight
// message routing to finish.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	open := make([]adapters.Adapter, 0, len(r.adapters))
	for ch, a := range r.adapters {
		open = append(open, a)
		delete(r.adapters, ch)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	errCh := make(chan error, len(open))
	for _, a := range open {
		wg.Add(1)
		go func(a adapters.Adapter) {
			defer wg.Done()
			if err := a.Disconnect(ctx); err != nil {
				errCh <- fmt.Errorf("disconnect %s: %w", a.ChannelType(), err)
			}
		}(a)
	}
	wg.Wait()
	close(errCh)

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("shutdown timed out waiting for in-flight messages")
	}

	return <-errCh
}

// routeMessage is the inbound pump: dedup, attachment resolution, upstream
// stream, response dispatch.
func (r *Registry) routeMessage(ctx context.Context, a adapters.Adapter, msg messages.IncomingMessage) {
	ctx, span := otel.Tracer("relay/registry").Start(ctx, "route_message", trace.WithAttributes(
		attribute.String("channel", string(msg.Channel)),
		attribute.String("message.id", msg.ID),
	))
	defer span.End()

	log := slog.With("channel", msg.Channel, "user_id", msg.UserID, "message_id", msg.ID)

	if r.store != nil && msg.Content != "" {
		dup, err := r.store.IsDuplicate(ctx, msg.UserID, msg.Content, msg.Channel)
		if err != nil {
			log.Warn("dedup check failed, continuing", "error", err)
		} else if dup {
			log.Info("duplicate message suppressed")
			return
		}
	}

	r.publish("message.received", map[string]string{
		"user_id": msg.UserID, "channel": string(msg.Channel), "message_id": msg.ID,
	})

	if err := r.resolveAttachments(ctx, a, &msg); err != nil {
		log.Warn("attachment resolution failed", "error", err)
	}

	// The incoming id is only a surface-local key; once the upstream has
	// named the conversation, the authoritative id wins.
	convTuple := convKey(msg.Channel, msg.UserID, msg.ConversationID)
	conversationID := msg.ConversationID
	if cached := r.cachedConversation(convTuple); cached != "" {
		conversationID = cached
	}

	req := brain.ChatRequest{
		UserID:         msg.UserID,
		WorkspaceID:    msg.WorkspaceID,
		ConversationID: conversationID,
		Messages:       []brain.Message{{Role: brain.RoleUser, Content: msg.Content}},
		Provider:       msg.Metadata.Extra["provider"],
		Model:          msg.Metadata.Extra["model"],
		Parameters:     map[string]string{"channel": string(msg.Channel)},
	}
	if msg.Metadata.Extra["mode"] != "" {
		req.Parameters["mode"] = msg.Metadata.Extra["mode"]
	}
	if len(msg.Attachments) > 0 {
		if data, err := json.Marshal(msg.Attachments); err == nil {
			req.Parameters["attachments"] = string(data)
		}
	}

	streamCtx, cancel := context.WithTimeout(ctx, 10*time.Minute)
	defer cancel()

	stream, err := r.brain.StreamChat(streamCtx, req)
	if err != nil {
		log.Error("upstream chat failed to open", "error", err)
		r.deliverError(ctx, a, msg, conversationID)
		return
	}
	defer stream.Close()

	origin := adapters.StreamOrigin{
		ConversationID: conversationID,
		MessageID:      msg.ID,
		Metadata:       msg.Metadata.Extra,
	}

	if sa, ok := a.(adapters.StreamingAdapter); ok && sa.SupportsStreaming() {
		r.consumeStreaming(streamCtx, cancel, sa, msg, convTuple, origin, stream, log)
		return
	}
	r.consumeAccumulated(streamCtx, a, msg, convTuple, stream, log)
}

// resolveAttachments turns platform-opaque handles into fetchable URLs,
// concurrently per attachment.
func (r *Registry) resolveAttachments(ctx context.Context, a adapters.Adapter, msg *messages.IncomingMessage) error {
	if len(msg.Attachments) == 0 {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	for i := range msg.Attachments {
		g.Go(func() error {
			resolved, err := a.HandleAttachment(gctx, msg.Attachments[i])
			if err != nil {
				return err
			}
			msg.Attachments[i] = resolved
			return nil
		})
	}
	return g.Wait()
}

// convKey names a conversation tuple: the channel, the user, and the id the
// surface put on the inbound message (possibly empty).
func convKey(ch messages.ChannelType, userID, incomingConvID string) string {
	return string(ch) + ":" + userID + ":" + incomingConvID
}

func (r *Registry) cachedConversation(key string) string {
	r.convMu.Lock()
	defer r.convMu.Unlock()
	return r.convCache[key]
}

func (r *Registry) rememberConversation(key, conversationID string) {
	if conversationID == "" {
		return
	}
	r.convMu.Lock()
	r.convCache[key] = conversationID
	r.convMu.Unlock()
}

func (r *Registry) tupleLock(key string) *sync.Mutex {
	r.convMu.Lock()
	defer r.convMu.Unlock()
	l, ok := r.tupleLocks[key]
	if !ok {
		l = &sync.Mutex{}
		r.tupleLocks[key] = l
	}
	return l
}

// deliverError sends the canned failure message through the origin adapter.
func (r *Registry) deliverError(ctx context.Context, a adapters.Adapter, msg messages.IncomingMessage, conversationID string) {
	out := messages.OutgoingMessage{
		ConversationID: conversationID,
		Content:        "Sorry, something went wrong while processing your message. Please try again.",
	}
	if err := a.Send(ctx, msg.UserID, out); err != nil {
		slog.Error("error notice delivery failed", "channel", msg.Channel, "error", err)
	}
}

// deliver routes a finished response: preferences-aware when a router is
// installed, origin channel otherwise.
func (r *Registry) deliver(ctx context.Context, origin messages.ChannelType, userID string, out messages.OutgoingMessage) error {
	if r.router != nil {
		return r.router.Route(ctx, userID, origin, out)
	}
	return r.SendToChannel(ctx, userID, origin, out)
}

func (r *Registry) publish(eventType string, payload any) {
	if r.events != nil {
		r.events.Publish(eventType, payload)
	}
}
