// Package routing decides where a finished response goes. The default is
// the channel the question came from; per-user preferences can fan out to
// every connected channel or prefer the web surface when it is online.
package routing

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/voxhub/relay/internal/identity"
	"github.com/voxhub/relay/internal/messages"
)

// prefsCacheTTL bounds how stale a cached preference read may be.
const prefsCacheTTL = 30 * time.Second

// Sender is the delivery surface the router drives; the registry implements
// it.
type Sender interface {
	SendToChannel(ctx context.Context, userID string, ch messages.ChannelType, msg messages.OutgoingMessage) error
	BroadcastToUser(ctx context.Context, userID string, msg messages.OutgoingMessage, exclude ...messages.ChannelType) error
	IsChannelConnected(ch messages.ChannelType) bool
}

// Router applies per-user routing preferences to outbound responses.
type Router struct {
	store  *identity.Store
	sender Sender

	mu    sync.Mutex
	cache map[string]cachedPrefs
}

type cachedPrefs struct {
	prefs   identity.Preferences
	expires time.Time
}

// New creates a router over the given preference store and sender.
func New(store *identity.Store, sender Sender) *Router {
	return &Router{
		store:  store,
		sender: sender,
		cache:  make(map[string]cachedPrefs),
	}
}

// Route delivers a response according to the user's preferences. Origin is
// the channel the triggering message arrived on.
func (r *Router) Route(ctx context.Context, userID string, origin messages.ChannelType, msg messages.OutgoingMessage) error {
	prefs := r.preferences(ctx, userID)

	if !prefs.MuteUntil.IsZero() && time.Now().Before(prefs.MuteUntil) {
		slog.Info("response dropped: user muted", "user_id", userID, "until", prefs.MuteUntil)
		return nil
	}
	if !channelEnabled(prefs, origin) && prefs.Strategy == identity.RouteSameChannel {
		slog.Info("response dropped: origin channel disabled", "user_id", userID, "channel", origin)
		return nil
	}

	switch prefs.Strategy {
	case identity.RouteAllChannels:
		// Origin goes last so a fan-out failure elsewhere never blocks the
		// surface the user is actually watching.
		if err := r.fanOut(ctx, userID, prefs, origin, msg); err != nil {
			slog.Warn("fan-out delivery incomplete", "user_id", userID, "error", err)
		}
		return r.sender.SendToChannel(ctx, userID, origin, msg)

	case identity.RoutePreferWeb:
		if origin != messages.ChannelWeb && r.sender.IsChannelConnected(messages.ChannelWeb) {
			if err := r.sender.SendToChannel(ctx, userID, messages.ChannelWeb, msg); err != nil {
				slog.Warn("web delivery failed", "user_id", userID, "error", err)
			}
		}
		// The origin surface always gets the reply too.
		return r.sender.SendToChannel(ctx, userID, origin, msg)

	default: // same_channel
		return r.sender.SendToChannel(ctx, userID, origin, msg)
	}
}

// fanOut delivers to every channel the user enabled, except the origin.
// An empty enabled set means all channels; all sends are attempted and the
// first failure is reported after the rest settle.
func (r *Router) fanOut(ctx context.Context, userID string, prefs identity.Preferences, origin messages.ChannelType, msg messages.OutgoingMessage) error {
	if len(prefs.EnabledChannels) == 0 {
		return r.sender.BroadcastToUser(ctx, userID, msg, origin)
	}
	var firstErr error
	for _, ch := range prefs.EnabledChannels {
		if ch == origin {
			continue
		}
		if err := r.sender.SendToChannel(ctx, userID, ch, msg); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Mirror fans a response out to the user's other channels after the origin
// already received it (streaming surfaces deliver in place). No-op unless
// the user opted into all_channels.
func (r *Router) Mirror(ctx context.Context, userID string, origin messages.ChannelType, msg messages.OutgoingMessage) error {
	prefs := r.preferences(ctx, userID)
	if prefs.Strategy != identity.RouteAllChannels {
		return nil
	}
	if !prefs.MuteUntil.IsZero() && time.Now().Before(prefs.MuteUntil) {
		return nil
	}
	return r.fanOut(ctx, userID, prefs, origin, msg)
}

// InvalidatePrefs drops the cached preferences for a user, forcing a store
// read on the next route.
func (r *Router) InvalidatePrefs(userID string) {
	r.mu.Lock()
	delete(r.cache, userID)
	r.mu.Unlock()
}

func (r *Router) preferences(ctx context.Context, userID string) identity.Preferences {
	r.mu.Lock()
	if c, ok := r.cache[userID]; ok && time.Now().Before(c.expires) {
		r.mu.Unlock()
		return c.prefs
	}
	r.mu.Unlock()

	prefs, err := r.store.GetPreferences(ctx, userID)
	if err != nil {
		slog.Warn("preference read failed, using defaults", "user_id", userID, "error", err)
		prefs = identity.Preferences{Strategy: identity.RouteSameChannel}
	}

	r.mu.Lock()
	r.cache[userID] = cachedPrefs{prefs: prefs, expires: time.Now().Add(prefsCacheTTL)}
	r.mu.Unlock()
	return prefs
}

func channelEnabled(prefs identity.Preferences, ch messages.ChannelType) bool {
	if len(prefs.EnabledChannels) == 0 {
		return true
	}
	for _, enabled := range prefs.EnabledChannels {
		if enabled == ch {
			return true
		}
	}
	return false
}
