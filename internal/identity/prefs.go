package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/voxhub/relay/internal/messages"
)

// RoutingStrategy selects how replies fan out across a user's channels.
type RoutingStrategy string

const (
	RouteSameChannel RoutingStrategy = "same_channel"
	RouteAllChannels RoutingStrategy = "all_channels"
	RoutePreferWeb   RoutingStrategy = "prefer_web"
)

// Preferences are per-user notification settings.
type Preferences struct {
	Strategy        RoutingStrategy        `json:"strategy"`
	EnabledChannels []messages.ChannelType `json:"enabled_channels,omitempty"`
	MuteUntil       time.Time              `json:"mute_until,omitzero"`
}

// DefaultPreferences replies only on the originating channel.
func DefaultPreferences() Preferences {
	return Preferences{Strategy: RouteSameChannel}
}

func prefsKey(userID string) string {
	return "prefs:" + userID
}

// GetPreferences loads a user's notification preferences, falling back to
// defaults when unset.
func (s *Store) GetPreferences(ctx context.Context, userID string) (Preferences, error) {
	raw, err := s.kv.Get(ctx, prefsKey(userID))
	if errors.Is(err, ErrNotFound) {
		return DefaultPreferences(), nil
	}
	if err != nil {
		return Preferences{}, fmt.Errorf("read preferences: %w", err)
	}

	var p Preferences
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return Preferences{}, fmt.Errorf("decode preferences: %w", err)
	}
	if p.Strategy == "" {
		p.Strategy = RouteSameChannel
	}
	return p, nil
}

// SetPreferences stores a user's notification preferences.
func (s *Store) SetPreferences(ctx context.Context, userID string, p Preferences) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode preferences: %w", err)
	}
	return s.kv.Set(ctx, prefsKey(userID), string(data), 0)
}

// Web session handles: sess:<sessionId> → userID with TTL.

// PutSession records a web session for a user.
func (s *Store) PutSession(ctx context.Context, sessionID, userID string, ttl time.Duration) error {
	return s.kv.Set(ctx, "sess:"+sessionID, userID, ttl)
}

// DeleteSession drops a web session.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	return s.kv.Del(ctx, "sess:"+sessionID)
}
