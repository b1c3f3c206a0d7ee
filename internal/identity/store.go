package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/voxhub/relay/internal/messages"
)

// DefaultDedupTTL is the dedup suppression window. Hard-capped at 10s: the
// window exists only to absorb webhook retries and cross-channel crossfires.
const (
	DefaultDedupTTL = 5 * time.Second
	maxDedupTTL     = 10 * time.Second
)

// ChannelIdentity maps a platform-local user to a logical account.
// (Channel, ChannelUserID) is unique and points at exactly one UserID.
type ChannelIdentity struct {
	UserID        string               `json:"user_id"`
	Channel       messages.ChannelType `json:"channel"`
	ChannelUserID string               `json:"channel_user_id"`
	DisplayName   string               `json:"display_name,omitempty"`
	Linked        bool                 `json:"linked"`
	CreatedAt     time.Time            `json:"created_at"`
}

// Store is the identity, dedup, and preference store.
type Store struct {
	kv       KV
	dedupTTL time.Duration
}

// NewStore creates a store over the given KV. A zero dedupTTL selects the
// default; anything above the cap is clamped.
func NewStore(kv KV, dedupTTL time.Duration) *Store {
	if dedupTTL <= 0 {
		dedupTTL = DefaultDedupTTL
	}
	if dedupTTL > maxDedupTTL {
		dedupTTL = maxDedupTTL
	}
	return &Store{kv: kv, dedupTTL: dedupTTL}
}

func forwardKey(channel messages.ChannelType, channelUserID string) string {
	return fmt.Sprintf("id:%s:%s", channel, channelUserID)
}

func reverseKey(userID string) string {
	return "id:user:" + userID
}

func reverseMember(channel messages.ChannelType, channelUserID string) string {
	return fmt.Sprintf("%s:%s", channel, channelUserID)
}

// RegisterIdentity upserts the forward index and inserts the reverse-set
// membership. Forward first: readers tolerate a transient reverse row whose
// forward row has moved, never the opposite.
//
// A row that already exists keeps its owner: every inbound message
// re-registers its deterministic identity, and that must never undo an
// explicit LinkIdentities. Only the display name is refreshed.
func (s *Store) RegisterIdentity(ctx context.Context, id ChannelIdentity) error {
	if id.UserID == "" || id.Channel == "" || id.ChannelUserID == "" {
		return fmt.Errorf("identity: user_id, channel, channel_user_id are required")
	}

	existing, err := s.GetIdentity(ctx, id.Channel, id.ChannelUserID)
	switch {
	case err == nil:
		if id.DisplayName != "" {
			existing.DisplayName = id.DisplayName
		}
		id = existing
	case errors.Is(err, ErrNotFound):
		if id.CreatedAt.IsZero() {
			id.CreatedAt = time.Now().UTC()
		}
	default:
		return fmt.Errorf("read forward index: %w", err)
	}

	data, err := json.Marshal(id)
	if err != nil {
		return fmt.Errorf("encode identity: %w", err)
	}

	if err := s.kv.Set(ctx, forwardKey(id.Channel, id.ChannelUserID), string(data), 0); err != nil {
		return fmt.Errorf("write forward index: %w", err)
	}
	if err := s.kv.SAdd(ctx, reverseKey(id.UserID), reverseMember(id.Channel, id.ChannelUserID)); err != nil {
		return fmt.Errorf("write reverse index: %w", err)
	}
	return nil
}

// ResolveUserID maps a platform-local id to the logical account, or "" when
// unmapped.
func (s *Store) ResolveUserID(ctx context.Context, channel messages.ChannelType, channelUserID string) (string, error) {
	raw, err := s.kv.Get(ctx, forwardKey(channel, channelUserID))
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read forward index: %w", err)
	}

	var id ChannelIdentity
	if err := json.Unmarshal([]byte(raw), &id); err != nil {
		return "", fmt.Errorf("decode identity: %w", err)
	}
	return id.UserID, nil
}

// GetIdentity loads the full forward row, or ErrNotFound.
func (s *Store) GetIdentity(ctx context.Context, channel messages.ChannelType, channelUserID string) (ChannelIdentity, error) {
	raw, err := s.kv.Get(ctx, forwardKey(channel, channelUserID))
	if err != nil {
		return ChannelIdentity{}, err
	}
	var id ChannelIdentity
	if err := json.Unmarshal([]byte(raw), &id); err != nil {
		return ChannelIdentity{}, fmt.Errorf("decode identity: %w", err)
	}
	return id, nil
}

// LinkIdentities rewrites the identity at (channel, channelUserID) to point
// at primaryUserID and moves the reverse membership. A missing secondary is
// logged and ignored.
func (s *Store) LinkIdentities(ctx context.Context, primaryUserID string, channel messages.ChannelType, channelUserID string) error {
	existing, err := s.GetIdentity(ctx, channel, channelUserID)
	if errors.Is(err, ErrNotFound) {
		slog.Warn("identity link: secondary not found",
			"channel", channel, "channel_user_id", channelUserID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load secondary identity: %w", err)
	}

	previousOwner := existing.UserID
	existing.UserID = primaryUserID
	existing.Linked = true

	data, err := json.Marshal(existing)
	if err != nil {
		return fmt.Errorf("encode identity: %w", err)
	}

	member := reverseMember(channel, channelUserID)
	if err := s.kv.Set(ctx, forwardKey(channel, channelUserID), string(data), 0); err != nil {
		return fmt.Errorf("relink forward index: %w", err)
	}
	if err := s.kv.SAdd(ctx, reverseKey(primaryUserID), member); err != nil {
		return fmt.Errorf("add reverse membership: %w", err)
	}
	if previousOwner != "" && previousOwner != primaryUserID {
		if err := s.kv.SRem(ctx, reverseKey(previousOwner), member); err != nil {
			return fmt.Errorf("remove stale reverse membership: %w", err)
		}
	}
	return nil
}

// GetUserIdentities lists all channel identities of a logical account.
// Stale reverse rows (forward row relinked elsewhere) are skipped.
func (s *Store) GetUserIdentities(ctx context.Context, userID string) ([]ChannelIdentity, error) {
	members, err := s.kv.SMembers(ctx, reverseKey(userID))
	if err != nil {
		return nil, fmt.Errorf("read reverse index: %w", err)
	}

	out := make([]ChannelIdentity, 0, len(members))
	for _, member := range members {
		channel, cuid, ok := strings.Cut(member, ":")
		if !ok {
			continue
		}
		id, err := s.GetIdentity(ctx, messages.ChannelType(channel), cuid)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if id.UserID != userID {
			// Relinked elsewhere; reverse row is stale.
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

// IsDuplicate records the (user, content) fingerprint and reports whether it
// was already present within the dedup window. Atomic set-if-absent.
func (s *Store) IsDuplicate(ctx context.Context, userID, content string, channel messages.ChannelType) (bool, error) {
	key := fmt.Sprintf("dedup:%s:%08x", userID, Fingerprint(content))
	set, err := s.kv.SetNX(ctx, key, string(channel), s.dedupTTL)
	if err != nil {
		return false, fmt.Errorf("dedup check: %w", err)
	}
	return !set, nil
}

// Fingerprint folds content into a stable 32-bit FNV-1a hash. Deliberately
// non-cryptographic: the dedup window is a few seconds.
func Fingerprint(content string) uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	h := uint32(offset32)
	for i := 0; i < len(content); i++ {
		h ^= uint32(content[i])
		h *= prime32
	}
	return h
}
