package identity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxhub/relay/internal/messages"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(NewMemoryKV(), 50*time.Millisecond)
}

func TestRegisterAndResolve(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	id := ChannelIdentity{
		UserID:        "U1",
		Channel:       messages.ChannelTelegram,
		ChannelUserID: "42",
		DisplayName:   "Ada",
	}
	require.NoError(t, s.RegisterIdentity(ctx, id))

	uid, err := s.ResolveUserID(ctx, messages.ChannelTelegram, "42")
	require.NoError(t, err)
	assert.Equal(t, "U1", uid)

	ids, err := s.GetUserIdentities(ctx, "U1")
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.Equal(t, "42", ids[0].ChannelUserID)
	assert.False(t, ids[0].CreatedAt.IsZero())
}

func TestResolveUnknownIsEmpty(t *testing.T) {
	s := newTestStore(t)
	uid, err := s.ResolveUserID(context.Background(), messages.ChannelDiscord, "555")
	require.NoError(t, err)
	assert.Empty(t, uid)
}

func TestLinkIdentities(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.RegisterIdentity(ctx, ChannelIdentity{
		UserID:        "U",
		Channel:       messages.ChannelTelegram,
		ChannelUserID: "42",
	}))
	require.NoError(t, s.LinkIdentities(ctx, "U2", messages.ChannelTelegram, "42"))

	uid, err := s.ResolveUserID(ctx, messages.ChannelTelegram, "42")
	require.NoError(t, err)
	assert.Equal(t, "U2", uid)

	old, err := s.GetUserIdentities(ctx, "U")
	require.NoError(t, err)
	assert.Empty(t, old, "previous owner must not list the linked identity")

	merged, err := s.GetUserIdentities(ctx, "U2")
	require.NoError(t, err)
	require.Len(t, merged, 1)
	assert.True(t, merged[0].Linked)
	assert.Equal(t, "42", merged[0].ChannelUserID)
}

func TestRegisterDoesNotUndoLink(t *testing.T) {
	// Every inbound message re-registers its deterministic identity; that
	// must never move ownership back off the linked primary.
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.RegisterIdentity(ctx, ChannelIdentity{
		UserID:        "U",
		Channel:       messages.ChannelTelegram,
		ChannelUserID: "42",
		DisplayName:   "Ada",
	}))
	require.NoError(t, s.LinkIdentities(ctx, "U-prime", messages.ChannelTelegram, "42"))

	require.NoError(t, s.RegisterIdentity(ctx, ChannelIdentity{
		UserID:        "U",
		Channel:       messages.ChannelTelegram,
		ChannelUserID: "42",
		DisplayName:   "Ada L.",
	}))

	uid, err := s.ResolveUserID(ctx, messages.ChannelTelegram, "42")
	require.NoError(t, err)
	assert.Equal(t, "U-prime", uid, "re-registration must not move ownership")

	row, err := s.GetIdentity(ctx, messages.ChannelTelegram, "42")
	require.NoError(t, err)
	assert.True(t, row.Linked, "linked flag survives re-registration")
	assert.Equal(t, "Ada L.", row.DisplayName, "display name still refreshes")

	old, err := s.GetUserIdentities(ctx, "U")
	require.NoError(t, err)
	assert.Empty(t, old)
}

func TestLinkMissingSecondaryIsNoop(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.LinkIdentities(context.Background(), "U", messages.ChannelDiscord, "nope"))
}

func TestIsDuplicate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	dup, err := s.IsDuplicate(ctx, "U1", "Are you there?", messages.ChannelTelegram)
	require.NoError(t, err)
	assert.False(t, dup, "first occurrence is not a duplicate")

	dup, err = s.IsDuplicate(ctx, "U1", "Are you there?", messages.ChannelWeb)
	require.NoError(t, err)
	assert.True(t, dup, "same user+content within window is a duplicate regardless of channel")

	dup, err = s.IsDuplicate(ctx, "U2", "Are you there?", messages.ChannelTelegram)
	require.NoError(t, err)
	assert.False(t, dup, "different user is not a duplicate")

	time.Sleep(60 * time.Millisecond)
	dup, err = s.IsDuplicate(ctx, "U1", "Are you there?", messages.ChannelTelegram)
	require.NoError(t, err)
	assert.False(t, dup, "entry expires after the TTL window")
}

func TestFingerprintStability(t *testing.T) {
	if Fingerprint("hello") != Fingerprint("hello") {
		t.Fatal("fingerprint must be stable")
	}
	if Fingerprint("hello") == Fingerprint("hellp") {
		t.Fatal("adjacent contents should not collide")
	}
}

func TestPreferencesRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	p, err := s.GetPreferences(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, RouteSameChannel, p.Strategy, "unset preferences default to same_channel")

	want := Preferences{
		Strategy:        RouteAllChannels,
		EnabledChannels: []messages.ChannelType{messages.ChannelTelegram, messages.ChannelWeb},
	}
	require.NoError(t, s.SetPreferences(ctx, "U1", want))

	got, err := s.GetPreferences(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, want.Strategy, got.Strategy)
	assert.Equal(t, want.EnabledChannels, got.EnabledChannels)
}
