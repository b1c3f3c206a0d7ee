package routing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/voxhub/relay/internal/identity"
	"github.com/voxhub/relay/internal/messages"
)

type sendCall struct {
	channel messages.ChannelType
	msg     messages.OutgoingMessage
}

type fakeSender struct {
	mu         sync.Mutex
	sends      []sendCall
	broadcasts []messages.OutgoingMessage
	excluded   []messages.ChannelType
	connected  map[messages.ChannelType]bool
}

func (f *fakeSender) SendToChannel(_ context.Context, _ string, ch messages.ChannelType, msg messages.OutgoingMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, sendCall{channel: ch, msg: msg})
	return nil
}

func (f *fakeSender) BroadcastToUser(_ context.Context, _ string, msg messages.OutgoingMessage, exclude ...messages.ChannelType) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, msg)
	f.excluded = append(f.excluded, exclude...)
	return nil
}

func (f *fakeSender) IsChannelConnected(ch messages.ChannelType) bool {
	return f.connected[ch]
}

func newRouter(t *testing.T, sender *fakeSender) (*Router, *identity.Store) {
	t.Helper()
	store := identity.NewStore(identity.NewMemoryKV(), 0)
	return New(store, sender), store
}

func TestRouteSameChannelDefault(t *testing.T) {
	sender := &fakeSender{}
	r, _ := newRouter(t, sender)

	out := messages.OutgoingMessage{Content: "answer"}
	if err := r.Route(context.Background(), "u-1", messages.ChannelTelegram, out); err != nil {
		t.Fatalf("route: %v", err)
	}

	if len(sender.sends) != 1 || sender.sends[0].channel != messages.ChannelTelegram {
		t.Errorf("sends = %+v, want one send to telegram", sender.sends)
	}
	if len(sender.broadcasts) != 0 {
		t.Error("unexpected broadcast under same_channel")
	}
}

func TestRouteAllChannels(t *testing.T) {
	sender := &fakeSender{}
	r, store := newRouter(t, sender)
	ctx := context.Background()

	store.SetPreferences(ctx, "u-1", identity.Preferences{Strategy: identity.RouteAllChannels})

	out := messages.OutgoingMessage{Content: "answer"}
	if err := r.Route(ctx, "u-1", messages.ChannelDiscord, out); err != nil {
		t.Fatalf("route: %v", err)
	}

	if len(sender.broadcasts) != 1 {
		t.Fatalf("broadcasts = %d, want 1", len(sender.broadcasts))
	}
	if len(sender.excluded) != 1 || sender.excluded[0] != messages.ChannelDiscord {
		t.Errorf("broadcast exclusions = %v, want origin excluded", sender.excluded)
	}
	if len(sender.sends) != 1 || sender.sends[0].channel != messages.ChannelDiscord {
		t.Errorf("sends = %+v, want origin served directly", sender.sends)
	}
}

func TestRoutePreferWeb(t *testing.T) {
	tests := []struct {
		name         string
		origin       messages.ChannelType
		webConnected bool
		wantChannels []messages.ChannelType
	}{
		// Web and the origin surface both get the reply.
		{"web up, telegram origin", messages.ChannelTelegram, true,
			[]messages.ChannelType{messages.ChannelWeb, messages.ChannelTelegram}},
		{"web down, telegram origin", messages.ChannelTelegram, false,
			[]messages.ChannelType{messages.ChannelTelegram}},
		{"web origin sends once", messages.ChannelWeb, true,
			[]messages.ChannelType{messages.ChannelWeb}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := &fakeSender{connected: map[messages.ChannelType]bool{
				messages.ChannelWeb: tt.webConnected,
			}}
			r, store := newRouter(t, sender)
			ctx := context.Background()
			store.SetPreferences(ctx, "u-1", identity.Preferences{Strategy: identity.RoutePreferWeb})

			if err := r.Route(ctx, "u-1", tt.origin, messages.OutgoingMessage{Content: "x"}); err != nil {
				t.Fatalf("route: %v", err)
			}
			if len(sender.sends) != len(tt.wantChannels) {
				t.Fatalf("sends = %+v, want channels %v", sender.sends, tt.wantChannels)
			}
			for i, want := range tt.wantChannels {
				if sender.sends[i].channel != want {
					t.Errorf("send %d went to %s, want %s", i, sender.sends[i].channel, want)
				}
			}
		})
	}
}

func TestRouteAllChannelsHonorsEnabledSet(t *testing.T) {
	sender := &fakeSender{}
	r, store := newRouter(t, sender)
	ctx := context.Background()

	store.SetPreferences(ctx, "u-1", identity.Preferences{
		Strategy:        identity.RouteAllChannels,
		EnabledChannels: []messages.ChannelType{messages.ChannelTelegram, messages.ChannelDiscord},
	})

	if err := r.Route(ctx, "u-1", messages.ChannelTelegram, messages.OutgoingMessage{Content: "x"}); err != nil {
		t.Fatalf("route: %v", err)
	}

	if len(sender.broadcasts) != 0 {
		t.Error("enabled set present, blanket broadcast still used")
	}
	// One fan-out send to discord, then the origin send to telegram.
	if len(sender.sends) != 2 {
		t.Fatalf("sends = %+v, want discord fan-out plus origin", sender.sends)
	}
	if sender.sends[0].channel != messages.ChannelDiscord {
		t.Errorf("fan-out went to %s, want discord", sender.sends[0].channel)
	}
	if sender.sends[1].channel != messages.ChannelTelegram {
		t.Errorf("origin send went to %s, want telegram", sender.sends[1].channel)
	}
}

func TestRouteMutedDrops(t *testing.T) {
	sender := &fakeSender{}
	r, store := newRouter(t, sender)
	ctx := context.Background()

	store.SetPreferences(ctx, "u-1", identity.Preferences{
		Strategy:  identity.RouteSameChannel,
		MuteUntil: time.Now().Add(time.Hour),
	})

	if err := r.Route(ctx, "u-1", messages.ChannelTelegram, messages.OutgoingMessage{Content: "x"}); err != nil {
		t.Fatalf("route: %v", err)
	}
	if len(sender.sends) != 0 || len(sender.broadcasts) != 0 {
		t.Error("muted user still received a message")
	}
}

func TestMirrorOnlyForAllChannels(t *testing.T) {
	sender := &fakeSender{}
	r, store := newRouter(t, sender)
	ctx := context.Background()

	if err := r.Mirror(ctx, "u-1", messages.ChannelWeb, messages.OutgoingMessage{Content: "x"}); err != nil {
		t.Fatalf("mirror: %v", err)
	}
	if len(sender.broadcasts) != 0 {
		t.Error("mirror fired under same_channel")
	}

	store.SetPreferences(ctx, "u-2", identity.Preferences{Strategy: identity.RouteAllChannels})
	r.InvalidatePrefs("u-2")
	if err := r.Mirror(ctx, "u-2", messages.ChannelWeb, messages.OutgoingMessage{Content: "x"}); err != nil {
		t.Fatalf("mirror: %v", err)
	}
	if len(sender.broadcasts) != 1 {
		t.Error("mirror did not broadcast under all_channels")
	}
	if len(sender.excluded) != 1 || sender.excluded[0] != messages.ChannelWeb {
		t.Errorf("mirror exclusions = %v, want origin excluded", sender.excluded)
	}
}

func TestPrefsCacheInvalidation(t *testing.T) {
	sender := &fakeSender{}
	r, store := newRouter(t, sender)
	ctx := context.Background()

	// Prime the cache with the default strategy.
	r.Route(ctx, "u-1", messages.ChannelTelegram, messages.OutgoingMessage{Content: "a"})

	store.SetPreferences(ctx, "u-1", identity.Preferences{Strategy: identity.RouteAllChannels})

	// Cached read still routes same-channel.
	r.Route(ctx, "u-1", messages.ChannelTelegram, messages.OutgoingMessage{Content: "b"})
	if len(sender.broadcasts) != 0 {
		t.Fatal("stale cache was bypassed unexpectedly")
	}

	r.InvalidatePrefs("u-1")
	r.Route(ctx, "u-1", messages.ChannelTelegram, messages.OutgoingMessage{Content: "c"})
	if len(sender.broadcasts) != 1 {
		t.Error("invalidation did not force a fresh preference read")
	}
}
