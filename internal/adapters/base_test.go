package adapters

import (
	"testing"

	"github.com/voxhub/relay/internal/bus"
	"github.com/voxhub/relay/internal/messages"
)

func TestBase_LifecycleTransitions(t *testing.T) {
	b := NewBase(messages.ChannelTelegram)

	var events []bus.Status
	b.Events().OnStatus(func(s bus.Status) { events = append(events, s) })

	if b.Status() != bus.StatusDisconnected {
		t.Fatalf("initial status = %s", b.Status())
	}

	already, err := b.BeginConnect()
	if already || err != nil {
		t.Fatalf("BeginConnect from disconnected: already=%v err=%v", already, err)
	}
	if b.Status() != bus.StatusConnecting {
		t.Fatalf("status after BeginConnect = %s", b.Status())
	}

	if _, err := b.BeginConnect(); err != ErrConnectInProgress {
		t.Fatalf("BeginConnect while connecting: err=%v, want ErrConnectInProgress", err)
	}

	b.MarkConnected()
	if b.Status() != bus.StatusConnected {
		t.Fatalf("status after MarkConnected = %s", b.Status())
	}

	already, err = b.BeginConnect()
	if !already || err != nil {
		t.Fatalf("BeginConnect while connected must be a no-op: already=%v err=%v", already, err)
	}

	b.MarkDisconnected()
	b.MarkDisconnected() // second call emits nothing

	want := []bus.Status{bus.StatusConnecting, bus.StatusConnected, bus.StatusDisconnected}
	if len(events) != len(want) {
		t.Fatalf("status events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, events[i], want[i])
		}
	}
}

func TestBase_ConnectFailureReturnsToDisconnected(t *testing.T) {
	b := NewBase(messages.ChannelDiscord)

	if _, err := b.BeginConnect(); err != nil {
		t.Fatal(err)
	}
	b.MarkDisconnected()

	if b.Status() != bus.StatusDisconnected {
		t.Fatalf("status after failed connect = %s", b.Status())
	}

	// A fresh connect attempt is legal again.
	if _, err := b.BeginConnect(); err != nil {
		t.Fatalf("reconnect after failure: %v", err)
	}
}
