package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/voxhub/relay/internal/config"
)

func TestNewWithoutEndpoints(t *testing.T) {
	if d := New(config.WebhooksConfig{}); d != nil {
		t.Error("dispatcher created with no endpoints")
	}
}

func TestDeliverySignedAndShaped(t *testing.T) {
	received := make(chan *http.Request, 1)
	bodies := make(chan []byte, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received <- r
		bodies <- body
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := New(config.WebhooksConfig{
		Endpoints:    []config.WebhookEndpoint{{URL: srv.URL, Secret: "hush"}},
		HeaderPrefix: "relay",
	})
	d.Publish("message.received", map[string]string{"user_id": "u-1"})
	d.Close()

	var req *http.Request
	var body []byte
	select {
	case req = <-received:
		body = <-bodies
	case <-time.After(2 * time.Second):
		t.Fatal("delivery never arrived")
	}

	if got := req.Header.Get("X-relay-Event"); got != "message.received" {
		t.Errorf("event header = %q", got)
	}
	if got := req.Header.Get("X-relay-Attempt"); got != "1" {
		t.Errorf("attempt header = %q", got)
	}

	mac := hmac.New(sha256.New, []byte("hush"))
	mac.Write(body)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	if got := req.Header.Get("X-relay-Signature"); got != want {
		t.Errorf("signature = %q, want %q", got, want)
	}

	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if ev.ID == "" || ev.Type != "message.received" || ev.Timestamp == "" {
		t.Errorf("event envelope incomplete: %+v", ev)
	}
}

func TestRetryOnFailure(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := New(config.WebhooksConfig{
		Endpoints: []config.WebhookEndpoint{{URL: srv.URL, Secret: "s"}},
		Attempts:  3,
	})
	d.Publish("channel.status", map[string]string{"channel": "telegram"})
	d.Close()

	if got := hits.Load(); got != 2 {
		t.Errorf("endpoint hit %d times, want 2 (one failure, one success)", got)
	}
}
