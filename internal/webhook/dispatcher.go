// Package webhook fans gateway events out to configured HTTP endpoints.
// Deliveries are signed with a per-endpoint secret and retried with
// exponential backoff; the dispatcher never blocks the caller.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxhub/relay/internal/config"
)

const defaultAttempts = 3

// Event is the delivery envelope.
type Event struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Payload   any    `json:"payload"`
}

// Dispatcher delivers events to every configured endpoint.
type Dispatcher struct {
	endpoints    []config.WebhookEndpoint
	headerPrefix string
	attempts     int
	client       *http.Client

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a dispatcher. A nil return means no endpoints are configured
// and callers can skip wiring it.
func New(cfg config.WebhooksConfig) *Dispatcher {
	if len(cfg.Endpoints) == 0 {
		return nil
	}

	prefix := cfg.HeaderPrefix
	if prefix == "" {
		prefix = "relay"
	}
	attempts := cfg.Attempts
	if attempts <= 0 {
		attempts = defaultAttempts
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		endpoints:    cfg.Endpoints,
		headerPrefix: prefix,
		attempts:     attempts,
		client:       &http.Client{Timeout: timeout},
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Publish queues one event for delivery to every endpoint.
func (d *Dispatcher) Publish(eventType string, payload any) {
	ev := Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	}
	body, err := json.Marshal(ev)
	if err != nil {
		slog.Error("webhook event encode failed", "type", eventType, "error", err)
		return
	}

	for _, ep := range d.endpoints {
		d.wg.Add(1)
		go func(ep config.WebhookEndpoint) {
			defer d.wg.Done()
			d.deliver(ep, ev, body)
		}(ep)
	}
}

// Close stops retry loops and waits for in-flight deliveries.
func (d *Dispatcher) Close() {
	d.cancel()
	d.wg.Wait()
}

func (d *Dispatcher) deliver(ep config.WebhookEndpoint, ev Event, body []byte) {
	signature := "sha256=" + Sign(ep.Secret, body)

	for attempt := 1; attempt <= d.attempts; attempt++ {
		if attempt > 1 {
			backoff := time.Duration(1<<(attempt-2)) * time.Second
			select {
			case <-d.ctx.Done():
				return
			case <-time.After(backoff):
			}
		}

		if d.post(ep.URL, ev, body, signature, attempt) {
			return
		}
	}
	slog.Error("webhook delivery exhausted", "url", ep.URL, "event_id", ev.ID, "type", ev.Type, "attempts", d.attempts)
}

func (d *Dispatcher) post(url string, ev Event, body []byte, signature string, attempt int) bool {
	req, err := http.NewRequestWithContext(d.ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		slog.Error("webhook request build failed", "url", url, "error", err)
		return true // structural; retrying cannot help
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(fmt.Sprintf("X-%s-Signature", d.headerPrefix), signature)
	req.Header.Set(fmt.Sprintf("X-%s-Event", d.headerPrefix), ev.Type)
	req.Header.Set(fmt.Sprintf("X-%s-Attempt", d.headerPrefix), strconv.Itoa(attempt))

	resp, err := d.client.Do(req)
	if err != nil {
		slog.Warn("webhook delivery failed", "url", url, "attempt", attempt, "error", err)
		return false
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return true
	}
	slog.Warn("webhook endpoint rejected delivery", "url", url, "attempt", attempt, "status", resp.StatusCode)
	return false
}

// Sign computes the hex HMAC-SHA256 of the body under the endpoint secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
