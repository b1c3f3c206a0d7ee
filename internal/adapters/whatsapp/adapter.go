// Package whatsapp implements the WhatsApp surface via the Twilio REST API.
// Inbound messages arrive on a signed webhook mounted by the gateway;
// outbound messages go through the Messages endpoint. No streaming: Twilio
// messages are immutable once sent.
package whatsapp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/voxhub/relay/internal/adapters"
	"github.com/voxhub/relay/internal/config"
	"github.com/voxhub/relay/internal/identity"
	"github.com/voxhub/relay/internal/messages"
)

const (
	twilioAPIBase = "https://api.twilio.com/2010-04-01"

	// messageLimit is Twilio's WhatsApp body ceiling.
	messageLimit = 1600
)

var _ adapters.Adapter = (*Adapter)(nil)

// Adapter is the WhatsApp surface.
type Adapter struct {
	*adapters.Base
	cfg    config.WhatsAppConfig
	store  *identity.Store
	client *http.Client

	apiBase string // overridable in tests
}

// New creates the WhatsApp adapter.
func New(cfg config.WhatsAppConfig, store *identity.Store) *Adapter {
	return &Adapter{
		Base:    adapters.NewBase(messages.ChannelWhatsApp),
		cfg:     cfg,
		store:   store,
		client:  &http.Client{Timeout: 30 * time.Second},
		apiBase: twilioAPIBase,
	}
}

// Connect validates the Twilio credentials with an account fetch.
func (a *Adapter) Connect(ctx context.Context) error {
	already, err := a.BeginConnect()
	if already {
		return nil
	}
	if err != nil {
		return err
	}
	if a.cfg.AccountSID == "" || a.cfg.AuthToken == "" || a.cfg.FromNumber == "" {
		a.MarkDisconnected()
		return fmt.Errorf("whatsapp adapter requires account_sid, auth_token, and from_number")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/Accounts/%s.json", a.apiBase, a.cfg.AccountSID), nil)
	if err != nil {
		a.MarkDisconnected()
		return err
	}
	req.SetBasicAuth(a.cfg.AccountSID, a.cfg.AuthToken)

	resp, err := a.client.Do(req)
	if err != nil {
		a.MarkDisconnected()
		return fmt.Errorf("twilio credential check: %w", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		a.MarkDisconnected()
		return fmt.Errorf("twilio credential check: status %d", resp.StatusCode)
	}

	a.MarkConnected()
	slog.Info("whatsapp connected", "from", a.cfg.FromNumber)
	return nil
}

// Disconnect has no connection to tear down; the webhook mount goes away
// with the HTTP server.
func (a *Adapter) Disconnect(_ context.Context) error {
	a.MarkDisconnected()
	slog.Info("whatsapp disconnected")
	return nil
}

// Send posts one or more messages through the Twilio Messages endpoint.
func (a *Adapter) Send(ctx context.Context, userID string, msg messages.OutgoingMessage) error {
	number, err := a.numberFor(ctx, userID)
	if err != nil {
		return err
	}

	formatted := a.FormatOutgoing(msg)
	for _, chunk := range adapters.SplitMessage(formatted.Content, messageLimit) {
		if err := a.postMessage(ctx, number, chunk, nil); err != nil {
			return err
		}
	}
	for _, att := range formatted.Attachments {
		if err := a.postMessage(ctx, number, "", []string{att.URL}); err != nil {
			slog.Warn("whatsapp media send failed", "error", err)
		}
	}
	return nil
}

func (a *Adapter) postMessage(ctx context.Context, to, body string, mediaURLs []string) error {
	form := url.Values{}
	form.Set("From", "whatsapp:"+a.cfg.FromNumber)
	form.Set("To", "whatsapp:"+to)
	if body != "" {
		form.Set("Body", body)
	}
	for _, u := range mediaURLs {
		form.Add("MediaUrl", u)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/Accounts/%s/Messages.json", a.apiBase, a.cfg.AccountSID),
		strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.SetBasicAuth(a.cfg.AccountSID, a.cfg.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("twilio send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("twilio send: status %d: %s", resp.StatusCode, adapters.Truncate(string(payload), 200))
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// numberFor resolves the user's WhatsApp number from the identity store.
func (a *Adapter) numberFor(ctx context.Context, userID string) (string, error) {
	if a.store == nil {
		return "", adapters.ErrUnknownUser
	}
	ids, err := a.store.GetUserIdentities(ctx, userID)
	if err != nil {
		return "", err
	}
	for _, id := range ids {
		if id.Channel == messages.ChannelWhatsApp {
			return id.ChannelUserID, nil
		}
	}
	return "", adapters.ErrUnknownUser
}

// FormatOutgoing strips rich formatting WhatsApp cannot render and caps the
// body length.
func (a *Adapter) FormatOutgoing(msg messages.OutgoingMessage) messages.OutgoingMessage {
	msg.Content = formatForWhatsApp(msg.Content)
	return msg
}
