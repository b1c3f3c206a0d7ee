package whatsapp

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/voxhub/relay/internal/config"
	"github.com/voxhub/relay/internal/messages"
)

func TestComputeSignature(t *testing.T) {
	// Known-answer vector from Twilio's security documentation.
	form := url.Values{
		"CallSid": {"CA1234567890ABCDE"},
		"Caller":  {"+12349013030"},
		"Digits":  {"1234"},
		"From":    {"+12349013030"},
		"To":      {"+18005551212"},
	}
	got := computeSignature("12345",
		"https://mycompany.com/myapp.php?foo=1&bar=2", form)
	want := "0/KCTR6DLpKmkAf8muzZqo1nDgQ="
	if got != want {
		t.Errorf("computeSignature = %q, want %q", got, want)
	}
}

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	return New(config.WhatsAppConfig{
		AccountSID:         "AC_test",
		AuthToken:          "secret",
		FromNumber:         "+15550001111",
		DefaultWorkspaceID: "default",
		PublicURL:          "https://gw.example.com",
	}, nil)
}

func postForm(a *Adapter, path string, form url.Values, sign bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if sign {
		req.Header.Set("X-Twilio-Signature",
			computeSignature("secret", "https://gw.example.com"+path, form))
	}
	rec := httptest.NewRecorder()
	a.HandleWebhook(rec, req)
	return rec
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	a := newTestAdapter(t)
	form := url.Values{"From": {"whatsapp:+15557654321"}, "Body": {"hello"}}

	rec := postForm(a, "/webhooks/twilio", form, false)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unsigned request: status = %d, want 401", rec.Code)
	}
}

func TestWebhookValidationNeverSkipped(t *testing.T) {
	// A misconfigured adapter without a public URL must reject inbound
	// traffic rather than accept it unsigned.
	a := New(config.WhatsAppConfig{
		AccountSID:         "AC_test",
		AuthToken:          "secret",
		FromNumber:         "+15550001111",
		DefaultWorkspaceID: "default",
	}, nil)

	form := url.Values{"From": {"whatsapp:+15557654321"}, "Body": {"hello"}}
	rec := postForm(a, "/webhooks/twilio", form, false)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unsigned request without public_url: status = %d, want 401", rec.Code)
	}
}

func TestWebhookEmitsNormalizedMessage(t *testing.T) {
	a := newTestAdapter(t)

	var got messages.IncomingMessage
	received := make(chan struct{})
	a.Events().OnMessage(func(msg messages.IncomingMessage) {
		got = msg
		close(received)
	})
	a.Events().Seal()

	form := url.Values{
		"From":       {"whatsapp:+15557654321"},
		"Body":       {"what's the weather"},
		"MessageSid": {"SM123"},
		"NumMedia":   {"1"},
		"MediaUrl0":  {"https://api.twilio.com/media/0"},
		"MediaContentType0": {"image/jpeg"},
	}
	rec := postForm(a, "/webhooks/twilio", form, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("signed request: status = %d, want 200", rec.Code)
	}

	select {
	case <-received:
	default:
		t.Fatal("no message emitted")
	}

	if got.Channel != messages.ChannelWhatsApp {
		t.Errorf("channel = %s", got.Channel)
	}
	if got.Content != "what's the weather" {
		t.Errorf("content = %q", got.Content)
	}
	if got.UserID != userIDFor("+15557654321") {
		t.Errorf("user id not derived from number: %s", got.UserID)
	}
	if got.ConversationID != conversationIDFor("+15557654321") {
		t.Errorf("conversation id not derived from number: %s", got.ConversationID)
	}
	if got.Metadata.ChannelMessageID != "SM123" {
		t.Errorf("channel message id = %q", got.Metadata.ChannelMessageID)
	}
	if len(got.Attachments) != 1 || got.Attachments[0].Type != messages.AttachmentImage {
		t.Errorf("attachments = %+v", got.Attachments)
	}
}

func TestWebhookGoalPrefix(t *testing.T) {
	a := newTestAdapter(t)

	var got messages.IncomingMessage
	a.Events().OnMessage(func(msg messages.IncomingMessage) { got = msg })
	a.Events().Seal()

	form := url.Values{
		"From": {"whatsapp:+15557654321"},
		"Body": {"!goal organize my inbox"},
	}
	postForm(a, "/webhooks/twilio", form, true)

	if got.Content != "organize my inbox" {
		t.Errorf("content = %q", got.Content)
	}
	if got.Metadata.Extra["mode"] != "task" {
		t.Errorf("mode = %q, want task", got.Metadata.Extra["mode"])
	}
}

func TestFormatForWhatsApp(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bold", "**hi** there", "*hi* there"},
		{"header", "## Plan\nsteps", "*Plan*\nsteps"},
		{"link", "see [docs](https://example.com)", "see docs (https://example.com)"},
		{"underscore italics", "__soft__", "_soft_"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := formatForWhatsApp(tt.in); got != tt.want {
				t.Errorf("formatForWhatsApp(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
