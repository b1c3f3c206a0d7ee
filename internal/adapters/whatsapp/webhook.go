package whatsapp

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/voxhub/relay/internal/adapters"
	"github.com/voxhub/relay/internal/identity"
	"github.com/voxhub/relay/internal/messages"
)

// HandleWebhook receives Twilio's inbound message callback. The request is
// rejected unless its X-Twilio-Signature matches; Twilio retries on non-2xx,
// so validation failures return 401 and everything else 200.
func (a *Adapter) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}

	// Validation is unconditional; a missing public_url can never match and
	// is caught by config validation before the adapter starts.
	expected := computeSignature(a.cfg.AuthToken, a.cfg.PublicURL+r.URL.RequestURI(), r.PostForm)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(r.Header.Get("X-Twilio-Signature"))) != 1 {
		slog.Warn("whatsapp webhook signature mismatch", "remote", r.RemoteAddr)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	// Empty TwiML response; replies go out via the REST API.
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?><Response></Response>`))

	a.processInbound(r)
}

// computeSignature implements Twilio's request signing: the full URL
// concatenated with every POST key+value in sorted key order, HMAC-SHA1 with
// the auth token, base64.
func computeSignature(authToken, fullURL string, form map[string][]string) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		for _, v := range form[k] {
			b.WriteString(k)
			b.WriteString(v)
		}
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// processInbound normalizes the webhook form into the shared model.
func (a *Adapter) processInbound(r *http.Request) {
	from := strings.TrimPrefix(r.PostFormValue("From"), "whatsapp:")
	if from == "" {
		return
	}
	body := strings.TrimSpace(r.PostFormValue("Body"))

	userID := userIDFor(from)
	ctx := r.Context()

	if a.store != nil {
		err := a.store.RegisterIdentity(ctx, identity.ChannelIdentity{
			UserID:        userID,
			Channel:       messages.ChannelWhatsApp,
			ChannelUserID: from,
			DisplayName:   r.PostFormValue("ProfileName"),
		})
		if err != nil {
			slog.Warn("whatsapp identity registration failed", "error", err)
		}
		// A number linked to another primary account resolves to that owner.
		if resolved, err := a.store.ResolveUserID(ctx, messages.ChannelWhatsApp, from); err == nil && resolved != "" {
			userID = resolved
		}
	}

	atts := collectMedia(r)
	if body == "" && len(atts) == 0 {
		return
	}

	extra := map[string]string{"from": from}
	if goal, ok := strings.CutPrefix(body, "!goal "); ok {
		body = strings.TrimSpace(goal)
		extra["mode"] = "task"
	}

	a.Events().EmitMessage(messages.IncomingMessage{
		ID:             uuid.NewString(),
		Channel:        messages.ChannelWhatsApp,
		UserID:         userID,
		WorkspaceID:    a.cfg.DefaultWorkspaceID,
		ConversationID: conversationIDFor(from),
		Content:        body,
		Attachments:    atts,
		Metadata: messages.Metadata{
			ChannelUserID:    from,
			ChannelMessageID: r.PostFormValue("MessageSid"),
			Timestamp:        time.Now().UTC(),
			Extra:            extra,
		},
	})
}

func collectMedia(r *http.Request) []messages.Attachment {
	n, err := strconv.Atoi(r.PostFormValue("NumMedia"))
	if err != nil || n <= 0 {
		return nil
	}

	atts := make([]messages.Attachment, 0, n)
	for i := 0; i < n; i++ {
		u := r.PostFormValue("MediaUrl" + strconv.Itoa(i))
		if u == "" {
			continue
		}
		mime := r.PostFormValue("MediaContentType" + strconv.Itoa(i))
		atts = append(atts, messages.Attachment{
			Type:     messages.AttachmentTypeFromMIME(mime),
			URL:      u,
			MimeType: mime,
		})
	}
	return atts
}

// userIDFor maps a WhatsApp number to a stable internal user id.
func userIDFor(number string) string {
	return adapters.DeterministicUUID("whatsapp-user:" + number)
}

// conversationIDFor maps the 1:1 chat with a number to a stable
// conversation id.
func conversationIDFor(number string) string {
	return adapters.DeterministicUUID("whatsapp-conv:" + number)
}
