package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/RoutinePipe/internal/models"
	"github.com/BTreeMap/RoutinePipe/internal/twiliowhatsapp"
)

// TwilioService implements Service using the Twilio API. Inbound messages
// arrive through TwilioWebhookHandler.
type TwilioService struct {
	client twiliowhatsapp.Sender
	eventChannels
	stopOnce sync.Once
	// webhookURL is the public URL Twilio signs; empty disables verification.
	webhookURL string
}

// NewTwilioService wraps a Twilio sender.
func NewTwilioService(client twiliowhatsapp.Sender) *TwilioService {
	return &TwilioService{client: client, eventChannels: newEventChannels()}
}

// SetWebhookURL enables X-Twilio-Signature verification against url.
func (s *TwilioService) SetWebhookURL(url string) {
	s.webhookURL = url
}

// ValidateAndCanonicalizeRecipient accepts "whatsapp:+55..." and bare numbers.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizePhone(strings.TrimPrefix(recipient, "whatsapp:"))
}

// Start is a no-op; inbound traffic comes through the webhook.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop rejects further sends and inbound events.
func (s *TwilioService) Stop() error {
	s.stopOnce.Do(func() { close(s.done) })
	return nil
}

// SendMessage sends a message via Twilio and emits a receipt.
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) error {
	if s.stopped() {
		return ErrServiceStopped
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	if err := s.client.SendMessage(ctx, canonicalTo, body); err != nil {
		return err
	}
	s.emitReceipt(models.Receipt{To: canonicalTo, Status: models.MessageStatusSent, Time: time.Now().Unix()})
	return nil
}

// SendInteractiveList delegates to the client, which reports lists as
// unsupported so the gateway falls back to numbered text.
func (s *TwilioService) SendInteractiveList(ctx context.Context, to string, list models.InteractiveList) error {
	if s.stopped() {
		return ErrServiceStopped
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	return s.client.SendList(ctx, canonicalTo, list)
}

// Receipts returns the channel for sent message receipts.
func (s *TwilioService) Receipts() <-chan models.Receipt {
	return s.receipts
}

// Responses returns the channel for inbound messages.
func (s *TwilioService) Responses() <-chan models.Response {
	return s.responses
}

// TwilioWebhookHandler parses an inbound Twilio webhook and emits it on Responses.
func (s *TwilioService) TwilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Error("TwilioService webhook: failed to parse form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}
	if s.webhookURL != "" {
		params := make(map[string]string, len(r.PostForm))
		for k := range r.PostForm {
			params[k] = r.PostForm.Get(k)
		}
		if !s.client.ValidateWebhook(s.webhookURL, params, r.Header.Get("X-Twilio-Signature")) {
			slog.Warn("TwilioService webhook: invalid signature")
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	}

	from, err := s.ValidateAndCanonicalizeRecipient(r.FormValue("From"))
	if err != nil {
		slog.Warn("TwilioService webhook: bad sender", "error", err)
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}
	response := models.Response{
		From:      from,
		Body:      r.FormValue("Body"),
		MessageID: r.FormValue("MessageSid"),
		ReplyID:   r.FormValue("ButtonPayload"),
		Time:      time.Now().Unix(),
	}
	if err := response.Validate(); err != nil {
		slog.Warn("TwilioService webhook: invalid message", "error", err, "from", from)
		http.Error(w, fmt.Sprintf("Invalid message: %v", err), http.StatusBadRequest)
		return
	}
	slog.Debug("TwilioService inbound message", "from", from, "bodyLength", len(response.Body))
	s.emitResponse(response)

	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}
