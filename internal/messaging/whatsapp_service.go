package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/RoutinePipe/internal/models"
	"github.com/BTreeMap/RoutinePipe/internal/whatsapp"
	"go.mau.fi/whatsmeow/types/events"
)

// WhatsAppService implements Service on top of the whatsmeow client.
type WhatsAppService struct {
	client   whatsapp.Sender
	waClient *whatsapp.Client
	eventChannels
	stopOnce sync.Once
}

// NewWhatsAppService wraps a whatsapp.Sender. Inbound events are only
// available when client is a real *whatsapp.Client.
func NewWhatsAppService(client whatsapp.Sender) *WhatsAppService {
	s := &WhatsAppService{client: client, eventChannels: newEventChannels()}
	if waClient, ok := client.(*whatsapp.Client); ok {
		s.waClient = waClient
	}
	return s
}

// ValidateAndCanonicalizeRecipient returns the digits of a phone number.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizePhone(recipient)
}

// Start registers the whatsmeow event handler.
func (s *WhatsAppService) Start(ctx context.Context) error {
	if s.waClient == nil || s.waClient.GetClient() == nil {
		slog.Debug("WhatsAppService.Start: no live client, skipping event handling")
		return nil
	}
	s.waClient.GetClient().AddEventHandler(func(evt interface{}) {
		switch v := evt.(type) {
		case *events.Message:
			s.handleIncomingMessage(v)
		case *events.Receipt:
			s.handleMessageReceipt(v)
		}
	})
	slog.Info("WhatsAppService event handler registered")
	return nil
}

// Stop stops event forwarding and rejects further sends.
func (s *WhatsAppService) Stop() error {
	s.stopOnce.Do(func() {
		close(s.done)
		if s.waClient != nil && s.waClient.GetClient() != nil {
			s.waClient.GetClient().Disconnect()
		}
		slog.Info("WhatsAppService stopped")
	})
	return nil
}

// SendMessage sends a text message and emits a sent receipt.
func (s *WhatsAppService) SendMessage(ctx context.Context, to string, body string) error {
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

// SendInteractiveList sends a single-select list and emits a sent receipt.
func (s *WhatsAppService) SendInteractiveList(ctx context.Context, to string, list models.InteractiveList) error {
	if s.stopped() {
		return ErrServiceStopped
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	if err := s.client.SendList(ctx, canonicalTo, list); err != nil {
		return err
	}
	s.emitReceipt(models.Receipt{To: canonicalTo, Status: models.MessageStatusSent, Time: time.Now().Unix()})
	return nil
}

// Receipts returns a channel of receipt events.
func (s *WhatsAppService) Receipts() <-chan models.Receipt {
	return s.receipts
}

// Responses returns a channel of inbound messages.
func (s *WhatsAppService) Responses() <-chan models.Response {
	return s.responses
}

// responseFromEvent extracts an inbound message. It returns false for
// events that are not user text or list replies.
func responseFromEvent(evt *events.Message) (models.Response, bool) {
	if evt.Message == nil || evt.Info.IsFromMe || evt.Info.IsGroup {
		return models.Response{}, false
	}
	r := models.Response{
		From:      evt.Info.Sender.User,
		MessageID: evt.Info.ID,
		Time:      evt.Info.Timestamp.Unix(),
	}
	msg := evt.Message
	switch {
	case msg.GetConversation() != "":
		r.Body = msg.GetConversation()
	case msg.GetExtendedTextMessage().GetText() != "":
		r.Body = msg.GetExtendedTextMessage().GetText()
	case msg.GetListResponseMessage() != nil:
		lr := msg.GetListResponseMessage()
		r.ReplyID = lr.GetSingleSelectReply().GetSelectedRowID()
		r.Body = lr.GetTitle()
		if r.ReplyID == "" {
			return models.Response{}, false
		}
	default:
		return models.Response{}, false
	}
	return r, true
}

func (s *WhatsAppService) handleIncomingMessage(evt *events.Message) {
	r, ok := responseFromEvent(evt)
	if !ok {
		slog.Debug("WhatsAppService ignoring message", "from", evt.Info.Sender.String(), "id", evt.Info.ID)
		return
	}
	slog.Debug("WhatsAppService inbound message", "from", r.From, "bodyLength", len(r.Body), "reply", r.ReplyID != "")
	s.emitResponse(r)
}

func (s *WhatsAppService) handleMessageReceipt(evt *events.Receipt) {
	var status models.MessageStatus
	switch evt.Type {
	case events.ReceiptTypeDelivered:
		status = models.MessageStatusDelivered
	case events.ReceiptTypeRead:
		status = models.MessageStatusRead
	default:
		return
	}
	s.emitReceipt(models.Receipt{To: evt.MessageSource.Chat.User, Status: status, Time: evt.Timestamp.Unix()})
}
