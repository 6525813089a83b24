package messaging

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/RoutinePipe/internal/models"
	"github.com/BTreeMap/RoutinePipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/RoutinePipe/internal/whatsapp"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"
)

func TestServicesImplementService(t *testing.T) {
	var _ Service = (*WhatsAppService)(nil)
	var _ Service = (*TwilioService)(nil)
}

func TestCanonicalizePhone(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"+55 (11) 99999-9999", "5511999999999", false},
		{"5511999999999", "5511999999999", false},
		{"", "", true},
		{"abc", "", true},
		{"12345", "", true},
	}
	for _, tt := range tests {
		got, err := canonicalizePhone(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("canonicalizePhone(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestWhatsAppServiceSendEmitsReceipt(t *testing.T) {
	svc := NewWhatsAppService(whatsapp.NewMockClient())
	if err := svc.SendMessage(context.Background(), "+5511999999999", "olá"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	select {
	case r := <-svc.Receipts():
		if r.To != "5511999999999" || r.Status != models.MessageStatusSent {
			t.Errorf("unexpected receipt %+v", r)
		}
	default:
		t.Fatal("expected a receipt")
	}
}

func TestWhatsAppServiceStopRejectsSends(t *testing.T) {
	svc := NewWhatsAppService(whatsapp.NewMockClient())
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	svc.Stop()
	svc.Stop()
	if err := svc.SendMessage(context.Background(), "5511999999999", "x"); !errors.Is(err, ErrServiceStopped) {
		t.Errorf("SendMessage after Stop = %v", err)
	}
	// emitting after stop must not panic or block
	svc.emitResponse(models.Response{From: "5511999999999", Body: "late"})
}

func TestResponseFromEvent(t *testing.T) {
	info := types.MessageInfo{
		MessageSource: types.MessageSource{Sender: types.NewJID("5511999999999", types.DefaultUserServer)},
		ID:            "ABC",
		Timestamp:     time.Unix(1700000000, 0),
	}

	text := &events.Message{Info: info, Message: &waE2E.Message{Conversation: proto.String("bom dia")}}
	r, ok := responseFromEvent(text)
	if !ok || r.Body != "bom dia" || r.From != "5511999999999" || r.MessageID != "ABC" {
		t.Errorf("text event parsed as %+v, %v", r, ok)
	}

	list := &events.Message{Info: info, Message: &waE2E.Message{
		ListResponseMessage: &waE2E.ListResponseMessage{
			Title:             proto.String("Sim, concluí"),
			SingleSelectReply: &waE2E.ListResponseMessage_SingleSelectReply{SelectedRowID: proto.String("done:a1")},
		},
	}}
	r, ok = responseFromEvent(list)
	if !ok || r.ReplyID != "done:a1" || r.Text() != "done:a1" {
		t.Errorf("list reply parsed as %+v, %v", r, ok)
	}

	mine := &events.Message{Info: info, Message: &waE2E.Message{Conversation: proto.String("eco")}}
	mine.Info.IsFromMe = true
	if _, ok := responseFromEvent(mine); ok {
		t.Error("own messages must be ignored")
	}
}

func postTwilio(svc *TwilioService, form url.Values, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhook/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if signature != "" {
		req.Header.Set("X-Twilio-Signature", signature)
	}
	rec := httptest.NewRecorder()
	svc.TwilioWebhookHandler(rec, req)
	return rec
}

func TestTwilioWebhookEmitsResponse(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())
	form := url.Values{
		"From":          {"whatsapp:+5511999999999"},
		"Body":          {"Sim"},
		"MessageSid":    {"SM123"},
		"ButtonPayload": {"done:a1"},
	}
	rec := postTwilio(svc, form, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	select {
	case r := <-svc.Responses():
		if r.From != "5511999999999" || r.MessageID != "SM123" || r.ReplyID != "done:a1" || r.Body != "Sim" {
			t.Errorf("unexpected response %+v", r)
		}
	default:
		t.Fatal("expected a response on the channel")
	}
}

func TestTwilioWebhookValidation(t *testing.T) {
	client := twiliowhatsapp.NewMockClient()
	svc := NewTwilioService(client)

	rec := postTwilio(svc, url.Values{"From": {"whatsapp:+5511999999999"}}, "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty body status = %d, want 400", rec.Code)
	}

	svc.SetWebhookURL("https://example.com/webhook/twilio")
	client.RejectHooks = true
	rec = postTwilio(svc, url.Values{"From": {"whatsapp:+5511999999999"}, "Body": {"oi"}}, "bad")
	if rec.Code != http.StatusForbidden {
		t.Errorf("bad signature status = %d, want 403", rec.Code)
	}
}
