package twiliowhatsapp

import (
	"context"
	"errors"
	"testing"

	"github.com/BTreeMap/RoutinePipe/internal/models"
)

func TestMockClient_SendMessage(t *testing.T) {
	ctx := context.Background()
	mock := NewMockClient()

	if err := mock.SendMessage(ctx, "5511999999999", "Olá"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sent := mock.Messages()
	if len(sent) != 1 || sent[0].Body != "Olá" {
		t.Fatalf("unexpected messages %+v", sent)
	}
	err := mock.SendList(ctx, "5511999999999", models.InteractiveList{})
	if !errors.Is(err, ErrListUnsupported) {
		t.Errorf("expected ErrListUnsupported, got %v", err)
	}
}

func TestNewClientRequiresCredentials(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "")
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	t.Setenv("TWILIO_FROM_NUMBER", "")
	if _, err := NewClient(); err == nil {
		t.Error("expected error without credentials")
	}
	if _, err := NewClient(WithAccountSID("AC123"), WithAuthToken("tok")); err == nil {
		t.Error("expected error without from number")
	}
	c, err := NewClient(WithAccountSID("AC123"), WithAuthToken("tok"), WithFromWhats("+14155238886"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.fromWhats != "whatsapp:+14155238886" {
		t.Errorf("fromWhats = %q", c.fromWhats)
	}
}

func TestValidateWebhookRejectsBadSignature(t *testing.T) {
	c, err := NewClient(WithAccountSID("AC123"), WithAuthToken("tok"), WithFromWhats("whatsapp:+14155238886"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.ValidateWebhook("https://example.com/webhook/twilio", map[string]string{"Body": "oi"}, "bogus") {
		t.Error("expected bogus signature to be rejected")
	}
}

func TestWhatsappAddress(t *testing.T) {
	for in, want := range map[string]string{
		"5511999990000":           "whatsapp:+5511999990000",
		"+5511999990000":          "whatsapp:+5511999990000",
		"whatsapp:+5511999990000": "whatsapp:+5511999990000",
	} {
		if got := whatsappAddress(in); got != want {
			t.Errorf("whatsappAddress(%q) = %q, want %q", in, got, want)
		}
	}
}
