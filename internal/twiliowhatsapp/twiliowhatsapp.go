// Package twiliowhatsapp wraps the Twilio REST API as an alternative WhatsApp
// transport.
package twiliowhatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/BTreeMap/RoutinePipe/internal/models"
	"github.com/twilio/twilio-go"
	twilioClient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// ErrListUnsupported is returned by SendList: plain Twilio WhatsApp messages
// cannot carry list pickers without pre-approved content templates.
var ErrListUnsupported = errors.New("twilio: interactive lists are not supported")

// Sender is the Twilio-backed WhatsApp transport.
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) error
	SendList(ctx context.Context, to string, list models.InteractiveList) error
	ValidateWebhook(url string, params map[string]string, signature string) bool
}

// Opts holds Twilio credentials and the sending number.
type Opts struct {
	AccountSID string
	AuthToken  string
	FromWhats  string
}

// Option defines a configuration option for the Twilio WhatsApp client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token, also used to verify webhooks.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromWhats sets the sender, e.g. "whatsapp:+14155238886".
func WithFromWhats(from string) Option {
	return func(o *Opts) { o.FromWhats = from }
}

// Client wraps the Twilio REST API for WhatsApp.
type Client struct {
	client    *twilio.RestClient
	validator twilioClient.RequestValidator
	fromWhats string
}

// NewClient builds a client. Unset options fall back to the TWILIO_*
// environment variables.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{
		AccountSID: os.Getenv("TWILIO_ACCOUNT_SID"),
		AuthToken:  os.Getenv("TWILIO_AUTH_TOKEN"),
		FromWhats:  os.Getenv("TWILIO_FROM_NUMBER"),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.check(); err != nil {
		return nil, err
	}
	rest := twilio.NewRestClientWithParams(twilio.ClientParams{Username: cfg.AccountSID, Password: cfg.AuthToken})
	return &Client{
		client:    rest,
		validator: twilioClient.NewRequestValidator(cfg.AuthToken),
		fromWhats: whatsappAddress(cfg.FromWhats),
	}, nil
}

func (o Opts) check() error {
	var missing []string
	if o.AccountSID == "" {
		missing = append(missing, "account SID")
	}
	if o.AuthToken == "" {
		missing = append(missing, "auth token")
	}
	if o.FromWhats == "" {
		missing = append(missing, "sender number")
	}
	if len(missing) > 0 {
		return fmt.Errorf("twilio: missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// whatsappAddress turns "+5511..." or "5511..." into "whatsapp:+5511...".
func whatsappAddress(number string) string {
	if strings.HasPrefix(number, "whatsapp:") {
		return number
	}
	return "whatsapp:+" + strings.TrimPrefix(number, "+")
}

// SendMessage sends a text. to is an E.164 number with or without "+".
func (c *Client) SendMessage(ctx context.Context, to string, body string) error {
	params := (&twilioApi.CreateMessageParams{}).
		SetTo(whatsappAddress(to)).
		SetFrom(c.fromWhats).
		SetBody(body)
	msg, err := c.client.Api.CreateMessage(params)
	if err != nil {
		return fmt.Errorf("twilio send to %s: %w", to, err)
	}
	if msg != nil && msg.Sid != nil {
		slog.Debug("Client.SendMessage: accepted", "to", to, "sid", *msg.Sid)
	}
	return nil
}

// SendList always fails with ErrListUnsupported so callers fall back to text.
func (c *Client) SendList(ctx context.Context, to string, list models.InteractiveList) error {
	return ErrListUnsupported
}

// ValidateWebhook checks the X-Twilio-Signature of an inbound webhook.
func (c *Client) ValidateWebhook(url string, params map[string]string, signature string) bool {
	return c.validator.Validate(url, params, signature)
}

// SentMessage is one message captured by MockClient.
type SentMessage struct {
	To   string
	Body string
}

// MockClient records outgoing messages and accepts every webhook signature.
type MockClient struct {
	mu           sync.Mutex
	SentMessages []SentMessage
	RejectHooks  bool
}

func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) SendMessage(ctx context.Context, to string, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SentMessages = append(m.SentMessages, SentMessage{To: to, Body: body})
	return nil
}

func (m *MockClient) SendList(ctx context.Context, to string, list models.InteractiveList) error {
	return ErrListUnsupported
}

func (m *MockClient) ValidateWebhook(url string, params map[string]string, signature string) bool {
	return !m.RejectHooks
}

// Messages returns a copy of everything sent so far.
func (m *MockClient) Messages() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentMessage, len(m.SentMessages))
	copy(out, m.SentMessages)
	return out
}
