// Package whatsapp wraps the whatsmeow client used by RoutinePipe to talk to
// users over a linked WhatsApp account.
package whatsapp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/BTreeMap/RoutinePipe/internal/models"
	"github.com/BTreeMap/RoutinePipe/internal/store"
	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
)

const (
	// DefaultSQLitePath is the default whatsmeow device database.
	DefaultSQLitePath = "/var/lib/routinepipe/whatsmeow.db"
	// JIDSuffix is the WhatsApp JID server for regular users.
	JIDSuffix = "s.whatsapp.net"
)

// Sender sends text and interactive list messages.
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) error
	SendList(ctx context.Context, to string, list models.InteractiveList) error
}

// Opts holds configuration options for the WhatsApp client.
type Opts struct {
	DBDSN       string // whatsmeow device database connection string
	QRPath      string // path to write login QR code
	NumericCode bool   // print the raw pairing code instead of a QR code
}

// Option defines a configuration option for the WhatsApp client.
type Option func(*Opts)

// WithDBDSN sets the whatsmeow database connection string.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) {
		o.DBDSN = dsn
	}
}

// WithQRCodeOutput writes the login QR code to path instead of stdout.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) {
		o.QRPath = path
	}
}

// WithNumericCode prints the raw login code instead of rendering a QR code.
func WithNumericCode() Option {
	return func(o *Opts) {
		o.NumericCode = true
	}
}

// Client wraps the whatsmeow client.
type Client struct {
	waClient *whatsmeow.Client
}

// sqliteForeignKeysEnabled reports whether a SQLite DSN turns on foreign keys,
// which whatsmeow relies on.
func sqliteForeignKeysEnabled(dsn string) bool {
	return strings.Contains(dsn, "_foreign_keys") || strings.Contains(dsn, "foreign_keys")
}

// NewClient opens the device store, logs in if needed, and connects.
func NewClient(ctx context.Context, opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	dbDSN := cfg.DBDSN
	if dbDSN == "" {
		dbDSN = DefaultSQLitePath
		slog.Debug("WhatsApp NewClient: no database DSN provided, using default", "path", dbDSN)
	}

	dbDriver := store.DetectDSNType(dbDSN)
	if dbDriver == store.DriverSQLite && !sqliteForeignKeysEnabled(dbDSN) {
		slog.Warn("WhatsApp SQLite database does not enable foreign keys; add '?_foreign_keys=on' to the DSN",
			"dsn_example", "file:"+dbDSN+"?_foreign_keys=on")
	}

	container, err := sqlstore.New(ctx, dbDriver, dbDSN, waLog.Stdout("Database", "INFO", true))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize WhatsApp database store: %w", err)
	}
	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get device from WhatsApp store: %w", err)
	}
	waClient := whatsmeow.NewClient(deviceStore, waLog.Stdout("Client", "INFO", true))

	if waClient.Store.ID == nil {
		slog.Info("WhatsApp login required; starting QR code flow")
		if err := login(ctx, waClient, cfg); err != nil {
			return nil, err
		}
	} else if err := waClient.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to WhatsApp server: %w", err)
	}
	slog.Info("WhatsApp client connected successfully")
	return &Client{waClient: waClient}, nil
}

func login(ctx context.Context, waClient *whatsmeow.Client, cfg Opts) error {
	qrChan, _ := waClient.GetQRChannel(ctx)
	if err := waClient.Connect(); err != nil {
		return fmt.Errorf("failed to connect to WhatsApp during login: %w", err)
	}
	writer := io.Writer(os.Stdout)
	if cfg.QRPath != "" {
		f, err := os.Create(cfg.QRPath)
		if err != nil {
			return fmt.Errorf("failed to create QR file: %w", err)
		}
		defer f.Close()
		writer = f
	}
	for evt := range qrChan {
		if evt.Event != "code" {
			slog.Info("WhatsApp login event", "event", evt.Event)
			continue
		}
		if cfg.NumericCode {
			fmt.Fprintln(writer, evt.Code)
		} else {
			qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, writer)
		}
	}
	return nil
}

func (c *Client) ready(to string) error {
	if c.waClient == nil || c.waClient.Store == nil {
		return fmt.Errorf("whatsapp client not initialized")
	}
	if to == "" {
		return fmt.Errorf("recipient cannot be empty")
	}
	return nil
}

// SendMessage sends a plain text message.
func (c *Client) SendMessage(ctx context.Context, to string, body string) error {
	if err := c.ready(to); err != nil {
		return err
	}
	if body == "" {
		return fmt.Errorf("message body cannot be empty")
	}
	msg := &waE2E.Message{Conversation: proto.String(body)}
	if _, err := c.waClient.SendMessage(ctx, types.NewJID(to, JIDSuffix), msg); err != nil {
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	slog.Debug("WhatsApp message sent", "to", to, "bodyLength", len(body))
	return nil
}

// SendList sends a single-select list message.
func (c *Client) SendList(ctx context.Context, to string, list models.InteractiveList) error {
	if err := c.ready(to); err != nil {
		return err
	}
	if len(list.Options) == 0 {
		return fmt.Errorf("list message needs at least one option")
	}
	if _, err := c.waClient.SendMessage(ctx, types.NewJID(to, JIDSuffix), BuildListMessage(list)); err != nil {
		return fmt.Errorf("failed to send list to %s: %w", to, err)
	}
	slog.Debug("WhatsApp list sent", "to", to, "options", len(list.Options))
	return nil
}

// BuildListMessage converts a list into its whatsmeow protobuf form.
func BuildListMessage(list models.InteractiveList) *waE2E.Message {
	rows := make([]*waE2E.ListMessage_Row, 0, len(list.Options))
	for _, opt := range list.Options {
		row := &waE2E.ListMessage_Row{
			RowID: proto.String(opt.ID),
			Title: proto.String(opt.Title),
		}
		if opt.Description != "" {
			row.Description = proto.String(opt.Description)
		}
		rows = append(rows, row)
	}
	button := list.ButtonText
	if button == "" {
		button = "Escolher"
	}
	return &waE2E.Message{
		ListMessage: &waE2E.ListMessage{
			Title:       proto.String(list.Title),
			Description: proto.String(list.Body),
			ButtonText:  proto.String(button),
			ListType:    waE2E.ListMessage_SINGLE_SELECT.Enum(),
			Sections: []*waE2E.ListMessage_Section{{
				Title: proto.String(list.Title),
				Rows:  rows,
			}},
		},
	}
}

// GetClient returns the underlying whatsmeow client for event handling.
func (c *Client) GetClient() *whatsmeow.Client {
	return c.waClient
}

// SentMessage is one message captured by MockClient.
type SentMessage struct {
	To   string
	Body string
	List *models.InteractiveList
}

// MockClient records messages instead of sending them. Use it in tests in
// place of NewClient.
type MockClient struct {
	mu      sync.Mutex
	Sent    []SentMessage
	SendErr error
	ListErr error
}

func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) SendMessage(ctx context.Context, to string, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SendErr != nil {
		return m.SendErr
	}
	m.Sent = append(m.Sent, SentMessage{To: to, Body: body})
	return nil
}

func (m *MockClient) SendList(ctx context.Context, to string, list models.InteractiveList) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ListErr != nil {
		return m.ListErr
	}
	l := list
	m.Sent = append(m.Sent, SentMessage{To: to, Body: list.Body, List: &l})
	return nil
}

// Messages returns a copy of everything sent so far.
func (m *MockClient) Messages() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentMessage, len(m.Sent))
	copy(out, m.Sent)
	return out
}
