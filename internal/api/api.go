// Package api provides the HTTP server of RoutinePipe.
//
// It receives inbound messages from the generic JSON webhook and from Twilio,
// Stripe billing events, and serves health and diagnostic endpoints.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/RoutinePipe/internal/models"
	"github.com/BTreeMap/RoutinePipe/internal/reminder"
	"github.com/go-playground/validator/v10"
)

// DefaultAddr is the default listen address.
const DefaultAddr = ":8080"

// Ingress admits inbound messages.
type Ingress interface {
	ProcessResponse(ctx context.Context, response models.Response) error
}

// ReminderLister exposes the live reminders of a user.
type ReminderLister interface {
	Active(userID string) []reminder.Trigger
}

// ReceiptLister reads delivery receipts.
type ReceiptLister interface {
	GetReceipts(ctx context.Context, to string) ([]models.Receipt, error)
}

// Opts holds the optional handlers of the server.
type Opts struct {
	Addr          string
	TwilioWebhook http.HandlerFunc
	StripeWebhook http.HandlerFunc
	Reminders     ReminderLister
	Receipts      ReceiptLister
	Metrics       http.Handler
}

// Option configures the Server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithTwilioWebhook mounts the Twilio inbound webhook.
func WithTwilioWebhook(h http.HandlerFunc) Option {
	return func(o *Opts) { o.TwilioWebhook = h }
}

// WithStripeWebhook mounts the Stripe billing webhook.
func WithStripeWebhook(h http.HandlerFunc) Option {
	return func(o *Opts) { o.StripeWebhook = h }
}

// WithReminders enables GET /users/{phone}/reminders.
func WithReminders(r ReminderLister) Option {
	return func(o *Opts) { o.Reminders = r }
}

// WithReceipts enables GET /receipts.
func WithReceipts(r ReceiptLister) Option {
	return func(o *Opts) { o.Receipts = r }
}

// WithMetricsHandler mounts h at GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(o *Opts) { o.Metrics = h }
}

// Server is the RoutinePipe HTTP server.
type Server struct {
	ingress  Ingress
	opts     Opts
	validate *validator.Validate
	mux      *http.ServeMux
}

// NewServer creates a Server and registers its routes.
func NewServer(ingress Ingress, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Server{ingress: ingress, opts: cfg, validate: validator.New(), mux: http.NewServeMux()}

	s.mux.HandleFunc("/health", s.healthHandler)
	s.mux.HandleFunc("/webhook/messages", s.messagesWebhookHandler)
	if cfg.TwilioWebhook != nil {
		s.mux.HandleFunc("/webhook/twilio", postOnly("twilioWebhook", cfg.TwilioWebhook))
	}
	if cfg.StripeWebhook != nil {
		s.mux.HandleFunc("/webhook/stripe", postOnly("stripeWebhook", cfg.StripeWebhook))
	}
	if cfg.Reminders != nil {
		s.mux.HandleFunc("/users/{phone}/reminders", s.remindersHandler)
	}
	if cfg.Receipts != nil {
		s.mux.HandleFunc("/receipts", s.receiptsHandler)
	}
	if cfg.Metrics != nil {
		s.mux.Handle("GET /metrics", cfg.Metrics)
	}
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.opts.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		slog.Info("Server.Run: shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}
