// Package billing sells RoutinePipe subscriptions through Stripe Checkout and
// applies Stripe webhook events to user records.
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/RoutinePipe/internal/metrics"
	"github.com/BTreeMap/RoutinePipe/internal/models"
	"github.com/BTreeMap/RoutinePipe/internal/store"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
	"github.com/stripe/stripe-go/v79/webhook"
)

// MaxWebhookBodyBytes bounds the size of a Stripe webhook payload.
const MaxWebhookBodyBytes = 65536

// Metadata keys attached to checkout sessions and subscriptions.
const (
	MetadataPhone = "phone"
	MetadataPlan  = "plan"
)

var (
	// ErrNotConfigured is returned when no Stripe key was provided.
	ErrNotConfigured = errors.New("billing is not configured")
	// ErrUnknownPlan is returned for a plan without a Stripe price.
	ErrUnknownPlan = errors.New("unknown subscription plan")
)

// Notifier tells a user about billing changes.
type Notifier interface {
	Send(ctx context.Context, to, body string) error
}

// checkoutAPI is the part of the Stripe client used to open sessions.
type checkoutAPI interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

// Opts holds configuration for the billing Service.
type Opts struct {
	SecretKey     string
	WebhookSecret string
	SuccessURL    string
	CancelURL     string
	Plans         []Plan
	Metrics       *metrics.Metrics
}

// Option configures the billing Service.
type Option func(*Opts)

// WithSecretKey sets the Stripe API secret key.
func WithSecretKey(key string) Option {
	return func(o *Opts) { o.SecretKey = key }
}

// WithWebhookSecret sets the signing secret of the Stripe webhook endpoint.
func WithWebhookSecret(secret string) Option {
	return func(o *Opts) { o.WebhookSecret = secret }
}

// WithRedirectURLs sets where Stripe sends the user after checkout.
func WithRedirectURLs(success, cancel string) Option {
	return func(o *Opts) {
		o.SuccessURL = success
		o.CancelURL = cancel
	}
}

// WithPlans sets the plans offered to users.
func WithPlans(plans []Plan) Option {
	return func(o *Opts) { o.Plans = plans }
}

// WithMetrics counts handled webhook events.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Opts) { o.Metrics = m }
}

// Service creates checkout links and processes Stripe webhooks.
type Service struct {
	checkout checkoutAPI
	opts     Opts
	store    store.Store
	notifier Notifier
	now      func() time.Time
}

// NewService creates a billing Service. Without a secret key the plans can
// still be listed but checkout fails with ErrNotConfigured.
func NewService(st store.Store, notifier Notifier, opts ...Option) *Service {
	cfg := Opts{
		SuccessURL: "https://wa.me/",
		CancelURL:  "https://wa.me/",
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Plans == nil {
		cfg.Plans = DefaultPlans("", "")
	}
	s := &Service{opts: cfg, store: st, notifier: notifier, now: time.Now}
	if cfg.SecretKey != "" {
		s.checkout = client.New(cfg.SecretKey, nil).CheckoutSessions
	}
	return s
}

// Plans returns the plans on offer.
func (s *Service) Plans() []Plan {
	return s.opts.Plans
}

// CreateCheckout opens a Stripe Checkout session for phone and returns its URL.
func (s *Service) CreateCheckout(ctx context.Context, phone string, plan Plan) (string, error) {
	if s.checkout == nil {
		return "", ErrNotConfigured
	}
	if plan.PriceID == "" {
		return "", fmt.Errorf("%w: %s", ErrUnknownPlan, plan.ID)
	}
	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{Price: stripe.String(plan.PriceID), Quantity: stripe.Int64(1)},
		},
		SuccessURL:        stripe.String(s.opts.SuccessURL),
		CancelURL:         stripe.String(s.opts.CancelURL),
		ClientReferenceID: stripe.String(phone),
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{MetadataPhone: phone, MetadataPlan: plan.ID},
		},
	}
	params.Context = ctx
	params.AddMetadata(MetadataPhone, phone)
	params.AddMetadata(MetadataPlan, plan.ID)

	sess, err := s.checkout.New(params)
	if err != nil {
		slog.Error("BillingService.CreateCheckout: stripe error", "phone", phone, "plan", plan.ID, "error", err)
		return "", fmt.Errorf("create checkout session: %w", err)
	}
	slog.Info("BillingService.CreateCheckout: session created", "phone", phone, "plan", plan.ID, "sessionID", sess.ID)
	return sess.URL, nil
}

func (s *Service) plan(id string) *Plan {
	for i := range s.opts.Plans {
		if s.opts.Plans[i].ID == id {
			return &s.opts.Plans[i]
		}
	}
	return nil
}

// WebhookHandler verifies and applies a Stripe webhook event.
func (s *Service) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxWebhookBodyBytes))
	if err != nil {
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		return
	}
	event, err := webhook.ConstructEventWithOptions(payload, r.Header.Get("Stripe-Signature"), s.opts.WebhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		slog.Warn("BillingService.WebhookHandler: signature verification failed", "error", err)
		http.Error(w, "invalid signature", http.StatusBadRequest)
		return
	}
	if err := s.HandleEvent(r.Context(), event); err != nil {
		slog.Error("BillingService.WebhookHandler: event handling failed", "type", event.Type, "id", event.ID, "error", err)
		http.Error(w, "event handling failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// HandleEvent applies one verified event. Unhandled event types are ignored.
func (s *Service) HandleEvent(ctx context.Context, event stripe.Event) error {
	handled, err := s.handleEvent(ctx, event)
	result := metrics.ResultOK
	switch {
	case err != nil:
		result = metrics.ResultFailed
	case !handled:
		result = metrics.ResultSkipped
	}
	s.opts.Metrics.BillingEvent(string(event.Type), result)
	return err
}

func (s *Service) handleEvent(ctx context.Context, event stripe.Event) (bool, error) {
	switch string(event.Type) {
	case "checkout.session.completed":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return true, fmt.Errorf("decode checkout session: %w", err)
		}
		phone := sess.ClientReferenceID
		if phone == "" {
			phone = sess.Metadata[MetadataPhone]
		}
		return true, s.activate(ctx, phone, sess.Metadata[MetadataPlan])
	case "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return true, fmt.Errorf("decode subscription: %w", err)
		}
		return true, s.deactivate(ctx, sub.Metadata[MetadataPhone])
	case "invoice.payment_failed":
		var inv invoiceRef
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return true, fmt.Errorf("decode invoice: %w", err)
		}
		phone := inv.SubscriptionDetails.Metadata[MetadataPhone]
		if phone == "" {
			phone = inv.Metadata[MetadataPhone]
		}
		return true, s.paymentFailed(ctx, phone)
	default:
		slog.Debug("BillingService.HandleEvent: ignoring event", "type", event.Type)
		return false, nil
	}
}

// invoiceRef is the subset of an invoice needed to find its user.
type invoiceRef struct {
	Metadata            map[string]string `json:"metadata"`
	SubscriptionDetails struct {
		Metadata map[string]string `json:"metadata"`
	} `json:"subscription_details"`
}

func (s *Service) loadUser(ctx context.Context, phone string) (*models.User, error) {
	if phone == "" {
		return nil, fmt.Errorf("event carries no user reference")
	}
	u, err := s.store.GetUser(ctx, phone)
	if err != nil {
		return nil, err
	}
	if u == nil {
		slog.Warn("BillingService: event for unknown user", "phone", phone)
	}
	return u, nil
}

func (s *Service) activate(ctx context.Context, phone, planID string) error {
	u, err := s.loadUser(ctx, phone)
	if err != nil || u == nil {
		return err
	}
	days := 31
	name := planID
	if p := s.plan(planID); p != nil {
		days = p.Days
		name = p.Name
	}
	ends := s.now().AddDate(0, 0, days)
	if err := s.store.SetSubscription(ctx, u.Phone, models.SubscriptionActive, planID, &ends); err != nil {
		return fmt.Errorf("save user: %w", err)
	}
	slog.Info("BillingService: subscription activated", "phone", phone, "plan", planID, "endsAt", ends)
	s.notify(ctx, phone, fmt.Sprintf("🎉 Pagamento confirmado! Seu plano %s está ativo até %s.", name, ends.Format("02/01/2006")))
	return nil
}

func (s *Service) deactivate(ctx context.Context, phone string) error {
	u, err := s.loadUser(ctx, phone)
	if err != nil || u == nil {
		return err
	}
	if err := s.store.SetSubscription(ctx, u.Phone, models.SubscriptionInactive, u.SubscriptionPlan, nil); err != nil {
		return fmt.Errorf("save user: %w", err)
	}
	slog.Info("BillingService: subscription cancelled", "phone", phone)
	s.notify(ctx, phone, "Sua assinatura foi cancelada. Quando quiser voltar, é só me pedir os planos. 💙")
	return nil
}

func (s *Service) paymentFailed(ctx context.Context, phone string) error {
	u, err := s.loadUser(ctx, phone)
	if err != nil || u == nil {
		return err
	}
	slog.Warn("BillingService: payment failed", "phone", phone)
	s.notify(ctx, phone, "⚠️ Não conseguimos processar o pagamento da sua assinatura. Verifique seu cartão para continuar usando os lembretes.")
	return nil
}

func (s *Service) notify(ctx context.Context, phone, body string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Send(ctx, phone, body); err != nil {
		slog.Error("BillingService: failed to notify user", "phone", phone, "error", err)
	}
}
