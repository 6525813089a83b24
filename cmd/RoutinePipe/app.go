package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/RoutinePipe/internal/api"
	"github.com/BTreeMap/RoutinePipe/internal/billing"
	"github.com/BTreeMap/RoutinePipe/internal/flow"
	"github.com/BTreeMap/RoutinePipe/internal/genai"
	"github.com/BTreeMap/RoutinePipe/internal/messaging"
	"github.com/BTreeMap/RoutinePipe/internal/metrics"
	"github.com/BTreeMap/RoutinePipe/internal/recovery"
	"github.com/BTreeMap/RoutinePipe/internal/reminder"
	"github.com/BTreeMap/RoutinePipe/internal/scheduler"
	"github.com/BTreeMap/RoutinePipe/internal/store"
	"github.com/BTreeMap/RoutinePipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/RoutinePipe/internal/whatsapp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/ulule/limiter/v3"
	"golang.org/x/sync/errgroup"
)

// app is the wired process. Construction never does I/O; start does.
type app struct {
	registry   *prometheus.Registry
	metrics    *metrics.Metrics
	store      store.Store
	svc        messaging.Service
	gateway    *messaging.Gateway
	cron       *scheduler.Scheduler
	timer      *scheduler.SimpleTimer
	reminders  *reminder.Scheduler
	billing    *billing.Service
	dispatcher *flow.Dispatcher
	aggregator *messaging.Aggregator
	handler    *messaging.ResponseHandler
	recovery   *recovery.RecoveryManager
	server     *api.Server
}

func newApp(config Config, loc *time.Location, st store.Store, svc messaging.Service, classifier flow.Classifier) *app {
	a := &app{store: st, svc: svc, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.MustNew(a.registry)

	a.gateway = messaging.NewGateway(svc, messaging.WithDeliveryMetrics(a.metrics))
	a.cron = scheduler.NewScheduler(scheduler.WithLocation(loc))
	a.timer = scheduler.NewSimpleTimer()
	a.reminders = reminder.NewScheduler(a.cron, a.gateway, reminder.WithMetrics(a.metrics))
	billingOpts := append(buildBillingOptions(config), billing.WithMetrics(a.metrics))
	a.billing = billing.NewService(st, a.gateway, billingOpts...)
	a.dispatcher = flow.NewDispatcher(st, classifier, a.gateway, a.reminders, a.billing,
		flow.WithTrialDays(config.TrialDays), flow.WithMetrics(a.metrics))
	a.aggregator = messaging.NewAggregator(a.timer, a.dispatcher, a.gateway,
		messaging.WithQuietPeriod(config.QuietPeriod), messaging.WithTurnMetrics(a.metrics))
	a.dispatcher.SetTurnCanceller(a.aggregator)
	var handlerOpts []messaging.ResponseHandlerOption
	if config.InboundRate != nil {
		handlerOpts = append(handlerOpts, messaging.WithRateLimit(*config.InboundRate))
	}
	a.handler = messaging.NewResponseHandler(st, a.gateway, a.aggregator, handlerOpts...)

	a.recovery = recovery.NewRecoveryManager(st)
	a.recovery.RegisterRecoverable(a.reminders)

	a.server = api.NewServer(a.handler, buildAPIOptions(config, a)...)
	return a
}

// start connects the transport, reinstalls reminders and begins consuming
// inbound messages.
func (a *app) start(ctx context.Context) error {
	if err := a.svc.Start(ctx); err != nil {
		return fmt.Errorf("failed to start messaging service: %w", err)
	}
	// A partial recovery still serves the users that did recover.
	if err := a.recovery.RecoverAll(ctx); err != nil {
		slog.Warn("app.start: recovery incomplete", "error", err)
	}
	a.handler.Start(ctx, a.svc.Responses())
	return nil
}

// serve runs the HTTP server and the receipt drain until ctx is cancelled or
// either of them fails.
func (a *app) serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.server.Run(gctx) })
	g.Go(func() error {
		a.drainReceipts(gctx)
		return nil
	})
	return g.Wait()
}

func (a *app) drainReceipts(ctx context.Context) {
	receipts := a.svc.Receipts()
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-receipts:
			if err := a.store.AddReceipt(ctx, r); err != nil {
				slog.Error("app.drainReceipts: failed to store receipt", "error", err, "to", r.To)
			}
		}
	}
}

// close stops components in reverse dependency order.
func (a *app) close() {
	a.aggregator.Stop()
	a.reminders.Stop()
	a.cron.Stop()
	a.timer.Stop()
	if err := a.svc.Stop(); err != nil {
		slog.Warn("app.close: messaging service stop failed", "error", err)
	}
}

// buildMessagingService connects the configured transport.
func buildMessagingService(ctx context.Context, config Config) (messaging.Service, error) {
	switch config.Transport {
	case TransportTwilio:
		client, err := twiliowhatsapp.NewClient(buildTwilioOptions(config)...)
		if err != nil {
			return nil, fmt.Errorf("failed to create Twilio client: %w", err)
		}
		svc := messaging.NewTwilioService(client)
		svc.SetWebhookURL(config.TwilioWebhookURL)
		return svc, nil
	default:
		client, err := whatsapp.NewClient(ctx, buildWhatsAppOptions(config)...)
		if err != nil {
			return nil, fmt.Errorf("failed to create WhatsApp client: %w", err)
		}
		return messaging.NewWhatsAppService(client), nil
	}
}

func buildClassifier(config Config) (*genai.Client, error) {
	client, err := genai.NewClient(buildGenAIOptions(config)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create classifier: %w", err)
	}
	return client, nil
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(config Config) []whatsapp.Option {
	var opts []whatsapp.Option
	if config.QRPath != "" {
		opts = append(opts, whatsapp.WithQRCodeOutput(config.QRPath))
	}
	if config.NumericCode {
		opts = append(opts, whatsapp.WithNumericCode())
	}
	if config.WhatsAppDSN != "" {
		opts = append(opts, whatsapp.WithDBDSN(config.WhatsAppDSN))
	}
	return opts
}

func buildTwilioOptions(config Config) []twiliowhatsapp.Option {
	var opts []twiliowhatsapp.Option
	if config.TwilioAccountSID != "" {
		opts = append(opts, twiliowhatsapp.WithAccountSID(config.TwilioAccountSID))
	}
	if config.TwilioAuthToken != "" {
		opts = append(opts, twiliowhatsapp.WithAuthToken(config.TwilioAuthToken))
	}
	if config.TwilioFrom != "" {
		opts = append(opts, twiliowhatsapp.WithFromWhats(config.TwilioFrom))
	}
	return opts
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(config Config) []genai.Option {
	var opts []genai.Option
	if config.OpenAIKey != "" {
		opts = append(opts, genai.WithAPIKey(config.OpenAIKey))
	}
	if config.OpenAIModel != "" {
		opts = append(opts, genai.WithModel(config.OpenAIModel))
	}
	if config.GenAIDebug {
		opts = append(opts, genai.WithDebugMode(true), genai.WithStateDir(config.StateDir))
	}
	return opts
}

func buildBillingOptions(config Config) []billing.Option {
	plans := config.Plans
	if plans == nil {
		plans = billing.DefaultPlans(config.StripePriceMonthly, config.StripePriceAnnual)
	}
	opts := []billing.Option{billing.WithPlans(plans)}
	if config.StripeSecretKey != "" {
		opts = append(opts, billing.WithSecretKey(config.StripeSecretKey))
	}
	if config.StripeWebhookSecret != "" {
		opts = append(opts, billing.WithWebhookSecret(config.StripeWebhookSecret))
	}
	if config.CheckoutSuccessURL != "" || config.CheckoutCancelURL != "" {
		success, cancel := config.CheckoutSuccessURL, config.CheckoutCancelURL
		if success == "" {
			success = cancel
		}
		if cancel == "" {
			cancel = success
		}
		opts = append(opts, billing.WithRedirectURLs(success, cancel))
	}
	return opts
}

// buildAPIOptions mounts the optional routes the wired components support.
func buildAPIOptions(config Config, a *app) []api.Option {
	opts := []api.Option{
		api.WithReminders(a.reminders),
		api.WithReceipts(a.store),
		api.WithMetricsHandler(metrics.Handler(a.registry)),
	}
	if config.APIAddr != "" {
		opts = append(opts, api.WithAddr(config.APIAddr))
	}
	if tw, ok := a.svc.(twilioWebhook); ok {
		opts = append(opts, api.WithTwilioWebhook(tw.TwilioWebhookHandler))
	}
	if config.StripeWebhookSecret != "" {
		opts = append(opts, api.WithStripeWebhook(a.billing.WebhookHandler))
	}
	return opts
}

// parseInboundRate reads a limiter rate such as "30-M". An empty value or
// "off" disables the limit.
func parseInboundRate(formatted string) (*limiter.Rate, error) {
	if formatted == "" || formatted == "off" {
		return nil, nil
	}
	rate, err := limiter.NewRateFromFormatted(formatted)
	if err != nil {
		return nil, fmt.Errorf("invalid inbound rate %q: %w", formatted, err)
	}
	return &rate, nil
}

type twilioWebhook interface {
	TwilioWebhookHandler(w http.ResponseWriter, r *http.Request)
}
