package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/BTreeMap/RoutinePipe/internal/billing"
	"github.com/BTreeMap/RoutinePipe/internal/lockfile"
	"github.com/BTreeMap/RoutinePipe/internal/messaging"
	"github.com/BTreeMap/RoutinePipe/internal/store"
	"github.com/BTreeMap/RoutinePipe/internal/util"
	"github.com/joho/godotenv"
	"github.com/ulule/limiter/v3"
)

// Default configuration constants
const (
	DefaultStateDir           = "/var/lib/routinepipe"
	DefaultAppDBFileName      = "routinepipe.db"
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	DefaultTimezone           = "America/Sao_Paulo"
	DefaultQuietPeriod        = messaging.DefaultQuietPeriod
	DefaultInboundRate        = "30-M"

	TransportWhatsApp = "whatsapp"
	TransportTwilio   = "twilio"

	// memoryDSN selects the in-memory store.
	memoryDSN = "memory"
)

func main() {
	initializeLogger(os.Getenv("LOG_LEVEL"))

	config := loadEnvironmentConfig()
	config, err := parseCommandLineFlags(flag.CommandLine, os.Args[1:], config)
	if err != nil {
		slog.Error("Invalid command line", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping RoutinePipe", "transport", config.Transport, "state_dir", config.StateDir, "api_addr", config.APIAddr, "timezone", config.Timezone)
	if err := run(ctx, config); err != nil {
		slog.Error("RoutinePipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("RoutinePipe exited successfully")
}

// Config holds the resolved configuration.
type Config struct {
	StateDir    string
	AppDSN      string
	WhatsAppDSN string
	Transport   string
	APIAddr     string
	Timezone    string
	QuietPeriod time.Duration
	TrialDays   int

	// InboundRateFormat is a limiter rate such as "30-M"; InboundRate is its
	// parsed form, nil when disabled.
	InboundRateFormat string
	InboundRate       *limiter.Rate
	PlansFile         string
	Plans             []billing.Plan

	OpenAIKey   string
	OpenAIModel string
	GenAIDebug  bool

	QRPath      string
	NumericCode bool

	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFrom       string
	TwilioWebhookURL string

	StripeSecretKey     string
	StripeWebhookSecret string
	StripePriceMonthly  string
	StripePriceAnnual   string
	CheckoutSuccessURL  string
	CheckoutCancelURL   string
}

// initializeLogger sets up the text handler. Unknown levels mean debug.
func initializeLogger(level string) {
	var lvl slog.Level = slog.LevelDebug
	if level != "" {
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			lvl = slog.LevelDebug
		}
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:    util.GetEnv("ROUTINEPIPE_STATE_DIR", DefaultStateDir),
		AppDSN:      util.FirstEnv("DATABASE_DSN", "DATABASE_URL"),
		WhatsAppDSN: util.GetEnv("WHATSAPP_DB_DSN", ""),
		Transport:   strings.ToLower(util.GetEnv("MESSAGING_TRANSPORT", TransportWhatsApp)),
		APIAddr:     util.GetEnv("API_ADDR", ""),
		Timezone:    util.GetEnv("TIMEZONE", DefaultTimezone),
		QuietPeriod: util.ParseDurationEnv("QUIET_PERIOD", DefaultQuietPeriod),
		TrialDays:   util.ParseIntEnv("TRIAL_DAYS", -1),

		InboundRateFormat: util.GetEnv("INBOUND_RATE_LIMIT", DefaultInboundRate),
		PlansFile:         os.Getenv("BILLING_PLANS_FILE"),

		OpenAIKey:   os.Getenv("OPENAI_API_KEY"),
		OpenAIModel: os.Getenv("OPENAI_MODEL"),
		GenAIDebug:  util.ParseBoolEnv("GENAI_DEBUG", false),

		TwilioAccountSID: os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:  os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:       os.Getenv("TWILIO_FROM_NUMBER"),
		TwilioWebhookURL: os.Getenv("TWILIO_WEBHOOK_URL"),

		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		StripePriceMonthly:  os.Getenv("STRIPE_PRICE_MONTHLY"),
		StripePriceAnnual:   os.Getenv("STRIPE_PRICE_ANNUAL"),
		CheckoutSuccessURL:  os.Getenv("CHECKOUT_SUCCESS_URL"),
		CheckoutCancelURL:   os.Getenv("CHECKOUT_CANCEL_URL"),
	}

	slog.Debug("environment variables loaded",
		"ROUTINEPIPE_STATE_DIR", config.StateDir,
		"DATABASE_DSN_SET", config.AppDSN != "",
		"WHATSAPP_DB_DSN_SET", config.WhatsAppDSN != "",
		"MESSAGING_TRANSPORT", config.Transport,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"STRIPE_SECRET_KEY_SET", config.StripeSecretKey != "",
		"TWILIO_ACCOUNT_SID_SET", config.TwilioAccountSID != "",
		"TIMEZONE", config.Timezone,
		"QUIET_PERIOD", config.QuietPeriod,
		"INBOUND_RATE_LIMIT", config.InboundRateFormat,
		"BILLING_PLANS_FILE", config.PlansFile)

	return config
}

// parseCommandLineFlags overrides config with flags, then fills the DSNs
// that are still empty from the state directory.
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config Config) (Config, error) {
	fs.StringVar(&config.QRPath, "qr-output", config.QRPath, "path to write login QR code")
	fs.BoolVar(&config.NumericCode, "numeric-code", config.NumericCode, "use numeric login code instead of QR code")
	fs.StringVar(&config.StateDir, "state-dir", config.StateDir, "state directory for RoutinePipe data (overrides $ROUTINEPIPE_STATE_DIR)")
	fs.StringVar(&config.AppDSN, "db-dsn", config.AppDSN, "application database DSN, or \"memory\" (overrides $DATABASE_DSN)")
	fs.StringVar(&config.WhatsAppDSN, "whatsapp-db-dsn", config.WhatsAppDSN, "whatsmeow device database DSN (overrides $WHATSAPP_DB_DSN)")
	fs.StringVar(&config.Transport, "transport", config.Transport, "messaging transport: whatsapp or twilio (overrides $MESSAGING_TRANSPORT)")
	fs.StringVar(&config.OpenAIKey, "openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)")
	fs.StringVar(&config.APIAddr, "api-addr", config.APIAddr, "API server address (overrides $API_ADDR)")
	fs.StringVar(&config.Timezone, "timezone", config.Timezone, "IANA time zone of reminders (overrides $TIMEZONE)")
	fs.DurationVar(&config.QuietPeriod, "quiet-period", config.QuietPeriod, "silence that closes a turn (overrides $QUIET_PERIOD)")
	fs.IntVar(&config.TrialDays, "trial-days", config.TrialDays, "trial length for new users, -1 for the default (overrides $TRIAL_DAYS)")
	fs.StringVar(&config.InboundRateFormat, "inbound-rate", config.InboundRateFormat, "per-sender inbound rate such as 30-M, or off (overrides $INBOUND_RATE_LIMIT)")
	fs.StringVar(&config.PlansFile, "plans-file", config.PlansFile, "YAML subscription plan catalogue (overrides $BILLING_PLANS_FILE)")

	if err := fs.Parse(args); err != nil {
		return config, err
	}

	config.Transport = strings.ToLower(strings.TrimSpace(config.Transport))
	switch config.Transport {
	case TransportWhatsApp, TransportTwilio:
	default:
		return config, fmt.Errorf("unknown transport %q", config.Transport)
	}
	if config.QuietPeriod <= 0 {
		return config, fmt.Errorf("quiet period must be positive, got %s", config.QuietPeriod)
	}
	rate, err := parseInboundRate(strings.TrimSpace(config.InboundRateFormat))
	if err != nil {
		return config, err
	}
	config.InboundRate = rate
	if config.PlansFile != "" {
		plans, err := billing.LoadPlans(config.PlansFile)
		if err != nil {
			return config, err
		}
		config.Plans = plans
	}

	if config.AppDSN == "" {
		config.AppDSN = filepath.Join(config.StateDir, DefaultAppDBFileName)
		slog.Debug("No application DSN provided, defaulting to SQLite", "sqlite_path", config.AppDSN)
	}
	if config.WhatsAppDSN == "" {
		config.WhatsAppDSN = "file:" + filepath.Join(config.StateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
	}

	slog.Debug("flags parsed",
		"qrOutput", config.QRPath,
		"numeric", config.NumericCode,
		"stateDir", config.StateDir,
		"transport", config.Transport,
		"openaiKeySet", config.OpenAIKey != "",
		"apiAddr", config.APIAddr,
		"quietPeriod", config.QuietPeriod,
		"trialDays", config.TrialDays,
		"inboundRate", config.InboundRateFormat,
		"plans", len(config.Plans))

	return config, nil
}

// storeDSN maps the configured DSN to the one store.Open expects.
func storeDSN(dsn string) string {
	if strings.EqualFold(strings.TrimSpace(dsn), memoryDSN) {
		return ""
	}
	return dsn
}

// run locks the state directory, wires the components and serves until ctx
// is cancelled.
func run(ctx context.Context, config Config) error {
	lock, err := lockfile.AcquireLock(config.StateDir, config.Transport)
	if err != nil {
		return err
	}
	defer lock.Release()

	loc, err := time.LoadLocation(config.Timezone)
	if err != nil {
		return fmt.Errorf("invalid timezone %q: %w", config.Timezone, err)
	}

	st, err := store.Open(storeDSN(config.AppDSN))
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	classifier, err := buildClassifier(config)
	if err != nil {
		return err
	}

	svc, err := buildMessagingService(ctx, config)
	if err != nil {
		return err
	}

	a := newApp(config, loc, st, svc, classifier)
	defer a.close()
	if err := a.start(ctx); err != nil {
		return err
	}
	err = a.serve(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
