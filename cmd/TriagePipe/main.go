package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/BTreeMap/TriagePipe/internal/api"
	"github.com/BTreeMap/TriagePipe/internal/flow"
	"github.com/BTreeMap/TriagePipe/internal/genai"
	"github.com/BTreeMap/TriagePipe/internal/insight"
	"github.com/BTreeMap/TriagePipe/internal/lockfile"
	"github.com/BTreeMap/TriagePipe/internal/messaging"
	"github.com/BTreeMap/TriagePipe/internal/metrics"
	"github.com/BTreeMap/TriagePipe/internal/notify"
	"github.com/BTreeMap/TriagePipe/internal/quota"
	"github.com/BTreeMap/TriagePipe/internal/scheduler"
	"github.com/BTreeMap/TriagePipe/internal/store"
	"github.com/BTreeMap/TriagePipe/internal/timing"
	"github.com/BTreeMap/TriagePipe/internal/twiliosms"
	"github.com/BTreeMap/TriagePipe/internal/util"
	"github.com/BTreeMap/TriagePipe/internal/whatsapp"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for TriagePipe state data
	DefaultStateDir = "/var/lib/triagepipe"
	// DefaultAppDBFileName is the default SQLite database filename
	DefaultAppDBFileName = "triagepipe.db"
	// DefaultWhatsAppDBFileName is the default whatsmeow session database filename
	DefaultWhatsAppDBFileName = "whatsmeow.db"

	DefaultChannel        = ChannelTwilio
	DefaultChatTemp       = 0.45
	DefaultLogLevel       = "debug"
	DefaultNotifyFromName = "TriagePipe"
)

// Messaging channels.
const (
	ChannelTwilio   = "twilio"
	ChannelWhatsApp = "whatsapp"
	ChannelNone     = "none"
)

func main() {
	initializeLogger(DefaultLogLevel)

	config := loadEnvironmentConfig()

	flags, err := parseCommandLineFlags(flag.CommandLine, os.Args[1:], config)
	if err != nil {
		slog.Error("Invalid command line", "error", err)
		os.Exit(2)
	}
	initializeLogger(*flags.logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping TriagePipe", "channel", *flags.channel, "state_dir", *flags.stateDir, "api_addr", *flags.apiAddr)
	if err := run(ctx, config, flags); err != nil {
		slog.Error("TriagePipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("TriagePipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	OpenAIKey            string
	OpenAIBaseURL        string
	ReasoningModel       string
	ChatModel            string
	ReasoningTemperature float64
	ChatTemperature      float64
	GenAIDebug           bool

	StateDir      string
	DatabaseURL   string
	WhatsAppDBDSN string
	RedisURL      string
	APIAddr       string
	Channel       string

	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string
	TwilioWebhookURL string

	SendGridAPIKey  string
	NotifyFromEmail string
	NotifyToEmail   string

	AdminJWTSecret string
	EnableDelay    bool
	WeeklyLimit    int

	InsightsCron string
	CheckInCron  string
	FollowUpCron string
}

// Flags holds command line flag values
type Flags struct {
	stateDir    *string
	dbDSN       *string
	waDBDSN     *string
	redisURL    *string
	apiAddr     *string
	channel     *string
	openaiKey   *string
	enableDelay *bool
	logLevel    *string
	qrOutput    *string
	numeric     *bool
}

// initializeLogger installs a text handler on stdout at the given level.
func initializeLogger(level string) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(level)}))
	slog.SetDefault(logger)
}

func parseLogLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return slog.LevelDebug
	}
	return l
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		OpenAIKey:            os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:        os.Getenv("OPENAI_BASE_URL"),
		ReasoningModel:       util.GetEnv("TRIAGE_REASONING_MODEL", genai.DefaultModel),
		ChatModel:            util.GetEnv("TRIAGE_CHAT_MODEL", genai.DefaultModel),
		ReasoningTemperature: util.ParseFloatEnv("TRIAGE_REASONING_TEMPERATURE", genai.DefaultTemperature),
		ChatTemperature:      util.ParseFloatEnv("TRIAGE_CHAT_TEMPERATURE", DefaultChatTemp),
		GenAIDebug:           util.ParseBoolEnv("GENAI_DEBUG", false),

		StateDir:      util.GetEnv("TRIAGE_STATE_DIR", DefaultStateDir),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		WhatsAppDBDSN: os.Getenv("WHATSAPP_DB_DSN"),
		RedisURL:      os.Getenv("REDIS_URL"),
		APIAddr:       util.GetEnv("API_ADDR", api.DefaultAddr),
		Channel:       strings.ToLower(util.GetEnv("TRIAGE_CHANNEL", DefaultChannel)),

		TwilioAccountSID: os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:  os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber: os.Getenv("TWILIO_FROM_NUMBER"),
		TwilioWebhookURL: os.Getenv("TWILIO_WEBHOOK_URL"),

		SendGridAPIKey:  os.Getenv("SENDGRID_API_KEY"),
		NotifyFromEmail: os.Getenv("NOTIFY_FROM_EMAIL"),
		NotifyToEmail:   os.Getenv("NOTIFY_TO_EMAIL"),

		AdminJWTSecret: os.Getenv("ADMIN_JWT_SECRET"),
		EnableDelay:    util.ParseBoolEnv("TRIAGE_ENABLE_DELAY", true),
		WeeklyLimit:    util.ParseIntEnv("WEEKLY_MESSAGE_LIMIT", flow.DefaultWeeklyLimit),

		InsightsCron: util.GetEnv("INSIGHTS_CRON", scheduler.DefaultInsightsSpec),
		CheckInCron:  util.GetEnv("CHECKIN_CRON", scheduler.DefaultCheckInSpec),
		FollowUpCron: util.GetEnv("FOLLOWUP_CRON", scheduler.DefaultFollowUpSpec),
	}

	// If no database URL is provided, default to SQLite in the state directory
	if config.DatabaseURL == "" {
		config.DatabaseURL = defaultAppDSN(config.StateDir)
		slog.Debug("No DATABASE_URL set, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}
	if config.WhatsAppDBDSN == "" {
		config.WhatsAppDBDSN = defaultWhatsAppDSN(config.StateDir)
	}

	slog.Debug("environment variables loaded",
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"TRIAGE_REASONING_MODEL", config.ReasoningModel,
		"TRIAGE_CHAT_MODEL", config.ChatModel,
		"TRIAGE_STATE_DIR", config.StateDir,
		"REDIS_URL_SET", config.RedisURL != "",
		"API_ADDR", config.APIAddr,
		"TRIAGE_CHANNEL", config.Channel,
		"SENDGRID_API_KEY_SET", config.SendGridAPIKey != "",
		"ADMIN_JWT_SECRET_SET", config.AdminJWTSecret != "",
		"TRIAGE_ENABLE_DELAY", config.EnableDelay,
		"WEEKLY_MESSAGE_LIMIT", config.WeeklyLimit)

	return config
}

func defaultAppDSN(stateDir string) string {
	return filepath.Join(stateDir, DefaultAppDBFileName)
}

func defaultWhatsAppDSN(stateDir string) string {
	return "file:" + filepath.Join(stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config Config) (Flags, error) {
	flags := Flags{
		stateDir:    fs.String("state-dir", config.StateDir, "state directory for TriagePipe data (overrides $TRIAGE_STATE_DIR)"),
		dbDSN:       fs.String("db-dsn", config.DatabaseURL, "database DSN, a SQLite path or a Postgres URL (overrides $DATABASE_URL)"),
		waDBDSN:     fs.String("whatsapp-db-dsn", config.WhatsAppDBDSN, "whatsmeow session database DSN (overrides $WHATSAPP_DB_DSN)"),
		redisURL:    fs.String("redis-url", config.RedisURL, "Redis URL for the weekly message quota (overrides $REDIS_URL)"),
		apiAddr:     fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		channel:     fs.String("channel", config.Channel, "messaging channel: twilio, whatsapp or none (overrides $TRIAGE_CHANNEL)"),
		openaiKey:   fs.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		enableDelay: fs.Bool("enable-delay", config.EnableDelay, "wait a human-like delay before replying (overrides $TRIAGE_ENABLE_DELAY)"),
		logLevel:    fs.String("log-level", DefaultLogLevel, "log level: debug, info, warn or error"),
		qrOutput:    fs.String("qr-output", "", "path to write the WhatsApp login QR code"),
		numeric:     fs.Bool("numeric-code", false, "print the WhatsApp pairing code instead of a QR code"),
	}

	if err := fs.Parse(args); err != nil {
		return flags, err
	}

	switch *flags.channel {
	case ChannelTwilio, ChannelWhatsApp, ChannelNone:
	default:
		return flags, fmt.Errorf("unknown channel %q", *flags.channel)
	}

	// Follow a moved state directory unless the DSNs were set explicitly
	if *flags.stateDir != config.StateDir {
		if *flags.dbDSN == defaultAppDSN(config.StateDir) {
			*flags.dbDSN = defaultAppDSN(*flags.stateDir)
		}
		if *flags.waDBDSN == defaultWhatsAppDSN(config.StateDir) {
			*flags.waDBDSN = defaultWhatsAppDSN(*flags.stateDir)
		}
		slog.Debug("Updated DSNs based on state directory", "old_state_dir", config.StateDir, "new_state_dir", *flags.stateDir)
	}

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"redisURL_set", *flags.redisURL != "",
		"apiAddr", *flags.apiAddr,
		"channel", *flags.channel,
		"openaiKeySet", *flags.openaiKey != "",
		"enableDelay", *flags.enableDelay,
		"logLevel", *flags.logLevel)

	return flags, nil
}

func run(ctx context.Context, config Config, flags Flags) error {
	lock, err := lockfile.AcquireLock(*flags.stateDir, *flags.apiAddr)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := store.Open(*flags.dbDSN)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	reasoning, err := genai.NewClient(buildGenAIOptions(config, flags, config.ReasoningModel, config.ReasoningTemperature)...)
	if err != nil {
		return fmt.Errorf("failed to create reasoning client: %w", err)
	}
	chat, err := genai.NewClient(buildGenAIOptions(config, flags, config.ChatModel, config.ChatTemperature)...)
	if err != nil {
		return fmt.Errorf("failed to create chat client: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	counter, err := buildCounter(ctx, flags)
	if err != nil {
		return err
	}
	if closer, ok := counter.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	svc, webhook, closeChannel, err := buildMessagingService(ctx, config, flags)
	if err != nil {
		return err
	}
	defer closeChannel()
	notifier := buildNotifier(config)

	pipeline := flow.New(reasoning, chat, buildPipelineOptions(config, m)...)
	handler := messaging.NewTriageHandler(svc, st, pipeline, counter, buildHandlerOptions(flags, notifier, m)...)
	insights := insight.NewGenerator(reasoning)
	checkins := flow.NewCheckInWriter(chat, time.Now)

	if svc != nil {
		if err := svc.Start(ctx); err != nil {
			return fmt.Errorf("failed to start %s service: %w", *flags.channel, err)
		}
		defer svc.Stop()
	}
	handler.Start(ctx)

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	var sender scheduler.CheckInSender
	if svc != nil {
		sender = handler
	}
	jobs := scheduler.NewJobs(st, insights, checkins, sender,
		scheduler.WithFollowUpNotifier(notifier),
		scheduler.WithMetrics(m))
	if err := jobs.RecoverPending(ctx); err != nil {
		slog.Warn("Failed to recover pending follow-ups", "error", err)
	}
	if err := jobs.Register(ctx, sched, buildSchedule(config)); err != nil {
		return err
	}

	server := api.NewServer(st, pipeline, handler, insights, checkins,
		buildAPIOptions(config, webhook, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}), m)...)
	err = server.Run(ctx, *flags.apiAddr)
	handler.Wait()
	return err
}

// buildGenAIOptions constructs GenAI configuration options for one model role
func buildGenAIOptions(config Config, flags Flags, model string, temperature float64) []genai.Option {
	opts := []genai.Option{
		genai.WithModel(model),
		genai.WithTemperature(temperature),
		genai.WithDebugMode(config.GenAIDebug),
		genai.WithStateDir(*flags.stateDir),
	}
	if *flags.openaiKey != "" {
		opts = append(opts, genai.WithAPIKey(*flags.openaiKey))
	}
	if config.OpenAIBaseURL != "" {
		opts = append(opts, genai.WithBaseURL(config.OpenAIBaseURL))
	}
	return opts
}

// buildCounter picks the Redis quota counter when a URL is configured
func buildCounter(ctx context.Context, flags Flags) (quota.Counter, error) {
	if *flags.redisURL == "" {
		slog.Debug("No Redis URL provided, using in-memory quota counter")
		return quota.NewMemoryCounter(), nil
	}
	counter, err := quota.NewRedisCounterFromURL(ctx, *flags.redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect quota counter: %w", err)
	}
	return counter, nil
}

// buildTwilioOptions constructs Twilio configuration options
func buildTwilioOptions(config Config) []twiliosms.Option {
	var opts []twiliosms.Option
	if config.TwilioAccountSID != "" {
		opts = append(opts, twiliosms.WithAccountSID(config.TwilioAccountSID))
	}
	if config.TwilioAuthToken != "" {
		opts = append(opts, twiliosms.WithAuthToken(config.TwilioAuthToken))
	}
	if config.TwilioFromNumber != "" {
		opts = append(opts, twiliosms.WithFrom(config.TwilioFromNumber))
	}
	return opts
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if *flags.waDBDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.waDBDSN))
	}
	return waOpts
}

// buildMessagingService connects the configured channel. The webhook is non-nil only for Twilio.
// The returned func releases the channel's connection.
func buildMessagingService(ctx context.Context, config Config, flags Flags) (messaging.Service, http.HandlerFunc, func(), error) {
	noop := func() {}
	switch *flags.channel {
	case ChannelTwilio:
		client, err := twiliosms.NewClient(buildTwilioOptions(config)...)
		if err != nil {
			return nil, nil, noop, fmt.Errorf("failed to create Twilio client: %w", err)
		}
		var validator *twiliosms.SignatureValidator
		if config.TwilioWebhookURL != "" && config.TwilioAuthToken != "" {
			validator = twiliosms.NewSignatureValidator(config.TwilioAuthToken, config.TwilioWebhookURL)
		} else {
			slog.Warn("TWILIO_WEBHOOK_URL not set, inbound webhook signatures are not verified")
		}
		svc := messaging.NewTwilioService(client, webhookValidator(validator))
		return svc, svc.TwilioWebhookHandler, noop, nil
	case ChannelWhatsApp:
		client, err := whatsapp.NewClient(ctx, buildWhatsAppOptions(flags)...)
		if err != nil {
			return nil, nil, noop, fmt.Errorf("failed to create WhatsApp client: %w", err)
		}
		return messaging.NewWhatsAppService(client), nil, client.Disconnect, nil
	default:
		slog.Warn("No messaging channel configured, replies are recorded but not delivered")
		return nil, nil, noop, nil
	}
}

// webhookValidator keeps a nil *SignatureValidator from becoming a non-nil interface.
func webhookValidator(v *twiliosms.SignatureValidator) messaging.WebhookValidator {
	if v == nil {
		return nil
	}
	return v
}

// buildNotifier sends through SendGrid when a key is configured and logs otherwise
func buildNotifier(config Config) *notify.EmailNotifier {
	var sender notify.EmailSender
	if s := notify.NewSendGridSender(config.SendGridAPIKey, config.NotifyFromEmail, DefaultNotifyFromName); s != nil {
		sender = s
	}
	if config.NotifyToEmail == "" {
		slog.Warn("NOTIFY_TO_EMAIL not set, case manager notifications will fail")
	}
	return notify.NewEmailNotifier(sender, config.NotifyToEmail)
}

// buildPipelineOptions constructs triage pipeline options. The delay runs only for requests
// that enable it; the inbound handler delays its replies itself.
func buildPipelineOptions(config Config, m *metrics.TriageMetrics) []flow.Option {
	opts := []flow.Option{
		flow.WithObserver(m),
		flow.WithDelayer(timing.NewDelayer(true)),
	}
	if config.WeeklyLimit > 0 {
		opts = append(opts, flow.WithWeeklyLimit(config.WeeklyLimit))
	}
	return opts
}

// buildHandlerOptions constructs inbound message handler options
func buildHandlerOptions(flags Flags, notifier notify.Notifier, m *metrics.TriageMetrics) []messaging.HandlerOption {
	return []messaging.HandlerOption{
		messaging.WithNotifier(notifier),
		messaging.WithMetrics(m),
		messaging.WithReplyDelayer(timing.NewDelayer(*flags.enableDelay)),
	}
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(config Config, webhook http.HandlerFunc, metricsHandler http.Handler, m *metrics.TriageMetrics) []api.Option {
	opts := []api.Option{
		api.WithMetricsHandler(metricsHandler),
		api.WithMetrics(m),
	}
	if webhook != nil {
		opts = append(opts, api.WithTwilioWebhook(webhook))
	}
	if config.AdminJWTSecret != "" {
		opts = append(opts, api.WithJWTSecret(config.AdminJWTSecret))
	}
	return opts
}

// buildSchedule maps the cron settings. "off" disables a job.
func buildSchedule(config Config) scheduler.Schedule {
	spec := func(s string) string {
		if strings.EqualFold(s, "off") {
			return ""
		}
		return s
	}
	return scheduler.Schedule{
		Insights:  spec(config.InsightsCron),
		CheckIns:  spec(config.CheckInCron),
		FollowUps: spec(config.FollowUpCron),
	}
}
