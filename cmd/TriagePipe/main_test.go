package main

import (
	"flag"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/BTreeMap/TriagePipe/internal/flow"
	"github.com/BTreeMap/TriagePipe/internal/genai"
	"github.com/BTreeMap/TriagePipe/internal/scheduler"
	"github.com/google/go-cmp/cmp"
)

var configEnv = []string{
	"OPENAI_API_KEY", "OPENAI_BASE_URL", "TRIAGE_REASONING_MODEL", "TRIAGE_CHAT_MODEL",
	"TRIAGE_REASONING_TEMPERATURE", "TRIAGE_CHAT_TEMPERATURE", "GENAI_DEBUG",
	"TRIAGE_STATE_DIR", "DATABASE_URL", "WHATSAPP_DB_DSN", "REDIS_URL", "API_ADDR", "TRIAGE_CHANNEL",
	"TWILIO_ACCOUNT_SID", "TWILIO_AUTH_TOKEN", "TWILIO_FROM_NUMBER", "TWILIO_WEBHOOK_URL",
	"SENDGRID_API_KEY", "NOTIFY_FROM_EMAIL", "NOTIFY_TO_EMAIL", "ADMIN_JWT_SECRET",
	"TRIAGE_ENABLE_DELAY", "WEEKLY_MESSAGE_LIMIT", "INSIGHTS_CRON", "CHECKIN_CRON", "FOLLOWUP_CRON",
}

func clearConfigEnv(t *testing.T) {
	t.Helper()
	for _, key := range configEnv {
		t.Setenv(key, "")
	}
}

func newFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("TriagePipe", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func TestLoadEnvironmentConfigDefaults(t *testing.T) {
	clearConfigEnv(t)

	config := loadEnvironmentConfig()

	want := Config{
		ReasoningModel:       genai.DefaultModel,
		ChatModel:            genai.DefaultModel,
		ReasoningTemperature: 0.1,
		ChatTemperature:      0.45,
		StateDir:             DefaultStateDir,
		DatabaseURL:          filepath.Join(DefaultStateDir, DefaultAppDBFileName),
		WhatsAppDBDSN:        "file:" + filepath.Join(DefaultStateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on",
		APIAddr:              ":8080",
		Channel:              ChannelTwilio,
		EnableDelay:          true,
		WeeklyLimit:          flow.DefaultWeeklyLimit,
		InsightsCron:         "0 6 * * 1",
		CheckInCron:          "0 10 * * 3",
		FollowUpCron:         "*/15 * * * *",
	}
	if diff := cmp.Diff(want, config); diff != "" {
		t.Errorf("loadEnvironmentConfig() mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadEnvironmentConfigOverrides(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("TRIAGE_STATE_DIR", "/srv/triage")
	t.Setenv("DATABASE_URL", "postgres://triage@localhost/triage")
	t.Setenv("TRIAGE_CHANNEL", "WhatsApp")
	t.Setenv("TRIAGE_CHAT_TEMPERATURE", "0.7")
	t.Setenv("TRIAGE_ENABLE_DELAY", "off")
	t.Setenv("WEEKLY_MESSAGE_LIMIT", "40")
	t.Setenv("CHECKIN_CRON", "off")

	config := loadEnvironmentConfig()

	if config.DatabaseURL != "postgres://triage@localhost/triage" {
		t.Errorf("DatabaseURL = %q", config.DatabaseURL)
	}
	if config.WhatsAppDBDSN != "file:/srv/triage/whatsmeow.db?_foreign_keys=on" {
		t.Errorf("WhatsAppDBDSN = %q", config.WhatsAppDBDSN)
	}
	if config.Channel != ChannelWhatsApp || config.ChatTemperature != 0.7 || config.EnableDelay || config.WeeklyLimit != 40 {
		t.Errorf("config = %+v", config)
	}
	if got := buildSchedule(config); got.CheckIns != "" || got.Insights != scheduler.DefaultInsightsSpec {
		t.Errorf("schedule = %+v", got)
	}
}

func TestParseCommandLineFlagsStateDirUpdate(t *testing.T) {
	clearConfigEnv(t)
	config := loadEnvironmentConfig()

	flags, err := parseCommandLineFlags(newFlagSet(), []string{"-state-dir", "/tmp/new_state"}, config)
	if err != nil {
		t.Fatalf("parseCommandLineFlags: %v", err)
	}
	if *flags.dbDSN != filepath.Join("/tmp/new_state", DefaultAppDBFileName) {
		t.Errorf("dbDSN = %q", *flags.dbDSN)
	}
	if *flags.waDBDSN != "file:/tmp/new_state/whatsmeow.db?_foreign_keys=on" {
		t.Errorf("waDBDSN = %q", *flags.waDBDSN)
	}
}

func TestParseCommandLineFlagsExplicitDSNKept(t *testing.T) {
	clearConfigEnv(t)
	config := loadEnvironmentConfig()

	flags, err := parseCommandLineFlags(newFlagSet(), []string{
		"-state-dir", "/tmp/new_state",
		"-db-dsn", "postgres://db/triage",
		"-channel", "none",
		"-enable-delay=false",
	}, config)
	if err != nil {
		t.Fatalf("parseCommandLineFlags: %v", err)
	}
	if *flags.dbDSN != "postgres://db/triage" || *flags.channel != ChannelNone || *flags.enableDelay {
		t.Errorf("flags: dsn=%q channel=%q delay=%v", *flags.dbDSN, *flags.channel, *flags.enableDelay)
	}
}

func TestParseCommandLineFlagsRejectsUnknownChannel(t *testing.T) {
	clearConfigEnv(t)
	if _, err := parseCommandLineFlags(newFlagSet(), []string{"-channel", "pager"}, loadEnvironmentConfig()); err == nil {
		t.Error("expected error for unknown channel")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"loud":  slog.LevelDebug,
	}
	for in, want := range tests {
		if got := parseLogLevel(in); got != want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestBuildOptions(t *testing.T) {
	clearConfigEnv(t)
	config := loadEnvironmentConfig()
	flags, err := parseCommandLineFlags(newFlagSet(), []string{"-openai-api-key", "sk-test", "-qr-output", "/tmp/qr.txt", "-numeric-code"}, config)
	if err != nil {
		t.Fatalf("parseCommandLineFlags: %v", err)
	}

	if got := len(buildGenAIOptions(config, flags, "gpt-4o", 0.1)); got != 5 {
		t.Errorf("genai options = %d, want 5", got)
	}
	if got := len(buildWhatsAppOptions(flags)); got != 3 {
		t.Errorf("whatsapp options = %d, want 3", got)
	}
	if got := len(buildTwilioOptions(Config{TwilioAccountSID: "AC1", TwilioFromNumber: "+15550001111"})); got != 2 {
		t.Errorf("twilio options = %d, want 2", got)
	}
	if got := len(buildAPIOptions(Config{AdminJWTSecret: "s3cret"}, nil, nil, nil)); got != 3 {
		t.Errorf("api options = %d, want 3", got)
	}
	if got := len(buildPipelineOptions(Config{}, nil)); got != 2 {
		t.Errorf("pipeline options = %d, want 2", got)
	}
}

func TestBuildMessagingServiceNone(t *testing.T) {
	clearConfigEnv(t)
	config := loadEnvironmentConfig()
	flags, err := parseCommandLineFlags(newFlagSet(), []string{"-channel", "none"}, config)
	if err != nil {
		t.Fatalf("parseCommandLineFlags: %v", err)
	}

	svc, webhook, closeChannel, err := buildMessagingService(t.Context(), config, flags)
	closeChannel()
	if err != nil || svc != nil || webhook != nil {
		t.Errorf("buildMessagingService(none) = %v, %v, %v", svc, webhook != nil, err)
	}
}

func TestBuildMessagingServiceTwilioRequiresCredentials(t *testing.T) {
	clearConfigEnv(t)
	config := loadEnvironmentConfig()
	flags, err := parseCommandLineFlags(newFlagSet(), nil, config)
	if err != nil {
		t.Fatalf("parseCommandLineFlags: %v", err)
	}
	if _, _, _, err := buildMessagingService(t.Context(), config, flags); err == nil {
		t.Error("expected missing credential error")
	}

	config.TwilioAccountSID, config.TwilioAuthToken, config.TwilioFromNumber = "AC123", "token", "+15550001111"
	svc, webhook, _, err := buildMessagingService(t.Context(), config, flags)
	if err != nil || svc == nil || webhook == nil {
		t.Errorf("buildMessagingService(twilio) = %v, webhook %v, %v", svc, webhook != nil, err)
	}
}
