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

	"github.com/BTreeMap/DuetPipe/internal/api"
	"github.com/BTreeMap/DuetPipe/internal/flow"
	"github.com/BTreeMap/DuetPipe/internal/genai"
	"github.com/BTreeMap/DuetPipe/internal/lockfile"
	"github.com/BTreeMap/DuetPipe/internal/messaging"
	"github.com/BTreeMap/DuetPipe/internal/scenarios"
	"github.com/BTreeMap/DuetPipe/internal/scheduler"
	"github.com/BTreeMap/DuetPipe/internal/store"
	"github.com/BTreeMap/DuetPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/DuetPipe/internal/util"
	"github.com/BTreeMap/DuetPipe/internal/whatsapp"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for DuetPipe state data
	DefaultStateDir = "/var/lib/duetpipe"
	// DefaultAppDBFileName is the default SQLite database for scenarios, transcripts and threads
	DefaultAppDBFileName = "duetpipe.db"
	// DefaultWhatsAppDBFileName is the default SQLite database for the whatsmeow device store
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultGenTimeout bounds each phase generator call
	DefaultGenTimeout = 4 * time.Second
)

// Transport names accepted by -transport and $TRANSPORT.
const (
	TransportWhatsApp = "whatsapp"
	TransportTwilio   = "twilio"
	TransportNone     = "none"
)

func main() {
	initializeLogger("debug")

	config := loadEnvironmentConfig()
	flags, err := parseCommandLineFlags(flag.CommandLine, os.Args[1:], config)
	if err != nil {
		slog.Error("Invalid command line", "error", err)
		os.Exit(2)
	}
	initializeLogger(*flags.logLevel)

	if err := run(flags); err != nil {
		slog.Error("DuetPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("DuetPipe exited successfully")
}

// run wires every module together and blocks until a termination signal arrives.
func run(flags Flags) error {
	if err := validateFlags(flags); err != nil {
		return err
	}

	lock, err := lockfile.Acquire(*flags.stateDir, *flags.transport)
	if err != nil {
		return err
	}
	defer lock.Release()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping DuetPipe", "state_dir", *flags.stateDir, "transport", *flags.transport, "api_addr", *flags.apiAddr)
	st, err := store.Open(*flags.dbDSN)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	if *flags.scenariosFile != "" {
		if _, err := scenarios.SeedFile(st, *flags.scenariosFile); err != nil {
			return fmt.Errorf("failed to seed scenarios: %w", err)
		}
	}

	gen := buildGenerator(flags)

	svc, closeTransport, err := buildTransport(ctx, flags)
	if err != nil {
		return err
	}
	defer closeTransport()

	return api.Run(ctx, svc, st, gen, buildAPIOptions(flags)...)
}

// Config holds environment configuration
type Config struct {
	StateDir             string
	DatabaseURL          string
	WhatsAppDSN          string
	OpenAIKey            string
	OpenAIModel          string
	GenTimeout           time.Duration
	GenRatePerSec        float64
	APIAddr              string
	Transport            string
	TwilioAccountSID     string
	TwilioAuthToken      string
	TwilioFrom           string
	ScenariosFile        string
	KickoffCron          string
	NotifyTurnViolations bool
	LogLevel             string
}

// Flags holds command line flag values
type Flags struct {
	qrOutput      *string
	numeric       *bool
	stateDir      *string
	dbDSN         *string
	whatsappDSN   *string
	openaiKey     *string
	openaiModel   *string
	genTimeout    *time.Duration
	genRate       *float64
	apiAddr       *string
	transport     *string
	twilioSID     *string
	twilioToken   *string
	twilioFrom    *string
	scenariosFile *string
	kickoffCron   *string
	turnNotices   *bool
	logLevel      *string
}

// parseLogLevel maps a level name to slog, defaulting to debug.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelDebug
	}
}

// initializeLogger sets up structured logging at the given level
func initializeLogger(level string) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(level)}))
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
		StateDir:             util.StringEnv("DUETPIPE_STATE_DIR", DefaultStateDir),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		WhatsAppDSN:          os.Getenv("WHATSAPP_DB_DSN"),
		OpenAIKey:            os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:          util.StringEnv("OPENAI_MODEL", genai.DefaultModel),
		GenTimeout:           util.ParseDurationEnv("GENAI_TIMEOUT", DefaultGenTimeout),
		GenRatePerSec:        util.ParseFloatEnv("GENAI_RATE_PER_SEC", 0),
		APIAddr:              util.StringEnv("API_ADDR", api.DefaultAddr),
		Transport:            strings.ToLower(util.StringEnv("TRANSPORT", TransportWhatsApp)),
		TwilioAccountSID:     os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:      os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:           os.Getenv("TWILIO_FROM_NUMBER"),
		ScenariosFile:        os.Getenv("SCENARIOS_FILE"),
		KickoffCron:          os.Getenv("KICKOFF_CRON"),
		NotifyTurnViolations: util.ParseBoolEnv("NOTIFY_TURN_VIOLATIONS", false),
		LogLevel:             util.StringEnv("LOG_LEVEL", "debug"),
	}

	slog.Debug("environment variables loaded",
		"DUETPIPE_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"WHATSAPP_DB_DSN_SET", config.WhatsAppDSN != "",
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"TRANSPORT", config.Transport,
		"API_ADDR", config.APIAddr,
		"KICKOFF_CRON", config.KickoffCron)

	return config
}

// defaultAppDSN is the SQLite file used when no DATABASE_URL is given.
func defaultAppDSN(stateDir string) string {
	return filepath.Join(stateDir, DefaultAppDBFileName)
}

// defaultWhatsAppDSN is the whatsmeow SQLite store, with the foreign keys it requires.
func defaultWhatsAppDSN(stateDir string) string {
	return "file:" + filepath.Join(stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
}

// parseCommandLineFlags parses command line arguments with environment defaults.
// Database DSNs left empty are derived from the final state directory.
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config Config) (Flags, error) {
	flags := Flags{
		qrOutput:      fs.String("qr-output", "", "path to write login QR code"),
		numeric:       fs.Bool("numeric-code", false, "use numeric login code instead of QR code"),
		stateDir:      fs.String("state-dir", config.StateDir, "state directory for DuetPipe data (overrides $DUETPIPE_STATE_DIR)"),
		dbDSN:         fs.String("db-dsn", config.DatabaseURL, "application database DSN, Postgres URL or SQLite path (overrides $DATABASE_URL)"),
		whatsappDSN:   fs.String("whatsapp-db-dsn", config.WhatsAppDSN, "whatsmeow device store DSN (overrides $WHATSAPP_DB_DSN)"),
		openaiKey:     fs.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		openaiModel:   fs.String("openai-model", config.OpenAIModel, "OpenAI chat model (overrides $OPENAI_MODEL)"),
		genTimeout:    fs.Duration("genai-timeout", config.GenTimeout, "phase generator timeout (overrides $GENAI_TIMEOUT)"),
		genRate:       fs.Float64("genai-rate", config.GenRatePerSec, "max generator requests per second, 0 for unlimited (overrides $GENAI_RATE_PER_SEC)"),
		apiAddr:       fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		transport:     fs.String("transport", config.Transport, "messaging transport: whatsapp, twilio or none (overrides $TRANSPORT)"),
		twilioSID:     fs.String("twilio-account-sid", config.TwilioAccountSID, "Twilio account SID (overrides $TWILIO_ACCOUNT_SID)"),
		twilioToken:   fs.String("twilio-auth-token", config.TwilioAuthToken, "Twilio auth token (overrides $TWILIO_AUTH_TOKEN)"),
		twilioFrom:    fs.String("twilio-from", config.TwilioFrom, "Twilio WhatsApp sender number (overrides $TWILIO_FROM_NUMBER)"),
		scenariosFile: fs.String("scenarios-file", config.ScenariosFile, "YAML scenario pool seeded at startup (overrides $SCENARIOS_FILE)"),
		kickoffCron:   fs.String("kickoff-cron", config.KickoffCron, "cron schedule for automatic session kickoff (overrides $KICKOFF_CRON)"),
		turnNotices:   fs.Bool("notify-turn-violations", config.NotifyTurnViolations, "acknowledge out-of-turn messages (overrides $NOTIFY_TURN_VIOLATIONS)"),
		logLevel:      fs.String("log-level", config.LogLevel, "log level: debug, info, warn or error (overrides $LOG_LEVEL)"),
	}

	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}

	*flags.transport = strings.ToLower(strings.TrimSpace(*flags.transport))
	if *flags.dbDSN == "" {
		*flags.dbDSN = defaultAppDSN(*flags.stateDir)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", *flags.dbDSN)
	}
	if *flags.whatsappDSN == "" {
		*flags.whatsappDSN = defaultWhatsAppDSN(*flags.stateDir)
	}

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_type", store.DetectDSNType(*flags.dbDSN),
		"transport", *flags.transport,
		"apiAddr", *flags.apiAddr,
		"kickoffCron", *flags.kickoffCron,
		"openaiKeySet", *flags.openaiKey != "")

	return flags, nil
}

// validateFlags rejects configurations that would fail later at runtime.
func validateFlags(flags Flags) error {
	switch *flags.transport {
	case TransportWhatsApp, TransportNone:
	case TransportTwilio:
		if *flags.twilioSID == "" || *flags.twilioToken == "" || *flags.twilioFrom == "" {
			return errors.New("twilio transport requires account SID, auth token and sender number")
		}
	default:
		return fmt.Errorf("unknown transport %q (want whatsapp, twilio or none)", *flags.transport)
	}
	if *flags.kickoffCron != "" {
		if err := scheduler.Validate(*flags.kickoffCron); err != nil {
			return fmt.Errorf("invalid kickoff schedule %q: %w", *flags.kickoffCron, err)
		}
	}
	if *flags.genTimeout <= 0 {
		return fmt.Errorf("generator timeout must be positive, got %s", *flags.genTimeout)
	}
	return nil
}

// buildGeneratorOptions constructs GenAI configuration options
func buildGeneratorOptions(flags Flags) []genai.Option {
	var opts []genai.Option
	if *flags.openaiKey != "" {
		opts = append(opts, genai.WithAPIKey(*flags.openaiKey))
	}
	if *flags.openaiModel != "" {
		opts = append(opts, genai.WithModel(*flags.openaiModel))
	}
	if *flags.genRate > 0 {
		opts = append(opts, genai.WithRateLimit(*flags.genRate))
	}
	return opts
}

// buildGenerator returns the OpenAI backed phase generator, or nil when no key is configured.
// A nil generator makes every prompt use the built-in fallbacks.
func buildGenerator(flags Flags) flow.PhaseGenerator {
	client, err := genai.NewClient(buildGeneratorOptions(flags)...)
	if err != nil {
		slog.Warn("GenAI disabled, using fallback prompts", "error", err)
		return nil
	}
	return &flow.GenAIGenerator{Client: client}
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
	if *flags.whatsappDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.whatsappDSN))
	}
	return waOpts
}

// buildTwilioOptions constructs Twilio configuration options
func buildTwilioOptions(flags Flags) []twiliowhatsapp.Option {
	return []twiliowhatsapp.Option{
		twiliowhatsapp.WithAccountSID(*flags.twilioSID),
		twiliowhatsapp.WithAuthToken(*flags.twilioToken),
		twiliowhatsapp.WithFromWhats(*flags.twilioFrom),
	}
}

// buildTransport creates the messaging service selected by -transport. The returned func releases
// transport resources after the service has stopped.
func buildTransport(ctx context.Context, flags Flags) (messaging.Service, func(), error) {
	switch *flags.transport {
	case TransportWhatsApp:
		client, err := whatsapp.NewClient(ctx, buildWhatsAppOptions(flags)...)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create WhatsApp client: %w", err)
		}
		return messaging.NewWhatsAppService(client), client.Close, nil
	case TransportTwilio:
		client, err := twiliowhatsapp.NewClient(buildTwilioOptions(flags)...)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create Twilio client: %w", err)
		}
		return messaging.NewTwilioService(client), func() {}, nil
	default:
		slog.Info("No chat transport configured, inject messages through the API")
		return messaging.NewLocalService(0), func() {}, nil
	}
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	apiOpts := []api.Option{
		api.WithGeneratorTimeout(*flags.genTimeout),
		api.WithTurnNotices(*flags.turnNotices),
	}
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if *flags.kickoffCron != "" {
		apiOpts = append(apiOpts, api.WithKickoffCron(*flags.kickoffCron))
	}
	return apiOpts
}
