package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/BTreeMap/InstaPipe/internal/instagram"
	"github.com/BTreeMap/InstaPipe/internal/models"
	"github.com/BTreeMap/InstaPipe/internal/store"
	"github.com/BTreeMap/InstaPipe/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for InstaPipe state data
	DefaultStateDir = "/var/lib/instapipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "instapipe.db"
	// DefaultAPIAddr is the default HTTP listen address
	DefaultAPIAddr = ":8080"
)

func main() {
	config := loadEnvironmentConfig()

	flags, err := parseCommandLineFlags(flag.CommandLine, os.Args[1:], config)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	config = flags.apply(config)

	closer := initializeLogger(config.LogLevel, config.LogFile)
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping InstaPipe", "stateDir", config.StateDir, "dsnType", store.DetectDSNType(config.DatabaseURL), "apiAddr", config.APIAddr)
	if err := run(ctx, config); err != nil {
		slog.Error("InstaPipe failed to run", "error", err)
		closer.Close()
		os.Exit(1)
	}
	slog.Info("InstaPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir           string
	DatabaseURL        string
	APIAddr            string
	JWTSecret          string
	AllowedOrigins     []string
	AppSecret          string
	VerifyToken        string
	GraphBaseURL       string
	ProfileLookup      bool
	JobPollInterval    time.Duration
	JobConcurrency     int
	OutboxPollInterval time.Duration
	DispatchTimeout    time.Duration
	DefaultPolicy      models.RateLimitPolicy
	TwilioAccountSID   string
	TwilioAuthToken    string
	TwilioFrom         string
	AlertTo            string
	LogLevel           string
	LogFile            string
}

// Flags holds command line flag values
type Flags struct {
	stateDir        *string
	dbDSN           *string
	apiAddr         *string
	logLevel        *string
	logFile         *string
	dispatchTimeout *time.Duration
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("loadEnvironmentConfig: no .env file loaded", "error", err)
	}

	config := Config{
		StateDir:           util.GetEnv("INSTAPIPE_STATE_DIR", DefaultStateDir),
		DatabaseURL:        util.GetEnv("DATABASE_URL", ""),
		APIAddr:            util.GetEnv("API_ADDR", DefaultAPIAddr),
		JWTSecret:          os.Getenv("JWT_SECRET"),
		AllowedOrigins:     splitList(os.Getenv("ALLOWED_ORIGINS")),
		AppSecret:          os.Getenv("IG_APP_SECRET"),
		VerifyToken:        os.Getenv("IG_VERIFY_TOKEN"),
		GraphBaseURL:       util.GetEnv("IG_GRAPH_BASE_URL", instagram.DefaultBaseURL),
		ProfileLookup:      util.ParseBoolEnv("IG_PROFILE_LOOKUP", true),
		JobPollInterval:    util.ParseDurationEnv("JOB_POLL_INTERVAL", time.Second),
		JobConcurrency:     util.ParseIntEnv("JOB_CONCURRENCY", store.DefaultJobConcurrency),
		OutboxPollInterval: util.ParseDurationEnv("OUTBOX_POLL_INTERVAL", store.DefaultOutboxPollInterval),
		DispatchTimeout:    util.ParseDurationEnv("DISPATCH_TIMEOUT", 10*time.Second),
		DefaultPolicy: models.RateLimitPolicy{
			MaxActionsPerHour:             util.ParseIntEnv("DEFAULT_MAX_PER_HOUR", models.DefaultMaxActionsPerHour),
			MaxActionsPerDay:              util.ParseIntEnv("DEFAULT_MAX_PER_DAY", models.DefaultMaxActionsPerDay),
			MinDelayBetweenActionsSeconds: util.ParseIntEnv("DEFAULT_MIN_DELAY_SECONDS", 0),
		},
		TwilioAccountSID: os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:  os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:       os.Getenv("TWILIO_FROM_NUMBER"),
		AlertTo:          os.Getenv("ALERT_TO_NUMBER"),
		LogLevel:         util.GetEnv("LOG_LEVEL", "info"),
		LogFile:          os.Getenv("LOG_FILE"),
	}

	// If no database URL is provided, default to SQLite in the state directory
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
	}

	slog.Debug("environment variables loaded",
		"INSTAPIPE_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", os.Getenv("DATABASE_URL") != "",
		"API_ADDR", config.APIAddr,
		"JWT_SECRET_SET", config.JWTSecret != "",
		"IG_APP_SECRET_SET", config.AppSecret != "",
		"TWILIO_SET", config.TwilioAccountSID != "",
		"ALERT_TO_SET", config.AlertTo != "")

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config Config) (Flags, error) {
	flags := Flags{
		stateDir:        fs.String("state-dir", config.StateDir, "state directory for InstaPipe data (overrides $INSTAPIPE_STATE_DIR)"),
		dbDSN:           fs.String("db-dsn", config.DatabaseURL, "PostgreSQL DSN or SQLite path (overrides $DATABASE_URL)"),
		apiAddr:         fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		logLevel:        fs.String("log-level", config.LogLevel, "debug, info, warn or error (overrides $LOG_LEVEL)"),
		logFile:         fs.String("log-file", config.LogFile, "also write logs to this rotating file (overrides $LOG_FILE)"),
		dispatchTimeout: fs.Duration("dispatch-timeout", config.DispatchTimeout, "timeout of one outbound send (overrides $DISPATCH_TIMEOUT)"),
	}
	if err := fs.Parse(args); err != nil {
		return flags, err
	}

	// A SQLite DSN derived from the state directory follows a -state-dir override
	if *flags.dbDSN == config.DatabaseURL && config.DatabaseURL == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
	}
	if *flags.dispatchTimeout <= 0 {
		return flags, errors.New("dispatch-timeout must be positive")
	}
	return flags, nil
}

// apply overlays parsed flags on config.
func (f Flags) apply(config Config) Config {
	config.StateDir = *f.stateDir
	config.DatabaseURL = *f.dbDSN
	config.APIAddr = *f.apiAddr
	config.LogLevel = *f.logLevel
	config.LogFile = *f.logFile
	config.DispatchTimeout = *f.dispatchTimeout
	return config
}

// initializeLogger installs the default slog logger. With a file, output also
// goes to a size-rotated log file. The returned Closer flushes that file.
func initializeLogger(level, file string) io.Closer {
	var out io.Writer = os.Stdout
	var closer io.Closer = nopCloser{}
	if file != "" {
		rotator := &lumberjack.Logger{
			Filename:   file,
			MaxSize:    100, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		}
		out = io.MultiWriter(os.Stdout, rotator)
		closer = rotator
	}
	logger := slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: parseLogLevel(level)}))
	slog.SetDefault(logger)
	return closer
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// ensureDirectoriesExist creates the directory of a file-based DSN
func ensureDirectoriesExist(dsn string) error {
	if store.DetectDSNType(dsn) == "postgres" {
		return nil
	}
	dir := filepath.Dir(strings.TrimPrefix(dsn, "file:"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create database directory %s: %w", dir, err)
	}
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
