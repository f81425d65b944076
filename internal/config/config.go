package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Session providers.
const (
	ProviderRemote = "remote"
	ProviderDocker = "docker"
	ProviderZiniao = "ziniao"
)

const (
	defaultListenAddr         = ":8080"
	defaultDBPath             = "shopagent.db"
	defaultPollInterval       = 2 * time.Second
	defaultActionTimeout      = 2 * time.Minute
	defaultSessionTimeout     = 30 * time.Second
	defaultSessionIdleTimeout = 15 * time.Minute
	defaultShopsFile          = "shops.yaml"
	defaultEvidenceDir        = "evidence"
	defaultSite               = "id"
	defaultRetryInterval      = 30 * time.Second
	defaultStuckAfter         = 15 * time.Minute
	defaultDockerImage        = "selenium/standalone-chrome:latest"
	defaultZiniaoURL          = "http://127.0.0.1:19888"
	defaultChromeDriverURL    = "http://127.0.0.1:9515"

	envListenAddr         = "SHOPAGENT_LISTEN_ADDR"
	envDBDriver           = "SHOPAGENT_DB_DRIVER"
	envDBPath             = "SHOPAGENT_DB_PATH"
	envDatabaseURL        = "SHOPAGENT_DATABASE_URL"
	envLogLevel           = "SHOPAGENT_LOG_LEVEL"
	envWorkerID           = "SHOPAGENT_WORKER_ID"
	envPollInterval       = "SHOPAGENT_POLL_INTERVAL"
	envActionTimeout      = "SHOPAGENT_ACTION_TIMEOUT"
	envSessionTimeout     = "SHOPAGENT_SESSION_TIMEOUT"
	envSessionIdleTimeout = "SHOPAGENT_SESSION_IDLE_TIMEOUT"
	envSessionProvider    = "SHOPAGENT_SESSION_PROVIDER"
	envShopsFile          = "SHOPAGENT_SHOPS_FILE"
	envLocatorsFile       = "SHOPAGENT_LOCATORS_FILE"
	envEvidenceDir        = "SHOPAGENT_EVIDENCE_DIR"
	envSite               = "SHOPAGENT_SITE"
	envRetryMaxAttempts   = "SHOPAGENT_RETRY_MAX_ATTEMPTS"
	envRetryInterval      = "SHOPAGENT_RETRY_INTERVAL"
	envStuckAfter         = "SHOPAGENT_STUCK_AFTER"
	envDockerImage        = "SHOPAGENT_DOCKER_IMAGE"
	envZiniaoURL          = "SHOPAGENT_ZINIAO_URL"
	envZiniaoCompany      = "SHOPAGENT_ZINIAO_COMPANY"
	envZiniaoUsername     = "SHOPAGENT_ZINIAO_USERNAME"
	envZiniaoPassword     = "SHOPAGENT_ZINIAO_PASSWORD"
	envChromeDriverURL    = "SHOPAGENT_CHROMEDRIVER_URL"
	envHeadless           = "SHOPAGENT_HEADLESS"
	envTrace              = "SHOPAGENT_TRACE"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr  string
	DBDriver    string
	DBPath      string
	DatabaseURL string
	LogLevel    slog.Level

	WorkerID           string
	PollInterval       time.Duration
	ActionTimeout      time.Duration
	SessionTimeout     time.Duration
	SessionIdleTimeout time.Duration

	SessionProvider string
	ShopsFile       string
	LocatorsFile    string
	EvidenceDir     string
	Site            string
	DockerImage     string

	// Ziniao client connection, used with SessionProvider=ziniao.
	ZiniaoURL       string
	ZiniaoCompany   string
	ZiniaoUsername  string
	ZiniaoPassword  string
	ChromeDriverURL string
	Headless        bool

	// RetryMaxAttempts of zero disables the retry policy.
	RetryMaxAttempts int
	RetryInterval    time.Duration
	StuckAfter       time.Duration

	Trace bool
}

// LoadDotEnv loads variables from an optional .env file without overriding
// ones already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	err := godotenv.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// Load reads configuration from environment variables with sensible defaults.
// Malformed values are reported together.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr:         defaultListenAddr,
		DBDriver:           DriverSQLite,
		DBPath:             defaultDBPath,
		LogLevel:           slog.LevelInfo,
		PollInterval:       defaultPollInterval,
		ActionTimeout:      defaultActionTimeout,
		SessionTimeout:     defaultSessionTimeout,
		SessionIdleTimeout: defaultSessionIdleTimeout,
		SessionProvider:    ProviderRemote,
		ShopsFile:          defaultShopsFile,
		EvidenceDir:        defaultEvidenceDir,
		Site:               defaultSite,
		DockerImage:        defaultDockerImage,
		ZiniaoURL:          defaultZiniaoURL,
		ChromeDriverURL:    defaultChromeDriverURL,
		RetryInterval:      defaultRetryInterval,
		StuckAfter:         defaultStuckAfter,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBDriver); v != "" {
		cfg.DBDriver = strings.ToLower(v)
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envDatabaseURL); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envWorkerID); v != "" {
		cfg.WorkerID = v
	}
	if v := os.Getenv(envSessionProvider); v != "" {
		cfg.SessionProvider = strings.ToLower(v)
	}
	if v := os.Getenv(envShopsFile); v != "" {
		cfg.ShopsFile = v
	}
	if v := os.Getenv(envLocatorsFile); v != "" {
		cfg.LocatorsFile = v
	}
	if v := os.Getenv(envEvidenceDir); v != "" {
		cfg.EvidenceDir = v
	}
	if v := os.Getenv(envSite); v != "" {
		cfg.Site = strings.ToLower(v)
	}
	if v := os.Getenv(envDockerImage); v != "" {
		cfg.DockerImage = v
	}
	if v := os.Getenv(envZiniaoURL); v != "" {
		cfg.ZiniaoURL = v
	}
	if v := os.Getenv(envChromeDriverURL); v != "" {
		cfg.ChromeDriverURL = v
	}
	cfg.ZiniaoCompany = os.Getenv(envZiniaoCompany)
	cfg.ZiniaoUsername = os.Getenv(envZiniaoUsername)
	cfg.ZiniaoPassword = os.Getenv(envZiniaoPassword)

	var errs []error
	durations := []struct {
		env string
		dst *time.Duration
	}{
		{envPollInterval, &cfg.PollInterval},
		{envActionTimeout, &cfg.ActionTimeout},
		{envSessionTimeout, &cfg.SessionTimeout},
		{envSessionIdleTimeout, &cfg.SessionIdleTimeout},
		{envRetryInterval, &cfg.RetryInterval},
		{envStuckAfter, &cfg.StuckAfter},
	}
	for _, d := range durations {
		if err := parseDuration(d.env, d.dst); err != nil {
			errs = append(errs, err)
		}
	}
	if v := os.Getenv(envRetryMaxAttempts); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			errs = append(errs, fmt.Errorf("%s: want a non-negative integer, got %q", envRetryMaxAttempts, v))
		} else {
			cfg.RetryMaxAttempts = n
		}
	}
	bools := []struct {
		env string
		dst *bool
	}{
		{envTrace, &cfg.Trace},
		{envHeadless, &cfg.Headless},
	}
	for _, b := range bools {
		v := os.Getenv(b.env)
		if v == "" {
			continue
		}
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", b.env, err))
			continue
		}
		*b.dst = parsed
	}

	if err := cfg.validate(); err != nil {
		errs = append(errs, err)
	}
	return cfg, errors.Join(errs...)
}

func (c Config) validate() error {
	var errs []error
	switch c.DBDriver {
	case DriverSQLite:
	case DriverPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, fmt.Errorf("%s is required with %s=%s", envDatabaseURL, envDBDriver, DriverPostgres))
		}
	default:
		errs = append(errs, fmt.Errorf("%s: unknown driver %q", envDBDriver, c.DBDriver))
	}
	switch c.SessionProvider {
	case ProviderRemote, ProviderDocker:
	case ProviderZiniao:
		if c.ZiniaoUsername == "" {
			errs = append(errs, fmt.Errorf("%s is required with %s=%s", envZiniaoUsername, envSessionProvider, ProviderZiniao))
		}
	default:
		errs = append(errs, fmt.Errorf("%s: unknown provider %q", envSessionProvider, c.SessionProvider))
	}
	if err := c.CheckStuckAfter(0); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// CheckStuckAfter reports an error when StuckAfter would flag an attempt
// that is still within its limits: session acquisition followed by the
// longer of ActionTimeout and longestHandler. Zero StuckAfter disables the
// watchdog and always passes.
func (c Config) CheckStuckAfter(longestHandler time.Duration) error {
	if c.StuckAfter == 0 {
		return nil
	}
	floor := max(c.ActionTimeout, longestHandler) + c.SessionTimeout
	if c.StuckAfter <= floor {
		return fmt.Errorf("%s (%s) must exceed %s plus the longest action timeout (%s)",
			envStuckAfter, c.StuckAfter, envSessionTimeout, floor)
	}
	return nil
}

func parseDuration(env string, dst *time.Duration) error {
	v := os.Getenv(env)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", env, err)
	}
	if d < 0 {
		return fmt.Errorf("%s: must not be negative", env)
	}
	*dst = d
	return nil
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
