package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var allEnv = []string{
	envListenAddr, envDBDriver, envDBPath, envDatabaseURL, envLogLevel, envWorkerID,
	envPollInterval, envActionTimeout, envSessionTimeout, envSessionIdleTimeout,
	envSessionProvider, envShopsFile, envLocatorsFile, envEvidenceDir, envSite,
	envRetryMaxAttempts, envRetryInterval, envStuckAfter, envDockerImage, envTrace,
	envZiniaoURL, envZiniaoCompany, envZiniaoUsername, envZiniaoPassword, envChromeDriverURL, envHeadless,
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range allEnv {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ListenAddr != defaultListenAddr {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, defaultListenAddr)
	}
	if cfg.DBDriver != DriverSQLite || cfg.DBPath != defaultDBPath {
		t.Errorf("DB = %s %q, want sqlite %q", cfg.DBDriver, cfg.DBPath, defaultDBPath)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelInfo)
	}
	if cfg.PollInterval != defaultPollInterval || cfg.ActionTimeout != defaultActionTimeout {
		t.Errorf("PollInterval, ActionTimeout = %v, %v", cfg.PollInterval, cfg.ActionTimeout)
	}
	if cfg.SessionProvider != ProviderRemote {
		t.Errorf("SessionProvider = %q, want remote", cfg.SessionProvider)
	}
	if cfg.RetryMaxAttempts != 0 {
		t.Errorf("RetryMaxAttempts = %d, want 0 (disabled)", cfg.RetryMaxAttempts)
	}
	if cfg.WorkerID != "" || cfg.Trace {
		t.Errorf("WorkerID, Trace = %q, %v", cfg.WorkerID, cfg.Trace)
	}
}

func TestLoadFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv(envListenAddr, ":9090")
	t.Setenv(envDBDriver, "Postgres")
	t.Setenv(envDatabaseURL, "postgres://agent@localhost/shop?sslmode=disable")
	t.Setenv(envLogLevel, "debug")
	t.Setenv(envWorkerID, "worker-a")
	t.Setenv(envPollInterval, "500ms")
	t.Setenv(envActionTimeout, "90s")
	t.Setenv(envSessionProvider, "docker")
	t.Setenv(envSite, "MY")
	t.Setenv(envRetryMaxAttempts, "3")
	t.Setenv(envStuckAfter, "10m")
	t.Setenv(envTrace, "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, ":9090")
	}
	if cfg.DBDriver != DriverPostgres {
		t.Errorf("DBDriver = %q, want postgres", cfg.DBDriver)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelDebug)
	}
	if cfg.WorkerID != "worker-a" {
		t.Errorf("WorkerID = %q", cfg.WorkerID)
	}
	if cfg.PollInterval != 500*time.Millisecond || cfg.ActionTimeout != 90*time.Second || cfg.StuckAfter != 10*time.Minute {
		t.Errorf("durations = %v %v %v", cfg.PollInterval, cfg.ActionTimeout, cfg.StuckAfter)
	}
	if cfg.SessionProvider != ProviderDocker || cfg.Site != "my" {
		t.Errorf("provider, site = %q, %q", cfg.SessionProvider, cfg.Site)
	}
	if cfg.RetryMaxAttempts != 3 || !cfg.Trace {
		t.Errorf("RetryMaxAttempts, Trace = %d, %v", cfg.RetryMaxAttempts, cfg.Trace)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"duration", map[string]string{envPollInterval: "soon"}, envPollInterval},
		{"negative duration", map[string]string{envActionTimeout: "-1s"}, envActionTimeout},
		{"attempts", map[string]string{envRetryMaxAttempts: "-2"}, envRetryMaxAttempts},
		{"driver", map[string]string{envDBDriver: "mysql"}, envDBDriver},
		{"postgres without url", map[string]string{envDBDriver: "postgres"}, envDatabaseURL},
		{"provider", map[string]string{envSessionProvider: "local"}, envSessionProvider},
		{"stuck below timeout", map[string]string{envStuckAfter: "1m"}, envStuckAfter},
		{"stuck within session wait", map[string]string{envActionTimeout: "2m", envStuckAfter: "2m20s"}, envStuckAfter},
		{"trace", map[string]string{envTrace: "maybe"}, envTrace},
		{"headless", map[string]string{envHeadless: "sometimes"}, envHeadless},
		{"ziniao without account", map[string]string{envSessionProvider: "ziniao"}, envZiniaoUsername},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Load err = %v, want mention of %s", err, tt.want)
			}
		})
	}
}

func TestLoadZiniao(t *testing.T) {
	clearEnv(t)
	t.Setenv(envSessionProvider, "Ziniao")
	t.Setenv(envZiniaoUsername, "ops")
	t.Setenv(envZiniaoPassword, "secret")
	t.Setenv(envHeadless, "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SessionProvider != ProviderZiniao {
		t.Errorf("SessionProvider = %q, want ziniao", cfg.SessionProvider)
	}
	if cfg.ZiniaoURL != defaultZiniaoURL || cfg.ChromeDriverURL != defaultChromeDriverURL {
		t.Errorf("urls = %q %q", cfg.ZiniaoURL, cfg.ChromeDriverURL)
	}
	if cfg.ZiniaoUsername != "ops" || cfg.ZiniaoPassword != "secret" || !cfg.Headless {
		t.Errorf("account = %q %q headless=%v", cfg.ZiniaoUsername, cfg.ZiniaoPassword, cfg.Headless)
	}
}

func TestCheckStuckAfter(t *testing.T) {
	cfg := Config{ActionTimeout: 2 * time.Minute, SessionTimeout: 30 * time.Second, StuckAfter: 3 * time.Minute}

	if err := cfg.CheckStuckAfter(0); err != nil {
		t.Errorf("CheckStuckAfter(0) = %v, want nil", err)
	}
	// A 3m handler plus the session wait outlasts a 3m watchdog threshold.
	if err := cfg.CheckStuckAfter(3 * time.Minute); err == nil || !strings.Contains(err.Error(), envStuckAfter) {
		t.Errorf("CheckStuckAfter(3m) = %v, want error naming %s", err, envStuckAfter)
	}

	cfg.StuckAfter = 3*time.Minute + 31*time.Second
	if err := cfg.CheckStuckAfter(3 * time.Minute); err != nil {
		t.Errorf("CheckStuckAfter(3m) with 3m31s = %v, want nil", err)
	}

	cfg.StuckAfter = 0
	if err := cfg.CheckStuckAfter(time.Hour); err != nil {
		t.Errorf("disabled watchdog = %v, want nil", err)
	}
}

func TestLoadDotEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte(envWorkerID+"=from-dotenv\n"+envListenAddr+"=:7070\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	// Already-set variables win over the file.
	t.Setenv(envListenAddr, ":6060")
	// Variables set to "" count as set, so leave this one unset. clearEnv
	// already registered its restoration.
	os.Unsetenv(envWorkerID)

	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.WorkerID != "from-dotenv" {
		t.Errorf("WorkerID = %q, want from-dotenv", cfg.WorkerID)
	}
	if cfg.ListenAddr != ":6060" {
		t.Errorf("ListenAddr = %q, want environment value", cfg.ListenAddr)
	}

	if err := LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Errorf("missing .env: %v", err)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"invalid", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		got := parseLogLevel(tt.input)
		if got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestNewLoggerOutputsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo)
	if logger == nil {
		t.Fatal("NewLogger returned nil")
	}

	logger.Info("test message", "key", "value")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("logger output is not valid JSON: %v\noutput: %s", err, buf.String())
	}

	for _, key := range []string{"time", "level", "msg"} {
		if _, ok := entry[key]; !ok {
			t.Errorf("JSON output missing expected key %q", key)
		}
	}
	if entry["msg"] != "test message" {
		t.Errorf("msg = %v, want %q", entry["msg"], "test message")
	}
	if entry["key"] != "value" {
		t.Errorf("key = %v, want %q", entry["key"], "value")
	}
}
