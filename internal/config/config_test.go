package config

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"GNASTY_SQLITE_PATH",
		"GNASTY_SPAM_THRESHOLD",
		"GNASTY_SPAM_ASCENDING",
		"GNASTY_LOG_LEVEL",
		"GNASTY_LOG_FORMAT",
		"GNASTY_METRICS_FILE",
		"GNASTY_HTTP_ADDR",
		"GNASTY_HTTP_CORS_ORIGINS",
		"GNASTY_HTTP_RATE_RPS",
		"GNASTY_HTTP_RATE_BURST",
		"GNASTY_HTTP_ACCESS_LOG",
	} {
		t.Setenv(name, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg := Load()
	if cfg.SQLite.Path != "twitch.db" {
		t.Fatalf("unexpected sqlite path: %q", cfg.SQLite.Path)
	}
	if cfg.Spam.Threshold != 10 {
		t.Fatalf("expected default threshold 10, got %d", cfg.Spam.Threshold)
	}
	if cfg.Spam.Ascending {
		t.Fatalf("expected descending spam order by default")
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "text" {
		t.Fatalf("unexpected log defaults: %+v", cfg.Log)
	}
	if cfg.HTTP.Addr != ":8765" || cfg.HTTP.RateRPS != 20 || cfg.HTTP.RateBurst != 40 {
		t.Fatalf("unexpected http defaults: %+v", cfg.HTTP)
	}
	if !cfg.HTTP.AccessLog {
		t.Fatalf("expected access log enabled by default")
	}
	if cfg.Metrics.TextfilePath != "" {
		t.Fatalf("expected no metrics file by default")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("GNASTY_SQLITE_PATH", "/data/chat.db")
	t.Setenv("GNASTY_SPAM_THRESHOLD", "0")
	t.Setenv("GNASTY_SPAM_ASCENDING", "true")
	t.Setenv("GNASTY_LOG_LEVEL", "DEBUG")
	t.Setenv("GNASTY_LOG_FORMAT", "json")
	t.Setenv("GNASTY_METRICS_FILE", "/var/lib/node_exporter/gnasty.prom")
	t.Setenv("GNASTY_HTTP_ADDR", "127.0.0.1:9000")
	t.Setenv("GNASTY_HTTP_CORS_ORIGINS", "https://b.example, https://a.example,https://b.example")
	t.Setenv("GNASTY_HTTP_RATE_RPS", "5")
	t.Setenv("GNASTY_HTTP_RATE_BURST", "-3")
	t.Setenv("GNASTY_HTTP_ACCESS_LOG", "false")

	cfg := Load()
	if cfg.SQLite.Path != "/data/chat.db" {
		t.Fatalf("unexpected sqlite path: %q", cfg.SQLite.Path)
	}
	if cfg.Spam.Threshold != 0 || !cfg.Spam.Ascending {
		t.Fatalf("unexpected spam config: %+v", cfg.Spam)
	}
	if lvl, ok := cfg.LogLevel(); !ok || lvl != slog.LevelDebug {
		t.Fatalf("expected debug level, got %v %v", lvl, ok)
	}
	if cfg.Log.Format != "json" {
		t.Fatalf("expected json format, got %q", cfg.Log.Format)
	}
	if !reflect.DeepEqual(cfg.HTTP.CORSOrigins, []string{"https://a.example", "https://b.example"}) {
		t.Fatalf("unexpected cors origins: %v", cfg.HTTP.CORSOrigins)
	}
	if cfg.HTTP.RateRPS != 5 || cfg.HTTP.RateBurst != 40 {
		t.Fatalf("unexpected rate config: %+v", cfg.HTTP)
	}
	if cfg.HTTP.AccessLog {
		t.Fatalf("expected access log disabled")
	}
}

func TestInvalidValuesFallBack(t *testing.T) {
	clearEnv(t)
	t.Setenv("GNASTY_SPAM_THRESHOLD", "lots")
	t.Setenv("GNASTY_LOG_LEVEL", "chatty")
	t.Setenv("GNASTY_LOG_FORMAT", "xml")

	cfg := Load()
	if cfg.Spam.Threshold != 10 {
		t.Fatalf("expected fallback threshold, got %d", cfg.Spam.Threshold)
	}
	if lvl, ok := cfg.LogLevel(); ok || lvl != slog.LevelInfo {
		t.Fatalf("expected unrecognised level to fall back to info")
	}
	if cfg.Log.Format != "text" {
		t.Fatalf("expected text format fallback, got %q", cfg.Log.Format)
	}
}

func TestLoadDotEnv(t *testing.T) {
	clearEnv(t)
	os.Unsetenv("GNASTY_SQLITE_PATH")
	t.Setenv("GNASTY_SPAM_THRESHOLD", "3")

	path := filepath.Join(t.TempDir(), ".env")
	body := "GNASTY_SQLITE_PATH=/tmp/from-dotenv.db\nGNASTY_SPAM_THRESHOLD=99\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("GNASTY_SQLITE_PATH") })

	if err := LoadDotEnv(path, filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("load .env: %v", err)
	}

	cfg := Load()
	if cfg.SQLite.Path != "/tmp/from-dotenv.db" {
		t.Fatalf("expected .env value, got %q", cfg.SQLite.Path)
	}
	if cfg.Spam.Threshold != 3 {
		t.Fatalf("real environment must win over .env, got %d", cfg.Spam.Threshold)
	}
}

func TestLoadDotEnvReportsMalformedFile(t *testing.T) {
	clearEnv(t)
	os.Unsetenv("GNASTY_HTTP_ADDR")
	t.Cleanup(func() { os.Unsetenv("GNASTY_HTTP_ADDR") })

	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.env")
	if err := os.WriteFile(bad, []byte("NOT VALID\n"), 0o600); err != nil {
		t.Fatalf("write bad .env: %v", err)
	}
	good := filepath.Join(dir, "good.env")
	if err := os.WriteFile(good, []byte("GNASTY_HTTP_ADDR=:9999\n"), 0o600); err != nil {
		t.Fatalf("write good .env: %v", err)
	}

	err := LoadDotEnv(bad, good)
	if err == nil || !strings.Contains(err.Error(), "bad.env") {
		t.Fatalf("expected error naming bad.env, got %v", err)
	}
	if cfg := Load(); cfg.HTTP.Addr != ":9999" {
		t.Fatalf("expected later file to still load, got %q", cfg.HTTP.Addr)
	}
}

func TestSummaryJSON(t *testing.T) {
	clearEnv(t)
	cfg := Load()

	var payload struct {
		Config Summary `json:"config_summary"`
	}
	if err := json.Unmarshal(cfg.SummaryJSON(), &payload); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if payload.Config.SQLitePath != "twitch.db" || payload.Config.SpamThreshold != 10 {
		t.Fatalf("unexpected summary: %+v", payload.Config)
	}
}
