package config

import (
	"encoding/json"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

type Config struct {
	SQLite  SQLiteConfig
	Spam    SpamConfig
	Log     LogConfig
	Metrics MetricsConfig
	HTTP    HTTPConfig
}

type SQLiteConfig struct {
	Path string
}

type SpamConfig struct {
	Threshold int
	Ascending bool
}

type LogConfig struct {
	Level  string
	Format string
}

type MetricsConfig struct {
	// TextfilePath, when set, receives a Prometheus text exposition after
	// every command (for node_exporter's textfile collector).
	TextfilePath string
}

type HTTPConfig struct {
	Addr        string
	CORSOrigins []string
	RateRPS     int
	RateBurst   int
	AccessLog   bool
}

const (
	defaultSQLitePath = "twitch.db"
	defaultThreshold  = 10
	defaultHTTPAddr   = ":8765"
	defaultRateRPS    = 20
	defaultRateBurst  = 40
)

// LoadDotEnv loads variables from the given .env files (or ./.env) without
// overriding the real environment. Missing files are skipped; a file that
// exists but cannot be parsed is reported and the remaining files still load.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	var firstErr error
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "load %s", p)
		}
	}
	return firstErr
}

func Load() Config {
	cfg := Config{}

	cfg.SQLite.Path = strings.TrimSpace(os.Getenv("GNASTY_SQLITE_PATH"))
	if cfg.SQLite.Path == "" {
		cfg.SQLite.Path = defaultSQLitePath
	}

	cfg.Spam.Threshold = readNonNegativeInt("GNASTY_SPAM_THRESHOLD", defaultThreshold)
	cfg.Spam.Ascending = readBool("GNASTY_SPAM_ASCENDING", false)

	cfg.Log.Level = strings.ToLower(strings.TrimSpace(os.Getenv("GNASTY_LOG_LEVEL")))
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	cfg.Log.Format = strings.ToLower(strings.TrimSpace(os.Getenv("GNASTY_LOG_FORMAT")))
	if cfg.Log.Format != "json" {
		cfg.Log.Format = "text"
	}

	cfg.Metrics.TextfilePath = strings.TrimSpace(os.Getenv("GNASTY_METRICS_FILE"))

	cfg.HTTP.Addr = strings.TrimSpace(os.Getenv("GNASTY_HTTP_ADDR"))
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = defaultHTTPAddr
	}
	cfg.HTTP.CORSOrigins = splitList(os.Getenv("GNASTY_HTTP_CORS_ORIGINS"))
	cfg.HTTP.RateRPS = readInt("GNASTY_HTTP_RATE_RPS", defaultRateRPS)
	cfg.HTTP.RateBurst = readInt("GNASTY_HTTP_RATE_BURST", defaultRateBurst)
	cfg.HTTP.AccessLog = readBool("GNASTY_HTTP_ACCESS_LOG", true)

	return cfg
}

// LogLevel maps the configured level name to a slog level. Unknown names fall
// back to info; ok reports whether the name was recognised.
func (c Config) LogLevel() (level slog.Level, ok bool) {
	switch c.Log.Level {
	case "debug":
		return slog.LevelDebug, true
	case "info", "":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	}
	return slog.LevelInfo, false
}

func splitList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		switch r {
		case ',', ';', ' ', '\t', '\n':
			return true
		}
		return false
	})
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return dedupe(out)
}

func dedupe(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		key := strings.ToLower(strings.TrimSpace(v))
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, strings.TrimSpace(v))
	}
	sort.Strings(out)
	return out
}

func readInt(name string, def int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	if n <= 0 {
		return def
	}
	return n
}

func readNonNegativeInt(name string, def int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func readBool(name string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return v
}

type Summary struct {
	SQLitePath    string   `json:"sqlite_path"`
	SpamThreshold int      `json:"spam_threshold"`
	SpamAscending bool     `json:"spam_ascending"`
	LogLevel      string   `json:"log_level"`
	LogFormat     string   `json:"log_format"`
	MetricsFile   string   `json:"metrics_file,omitempty"`
	HTTPAddr      string   `json:"http_addr"`
	CORSOrigins   []string `json:"cors_origins,omitempty"`
	RateRPS       int      `json:"rate_rps"`
	RateBurst     int      `json:"rate_burst"`
}

func (c Config) Summary() Summary {
	return Summary{
		SQLitePath:    c.SQLite.Path,
		SpamThreshold: c.Spam.Threshold,
		SpamAscending: c.Spam.Ascending,
		LogLevel:      c.Log.Level,
		LogFormat:     c.Log.Format,
		MetricsFile:   c.Metrics.TextfilePath,
		HTTPAddr:      c.HTTP.Addr,
		CORSOrigins:   append([]string(nil), c.HTTP.CORSOrigins...),
		RateRPS:       c.HTTP.RateRPS,
		RateBurst:     c.HTTP.RateBurst,
	}
}

func (c Config) SummaryJSON() []byte {
	summary := struct {
		Config Summary `json:"config_summary"`
	}{Config: c.Summary()}
	data, _ := json.Marshal(summary)
	return data
}
