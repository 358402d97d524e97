// Package config loads service configuration from RAFFLE_-prefixed
// environment variables. Flags in the binaries override whatever is loaded
// here.
package config

import (
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTP    HTTPConfig
	Store   StoreConfig
	YouTube YouTubeConfig
	Raffle  RaffleConfig
	Debug   DebugConfig
}

type HTTPConfig struct {
	Addr           string
	CORSOrigins    []string
	RateLimitRPS   int
	RateLimitBurst int
	Gzip           bool
}

type StoreConfig struct {
	SQLitePath string
	BatchSize  int
	FlushMaxMS int
}

type YouTubeConfig struct {
	APIKey     string
	APIKeyFile string
	RPS        int
}

type RaffleConfig struct {
	MaxEntries         int
	MaxFetch           int
	RequestTimeoutSecs int
}

type DebugConfig struct {
	Trace bool
}

const (
	defaultHTTPAddr    = ":8000"
	defaultSQLitePath  = "raffle.db"
	defaultBatchSize   = 1
	defaultFlushMS     = 0
	defaultAPIRPS      = 2
	defaultMaxEntries  = 5
	defaultMaxFetch    = 10000
	defaultTimeoutSecs = 60
)

func Load() Config {
	cfg := Config{}

	cfg.HTTP.Addr = readString("RAFFLE_HTTP_ADDR", defaultHTTPAddr)
	cfg.HTTP.CORSOrigins = splitList(os.Getenv("RAFFLE_CORS_ORIGINS"))
	cfg.HTTP.RateLimitRPS = readInt("RAFFLE_HTTP_RATE_RPS", 0)
	cfg.HTTP.RateLimitBurst = readInt("RAFFLE_HTTP_RATE_BURST", 0)
	cfg.HTTP.Gzip = readBool("RAFFLE_HTTP_GZIP", true)

	cfg.Store.SQLitePath = readString("RAFFLE_SQLITE_PATH", defaultSQLitePath)
	cfg.Store.BatchSize = readInt("RAFFLE_STORE_BATCH_SIZE", defaultBatchSize)
	cfg.Store.FlushMaxMS = readInt("RAFFLE_STORE_FLUSH_MAX_MS", defaultFlushMS)

	cfg.YouTube.APIKey = strings.TrimSpace(os.Getenv("RAFFLE_YT_API_KEY"))
	if cfg.YouTube.APIKey == "" {
		cfg.YouTube.APIKey = strings.TrimSpace(os.Getenv("YOUTUBE_API_KEY"))
	}
	cfg.YouTube.APIKeyFile = readString("RAFFLE_YT_API_KEY_FILE", "")
	cfg.YouTube.RPS = readInt("RAFFLE_YT_RPS", defaultAPIRPS)

	cfg.Raffle.MaxEntries = readInt("RAFFLE_MAX_ENTRIES", defaultMaxEntries)
	cfg.Raffle.MaxFetch = readInt("RAFFLE_MAX_FETCH", defaultMaxFetch)
	cfg.Raffle.RequestTimeoutSecs = readInt("RAFFLE_REQUEST_TIMEOUT_SECS", defaultTimeoutSecs)

	cfg.Debug.Trace = readBool("RAFFLE_DEBUG_TRACE", false)

	return cfg
}

// FlushInterval returns the buffered writer flush interval.
func (c Config) FlushInterval() time.Duration {
	return time.Duration(c.Store.FlushMaxMS) * time.Millisecond
}

// RequestTimeout bounds one-shot raffle collection.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Raffle.RequestTimeoutSecs) * time.Second
}

// Summary returns the redacted configuration snapshot served on /api/config.
func (c Config) Summary() map[string]string {
	return map[string]string{
		"http_addr":       c.HTTP.Addr,
		"cors_origins":    strings.Join(c.HTTP.CORSOrigins, ","),
		"sqlite_path":     c.Store.SQLitePath,
		"batch_size":      strconv.Itoa(c.Store.BatchSize),
		"flush_max_ms":    strconv.Itoa(c.Store.FlushMaxMS),
		"yt_api_key":      redactString(c.YouTube.APIKey),
		"yt_api_key_file": c.YouTube.APIKeyFile,
		"yt_rps":          strconv.Itoa(c.YouTube.RPS),
		"max_entries":     strconv.Itoa(c.Raffle.MaxEntries),
		"max_fetch":       strconv.Itoa(c.Raffle.MaxFetch),
		"debug_trace":     strconv.FormatBool(c.Debug.Trace),
	}
}

func redactString(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 6 {
		return "***"
	}
	return s[:3] + "***"
}

func readString(name, def string) string {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	return raw
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
	if n < 0 {
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
	seen := make(map[string]struct{}, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		key := strings.ToLower(p)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
