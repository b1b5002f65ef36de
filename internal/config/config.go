package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
)

// Config captures the settings the report client needs.
type Config struct {
	APIURL           string
	FeedURL          string
	UserID           string
	RetryAttempts    int
	RetryBaseDelay   time.Duration
	ExportPoll       time.Duration
	HealthPoll       time.Duration
	FlushConcurrency int
	InsightCacheTTL  time.Duration
	LogFile          string
	LogLevel         string
	OTelEndpoint     string
}

const (
	defaultConfigPath       = "~/.config/reportsync/config.toml"
	defaultLogFile          = "~/.local/share/reportsync/reportsync.log"
	defaultAPIURL           = "http://127.0.0.1:8420"
	defaultRetryAttempts    = 3
	defaultRetryBaseDelay   = time.Second
	defaultExportPoll       = 2 * time.Second
	defaultHealthPoll       = 5 * time.Second
	defaultFlushConcurrency = 1
	defaultInsightCacheTTL  = 10 * time.Minute
	defaultLogLevel         = "info"

	// envPrefix marks environment overrides, e.g. REPORTSYNC_API_URL.
	envPrefix = "REPORTSYNC_"
)

// Defaults returns the configuration used when no file exists.
func Defaults() Config {
	return Config{
		APIURL:           defaultAPIURL,
		RetryAttempts:    defaultRetryAttempts,
		RetryBaseDelay:   defaultRetryBaseDelay,
		ExportPoll:       defaultExportPoll,
		HealthPoll:       defaultHealthPoll,
		FlushConcurrency: defaultFlushConcurrency,
		InsightCacheTTL:  defaultInsightCacheTTL,
		LogFile:          mustExpand(defaultLogFile),
		LogLevel:         defaultLogLevel,
	}
}

type rawConfig struct {
	APIURL           string `toml:"api_url"`
	FeedURL          string `toml:"feed_url"`
	UserID           string `toml:"user_id"`
	RetryAttempts    int    `toml:"retry_attempts"`
	RetryBaseDelayMS int    `toml:"retry_base_delay_ms"`
	ExportPollMS     int    `toml:"export_poll_ms"`
	HealthPollMS     int    `toml:"health_poll_ms"`
	FlushConcurrency int    `toml:"flush_concurrency"`
	InsightCacheTTLS int    `toml:"insight_cache_ttl_s"`
	LogFile          string `toml:"log_file"`
	LogLevel         string `toml:"log_level"`
	OTelEndpoint     string `toml:"otel_endpoint"`
}

// Load reads the TOML config at path, falling back to defaults when the file
// is missing, then applies REPORTSYNC_* environment overrides. envFile names
// a dotenv file whose variables are added to the environment first; a
// missing envFile is ignored.
func Load(path, envFile string) (Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return Config{}, err
	}
	if err := loadDotEnv(envFile); err != nil {
		return Config{}, err
	}

	var raw rawConfig
	file, err := os.Open(resolved)
	switch {
	case err == nil:
		defer file.Close()
		bytes, err := io.ReadAll(file)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := toml.Unmarshal(bytes, &raw); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return Config{}, fmt.Errorf("open config: %w", err)
	}

	if err := applyEnv(&raw); err != nil {
		return Config{}, err
	}
	return raw.resolve(), nil
}

func (raw rawConfig) resolve() Config {
	cfg := Defaults()
	if v := strings.TrimSpace(raw.APIURL); v != "" {
		cfg.APIURL = v
	}
	cfg.FeedURL = strings.TrimSpace(raw.FeedURL)
	cfg.UserID = strings.TrimSpace(raw.UserID)
	if raw.RetryAttempts > 0 {
		cfg.RetryAttempts = raw.RetryAttempts
	}
	if raw.RetryBaseDelayMS > 0 {
		cfg.RetryBaseDelay = time.Duration(raw.RetryBaseDelayMS) * time.Millisecond
	}
	if raw.ExportPollMS > 0 {
		cfg.ExportPoll = time.Duration(raw.ExportPollMS) * time.Millisecond
	}
	if raw.HealthPollMS > 0 {
		cfg.HealthPoll = time.Duration(raw.HealthPollMS) * time.Millisecond
	}
	if raw.FlushConcurrency > 0 {
		cfg.FlushConcurrency = raw.FlushConcurrency
	}
	if raw.InsightCacheTTLS > 0 {
		cfg.InsightCacheTTL = time.Duration(raw.InsightCacheTTLS) * time.Second
	}
	if v := strings.TrimSpace(raw.LogFile); v != "" {
		cfg.LogFile = mustExpand(v)
	}
	if v := strings.TrimSpace(raw.LogLevel); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	cfg.OTelEndpoint = strings.TrimSpace(raw.OTelEndpoint)
	return cfg
}

func loadDotEnv(envFile string) error {
	if strings.TrimSpace(envFile) == "" {
		return nil
	}
	if err := godotenv.Load(envFile); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file: %w", err)
	}
	return nil
}

func applyEnv(raw *rawConfig) error {
	strs := map[string]*string{
		"API_URL":       &raw.APIURL,
		"FEED_URL":      &raw.FeedURL,
		"USER_ID":       &raw.UserID,
		"LOG_FILE":      &raw.LogFile,
		"LOG_LEVEL":     &raw.LogLevel,
		"OTEL_ENDPOINT": &raw.OTelEndpoint,
	}
	for key, dst := range strs {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			*dst = v
		}
	}
	ints := map[string]*int{
		"RETRY_ATTEMPTS":      &raw.RetryAttempts,
		"RETRY_BASE_DELAY_MS": &raw.RetryBaseDelayMS,
		"EXPORT_POLL_MS":      &raw.ExportPollMS,
		"HEALTH_POLL_MS":      &raw.HealthPollMS,
		"FLUSH_CONCURRENCY":   &raw.FlushConcurrency,
		"INSIGHT_CACHE_TTL_S": &raw.InsightCacheTTLS,
	}
	for key, dst := range ints {
		v, ok := os.LookupEnv(envPrefix + key)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("parse %s%s: %w", envPrefix, key, err)
		}
		*dst = n
	}
	return nil
}

func resolvePath(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return expandPath(defaultConfigPath)
	}
	return expandPath(path)
}

func mustExpand(path string) string {
	expanded, err := expandPath(path)
	if err != nil {
		return path
	}
	return expanded
}

func expandPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", fmt.Errorf("path is empty")
	}
	if strings.HasPrefix(trimmed, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		trimmed = filepath.Join(home, strings.TrimPrefix(trimmed, "~"))
	}
	return filepath.Abs(trimmed)
}
