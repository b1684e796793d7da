// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/devpouya/swissnews/internal/dedup"
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds the application configuration.
type Config struct {
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	DatabaseDriver string `envconfig:"DATABASE_DRIVER" default:"sqlite"`
	DatabasePath   string `envconfig:"DATABASE_PATH" default:"./data/swissnews.db"`
	DatabaseURL    string `envconfig:"DATABASE_URL"`

	OutletsFile  string `envconfig:"OUTLETS_FILE" default:"./config/outlets.yaml"`
	LockFile     string `envconfig:"LOCK_FILE" default:"/tmp/swissnews/scraper.lock"`
	CronSchedule string `envconfig:"CRON_SCHEDULE" default:"0 */6 * * *"`
	MetricsAddr  string `envconfig:"METRICS_ADDR" default:":9090"`

	UserAgent            string  `envconfig:"USER_AGENT" default:"SwissNewsAggregator/1.0"`
	RequestsPerSecond    float64 `envconfig:"REQUESTS_PER_SECOND" default:"2"`
	MaxArticlesPerOutlet int     `envconfig:"MAX_ARTICLES_PER_OUTLET" default:"50"`
	FetchTimeoutSeconds  int     `envconfig:"FETCH_TIMEOUT_SECONDS" default:"30"`

	TelegramBotToken string `envconfig:"TELEGRAM_BOT_TOKEN"`
	TelegramChatID   int64  `envconfig:"TELEGRAM_CHAT_ID"`

	SimilarityThreshold   float64 `envconfig:"DEDUP_SIMILARITY_THRESHOLD" default:"0.8"`
	TimeProximityHours    int     `envconfig:"DEDUP_TIME_PROXIMITY_HOURS" default:"24"`
	MaxSearchDays         int     `envconfig:"DEDUP_MAX_SEARCH_DAYS" default:"90"`
	HashCacheSize         int     `envconfig:"DEDUP_HASH_CACHE_SIZE" default:"1000"`
	EnableContentHashing  bool    `envconfig:"DEDUP_ENABLE_CONTENT_HASH" default:"true"`
	EnableTitleSimilarity bool    `envconfig:"DEDUP_ENABLE_TITLE_SIMILARITY" default:"true"`
	EnableTimeProximity   bool    `envconfig:"DEDUP_ENABLE_TIME_PROXIMITY" default:"true"`
}

// Load reads an optional .env file and then the environment. A non-empty
// envFile must exist.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	} else {
		_ = godotenv.Load()
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("process env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// Validate rejects settings the application cannot run with.
func (c *Config) Validate() error {
	switch c.DatabaseDriver {
	case DriverSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("DATABASE_PATH is required for the sqlite driver")
		}
	case DriverPostgres:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres driver")
		}
	default:
		return fmt.Errorf("DATABASE_DRIVER must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.DatabaseDriver)
	}
	if strings.TrimSpace(c.OutletsFile) == "" {
		return fmt.Errorf("OUTLETS_FILE is required")
	}
	if strings.TrimSpace(c.LockFile) == "" {
		return fmt.Errorf("LOCK_FILE is required")
	}
	if c.SimilarityThreshold <= 0 || c.SimilarityThreshold > 1 {
		return fmt.Errorf("DEDUP_SIMILARITY_THRESHOLD must be in (0, 1], got %v", c.SimilarityThreshold)
	}
	if c.TimeProximityHours < 1 {
		return fmt.Errorf("DEDUP_TIME_PROXIMITY_HOURS must be >= 1")
	}
	if c.MaxSearchDays < 1 {
		return fmt.Errorf("DEDUP_MAX_SEARCH_DAYS must be >= 1")
	}
	if c.HashCacheSize < 1 {
		return fmt.Errorf("DEDUP_HASH_CACHE_SIZE must be >= 1")
	}
	if c.RequestsPerSecond < 0 {
		return fmt.Errorf("REQUESTS_PER_SECOND must be >= 0")
	}
	if c.MaxArticlesPerOutlet < 0 {
		return fmt.Errorf("MAX_ARTICLES_PER_OUTLET must be >= 0")
	}
	if c.FetchTimeoutSeconds < 1 {
		return fmt.Errorf("FETCH_TIMEOUT_SECONDS must be >= 1")
	}
	if (c.TelegramBotToken == "") != (c.TelegramChatID == 0) {
		return fmt.Errorf("TELEGRAM_BOT_TOKEN and TELEGRAM_CHAT_ID must be set together")
	}
	return nil
}

// Dedup returns the duplicate detector settings.
func (c *Config) Dedup() dedup.Config {
	return dedup.Config{
		SimilarityThreshold:   c.SimilarityThreshold,
		TimeProximity:         time.Duration(c.TimeProximityHours) * time.Hour,
		MaxSimilaritySearch:   time.Duration(c.MaxSearchDays) * 24 * time.Hour,
		HashCacheSize:         c.HashCacheSize,
		EnableContentHashing:  c.EnableContentHashing,
		EnableTitleSimilarity: c.EnableTitleSimilarity,
		EnableTimeProximity:   c.EnableTimeProximity,
	}
}

// FetchTimeout is the default per-outlet scrape timeout.
func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSeconds) * time.Second
}

// NotifyEnabled reports whether run reports should be sent to Telegram.
func (c *Config) NotifyEnabled() bool {
	return c.TelegramBotToken != "" && c.TelegramChatID != 0
}
