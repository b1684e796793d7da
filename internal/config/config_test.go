package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/devpouya/swissnews/internal/dedup"
)

var envKeys = []string{
	"LOG_LEVEL", "DATABASE_DRIVER", "DATABASE_PATH", "DATABASE_URL", "OUTLETS_FILE", "LOCK_FILE",
	"CRON_SCHEDULE", "METRICS_ADDR", "USER_AGENT", "REQUESTS_PER_SECOND", "MAX_ARTICLES_PER_OUTLET",
	"FETCH_TIMEOUT_SECONDS", "TELEGRAM_BOT_TOKEN", "TELEGRAM_CHAT_ID", "DEDUP_SIMILARITY_THRESHOLD",
	"DEDUP_TIME_PROXIMITY_HOURS", "DEDUP_MAX_SEARCH_DAYS", "DEDUP_HASH_CACHE_SIZE",
	"DEDUP_ENABLE_CONTENT_HASH", "DEDUP_ENABLE_TITLE_SIMILARITY", "DEDUP_ENABLE_TIME_PROXIMITY",
}

// clearEnv unsets every config variable for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range envKeys {
		t.Setenv(key, "")
		if err := os.Unsetenv(key); err != nil {
			t.Fatalf("unset %s: %v", key, err)
		}
	}
}

func defaults() *Config {
	return &Config{
		LogLevel:              "info",
		DatabaseDriver:        "sqlite",
		DatabasePath:          "./data/swissnews.db",
		OutletsFile:           "./config/outlets.yaml",
		LockFile:              "/tmp/swissnews/scraper.lock",
		CronSchedule:          "0 */6 * * *",
		MetricsAddr:           ":9090",
		UserAgent:             "SwissNewsAggregator/1.0",
		RequestsPerSecond:     2,
		MaxArticlesPerOutlet:  50,
		FetchTimeoutSeconds:   30,
		SimilarityThreshold:   0.8,
		TimeProximityHours:    24,
		MaxSearchDays:         90,
		HashCacheSize:         1000,
		EnableContentHashing:  true,
		EnableTitleSimilarity: true,
		EnableTimeProximity:   true,
	}
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		want    func() *Config
		wantErr bool
	}{
		{
			name: "defaults",
			env:  map[string]string{},
			want: defaults,
		},
		{
			name: "postgres with overrides",
			env: map[string]string{
				"DATABASE_DRIVER":             "postgres",
				"DATABASE_URL":                "postgres://news@localhost/news",
				"LOG_LEVEL":                   "debug",
				"DEDUP_SIMILARITY_THRESHOLD":  "0.9",
				"DEDUP_ENABLE_TIME_PROXIMITY": "false",
				"TELEGRAM_BOT_TOKEN":          "tok",
				"TELEGRAM_CHAT_ID":            "-100123",
			},
			want: func() *Config {
				c := defaults()
				c.DatabaseDriver = "postgres"
				c.DatabaseURL = "postgres://news@localhost/news"
				c.LogLevel = "debug"
				c.SimilarityThreshold = 0.9
				c.EnableTimeProximity = false
				c.TelegramBotToken = "tok"
				c.TelegramChatID = -100123
				return c
			},
		},
		{
			name:    "postgres without url",
			env:     map[string]string{"DATABASE_DRIVER": "postgres"},
			wantErr: true,
		},
		{
			name:    "unknown driver",
			env:     map[string]string{"DATABASE_DRIVER": "mysql"},
			wantErr: true,
		},
		{
			name:    "threshold out of range",
			env:     map[string]string{"DEDUP_SIMILARITY_THRESHOLD": "1.5"},
			wantErr: true,
		},
		{
			name:    "telegram token without chat",
			env:     map[string]string{"TELEGRAM_BOT_TOKEN": "tok"},
			wantErr: true,
		},
		{
			name:    "malformed number",
			env:     map[string]string{"MAX_ARTICLES_PER_OUTLET": "many"},
			wantErr: true,
		},
		{
			name:    "zero timeout",
			env:     map[string]string{"FETCH_TIMEOUT_SECONDS": "0"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			got, err := Load("")
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if diff := cmp.Diff(tt.want(), got); diff != "" {
				t.Errorf("Load() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLoadEnvFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "test.env")
	content := "OUTLETS_FILE=/etc/swissnews/outlets.yaml\nREQUESTS_PER_SECOND=0.5\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Cleanup(func() {
		_ = os.Unsetenv("OUTLETS_FILE")
		_ = os.Unsetenv("REQUESTS_PER_SECOND")
	})

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.OutletsFile != "/etc/swissnews/outlets.yaml" || got.RequestsPerSecond != 0.5 {
		t.Errorf("Load() = %+v, want values from env file", got)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.env")); err == nil {
		t.Error("Load(missing) error = nil, want error")
	}
}

func TestDedup(t *testing.T) {
	c := defaults()
	c.TimeProximityHours = 12
	c.MaxSearchDays = 30
	c.EnableContentHashing = false

	want := dedup.Config{
		SimilarityThreshold:   0.8,
		TimeProximity:         12 * time.Hour,
		MaxSimilaritySearch:   30 * 24 * time.Hour,
		HashCacheSize:         1000,
		EnableContentHashing:  false,
		EnableTitleSimilarity: true,
		EnableTimeProximity:   true,
	}
	if diff := cmp.Diff(want, c.Dedup()); diff != "" {
		t.Errorf("Dedup() mismatch (-want +got):\n%s", diff)
	}
	if got := c.FetchTimeout(); got != 30*time.Second {
		t.Errorf("FetchTimeout() = %v, want 30s", got)
	}
}
