package conf

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config represents application configuration
type Config struct {
	// Bot configuration (Lark app serving the command surface and alerts)
	Bot BotConfig

	// Stream gateway configuration (watch-session transport)
	Gateway GatewayConfig

	// Store configuration
	Store StoreConfig

	// Notifier pacing
	Notify NotifyConfig

	// Digest configuration (optional, disabled without an API key)
	Digest DigestConfig

	// HTTP port for the health/metrics endpoint
	Port string

	// Admin owner ids, comma separated in env
	AdminIDs []string

	Env      string
	LogLevel string
}

// BotConfig contains the Lark bot credentials
type BotConfig struct {
	AppID     string
	AppSecret string
}

// GatewayConfig contains the stream gateway endpoint
type GatewayConfig struct {
	URL string

	// Delay between successive session starts during restoration, to stay
	// under the gateway's connection-rate limits
	RestoreStartDelay time.Duration
}

// StoreConfig contains the sqlite store location
type StoreConfig struct {
	DBPath string
}

// NotifyConfig contains outbound alert pacing
type NotifyConfig struct {
	// Minimum spacing between two sends to the same recipient
	MinGap time.Duration
}

// DigestConfig contains the alert digest summarizer settings
type DigestConfig struct {
	APIKey   string
	BaseURL  string
	Model    string
	Interval time.Duration
}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv() *Config {
	dbPath := os.Getenv("DB_PATH")
	if dbPath == "" {
		homeDir, _ := os.UserHomeDir()
		dbPath = filepath.Join(homeDir, ".keywatch", "monitoring.db")
	}

	var adminIDs []string
	for _, id := range strings.Split(os.Getenv("ADMIN_IDS"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			adminIDs = append(adminIDs, id)
		}
	}

	return &Config{
		Bot: BotConfig{
			AppID:     os.Getenv("BOT_APP_ID"),
			AppSecret: os.Getenv("BOT_APP_SECRET"),
		},
		Gateway: GatewayConfig{
			URL:               os.Getenv("GATEWAY_URL"),
			RestoreStartDelay: envDurationMS("RESTORE_START_DELAY_MS", 2000),
		},
		Store: StoreConfig{
			DBPath: dbPath,
		},
		Notify: NotifyConfig{
			MinGap: envDurationMS("NOTIFY_MIN_GAP_MS", 300),
		},
		Digest: DigestConfig{
			APIKey:   os.Getenv("DIGEST_API_KEY"),
			BaseURL:  os.Getenv("DIGEST_BASE_URL"),
			Model:    envString("DIGEST_MODEL", "gpt-4o-mini"),
			Interval: envDurationMS("DIGEST_INTERVAL_MS", int(24*time.Hour/time.Millisecond)),
		},
		Port:     envString("PORT", "8080"),
		AdminIDs: adminIDs,
		Env:      envString("ENV", "development"),
		LogLevel: envString("LOG_LEVEL", "info"),
	}
}

func envString(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func envDurationMS(key string, fallbackMS int) time.Duration {
	ms := fallbackMS
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			ms = parsed
		}
	}
	return time.Duration(ms) * time.Millisecond
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Bot.AppID == "" || c.Bot.AppSecret == "" {
		return &ConfigError{Field: "BOT_APP_ID/BOT_APP_SECRET", Message: "required"}
	}
	if c.Gateway.URL == "" {
		return &ConfigError{Field: "GATEWAY_URL", Message: "required"}
	}
	return nil
}

// ConfigError represents a configuration error
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return e.Field + ": " + e.Message
}
