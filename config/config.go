package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	FetcherHTTP    = "http"
	FetcherBrowser = "browser"

	LockMemory = "memory"
	LockRedis  = "redis"

	TransportLog      = "log"
	TransportTelegram = "telegram"
	TransportEmail    = "email"
)

// Config holds the application settings
type Config struct {
	LogMode      string
	ProductsFile string

	DBDriver    string
	DBPath      string
	DatabaseURL string

	Fetcher      string
	UserAgent    string
	FetchTimeout time.Duration
	FetchRetries int

	Concurrency   int
	PlatformDelay time.Duration
	RunTimeout    time.Duration

	LockBackend  string
	LockTTL      time.Duration
	RedisAddr    string
	RedisLockKey string

	ScrapeInterval  time.Duration
	InitialDelay    time.Duration
	RefreshInterval time.Duration

	NotifyTransport  string
	NotifyRecipient  string
	TelegramBotToken string
	TelegramChatID   int64
	SendGridAPIKey   string
	SendGridFrom     string
	SendGridFromName string
	SendGridBaseURL  string

	OtelEnabled  bool
	OtelEndpoint string
}

// LoadDotEnv reads .env into the environment when the file exists. It
// reports whether a file was loaded.
func LoadDotEnv(paths ...string) bool {
	return godotenv.Load(paths...) == nil
}

// Load reads the configuration from environment variables. Malformed
// numbers fall back to their defaults; unknown backends and missing
// credentials for the selected backends are errors.
func Load() (*Config, error) {
	cfg := &Config{
		LogMode:      str("LOG_MODE", "dev"),
		ProductsFile: str("PRODUCTS_FILE", "./products.csv"),

		DBDriver:    strings.ToLower(str("DB_DRIVER", "sqlite3")),
		DBPath:      str("DB_PATH", "./price_tracker.db"),
		DatabaseURL: str("DATABASE_URL", ""),

		Fetcher:      strings.ToLower(str("FETCHER", FetcherHTTP)),
		UserAgent:    str("USER_AGENT", ""),
		FetchTimeout: time.Duration(positiveInt("FETCH_TIMEOUT_SECONDS", 30)) * time.Second,
		FetchRetries: nonNegativeInt("FETCH_RETRIES", 2),

		Concurrency:   positiveInt("SCRAPE_CONCURRENCY", 3),
		PlatformDelay: time.Duration(nonNegativeInt("PLATFORM_DELAY_MS", 2000)) * time.Millisecond,
		RunTimeout:    time.Duration(positiveInt("RUN_TIMEOUT_MINUTES", 10)) * time.Minute,

		LockBackend:  strings.ToLower(str("LOCK_BACKEND", LockMemory)),
		RedisAddr:    str("REDIS_ADDR", ""),
		RedisLockKey: str("REDIS_LOCK_KEY", "price-tracker:scrape-lock"),

		ScrapeInterval:  time.Duration(positiveInt("SCRAPE_INTERVAL_MINUTES", 30)) * time.Minute,
		InitialDelay:    time.Duration(nonNegativeInt("INITIAL_SCRAPE_DELAY_SECONDS", 5)) * time.Second,
		RefreshInterval: time.Duration(positiveInt("REFRESH_INTERVAL_SECONDS", 60)) * time.Second,

		NotifyTransport:  strings.ToLower(str("NOTIFY_TRANSPORT", TransportLog)),
		NotifyRecipient:  str("NOTIFY_RECIPIENT", ""),
		TelegramBotToken: str("TELEGRAM_BOT_TOKEN", ""),
		SendGridAPIKey:   str("SENDGRID_API_KEY", ""),
		SendGridFrom:     str("SENDGRID_FROM_EMAIL", ""),
		SendGridFromName: str("SENDGRID_FROM_NAME", "Price Tracker"),
		SendGridBaseURL:  str("SENDGRID_BASE_URL", ""),

		OtelEnabled:  boolean("OTEL_ENABLED"),
		OtelEndpoint: str("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
	}

	if chatIDStr := str("TELEGRAM_CHAT_ID", ""); chatIDStr != "" {
		if chatID, err := strconv.ParseInt(chatIDStr, 10, 64); err == nil {
			cfg.TelegramChatID = chatID
		}
	}

	// the lock must outlive the run it protects
	cfg.LockTTL = cfg.RunTimeout + 5*time.Minute
	if ttl := positiveInt("LOCK_TTL_MINUTES", 0); ttl > 0 {
		cfg.LockTTL = time.Duration(ttl) * time.Minute
	}
	if cfg.LockTTL < cfg.RunTimeout {
		cfg.LockTTL = cfg.RunTimeout
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.DBDriver {
	case "sqlite3", "sqlite":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL not configured for DB_DRIVER=postgres")
		}
	default:
		return fmt.Errorf("unknown DB_DRIVER %q", c.DBDriver)
	}

	switch c.Fetcher {
	case FetcherHTTP, FetcherBrowser:
	default:
		return fmt.Errorf("unknown FETCHER %q", c.Fetcher)
	}

	switch c.LockBackend {
	case LockMemory:
	case LockRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR not configured for LOCK_BACKEND=redis")
		}
	default:
		return fmt.Errorf("unknown LOCK_BACKEND %q", c.LockBackend)
	}

	switch c.NotifyTransport {
	case TransportLog:
	case TransportTelegram:
		if c.TelegramBotToken == "" {
			return fmt.Errorf("TELEGRAM_BOT_TOKEN not configured")
		}
		if c.TelegramChatID == 0 && c.NotifyRecipient == "" {
			return fmt.Errorf("TELEGRAM_CHAT_ID or NOTIFY_RECIPIENT required for telegram notifications")
		}
	case TransportEmail:
		if c.SendGridAPIKey == "" || c.SendGridFrom == "" {
			return fmt.Errorf("SENDGRID_API_KEY and SENDGRID_FROM_EMAIL required for email notifications")
		}
		if c.NotifyRecipient == "" {
			return fmt.Errorf("NOTIFY_RECIPIENT required for email notifications")
		}
	default:
		return fmt.Errorf("unknown NOTIFY_TRANSPORT %q", c.NotifyTransport)
	}
	return nil
}

func str(name, def string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return def
}

func positiveInt(name string, def int) int {
	if v, ok := integer(name); ok && v > 0 {
		return v
	}
	return def
}

func nonNegativeInt(name string, def int) int {
	if v, ok := integer(name); ok && v >= 0 {
		return v
	}
	return def
}

func integer(name string) (int, bool) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return 0, false
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return i, true
}

func boolean(name string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(name))) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
