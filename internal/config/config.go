package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"localconnect/internal/content"
)

type Config struct {
	APIURL   string
	WSURL    string
	Token    string
	UserID   string
	Username string
	OutboxDB string
	LogLevel slog.Level

	TypingDebounce   time.Duration
	TypingExpiry     time.Duration
	EchoTimeout      time.Duration
	NotificationPoll time.Duration
	HTTPTimeout      time.Duration
	DialTimeout      time.Duration
	DirectoryTTL     time.Duration

	UnifyReplies bool
	// MaxRecords caps the confirmed messages kept per room; zero keeps all.
	MaxRecords int
}

// Load reads the configuration from the environment. A .env file in the
// working directory is loaded first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		APIURL:   getEnv("LC_API_URL", "http://localhost:8000/api"),
		WSURL:    getEnv("LC_WS_URL", "ws://localhost:8000/ws"),
		Token:    os.Getenv("LC_TOKEN"),
		UserID:   os.Getenv("LC_USER_ID"),
		Username: os.Getenv("LC_USERNAME"),
		OutboxDB: getEnv("LC_OUTBOX_DB", "localconnect.db"),
	}

	durations := []struct {
		key      string
		fallback string
		dst      *time.Duration
	}{
		{"TYPING_DEBOUNCE", "1s", &cfg.TypingDebounce},
		{"TYPING_EXPIRY", "5s", &cfg.TypingExpiry},
		{"ECHO_TIMEOUT", "10s", &cfg.EchoTimeout},
		{"NOTIFICATION_POLL", "30s", &cfg.NotificationPoll},
		{"HTTP_TIMEOUT", "15s", &cfg.HTTPTimeout},
		{"DIAL_TIMEOUT", "10s", &cfg.DialTimeout},
		{"DIRECTORY_TTL", "1m", &cfg.DirectoryTTL},
	}
	for _, d := range durations {
		v, err := time.ParseDuration(getEnv(d.key, d.fallback))
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.dst = v
	}

	unify, err := strconv.ParseBool(getEnv("UNIFY_REPLIES", "false"))
	if err != nil {
		return nil, fmt.Errorf("invalid UNIFY_REPLIES: %w", err)
	}
	cfg.UnifyReplies = unify

	maxRecords, err := strconv.Atoi(getEnv("LC_MAX_RECORDS", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid LC_MAX_RECORDS: %w", err)
	}
	cfg.MaxRecords = maxRecords

	if err := cfg.LogLevel.UnmarshalText([]byte(getEnv("LOG_LEVEL", "info"))); err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Token == "" {
		return fmt.Errorf("LC_TOKEN is required")
	}
	if c.Username != "" {
		if err := content.ValidateUsername(c.Username); err != nil {
			return fmt.Errorf("invalid LC_USERNAME: %w", err)
		}
	}

	if err := checkURL("LC_API_URL", c.APIURL, "http", "https"); err != nil {
		return err
	}
	if err := checkURL("LC_WS_URL", c.WSURL, "ws", "wss"); err != nil {
		return err
	}

	if c.TypingDebounce <= 0 {
		return fmt.Errorf("TYPING_DEBOUNCE must be greater than 0")
	}
	// TYPING_EXPIRY and ECHO_TIMEOUT may be 0 to disable them.
	if c.TypingExpiry < 0 || c.EchoTimeout < 0 {
		return fmt.Errorf("TYPING_EXPIRY and ECHO_TIMEOUT must not be negative")
	}
	if c.MaxRecords < 0 {
		return fmt.Errorf("LC_MAX_RECORDS must not be negative")
	}
	if c.NotificationPoll <= 0 || c.HTTPTimeout <= 0 || c.DialTimeout <= 0 || c.DirectoryTTL <= 0 {
		return fmt.Errorf("NOTIFICATION_POLL, HTTP_TIMEOUT, DIAL_TIMEOUT and DIRECTORY_TTL must be greater than 0")
	}

	return nil
}

func checkURL(key, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	for _, s := range schemes {
		if strings.EqualFold(u.Scheme, s) {
			return nil
		}
	}
	return fmt.Errorf("%s must use one of %v, got %q", key, schemes, u.Scheme)
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
