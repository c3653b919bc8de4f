// Package server provides configuration helpers that define runtime defaults,
// validation, and rate-limiting parameters for the room chat service.
package server

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Tyrowin/roomchat/internal/notify"
	"github.com/Tyrowin/roomchat/internal/ratelimit"
	"github.com/Tyrowin/roomchat/internal/store"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// PasswordLimitConfig bounds failed room password attempts per client address.
type PasswordLimitConfig struct {
	MaxAttempts int
	Window      time.Duration
}

// Config holds the server configuration settings including security controls.
// A Config is built once at startup and handed to every component that needs
// it; nothing reads it from package state.
type Config struct {
	Port           string
	AllowedOrigins []string
	MaxMessageSize int64
	RateLimit      RateLimitConfig

	RoomsFile          string
	DatabasePath       string
	MessagesDir        string
	StoreRetryInterval time.Duration

	RedisAddr     string
	PasswordLimit PasswordLimitConfig

	NotifyHeartbeat time.Duration
	VAPID           notify.VAPIDConfig

	AppVersion      string
	ShutdownTimeout time.Duration
	LogLevel        string
	LogFormat       string
}

func defaultConfig() Config {
	return Config{
		Port: ":3000",
		AllowedOrigins: []string{
			"http://localhost:3000",
		},
		MaxMessageSize: 8192,
		RateLimit: RateLimitConfig{
			Burst:          20,
			RefillInterval: time.Second,
		},
		RoomsFile:          "rooms.json",
		DatabasePath:       "chat.db",
		MessagesDir:        ".",
		StoreRetryInterval: store.DefaultRetryInterval,
		PasswordLimit: PasswordLimitConfig{
			MaxAttempts: ratelimit.DefaultMaxAttempts,
			Window:      ratelimit.DefaultWindow,
		},
		NotifyHeartbeat: notify.DefaultHeartbeat,
		VAPID: notify.VAPIDConfig{
			Subject: "mailto:admin@localhost",
		},
		AppVersion:      "dev",
		ShutdownTimeout: 30 * time.Second,
		LogLevel:        "info",
		LogFormat:       "console",
	}
}

// sanitizeConfig replaces unusable values with defaults and normalizes the
// origin list.
func sanitizeConfig(cfg Config) Config {
	def := defaultConfig()

	if cfg.Port == "" {
		cfg.Port = def.Port
	}

	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}

	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = def.RateLimit.Burst
	}

	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}

	if cfg.MessagesDir == "" {
		cfg.MessagesDir = def.MessagesDir
	}

	if cfg.StoreRetryInterval <= 0 {
		cfg.StoreRetryInterval = def.StoreRetryInterval
	}

	if cfg.PasswordLimit.MaxAttempts <= 0 {
		cfg.PasswordLimit.MaxAttempts = def.PasswordLimit.MaxAttempts
	}

	if cfg.PasswordLimit.Window <= 0 {
		cfg.PasswordLimit.Window = def.PasswordLimit.Window
	}

	if cfg.NotifyHeartbeat <= 0 {
		cfg.NotifyHeartbeat = def.NotifyHeartbeat
	}

	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}

	if cfg.VAPID.Subject == "" {
		cfg.VAPID.Subject = def.VAPID.Subject
	}

	normalizedOrigins, allowAll := normalizeOrigins(cfg.AllowedOrigins)
	if allowAll {
		normalizedOrigins = append(normalizedOrigins, "*")
	}
	cfg.AllowedOrigins = normalizedOrigins

	return cfg
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// NewConfigFromEnv creates a Config instance from environment variables.
// Falls back to default values if environment variables are not set.
func NewConfigFromEnv() *Config {
	cfg := defaultConfig()

	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Port = normalizePort(port)
	}

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseOrigins(origins)
	}

	if maxSize := os.Getenv("MAX_MESSAGE_SIZE"); maxSize != "" {
		cfg.MaxMessageSize = parseMaxMessageSize(maxSize, cfg.MaxMessageSize)
	}

	if burst := os.Getenv("RATE_LIMIT_BURST"); burst != "" {
		cfg.RateLimit.Burst = parseIntValue(burst, cfg.RateLimit.Burst)
	}

	if interval := os.Getenv("RATE_LIMIT_REFILL_INTERVAL"); interval != "" {
		cfg.RateLimit.RefillInterval = parseRefillInterval(interval, cfg.RateLimit.RefillInterval)
	}

	if path, ok := os.LookupEnv("ROOMS_FILE"); ok {
		cfg.RoomsFile = path
	}

	// An explicitly empty DATABASE_PATH disables the SQLite backend.
	if path, ok := os.LookupEnv("DATABASE_PATH"); ok {
		cfg.DatabasePath = path
	}

	if dir := os.Getenv("MESSAGES_DIR"); dir != "" {
		cfg.MessagesDir = dir
	}

	if v := os.Getenv("STORE_RETRY_INTERVAL"); v != "" {
		cfg.StoreRetryInterval = parseDuration(v, cfg.StoreRetryInterval)
	}

	cfg.RedisAddr = os.Getenv("REDIS_ADDR")

	if v := os.Getenv("PASSWORD_MAX_ATTEMPTS"); v != "" {
		cfg.PasswordLimit.MaxAttempts = parseIntValue(v, cfg.PasswordLimit.MaxAttempts)
	}

	if v := os.Getenv("PASSWORD_WINDOW"); v != "" {
		cfg.PasswordLimit.Window = parseDuration(v, cfg.PasswordLimit.Window)
	}

	if v := os.Getenv("NOTIFY_HEARTBEAT"); v != "" {
		cfg.NotifyHeartbeat = parseDuration(v, cfg.NotifyHeartbeat)
	}

	cfg.VAPID.PublicKey = os.Getenv("VAPID_PUBLIC_KEY")
	cfg.VAPID.PrivateKey = os.Getenv("VAPID_PRIVATE_KEY")
	if subject := os.Getenv("VAPID_SUBJECT"); subject != "" {
		cfg.VAPID.Subject = subject
	}

	if version := os.Getenv("APP_VERSION"); version != "" {
		cfg.AppVersion = version
	}

	if v := os.Getenv("SHUTDOWN_TIMEOUT"); v != "" {
		cfg.ShutdownTimeout = parseDuration(v, cfg.ShutdownTimeout)
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = strings.ToLower(level)
	}

	if format := os.Getenv("LOG_FORMAT"); format != "" {
		cfg.LogFormat = strings.ToLower(format)
	}

	sanitized := sanitizeConfig(cfg)
	return &sanitized
}

// normalizePort accepts "3000" as well as ":3000" or "host:3000".
func normalizePort(port string) string {
	if strings.Contains(port, ":") {
		return port
	}
	return ":" + port
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseMaxMessageSize(value string, defaultValue int64) int64 {
	if size, err := strconv.ParseInt(value, 10, 64); err == nil && size > 0 {
		return size
	}
	return defaultValue
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

func parseRefillInterval(value string, defaultValue time.Duration) time.Duration {
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}

// parseDuration accepts Go duration syntax ("15m") or a bare number of seconds.
func parseDuration(value string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	return parseRefillInterval(value, defaultValue)
}
