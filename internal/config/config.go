// Package config validates and exposes process configuration from the
// environment: required variables collected into an error list (rather
// than failing on the first bad value) and a redacted summary logged once
// validation succeeds.
package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/opentalkeu/signaling-runtime/internal/logging"
)

// Config holds validated environment configuration for the signaling
// process.
type Config struct {
	// Required
	Port string

	// Redis (optional: absence selects the in-process memory backend)
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	// General
	GoEnv           string
	LogLevel        string
	DevelopmentMode bool
	AllowedOrigins  string

	// Admission
	TicketTTL     time.Duration
	ResumptionTTL time.Duration

	// Room lock
	RoomLockTimeout    time.Duration
	RoomLockRetryDelay time.Duration
	RoomLockMaxRetries int

	// Runner keepalive
	PingInterval time.Duration
	PongTimeout  time.Duration

	// Protocol-violation budget before a session is closed
	ProtocolViolationLimit  int
	ProtocolViolationWindow time.Duration

	// Breakout
	BreakoutMinDuration time.Duration

	// Display-name policy
	AllowCustomDisplayNames bool

	// OIDC collaborator (Authority); empty domain disables registered-user
	// auth and admits guests only.
	OIDCDomain   string
	OIDCAudience string

	// Tracing; empty disables the exporter.
	OTELCollectorAddr string

	// Rate limiting (internal/ratelimit)
	RateLimitTicketIssue string
	RateLimitWsUpgrade   string
}

// LoadDotEnv loads a .env file in development; a missing file is not an
// error.
func LoadDotEnv() {
	_ = godotenv.Load()
}

// ValidateEnv validates all required environment variables and returns a
// Config, or a single error joining every validation failure found.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		errs = append(errs, "PORT is required")
	} else if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got %q)", cfg.Port))
	}

	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = getEnvOrDefault("REDIS_ADDR", "localhost:6379")
		if !isValidHostPort(cfg.RedisAddr) {
			errs = append(errs, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got %q)", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	cfg.TicketTTL = getEnvDuration("TICKET_TTL", 30*time.Second)
	cfg.ResumptionTTL = getEnvDuration("RESUMPTION_TTL", 5*time.Minute)

	cfg.RoomLockTimeout = getEnvDuration("ROOM_LOCK_TIMEOUT", 1500*time.Millisecond)
	cfg.RoomLockRetryDelay = getEnvDuration("ROOM_LOCK_RETRY_DELAY", 40*time.Millisecond)
	cfg.RoomLockMaxRetries = getEnvInt("ROOM_LOCK_MAX_RETRIES", 20)

	cfg.PingInterval = getEnvDuration("WS_PING_INTERVAL", 20*time.Second)
	cfg.PongTimeout = getEnvDuration("WS_PONG_TIMEOUT", 40*time.Second)

	cfg.ProtocolViolationLimit = getEnvInt("WS_PROTOCOL_VIOLATION_LIMIT", 10)
	cfg.ProtocolViolationWindow = getEnvDuration("WS_PROTOCOL_VIOLATION_WINDOW", 10*time.Second)

	cfg.BreakoutMinDuration = getEnvDuration("BREAKOUT_MIN_DURATION", 1*time.Second)

	cfg.AllowCustomDisplayNames = getEnvOrDefault("ALLOW_CUSTOM_DISPLAY_NAMES", "true") == "true"
	cfg.OIDCDomain = os.Getenv("OIDC_DOMAIN")
	cfg.OIDCAudience = os.Getenv("OIDC_AUDIENCE")
	cfg.OTELCollectorAddr = os.Getenv("OTEL_COLLECTOR_ADDR")

	cfg.RateLimitTicketIssue = getEnvOrDefault("RATE_LIMIT_TICKET_ISSUE", "30-M")
	cfg.RateLimitWsUpgrade = getEnvOrDefault("RATE_LIMIT_WS_UPGRADE", "60-M")

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	logValidatedConfig(cfg)
	return cfg, nil
}

func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 || parts[0] == "" {
		return false
	}
	port, err := strconv.Atoi(parts[1])
	return err == nil && port >= 1 && port <= 65535
}

func logValidatedConfig(cfg *Config) {
	logging.Info(context.Background(), "environment configuration validated",
		"port", cfg.Port,
		"redis_enabled", cfg.RedisEnabled,
		"redis_addr", cfg.RedisAddr,
		"redis_password", redactSecret(cfg.RedisPassword),
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"ticket_ttl", cfg.TicketTTL,
		"resumption_ttl", cfg.ResumptionTTL,
		"room_lock_timeout", cfg.RoomLockTimeout,
	)
}

func getEnvOrDefault(key, defaultValue string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultValue
	}
	return d
}

func getEnvInt(key string, defaultValue int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultValue
	}
	return n
}

// redactSecret shows only the first 8 characters of a secret.
func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
