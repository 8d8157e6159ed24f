// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	AuthStateDir   string
	ClientID       string
	GatewayURL     string
	DialTimeout    time.Duration
	DBPath         string
	StatusAddr     string // "" disables the HTTP status server
	GRPCHealthAddr string // "" disables the gRPC health server
	StatusToken    string // "" disables operator actions on the status server
	ReplyRulesPath string // "" uses the built-in rule table
	LogLevel       slog.Level
	Reconnect      ReconnectConfig
	Readiness      ReadinessConfig
	PairingTimeout time.Duration
}

// ReconnectConfig controls the reconnection policy.
type ReconnectConfig struct {
	Delay         time.Duration
	Backoff       bool
	MaxDelay      time.Duration
	FlapThreshold int
	FlapWindow    time.Duration
}

// ReadinessConfig controls the send-path readiness gate and quiescence delay.
type ReadinessConfig struct {
	Probe       string
	MaxAttempts int
	Interval    time.Duration
	Quiescence  time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		AuthStateDir:   getEnv("AUTH_STATE_DIR", "./bot-data/auth"),
		ClientID:       getEnv("CLIENT_ID", "bot"),
		GatewayURL:     getEnv("GATEWAY_URL", "ws://localhost:8090/ws"),
		DialTimeout:    getEnvDuration("DIAL_TIMEOUT", 15*time.Second),
		DBPath:         getEnv("DB_PATH", "./bot-data/journal.db"),
		StatusAddr:     getEnv("STATUS_ADDR", ":8080"),
		GRPCHealthAddr: getEnv("GRPC_HEALTH_ADDR", ""),
		StatusToken:    getEnv("STATUS_TOKEN", ""),
		ReplyRulesPath: getEnv("REPLY_RULES_PATH", ""),
		LogLevel:       getEnvLevel("LOG_LEVEL", slog.LevelInfo),
		PairingTimeout: getEnvDuration("PAIRING_TIMEOUT", 60*time.Second),
		Reconnect: ReconnectConfig{
			Delay:         getEnvDuration("RECONNECT_DELAY", 5*time.Second),
			Backoff:       getEnvBool("RECONNECT_BACKOFF", false),
			MaxDelay:      getEnvDuration("RECONNECT_MAX_DELAY", 2*time.Minute),
			FlapThreshold: getEnvInt("FLAP_THRESHOLD", 5),
			FlapWindow:    getEnvDuration("FLAP_WINDOW", time.Minute),
		},
		Readiness: ReadinessConfig{
			Probe:       getEnv("READY_PROBE", "send-path-live"),
			MaxAttempts: getEnvInt("READY_MAX_ATTEMPTS", 20),
			Interval:    getEnvDuration("READY_INTERVAL", 250*time.Millisecond),
			Quiescence:  getEnvDuration("QUIESCENCE_DELAY", 300*time.Millisecond),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.AuthStateDir == "" {
		return fmt.Errorf("AUTH_STATE_DIR cannot be empty")
	}
	if c.ClientID == "" || strings.ContainsAny(c.ClientID, `/\`) {
		return fmt.Errorf("CLIENT_ID must be a non-empty path segment")
	}
	if !strings.HasPrefix(c.GatewayURL, "ws://") && !strings.HasPrefix(c.GatewayURL, "wss://") {
		return fmt.Errorf("GATEWAY_URL must be a ws:// or wss:// URL")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Reconnect.Delay <= 0 {
		return fmt.Errorf("RECONNECT_DELAY must be > 0")
	}
	if c.Reconnect.Backoff && c.Reconnect.MaxDelay < c.Reconnect.Delay {
		return fmt.Errorf("RECONNECT_MAX_DELAY must be >= RECONNECT_DELAY")
	}
	if c.Reconnect.FlapThreshold <= 0 {
		return fmt.Errorf("FLAP_THRESHOLD must be > 0")
	}
	if c.Reconnect.FlapWindow <= 0 {
		return fmt.Errorf("FLAP_WINDOW must be > 0")
	}
	if c.PairingTimeout <= 0 {
		return fmt.Errorf("PAIRING_TIMEOUT must be > 0")
	}
	if c.Readiness.Probe == "" {
		return fmt.Errorf("READY_PROBE cannot be empty")
	}
	if c.Readiness.MaxAttempts <= 0 {
		return fmt.Errorf("READY_MAX_ATTEMPTS must be > 0")
	}
	if c.Readiness.Interval <= 0 {
		return fmt.Errorf("READY_INTERVAL must be > 0")
	}
	if c.Readiness.Quiescence < 0 {
		return fmt.Errorf("QUIESCENCE_DELAY cannot be negative")
	}
	return nil
}

// ReadyBudget returns the worst-case time the readiness gate may wait.
func (c *Config) ReadyBudget() time.Duration {
	return time.Duration(c.Readiness.MaxAttempts) * c.Readiness.Interval
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

// getEnvDuration accepts Go duration strings ("250ms") or bare milliseconds ("250").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}

func getEnvLevel(key string, fallback slog.Level) slog.Level {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(value))); err != nil {
		return fallback
	}
	return level
}
