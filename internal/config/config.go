// Package config loads and validates application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Gateway settings.
	GatewayURL       string
	GatewayToken     string // Static bearer token; empty means a device JWT is minted instead.
	SessionKey       string
	HandshakeTimeout time.Duration
	RequestTimeout   time.Duration
	TurnTimeout      time.Duration

	// Device identity settings.
	DeviceName      string
	DeviceKeyPath   string // Path to Ed25519 private key PEM file; empty generates an ephemeral key.
	TokenExpiration time.Duration

	// Chat turn settings.
	Thinking string
	Model    string

	// Plan store settings.
	PlanStorePath     string // SQLite file path; empty keeps plans in memory.
	PlanMaxAge        time.Duration
	PlanSweepInterval time.Duration

	// Telegram approval settings.
	TelegramToken   string
	TelegramChatID  int64
	TelegramBaseURL string

	// Executor settings.
	CommandTimeout  time.Duration
	AllowedCommands []string // Permitted run_command prefixes.

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		GatewayURL:        envStr("HIBIKI_GATEWAY_URL", "ws://localhost:18789/gateway"),
		GatewayToken:      envStr("HIBIKI_GATEWAY_TOKEN", ""),
		SessionKey:        envStr("HIBIKI_SESSION_KEY", "main"),
		HandshakeTimeout:  envDuration("HIBIKI_HANDSHAKE_TIMEOUT", 10*time.Second),
		RequestTimeout:    envDuration("HIBIKI_REQUEST_TIMEOUT", 30*time.Second),
		TurnTimeout:       envDuration("HIBIKI_TURN_TIMEOUT", 2*time.Minute),
		DeviceName:        envStr("HIBIKI_DEVICE_NAME", "hibiki"),
		DeviceKeyPath:     envStr("HIBIKI_DEVICE_KEY", ""),
		TokenExpiration:   envDuration("HIBIKI_TOKEN_EXPIRATION", 24*time.Hour),
		Thinking:          envStr("HIBIKI_THINKING", ""),
		Model:             envStr("HIBIKI_MODEL", ""),
		PlanStorePath:     envStr("HIBIKI_PLAN_DB", ""),
		PlanMaxAge:        envDuration("HIBIKI_PLAN_MAX_AGE", time.Hour),
		PlanSweepInterval: envDuration("HIBIKI_PLAN_SWEEP_INTERVAL", 5*time.Minute),
		TelegramToken:     envStr("HIBIKI_TELEGRAM_TOKEN", ""),
		TelegramChatID:    envInt64("HIBIKI_TELEGRAM_CHAT_ID", 0),
		TelegramBaseURL:   envStr("HIBIKI_TELEGRAM_API", "https://api.telegram.org"),
		CommandTimeout:    envDuration("HIBIKI_COMMAND_TIMEOUT", 30*time.Second),
		AllowedCommands:   envList("HIBIKI_ALLOWED_COMMANDS", nil),
		OTELEndpoint:      envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:      envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:       envStr("OTEL_SERVICE_NAME", "hibiki"),
		LogLevel:          envStr("HIBIKI_LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present.
func (c Config) Validate() error {
	if c.GatewayURL == "" {
		return fmt.Errorf("config: HIBIKI_GATEWAY_URL is required")
	}
	if c.SessionKey == "" {
		return fmt.Errorf("config: HIBIKI_SESSION_KEY is required")
	}
	if c.PlanMaxAge <= 0 {
		return fmt.Errorf("config: HIBIKI_PLAN_MAX_AGE must be positive")
	}
	if c.CommandTimeout <= 0 {
		return fmt.Errorf("config: HIBIKI_COMMAND_TIMEOUT must be positive")
	}
	if c.TelegramToken != "" && c.TelegramChatID == 0 {
		return fmt.Errorf("config: HIBIKI_TELEGRAM_CHAT_ID is required when HIBIKI_TELEGRAM_TOKEN is set")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt64(key string, defaultVal int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func envList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
