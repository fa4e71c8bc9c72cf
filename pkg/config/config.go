// Package config loads SafeRun configuration from environment variables,
// optionally overlaid by a YAML profile file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port     string
	LogLevel string

	// Storage
	DatabaseURL    string
	StorageBackend string // "postgres" or "sqlite"
	SQLitePath     string

	// Crypto
	EncryptionKey string // base64 of 32 bytes; boot fails if absent

	// Rate limiting
	RateLimitWindow  time.Duration
	RateLimitMax     int
	RateLimitBackend string // "memory" or "redis"
	RedisURL         string

	// Base URLs embedded in approve/revert links
	AppBaseURL     string
	ApproveBaseURL string
	RevertBaseURL  string

	// GitHub App
	GitHubAppID         string
	GitHubPrivateKeyPEM string
	GitHubWebhookSecret string
	GitHubBotLogin      string

	// Slack
	SlackSigningSecret string
	SlackClientID      string
	SlackClientSecret  string
	SlackAdminUsers    []string

	// SMTP (optional email channel)
	SMTPHost string
	SMTPPort int
	SMTPFrom string
	SMTPUser string
	SMTPPass string

	// Default policy rule set as JSON; empty means built-in default.
	DefaultPolicyJSON string

	// Provider call timeout
	ProviderTimeout time.Duration

	// Expiry scheduler period
	SweepInterval time.Duration
}

// Load reads configuration from environment variables with defaults.
// It does not validate the encryption key; the vault does that at boot.
func Load() *Config {
	cfg := &Config{
		Port:             getenv("PORT", "8080"),
		LogLevel:         getenv("LOG_LEVEL", "INFO"),
		DatabaseURL:      getenv("DATABASE_URL", "postgres://saferun@localhost:5432/saferun?sslmode=disable"),
		StorageBackend:   getenv("SAFERUN_STORAGE_BACKEND", "postgres"),
		SQLitePath:       getenv("SAFERUN_SQLITE_PATH", "saferun.db"),
		EncryptionKey:    os.Getenv("SAFERUN_ENCRYPTION_KEY"),
		RateLimitWindow:  getenvDuration("SAFERUN_RATELIMIT_WINDOW", time.Minute),
		RateLimitMax:     getenvInt("SAFERUN_RATELIMIT_MAX", 60),
		RateLimitBackend: getenv("SAFERUN_RATELIMIT_BACKEND", "memory"),
		RedisURL:         os.Getenv("REDIS_URL"),
		AppBaseURL:       getenv("SAFERUN_APP_BASE_URL", "http://localhost:8080"),

		GitHubAppID:         os.Getenv("GITHUB_APP_ID"),
		GitHubPrivateKeyPEM: os.Getenv("GITHUB_APP_PRIVATE_KEY"),
		GitHubWebhookSecret: os.Getenv("GITHUB_WEBHOOK_SECRET"),
		GitHubBotLogin:      getenv("SAFERUN_GITHUB_BOT_LOGIN", "saferun-app[bot]"),

		SlackSigningSecret: os.Getenv("SLACK_SIGNING_SECRET"),
		SlackClientID:      os.Getenv("SLACK_CLIENT_ID"),
		SlackClientSecret:  os.Getenv("SLACK_CLIENT_SECRET"),

		SMTPHost: os.Getenv("SMTP_HOST"),
		SMTPPort: getenvInt("SMTP_PORT", 587),
		SMTPFrom: os.Getenv("SMTP_FROM"),
		SMTPUser: os.Getenv("SMTP_USER"),
		SMTPPass: os.Getenv("SMTP_PASS"),

		DefaultPolicyJSON: os.Getenv("SAFERUN_DEFAULT_POLICY"),
		ProviderTimeout:   getenvDuration("SAFERUN_PROVIDER_TIMEOUT", 15*time.Second),
		SweepInterval:     getenvDuration("SAFERUN_SWEEP_INTERVAL", 5*time.Minute),
	}

	cfg.ApproveBaseURL = getenv("SAFERUN_APPROVE_BASE_URL", cfg.AppBaseURL+"/approvals")
	cfg.RevertBaseURL = getenv("SAFERUN_REVERT_BASE_URL", cfg.AppBaseURL+"/v1/revert")

	if admins := os.Getenv("SLACK_ADMIN_USERS"); admins != "" {
		for _, u := range strings.Split(admins, ",") {
			if u = strings.TrimSpace(u); u != "" {
				cfg.SlackAdminUsers = append(cfg.SlackAdminUsers, u)
			}
		}
	}

	return cfg
}

// Validate checks settings whose absence must fail boot.
func (c *Config) Validate() error {
	if c.EncryptionKey == "" {
		return fmt.Errorf("config: SAFERUN_ENCRYPTION_KEY is required")
	}
	switch c.StorageBackend {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("config: unknown storage backend %q", c.StorageBackend)
	}
	switch c.RateLimitBackend {
	case "memory":
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("config: REDIS_URL is required for the redis rate-limit backend")
		}
	default:
		return fmt.Errorf("config: unknown rate-limit backend %q", c.RateLimitBackend)
	}
	return nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
