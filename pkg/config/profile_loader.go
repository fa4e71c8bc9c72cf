package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Profile is an optional YAML overlay for settings that are awkward as
// environment variables: notification defaults and the default policy rule
// set. Env vars win over the profile.
type Profile struct {
	Notifications NotificationDefaults `yaml:"notifications" json:"notifications"`
	Policy        PolicyDefaults       `yaml:"policy" json:"policy"`
	Limits        LimitsConfig         `yaml:"limits" json:"limits"`
}

// NotificationDefaults are the global fallbacks used when a tenant has no
// settings row of its own.
type NotificationDefaults struct {
	SlackChannel      string `yaml:"slack_channel" json:"slack_channel"`
	SlackWebhookURL   string `yaml:"slack_webhook_url,omitempty" json:"slack_webhook_url,omitempty"`
	GenericWebhookURL string `yaml:"generic_webhook_url,omitempty" json:"generic_webhook_url,omitempty"`
}

// PolicyDefaults carries the default rule set applied when a dry-run
// supplies none.
type PolicyDefaults struct {
	Mode  string           `yaml:"mode" json:"mode"` // "ANY" | "ALL"
	Rules []map[string]any `yaml:"rules" json:"rules"`
}

// LimitsConfig tunes request admission. The window is a Go duration
// string, e.g. "30s".
type LimitsConfig struct {
	RateLimitMax    int    `yaml:"rate_limit_max,omitempty" json:"rate_limit_max,omitempty"`
	RateLimitWindow string `yaml:"rate_limit_window,omitempty" json:"rate_limit_window,omitempty"`
}

// Window parses the configured rate-limit window; zero when absent or
// malformed.
func (l LimitsConfig) Window() time.Duration {
	d, err := time.ParseDuration(l.RateLimitWindow)
	if err != nil {
		return 0
	}
	return d
}

// LoadProfile reads a YAML profile file. A missing path is not an error;
// callers get a nil profile and keep env-only configuration.
func LoadProfile(path string) (*Profile, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("load profile %q: %w", path, err)
	}

	var profile Profile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", path, err)
	}
	if profile.Policy.Mode == "" {
		profile.Policy.Mode = "ANY"
	}
	return &profile, nil
}

// Apply overlays profile values onto a Config, without overriding values
// already set from the environment.
func (p *Profile) Apply(cfg *Config) {
	if p == nil {
		return
	}
	if p.Limits.RateLimitMax > 0 && os.Getenv("SAFERUN_RATELIMIT_MAX") == "" {
		cfg.RateLimitMax = p.Limits.RateLimitMax
	}
	if w := p.Limits.Window(); w > 0 && os.Getenv("SAFERUN_RATELIMIT_WINDOW") == "" {
		cfg.RateLimitWindow = w
	}
}
