package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration for carelink-sync.
//
// The auth token itself is never stored here; AuthTokenEnv names the
// environment variable it is read from.
type Config struct {
	// ServerBaseURL is the http(s) base of the CareLink API.
	ServerBaseURL string `yaml:"server_base_url"`
	// StreamURL is the ws(s) push endpoint. If empty it is derived
	// from ServerBaseURL.
	StreamURL string `yaml:"stream_url,omitempty"`
	// AuthTokenEnv names the env var holding the bearer token.
	AuthTokenEnv string `yaml:"auth_token_env,omitempty"`

	// StateDir is where local state (the sqlite store) lives.
	// If empty, a per-user default is used.
	StateDir string `yaml:"state_dir,omitempty"`

	SyncIntervalSeconds    int `yaml:"sync_interval_seconds,omitempty"`
	PollIntervalSeconds    int `yaml:"poll_interval_seconds,omitempty"`
	ReconnectDelaySeconds  int `yaml:"reconnect_delay_seconds,omitempty"`
	ProbeIntervalSeconds   int `yaml:"probe_interval_seconds,omitempty"`
	PullNotificationsLimit int `yaml:"pull_notifications_limit,omitempty"`

	// LogFormat is "json" or "text".
	LogFormat string `yaml:"log_format,omitempty"`
	// LogLevel is "debug|info|warn|error".
	LogLevel string `yaml:"log_level,omitempty"`
}

const defaultAuthTokenEnv = "CARELINK_TOKEN"

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	base := strings.TrimSpace(c.ServerBaseURL)
	if base == "" {
		return errors.New("missing server_base_url")
	}
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		return fmt.Errorf("invalid server_base_url: %q", c.ServerBaseURL)
	}
	if s := strings.TrimSpace(c.StreamURL); s != "" {
		if !strings.HasPrefix(s, "ws://") && !strings.HasPrefix(s, "wss://") {
			return fmt.Errorf("invalid stream_url: %q", c.StreamURL)
		}
	}
	for name, v := range map[string]int{
		"sync_interval_seconds":    c.SyncIntervalSeconds,
		"poll_interval_seconds":    c.PollIntervalSeconds,
		"reconnect_delay_seconds":  c.ReconnectDelaySeconds,
		"probe_interval_seconds":   c.ProbeIntervalSeconds,
		"pull_notifications_limit": c.PullNotificationsLimit,
	} {
		if v < 0 {
			return fmt.Errorf("negative %s", name)
		}
	}
	switch strings.TrimSpace(c.LogFormat) {
	case "", "json", "text":
	default:
		return fmt.Errorf("invalid log_format: %q", c.LogFormat)
	}
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level: %q", c.LogLevel)
	}
	return nil
}

// TokenEnv returns the env var name the bearer token is read from.
func (c *Config) TokenEnv() string {
	if c == nil || strings.TrimSpace(c.AuthTokenEnv) == "" {
		return defaultAuthTokenEnv
	}
	return strings.TrimSpace(c.AuthTokenEnv)
}

// EffectiveStreamURL returns StreamURL, or one derived from
// ServerBaseURL by swapping the scheme and appending /rt/stream.
func (c *Config) EffectiveStreamURL() string {
	if c == nil {
		return ""
	}
	if s := strings.TrimSpace(c.StreamURL); s != "" {
		return s
	}
	base := strings.TrimSpace(c.ServerBaseURL)
	base = strings.TrimRight(base, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://") + "/rt/stream"
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://") + "/rt/stream"
	}
	return ""
}

// EffectiveStateDir returns StateDir, or ~/.carelink-sync.
func (c *Config) EffectiveStateDir() string {
	if c != nil && strings.TrimSpace(c.StateDir) != "" {
		return strings.TrimSpace(c.StateDir)
	}
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return ".carelink-sync"
	}
	return filepath.Join(home, ".carelink-sync")
}

func secondsOr(v int, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v) * time.Second
}

func (c *Config) SyncInterval() time.Duration {
	return secondsOr(c.SyncIntervalSeconds, 30*time.Second)
}

func (c *Config) PollInterval() time.Duration {
	return secondsOr(c.PollIntervalSeconds, 15*time.Second)
}

func (c *Config) ReconnectDelay() time.Duration {
	return secondsOr(c.ReconnectDelaySeconds, 5*time.Second)
}

func (c *Config) ProbeInterval() time.Duration {
	return secondsOr(c.ProbeIntervalSeconds, 10*time.Second)
}

func (c *Config) NotificationsLimit() int {
	if c == nil || c.PullNotificationsLimit <= 0 {
		return 20
	}
	return c.PullNotificationsLimit
}

// DefaultConfigPath returns the default config path:
//
//	~/.carelink-sync/config.yaml
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "carelink-sync.config.yaml"
	}
	return filepath.Join(home, ".carelink-sync", "config.yaml")
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	// Write atomically.
	tmp := path + ".tmp"
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
