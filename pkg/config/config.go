// Package config provides configuration file support for packfetch.
package config

import (
	"fmt"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/packfetch/packfetch/pkg/fsutil"
)

// DefaultFile is the config file looked up when no path is given.
const DefaultFile = "packfetch.yaml"

// EnvPrefix prefixes environment overrides, e.g. PACKFETCH_REMOTE_URL.
const EnvPrefix = "PACKFETCH"

// Config represents the packfetch configuration.
type Config struct {
	RemoteURL    string        `yaml:"remote_url" mapstructure:"remote_url"`
	LocalDir     string        `yaml:"local_dir" mapstructure:"local_dir"`
	MountPoint   string        `yaml:"mount_point" mapstructure:"mount_point"`
	Manifest     string        `yaml:"manifest" mapstructure:"manifest"`
	StateFile    string        `yaml:"state_file" mapstructure:"state_file"`
	Journal      string        `yaml:"journal,omitempty" mapstructure:"journal"`
	TickInterval string        `yaml:"tick_interval" mapstructure:"tick_interval"`
	StallTimeout string        `yaml:"stall_timeout,omitempty" mapstructure:"stall_timeout"`
	Logging      LoggingConfig `yaml:"logging" mapstructure:"logging"`
	Metrics      MetricsConfig `yaml:"metrics" mapstructure:"metrics"`
	Webhook      WebhookConfig `yaml:"webhook,omitempty" mapstructure:"webhook"`
}

// LoggingConfig configures logging behavior.
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"` // json, text
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Addr    string `yaml:"addr" mapstructure:"addr"`
}

// WebhookConfig configures forwarding of pack events to an HTTP endpoint.
type WebhookConfig struct {
	URL     string   `yaml:"url,omitempty" mapstructure:"url"`
	Secret  string   `yaml:"secret,omitempty" mapstructure:"secret"`
	Events  []string `yaml:"events,omitempty" mapstructure:"events"`
	Timeout string   `yaml:"timeout,omitempty" mapstructure:"timeout"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		LocalDir:     "packs",
		MountPoint:   "Data/",
		Manifest:     "packs.yaml",
		StateFile:    "packs/state.yaml",
		TickInterval: "50ms",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Addr: "127.0.0.1:9464",
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("remote_url", d.RemoteURL)
	v.SetDefault("local_dir", d.LocalDir)
	v.SetDefault("mount_point", d.MountPoint)
	v.SetDefault("manifest", d.Manifest)
	v.SetDefault("state_file", d.StateFile)
	v.SetDefault("journal", d.Journal)
	v.SetDefault("tick_interval", d.TickInterval)
	v.SetDefault("stall_timeout", d.StallTimeout)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.addr", d.Metrics.Addr)
	v.SetDefault("webhook.url", d.Webhook.URL)
	v.SetDefault("webhook.secret", d.Webhook.Secret)
	v.SetDefault("webhook.events", d.Webhook.Events)
	v.SetDefault("webhook.timeout", d.Webhook.Timeout)
}

// Load reads configuration from path, layered over defaults and under
// PACKFETCH_* environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// Save writes configuration to path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := fsutil.AtomicWrite(path, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// Tick returns the update interval.
func (c *Config) Tick() time.Duration {
	d, err := time.ParseDuration(c.TickInterval)
	if err != nil || d <= 0 {
		return 50 * time.Millisecond
	}
	return d
}

// Stall returns the stall timeout, zero when disabled.
func (c *Config) Stall() time.Duration {
	if c.StallTimeout == "" {
		return 0
	}
	d, err := time.ParseDuration(c.StallTimeout)
	if err != nil || d < 0 {
		return 0
	}
	return d
}

// WebhookTimeout returns the per-request webhook timeout.
func (c *Config) WebhookTimeout() time.Duration {
	d, err := time.ParseDuration(c.Webhook.Timeout)
	if err != nil || d <= 0 {
		return 10 * time.Second
	}
	return d
}

var keySetters = map[string]func(c *Config, value string) error{
	"remote_url":    func(c *Config, v string) error { c.RemoteURL = v; return nil },
	"local_dir":     func(c *Config, v string) error { c.LocalDir = v; return nil },
	"mount_point":   func(c *Config, v string) error { c.MountPoint = v; return nil },
	"manifest":      func(c *Config, v string) error { c.Manifest = v; return nil },
	"state_file":    func(c *Config, v string) error { c.StateFile = v; return nil },
	"journal":       func(c *Config, v string) error { c.Journal = v; return nil },
	"tick_interval": func(c *Config, v string) error { c.TickInterval = v; return nil },
	"stall_timeout": func(c *Config, v string) error { c.StallTimeout = v; return nil },
	"logging.level": func(c *Config, v string) error { c.Logging.Level = v; return nil },
	"logging.format": func(c *Config, v string) error {
		c.Logging.Format = v
		return nil
	},
	"metrics.enabled": func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("metrics.enabled must be true or false: %w", err)
		}
		c.Metrics.Enabled = b
		return nil
	},
	"metrics.addr": func(c *Config, v string) error { c.Metrics.Addr = v; return nil },
	"webhook.url":  func(c *Config, v string) error { c.Webhook.URL = v; return nil },
}

// Keys returns the settable configuration keys in sorted order.
func Keys() []string {
	keys := make([]string, 0, len(keySetters))
	for k := range keySetters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Set assigns a single key and validates the result.
func (c *Config) Set(key, value string) error {
	set, ok := keySetters[key]
	if !ok {
		return fmt.Errorf("unknown config key: %s", key)
	}
	prev := *c
	if err := set(c, value); err != nil {
		return err
	}
	if err := c.Validate(); err != nil {
		*c = prev
		return err
	}
	return nil
}

// Get returns a single key as text.
func (c *Config) Get(key string) (string, error) {
	switch key {
	case "remote_url":
		return c.RemoteURL, nil
	case "local_dir":
		return c.LocalDir, nil
	case "mount_point":
		return c.MountPoint, nil
	case "manifest":
		return c.Manifest, nil
	case "state_file":
		return c.StateFile, nil
	case "journal":
		return c.Journal, nil
	case "tick_interval":
		return c.TickInterval, nil
	case "stall_timeout":
		return c.StallTimeout, nil
	case "logging.level":
		return c.Logging.Level, nil
	case "logging.format":
		return c.Logging.Format, nil
	case "metrics.enabled":
		return strconv.FormatBool(c.Metrics.Enabled), nil
	case "metrics.addr":
		return c.Metrics.Addr, nil
	case "webhook.url":
		return c.Webhook.URL, nil
	default:
		return "", fmt.Errorf("unknown config key: %s", key)
	}
}

// Validate checks values that would otherwise fail late at runtime.
func (c *Config) Validate() error {
	if c.RemoteURL != "" {
		u, err := url.Parse(c.RemoteURL)
		if err != nil {
			return fmt.Errorf("invalid remote_url: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("invalid remote_url scheme %q (must be http or https)", u.Scheme)
		}
	}
	if c.TickInterval != "" {
		if d, err := time.ParseDuration(c.TickInterval); err != nil || d <= 0 {
			return fmt.Errorf("invalid tick_interval: %s", c.TickInterval)
		}
	}
	if c.StallTimeout != "" {
		if d, err := time.ParseDuration(c.StallTimeout); err != nil || d < 0 {
			return fmt.Errorf("invalid stall_timeout: %s", c.StallTimeout)
		}
	}
	switch c.Logging.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}
	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}
	return nil
}

// RemoteBase returns RemoteURL with a trailing slash so pack names can be
// appended directly.
func (c *Config) RemoteBase() string {
	if c.RemoteURL == "" || strings.HasSuffix(c.RemoteURL, "/") {
		return c.RemoteURL
	}
	return c.RemoteURL + "/"
}
