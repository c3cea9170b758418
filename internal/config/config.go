// ABOUTME: Configuration loading and parsing for supportchat
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete supportchat configuration
type Config struct {
	Database    DatabaseConfig    `yaml:"database"`
	Auth        AuthConfig        `yaml:"auth"`
	Attachments AttachmentsConfig `yaml:"attachments"`
	Presence    PresenceConfig    `yaml:"presence"`
	Relay       RelayConfig       `yaml:"relay"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// AttachmentsConfig holds attachment storage configuration
type AttachmentsConfig struct {
	Root          string `yaml:"root"`
	BaseURL       string `yaml:"base_url"`
	SigningSecret string `yaml:"signing_secret"`

	URLTTL    time.Duration `yaml:"-"`
	URLTTLRaw string        `yaml:"url_ttl"`
}

// PresenceConfig holds typing indicator tuning and the optional Redis
// transport used to fan typing events out across processes.
type PresenceConfig struct {
	DebounceWindow    time.Duration `yaml:"-"`
	TypingTTL         time.Duration `yaml:"-"`
	DebounceWindowRaw string        `yaml:"debounce_window"`
	TypingTTLRaw      string        `yaml:"typing_ttl"`

	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig holds the optional Redis presence transport configuration
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// RelayConfig holds the optional message mirror configuration
type RelayConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Exchange      string `yaml:"exchange"`
	RetryAttempts int    `yaml:"retry_attempts"`

	RetryDelay    time.Duration `yaml:"-"`
	RetryDelayRaw string        `yaml:"retry_delay"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults applied when the corresponding field is absent.
const (
	DefaultDebounceWindow = 1500 * time.Millisecond
	DefaultTypingTTL      = 3 * time.Second
	DefaultURLTTL         = 15 * time.Minute
	DefaultRetryAttempts  = 5
	DefaultRetryDelay     = time.Second
	DefaultExchange       = "support"
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.Attachments.Root != "" && c.Attachments.SigningSecret == "" {
		return fmt.Errorf("attachments.signing_secret is required when attachments.root is set")
	}
	if c.Presence.Redis.Enabled && c.Presence.Redis.Addr == "" {
		return fmt.Errorf("presence.redis.addr is required when redis is enabled")
	}
	if c.Relay.Enabled && c.Relay.URL == "" {
		return fmt.Errorf("relay.url is required when relay is enabled")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Presence.DebounceWindow == 0 {
		c.Presence.DebounceWindow = DefaultDebounceWindow
	}
	if c.Presence.TypingTTL == 0 {
		c.Presence.TypingTTL = DefaultTypingTTL
	}
	if c.Attachments.URLTTL == 0 {
		c.Attachments.URLTTL = DefaultURLTTL
	}
	if c.Relay.RetryAttempts == 0 {
		c.Relay.RetryAttempts = DefaultRetryAttempts
	}
	if c.Relay.RetryDelay == 0 {
		c.Relay.RetryDelay = DefaultRetryDelay
	}
	if c.Relay.Exchange == "" {
		c.Relay.Exchange = DefaultExchange
	}
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Presence.DebounceWindowRaw != "" {
		cfg.Presence.DebounceWindow, err = time.ParseDuration(cfg.Presence.DebounceWindowRaw)
		if err != nil {
			return fmt.Errorf("parsing debounce_window %q: %w", cfg.Presence.DebounceWindowRaw, err)
		}
	}

	if cfg.Presence.TypingTTLRaw != "" {
		cfg.Presence.TypingTTL, err = time.ParseDuration(cfg.Presence.TypingTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing typing_ttl %q: %w", cfg.Presence.TypingTTLRaw, err)
		}
	}

	if cfg.Attachments.URLTTLRaw != "" {
		cfg.Attachments.URLTTL, err = time.ParseDuration(cfg.Attachments.URLTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing url_ttl %q: %w", cfg.Attachments.URLTTLRaw, err)
		}
	}

	if cfg.Relay.RetryDelayRaw != "" {
		cfg.Relay.RetryDelay, err = time.ParseDuration(cfg.Relay.RetryDelayRaw)
		if err != nil {
			return fmt.Errorf("parsing retry_delay %q: %w", cfg.Relay.RetryDelayRaw, err)
		}
	}

	return nil
}
