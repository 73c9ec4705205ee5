// ABOUTME: Configuration loading and parsing for the inbox agent and simulator
// ABOUTME: YAML or TOML files with ${ENV} expansion, INBOX_* overrides and duration parsing

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix namespaces environment overrides, e.g. INBOX_SESSION_TOKEN.
const EnvPrefix = "INBOX_"

// Defaults applied by ApplyDefaults.
const (
	DefaultReconnectMinBackoff = 500 * time.Millisecond
	DefaultReconnectMaxBackoff = 30 * time.Second
	DefaultPingInterval        = 25 * time.Second
	DefaultRequestTimeout      = 10 * time.Second
	DefaultClaimTimeout        = 15 * time.Second
	DefaultAttentionWindow     = 5 * time.Minute
	DefaultSimulatorAddr       = "127.0.0.1:8088"
	DefaultSimulatorDatabase   = "./inbox-sim.db"
)

// Config represents the complete configuration shared by both binaries.
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server" envPrefix:"SERVER_"`
	Session   SessionConfig   `yaml:"session" toml:"session" envPrefix:"SESSION_"`
	Transport TransportConfig `yaml:"transport" toml:"transport" envPrefix:"TRANSPORT_"`
	Inbox     InboxConfig     `yaml:"inbox" toml:"inbox" envPrefix:"INBOX_"`
	Simulator SimulatorConfig `yaml:"simulator" toml:"simulator" envPrefix:"SIMULATOR_"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging" envPrefix:"LOGGING_"`
}

// ServerConfig locates the backend.
type ServerConfig struct {
	RESTURL string `yaml:"rest_url" toml:"rest_url" env:"REST_URL"`
	WSURL   string `yaml:"ws_url" toml:"ws_url" env:"WS_URL"`
}

// SessionConfig identifies the agent. Token is preferred; with only
// TokenSecret set, the agent mints its own token (simulator use).
type SessionConfig struct {
	WorkspaceID string `yaml:"workspace_id" toml:"workspace_id" env:"WORKSPACE_ID"`
	BotID       string `yaml:"bot_id" toml:"bot_id" env:"BOT_ID"`
	AgentUserID string `yaml:"agent_user_id" toml:"agent_user_id" env:"AGENT_USER_ID"`
	Token       string `yaml:"token" toml:"token" env:"TOKEN"`
	TokenSecret string `yaml:"token_secret" toml:"token_secret" env:"TOKEN_SECRET"`
}

// TransportConfig holds realtime connection timing.
type TransportConfig struct {
	ReconnectMinBackoff time.Duration `yaml:"-" toml:"-"`
	ReconnectMaxBackoff time.Duration `yaml:"-" toml:"-"`
	PingInterval        time.Duration `yaml:"-" toml:"-"`
	RequestTimeout      time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	ReconnectMinBackoffRaw string `yaml:"reconnect_min_backoff" toml:"reconnect_min_backoff" env:"RECONNECT_MIN_BACKOFF"`
	ReconnectMaxBackoffRaw string `yaml:"reconnect_max_backoff" toml:"reconnect_max_backoff" env:"RECONNECT_MAX_BACKOFF"`
	PingIntervalRaw        string `yaml:"ping_interval" toml:"ping_interval" env:"PING_INTERVAL"`
	RequestTimeoutRaw      string `yaml:"request_timeout" toml:"request_timeout" env:"REQUEST_TIMEOUT"`
}

// InboxConfig holds session engine timing.
type InboxConfig struct {
	ClaimTimeout    time.Duration `yaml:"-" toml:"-"`
	AttentionWindow time.Duration `yaml:"-" toml:"-"`

	ClaimTimeoutRaw    string `yaml:"claim_timeout" toml:"claim_timeout" env:"CLAIM_TIMEOUT"`
	AttentionWindowRaw string `yaml:"attention_window" toml:"attention_window" env:"ATTENTION_WINDOW"`
}

// SimulatorConfig configures the development backend.
type SimulatorConfig struct {
	Addr         string `yaml:"addr" toml:"addr" env:"ADDR"`
	DatabasePath string `yaml:"database_path" toml:"database_path" env:"DATABASE_PATH"`
	JWTSecret    string `yaml:"jwt_secret" toml:"jwt_secret" env:"JWT_SECRET"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level" env:"LEVEL"`
	Format string `yaml:"format" toml:"format" env:"FORMAT"`
}

// Load reads a configuration file. Files ending in .toml are decoded as
// TOML, anything else as YAML. ${VAR_NAME} references are expanded first,
// then INBOX_* environment variables override individual fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := finish(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromEnv builds a configuration from INBOX_* variables alone.
func FromEnv() (*Config, error) {
	var cfg Config
	if err := finish(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func finish(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("reading environment overrides: %w", err)
	}
	if err := parseDurations(cfg); err != nil {
		return fmt.Errorf("parsing durations: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}
	return nil
}

var envRef = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envRef.FindStringSubmatch(match)[1])
	})
}

// ApplyDefaults fills every unset duration, address and logging option.
func (c *Config) ApplyDefaults() {
	setDefault(&c.Transport.ReconnectMinBackoff, DefaultReconnectMinBackoff)
	setDefault(&c.Transport.ReconnectMaxBackoff, DefaultReconnectMaxBackoff)
	setDefault(&c.Transport.PingInterval, DefaultPingInterval)
	setDefault(&c.Transport.RequestTimeout, DefaultRequestTimeout)
	setDefault(&c.Inbox.ClaimTimeout, DefaultClaimTimeout)
	setDefault(&c.Inbox.AttentionWindow, DefaultAttentionWindow)

	if c.Simulator.Addr == "" {
		c.Simulator.Addr = DefaultSimulatorAddr
	}
	if c.Simulator.DatabasePath == "" {
		c.Simulator.DatabasePath = DefaultSimulatorDatabase
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

func setDefault(d *time.Duration, v time.Duration) {
	if *d == 0 {
		*d = v
	}
}

// Validate checks settings shared by both binaries and returns the first
// failure encountered.
func (c *Config) Validate() error {
	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"transport.reconnect_min_backoff", c.Transport.ReconnectMinBackoff},
		{"transport.reconnect_max_backoff", c.Transport.ReconnectMaxBackoff},
		{"transport.ping_interval", c.Transport.PingInterval},
		{"transport.request_timeout", c.Transport.RequestTimeout},
		{"inbox.claim_timeout", c.Inbox.ClaimTimeout},
		{"inbox.attention_window", c.Inbox.AttentionWindow},
	} {
		if d.value < 0 {
			return fmt.Errorf("%s must not be negative", d.name)
		}
	}
	if c.Transport.ReconnectMaxBackoff != 0 && c.Transport.ReconnectMaxBackoff < c.Transport.ReconnectMinBackoff {
		return fmt.Errorf("transport.reconnect_max_backoff must be >= reconnect_min_backoff")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q must be one of debug, info, warn, error", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format %q must be text or json", c.Logging.Format)
	}
	return nil
}

// ValidateAgent checks what the interactive agent needs on top of Validate.
func (c *Config) ValidateAgent() error {
	if err := checkURL("server.rest_url", c.Server.RESTURL, "http", "https"); err != nil {
		return err
	}
	if err := checkURL("server.ws_url", c.Server.WSURL, "ws", "wss"); err != nil {
		return err
	}
	if c.Session.WorkspaceID == "" {
		return fmt.Errorf("session.workspace_id is required")
	}
	if c.Session.BotID == "" {
		return fmt.Errorf("session.bot_id is required")
	}
	if c.Session.Token == "" {
		if c.Session.TokenSecret == "" {
			return fmt.Errorf("session.token is required (or set session.token_secret with session.agent_user_id)")
		}
		if c.Session.AgentUserID == "" {
			return fmt.Errorf("session.agent_user_id is required when minting a token from session.token_secret")
		}
	}
	return nil
}

// ValidateSimulator checks what the simulator needs on top of Validate.
func (c *Config) ValidateSimulator() error {
	if c.Simulator.Addr == "" {
		return fmt.Errorf("simulator.addr is required")
	}
	if c.Simulator.DatabasePath == "" {
		return fmt.Errorf("simulator.database_path is required")
	}
	if len(c.Simulator.JWTSecret) < 16 {
		return fmt.Errorf("simulator.jwt_secret must be at least 16 bytes")
	}
	return nil
}

func checkURL(name, raw string, schemes ...string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", name)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", name, err)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("%s must use %s scheme", name, strings.Join(schemes, " or "))
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	for _, f := range []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"reconnect_min_backoff", cfg.Transport.ReconnectMinBackoffRaw, &cfg.Transport.ReconnectMinBackoff},
		{"reconnect_max_backoff", cfg.Transport.ReconnectMaxBackoffRaw, &cfg.Transport.ReconnectMaxBackoff},
		{"ping_interval", cfg.Transport.PingIntervalRaw, &cfg.Transport.PingInterval},
		{"request_timeout", cfg.Transport.RequestTimeoutRaw, &cfg.Transport.RequestTimeout},
		{"claim_timeout", cfg.Inbox.ClaimTimeoutRaw, &cfg.Inbox.ClaimTimeout},
		{"attention_window", cfg.Inbox.AttentionWindowRaw, &cfg.Inbox.AttentionWindow},
	} {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

// Path returns the config file location.
// Priority: INBOX_CONFIG env var > XDG_CONFIG_HOME/coven-inbox/config.yaml > ~/.config/coven-inbox/config.yaml
func Path() string {
	if envPath := os.Getenv("INBOX_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "coven-inbox", "config.yaml")
}

// LoadOrEnv loads path when it exists and falls back to FromEnv when it
// does not.
func LoadOrEnv(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return FromEnv()
	}
	return Load(path)
}
