// ABOUTME: Configuration loading and parsing for order-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable holding the config file path.
const EnvConfigPath = "ORDER_GATEWAY_CONFIG"

// Config represents the complete order-gateway configuration
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Tailscale    TailscaleConfig    `yaml:"tailscale"`
	Database     DatabaseConfig     `yaml:"database"`
	Auth         AuthConfig         `yaml:"auth"`
	Logging      LoggingConfig      `yaml:"logging"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	WhatsApp     WhatsAppConfig     `yaml:"whatsapp"`
	Catalog      CatalogConfig      `yaml:"catalog"`
	Conversation ConversationConfig `yaml:"conversation"`
	Workflow     WorkflowConfig     `yaml:"workflow"`
	Gate         GateConfig         `yaml:"gate"`
	Matrix       MatrixConfig       `yaml:"matrix"`
	Payments     PaymentsConfig     `yaml:"payments"`
}

// AuthConfig holds staff API authentication configuration
type AuthConfig struct {
	// JWTSecret enables bearer token auth on the staff API. Empty leaves the
	// API open, which is only accepted when it is served on the tailnet.
	JWTSecret string `yaml:"jwt_secret"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
	Funnel    bool   `yaml:"funnel"` // expose the webhook publicly through Funnel
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// WhatsAppConfig holds the Cloud API credentials and webhook secrets
type WhatsAppConfig struct {
	APIBaseURL  string `yaml:"api_base_url"`
	AccessToken string `yaml:"access_token"`
	AppSecret   string `yaml:"app_secret"`   // signs webhook payloads
	VerifyToken string `yaml:"verify_token"` // echoed during webhook subscription
	// DryRun logs outbound messages instead of calling the Cloud API.
	DryRun bool `yaml:"dry_run"`

	Timeout    time.Duration `yaml:"-"`
	TimeoutRaw string        `yaml:"timeout"`
}

// CatalogConfig points at the store catalog file
type CatalogConfig struct {
	Path string `yaml:"path"`
}

// ConversationConfig tunes the ordering dialogue
type ConversationConfig struct {
	IdleTimeout   time.Duration `yaml:"-"`
	SweepInterval time.Duration `yaml:"-"`
	DedupeTTL     time.Duration `yaml:"-"`

	PageSize      int     `yaml:"page_size"`
	RatePerSecond float64 `yaml:"rate_per_second"`
	RateBurst     int     `yaml:"rate_burst"`
	DedupeSize    int     `yaml:"dedupe_size"`

	// ButtonAllowList overrides, per flow, which button ids are accepted.
	ButtonAllowList map[string][]string `yaml:"button_allow_list"`

	// Raw string values for YAML unmarshaling
	IdleTimeoutRaw   string `yaml:"idle_timeout"`
	SweepIntervalRaw string `yaml:"sweep_interval"`
	DedupeTTLRaw     string `yaml:"dedupe_ttl"`
}

// WorkflowConfig tunes stage alerts and the deferred task runner
type WorkflowConfig struct {
	WarningFraction float64 `yaml:"warning_fraction"`
	BatchSize       int     `yaml:"batch_size"`

	PollInterval    time.Duration `yaml:"-"`
	PollIntervalRaw string        `yaml:"poll_interval"`
}

// GateConfig selects the per-customer lock backend
type GateConfig struct {
	Backend string      `yaml:"backend"` // memory | redis
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig holds the redis lock settings
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`

	LockTTL       time.Duration `yaml:"-"`
	RetryInterval time.Duration `yaml:"-"`

	LockTTLRaw       string `yaml:"lock_ttl"`
	RetryIntervalRaw string `yaml:"retry_interval"`
}

// MatrixConfig holds the staff alert room configuration
type MatrixConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Homeserver  string            `yaml:"homeserver"`
	UserID      string            `yaml:"user_id"`
	AccessToken string            `yaml:"access_token"`
	Rooms       map[string]string `yaml:"rooms"` // store id -> room id
	DefaultRoom string            `yaml:"default_room"`
}

// PaymentsConfig configures Pix payment links
type PaymentsConfig struct {
	// PixLinkTemplate builds the link sent to the customer; "{ref}" is
	// replaced by the payment reference. Empty asks for a receipt instead.
	PixLinkTemplate string `yaml:"pix_link_template"`
}

// Defaults
const (
	DefaultHTTPAddr        = "0.0.0.0:8080"
	DefaultIdleTimeout     = 10 * time.Minute
	DefaultSweepInterval   = time.Minute
	DefaultPageSize        = 8
	DefaultWarningFraction = 0.8
	DefaultPollInterval    = 5 * time.Second
	DefaultMetricsPath     = "/metrics"
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes, defaults and validates a YAML configuration.
func Parse(data []byte) (*Config, error) {
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

// DefaultPath returns the config path from ORDER_GATEWAY_CONFIG, falling back
// to $XDG_CONFIG_HOME/order-gateway/gateway.yaml.
func DefaultPath() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml"
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "order-gateway", "gateway.yaml")
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" && !c.Tailscale.Enabled {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
	if c.Conversation.IdleTimeout == 0 {
		c.Conversation.IdleTimeout = DefaultIdleTimeout
	}
	if c.Conversation.SweepInterval == 0 {
		c.Conversation.SweepInterval = DefaultSweepInterval
	}
	if c.Conversation.PageSize == 0 {
		c.Conversation.PageSize = DefaultPageSize
	}
	if c.Workflow.WarningFraction == 0 {
		c.Workflow.WarningFraction = DefaultWarningFraction
	}
	if c.Workflow.PollInterval == 0 {
		c.Workflow.PollInterval = DefaultPollInterval
	}
	if c.Gate.Backend == "" {
		c.Gate.Backend = "memory"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Catalog.Path == "" {
		return fmt.Errorf("catalog.path is required")
	}

	if !c.WhatsApp.DryRun && c.WhatsApp.AccessToken == "" {
		return fmt.Errorf("whatsapp.access_token is required (or set whatsapp.dry_run)")
	}
	if c.WhatsApp.AppSecret == "" {
		return fmt.Errorf("whatsapp.app_secret is required to verify webhook signatures")
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}
	if c.Auth.JWTSecret == "" && !c.Tailscale.Enabled {
		return fmt.Errorf("auth.jwt_secret is required unless the staff API is served on tailscale")
	}
	if c.Auth.JWTSecret == "" && c.Tailscale.Funnel {
		return fmt.Errorf("auth.jwt_secret is required when tailscale.funnel exposes the server publicly")
	}

	if c.Conversation.PageSize < 1 || c.Conversation.PageSize > 8 {
		return fmt.Errorf("conversation.page_size must be between 1 and 8")
	}
	if c.Conversation.RatePerSecond < 0 {
		return fmt.Errorf("conversation.rate_per_second must not be negative")
	}
	if c.Workflow.WarningFraction <= 0 || c.Workflow.WarningFraction >= 1 {
		return fmt.Errorf("workflow.warning_fraction must be between 0 and 1 exclusive")
	}

	switch c.Gate.Backend {
	case "memory":
	case "redis":
		if c.Gate.Redis.Addr == "" {
			return fmt.Errorf("gate.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("gate.backend must be memory or redis, got %q", c.Gate.Backend)
	}

	if c.Matrix.Enabled {
		if c.Matrix.Homeserver == "" || c.Matrix.UserID == "" || c.Matrix.AccessToken == "" {
			return fmt.Errorf("matrix.homeserver, matrix.user_id and matrix.access_token are required when matrix is enabled")
		}
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"whatsapp.timeout", cfg.WhatsApp.TimeoutRaw, &cfg.WhatsApp.Timeout},
		{"conversation.idle_timeout", cfg.Conversation.IdleTimeoutRaw, &cfg.Conversation.IdleTimeout},
		{"conversation.sweep_interval", cfg.Conversation.SweepIntervalRaw, &cfg.Conversation.SweepInterval},
		{"conversation.dedupe_ttl", cfg.Conversation.DedupeTTLRaw, &cfg.Conversation.DedupeTTL},
		{"workflow.poll_interval", cfg.Workflow.PollIntervalRaw, &cfg.Workflow.PollInterval},
		{"gate.redis.lock_ttl", cfg.Gate.Redis.LockTTLRaw, &cfg.Gate.Redis.LockTTL},
		{"gate.redis.retry_interval", cfg.Gate.Redis.RetryIntervalRaw, &cfg.Gate.Redis.RetryInterval},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %q", f.name, f.raw)
		}
		*f.dst = d
	}
	return nil
}
