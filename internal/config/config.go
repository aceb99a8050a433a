package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zoptal/mailflow/internal/message"
)

// Config is the main configuration structure
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	API         APIConfig         `yaml:"api"`
	Storage     StorageConfig     `yaml:"storage"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Dispatch    DispatchConfig    `yaml:"dispatch"`
	Templates   TemplatesConfig   `yaml:"templates"`
	Directory   DirectoryConfig   `yaml:"directory"`
	Suppression SuppressionConfig `yaml:"suppression"`
	Automation  AutomationConfig  `yaml:"automation"`
	Campaigns   CampaignsConfig   `yaml:"campaigns"`
}

// ServerConfig contains server-wide settings
type ServerConfig struct {
	Name string `yaml:"name"` // Instance name used in logs
}

// APIConfig contains HTTP API settings
type APIConfig struct {
	ListenAddr     string        `yaml:"listen_addr"`
	APIKey         string        `yaml:"api_key"`
	APIKeyHash     string        `yaml:"api_key_hash"`     // bcrypt hash, takes precedence over api_key
	MaxHeaderBytes int           `yaml:"max_header_bytes"` // Max HTTP header size (default: 1MB)
	ReadTimeout    time.Duration `yaml:"read_timeout"`     // HTTP read timeout (default: 30s)
	WriteTimeout   time.Duration `yaml:"write_timeout"`    // HTTP write timeout (default: 30s)
	IdleTimeout    time.Duration `yaml:"idle_timeout"`     // HTTP idle timeout (default: 60s)
}

// StorageConfig contains storage settings
type StorageConfig struct {
	Path      string           `yaml:"path"`
	Retention *RetentionConfig `yaml:"retention"` // Message retention settings
}

// RetentionConfig contains message retention settings
type RetentionConfig struct {
	MaxAge          time.Duration `yaml:"max_age"`          // Delete finished messages older than this (0 = keep forever)
	CleanupInterval time.Duration `yaml:"cleanup_interval"` // How often to run cleanup
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled       bool          `yaml:"enabled"`
	ListenAddr    string        `yaml:"listen_addr"`    // Default: :9090
	Path          string        `yaml:"path"`           // Default: /metrics
	FlushInterval time.Duration `yaml:"flush_interval"` // Default: 10s
	AllowedIPs    []string      `yaml:"allowed_ips"`    // IP addresses/CIDRs allowed to access metrics
}

// DispatchConfig contains message delivery settings
type DispatchConfig struct {
	Workers         int              `yaml:"workers"`
	DeliveryTimeout time.Duration    `yaml:"delivery_timeout"`
	DefaultFrom     string           `yaml:"default_from"`
	DefaultFromName string           `yaml:"default_from_name"`
	Transport       string           `yaml:"transport"` // simulated, smtp
	Simulation      SimulationConfig `yaml:"simulation"`
	SMTP            SMTPConfig       `yaml:"smtp"`
	DKIM            DKIMConfig       `yaml:"dkim"`
}

// SimulationConfig contains simulated transport settings
type SimulationConfig struct {
	MaxSubmitDelay   time.Duration `yaml:"max_submit_delay"`
	MaxConfirmDelay  time.Duration `yaml:"max_confirm_delay"`
	ErrorProbability float64       `yaml:"error_probability"`
}

// SMTPConfig contains relay settings for the smtp transport
type SMTPConfig struct {
	Addr     string        `yaml:"addr"`
	Helo     string        `yaml:"helo"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	StartTLS bool          `yaml:"starttls"`
	Timeout  time.Duration `yaml:"timeout"`
}

// DKIMConfig contains DKIM signing settings
type DKIMConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Selector string `yaml:"selector"`
	KeyFile  string `yaml:"key_file"`
	Domain   string `yaml:"domain"`
}

// TemplatesConfig contains rendering settings
type TemplatesConfig struct {
	// StrictRequired makes rendering fail on missing required variables.
	// Pointer so an explicit false survives defaulting.
	StrictRequired *bool `yaml:"strict_required"`
}

// DirectoryConfig points at the contacts file
type DirectoryConfig struct {
	Path  string `yaml:"path"`
	Watch bool   `yaml:"watch"`
}

// SuppressionConfig selects the suppression list backend
type SuppressionConfig struct {
	Backend string      `yaml:"backend"` // memory, redis
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// AutomationConfig contains automation engine settings
type AutomationConfig struct {
	WebhookTimeout time.Duration `yaml:"webhook_timeout"`
	DelayUnit      time.Duration `yaml:"delay_unit"`
}

// CampaignsConfig contains campaign scheduler settings
type CampaignsConfig struct {
	SchedulerInterval time.Duration `yaml:"scheduler_interval"`
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Server.Name == "" {
		hostname, _ := os.Hostname()
		c.Server.Name = hostname
	}

	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}
	if c.API.MaxHeaderBytes == 0 {
		c.API.MaxHeaderBytes = 1 << 20 // 1MB
	}
	if c.API.ReadTimeout == 0 {
		c.API.ReadTimeout = 30 * time.Second
	}
	if c.API.WriteTimeout == 0 {
		c.API.WriteTimeout = 30 * time.Second
	}
	if c.API.IdleTimeout == 0 {
		c.API.IdleTimeout = 60 * time.Second
	}

	if c.Storage.Path == "" {
		c.Storage.Path = "/var/lib/mailflow/mailflow.db"
	}
	if c.Storage.Retention != nil && c.Storage.Retention.CleanupInterval == 0 {
		c.Storage.Retention.CleanupInterval = time.Hour
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.FlushInterval == 0 {
		c.Metrics.FlushInterval = 10 * time.Second
	}

	if c.Dispatch.Workers == 0 {
		c.Dispatch.Workers = 10
	}
	if c.Dispatch.DeliveryTimeout == 0 {
		c.Dispatch.DeliveryTimeout = 2 * time.Minute
	}
	if c.Dispatch.Transport == "" {
		c.Dispatch.Transport = "simulated"
	}
	if c.Dispatch.Transport == "simulated" && c.Dispatch.Simulation == (SimulationConfig{}) {
		c.Dispatch.Simulation.MaxSubmitDelay = 2 * time.Second
		c.Dispatch.Simulation.MaxConfirmDelay = 5 * time.Second
	}
	if c.Dispatch.SMTP.Timeout == 0 {
		c.Dispatch.SMTP.Timeout = 30 * time.Second
	}

	if c.Templates.StrictRequired == nil {
		strict := true
		c.Templates.StrictRequired = &strict
	}

	if c.Suppression.Backend == "" {
		c.Suppression.Backend = "memory"
	}
	if c.Suppression.Redis.KeyPrefix == "" {
		c.Suppression.Redis.KeyPrefix = "mailflow:"
	}

	if c.Automation.WebhookTimeout == 0 {
		c.Automation.WebhookTimeout = 10 * time.Second
	}
	if c.Automation.DelayUnit == 0 {
		c.Automation.DelayUnit = time.Minute
	}

	if c.Campaigns.SchedulerInterval == 0 {
		c.Campaigns.SchedulerInterval = 30 * time.Second
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Dispatch.DefaultFrom == "" {
		return fmt.Errorf("dispatch.default_from is required")
	}
	if !message.ValidEmail(c.Dispatch.DefaultFrom) {
		return fmt.Errorf("dispatch.default_from is not a valid address: %s", c.Dispatch.DefaultFrom)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	if err := c.validateDispatch(); err != nil {
		return err
	}

	switch c.Suppression.Backend {
	case "memory":
	case "redis":
		if c.Suppression.Redis.Addr == "" {
			return fmt.Errorf("suppression.redis.addr is required when backend is redis")
		}
	default:
		return fmt.Errorf("invalid suppression.backend: %s (must be memory or redis)", c.Suppression.Backend)
	}

	if c.Directory.Watch && c.Directory.Path == "" {
		return fmt.Errorf("directory.path is required when directory.watch is enabled")
	}

	return nil
}

func (c *Config) validateDispatch() error {
	d := c.Dispatch
	if d.Workers < 0 {
		return fmt.Errorf("dispatch.workers must not be negative")
	}

	switch d.Transport {
	case "simulated":
		if d.Simulation.ErrorProbability < 0 || d.Simulation.ErrorProbability > 1 {
			return fmt.Errorf("dispatch.simulation.error_probability must be between 0 and 1")
		}
	case "smtp":
		if d.SMTP.Addr == "" {
			return fmt.Errorf("dispatch.smtp.addr is required when transport is smtp")
		}
	default:
		return fmt.Errorf("invalid dispatch.transport: %s (must be simulated or smtp)", d.Transport)
	}

	if d.DKIM.Enabled {
		if d.DKIM.Selector == "" {
			return fmt.Errorf("dispatch.dkim.selector is required when DKIM is enabled")
		}
		if d.DKIM.KeyFile == "" {
			return fmt.Errorf("dispatch.dkim.key_file is required when DKIM is enabled")
		}
		if d.DKIM.Domain == "" {
			return fmt.Errorf("dispatch.dkim.domain is required when DKIM is enabled")
		}
	}
	return nil
}

// StrictTemplates reports whether missing required variables fail rendering
func (c *Config) StrictTemplates() bool {
	return c.Templates.StrictRequired == nil || *c.Templates.StrictRequired
}

// DefaultSender returns the configured default From address
func (c *Config) DefaultSender() message.Address {
	return message.Address{Email: c.Dispatch.DefaultFrom, Name: c.Dispatch.DefaultFromName}
}
