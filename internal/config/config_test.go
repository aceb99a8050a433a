package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return cfgPath
}

func TestLoad(t *testing.T) {
	content := `
server:
  name: "mail-1"

api:
  listen_addr: ":9080"
  api_key: "test-api-key"

storage:
  path: "/tmp/test.db"
  retention:
    max_age: 720h

logging:
  level: "debug"
  format: "text"

dispatch:
  workers: 2
  delivery_timeout: 30s
  default_from: "hello@zoptal.com"
  default_from_name: "Zoptal"
  transport: smtp
  smtp:
    addr: "relay.zoptal.com:587"
    username: "mailer"
    password: "secret"
    starttls: true
  dkim:
    enabled: true
    selector: "mail"
    key_file: "/etc/mailflow/dkim.pem"
    domain: "zoptal.com"

templates:
  strict_required: false

suppression:
  backend: redis
  redis:
    addr: "localhost:6379"
    db: 2

automation:
  delay_unit: 1s
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Name != "mail-1" {
		t.Errorf("Server.Name = %v, want mail-1", cfg.Server.Name)
	}
	if cfg.API.APIKey != "test-api-key" {
		t.Errorf("API.APIKey = %v, want test-api-key", cfg.API.APIKey)
	}
	if cfg.Dispatch.Workers != 2 {
		t.Errorf("Dispatch.Workers = %v, want 2", cfg.Dispatch.Workers)
	}
	if cfg.Dispatch.DeliveryTimeout != 30*time.Second {
		t.Errorf("Dispatch.DeliveryTimeout = %v, want 30s", cfg.Dispatch.DeliveryTimeout)
	}
	if cfg.Dispatch.SMTP.Addr != "relay.zoptal.com:587" || !cfg.Dispatch.SMTP.StartTLS {
		t.Errorf("Dispatch.SMTP = %+v", cfg.Dispatch.SMTP)
	}
	if cfg.StrictTemplates() {
		t.Error("StrictTemplates() = true, want false")
	}
	if cfg.Storage.Retention.CleanupInterval != time.Hour {
		t.Errorf("Retention.CleanupInterval = %v, want 1h", cfg.Storage.Retention.CleanupInterval)
	}
	if cfg.Suppression.Redis.DB != 2 || cfg.Suppression.Redis.KeyPrefix != "mailflow:" {
		t.Errorf("Suppression.Redis = %+v", cfg.Suppression.Redis)
	}
	if cfg.Automation.DelayUnit != time.Second {
		t.Errorf("Automation.DelayUnit = %v, want 1s", cfg.Automation.DelayUnit)
	}
	if got := cfg.DefaultSender(); got.Email != "hello@zoptal.com" || got.Name != "Zoptal" {
		t.Errorf("DefaultSender() = %+v", got)
	}
}

func TestLoadDefaults(t *testing.T) {
	content := `
dispatch:
  default_from: "hello@zoptal.com"
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.API.ListenAddr != ":8080" {
		t.Errorf("API.ListenAddr = %v, want :8080", cfg.API.ListenAddr)
	}
	if cfg.Dispatch.Workers != 10 {
		t.Errorf("Dispatch.Workers = %v, want 10", cfg.Dispatch.Workers)
	}
	if cfg.Dispatch.Transport != "simulated" {
		t.Errorf("Dispatch.Transport = %v, want simulated", cfg.Dispatch.Transport)
	}
	if cfg.Dispatch.Simulation.MaxConfirmDelay != 5*time.Second {
		t.Errorf("Simulation.MaxConfirmDelay = %v, want 5s", cfg.Dispatch.Simulation.MaxConfirmDelay)
	}
	if !cfg.StrictTemplates() {
		t.Error("StrictTemplates() = false, want true")
	}
	if cfg.Suppression.Backend != "memory" {
		t.Errorf("Suppression.Backend = %v, want memory", cfg.Suppression.Backend)
	}
	if cfg.Campaigns.SchedulerInterval != 30*time.Second {
		t.Errorf("Campaigns.SchedulerInterval = %v, want 30s", cfg.Campaigns.SchedulerInterval)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %v, want info", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %v, want json", cfg.Logging.Format)
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path = %v, want /metrics", cfg.Metrics.Path)
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		c := Config{Dispatch: DispatchConfig{DefaultFrom: "hello@zoptal.com"}}
		c.setDefaults()
		return c
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"valid config", func(c *Config) {}, false},
		{"missing default from", func(c *Config) { c.Dispatch.DefaultFrom = "" }, true},
		{"invalid default from", func(c *Config) { c.Dispatch.DefaultFrom = "zoptal" }, true},
		{"invalid log level", func(c *Config) { c.Logging.Level = "invalid" }, true},
		{"invalid log format", func(c *Config) { c.Logging.Format = "invalid" }, true},
		{"unknown transport", func(c *Config) { c.Dispatch.Transport = "pigeon" }, true},
		{"smtp without addr", func(c *Config) { c.Dispatch.Transport = "smtp" }, true},
		{"bad error probability", func(c *Config) { c.Dispatch.Simulation.ErrorProbability = 1.5 }, true},
		{"dkim without selector", func(c *Config) {
			c.Dispatch.DKIM = DKIMConfig{Enabled: true, KeyFile: "k.pem", Domain: "zoptal.com"}
		}, true},
		{"redis without addr", func(c *Config) { c.Suppression.Backend = "redis" }, true},
		{"unknown suppression backend", func(c *Config) { c.Suppression.Backend = "file" }, true},
		{"watch without path", func(c *Config) { c.Directory.Watch = true }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("Load() expected error for nonexistent file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, `invalid: yaml: content: [`))
	if err == nil {
		t.Error("Load() expected error for invalid YAML")
	}
}
