package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.Driver != "mysql" || !strings.Contains(cfg.Database.DSN, "clientFoundRows=true") {
		t.Fatalf("database = %+v", cfg.Database)
	}
	if cfg.Dispatcher.LeaseDuration != 30*time.Second || cfg.Dispatcher.RenewInterval != 10*time.Second {
		t.Fatalf("dispatcher = %+v", cfg.Dispatcher)
	}
	if len(cfg.Projector.Streams) != 1 || cfg.Projector.Streams[0] != "wallets" {
		t.Fatalf("streams = %v", cfg.Projector.Streams)
	}
	if cfg.Retry.Base != 500*time.Millisecond || cfg.Retry.Cap != time.Minute {
		t.Fatalf("retry = %+v", cfg.Retry)
	}
}

func TestLoadMergesFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
database:
  driver: sqlite
  dsn: "file:bridge.db"
dispatcher:
  batch_size: 7
projector:
  event_policies:
    FundsTransferred: halt
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("LBRIDGE_DISPATCHER_CONCURRENCY", "3")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.Driver != "sqlite" || cfg.Dispatcher.BatchSize != 7 || cfg.Dispatcher.Concurrency != 3 {
		t.Fatalf("cfg = %+v / %+v", cfg.Database, cfg.Dispatcher)
	}
	// keys are lower-cased by viper
	if got := cfg.Projector.EventPolicies["fundstransferred"]; got != "halt" {
		t.Fatalf("event policies = %v", cfg.Projector.EventPolicies)
	}
}

func TestValidate(t *testing.T) {
	base, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"ok", func(*Config) {}, ""},
		{"driver", func(c *Config) { c.Database.Driver = "oracle" }, "database.driver"},
		{"lease not above renew", func(c *Config) { c.Dispatcher.LeaseDuration = c.Dispatcher.RenewInterval }, "dispatcher.lease_duration"},
		{"projector lease", func(c *Config) { c.Projector.RenewInterval = time.Minute }, "projector.lease_ttl"},
		{"batch", func(c *Config) { c.Dispatcher.BatchSize = 0 }, "batch_size"},
		{"policy", func(c *Config) { c.Projector.EventPolicies = map[string]string{"x": "ignore"} }, "not skip or halt"},
		{"jitter", func(c *Config) { c.Retry.Jitter = 2 }, "jitter"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base
			c.Projector.EventPolicies = nil
			tt.mutate(&c)
			err := c.Validate()
			if tt.want == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}
}
