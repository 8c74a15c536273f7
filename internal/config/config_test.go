package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if cfg.Addr != ":7099" {
		t.Fatalf("unexpected default addr %q", cfg.Addr)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.SQLitePath == "" {
		t.Fatalf("unexpected default storage %+v", cfg.Storage)
	}
	if !cfg.AllowAnonymous {
		t.Fatalf("expected anonymous participation enabled by default")
	}
	if cfg.Rate.RPS <= 0 {
		t.Fatalf("expected a default rate limit, got %+v", cfg.Rate)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfigFile(t, `
instance_name: test board
addr: ":9000"
mode: production
allow_anonymous: false
admins: [desvox, Operator]
storage:
  driver: postgres
  postgres_dsn: postgres://localhost/bbj
  postgres_max_conns: 12
  postgres_max_conn_lifetime: 45m
rate:
  rps: 5
  burst: 10
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.InstanceName != "test board" || cfg.Addr != ":9000" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.AllowAnonymous {
		t.Fatalf("expected anonymous participation disabled")
	}
	if cfg.Storage.PostgresMaxConns != 12 {
		t.Fatalf("unexpected pool size %d", cfg.Storage.PostgresMaxConns)
	}
	if cfg.Storage.PostgresMaxConnLifetime.Std() != 45*time.Minute {
		t.Fatalf("unexpected lifetime %v", cfg.Storage.PostgresMaxConnLifetime.Std())
	}
	if !cfg.IsAdmin("DESVOX") || !cfg.IsAdmin("operator") || cfg.IsAdmin("nobody") {
		t.Fatalf("admin matching broken: %v", cfg.Admins)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfigFile(t, "listen_address: :9000\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected unknown key rejected")
	}
}

func TestLoadToleratesEmptyFile(t *testing.T) {
	path := writeConfigFile(t, "")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load empty file: %v", err)
	}
	if cfg.Addr != ":7099" {
		t.Fatalf("expected defaults from empty file, got %+v", cfg)
	}
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeConfigFile(t, "addr: \":9000\"\n")
	t.Setenv("BBJ_ADDR", ":9001")
	t.Setenv("BBJ_ALLOW_ANONYMOUS", "false")
	t.Setenv("BBJ_ADMINS", "alpha, beta")
	t.Setenv("BBJ_STORAGE_DRIVER", "memory")
	t.Setenv("BBJ_RATE_RPS", "2.5")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":9001" {
		t.Fatalf("expected environment to win over file, got %q", cfg.Addr)
	}
	if cfg.AllowAnonymous {
		t.Fatalf("expected environment bool applied")
	}
	if len(cfg.Admins) != 2 || cfg.Admins[0] != "alpha" || cfg.Admins[1] != "beta" {
		t.Fatalf("unexpected admins %v", cfg.Admins)
	}
	if cfg.Storage.Driver != "memory" {
		t.Fatalf("unexpected driver %q", cfg.Storage.Driver)
	}
	if cfg.Rate.RPS != 2.5 {
		t.Fatalf("unexpected rps %v", cfg.Rate.RPS)
	}
}

func TestDatabaseURLFallback(t *testing.T) {
	t.Setenv("BBJ_STORAGE_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "postgres://localhost/fallback")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Storage.PostgresDSN != "postgres://localhost/fallback" {
		t.Fatalf("expected DATABASE_URL fallback, got %q", cfg.Storage.PostgresDSN)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"unknown driver", func(c *Config) { c.Storage.Driver = "etcd" }, "storage driver"},
		{"postgres without dsn", func(c *Config) {
			c.Storage.Driver = "postgres"
			c.Storage.PostgresDSN = ""
		}, "without DSN"},
		{"sqlite without path", func(c *Config) {
			c.Storage.Driver = "sqlite"
			c.Storage.SQLitePath = ""
		}, "database path"},
		{"unknown mode", func(c *Config) { c.Mode = "staging" }, "mode"},
		{"production volatile memory", func(c *Config) {
			c.Mode = "production"
			c.Storage.Driver = "memory"
			c.Storage.DataPath = ""
		}, "persistent"},
		{"tls half pair", func(c *Config) { c.TLS.CertFile = "cert.pem" }, "tls"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected validation failure")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error mentioning %q, got %v", tc.wantErr, err)
			}
		})
	}

	if err := Default().Validate(); err != nil {
		t.Fatalf("expected defaults to validate, got %v", err)
	}
}

func TestDurationUnmarshal(t *testing.T) {
	path := writeConfigFile(t, `
storage:
  postgres_max_conn_idle: not-a-duration
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected duration parse failure")
	}
}
