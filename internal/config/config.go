// Package config loads board configuration from an optional YAML file with
// environment overrides. Precedence is flags over environment over file over
// defaults; the flag layer is applied by the caller.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full board configuration. It is immutable once loaded.
type Config struct {
	InstanceName string `yaml:"instance_name"`
	Addr         string `yaml:"addr"`
	Mode         string `yaml:"mode"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// AllowAnonymous permits unauthenticated thread creation and replies.
	AllowAnonymous bool `yaml:"allow_anonymous"`

	// Admins lists usernames granted admin on registration.
	Admins []string `yaml:"admins"`

	// IncidentDir receives one log file per internal error. Empty keeps
	// incidents in the structured log only.
	IncidentDir string `yaml:"incident_dir"`

	Storage StorageConfig `yaml:"storage"`
	Rate    RateConfig    `yaml:"rate"`
	TLS     TLSConfig     `yaml:"tls"`
}

// StorageConfig selects and parameterizes the datastore backend.
type StorageConfig struct {
	// Driver is one of "memory", "sqlite", or "postgres".
	Driver string `yaml:"driver"`
	// DataPath is the persistence file for the memory driver. Empty keeps
	// the dataset in memory only.
	DataPath string `yaml:"data_path"`
	// SQLitePath is the database file for the sqlite driver.
	SQLitePath string `yaml:"sqlite_path"`

	PostgresDSN             string   `yaml:"postgres_dsn"`
	PostgresMaxConns        int      `yaml:"postgres_max_conns"`
	PostgresMinConns        int      `yaml:"postgres_min_conns"`
	PostgresMaxConnLifetime Duration `yaml:"postgres_max_conn_lifetime"`
	PostgresMaxConnIdle     Duration `yaml:"postgres_max_conn_idle"`
	PostgresAppName         string   `yaml:"postgres_app_name"`
}

// Duration parses YAML scalars like "30m" or "1h30m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(node.Value))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", node.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// RateConfig bounds request throughput per client address.
type RateConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// TLSConfig holds the certificate pair for HTTPS serving.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Default returns the configuration used when no file or environment
// overrides are present.
func Default() Config {
	return Config{
		InstanceName:   "BBJ",
		Addr:           ":7099",
		Mode:           "development",
		LogLevel:       "info",
		LogFormat:      "json",
		AllowAnonymous: true,
		Storage: StorageConfig{
			Driver:     "sqlite",
			SQLitePath: "data/board.db",
		},
		Rate: RateConfig{
			RPS:   25,
			Burst: 50,
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path when
// non-empty, and BBJ_* environment variables in that order.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		decoder := yaml.NewDecoder(strings.NewReader(string(raw)))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects combinations the server cannot start with.
func (c Config) Validate() error {
	switch c.Storage.Driver {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported storage driver %q", c.Storage.Driver)
	}
	if c.Storage.Driver == "postgres" && strings.TrimSpace(c.Storage.PostgresDSN) == "" {
		return fmt.Errorf("postgres storage selected without DSN")
	}
	if c.Storage.Driver == "sqlite" && strings.TrimSpace(c.Storage.SQLitePath) == "" {
		return fmt.Errorf("sqlite storage selected without a database path")
	}
	switch c.Mode {
	case "development", "production":
	default:
		return fmt.Errorf("unsupported mode %q", c.Mode)
	}
	if c.Mode == "production" && c.Storage.Driver == "memory" && c.Storage.DataPath == "" {
		return fmt.Errorf("production mode requires a persistent datastore")
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return fmt.Errorf("tls requires both cert_file and key_file")
	}
	return nil
}

// IsAdmin reports whether the given username is configured as an admin.
// Comparison is case-insensitive.
func (c Config) IsAdmin(name string) bool {
	for _, admin := range c.Admins {
		if strings.EqualFold(strings.TrimSpace(admin), strings.TrimSpace(name)) {
			return true
		}
	}
	return false
}

func applyEnv(cfg *Config) {
	setString(&cfg.InstanceName, "BBJ_INSTANCE_NAME")
	setString(&cfg.Addr, "BBJ_ADDR")
	setString(&cfg.Mode, "BBJ_MODE")
	setString(&cfg.LogLevel, "BBJ_LOG_LEVEL")
	setString(&cfg.LogFormat, "BBJ_LOG_FORMAT")
	setBool(&cfg.AllowAnonymous, "BBJ_ALLOW_ANONYMOUS")
	setString(&cfg.IncidentDir, "BBJ_INCIDENT_DIR")
	if env := strings.TrimSpace(os.Getenv("BBJ_ADMINS")); env != "" {
		cfg.Admins = splitAndTrim(env)
	}

	setString(&cfg.Storage.Driver, "BBJ_STORAGE_DRIVER")
	setString(&cfg.Storage.DataPath, "BBJ_DATA_PATH")
	setString(&cfg.Storage.SQLitePath, "BBJ_SQLITE_PATH")
	setString(&cfg.Storage.PostgresDSN, "BBJ_POSTGRES_DSN")
	if cfg.Storage.PostgresDSN == "" {
		setString(&cfg.Storage.PostgresDSN, "DATABASE_URL")
	}
	setInt(&cfg.Storage.PostgresMaxConns, "BBJ_POSTGRES_MAX_CONNS")
	setInt(&cfg.Storage.PostgresMinConns, "BBJ_POSTGRES_MIN_CONNS")
	setConfigDuration(&cfg.Storage.PostgresMaxConnLifetime, "BBJ_POSTGRES_MAX_CONN_LIFETIME")
	setConfigDuration(&cfg.Storage.PostgresMaxConnIdle, "BBJ_POSTGRES_MAX_CONN_IDLE")
	setString(&cfg.Storage.PostgresAppName, "BBJ_POSTGRES_APP_NAME")

	setFloat(&cfg.Rate.RPS, "BBJ_RATE_RPS")
	setInt(&cfg.Rate.Burst, "BBJ_RATE_BURST")

	setString(&cfg.TLS.CertFile, "BBJ_TLS_CERT")
	setString(&cfg.TLS.KeyFile, "BBJ_TLS_KEY")
}

func setString(target *string, key string) {
	if env := strings.TrimSpace(os.Getenv(key)); env != "" {
		*target = env
	}
}

func setBool(target *bool, key string) {
	if env, ok := os.LookupEnv(key); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			*target = value
		}
	}
}

func setInt(target *int, key string) {
	if env := strings.TrimSpace(os.Getenv(key)); env != "" {
		if value, err := strconv.Atoi(env); err == nil {
			*target = value
		}
	}
}

func setFloat(target *float64, key string) {
	if env := strings.TrimSpace(os.Getenv(key)); env != "" {
		if value, err := strconv.ParseFloat(env, 64); err == nil {
			*target = value
		}
	}
}

func setConfigDuration(target *Duration, key string) {
	if env := strings.TrimSpace(os.Getenv(key)); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			*target = Duration(value)
		}
	}
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
