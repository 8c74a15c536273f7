// Command server starts the board API HTTP service.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"bbj/internal/api"
	"bbj/internal/auth"
	"bbj/internal/config"
	"bbj/internal/observability/logging"
	"bbj/internal/observability/metrics"
	"bbj/internal/server"
	"bbj/internal/storage"
)

func main() {
	// .env is optional; real environment variables win either way.
	_ = godotenv.Load()

	configPath := flag.String("config", "", "path to YAML configuration file")
	addr := flag.String("addr", "", "HTTP listen address")
	instanceName := flag.String("instance-name", "", "board instance name")
	mode := flag.String("mode", "", "server runtime mode (development or production)")
	storageDriver := flag.String("storage-driver", "", "datastore driver (memory, sqlite, or postgres)")
	dataPath := flag.String("data", "", "persistence file for the memory driver")
	sqlitePath := flag.String("sqlite-path", "", "database file for the sqlite driver")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	allowAnon := flag.Bool("allow-anon", false, "permit anonymous thread creation and replies")
	admins := flag.String("admins", "", "comma separated usernames granted admin on registration")
	incidentDir := flag.String("incident-dir", "", "directory for per-incident error logs")
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	rateRPS := flag.Float64("rate-rps", 0, "per-client request rate limit in requests per second")
	rateBurst := flag.Int("rate-burst", 0, "per-client rate limit burst allowance")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Init(logging.Config{}).Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Explicitly set flags override both the file and the environment.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			cfg.Addr = *addr
		case "instance-name":
			cfg.InstanceName = *instanceName
		case "mode":
			cfg.Mode = *mode
		case "storage-driver":
			cfg.Storage.Driver = *storageDriver
		case "data":
			cfg.Storage.DataPath = *dataPath
		case "sqlite-path":
			cfg.Storage.SQLitePath = *sqlitePath
		case "postgres-dsn":
			cfg.Storage.PostgresDSN = *postgresDSN
		case "allow-anon":
			cfg.AllowAnonymous = *allowAnon
		case "admins":
			cfg.Admins = splitAndTrim(*admins)
		case "incident-dir":
			cfg.IncidentDir = *incidentDir
		case "log-level":
			cfg.LogLevel = *logLevel
		case "log-format":
			cfg.LogFormat = *logFormat
		case "tls-cert":
			cfg.TLS.CertFile = *tlsCert
		case "tls-key":
			cfg.TLS.KeyFile = *tlsKey
		case "rate-rps":
			cfg.Rate.RPS = *rateRPS
		case "rate-burst":
			cfg.Rate.Burst = *rateBurst
		}
	})

	logger := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg.Storage)
	if err != nil {
		logger.Error("failed to open datastore", "driver", cfg.Storage.Driver, "error", err)
		os.Exit(1)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.Close(closeCtx); err != nil {
			logger.Warn("failed to close datastore", "error", err)
		}
	}()

	anonymousID, err := auth.EnsureAnonymous(store)
	if err != nil {
		logger.Error("failed to bootstrap anonymous user", "error", err)
		os.Exit(1)
	}

	pipeline := api.NewPipeline(store, api.Config{
		AllowAnonymous: cfg.AllowAnonymous,
		AnonymousID:    anonymousID,
		IncidentDir:    cfg.IncidentDir,
		Admins:         cfg.Admins,
	}, logging.WithComponent(logger, "api"))

	srv, err := server.New(pipeline, store, server.Config{
		Addr:         cfg.Addr,
		InstanceName: cfg.InstanceName,
		TLS: server.TLSConfig{
			CertFile: cfg.TLS.CertFile,
			KeyFile:  cfg.TLS.KeyFile,
		},
		RateLimit: server.RateLimitConfig{
			RPS:   cfg.Rate.RPS,
			Burst: cfg.Rate.Burst,
		},
		Logger:  logger,
		Metrics: metrics.Default(),
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	logger.Info("board API listening",
		"addr", cfg.Addr,
		"mode", cfg.Mode,
		"instance", cfg.InstanceName,
		"driver", cfg.Storage.Driver,
		"allow_anon", cfg.AllowAnonymous)
	if cfg.TLS.CertFile != "" {
		logger.Info("TLS enabled", "cert_file", cfg.TLS.CertFile)
	}

	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func openStore(ctx context.Context, cfg config.StorageConfig) (storage.Repository, error) {
	switch cfg.Driver {
	case "memory":
		return storage.NewMemoryRepository(cfg.DataPath)
	case "sqlite":
		return storage.NewSQLiteRepository(cfg.SQLitePath)
	case "postgres":
		return storage.NewPostgresRepository(ctx, storage.PostgresConfig{
			DSN:             cfg.PostgresDSN,
			MaxConnections:  int32(cfg.PostgresMaxConns),
			MinConnections:  int32(cfg.PostgresMinConns),
			MaxConnLifetime: cfg.PostgresMaxConnLifetime.Std(),
			MaxConnIdleTime: cfg.PostgresMaxConnIdle.Std(),
			ApplicationName: cfg.PostgresAppName,
		})
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
