package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"bbj/internal/api"
	"bbj/internal/observability/logging"
	"bbj/internal/observability/metrics"
	"bbj/internal/serverutil"
	"bbj/internal/storage"
)

type TLSConfig struct {
	CertFile string
	KeyFile  string
}

type Config struct {
	Addr         string
	InstanceName string
	TLS          TLSConfig
	RateLimit    RateLimitConfig
	Logger       *slog.Logger
	Metrics      *metrics.Recorder
}

type Server struct {
	httpServer  *http.Server
	logger      *slog.Logger
	metrics     *metrics.Recorder
	rateLimiter *rateLimiter
	tls         TLSConfig
	repo        storage.Repository
	instance    string
}

// New assembles the router and middleware chain around the request pipeline.
func New(pipeline *api.Pipeline, repo storage.Repository, cfg Config) (*Server, error) {
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}

	srv := &Server{
		logger:      cfg.Logger,
		metrics:     recorder,
		rateLimiter: newRateLimiter(cfg.RateLimit),
		tls: TLSConfig{
			CertFile: strings.TrimSpace(cfg.TLS.CertFile),
			KeyFile:  strings.TrimSpace(cfg.TLS.KeyFile),
		},
		repo:     repo,
		instance: cfg.InstanceName,
	}

	router := mux.NewRouter()
	router.HandleFunc("/healthz", srv.health).Methods(http.MethodGet)
	router.Handle("/metrics", recorder.Handler()).Methods(http.MethodGet)
	// The pipeline owns everything under /api, including unknown-method and
	// wrong-verb responses, so the route stays a catch-all prefix.
	router.PathPrefix("/api/").Handler(pipeline)

	chain := http.Handler(router)
	chain = rateLimitMiddleware(srv.rateLimiter, cfg.Logger, chain)
	chain = metrics.HTTPMiddleware(recorder, chain)
	chain = logging.RequestLogger(logging.RequestLoggerConfig{Logger: cfg.Logger})(chain)
	chain = requestIDMiddleware(cfg.Logger, chain)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           chain,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	if srv.tls.CertFile != "" && srv.tls.KeyFile != "" {
		httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	srv.httpServer = httpServer

	return srv, nil
}

// Handler exposes the full middleware chain for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	return serverutil.Run(ctx, serverutil.Config{
		Server: s.httpServer,
		TLS: serverutil.TLSConfig{
			CertFile: s.tls.CertFile,
			KeyFile:  s.tls.KeyFile,
		},
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	body := map[string]string{"status": "ok", "instance": s.instance}
	if s.repo != nil {
		if err := s.repo.Ping(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
			if s.logger != nil {
				s.logger.Warn("datastore ping failed", "error", err)
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil && s.logger != nil {
		s.logger.Error("encode health response", "error", err)
	}
}
