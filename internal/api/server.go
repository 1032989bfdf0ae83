package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"agent-exec-sandbox/internal/auth"
	"agent-exec-sandbox/internal/config"
	"agent-exec-sandbox/internal/monitor"
	"agent-exec-sandbox/internal/storage"
)

// Server is the main HTTP server for the execution API.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
	cfg        *config.Config
	db         *storage.DB
	startTime  time.Time
}

// NewServer creates and configures the HTTP server with all routes and middleware.
func NewServer(cfg *config.Config, handlers *Handlers, resolver auth.Resolver, db *storage.DB, metrics *monitor.Metrics) *Server {
	s := &Server{
		handlers:  handlers,
		cfg:       cfg,
		db:        db,
		startTime: time.Now(),
	}

	if len(cfg.Security.Credentials) == 0 {
		log.Warn().Msg("no API credentials configured — all requests will be rejected")
	}
	if handlers.orch == nil {
		log.Warn().Msg("running in validate-only mode — execution endpoints answer 503")
	}

	// Execution API — wrapped with auth
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /v1/execute", handlers.HandleExecute)
	apiMux.HandleFunc("POST /v1/validate", handlers.HandleValidate)
	apiMux.HandleFunc("GET /v1/executions", handlers.HandleListExecutions)
	apiMux.HandleFunc("GET /v1/executions/{id}", handlers.HandleGetExecution)
	apiMux.HandleFunc("DELETE /v1/executions/{id}", handlers.HandleCancelExecution)
	apiMux.HandleFunc("POST /v1/sandboxes", handlers.HandleCreateSandbox)
	apiMux.HandleFunc("GET /v1/sandboxes", handlers.HandleListSandboxes)
	apiMux.HandleFunc("DELETE /v1/sandboxes/{id}", handlers.HandleDestroySandbox)

	authedAPI := AuthMiddleware(resolver)(apiMux)

	// Top-level mux: health/metrics bypass auth, everything else goes through auth
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	}
	mux.Handle("/", authedAPI)

	// Apply middleware chain (outermost first)
	var handler http.Handler = mux
	handler = MetricsMiddleware(metrics)(handler)
	handler = RateLimitMiddleware(cfg.Security.RateLimitRPS, cfg.Security.RateLimitBurst)(handler)
	handler = MaxBodyMiddleware(cfg.Server.MaxRequestBody)(handler)
	handler = SecurityHeadersMiddleware(handler)
	handler = LoggingMiddleware(handler)
	handler = RequestIDMiddleware(handler)
	handler = RecoveryMiddleware(handler)

	s.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

// Start begins listening for requests. Uses TLS if configured.
func (s *Server) Start() error {
	if s.cfg.TLS.Enabled {
		log.Info().
			Str("addr", s.httpServer.Addr).
			Str("cert", s.cfg.TLS.CertFile).
			Msg("starting HTTPS server with TLS")

		s.httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
		return s.httpServer.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	}

	log.Warn().Msg("TLS not enabled — running plain HTTP (not recommended for production)")
	log.Info().
		Str("addr", s.httpServer.Addr).
		Msg("starting HTTP server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := s.db == nil || s.db.Healthy(r.Context())
	runtimeOK := s.handlers.orch != nil && s.handlers.orch.Sandboxes().Healthy(r.Context())

	resp := HealthResponse{
		Status:     "ok",
		Containerd: runtimeOK,
		Database:   dbOK,
		Uptime:     time.Since(s.startTime).Round(time.Second).String(),
	}
	if !dbOK || !runtimeOK {
		resp.Status = "degraded"
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
