package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"agent-exec-sandbox/internal/api"
	"agent-exec-sandbox/internal/auth"
	"agent-exec-sandbox/internal/config"
	"agent-exec-sandbox/internal/executor"
	"agent-exec-sandbox/internal/lang"
	"agent-exec-sandbox/internal/monitor"
	"agent-exec-sandbox/internal/orchestrator"
	egressproxy "agent-exec-sandbox/internal/proxy"
	"agent-exec-sandbox/internal/sandbox"
	"agent-exec-sandbox/internal/security"
	"agent-exec-sandbox/internal/storage"
)

func main() {
	// Structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	var cfg *config.Config
	var err error

	if _, statErr := os.Stat(configPath); statErr == nil {
		cfg, err = config.Load(configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
		}
	} else {
		log.Info().Msg("no config file found, using defaults")
		cfg = config.DefaultConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := monitor.NewMetrics()
	langs := lang.NewRegistry()

	// Import policy: built-in defaults plus operator additions.
	policy := security.DefaultPolicy()
	for _, m := range cfg.Security.AllowedImports {
		policy.Allowed[m] = struct{}{}
	}
	for m, why := range cfg.Security.RestrictedImports {
		policy.Restricted[m] = why
	}
	extra := make([]security.DenyPattern, 0, len(cfg.Security.DenyPatterns))
	for _, p := range cfg.Security.DenyPatterns {
		// Patterns were compile-checked in config.Validate.
		extra = append(extra, security.DenyPattern{
			Name:        p.Name,
			Description: p.Description,
			Regex:       regexp.MustCompile(p.Pattern),
		})
	}
	validator := security.NewValidator(langs, policy, extra...)
	resolver := auth.NewStaticResolver(cfg.Security.Credentials)

	// Start the egress proxy if configured. Bridged sandboxes route
	// outbound traffic through it; the allowlist is the only way out.
	var proxy *egressproxy.EgressProxy
	if cfg.Proxy.Enabled {
		secret := cfg.Proxy.Secret
		if secret == "" {
			secretBytes := make([]byte, 32)
			if _, err := rand.Read(secretBytes); err != nil {
				log.Fatal().Err(err).Msg("failed to generate proxy secret")
			}
			secret = hex.EncodeToString(secretBytes)
		}
		hosts := cfg.Proxy.AllowedHosts
		if len(hosts) == 0 {
			hosts = egressproxy.DefaultAllowedHosts
		}
		proxy = egressproxy.New(cfg.Proxy.Host, cfg.Proxy.Port, secret, hosts)
		if err := proxy.Start(); err != nil {
			log.Fatal().Err(err).Int("port", cfg.Proxy.Port).Msg("failed to start egress proxy")
		}
	}

	// Connect to containerd. If the runtime is down the server still comes
	// up in validate-only mode so static checks stay available.
	var manager *sandbox.Manager
	runtime, err := sandbox.NewContainerdRuntime(ctx, cfg.Sandbox.ContainerdSocket, cfg.Sandbox.Namespace)
	if err != nil {
		log.Warn().Err(err).Msg("containerd unavailable, starting in validate-only mode")
	} else {
		opts := []sandbox.Option{sandbox.WithMaxIdleAge(cfg.Sandbox.MaxIdleAge)}
		if proxy != nil {
			opts = append(opts, sandbox.WithEgressProxy(proxy.Addr()))
		}
		manager = sandbox.NewManager(runtime, opts...)
		if n, err := manager.CleanupOrphans(ctx); err != nil {
			log.Warn().Err(err).Msg("orphan cleanup failed")
		} else if n > 0 {
			log.Info().Int("count", n).Msg("cleaned up orphaned sandboxes")
		}
		manager.StartReaper(ctx, cfg.Sandbox.ReapInterval)
	}

	// Initialize database (optional — runs without it for development)
	var db *storage.DB
	if cfg.Database.DSN != "" {
		db, err = storage.New(ctx, cfg.Database.DSN)
		if err != nil {
			log.Warn().Err(err).Msg("database unavailable, audit logging disabled")
		} else {
			defer db.Close()
		}
	}

	var auditWriter *storage.AuditWriter
	if db != nil {
		auditWriter = storage.NewAuditWriter(db, cfg.Database.AuditBufferSize)
		auditWriter.Start()
		defer auditWriter.Flush(10 * time.Second)
	}

	var orch *orchestrator.Orchestrator
	if manager != nil {
		var audit orchestrator.AuditSink
		if auditWriter != nil {
			audit = auditWriter
		}
		orch = orchestrator.New(
			validator,
			langs,
			manager,
			executor.New(langs),
			audit,
			metrics,
			cfg.Executor.MaxConcurrent,
		)
	}

	handlers := api.NewHandlers(orch, validator, langs, metrics, cfg.Executor.MaxTimeout)
	server := api.NewServer(cfg, handlers, resolver, db, metrics)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		log.Info().Str("signal", sig.String()).Msg("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}

		if manager != nil {
			if err := manager.Close(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("sandbox manager close error")
			}
		}

		if proxy != nil {
			if err := proxy.Close(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("egress proxy shutdown error")
			}
		}

		cancel()
	}()

	log.Info().
		Str("addr", cfg.Address()).
		Bool("db_enabled", db != nil).
		Bool("runtime_available", manager != nil).
		Strs("languages", langs.Names()).
		Msg("server starting")

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}

	log.Info().Msg("server stopped")
}
