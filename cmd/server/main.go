package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mixaill76/solver_relay/internal/cache"
	"github.com/mixaill76/solver_relay/internal/config"
	"github.com/mixaill76/solver_relay/internal/credential"
	"github.com/mixaill76/solver_relay/internal/gemini"
	"github.com/mixaill76/solver_relay/internal/history"
	"github.com/mixaill76/solver_relay/internal/httputil"
	"github.com/mixaill76/solver_relay/internal/logger"
	"github.com/mixaill76/solver_relay/internal/monitoring"
	"github.com/mixaill76/solver_relay/internal/ratelimit"
	"github.com/mixaill76/solver_relay/internal/relay"
	"github.com/mixaill76/solver_relay/internal/security"
	"github.com/mixaill76/solver_relay/internal/server"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Server.LoggingLevel)
	if cfg.Server.LogJSON {
		log = logger.NewJSON(cfg.Server.LoggingLevel)
	}

	log.Info("Starting solver_relay",
		"logging_level", cfg.Server.LoggingLevel,
		"port", cfg.Server.Port,
		"upstream", cfg.Upstream.BaseURL,
		"default_model", cfg.Upstream.DefaultModel,
	)

	log.Info("Loaded callers", "count", len(cfg.Server.Callers))
	for i, caller := range cfg.Server.Callers {
		log.Info("Caller configured",
			"index", i+1,
			"name", caller.Name,
			"token", security.MaskAPIKey(caller.Token),
			"privileged", caller.Privileged,
		)
	}

	metrics := monitoring.New(cfg.Monitoring.PrometheusEnabled)

	httpClient := httputil.NewClient(&httputil.ClientConfig{
		HeaderTimeout: cfg.Upstream.HeaderTimeout,
	})
	upstream := gemini.NewClient(cfg.Upstream.BaseURL, cfg.Upstream.APIVersion, httpClient, log)
	rly := relay.New(upstream, metrics, log)

	resolver := credential.NewResolver(
		credential.StaticSource(cfg.Upstream.SharedAPIKey),
		config.EnvCredential,
	)
	if cfg.Upstream.SharedAPIKey != "" {
		log.Info("Shared upstream credential configured",
			"key", security.MaskAPIKey(cfg.Upstream.SharedAPIKey))
	}

	var answers *cache.AnswerCache
	if cfg.Cache.Enabled {
		answers, err = cache.New(cfg.Cache.MaxEntries, cfg.Cache.TTL)
		if err != nil {
			log.Error("Failed to initialize answer cache", "error", err)
			os.Exit(1)
		}
		log.Info("Answer cache enabled",
			"max_entries", cfg.Cache.MaxEntries,
			"ttl", cfg.Cache.TTL,
		)
	}

	var recorder history.Recorder = history.Nop{}
	if cfg.History.DatabaseURL != "" {
		pg, err := history.NewPostgres(&history.Config{
			DatabaseURL:    cfg.History.DatabaseURL,
			MaxConns:       cfg.History.MaxConns,
			MinConns:       cfg.History.MinConns,
			ConnectTimeout: cfg.History.ConnectTimeout,
			Logger:         log,
		})
		if err != nil {
			log.Error("Failed to initialize history recorder", "error", err)
			os.Exit(1)
		}
		async := history.NewAsync(pg, history.AsyncConfig{
			Logger:    log,
			OnFailure: metrics.RecordHistoryFailure,
		})
		recorder = async
		defer async.Close()
	}

	srv := server.New(server.Options{
		Relay:        rly,
		Resolver:     resolver,
		Auth:         server.NewStaticAuthenticator(cfg.Server.Callers),
		Limiter:      ratelimit.New(cfg.RateLimit.RPM),
		AnswerCache:  answers,
		Recorder:     recorder,
		Metrics:      metrics,
		Logger:       log,
		Limits:       cfg.Limits,
		DefaultModel: cfg.Upstream.DefaultModel,
		HealthPath:   cfg.Monitoring.HealthCheckPath,
	})

	mux := http.NewServeMux()
	mux.Handle("/", srv)

	if cfg.Monitoring.PrometheusEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		log.Info("Prometheus metrics enabled", "path", "/metrics")
	}

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: mux,
	}

	go func() {
		log.Info("Server starting", "port", cfg.Server.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	log.Info("Server shutdown complete")
}
