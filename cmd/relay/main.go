package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/relay/pkg/config"
	"github.com/platinummonkey/relay/pkg/experiments"
	"github.com/platinummonkey/relay/pkg/httputil"
	"github.com/platinummonkey/relay/pkg/observability"
	"github.com/platinummonkey/relay/pkg/storage/postgres"
	"github.com/platinummonkey/relay/pkg/workspaces"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		observability.NewLogger(observability.InfoLevel, os.Stderr).
			WithError(err).Error("failed to load configuration")
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Observability.ParseLogLevel(), os.Stdout)
	ctx := context.Background()

	tp, err := observability.InitTracing(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		logger.WithError(err).Error("failed to initialize tracing")
		os.Exit(1)
	}

	cm, err := postgres.NewConnectionManager(postgres.ConnectionConfig{
		PrimaryURL:  cfg.Database.URL,
		ReplicaURLs: postgres.ParseReplicaURLs(cfg.Database.ReplicaURLs),
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		Timeout:     cfg.Database.Timeout,
		MaxLifetime: cfg.Database.MaxLifetime,
		MaxIdleTime: cfg.Database.MaxIdleTime,
	}, logger)
	if err != nil {
		logger.WithError(err).Error("failed to connect to database")
		os.Exit(1)
	}

	if err := postgres.InitializeSchema(ctx, cm.Primary()); err != nil {
		logger.WithError(err).Error("failed to initialize schema")
		os.Exit(1)
	}

	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		redisClient, err = postgres.NewRedisClient(postgres.RedisConfig{
			URL:        cfg.Redis.URL,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			MaxRetries: cfg.Redis.MaxRetries,
			PoolSize:   cfg.Redis.PoolSize,
		})
		if err != nil {
			// Redis is a cache accelerator, not a dependency. Start without it.
			logger.WithError(err).Warn("redis unavailable, definition cache will run in-process only")
			redisClient = nil
		}
	}

	metrics := observability.NewMetrics(nil)
	defs := experiments.NewDefinitionCache(cfg.Cache.Size, cfg.Cache.TTL, redisClient, logger, metrics)

	expService := experiments.NewPostgresService(cm.Primary(), defs, logger, metrics)
	wsService := workspaces.NewPostgresService(cm.Primary())

	router := mux.NewRouter()
	api := router.PathPrefix("/api/v1").Subrouter()
	experiments.NewHandlers(expService, logger).RegisterRoutes(api)
	workspaces.NewHandlers(wsService, logger).RegisterRoutes(api)

	handler := httputil.Chain(
		httputil.RecoveryMiddleware,
		httputil.RequestIDMiddleware,
		httputil.MaxBytesMiddleware(1<<20),
		metrics.HTTPMiddleware,
	)(router)
	if cfg.Observability.OTelEnabled {
		handler = otelhttp.NewHandler(handler, "relay")
	}

	server := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Health and metrics on a separate port for k8s probes.
	healthChecker := observability.NewHealthChecker(cm.Primary(), redisClient)
	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/healthz", healthChecker.Liveness)
	healthMux.HandleFunc("/readyz", healthChecker.Readiness)
	if cfg.Observability.MetricsEnabled {
		healthMux.Handle("/metrics", metrics.Handler())
	}
	healthServer := &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler: healthMux,
	}

	poolCtx, poolCancel := context.WithCancel(ctx)
	go collectPoolStats(poolCtx, cm, metrics)
	cm.StartHealthCheckRoutine(poolCtx, 30*time.Second)

	go func() {
		logger.WithField("addr", healthServer.Addr).Info("health server listening")
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("health server failed")
		}
	}()

	go func() {
		logger.WithField("addr", server.Addr).Info("server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("server failed")
			os.Exit(1)
		}
	}()

	sm := observability.NewShutdownManager(logger, server, cfg.Server.ShutdownTimeout)
	sm.RegisterShutdownFunc(func(shutdownCtx context.Context) error {
		return healthServer.Shutdown(shutdownCtx)
	})
	sm.RegisterShutdownFunc(func(shutdownCtx context.Context) error {
		poolCancel()
		return cm.Close()
	})
	if redisClient != nil {
		sm.RegisterShutdownFunc(func(context.Context) error {
			return redisClient.Close()
		})
	}
	sm.RegisterShutdownFunc(func(shutdownCtx context.Context) error {
		return observability.ShutdownTracing(shutdownCtx, tp, logger)
	})

	if err := sm.WaitForShutdown(); err != nil {
		logger.WithError(err).Error("shutdown failed")
		os.Exit(1)
	}
}

func collectPoolStats(ctx context.Context, cm *postgres.ConnectionManager, metrics *observability.Metrics) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			stats := cm.Stats()
			metrics.CollectDBStats(stats.Primary.OpenConnections, stats.Primary.Idle)
		case <-ctx.Done():
			return
		}
	}
}
