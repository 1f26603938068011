package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wolfman30/groundguard/cmd/mainconfig"
	"github.com/wolfman30/groundguard/internal/api/router"
	"github.com/wolfman30/groundguard/internal/app/bootstrap"
	appconfig "github.com/wolfman30/groundguard/internal/config"
	"github.com/wolfman30/groundguard/internal/http/handlers"
	"github.com/wolfman30/groundguard/internal/observability/metrics"
	"github.com/wolfman30/groundguard/pkg/logging"
)

func main() {
	_ = godotenv.Load()

	// Load configuration
	cfg := appconfig.Load()

	// Initialize logger
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting groundguard API server",
		"env", cfg.Env,
		"port", cfg.Port,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		logger.Error("failed to load AWS config", "error", err)
		os.Exit(1)
	}

	pool, err := bootstrap.BuildPostgresPool(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to connect postgres", "error", err)
		os.Exit(1)
	}
	if pool != nil {
		defer pool.Close()
	}
	redisClient := bootstrap.BuildRedisClient(ctx, cfg, logger, true)
	if redisClient != nil {
		defer func() { _ = redisClient.Close() }()
	}

	metricsHandler, guardMetrics := setupMetrics()

	g, err := bootstrap.BuildGuard(ctx, cfg, bootstrap.Deps{
		AWS:     awsCfg,
		Pool:    pool,
		Redis:   redisClient,
		Metrics: guardMetrics,
		Logger:  logger,
	})
	if err != nil {
		logger.Error("failed to build guard", "error", err)
		os.Exit(1)
	}
	defer func() { _ = g.Close() }()

	// Setup router
	routerCfg := &router.Config{
		Logger:             logger,
		Answer:             handlers.NewAnswerHandler(g.Service, logger),
		GatewayJWTSecret:   cfg.GatewayJWTSecret,
		MetricsHandler:     metricsHandler,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	}
	if pool != nil {
		routerCfg.Ready = pool.Ping
	}
	r := router.New(routerCfg)

	// Create HTTP server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: writeTimeout(cfg),
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	followUps := make(chan struct{})
	go func() {
		g.Service.Wait()
		close(followUps)
	}()
	select {
	case <-followUps:
	case <-shutdownCtx.Done():
		logger.Warn("exiting with review or history writes still pending")
	}

	logger.Info("server stopped")
	fmt.Println("Server exited gracefully")
}

// setupMetrics registers the guard collectors on a dedicated registry along
// with the Go runtime and process collectors.
func setupMetrics() (http.Handler, *metrics.GuardMetrics) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewGuardMetrics(reg)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), m
}

// writeTimeout leaves room for a full generation plus retrieval and audit;
// a streamed answer is only written once the verdict exists.
func writeTimeout(cfg *appconfig.Config) time.Duration {
	gen := cfg.GenerationTimeout
	if gen <= 0 {
		gen = 60 * time.Second
	}
	return gen + 30*time.Second
}
