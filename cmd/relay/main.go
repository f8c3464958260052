package main

import (
	"context"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"voxrelay/internal/core/services"
	httphandlers "voxrelay/internal/handlers/http"
	"voxrelay/internal/infrastructure/middleware"
	"voxrelay/internal/infrastructure/monitoring"
	repositories "voxrelay/internal/infrastructure/repositories"
	"voxrelay/internal/infrastructure/signal"
	"voxrelay/pkg/config"
	"voxrelay/pkg/logger"
	"voxrelay/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	// Try multiple config paths
	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"/etc/voxrelay/config.yaml",
		"config.yaml",
	}

	var cfg *config.Config
	var err error

	for _, path := range configPaths {
		cfg, err = config.Load(path)
		if err == nil {
			break
		}
	}

	if err != nil {
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()

	log := zapLogger.Sugar()

	tracerProvider, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	repoFactory, err := repositories.NewRepositoryFactory(cfg, log)
	if err != nil {
		log.Fatalw("failed to create repository factory", "error", err)
	}
	defer repoFactory.Close()

	presenceRepo := repoFactory.CreatePresenceRepository()

	registryService := services.NewRegistryService(presenceRepo, log)
	callService := services.NewCallService(registryService, log)

	prometheusCollector := monitoring.NewPrometheusCollector()

	wsServer := signal.NewWebSocketServer(registryService, callService, prometheusCollector, cfg, log)

	healthChecker := monitoring.NewHealthChecker()
	healthChecker.AddCheck("repositories", repoFactory.HealthCheck, 2*time.Second)

	relayHandler := httphandlers.NewRelayHandler(registryService, callService, healthChecker, wsServer.ConnectionCount)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()

	router.Use(middleware.NewHTTPRateLimitMiddleware(cfg))
	router.Use(middleware.TracingMiddleware())

	relayHandler.SetupRoutes(router)

	router.GET("/ws", func(c *gin.Context) {
		wsServer.HandleConnection(c.Writer, c.Request)
	})

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("Prometheus metrics enabled")
	}

	// WebSocket connections are long-lived, so only the request headers get
	// a read deadline here; per-connection deadlines live in the relay.
	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           router,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infof("Starting voxrelay server on %s", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	ossignal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	log.Info("Shutting down voxrelay server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("graceful shutdown failed", "error", err)
	}

	wsServer.CloseAll()

	if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
		log.Warnw("tracer shutdown failed", "error", err)
	}

	log.Info("Server stopped")
}
