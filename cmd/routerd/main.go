// Command routerd runs the alert routing service: it consumes alert events
// from the bus, matches them against tenant routing rules, and fans out
// notification jobs for the delivery workers.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"

	"github.com/pulsegrid/pulse/internal/bus"
	"github.com/pulsegrid/pulse/internal/config"
	"github.com/pulsegrid/pulse/internal/database"
	"github.com/pulsegrid/pulse/internal/logging"
	"github.com/pulsegrid/pulse/internal/metrics"
	"github.com/pulsegrid/pulse/internal/middleware"
	"github.com/pulsegrid/pulse/internal/monitoring"
	"github.com/pulsegrid/pulse/internal/router"
	"github.com/pulsegrid/pulse/internal/sentry"
	"github.com/pulsegrid/pulse/internal/tracing"
)

const serviceName = "pulse-router"

// version is stamped by the build.
var version = "dev"

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("No .env file loaded: %v", err)
	}

	if err := logging.Init(logging.LoadLogConfig()); err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	logger := logging.L().WithComponent("routerd")

	if err := sentry.Init(serviceName, version); err != nil {
		logger.WithError(err).Warn("Sentry initialization failed, continuing without error reporting")
	}
	defer sentry.Flush(2 * time.Second)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracer, err := tracing.NewProvider(ctx, tracing.LoadConfig(serviceName, version))
	if err != nil {
		logger.WithError(err).Warn("Tracing initialization failed, continuing without traces")
	}
	defer func() {
		if err := tracer.Shutdown(context.Background()); err != nil {
			logger.WithError(err).Warn("Tracer shutdown failed")
		}
	}()

	cfg := config.LoadRouterConfig()

	db, err := database.Connect(config.LoadDatabaseConfig())
	if err != nil {
		logger.WithError(err).Fatal("Database connection failed")
	}
	defer db.Close()

	b, err := bus.Connect(config.LoadBusConfig())
	if err != nil {
		logger.WithError(err).Fatal("Bus connection failed")
	}
	defer b.Close()
	if err := b.EnsureStreams(ctx); err != nil {
		logger.WithError(err).Fatal("Stream provisioning failed")
	}

	met := metrics.New()

	store := router.NewRepository(db)
	rtr := router.New(b, store, b, met)
	if err := rtr.Start(); err != nil {
		logger.WithError(err).Fatal("Alert consumer failed to start")
	}

	health := monitoring.NewHealthChecker(serviceName, version)
	health.RegisterDatabaseCheck("postgres", db)
	health.RegisterBusCheck("nats", b)

	gin.SetMode(gin.ReleaseMode)
	ginRouter := gin.New()
	ginRouter.Use(
		middleware.RequestLogger("router"),
		middleware.Recovery(),
		otelgin.Middleware(serviceName),
	)

	ginRouter.GET("/health", health.HealthHandler())
	ginRouter.GET("/ready", health.ReadinessHandler())
	ginRouter.GET("/live", health.LivenessHandler())
	ginRouter.GET("/metrics", gin.WrapH(met.Handler()))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           ginRouter,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithFields(map[string]interface{}{"addr": cfg.HTTPAddr}).Info("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	<-gctx.Done()
	logger.Info("Shutting down router service")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("HTTP server shutdown failed")
	}

	rtr.Stop()

	if err := g.Wait(); err != nil {
		logger.WithError(err).Error("Router service exited with error")
		return
	}
	logger.Info("Router service stopped")
}
