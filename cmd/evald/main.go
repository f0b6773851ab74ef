// Command evald runs the state evaluation service: the polling engine that
// derives device state and raises alert events, and the customer API for
// listing, acknowledging, and closing alerts.
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

	"github.com/pulsegrid/pulse/internal/auth"
	"github.com/pulsegrid/pulse/internal/bus"
	"github.com/pulsegrid/pulse/internal/config"
	"github.com/pulsegrid/pulse/internal/database"
	"github.com/pulsegrid/pulse/internal/evaluator"
	"github.com/pulsegrid/pulse/internal/logging"
	"github.com/pulsegrid/pulse/internal/metrics"
	"github.com/pulsegrid/pulse/internal/middleware"
	"github.com/pulsegrid/pulse/internal/monitoring"
	"github.com/pulsegrid/pulse/internal/sentry"
	"github.com/pulsegrid/pulse/internal/tracing"
)

const serviceName = "pulse-evaluator"

// version is stamped by the build.
var version = "dev"

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("No .env file loaded: %v", err)
	}

	if err := logging.Init(logging.LoadLogConfig()); err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	logger := logging.L().WithComponent("evald")

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

	cfg := config.LoadEvaluatorConfig()

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

	authCfg := config.LoadAuthConfig()
	keys := auth.NewKeySet(authCfg)
	keys.Start(ctx)
	defer keys.Stop()
	validator := auth.NewValidator(authCfg, keys)

	store := evaluator.NewRepository(db)
	engine := evaluator.New(store, b, met, cfg)

	health := monitoring.NewHealthChecker(serviceName, version)
	health.RegisterDatabaseCheck("postgres", db)
	health.RegisterBusCheck("nats", b)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(
		middleware.RequestLogger("evaluator"),
		middleware.Recovery(),
		otelgin.Middleware(serviceName),
	)

	router.GET("/health", health.HealthHandler())
	router.GET("/ready", health.ReadinessHandler())
	router.GET("/live", health.LivenessHandler())
	router.GET("/metrics", gin.WrapH(met.Handler()))

	evaluator.RegisterRoutes(router, store, b, validator)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
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
	g.Go(func() error {
		logger.WithFields(map[string]interface{}{"poll_interval": cfg.PollInterval.String()}).Info("Evaluation engine started")
		if err := engine.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("evaluation engine: %w", err)
		}
		return nil
	})

	<-gctx.Done()
	logger.Info("Shutting down evaluator service")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("HTTP server shutdown failed")
	}

	if err := g.Wait(); err != nil {
		logger.WithError(err).Error("Evaluator service exited with error")
		return
	}
	logger.Info("Evaluator service stopped")
}
