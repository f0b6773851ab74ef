// Command ingestd runs the telemetry ingestion service: the authenticated
// HTTP intake, the MQTT bridge, the bus consumer for raw frames, and the
// validation pipeline that batches accepted readings into storage.
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
	"github.com/pulsegrid/pulse/internal/cache"
	"github.com/pulsegrid/pulse/internal/config"
	"github.com/pulsegrid/pulse/internal/database"
	"github.com/pulsegrid/pulse/internal/ingest"
	"github.com/pulsegrid/pulse/internal/logging"
	"github.com/pulsegrid/pulse/internal/metrics"
	"github.com/pulsegrid/pulse/internal/middleware"
	"github.com/pulsegrid/pulse/internal/monitoring"
	"github.com/pulsegrid/pulse/internal/sentry"
	"github.com/pulsegrid/pulse/internal/tracing"
)

const serviceName = "pulse-ingest"

// version is stamped by the build.
var version = "dev"

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("No .env file loaded: %v", err)
	}

	if err := logging.Init(logging.LoadLogConfig()); err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	logger := logging.L().WithComponent("ingestd")

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

	cfg := config.LoadIngestConfig()
	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("Invalid ingest configuration")
	}

	db, err := database.Connect(config.LoadDatabaseConfig())
	if err != nil {
		logger.WithError(err).Fatal("Database connection failed")
	}
	defer db.Close()
	if err := database.InitSchema(ctx, db); err != nil {
		logger.WithError(err).Fatal("Schema initialization failed")
	}

	redisClient, err := cache.New(config.LoadRedisConfig())
	if err != nil {
		logger.WithError(err).Fatal("Redis connection failed")
	}
	defer redisClient.Close()

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

	repo := ingest.NewRepository(db)
	writer := ingest.NewBatchWriter(repo, b, met, cfg)
	deduper := ingest.NewDeduper(redisClient, cfg.DedupWindow)
	limits := ingest.NewRateLimiterRegistry(cfg.RatePerSecond, cfg.RateBurst)
	pipe := ingest.NewPipeline(repo, deduper, limits, writer, met, cfg)

	writer.Start()
	pipe.Start()

	consumer := ingest.NewConsumer(b, pipe)
	if err := consumer.Start(); err != nil {
		logger.WithError(err).Fatal("Bus consumer failed to start")
	}

	// A missing broker must not take down HTTP and bus intake; the bridge
	// keeps reconnecting in the background once it starts.
	bridge := ingest.NewBridge(config.LoadMQTTConfig(), b)
	bridgeUp := false
	if err := bridge.Start(ctx); err != nil {
		logger.WithError(err).Warn("MQTT bridge unavailable, HTTP and bus intake continue")
	} else {
		bridgeUp = true
	}

	health := monitoring.NewHealthChecker(serviceName, version)
	health.RegisterDatabaseCheck("postgres", db)
	health.RegisterRedisCheck("redis", redisClient)
	health.RegisterBusCheck("nats", b)
	health.RegisterCustomCheck("pipeline", func() monitoring.ComponentHealth {
		if !pipe.Running() || !writer.Running() {
			return monitoring.ComponentHealth{
				Status:      monitoring.HealthStatusUnhealthy,
				Message:     "Ingestion pipeline is not running",
				LastChecked: time.Now(),
			}
		}
		return monitoring.ComponentHealth{
			Status:      monitoring.HealthStatusHealthy,
			Message:     "Ingestion pipeline running",
			LastChecked: time.Now(),
		}
	})

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(
		middleware.RequestLogger("ingest"),
		middleware.Recovery(),
		otelgin.Middleware(serviceName),
	)

	router.GET("/health", health.HealthHandler())
	router.GET("/ready", health.ReadinessHandler())
	router.GET("/live", health.LivenessHandler())
	router.GET("/metrics", gin.WrapH(met.Handler()))

	ingest.RegisterRoutes(router, pipe, repo, validator)

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

	<-gctx.Done()
	logger.Info("Shutting down ingest service")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("HTTP server shutdown failed")
	}

	// Stop the intakes before the pipeline so nothing enqueues into a
	// draining queue, and the pipeline before the writer so the final
	// flush sees every accepted reading.
	if bridgeUp {
		bridge.Stop()
	}
	consumer.Stop()
	pipe.Stop()
	writer.Stop()
	limits.Stop()

	if err := g.Wait(); err != nil {
		logger.WithError(err).Error("Ingest service exited with error")
		return
	}
	logger.Info("Ingest service stopped")
}
