// Command maintenanced runs the scheduled housekeeping jobs: the telemetry
// and quarantine retention purges and the delivery queue sweep that reclaims
// stuck jobs, re-stages due retries, and replays recent dead letters.
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

	"github.com/pulsegrid/pulse/internal/cache"
	"github.com/pulsegrid/pulse/internal/config"
	"github.com/pulsegrid/pulse/internal/database"
	"github.com/pulsegrid/pulse/internal/delivery"
	"github.com/pulsegrid/pulse/internal/logging"
	"github.com/pulsegrid/pulse/internal/maintenance"
	"github.com/pulsegrid/pulse/internal/metrics"
	"github.com/pulsegrid/pulse/internal/middleware"
	"github.com/pulsegrid/pulse/internal/monitoring"
	"github.com/pulsegrid/pulse/internal/sentry"
	"github.com/pulsegrid/pulse/internal/tracing"
)

const serviceName = "pulse-maintenance"

// version is stamped by the build.
var version = "dev"

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("No .env file loaded: %v", err)
	}

	if err := logging.Init(logging.LoadLogConfig()); err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	logger := logging.L().WithComponent("maintenanced")

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

	cfg := config.LoadMaintenanceConfig()
	redisCfg := config.LoadRedisConfig()

	db, err := database.Connect(config.LoadDatabaseConfig())
	if err != nil {
		logger.WithError(err).Fatal("Database connection failed")
	}
	defer db.Close()

	redisClient, err := cache.New(redisCfg)
	if err != nil {
		logger.WithError(err).Fatal("Redis connection failed")
	}
	defer redisClient.Close()

	met := metrics.New()

	repo := maintenance.NewRepository(db)
	jobs := delivery.NewRepository(db)
	queue := delivery.NewQueue(redisClient)
	sweeper := maintenance.NewSweeper(repo, jobs, queue, met)

	server := maintenance.NewServer(redisCfg, cfg.Concurrency)
	server.Handle(maintenance.TypeTelemetryPurge, maintenance.NewTelemetryPurger(repo, cfg, met))
	server.Handle(maintenance.TypeQuarantinePurge, maintenance.NewQuarantinePurger(repo, cfg, met))
	server.Handle(maintenance.TypeDLQSweep, maintenance.NewSweepTask(sweeper))

	scheduler, err := maintenance.NewScheduler(redisCfg, cfg)
	if err != nil {
		logger.WithError(err).Fatal("Scheduler setup failed")
	}

	health := monitoring.NewHealthChecker(serviceName, version)
	health.RegisterDatabaseCheck("postgres", db)
	health.RegisterRedisCheck("redis", redisClient)
	health.RegisterCustomCheck("task_server", func() monitoring.ComponentHealth {
		if !server.Running() {
			return monitoring.ComponentHealth{
				Status:      monitoring.HealthStatusUnhealthy,
				Message:     "Task server is not running",
				LastChecked: time.Now(),
			}
		}
		return monitoring.ComponentHealth{
			Status:      monitoring.HealthStatusHealthy,
			Message:     "Task server running",
			LastChecked: time.Now(),
		}
	})

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(
		middleware.RequestLogger("maintenance"),
		middleware.Recovery(),
		otelgin.Middleware(serviceName),
	)

	router.GET("/health", health.HealthHandler())
	router.GET("/ready", health.ReadinessHandler())
	router.GET("/live", health.LivenessHandler())
	router.GET("/metrics", gin.WrapH(met.Handler()))

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
		logger.Info("Task scheduler started")
		if err := scheduler.Run(); err != nil {
			return fmt.Errorf("task scheduler: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.WithFields(map[string]interface{}{"concurrency": cfg.Concurrency}).Info("Task server started")
		if err := server.Run(); err != nil {
			return fmt.Errorf("task server: %w", err)
		}
		return nil
	})

	<-gctx.Done()
	logger.Info("Shutting down maintenance service")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("HTTP server shutdown failed")
	}

	scheduler.Shutdown()
	server.Shutdown()

	if err := g.Wait(); err != nil {
		logger.WithError(err).Error("Maintenance service exited with error")
		return
	}
	logger.Info("Maintenance service stopped")
}
