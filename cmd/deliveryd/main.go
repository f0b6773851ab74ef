// Command deliveryd runs the notification delivery service: it stages
// routed jobs from the bus into the Redis work queue and drives the worker
// pool that sends webhook, SNMP trap, email, and MQTT notifications with
// retry and dead-letter handling.
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
	"github.com/pulsegrid/pulse/internal/cache"
	"github.com/pulsegrid/pulse/internal/config"
	"github.com/pulsegrid/pulse/internal/database"
	"github.com/pulsegrid/pulse/internal/delivery"
	"github.com/pulsegrid/pulse/internal/logging"
	"github.com/pulsegrid/pulse/internal/metrics"
	"github.com/pulsegrid/pulse/internal/middleware"
	"github.com/pulsegrid/pulse/internal/models"
	"github.com/pulsegrid/pulse/internal/monitoring"
	"github.com/pulsegrid/pulse/internal/sentry"
	"github.com/pulsegrid/pulse/internal/tracing"
)

const serviceName = "pulse-delivery"

// version is stamped by the build.
var version = "dev"

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("No .env file loaded: %v", err)
	}

	if err := logging.Init(logging.LoadLogConfig()); err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	logger := logging.L().WithComponent("deliveryd")

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

	cfg := config.LoadDeliveryConfig()
	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("Invalid delivery configuration")
	}

	db, err := database.Connect(config.LoadDatabaseConfig())
	if err != nil {
		logger.WithError(err).Fatal("Database connection failed")
	}
	defer db.Close()

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

	repo := delivery.NewRepository(db)
	queue := delivery.NewQueue(redisClient)

	senders := delivery.NewRegistry()
	senders.Register(models.ChannelWebhook, delivery.NewWebhookSender(cfg.WebhookTimeout))
	senders.Register(models.ChannelSNMP, delivery.NewSNMPSender())
	senders.Register(models.ChannelEmail, delivery.NewEmailSender(cfg))
	senders.Register(models.ChannelMQTT, delivery.NewMQTTSender())

	svc := delivery.NewService(repo, queue, senders, met, cfg)
	worker := delivery.NewWorker(svc, queue, cfg)
	worker.Start()

	consumer := delivery.NewConsumer(b, queue)
	if err := consumer.Start(); err != nil {
		logger.WithError(err).Fatal("Job consumer failed to start")
	}

	health := monitoring.NewHealthChecker(serviceName, version)
	health.RegisterDatabaseCheck("postgres", db)
	health.RegisterRedisCheck("redis", redisClient)
	health.RegisterBusCheck("nats", b)
	health.RegisterCustomCheck("worker", func() monitoring.ComponentHealth {
		if !worker.Running() {
			return monitoring.ComponentHealth{
				Status:      monitoring.HealthStatusUnhealthy,
				Message:     "Delivery worker pool is not running",
				LastChecked: time.Now(),
			}
		}
		return monitoring.ComponentHealth{
			Status:      monitoring.HealthStatusHealthy,
			Message:     "Delivery worker pool running",
			LastChecked: time.Now(),
		}
	})

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(
		middleware.RequestLogger("delivery"),
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

	<-gctx.Done()
	logger.Info("Shutting down delivery service")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("HTTP server shutdown failed")
	}

	// Stop staging before the workers so in-flight sends finish against a
	// quiet queue.
	consumer.Stop()
	worker.Stop()

	if err := g.Wait(); err != nil {
		logger.WithError(err).Error("Delivery service exited with error")
		return
	}
	logger.Info("Delivery service stopped")
}
