// Package config holds the typed runtime configuration for every process.
// Values come from environment variables; each component gets an enumerated
// record with stated defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// DatabaseConfig holds relational store connection settings. The same store
// carries the time-series telemetry table.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultDatabaseConfig returns database settings suitable for development.
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Host:            "localhost",
		Port:            5432,
		User:            "pulse",
		Password:        "",
		DBName:          "pulse",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// LoadDatabaseConfig reads database settings from the environment.
func LoadDatabaseConfig() DatabaseConfig {
	cfg := DefaultDatabaseConfig()
	cfg.Host = envOr("DB_HOST", cfg.Host)
	cfg.Port = envInt("DB_PORT", cfg.Port)
	cfg.User = envOr("DB_USER", cfg.User)
	cfg.Password = os.Getenv("DB_PASSWORD")
	cfg.DBName = envOr("DB_NAME", cfg.DBName)
	cfg.SSLMode = envOr("DB_SSLMODE", cfg.SSLMode)
	cfg.MaxOpenConns = envInt("DB_MAX_OPEN_CONNS", cfg.MaxOpenConns)
	cfg.MaxIdleConns = envInt("DB_MAX_IDLE_CONNS", cfg.MaxIdleConns)
	cfg.ConnMaxLifetime = envDuration("DB_CONN_MAX_LIFETIME", cfg.ConnMaxLifetime)
	return cfg
}

// DSN renders the lib/pq connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
}

// DefaultRedisConfig returns Redis settings suitable for development.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{Host: "localhost", Port: 6379, DB: 0, PoolSize: 10}
}

// LoadRedisConfig reads Redis settings from the environment.
func LoadRedisConfig() RedisConfig {
	cfg := DefaultRedisConfig()
	cfg.Host = envOr("REDIS_HOST", cfg.Host)
	cfg.Port = envInt("REDIS_PORT", cfg.Port)
	cfg.Password = os.Getenv("REDIS_PASSWORD")
	cfg.DB = envInt("REDIS_DB", cfg.DB)
	cfg.PoolSize = envInt("REDIS_POOL_SIZE", cfg.PoolSize)
	return cfg
}

// Addr renders host:port.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// BusConfig holds event bus (JetStream) settings. Stream retention follows
// the platform contract: TELEMETRY/INGEST/ALERTS age out after an hour,
// ROUTES after a day.
type BusConfig struct {
	URL           string
	Name          string // client connection name, shows up in monitoring
	MaxAckPending int
	MaxDeliver    int
	AckWait       time.Duration

	TelemetryMaxAge   time.Duration
	TelemetryMaxBytes int64
	RoutesMaxAge      time.Duration
	RoutesMaxBytes    int64
}

// DefaultBusConfig returns bus settings with contract retention values.
func DefaultBusConfig() BusConfig {
	return BusConfig{
		URL:               "nats://localhost:4222",
		Name:              "pulse",
		MaxAckPending:     1000,
		MaxDeliver:        3,
		AckWait:           30 * time.Second,
		TelemetryMaxAge:   time.Hour,
		TelemetryMaxBytes: 1 << 30, // 1 GB
		RoutesMaxAge:      24 * time.Hour,
		RoutesMaxBytes:    512 << 20, // 512 MB
	}
}

// LoadBusConfig reads bus settings from the environment.
func LoadBusConfig() BusConfig {
	cfg := DefaultBusConfig()
	cfg.URL = envOr("BUS_URL", cfg.URL)
	cfg.Name = envOr("BUS_CLIENT_NAME", cfg.Name)
	cfg.MaxAckPending = envInt("BUS_MAX_ACK_PENDING", cfg.MaxAckPending)
	cfg.MaxDeliver = envInt("BUS_MAX_DELIVER", cfg.MaxDeliver)
	cfg.AckWait = envDuration("BUS_ACK_WAIT", cfg.AckWait)
	return cfg
}

// MQTTConfig holds the device-facing broker connection for the ingest bridge
// and the mqtt delivery channel.
type MQTTConfig struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
	QoS       byte
}

// DefaultMQTTConfig returns broker settings suitable for development.
func DefaultMQTTConfig() MQTTConfig {
	return MQTTConfig{BrokerURL: "tcp://localhost:1883", ClientID: "pulse-ingest", QoS: 1}
}

// LoadMQTTConfig reads broker settings from the environment.
func LoadMQTTConfig() MQTTConfig {
	cfg := DefaultMQTTConfig()
	cfg.BrokerURL = envOr("MQTT_BROKER_URL", cfg.BrokerURL)
	cfg.ClientID = envOr("MQTT_CLIENT_ID", cfg.ClientID)
	cfg.Username = os.Getenv("MQTT_USERNAME")
	cfg.Password = os.Getenv("MQTT_PASSWORD")
	if q := envInt("MQTT_QOS", int(cfg.QoS)); q >= 0 && q <= 2 {
		cfg.QoS = byte(q)
	}
	return cfg
}

// AuthConfig holds JWT/JWKS verification settings.
type AuthConfig struct {
	IssuerURL    string
	JWKSURL      string // derived from IssuerURL when empty
	CacheTTL     time.Duration
	StalenessCap time.Duration
	FetchTimeout time.Duration
	OperatorRole string
}

// DefaultAuthConfig returns JWKS cache settings: 10 minute TTL, stale keys
// served up to an hour when the source is down.
func DefaultAuthConfig() AuthConfig {
	return AuthConfig{
		CacheTTL:     10 * time.Minute,
		StalenessCap: time.Hour,
		FetchTimeout: 5 * time.Second,
		OperatorRole: "operator",
	}
}

// LoadAuthConfig reads auth settings from the environment.
func LoadAuthConfig() AuthConfig {
	cfg := DefaultAuthConfig()
	cfg.IssuerURL = os.Getenv("JWT_ISSUER_URL")
	cfg.JWKSURL = os.Getenv("JWKS_URL")
	cfg.CacheTTL = envDuration("JWKS_CACHE_TTL", cfg.CacheTTL)
	cfg.StalenessCap = envDuration("JWKS_STALENESS_CAP", cfg.StalenessCap)
	cfg.FetchTimeout = envDuration("JWKS_FETCH_TIMEOUT", cfg.FetchTimeout)
	return cfg
}

// IngestConfig holds ingestion pipeline settings.
type IngestConfig struct {
	HTTPAddr string

	RatePerSecond float64
	RateBurst     int

	BatchMaxSize int
	BatchMaxAge  time.Duration
	FlushTries   int

	DedupWindow     time.Duration
	SkewTolerance   time.Duration
	AllowSkewBypass bool // operator override for replayed fleets
	MaxPayloadBytes int64

	QueueCapacity int
	Workers       int
}

// DefaultIngestConfig returns pipeline settings with contract defaults:
// 5 tokens/s burst 20, batches of 500 or 1000 ms, ±180 s clock skew,
// 2 minute seq dedup window.
func DefaultIngestConfig() IngestConfig {
	return IngestConfig{
		HTTPAddr:        ":8080",
		RatePerSecond:   5,
		RateBurst:       20,
		BatchMaxSize:    500,
		BatchMaxAge:     1000 * time.Millisecond,
		FlushTries:      3,
		DedupWindow:     2 * time.Minute,
		SkewTolerance:   180 * time.Second,
		AllowSkewBypass: false,
		MaxPayloadBytes: 64 << 10, // 64 KiB
		QueueCapacity:   4096,
		Workers:         8,
	}
}

// LoadIngestConfig reads pipeline settings from the environment.
func LoadIngestConfig() IngestConfig {
	cfg := DefaultIngestConfig()
	cfg.HTTPAddr = envOr("INGEST_HTTP_ADDR", cfg.HTTPAddr)
	cfg.RatePerSecond = envFloat("INGEST_RATE_PER_SECOND", cfg.RatePerSecond)
	cfg.RateBurst = envInt("INGEST_RATE_BURST", cfg.RateBurst)
	cfg.BatchMaxSize = envInt("INGEST_BATCH_MAX_SIZE", cfg.BatchMaxSize)
	cfg.BatchMaxAge = envDuration("INGEST_BATCH_MAX_AGE", cfg.BatchMaxAge)
	cfg.FlushTries = envInt("INGEST_FLUSH_TRIES", cfg.FlushTries)
	cfg.DedupWindow = envDuration("INGEST_DEDUP_WINDOW", cfg.DedupWindow)
	cfg.SkewTolerance = envDuration("INGEST_SKEW_TOLERANCE", cfg.SkewTolerance)
	cfg.AllowSkewBypass = envBool("INGEST_ALLOW_SKEW_BYPASS", cfg.AllowSkewBypass)
	cfg.MaxPayloadBytes = int64(envInt("INGEST_MAX_PAYLOAD_BYTES", int(cfg.MaxPayloadBytes)))
	cfg.QueueCapacity = envInt("INGEST_QUEUE_CAPACITY", cfg.QueueCapacity)
	cfg.Workers = envInt("INGEST_WORKERS", cfg.Workers)
	return cfg
}

// EvaluatorConfig holds evaluation engine settings.
type EvaluatorConfig struct {
	HTTPAddr string

	PollInterval time.Duration
	OnlineWindow time.Duration
	StaleWindow  time.Duration
	RollupFloor  time.Duration
}

// DefaultEvaluatorConfig returns engine settings: 30 s ticks, device ONLINE
// inside 2 minutes, STALE inside 10.
func DefaultEvaluatorConfig() EvaluatorConfig {
	return EvaluatorConfig{
		HTTPAddr:     ":8081",
		PollInterval: 30 * time.Second,
		OnlineWindow: 2 * time.Minute,
		StaleWindow:  10 * time.Minute,
		RollupFloor:  15 * time.Minute,
	}
}

// LoadEvaluatorConfig reads engine settings from the environment.
// POLL_SECONDS keeps its historical name.
func LoadEvaluatorConfig() EvaluatorConfig {
	cfg := DefaultEvaluatorConfig()
	cfg.HTTPAddr = envOr("EVALUATOR_HTTP_ADDR", cfg.HTTPAddr)
	if n := envInt("POLL_SECONDS", 0); n > 0 {
		cfg.PollInterval = time.Duration(n) * time.Second
	}
	cfg.OnlineWindow = envDuration("EVALUATOR_ONLINE_WINDOW", cfg.OnlineWindow)
	cfg.StaleWindow = envDuration("EVALUATOR_STALE_WINDOW", cfg.StaleWindow)
	cfg.RollupFloor = envDuration("EVALUATOR_ROLLUP_FLOOR", cfg.RollupFloor)
	return cfg
}

// RouterConfig holds notification router settings.
type RouterConfig struct {
	HTTPAddr string
}

// DefaultRouterConfig returns router settings.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{HTTPAddr: ":8082"}
}

// LoadRouterConfig reads router settings from the environment.
func LoadRouterConfig() RouterConfig {
	cfg := DefaultRouterConfig()
	cfg.HTTPAddr = envOr("ROUTER_HTTP_ADDR", cfg.HTTPAddr)
	return cfg
}

// DeliveryConfig holds delivery worker settings.
type DeliveryConfig struct {
	HTTPAddr string

	Workers        int
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	JitterFraction float64

	FetchInterval   time.Duration
	PromoteInterval time.Duration
	LockTTL         time.Duration

	WebhookTimeout time.Duration

	EmailProvider string // "smtp" or "sendgrid"
	SMTPHost      string
	SMTPPort      int
	SMTPUsername  string
	SMTPPassword  string
	SMTPFrom      string
	SendGridKey   string
}

// DefaultDeliveryConfig returns worker settings: 3 attempts, exponential
// backoff base 30 s capped at 15 min with ±20% jitter, 10 s webhook budget.
func DefaultDeliveryConfig() DeliveryConfig {
	return DeliveryConfig{
		HTTPAddr:        ":8083",
		Workers:         4,
		MaxAttempts:     3,
		BackoffBase:     30 * time.Second,
		BackoffMax:      15 * time.Minute,
		JitterFraction:  0.2,
		FetchInterval:   100 * time.Millisecond,
		PromoteInterval: 5 * time.Second,
		LockTTL:         time.Minute,
		WebhookTimeout:  10 * time.Second,
		EmailProvider:   "smtp",
		SMTPPort:        587,
		SMTPFrom:        "alerts@pulse.local",
	}
}

// LoadDeliveryConfig reads worker settings from the environment.
func LoadDeliveryConfig() DeliveryConfig {
	cfg := DefaultDeliveryConfig()
	cfg.HTTPAddr = envOr("DELIVERY_HTTP_ADDR", cfg.HTTPAddr)
	cfg.Workers = envInt("DELIVERY_WORKERS", cfg.Workers)
	cfg.MaxAttempts = envInt("DELIVERY_MAX_ATTEMPTS", cfg.MaxAttempts)
	cfg.BackoffBase = envDuration("DELIVERY_BACKOFF_BASE", cfg.BackoffBase)
	cfg.BackoffMax = envDuration("DELIVERY_BACKOFF_MAX", cfg.BackoffMax)
	cfg.JitterFraction = envFloat("DELIVERY_JITTER_FRACTION", cfg.JitterFraction)
	cfg.FetchInterval = envDuration("DELIVERY_FETCH_INTERVAL", cfg.FetchInterval)
	cfg.PromoteInterval = envDuration("DELIVERY_PROMOTE_INTERVAL", cfg.PromoteInterval)
	cfg.LockTTL = envDuration("DELIVERY_LOCK_TTL", cfg.LockTTL)
	cfg.WebhookTimeout = envDuration("DELIVERY_WEBHOOK_TIMEOUT", cfg.WebhookTimeout)
	cfg.EmailProvider = envOr("DELIVERY_EMAIL_PROVIDER", cfg.EmailProvider)
	cfg.SMTPHost = os.Getenv("SMTP_HOST")
	cfg.SMTPPort = envInt("SMTP_PORT", cfg.SMTPPort)
	cfg.SMTPUsername = os.Getenv("SMTP_USERNAME")
	cfg.SMTPPassword = os.Getenv("SMTP_PASSWORD")
	cfg.SMTPFrom = envOr("SMTP_FROM", cfg.SMTPFrom)
	cfg.SendGridKey = os.Getenv("SENDGRID_API_KEY")
	return cfg
}

// MaintenanceConfig holds retention and scheduled job settings.
type MaintenanceConfig struct {
	HTTPAddr    string
	Concurrency int

	TelemetryRetention  time.Duration
	QuarantineRetention time.Duration
	PurgeBatchSize      int

	TelemetryPurgeSpec  string // cron, scheduler timezone
	QuarantinePurgeSpec string
	DLQSweepSpec        string
}

// DefaultMaintenanceConfig returns retention defaults: telemetry 30 days,
// quarantine 7 days.
func DefaultMaintenanceConfig() MaintenanceConfig {
	return MaintenanceConfig{
		HTTPAddr:            ":8084",
		Concurrency:         2,
		TelemetryRetention:  30 * 24 * time.Hour,
		QuarantineRetention: 7 * 24 * time.Hour,
		PurgeBatchSize:      10000,
		TelemetryPurgeSpec:  "17 */2 * * *",
		QuarantinePurgeSpec: "43 * * * *",
		DLQSweepSpec:        "*/10 * * * *",
	}
}

// LoadMaintenanceConfig reads retention settings from the environment.
func LoadMaintenanceConfig() MaintenanceConfig {
	cfg := DefaultMaintenanceConfig()
	cfg.HTTPAddr = envOr("MAINTENANCE_HTTP_ADDR", cfg.HTTPAddr)
	cfg.Concurrency = envInt("MAINTENANCE_CONCURRENCY", cfg.Concurrency)
	cfg.TelemetryRetention = envDuration("TELEMETRY_RETENTION", cfg.TelemetryRetention)
	cfg.QuarantineRetention = envDuration("QUARANTINE_RETENTION", cfg.QuarantineRetention)
	cfg.PurgeBatchSize = envInt("PURGE_BATCH_SIZE", cfg.PurgeBatchSize)
	cfg.TelemetryPurgeSpec = envOr("TELEMETRY_PURGE_SPEC", cfg.TelemetryPurgeSpec)
	cfg.QuarantinePurgeSpec = envOr("QUARANTINE_PURGE_SPEC", cfg.QuarantinePurgeSpec)
	cfg.DLQSweepSpec = envOr("DLQ_SWEEP_SPEC", cfg.DLQSweepSpec)
	return cfg
}

// Validate checks cross-field constraints on ingest settings.
func (c IngestConfig) Validate() error {
	if c.RatePerSecond <= 0 || c.RateBurst <= 0 {
		return fmt.Errorf("rate limit must be positive, got %v/s burst %d", c.RatePerSecond, c.RateBurst)
	}
	if c.BatchMaxSize <= 0 || c.BatchMaxAge <= 0 {
		return fmt.Errorf("batch thresholds must be positive")
	}
	return nil
}

// Validate checks cross-field constraints on delivery settings.
func (c DeliveryConfig) Validate() error {
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("max attempts must be positive, got %d", c.MaxAttempts)
	}
	if c.BackoffBase <= 0 || c.BackoffMax < c.BackoffBase {
		return fmt.Errorf("backoff window invalid: base %v max %v", c.BackoffBase, c.BackoffMax)
	}
	if c.EmailProvider != "smtp" && c.EmailProvider != "sendgrid" {
		return fmt.Errorf("unknown email provider %q", c.EmailProvider)
	}
	return nil
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}
