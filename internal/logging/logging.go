// Package logging wraps logrus with JSON output, optional rotation, and
// context-aware loggers that carry correlation and trace identifiers.
package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel represents the logging level
type LogLevel string

const (
	DebugLevel LogLevel = "debug"
	InfoLevel  LogLevel = "info"
	WarnLevel  LogLevel = "warn"
	ErrorLevel LogLevel = "error"
)

// LogConfig holds the logging configuration
type LogConfig struct {
	Level      LogLevel `json:"level"`
	Format     string   `json:"format"` // "json" or "text"
	Output     string   `json:"output"` // "stdout", "stderr", or file path
	Rotation   bool     `json:"rotation"`
	MaxSize    int      `json:"max_size"` // MB
	MaxBackups int      `json:"max_backups"`
	MaxAge     int      `json:"max_age"` // days
	Compress   bool     `json:"compress"`
}

// DefaultLogConfig returns the default logging configuration
func DefaultLogConfig() *LogConfig {
	return &LogConfig{
		Level:      InfoLevel,
		Format:     "json",
		Output:     "stdout",
		Rotation:   false,
		MaxSize:    100,
		MaxBackups: 3,
		MaxAge:     28,
		Compress:   true,
	}
}

// LoadLogConfig reads the logging configuration from environment variables.
func LoadLogConfig() *LogConfig {
	cfg := DefaultLogConfig()
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Level = LogLevel(v)
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Format = v
	}
	if v := os.Getenv("LOG_OUTPUT"); v != "" {
		cfg.Output = v
		cfg.Rotation = true
	}
	return cfg
}

// Logger wraps logrus with additional functionality
type Logger struct {
	*logrus.Logger
	config *LogConfig
}

// redactedFields are config keys whose values never reach log output.
// Channel secrets and device credentials route through here.
var redactedFields = map[string]struct{}{
	"secret":   {},
	"password": {},
	"token":    {},
	"api_key":  {},
}

// Redact returns a copy of a config map safe for logging.
func Redact(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		if _, hidden := redactedFields[k]; hidden {
			out[k] = "[REDACTED]"
			continue
		}
		out[k] = v
	}
	return out
}

// NewLogger creates a new logger instance
func NewLogger(config *LogConfig) (*Logger, error) {
	if config == nil {
		config = DefaultLogConfig()
	}

	logger := logrus.New()

	switch config.Level {
	case DebugLevel:
		logger.SetLevel(logrus.DebugLevel)
	case InfoLevel:
		logger.SetLevel(logrus.InfoLevel)
	case WarnLevel:
		logger.SetLevel(logrus.WarnLevel)
	case ErrorLevel:
		logger.SetLevel(logrus.ErrorLevel)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}

	if config.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		})
	}

	var output io.Writer
	switch config.Output {
	case "stdout":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	default:
		// File output with optional rotation
		if config.Rotation {
			output = &lumberjack.Logger{
				Filename:   config.Output,
				MaxSize:    config.MaxSize,
				MaxBackups: config.MaxBackups,
				MaxAge:     config.MaxAge,
				Compress:   config.Compress,
			}
		} else {
			file, err := os.OpenFile(config.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
			if err != nil {
				return nil, fmt.Errorf("failed to open log file: %w", err)
			}
			output = file
		}
	}

	logger.SetOutput(output)

	return &Logger{
		Logger: logger,
		config: config,
	}, nil
}

// ContextualLogger provides context-aware logging
type ContextualLogger struct {
	*Logger
	fields logrus.Fields
}

// WithContext creates a new logger with context information
func (l *Logger) WithContext(ctx context.Context) *ContextualLogger {
	fields := logrus.Fields{}

	if correlationID := GetCorrelationID(ctx); correlationID != "" {
		fields["correlation_id"] = correlationID
	}

	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		fields["trace_id"] = span.SpanContext().TraceID().String()
		fields["span_id"] = span.SpanContext().SpanID().String()
	}

	return &ContextualLogger{
		Logger: l,
		fields: fields,
	}
}

// WithComponent tags every entry with the emitting component name.
func (l *Logger) WithComponent(name string) *ContextualLogger {
	return &ContextualLogger{
		Logger: l,
		fields: logrus.Fields{"component": name},
	}
}

// WithFields adds additional fields to the logger
func (cl *ContextualLogger) WithFields(fields logrus.Fields) *ContextualLogger {
	combined := make(logrus.Fields)
	for k, v := range cl.fields {
		combined[k] = v
	}
	for k, v := range fields {
		combined[k] = v
	}

	return &ContextualLogger{
		Logger: cl.Logger,
		fields: combined,
	}
}

// WithField adds a single field to the logger
func (cl *ContextualLogger) WithField(key string, value interface{}) *ContextualLogger {
	return cl.WithFields(logrus.Fields{key: value})
}

// WithError attaches an error field.
func (cl *ContextualLogger) WithError(err error) *ContextualLogger {
	return cl.WithFields(logrus.Fields{logrus.ErrorKey: err})
}

// Debug logs a debug message
func (cl *ContextualLogger) Debug(args ...interface{}) {
	cl.Logger.WithFields(cl.fields).Debug(args...)
}

// Debugf logs a formatted debug message
func (cl *ContextualLogger) Debugf(format string, args ...interface{}) {
	cl.Logger.WithFields(cl.fields).Debugf(format, args...)
}

// Info logs an info message
func (cl *ContextualLogger) Info(args ...interface{}) {
	cl.Logger.WithFields(cl.fields).Info(args...)
}

// Infof logs a formatted info message
func (cl *ContextualLogger) Infof(format string, args ...interface{}) {
	cl.Logger.WithFields(cl.fields).Infof(format, args...)
}

// Warn logs a warning message
func (cl *ContextualLogger) Warn(args ...interface{}) {
	cl.Logger.WithFields(cl.fields).Warn(args...)
}

// Warnf logs a formatted warning message
func (cl *ContextualLogger) Warnf(format string, args ...interface{}) {
	cl.Logger.WithFields(cl.fields).Warnf(format, args...)
}

// Error logs an error message
func (cl *ContextualLogger) Error(args ...interface{}) {
	cl.Logger.WithFields(cl.fields).Error(args...)
}

// Errorf logs a formatted error message
func (cl *ContextualLogger) Errorf(format string, args ...interface{}) {
	cl.Logger.WithFields(cl.fields).Errorf(format, args...)
}

// Fatal logs a message then exits
func (cl *ContextualLogger) Fatal(args ...interface{}) {
	cl.Logger.WithFields(cl.fields).Fatal(args...)
}

// Correlation ID context key
type correlationIDKey struct{}

// WithCorrelationID adds a correlation ID to the context
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	return context.WithValue(ctx, correlationIDKey{}, correlationID)
}

// GetCorrelationID retrieves the correlation ID from the context
func GetCorrelationID(ctx context.Context) string {
	if correlationID, ok := ctx.Value(correlationIDKey{}).(string); ok {
		return correlationID
	}
	return ""
}

// NewCorrelationID generates a new correlation ID
func NewCorrelationID() string {
	return uuid.New().String()
}

// Global logger instance
var globalLogger *Logger

// Init initializes the process-wide logger. Call once from main before any
// component starts.
func Init(config *LogConfig) error {
	logger, err := NewLogger(config)
	if err != nil {
		return err
	}
	globalLogger = logger
	return nil
}

// L returns the process-wide logger instance
func L() *Logger {
	if globalLogger == nil {
		logger, _ := NewLogger(DefaultLogConfig())
		globalLogger = logger
	}
	return globalLogger
}

// FromContext creates a contextual logger from context
func FromContext(ctx context.Context) *ContextualLogger {
	return L().WithContext(ctx)
}
