// Package logging provides structured logging with tenant/execution
// correlation, mirroring the teacher's trace-ID-carrying logger.
package logging

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// ContextKey is the type for context keys this package reads/writes.
type ContextKey string

const (
	TenantKey        ContextKey = "tenant"
	RollupIDKey      ContextKey = "rollup_id"
	ExecutionIDKey   ContextKey = "execution_id"
	CorrelationIDKey ContextKey = "correlation_id"
)

// Logger wraps logrus.Logger with rollup-engine-specific field helpers.
type Logger struct {
	*logrus.Logger
	component string
}

// New creates a Logger for the named component ("index", "orchestrator",
// "cache", ...).
func New(component, level, format string) *Logger {
	logger := logrus.New()

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	if format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{TimestampFormat: time.RFC3339, FullTimestamp: true})
	}
	logger.SetOutput(os.Stdout)

	return &Logger{Logger: logger, component: component}
}

// NewFromEnv builds a Logger using LOG_LEVEL/LOG_FORMAT, defaulting to
// info/json as the teacher's NewFromEnv does.
func NewFromEnv(component string) *Logger {
	level := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if level == "" {
		level = "info"
	}
	format := strings.TrimSpace(os.Getenv("LOG_FORMAT"))
	if format == "" {
		format = "json"
	}
	return New(component, level, format)
}

// WithContext builds a logrus entry carrying every correlation field present
// in ctx.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("component", l.component)
	if tenant := ctx.Value(TenantKey); tenant != nil {
		entry = entry.WithField("tenant", tenant)
	}
	if rollupID := ctx.Value(RollupIDKey); rollupID != nil {
		entry = entry.WithField("rollup_id", rollupID)
	}
	if executionID := ctx.Value(ExecutionIDKey); executionID != nil {
		entry = entry.WithField("execution_id", executionID)
	}
	if correlationID := ctx.Value(CorrelationIDKey); correlationID != nil {
		entry = entry.WithField("correlation_id", correlationID)
	}
	return entry
}

func (l *Logger) WithFields(fields map[string]interface{}) *logrus.Entry {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["component"] = l.component
	return l.Logger.WithFields(fields)
}

func (l *Logger) WithError(err error) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{"component": l.component, "error": err.Error()})
}

// Context helpers

func WithTenant(ctx context.Context, tenant string) context.Context {
	return context.WithValue(ctx, TenantKey, tenant)
}

func Tenant(ctx context.Context) string {
	t, _ := ctx.Value(TenantKey).(string)
	return t
}

func WithRollupID(ctx context.Context, rollupID string) context.Context {
	return context.WithValue(ctx, RollupIDKey, rollupID)
}

func WithExecutionID(ctx context.Context, executionID string) context.Context {
	return context.WithValue(ctx, ExecutionIDKey, executionID)
}

func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, CorrelationIDKey, correlationID)
}

func CorrelationID(ctx context.Context) string {
	c, _ := ctx.Value(CorrelationIDKey).(string)
	return c
}

// Structured helpers used across the core subsystems.

func (l *Logger) LogPhaseTransition(ctx context.Context, phase string, durationMs int64) {
	l.WithContext(ctx).WithFields(logrus.Fields{"phase": phase, "duration_ms": durationMs}).Info("execution phase completed")
}

func (l *Logger) LogRetry(ctx context.Context, attempt, maxAttempts int, delay time.Duration, err error) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"attempt":      attempt,
		"max_attempts": maxAttempts,
		"delay_ms":     delay.Milliseconds(),
	}).WithError(err).Warn("retrying after transient failure")
}

func (l *Logger) LogDeadLetter(ctx context.Context, attempts int, err error) {
	l.WithContext(ctx).WithFields(logrus.Fields{"attempts": attempts}).WithError(err).Error("execution moved to dead-letter queue")
}

// Global default logger, matching the teacher's process-scoped singleton
// convention (design notes: "per-process default ... treat as process-scoped
// singletons with a reset primitive for tests").
var defaultLogger *Logger

func InitDefault(component, level, format string) {
	defaultLogger = New(component, level, format)
}

func Default() *Logger {
	if defaultLogger == nil {
		defaultLogger = New("rollup-engine", "info", "json")
	}
	return defaultLogger
}

// ResetDefault clears the process-wide default logger; test-only.
func ResetDefault() {
	defaultLogger = nil
}
