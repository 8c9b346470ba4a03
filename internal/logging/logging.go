// Package logging builds component-scoped slog.Logger instances on top of
// pkg/logger's slog setup, and carries the orchestration-specific
// correlation IDs (execution, trace) through context.Context.
package logging

import (
	"context"
	"log/slog"

	"github.com/kubedeploy/orchestrator/internal/config"
	"github.com/kubedeploy/orchestrator/pkg/logger"
)

type contextKey string

const (
	executionIDKey contextKey = "execution_id"
	traceIDKey     contextKey = "trace_id"
)

// New builds the root logger from the application's LogConfig.
func New(cfg config.LogConfig) *slog.Logger {
	return logger.NewLogger(logger.Config{
		Level:      cfg.Level,
		Format:     cfg.Format,
		Output:     cfg.Output,
		Filename:   cfg.Filename,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	})
}

// Component returns a logger scoped to a named subsystem.
func Component(base *slog.Logger, name string) *slog.Logger {
	return base.With("component", name)
}

// WithExecutionID attaches an execution ID to the context so downstream
// FromContext calls can correlate log lines across a deployment's stages.
func WithExecutionID(ctx context.Context, executionID string) context.Context {
	return context.WithValue(ctx, executionIDKey, executionID)
}

// WithTraceID attaches a trace ID to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// ExecutionID extracts the execution ID from the context, if any.
func ExecutionID(ctx context.Context) string {
	if v, ok := ctx.Value(executionIDKey).(string); ok {
		return v
	}
	return ""
}

// TraceID extracts the trace ID from the context, if any.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey).(string); ok {
		return v
	}
	return ""
}

// FromContext returns base enriched with whatever correlation IDs are
// present on ctx.
func FromContext(ctx context.Context, base *slog.Logger) *slog.Logger {
	l := base
	if id := ExecutionID(ctx); id != "" {
		l = l.With("execution_id", id)
	}
	if id := TraceID(ctx); id != "" {
		l = l.With("trace_id", id)
	}
	return l
}
