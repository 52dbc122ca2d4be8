package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	runIDKey ctxKey = iota
	trialKey
	parameterKey
)

// WithRunID returns a context with the run ID set.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey, id)
}

// WithTrial returns a context with the trial number set.
func WithTrial(ctx context.Context, trial int) context.Context {
	return context.WithValue(ctx, trialKey, trial)
}

// WithParameter returns a context with the parameter name set.
func WithParameter(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, parameterKey, name)
}

// RunID extracts the run ID from the context, or "" if absent.
func RunID(ctx context.Context) string {
	v, _ := ctx.Value(runIDKey).(string)
	return v
}

// Trial extracts the trial number from the context; ok is false if absent.
func Trial(ctx context.Context) (int, bool) {
	v, ok := ctx.Value(trialKey).(int)
	return v, ok
}

// Parameter extracts the parameter name from the context, or "" if absent.
func Parameter(ctx context.Context) string {
	v, _ := ctx.Value(parameterKey).(string)
	return v
}

// CorrelationHandler wraps an slog.Handler, automatically injecting run,
// trial, and parameter correlation attributes from the context into every
// log record. Use with slog.New(NewCorrelationHandler(inner)) so callers
// can use logger.InfoContext(ctx, ...) and IDs appear automatically.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler with automatic correlation attribute injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	if v := RunID(ctx); v != "" {
		r.AddAttrs(slog.String("run_id", v))
	}
	if v, ok := Trial(ctx); ok {
		r.AddAttrs(slog.Int("trial", v))
	}
	if v := Parameter(ctx); v != "" {
		r.AddAttrs(slog.String("parameter", v))
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
