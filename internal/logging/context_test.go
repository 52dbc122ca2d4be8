package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextValues(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, "", RunID(ctx))
	_, ok := Trial(ctx)
	assert.False(t, ok)
	assert.Equal(t, "", Parameter(ctx))

	ctx = WithRunID(ctx, "run-1")
	ctx = WithTrial(ctx, 7)
	ctx = WithParameter(ctx, "delay")

	assert.Equal(t, "run-1", RunID(ctx))
	trial, ok := Trial(ctx)
	require.True(t, ok)
	assert.Equal(t, 7, trial)
	assert.Equal(t, "delay", Parameter(ctx))
}

func TestCorrelationHandler_InjectsAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewTextHandler(&buf, nil)))

	ctx := WithParameter(WithTrial(WithRunID(context.Background(), "run-1"), 3), "delay")
	logger.InfoContext(ctx, "resolving")

	out := buf.String()
	assert.Contains(t, out, "run_id=run-1")
	assert.Contains(t, out, "trial=3")
	assert.Contains(t, out, "parameter=delay")
}

func TestCorrelationHandler_NoContextNoAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewTextHandler(&buf, nil)))

	logger.InfoContext(context.Background(), "plain")

	out := buf.String()
	assert.NotContains(t, out, "run_id")
	assert.NotContains(t, out, "trial=")
	assert.NotContains(t, out, "parameter=")
}

func TestCorrelationHandler_WithAttrsAndGroup(t *testing.T) {
	var buf bytes.Buffer
	base := NewCorrelationHandler(slog.NewTextHandler(&buf, nil))
	logger := slog.New(base).With("component", "cache").WithGroup("detail")

	logger.InfoContext(WithRunID(context.Background(), "run-1"), "msg", "k", "v")

	out := buf.String()
	assert.Contains(t, out, "component=cache")
	assert.Contains(t, out, "detail.k=v")
	assert.Contains(t, out, "run_id=run-1")
}
