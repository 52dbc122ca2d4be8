// Package dispatch compares newly resolved parameter values against the
// prior trial's baseline and invokes per-parameter side-effect handlers
// only for values that actually changed.
package dispatch

import (
	"context"
	"log/slog"
	"reflect"

	"github.com/neurobench/trialctx/pkg/schema"
)

// Handler is a per-parameter side-effect callback (e.g. a hardware
// command). Handlers run synchronously on the resolving goroutine; a slow
// handler delays subsequent resolutions in the same trial.
type Handler func(ctx context.Context, value any) error

// BaselineFunc looks up a parameter's prior-trial value. The second return
// is false when no baseline exists yet (first trial), which forces a fire
// regardless of value.
type BaselineFunc func(name string) (any, bool)

// Dispatcher routes value changes to registered handlers. Absence of a
// handler for a parameter is valid and a silent no-op.
type Dispatcher struct {
	baseline BaselineFunc
	handlers map[string]Handler
	logger   *slog.Logger
}

// New creates a Dispatcher diffing against the given baseline.
func New(baseline BaselineFunc, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		baseline: baseline,
		handlers: make(map[string]Handler),
		logger:   logger,
	}
}

// RegisterHandler installs the side-effect handler for a parameter,
// replacing any previous one.
func (d *Dispatcher) RegisterHandler(name string, h Handler) {
	d.handlers[name] = h
}

// OnResolved is invoked by the context cache immediately after a parameter
// resolves. The handler fires exactly once when the value differs from the
// prior baseline, or when no baseline exists yet.
func (d *Dispatcher) OnResolved(ctx context.Context, name string, value any) error {
	prior, ok := d.baseline(name)
	if ok && ValuesEqual(prior, value) {
		return nil
	}

	h, exists := d.handlers[name]
	if !exists {
		d.logger.DebugContext(ctx, "no handler registered", "parameter", name)
		return nil
	}

	d.logger.DebugContext(ctx, "value changed",
		"parameter", name, "old", prior, "new", value)

	if err := h(ctx, value); err != nil {
		return schema.NewErrorf(schema.ErrCodeEvaluation,
			"change handler failed: %s", err.Error()).
			WithParameter(name).
			WithCause(err)
	}
	return nil
}

// ValuesEqual compares two resolved values by value, not identity.
// Numbers compare across representations: the expr dialect yields int
// while CEL yields int64 and literals may be float64; 2, int64(2) and 2.0
// are all equal.
func ValuesEqual(a, b any) bool {
	af, aok := numeric(a)
	bf, bok := numeric(b)
	if aok && bok {
		return af == bf
	}
	if aok != bok {
		return false
	}

	switch av := a.(type) {
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !ValuesEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			bvv, ok := bv[k]
			if !ok || !ValuesEqual(v, bvv) {
				return false
			}
		}
		return true
	}

	return reflect.DeepEqual(a, b)
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
