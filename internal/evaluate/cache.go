// Package evaluate implements the trial-context evaluation engine: lazy,
// memoized resolution of parameter expressions with transitive dependency
// evaluation, cycle detection, and change reporting.
//
// Single-threaded cooperative model: one Cache per running experiment,
// driven from one control loop. Callers serialize GetCurrentValue,
// EvaluatePendingExpressions, and InvalidateCurrentContext.
package evaluate

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/neurobench/trialctx/internal/dispatch"
	"github.com/neurobench/trialctx/internal/expressions"
	"github.com/neurobench/trialctx/internal/logging"
	"github.com/neurobench/trialctx/internal/registry"
	"github.com/neurobench/trialctx/internal/sequence"
	"github.com/neurobench/trialctx/pkg/schema"
)

// State is the per-trial lifecycle of the cache.
type State string

const (
	// StateFresh means the working cache is empty and no resolution has
	// started for the trial.
	StateFresh State = "FRESH"
	// StateResolving means at least one resolution has happened.
	StateResolving State = "RESOLVING"
	// StateSettled means every declared parameter has a resolved value.
	StateSettled State = "SETTLED"
)

// Cache is the context evaluation engine. It owns the per-trial working
// cache, the resolution stack used for cycle detection, and the
// prior-trial baseline exposed to expressions as the read-only `prev` map.
type Cache struct {
	reg      *registry.Registry
	builtins map[string]any
	disp     *dispatch.Dispatcher
	logger   *slog.Logger

	// current is the fully resolved value set from the prior trial. It
	// rolls forward only when a trial settles cleanly; invalidation never
	// touches it.
	current map[string]any

	// working is the per-trial memoization store.
	working map[string]any

	// stack records names resolving on the current call chain, for cycle
	// detection. Empty between GetCurrentValue invocation trees.
	stack []string

	// wrapped records names whose finite sequence exhausted and was reset
	// during this trial, driving paired (AdvanceWhen) generators.
	wrapped map[string]bool

	state State
}

// New creates a Cache over the registry with the given builtin namespace.
// The cache's dispatcher diffs against the cache's own baseline; register
// change handlers through Dispatcher().
func New(reg *registry.Registry, builtins map[string]any, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cache{
		reg:      reg,
		builtins: builtins,
		logger:   logger,
		current:  make(map[string]any),
		working:  make(map[string]any),
		wrapped:  make(map[string]bool),
		state:    StateFresh,
	}
	c.disp = dispatch.New(c.Prior, logger)
	return c
}

// Dispatcher returns the change dispatcher wired to this cache's baseline.
func (c *Cache) Dispatcher() *dispatch.Dispatcher { return c.disp }

// State returns the cache's trial lifecycle state.
func (c *Cache) State() State { return c.state }

// Prior looks up a parameter's value in the prior-trial baseline. The
// second return is false before the first settled trial.
func (c *Cache) Prior(name string) (any, bool) {
	v, ok := c.current[name]
	return v, ok
}

// Resolved reports the parameter's working-cache value for the current
// trial, if it has resolved.
func (c *Cache) Resolved(name string) (any, bool) {
	v, ok := c.working[name]
	return v, ok
}

// GetCurrentValue returns the parameter's value for the current trial,
// resolving it (and transitively its dependencies) on demand. A resolved
// value is cached for the remainder of the trial, so expressions with side
// effects evaluate at most once per trial no matter how many dependents
// request them.
func (c *Cache) GetCurrentValue(ctx context.Context, name string) (any, error) {
	if v, ok := c.working[name]; ok {
		return v, nil
	}
	if !c.reg.Declared(name) {
		return nil, schema.NewErrorf(schema.ErrCodeUnknownParameter,
			"not declared").WithParameter(name)
	}

	// Cycle check before any evaluation attempt: a name already on the
	// resolution stack means the dependency chain loops back.
	for i, n := range c.stack {
		if n == name {
			cycle := make([]string, len(c.stack)-i)
			copy(cycle, c.stack[i:])
			return nil, schema.NewErrorf(schema.ErrCodeCycleDetected,
				"circular dependency: %s", strings.Join(cycle, " -> ")).
				WithParameter(name).
				WithCycle(cycle)
		}
	}

	if c.state == StateFresh {
		c.state = StateResolving
	}

	c.stack = append(c.stack, name)
	defer func() { c.stack = c.stack[:len(c.stack)-1] }()

	ctx = logging.WithParameter(ctx, name)
	c.logger.DebugContext(ctx, "resolving parameter")

	prg, err := c.reg.Program(name)
	if err != nil {
		return nil, err
	}

	// Resolve declared dependencies first. A paired parameter also
	// depends on the one driving its advancement.
	deps := append([]string(nil), prg.Dependencies()...)
	if w := c.reg.AdvanceWhen(name); w != "" {
		deps = append(deps, w)
	}
	for _, d := range deps {
		if !c.reg.Declared(d) {
			continue // builtin or prev reference
		}
		if _, ok := c.working[d]; ok {
			continue
		}
		if _, err := c.GetCurrentValue(ctx, d); err != nil {
			return nil, err
		}
	}

	value, err := c.resolve(name, prg)
	if err != nil {
		// Nothing is cached, so a retry after correcting the
		// expression is safe.
		return nil, err
	}

	c.working[name] = value
	if err := c.disp.OnResolved(ctx, name, value); err != nil {
		// The resolution stands; the handler failure surfaces to the
		// caller.
		return nil, err
	}
	return value, nil
}

// SetCurrentValue injects an externally computed value into the working
// cache for the current trial (e.g. data-derived context), reported to the
// dispatcher like any resolution.
func (c *Cache) SetCurrentValue(ctx context.Context, name string, value any) error {
	if c.state == StateFresh {
		c.state = StateResolving
	}
	c.working[name] = value
	return c.disp.OnResolved(logging.WithParameter(ctx, name), name, value)
}

// EvaluatePendingExpressions force-resolves every parameter not yet in the
// working cache, in registry declaration order. Failures are collected: a
// failing parameter is skipped and the remaining ones resolve best-effort,
// with all failures returned joined. Only a clean pass settles the trial
// and rolls the baseline forward.
func (c *Cache) EvaluatePendingExpressions(ctx context.Context) error {
	if c.state == StateFresh {
		c.state = StateResolving
	}

	var errs []error
	for _, name := range c.reg.Names() {
		if _, ok := c.working[name]; ok {
			continue
		}
		if _, err := c.GetCurrentValue(ctx, name); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	snapshot := make(map[string]any, len(c.working))
	for k, v := range c.working {
		snapshot[k] = v
	}
	c.current = snapshot
	c.state = StateSettled
	c.logger.DebugContext(ctx, "context settled", "parameters", len(snapshot))
	return nil
}

// InvalidateCurrentContext clears the working cache for a new trial.
// Idempotent; the prior-trial baseline is retained until the next clean
// settle.
func (c *Cache) InvalidateCurrentContext() {
	c.working = make(map[string]any)
	c.wrapped = make(map[string]bool)
	c.state = StateFresh
}

// ResetGenerator discards a parameter's generator state so its sequence
// restarts on the next resolution.
func (c *Cache) ResetGenerator(name string) error {
	return c.reg.ResetGenerator(name)
}

// LoggableSnapshot returns the ordered (name, value, expression) set for
// loggable parameters. Only valid once the trial has settled.
func (c *Cache) LoggableSnapshot() ([]schema.TrialValue, error) {
	if c.state != StateSettled {
		return nil, schema.NewError(schema.ErrCodeValidation,
			"context is not settled")
	}
	var out []schema.TrialValue
	for _, name := range c.reg.Names() {
		loggable, err := c.reg.IsLoggable(name)
		if err != nil || !loggable {
			continue
		}
		expression, _ := c.reg.ActiveExpression(name)
		out = append(out, schema.TrialValue{
			Name:       name,
			Value:      c.working[name],
			Expression: expression,
		})
	}
	return out, nil
}

// resolve produces the parameter's value for the trial: a generator draw
// for generator-backed parameters, a program run otherwise.
func (c *Cache) resolve(name string, prg expressions.Program) (any, error) {
	if g := c.reg.Generator(name); g != nil {
		return c.advance(name, g)
	}

	out, err := prg.Run(c.environment())
	if err != nil {
		return nil, tagParameter(err, name)
	}

	// An expression evaluating to a generator hands ownership to the
	// registry; the first draw happens immediately.
	if g, ok := out.(*sequence.Generator); ok {
		if err := c.reg.AdoptGenerator(name, g); err != nil {
			return nil, err
		}
		return c.advance(name, g)
	}
	return out, nil
}

// advance draws from a generator at most once per trial. A paired
// parameter holds its previous draw until the sequence it waits on has
// wrapped around during the trial.
func (c *Cache) advance(name string, g *sequence.Generator) (any, error) {
	if w := c.reg.AdvanceWhen(name); w != "" && !c.wrapped[w] {
		if v, ok := c.reg.LastDraw(name); ok {
			return v, nil
		}
	}

	v, err := g.Next()
	if err != nil && sequence.Exhausted(err) && c.reg.Caught(name) {
		// A paired parameter waits on this sequence: wrap around and
		// record the wraparound for the trial.
		g.Reset()
		c.wrapped[name] = true
		v, err = g.Next()
	}
	if err != nil {
		return nil, tagParameter(err, name)
	}

	c.reg.RecordDraw(name, v)
	return v, nil
}

// environment builds the evaluation namespace: builtins, every resolved
// value of the current trial, and the prior-trial baseline under `prev`.
func (c *Cache) environment() map[string]any {
	env := make(map[string]any, len(c.builtins)+len(c.working)+1)
	for k, v := range c.builtins {
		env[k] = v
	}
	for k, v := range c.working {
		env[k] = v
	}
	prev := make(map[string]any, len(c.current))
	for k, v := range c.current {
		prev[k] = v
	}
	env["prev"] = prev
	return env
}

// tagParameter attaches the parameter name to a structured error, or wraps
// an arbitrary error as an evaluation failure for that parameter.
func tagParameter(err error, name string) error {
	var te *schema.TrialError
	if errors.As(err, &te) && te.Parameter == "" {
		te.Parameter = name
		return te
	}
	if te != nil {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeEvaluation, "%s", err.Error()).
		WithParameter(name).
		WithCause(err)
}
