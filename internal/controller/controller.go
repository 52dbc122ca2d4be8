// Package controller drives trials for one experiment run: it owns the
// registry, the context cache, and the trial log sink, and implements the
// refresh/evaluate/log cycle plus the apply/revert protocol on top of
// them. One controller per run, driven from one control loop.
package controller

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/neurobench/trialctx/internal/dispatch"
	"github.com/neurobench/trialctx/internal/evaluate"
	"github.com/neurobench/trialctx/internal/expressions"
	"github.com/neurobench/trialctx/internal/logging"
	"github.com/neurobench/trialctx/internal/registry"
	"github.com/neurobench/trialctx/internal/store"
	"github.com/neurobench/trialctx/internal/validation"
	"github.com/neurobench/trialctx/pkg/schema"
)

// Options configures a Controller.
type Options struct {
	// Seed makes the stochastic builtins reproducible; 0 means time-seeded.
	Seed int64

	// Store receives the trial log; nil disables persistence.
	Store store.TrialStore

	// Extra extends the builtin expression namespace with additional
	// callables or constants.
	Extra map[string]any

	Logger *slog.Logger
}

// Controller owns the evaluation engine for one experiment run.
type Controller struct {
	paradigm *schema.ParadigmDefinition
	reg      *registry.Registry
	cache    *evaluate.Cache
	trials   store.TrialStore
	engines  map[schema.Dialect]expressions.Engine
	builtins map[string]any
	logger   *slog.Logger

	run   *schema.Run
	trial int
}

// New validates the paradigm, declares its parameters, and returns a
// controller ready to Start.
func New(def *schema.ParadigmDefinition, opts Options) (*Controller, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "paradigm definition is nil")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	builtins := expressions.Builtins(opts.Seed)
	for k, v := range opts.Extra {
		builtins[k] = v
	}

	// The CEL dialect needs the declared name set at compile time. The
	// paradigm fixes that set for the lifetime of the run, so the engine
	// reads it from the definition rather than the registry, which lets
	// validation compile CEL expressions before anything is declared.
	names := make([]string, 0, len(def.Parameters))
	for _, p := range def.Parameters {
		names = append(names, p.Name)
	}
	engines := map[schema.Dialect]expressions.Engine{
		schema.DialectExpr: expressions.NewExprEngine(),
		schema.DialectCEL: expressions.NewCELEngine(func() []string {
			return names
		}),
	}
	reg := registry.New(engines)

	if err := validation.CheckParameters(def.Parameters, engines, builtins).ToError(); err != nil {
		return nil, err
	}

	for _, p := range def.Parameters {
		if err := reg.Declare(p); err != nil {
			return nil, err
		}
	}

	return &Controller{
		paradigm: def,
		reg:      reg,
		cache:    evaluate.New(reg, builtins, logger),
		trials:   opts.Store,
		engines:  engines,
		builtins: builtins,
		logger:   logger,
	}, nil
}

// Start opens a run: a fresh run ID is minted and recorded in the trial
// store when one is configured.
func (c *Controller) Start(ctx context.Context) (*schema.Run, error) {
	if c.run != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "run already started")
	}
	run := &schema.Run{ID: uuid.NewString(), Paradigm: c.paradigm.Name}
	if c.trials != nil {
		if err := c.trials.CreateRun(ctx, run); err != nil {
			return nil, err
		}
	}
	c.run = run
	c.logger.InfoContext(logging.WithRunID(ctx, run.ID), "run started",
		"paradigm", run.Paradigm)
	return run, nil
}

// Dispatcher exposes the change dispatcher for handler registration.
func (c *Controller) Dispatcher() *dispatch.Dispatcher {
	return c.cache.Dispatcher()
}

// Cache exposes the context cache for on-demand reads between trials.
func (c *Controller) Cache() *evaluate.Cache {
	return c.cache
}

// Trial returns the current trial number, 0 before the first NextTrial.
func (c *Controller) Trial() int { return c.trial }

// GetCurrentValue resolves a parameter for the trial in progress.
func (c *Controller) GetCurrentValue(ctx context.Context, name string) (any, error) {
	return c.cache.GetCurrentValue(c.correlate(ctx), name)
}

// NextTrial starts a new trial: the working cache is invalidated, extra
// context values (e.g. data-derived measurements) are injected, all
// expressions are force-resolved, and the settled loggable snapshot is
// appended to the trial log. Returns the trial number.
func (c *Controller) NextTrial(ctx context.Context, extra map[string]any) (int, error) {
	if c.run == nil {
		return 0, schema.NewError(schema.ErrCodeValidation, "run not started")
	}

	c.trial++
	ctx = c.correlate(ctx)
	c.logger.DebugContext(ctx, "starting trial")

	c.cache.InvalidateCurrentContext()
	for k, v := range extra {
		if err := c.cache.SetCurrentValue(ctx, k, v); err != nil {
			return c.trial, err
		}
	}

	if err := c.cache.EvaluatePendingExpressions(ctx); err != nil {
		return c.trial, err
	}

	if c.trials != nil {
		values, err := c.cache.LoggableSnapshot()
		if err != nil {
			return c.trial, err
		}
		if len(values) > 0 {
			rec := &schema.TrialRecord{RunID: c.run.ID, Trial: c.trial, Values: values}
			if err := c.trials.AppendTrial(ctx, rec); err != nil {
				return c.trial, err
			}
		}
	}
	return c.trial, nil
}

// SetPending stages an expression edit for the next Apply.
func (c *Controller) SetPending(name, expression string) error {
	return c.reg.SetPending(name, expression)
}

// Apply dry-run-validates every staged expression, then promotes them all
// atomically and invalidates the working cache so the new expressions
// re-evaluate against the retained baseline. Returns the changed names.
func (c *Controller) Apply(ctx context.Context) ([]string, error) {
	staged := c.reg.StagedDefinitions()
	if err := validation.CheckParameters(staged, c.engines, c.builtins).ToError(); err != nil {
		return nil, err
	}

	changed, err := c.reg.Apply()
	if err != nil {
		return nil, err
	}
	if len(changed) > 0 {
		c.cache.InvalidateCurrentContext()
		c.logger.InfoContext(c.correlate(ctx), "applied pending changes",
			"parameters", changed)
	}
	return changed, nil
}

// Revert discards all staged edits.
func (c *Controller) Revert() {
	c.reg.Revert()
}

// ResetGenerator restarts a parameter's sequence from the beginning.
func (c *Controller) ResetGenerator(name string) error {
	return c.cache.ResetGenerator(name)
}

func (c *Controller) correlate(ctx context.Context) context.Context {
	if c.run != nil {
		ctx = logging.WithRunID(ctx, c.run.ID)
	}
	if c.trial > 0 {
		ctx = logging.WithTrial(ctx, c.trial)
	}
	return ctx
}
