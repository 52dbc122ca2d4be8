// Package registry holds the static declaration of every experimental
// parameter: its active expression, staged (pending) edits, display
// metadata, and any sequence generator its expression owns. The registry
// never evaluates anything; evaluation belongs to the context cache.
package registry

import (
	"github.com/neurobench/trialctx/internal/expressions"
	"github.com/neurobench/trialctx/internal/sequence"
	"github.com/neurobench/trialctx/pkg/schema"
)

// parameter is the internal per-parameter record.
type parameter struct {
	def     schema.ParameterDefinition
	program expressions.Program

	// pending holds a staged expression edit, nil when none.
	pending *string

	// generator is owned here for the lifetime of the active expression.
	// The context cache advances it at most once per trial.
	generator *sequence.Generator
	lastDraw  any
	hasDraw   bool
}

// Registry stores parameter declarations in a stable declaration order.
// Not safe for concurrent use: callers serialize access, one registry per
// running experiment.
type Registry struct {
	order   []string
	params  map[string]*parameter
	engines map[schema.Dialect]expressions.Engine
}

// New creates a Registry compiling expressions with the given engines,
// keyed by dialect. An empty dialect on a declaration means DialectExpr.
func New(engines map[schema.Dialect]expressions.Engine) *Registry {
	return &Registry{
		params:  make(map[string]*parameter),
		engines: engines,
	}
}

// Declare registers a parameter and compiles its expression. Fails with
// DUPLICATE_PARAMETER if the name is already declared.
func (r *Registry) Declare(def schema.ParameterDefinition) error {
	if def.Name == "" {
		return schema.NewError(schema.ErrCodeValidation, "parameter name is empty")
	}
	if _, exists := r.params[def.Name]; exists {
		return schema.NewErrorf(schema.ErrCodeDuplicateParameter,
			"already declared").WithParameter(def.Name)
	}

	prg, err := r.compile(def.Dialect, def.Expression)
	if err != nil {
		return err
	}

	r.params[def.Name] = &parameter{def: def, program: prg}
	r.order = append(r.order, def.Name)
	return nil
}

// SetPending stages an expression edit. The active expression is untouched
// until Apply.
func (r *Registry) SetPending(name, expression string) error {
	p, ok := r.params[name]
	if !ok {
		return unknown(name)
	}
	p.pending = &expression
	return nil
}

// HasPending reports whether any edits are staged.
func (r *Registry) HasPending() bool {
	for _, p := range r.params {
		if p.pending != nil {
			return true
		}
	}
	return false
}

// Apply promotes every pending expression to active in one atomic step:
// all staged expressions are compiled first, and any compile failure
// aborts the whole apply with no parameter changed. Generators owned by
// replaced expressions are discarded. Returns the names whose active
// expression changed, in declaration order.
func (r *Registry) Apply() ([]string, error) {
	type staged struct {
		p          *parameter
		name       string
		expression string
		program    expressions.Program
	}

	var batch []staged
	for _, name := range r.order {
		p := r.params[name]
		if p.pending == nil {
			continue
		}
		if *p.pending == p.def.Expression {
			p.pending = nil
			continue
		}
		prg, err := r.compile(p.def.Dialect, *p.pending)
		if err != nil {
			return nil, err
		}
		batch = append(batch, staged{p: p, name: name, expression: *p.pending, program: prg})
	}

	changed := make([]string, 0, len(batch))
	for _, s := range batch {
		s.p.def.Expression = s.expression
		s.p.program = s.program
		s.p.pending = nil
		s.p.generator = nil
		s.p.lastDraw = nil
		s.p.hasDraw = false
		changed = append(changed, s.name)
	}
	return changed, nil
}

// Revert discards all pending edits, leaving active expressions untouched.
func (r *Registry) Revert() {
	for _, p := range r.params {
		p.pending = nil
	}
}

// Names returns the declared parameter names in declaration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Declared reports whether name is a declared parameter.
func (r *Registry) Declared(name string) bool {
	_, ok := r.params[name]
	return ok
}

// ActiveExpression returns the parameter's active expression string.
func (r *Registry) ActiveExpression(name string) (string, error) {
	p, ok := r.params[name]
	if !ok {
		return "", unknown(name)
	}
	return p.def.Expression, nil
}

// PendingExpression returns the staged expression, or "" and false when
// none is staged.
func (r *Registry) PendingExpression(name string) (string, bool) {
	p, ok := r.params[name]
	if !ok || p.pending == nil {
		return "", false
	}
	return *p.pending, true
}

// IsLoggable reports whether the parameter is marked for the trial log.
func (r *Registry) IsLoggable(name string) (bool, error) {
	p, ok := r.params[name]
	if !ok {
		return false, unknown(name)
	}
	return p.def.Log, nil
}

// Label returns the parameter's display label, falling back to its name.
func (r *Registry) Label(name string) string {
	p, ok := r.params[name]
	if !ok || p.def.Label == "" {
		return name
	}
	return p.def.Label
}

// Program returns the compiled program for the active expression.
func (r *Registry) Program(name string) (expressions.Program, error) {
	p, ok := r.params[name]
	if !ok {
		return nil, unknown(name)
	}
	return p.program, nil
}

// StagedDefinitions returns a copy of every parameter's definition, in
// declaration order, with any staged expression substituted for the active
// one. Used for the dry-run validation that precedes Apply.
func (r *Registry) StagedDefinitions() []schema.ParameterDefinition {
	out := make([]schema.ParameterDefinition, 0, len(r.order))
	for _, name := range r.order {
		p := r.params[name]
		def := p.def
		if p.pending != nil {
			def.Expression = *p.pending
		}
		out = append(out, def)
	}
	return out
}

// AdvanceWhen returns the paired-advance parameter name, "" when unpaired.
func (r *Registry) AdvanceWhen(name string) string {
	p, ok := r.params[name]
	if !ok {
		return ""
	}
	return p.def.AdvanceWhen
}

// Generator returns the generator owned by the parameter, nil when the
// active expression has not produced one.
func (r *Registry) Generator(name string) *sequence.Generator {
	p, ok := r.params[name]
	if !ok {
		return nil
	}
	return p.generator
}

// AdoptGenerator records a generator produced by the parameter's
// expression. The registry owns it until the expression is replaced or
// ResetGenerator is called.
func (r *Registry) AdoptGenerator(name string, g *sequence.Generator) error {
	p, ok := r.params[name]
	if !ok {
		return unknown(name)
	}
	p.generator = g
	return nil
}

// ResetGenerator discards the parameter's generator state so its sequence
// restarts from the beginning on the next resolution.
func (r *Registry) ResetGenerator(name string) error {
	p, ok := r.params[name]
	if !ok {
		return unknown(name)
	}
	if p.generator != nil {
		p.generator.Reset()
	}
	p.lastDraw = nil
	p.hasDraw = false
	return nil
}

// LastDraw returns the most recent generator draw for the parameter, used
// by paired (AdvanceWhen) parameters that hold their value across trials.
func (r *Registry) LastDraw(name string) (any, bool) {
	p, ok := r.params[name]
	if !ok {
		return nil, false
	}
	return p.lastDraw, p.hasDraw
}

// RecordDraw stores the parameter's generator draw for the trial.
func (r *Registry) RecordDraw(name string, value any) {
	if p, ok := r.params[name]; ok {
		p.lastDraw = value
		p.hasDraw = true
	}
}

// PairedWith returns the names of parameters whose AdvanceWhen references
// name, i.e. the parameters whose sequences are chained to its wraparound.
func (r *Registry) PairedWith(name string) []string {
	var out []string
	for _, n := range r.order {
		if r.params[n].def.AdvanceWhen == name {
			out = append(out, n)
		}
	}
	return out
}

// Caught reports whether any parameter is paired to name via AdvanceWhen,
// meaning exhaustion of name's finite sequence is caught and wrapped.
func (r *Registry) Caught(name string) bool {
	return len(r.PairedWith(name)) > 0
}

func (r *Registry) compile(dialect schema.Dialect, expression string) (expressions.Program, error) {
	if dialect == "" {
		dialect = schema.DialectExpr
	}
	engine, ok := r.engines[dialect]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown expression dialect %q", dialect)
	}
	return engine.Compile(expression)
}

func unknown(name string) error {
	return schema.NewErrorf(schema.ErrCodeUnknownParameter,
		"not declared").WithParameter(name)
}
