package expressions

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	celast "github.com/google/cel-go/common/ast"

	"github.com/neurobench/trialctx/pkg/schema"
)

// VariableSource reports the parameter names that may appear in a CEL
// expression. CEL requires variables to be declared at compile time, so the
// engine rebuilds its environment whenever the declared set changes.
type VariableSource func() []string

// CELEngine implements the Engine interface using Google's Common
// Expression Language. It is the restricted dialect for pure
// arithmetic/comparison/conditional expressions over parameters and the
// prior-trial context; it has no access to builtins or generators.
// Thread-safe: compiled programs are cached per declared-variable set.
type CELEngine struct {
	vars VariableSource

	mu    sync.RWMutex
	cache map[string]*celProgram
}

// NewCELEngine creates a new CEL expression engine. vars supplies the
// declared parameter names; nil means no parameters are referenceable.
func NewCELEngine(vars VariableSource) *CELEngine {
	if vars == nil {
		vars = func() []string { return nil }
	}
	return &CELEngine{
		vars:  vars,
		cache: make(map[string]*celProgram),
	}
}

// Name returns the engine identifier.
func (e *CELEngine) Name() string {
	return "cel"
}

// Compile compiles a CEL expression against the current declared-variable
// set. Programs are cached keyed by expression plus variable set, so a new
// declaration invalidates stale entries naturally.
func (e *CELEngine) Compile(expression string) (Program, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty CEL expression")
	}

	names := append([]string(nil), e.vars()...)
	sort.Strings(names)
	key := expression + "\x00" + strings.Join(names, "\x00")

	e.mu.RLock()
	if prg, ok := e.cache[key]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Double-check after acquiring write lock.
	if prg, ok := e.cache[key]; ok {
		return prg, nil
	}

	opts := make([]cel.EnvOption, 0, len(names)+1)
	opts = append(opts, cel.Variable("prev", cel.MapType(cel.StringType, cel.DynType)))
	for _, n := range names {
		if n == "prev" {
			continue
		}
		opts = append(opts, cel.Variable(n, cel.DynType))
	}

	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL compile error in %q: %s", expression, issues.Err().Error()).
			WithCause(issues.Err()).
			WithDetails(map[string]any{"expression": expression})
	}

	compiled, err := env.Program(ast)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL program error for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	prg := &celProgram{
		expression: expression,
		program:    compiled,
		deps:       collectCELIdents(ast),
		declared:   names,
	}
	e.cache[key] = prg
	return prg, nil
}

// celProgram is a compiled CEL expression.
type celProgram struct {
	expression string
	program    cel.Program
	deps       []string
	declared   []string
}

func (p *celProgram) Dependencies() []string {
	return p.deps
}

func (p *celProgram) Run(env map[string]any) (any, error) {
	// CEL rejects activations referencing undeclared variables, so only
	// the declared subset is passed through.
	activation := make(map[string]any, len(p.declared)+1)
	for _, n := range p.declared {
		if v, ok := env[n]; ok {
			activation[n] = v
		}
	}
	if prev, ok := env["prev"]; ok {
		activation["prev"] = prev
	} else {
		activation["prev"] = map[string]any{}
	}

	out, _, err := p.program.Eval(activation)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeEvaluation,
			"CEL evaluation failed for %q: %s", p.expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": p.expression})
	}
	return out.Value(), nil
}

// collectCELIdents walks the checked AST and returns referenced identifier
// names in first-appearance order. Comprehension-internal accumulators
// (double-underscore or @-prefixed) are skipped.
func collectCELIdents(ast *cel.Ast) []string {
	var names []string
	seen := make(map[string]bool)

	visitor := celast.NewExprVisitor(func(e celast.Expr) {
		if e.Kind() != celast.IdentKind {
			return
		}
		name := e.AsIdent()
		if seen[name] || strings.HasPrefix(name, "__") || strings.HasPrefix(name, "@") {
			return
		}
		seen[name] = true
		names = append(names, name)
	})
	celast.PreOrderVisit(celast.NavigateAST(ast.NativeRep()), visitor)

	return names
}

var _ Engine = (*CELEngine)(nil)
