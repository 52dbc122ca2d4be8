package expressions

import (
	"sync"

	"github.com/expr-lang/expr"
	exprast "github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
	"github.com/expr-lang/expr/vm"

	"github.com/neurobench/trialctx/pkg/schema"
)

// ExprEngine implements the Engine interface using expr-lang/expr. It is
// the default dialect for parameter expressions: arithmetic, comparisons,
// conditional expressions, and calls into the builtin function and
// generator namespace.
// Thread-safe: compiled programs are cached and reused.
type ExprEngine struct {
	mu    sync.RWMutex
	cache map[string]*exprProgram
}

// NewExprEngine creates a new Expr expression engine.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{
		cache: make(map[string]*exprProgram),
	}
}

// Name returns the engine identifier.
func (e *ExprEngine) Name() string {
	return "expr"
}

// Compile parses and compiles an expression, returning a cached program
// when the same expression string was compiled before. Free identifiers
// are collected from the AST in the same pass.
func (e *ExprEngine) Compile(expression string) (Program, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty expression")
	}

	e.mu.RLock()
	if prg, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Double-check after acquiring write lock.
	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	tree, err := parser.Parse(expression)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"parse error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	collector := &identCollector{seen: make(map[string]bool)}
	exprast.Walk(&tree.Node, collector)

	compiled, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	prg := &exprProgram{
		expression: expression,
		program:    compiled,
		deps:       collector.names,
	}
	e.cache[expression] = prg
	return prg, nil
}

// exprProgram is a compiled expr-lang expression.
type exprProgram struct {
	expression string
	program    *vm.Program
	deps       []string
}

func (p *exprProgram) Dependencies() []string {
	return p.deps
}

func (p *exprProgram) Run(env map[string]any) (any, error) {
	if env == nil {
		env = map[string]any{}
	}
	out, err := vm.Run(p.program, env)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeEvaluation,
			"evaluation failed for %q: %s", p.expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": p.expression})
	}
	return out, nil
}

// identCollector gathers free identifier names from an expr AST in
// first-appearance order.
type identCollector struct {
	names []string
	seen  map[string]bool
}

func (c *identCollector) Visit(node *exprast.Node) {
	id, ok := (*node).(*exprast.IdentifierNode)
	if !ok || c.seen[id.Value] {
		return
	}
	c.seen[id.Value] = true
	c.names = append(c.names, id.Value)
}

var _ Engine = (*ExprEngine)(nil)
