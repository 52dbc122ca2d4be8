package expressions

// Engine compiles parameter expressions into runnable programs.
// Two implementations: Expr (default dialect, full builtin and generator
// namespace) and CEL (restricted arithmetic/conditional dialect).
type Engine interface {
	Name() string
	Compile(expression string) (Program, error)
}

// Program is a compiled expression. An expression string is compiled once
// per change; the resulting Program is evaluated against a fresh
// environment on every resolution.
type Program interface {
	// Dependencies returns the free identifiers referenced by the
	// expression, in first-appearance order. Callers intersect these with
	// the declared parameter set to resolve dependencies before running.
	Dependencies() []string

	// Run evaluates the expression against the environment. Keys in env
	// are exposed as top-level variables.
	Run(env map[string]any) (any, error)
}
