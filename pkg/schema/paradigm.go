package schema

import "time"

// Dialect selects the expression engine used to compile a parameter's
// expression.
type Dialect string

const (
	// DialectExpr is the default dialect: expr-lang with the builtin
	// function and generator namespace available.
	DialectExpr Dialect = "expr"
	// DialectCEL is a restricted dialect for pure
	// arithmetic/comparison/conditional expressions over parameters.
	DialectCEL Dialect = "cel"
)

// ParameterDefinition declares a single experimental parameter.
type ParameterDefinition struct {
	// Name is the unique identifier referenced by other expressions.
	Name string `json:"name"`

	// Expression is the literal or expression that produces the
	// parameter's per-trial value.
	Expression string `json:"expression"`

	// Label is the human-readable name shown by edit surfaces and logs.
	Label string `json:"label,omitempty"`

	// Log marks the parameter for inclusion in the trial log.
	Log bool `json:"log,omitempty"`

	// Dialect selects the expression engine. Empty means DialectExpr.
	Dialect Dialect `json:"dialect,omitempty"`

	// AdvanceWhen pairs this parameter's sequence generator with another
	// parameter: the generator advances only in trials where the named
	// parameter's finite sequence wrapped around.
	AdvanceWhen string `json:"advance_when,omitempty"`
}

// ParadigmDefinition is the declarative document describing an experiment's
// parameter set. Loaded from JSON and validated before any evaluation.
type ParadigmDefinition struct {
	Name       string                `json:"name"`
	Parameters []ParameterDefinition `json:"parameters"`
	Metadata   map[string]any        `json:"metadata,omitempty"`
}

// Run identifies one execution of a paradigm.
type Run struct {
	ID        string    `json:"id"`
	Paradigm  string    `json:"paradigm"`
	CreatedAt time.Time `json:"created_at"`
}

// TrialValue is one logged parameter resolution within a trial.
type TrialValue struct {
	Name       string `json:"name"`
	Value      any    `json:"value"`
	Expression string `json:"expression"`
}

// TrialRecord is the full set of logged resolutions for one trial,
// handed to the persistence sink after the trial settles.
type TrialRecord struct {
	RunID    string       `json:"run_id"`
	Trial    int          `json:"trial"`
	Values   []TrialValue `json:"values"`
	LoggedAt time.Time    `json:"logged_at"`
}
