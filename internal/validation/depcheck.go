package validation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/neurobench/trialctx/internal/expressions"
	"github.com/neurobench/trialctx/pkg/schema"
)

// CheckParameters performs the static analysis that JSON Schema cannot
// express: duplicate names, compile errors, unresolvable references,
// advance_when pairing, and dependency cycle detection (Kahn's algorithm).
// Used both when loading a paradigm and as the dry-run before Apply.
//
// builtins is the set of names resolvable from the expression namespace
// provider; identifiers that are neither declared parameters nor builtins
// produce a warning, since they may be supplied as extra context at trial
// time.
func CheckParameters(params []schema.ParameterDefinition,
	engines map[schema.Dialect]expressions.Engine,
	builtins map[string]any) *schema.ValidationResult {

	result := &schema.ValidationResult{}

	declared := make(map[string]bool, len(params))
	for i, p := range params {
		path := fmt.Sprintf("parameters[%d]", i)
		if declared[p.Name] {
			result.AddError(path, schema.ErrCodeDuplicateParameter,
				fmt.Sprintf("duplicate parameter name %q", p.Name))
			continue
		}
		declared[p.Name] = true
	}

	// Compile every expression and collect dependency edges between
	// declared parameters.
	edges := make(map[string][]string, len(params))
	reverse := make(map[string][]string, len(params))

	for _, p := range params {
		path := fmt.Sprintf("parameters[%s]", p.Name)

		dialect := p.Dialect
		if dialect == "" {
			dialect = schema.DialectExpr
		}
		engine, ok := engines[dialect]
		if !ok {
			result.AddError(path, schema.ErrCodeValidation,
				fmt.Sprintf("unknown expression dialect %q", dialect))
			continue
		}

		prg, err := engine.Compile(p.Expression)
		if err != nil {
			result.AddError(path, schema.ErrCodeValidation,
				fmt.Sprintf("expression does not compile: %s", err.Error()))
			continue
		}

		deps := prg.Dependencies()
		if p.AdvanceWhen != "" {
			if !declared[p.AdvanceWhen] {
				result.AddError(path, schema.ErrCodeUnknownParameter,
					fmt.Sprintf("advance_when references undeclared parameter %q", p.AdvanceWhen))
			} else {
				deps = append(append([]string(nil), deps...), p.AdvanceWhen)
			}
		}

		seen := make(map[string]bool, len(deps))
		for _, d := range deps {
			if d == "prev" || seen[d] {
				continue
			}
			seen[d] = true
			if declared[d] {
				edges[p.Name] = append(edges[p.Name], d)
				reverse[d] = append(reverse[d], p.Name)
				continue
			}
			if _, isBuiltin := builtins[d]; !isBuiltin {
				result.AddWarning(path, schema.ErrCodeUnknownParameter,
					fmt.Sprintf("identifier %q is neither a declared parameter nor a builtin; it must be provided as extra context", d))
			}
		}
	}

	if !result.Valid() {
		return result // cycle analysis on a broken graph is meaningless
	}

	// Kahn's algorithm for cycle detection.
	inDegree := make(map[string]int, len(declared))
	for name := range declared {
		inDegree[name] = len(edges[name])
	}

	queue := make([]string, 0, len(declared))
	for name, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, name)
		}
	}
	sort.Strings(queue)

	visited := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		visited++
		for _, dep := range reverse[node] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if visited != len(declared) {
		var cyclic []string
		for name, deg := range inDegree {
			if deg > 0 {
				cyclic = append(cyclic, name)
			}
		}
		sort.Strings(cyclic)
		result.AddError("parameters", schema.ErrCodeCycleDetected,
			fmt.Sprintf("parameter expressions contain a dependency cycle involving: %s",
				strings.Join(cyclic, ", ")))
	}

	return result
}
