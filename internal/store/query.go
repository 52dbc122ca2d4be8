package store

import (
	"context"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/neurobench/trialctx/pkg/schema"
)

// TrialQuerier evaluates jq expressions over a run's trial log for
// post-hoc analysis: filtering, reshaping, and aggregating logged values.
// Thread-safe: compiled *Code objects are cached and reused.
type TrialQuerier struct {
	store TrialStore

	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewTrialQuerier creates a querier over the given store.
func NewTrialQuerier(s TrialStore) *TrialQuerier {
	return &TrialQuerier{
		store: s,
		cache: make(map[string]*gojq.Code),
	}
}

// QueryTrials loads the run's trial records and applies the jq expression
// to each. Every record is exposed to the filter as
// {"run_id", "trial", "values": {name: value}, "expressions": {name: expression}}.
// Outputs of nil are skipped so filters like `select(.values.x > 1)` work
// naturally; all other outputs are collected in trial order.
func (q *TrialQuerier) QueryTrials(ctx context.Context, runID, expression string) ([]any, error) {
	code, err := q.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	records, err := q.store.GetTrials(ctx, runID)
	if err != nil {
		return nil, err
	}

	var results []any
	for _, rec := range records {
		iter := code.RunWithContext(ctx, trialDocument(rec))
		for {
			val, ok := iter.Next()
			if !ok {
				break
			}
			if err, isErr := val.(error); isErr {
				return nil, schema.NewErrorf(schema.ErrCodeEvaluation,
					"jq evaluation failed for %q: %s", expression, err.Error()).
					WithCause(err).
					WithDetails(map[string]any{"expression": expression})
			}
			if val != nil {
				results = append(results, val)
			}
		}
	}
	return results, nil
}

// trialDocument converts a record to the plain-map shape gojq operates on.
func trialDocument(rec *schema.TrialRecord) map[string]any {
	values := make(map[string]any, len(rec.Values))
	exprs := make(map[string]any, len(rec.Values))
	for _, v := range rec.Values {
		values[v.Name] = v.Value
		exprs[v.Name] = v.Expression
	}
	return map[string]any{
		"run_id":      rec.RunID,
		"trial":       rec.Trial,
		"values":      values,
		"expressions": exprs,
	}
}

// getOrCompile returns a cached compiled program or compiles and caches a new one.
func (q *TrialQuerier) getOrCompile(expression string) (*gojq.Code, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty jq expression")
	}

	q.mu.RLock()
	if code, ok := q.cache[expression]; ok {
		q.mu.RUnlock()
		return code, nil
	}
	q.mu.RUnlock()

	q.mu.Lock()
	defer q.mu.Unlock()

	// Double-check after acquiring write lock.
	if code, ok := q.cache[expression]; ok {
		return code, nil
	}

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq parse error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	q.cache[expression] = code
	return code, nil
}
