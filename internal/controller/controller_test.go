package controller

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neurobench/trialctx/internal/store"
	"github.com/neurobench/trialctx/pkg/schema"
)

func paradigm(params ...schema.ParameterDefinition) *schema.ParadigmDefinition {
	return &schema.ParadigmDefinition{Name: "test-paradigm", Parameters: params}
}

func param(name, expression string) schema.ParameterDefinition {
	return schema.ParameterDefinition{Name: name, Expression: expression, Log: true}
}

func TestController_New_NilParadigm(t *testing.T) {
	_, err := New(nil, Options{})
	require.Error(t, err)
}

func TestController_New_RejectsCycles(t *testing.T) {
	_, err := New(paradigm(
		param("a", "b + 1"),
		param("b", "a + 1"),
	), Options{})

	te := &schema.TrialError{}
	require.ErrorAs(t, err, &te)
	assert.Equal(t, schema.ErrCodeValidation, te.Code)
}

func TestController_New_RejectsDuplicates(t *testing.T) {
	_, err := New(paradigm(
		param("a", "1"),
		param("a", "2"),
	), Options{})
	require.Error(t, err)
}

func TestController_TrialLoop(t *testing.T) {
	ctl, err := New(paradigm(
		param("seq", "ascending([10, 20, 30])"),
		param("doubled", "seq * 2"),
	), Options{Seed: 1})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = ctl.NextTrial(ctx, nil)
	require.Error(t, err, "trials require a started run")

	run, err := ctl.Start(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, "test-paradigm", run.Paradigm)

	_, err = ctl.Start(ctx)
	require.Error(t, err, "a controller drives exactly one run")

	for i, want := range []int{10, 20, 30, 10} {
		trial, err := ctl.NextTrial(ctx, nil)
		require.NoError(t, err)
		assert.Equal(t, i+1, trial)
		assert.Equal(t, trial, ctl.Trial())

		v, err := ctl.GetCurrentValue(ctx, "seq")
		require.NoError(t, err)
		assert.Equal(t, want, v)

		d, err := ctl.GetCurrentValue(ctx, "doubled")
		require.NoError(t, err)
		assert.Equal(t, want*2, d)
	}
}

func TestController_ChangeHandlers(t *testing.T) {
	ctl, err := New(paradigm(param("delay", "0.2")), Options{Seed: 1})
	require.NoError(t, err)
	ctx := context.Background()

	var calls []any
	ctl.Dispatcher().RegisterHandler("delay", func(ctx context.Context, v any) error {
		calls = append(calls, v)
		return nil
	})

	_, err = ctl.Start(ctx)
	require.NoError(t, err)

	// Trial 1 fires the initial value, trial 2 is unchanged and silent.
	_, err = ctl.NextTrial(ctx, nil)
	require.NoError(t, err)
	_, err = ctl.NextTrial(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, []any{0.2}, calls)

	// An applied edit fires once with the new value.
	require.NoError(t, ctl.SetPending("delay", "0.5"))
	changed, err := ctl.Apply(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"delay"}, changed)

	_, err = ctl.NextTrial(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, []any{0.2, 0.5}, calls)
}

func TestController_ApplyDryRunRejectsBadEdit(t *testing.T) {
	ctl, err := New(paradigm(
		param("a", "1"),
		param("b", "a + 1"),
	), Options{Seed: 1})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = ctl.Start(ctx)
	require.NoError(t, err)
	_, err = ctl.NextTrial(ctx, nil)
	require.NoError(t, err)

	// An edit that would create a cycle is rejected before promotion.
	require.NoError(t, ctl.SetPending("a", "b + 1"))
	_, err = ctl.Apply(ctx)
	require.Error(t, err)

	// The active expressions are untouched and the next trial still works.
	ctl.Revert()
	_, err = ctl.NextTrial(ctx, nil)
	require.NoError(t, err)

	v, err := ctl.GetCurrentValue(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestController_ExtraContext(t *testing.T) {
	ctl, err := New(paradigm(
		param("threshold", "reaction_time * 1.5"),
	), Options{Seed: 1})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = ctl.Start(ctx)
	require.NoError(t, err)

	_, err = ctl.NextTrial(ctx, map[string]any{"reaction_time": 0.4})
	require.NoError(t, err)

	v, err := ctl.GetCurrentValue(ctx, "threshold")
	require.NoError(t, err)
	assert.InDelta(t, 0.6, v.(float64), 1e-12)
}

func TestController_ExtraBuiltins(t *testing.T) {
	ctl, err := New(paradigm(
		param("staircase", "step_size(3)"),
	), Options{
		Seed: 1,
		Extra: map[string]any{
			"step_size": func(n int) float64 { return 0.1 * float64(n) },
		},
	})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = ctl.Start(ctx)
	require.NoError(t, err)
	_, err = ctl.NextTrial(ctx, nil)
	require.NoError(t, err)

	v, err := ctl.GetCurrentValue(ctx, "staircase")
	require.NoError(t, err)
	assert.InDelta(t, 0.3, v.(float64), 1e-12)
}

func TestController_CELDialect(t *testing.T) {
	ctl, err := New(paradigm(
		param("base", "10"),
		schema.ParameterDefinition{
			Name:       "bonus",
			Expression: "base > 5 ? 100 : 0",
			Dialect:    schema.DialectCEL,
			Log:        true,
		},
	), Options{Seed: 1})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = ctl.Start(ctx)
	require.NoError(t, err)
	_, err = ctl.NextTrial(ctx, nil)
	require.NoError(t, err)

	v, err := ctl.GetCurrentValue(ctx, "bonus")
	require.NoError(t, err)
	assert.EqualValues(t, 100, v)
}

func TestController_ResetGenerator(t *testing.T) {
	ctl, err := New(paradigm(param("seq", "ascending([1, 2, 3])")), Options{Seed: 1})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = ctl.Start(ctx)
	require.NoError(t, err)

	for range []int{1, 2} {
		_, err = ctl.NextTrial(ctx, nil)
		require.NoError(t, err)
	}

	require.NoError(t, ctl.ResetGenerator("seq"))
	_, err = ctl.NextTrial(ctx, nil)
	require.NoError(t, err)

	v, err := ctl.GetCurrentValue(ctx, "seq")
	require.NoError(t, err)
	assert.Equal(t, 1, v, "sequence restarts after the reset")
}

func TestController_PersistsTrialLog(t *testing.T) {
	dbPath := "file:" + filepath.Join(t.TempDir(), "trials.db")
	s, err := store.NewLibSQLStore(dbPath)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Migrate(context.Background()))

	ctl, err := New(paradigm(
		param("seq", "ascending([5, 6])"),
		schema.ParameterDefinition{Name: "scratch", Expression: "seq * 0"},
	), Options{Seed: 1, Store: s})
	require.NoError(t, err)
	ctx := context.Background()

	run, err := ctl.Start(ctx)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err = ctl.NextTrial(ctx, nil)
		require.NoError(t, err)
	}

	stored, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "test-paradigm", stored.Paradigm)

	records, err := s.GetTrials(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, records, 2)

	require.Len(t, records[0].Values, 1, "unlogged parameters stay out of the trial log")
	assert.Equal(t, "seq", records[0].Values[0].Name)
	assert.Equal(t, 5.0, records[0].Values[0].Value)
	assert.Equal(t, 6.0, records[1].Values[0].Value)
}
