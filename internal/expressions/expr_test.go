package expressions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neurobench/trialctx/pkg/schema"
)

func TestExprEngine_Literals(t *testing.T) {
	e := NewExprEngine()

	cases := []struct {
		expression string
		want       any
	}{
		{"5", 5},
		{"2.5", 2.5},
		{`"left"`, "left"},
		{"true", true},
		{"[1, 2, 3]", []any{1, 2, 3}},
	}
	for _, tc := range cases {
		t.Run(tc.expression, func(t *testing.T) {
			prg, err := e.Compile(tc.expression)
			require.NoError(t, err)
			assert.Empty(t, prg.Dependencies())

			out, err := prg.Run(nil)
			require.NoError(t, err)
			assert.Equal(t, tc.want, out)
		})
	}
}

func TestExprEngine_Arithmetic(t *testing.T) {
	e := NewExprEngine()
	prg, err := e.Compile("a * b + 2")
	require.NoError(t, err)

	out, err := prg.Run(map[string]any{"a": 3, "b": 4})
	require.NoError(t, err)
	assert.Equal(t, 14, out)
}

func TestExprEngine_DependencyCollection(t *testing.T) {
	e := NewExprEngine()

	cases := []struct {
		expression string
		want       []string
	}{
		{"a + b * a", []string{"a", "b"}},
		{"toss() ? fast : slow", []string{"toss", "fast", "slow"}},
		{`prev["x"] + offset`, []string{"prev", "offset"}},
		{"42", nil},
	}
	for _, tc := range cases {
		t.Run(tc.expression, func(t *testing.T) {
			prg, err := e.Compile(tc.expression)
			require.NoError(t, err)
			assert.Equal(t, tc.want, prg.Dependencies())
		})
	}
}

func TestExprEngine_ParseError(t *testing.T) {
	e := NewExprEngine()
	_, err := e.Compile("1 + ")
	te := &schema.TrialError{}
	require.ErrorAs(t, err, &te)
	assert.Equal(t, schema.ErrCodeValidation, te.Code)
}

func TestExprEngine_EmptyExpression(t *testing.T) {
	e := NewExprEngine()
	_, err := e.Compile("")
	require.Error(t, err)
}

func TestExprEngine_RuntimeError(t *testing.T) {
	e := NewExprEngine()
	prg, err := e.Compile("missing + 1")
	require.NoError(t, err, "undefined variables are a runtime concern")

	_, err = prg.Run(map[string]any{})
	te := &schema.TrialError{}
	require.ErrorAs(t, err, &te)
	assert.Equal(t, schema.ErrCodeEvaluation, te.Code)
}

func TestExprEngine_CompilationCache(t *testing.T) {
	e := NewExprEngine()
	a, err := e.Compile("x + 1")
	require.NoError(t, err)
	b, err := e.Compile("x + 1")
	require.NoError(t, err)
	assert.Same(t, a, b, "identical expressions share one compiled program")
}

func TestExprEngine_Conditional(t *testing.T) {
	e := NewExprEngine()
	prg, err := e.Compile(`side == "left" ? 1 : -1`)
	require.NoError(t, err)

	out, err := prg.Run(map[string]any{"side": "left"})
	require.NoError(t, err)
	assert.Equal(t, 1, out)

	out, err = prg.Run(map[string]any{"side": "right"})
	require.NoError(t, err)
	assert.Equal(t, -1, out)
}
