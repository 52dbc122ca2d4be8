package expressions

import (
	"math"
	"math/rand"
	"time"

	"github.com/neurobench/trialctx/internal/sequence"
	"github.com/neurobench/trialctx/pkg/schema"
)

// Builtins returns the function and generator namespace injected into
// every expr-dialect expression. A non-zero seed makes the stochastic
// builtins reproducible; generators draw from their own dedicated sources.
//
// Callers may extend the returned map with additional callables before
// handing it to the evaluation engine.
func Builtins(seed int64) map[string]any {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	return map[string]any{
		"pi":   math.Pi,
		"time": func() float64 { return float64(time.Now().UnixNano()) / 1e9 },

		// toss flips a coin weighted by p (default 0.5).
		"toss": func(p ...float64) bool {
			w := 0.5
			if len(p) > 0 {
				w = p[0]
			}
			return rng.Float64() <= w
		},

		// h_uniform returns the hazard probability of an event at sample
		// x assuming a uniform distribution over [lb, ub).
		"h_uniform": func(x, lb, ub any) (float64, error) {
			xf, err := toFloat(x)
			if err != nil {
				return 0, err
			}
			lbf, err := toFloat(lb)
			if err != nil {
				return 0, err
			}
			ubf, err := toFloat(ub)
			if err != nil {
				return 0, err
			}
			switch {
			case xf < lbf:
				return 0.0, nil
			case xf >= ubf:
				return 1.0, nil
			default:
				return 1.0 / (ubf - xf), nil
			}
		},

		// choice returns a single random element, with replacement.
		"choice": func(seq any) (any, error) {
			values, err := toValues(seq)
			if err != nil {
				return nil, err
			}
			if len(values) == 0 {
				return nil, schema.NewError(schema.ErrCodeValidation,
					"cannot use an empty sequence")
			}
			return values[rng.Intn(len(values))], nil
		},

		// imul coerces x to an integer multiple of y.
		"imul": func(x, y any) (float64, error) {
			xf, err := toFloat(x)
			if err != nil {
				return 0, err
			}
			yf, err := toFloat(y)
			if err != nil {
				return 0, err
			}
			return math.Round(xf/yf) * yf, nil
		},

		// octave_space returns frequencies spaced in octaves re 1 kHz,
		// inclusive of both endpoints after rounding to the spacing grid.
		"octave_space": func(start, end, spacing any) ([]float64, error) {
			sf, err := toFloat(start)
			if err != nil {
				return nil, err
			}
			ef, err := toFloat(end)
			if err != nil {
				return nil, err
			}
			sp, err := toFloat(spacing)
			if err != nil {
				return nil, err
			}
			if sp <= 0 {
				return nil, schema.NewError(schema.ErrCodeValidation,
					"octave spacing must be positive")
			}
			lo := math.Round(math.Log2(sf/1e3)/sp) * sp
			hi := math.Round(math.Log2(ef/1e3)/sp) * sp
			var out []float64
			for o := lo; o <= hi+sp/2; o += sp {
				out = append(out, math.Exp2(o)*1e3)
			}
			return out, nil
		},

		// Sequence generators. Each returns a stateful generator the
		// evaluation engine advances at most once per trial. Sequences
		// arrive as []any from literals but as typed slices from builtins
		// like octave_space, so the argument is normalized first.
		"ascending": func(seq any, cycles ...int) (*sequence.Generator, error) {
			values, err := toValues(seq)
			if err != nil {
				return nil, err
			}
			return sequence.Ascending(values, firstOr(cycles, sequence.Infinite))
		},
		"descending": func(seq any, cycles ...int) (*sequence.Generator, error) {
			values, err := toValues(seq)
			if err != nil {
				return nil, err
			}
			return sequence.Descending(values, firstOr(cycles, sequence.Infinite))
		},
		"exact_order": func(seq any, cycles ...int) (*sequence.Generator, error) {
			values, err := toValues(seq)
			if err != nil {
				return nil, err
			}
			return sequence.ExactOrder(values, firstOr(cycles, sequence.Infinite))
		},
		"shuffled_set": func(seq any, cycles ...int) (*sequence.Generator, error) {
			values, err := toValues(seq)
			if err != nil {
				return nil, err
			}
			return sequence.ShuffledSet(values, firstOr(cycles, sequence.Infinite))
		},
		"pseudorandom": func(seq any, genSeed ...int) (*sequence.Generator, error) {
			values, err := toValues(seq)
			if err != nil {
				return nil, err
			}
			return sequence.Pseudorandom(values, int64(firstOr(genSeed, 0)))
		},
		"counterbalanced": func(seq any, n int, cycles ...int) (*sequence.Generator, error) {
			values, err := toValues(seq)
			if err != nil {
				return nil, err
			}
			return sequence.Counterbalanced(values, n, firstOr(cycles, sequence.Infinite))
		},
	}
}

// toValues normalizes any slice type to []any.
func toValues(seq any) ([]any, error) {
	switch s := seq.(type) {
	case []any:
		return s, nil
	case []float64:
		out := make([]any, len(s))
		for i, v := range s {
			out[i] = v
		}
		return out, nil
	case []int:
		out := make([]any, len(s))
		for i, v := range s {
			out[i] = v
		}
		return out, nil
	case []string:
		out := make([]any, len(s))
		for i, v := range s {
			out[i] = v
		}
		return out, nil
	case nil:
		return nil, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeEvaluation,
		"expected a sequence, got %T", seq)
}

func firstOr(vals []int, fallback int) int {
	if len(vals) > 0 {
		return vals[0]
	}
	return fallback
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case uint:
		return float64(n), nil
	}
	return 0, schema.NewErrorf(schema.ErrCodeEvaluation, "expected a number, got %T", v)
}
