// Package sequence provides the stateful draw generators available to
// parameter expressions. Each generator returns one element per call to
// Next; the order depends on the selection algorithm. Generators never
// modify the sequence they were built from (constructors copy it), and a
// finite generator reports exhaustion through ErrCodeSequenceExhausted.
package sequence

import (
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/neurobench/trialctx/pkg/schema"
)

// Infinite requests a generator that cycles forever.
const Infinite = 0

// Generator yields one element per trial from an underlying sequence.
// Not safe for concurrent use; the evaluation engine advances a generator
// at most once per trial on a single goroutine.
type Generator struct {
	source []any
	cycles int // Infinite (0) or a positive pass count
	order  func() []int

	pass  []int
	pos   int
	cycle int
}

// Next returns the next draw, or a SEQUENCE_EXHAUSTED error once a finite
// generator has completed all of its passes.
func (g *Generator) Next() (any, error) {
	if g.pass == nil || g.pos >= len(g.pass) {
		if g.pass != nil {
			g.cycle++
		}
		if g.cycles != Infinite && g.cycle >= g.cycles {
			return nil, schema.NewError(schema.ErrCodeSequenceExhausted,
				"sequence has completed all cycles")
		}
		g.pass = g.order()
		g.pos = 0
	}
	v := g.source[g.pass[g.pos]]
	g.pos++
	return v, nil
}

// Reset rewinds the generator to the beginning of its first pass.
func (g *Generator) Reset() {
	g.pass = nil
	g.pos = 0
	g.cycle = 0
}

// Exhausted reports whether err is a sequence-exhaustion error.
func Exhausted(err error) bool {
	te, ok := err.(*schema.TrialError)
	return ok && te.Code == schema.ErrCodeSequenceExhausted
}

func newGenerator(seq []any, cycles int, order func(n int) []int) (*Generator, error) {
	if len(seq) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation,
			"cannot use an empty sequence")
	}
	src := make([]any, len(seq))
	copy(src, seq)
	g := &Generator{source: src, cycles: cycles}
	g.order = func() []int { return order(len(src)) }
	return g, nil
}

// Ascending returns elements in ascending order, looping back to the
// beginning after the last element.
func Ascending(seq []any, cycles int) (*Generator, error) {
	g, err := newGenerator(seq, cycles, identityOrder)
	if err != nil {
		return nil, err
	}
	sortValues(g.source)
	return g, nil
}

// Descending returns elements in descending order, looping back to the
// beginning after the last element.
func Descending(seq []any, cycles int) (*Generator, error) {
	g, err := newGenerator(seq, cycles, identityOrder)
	if err != nil {
		return nil, err
	}
	sortValues(g.source)
	reverse(g.source)
	return g, nil
}

// ExactOrder returns elements in the exact order they were provided.
func ExactOrder(seq []any, cycles int) (*Generator, error) {
	return newGenerator(seq, cycles, identityOrder)
}

// ShuffledSet returns every element of the sequence once per pass, in a
// fresh random order each pass.
func ShuffledSet(seq []any, cycles int) (*Generator, error) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return newGenerator(seq, cycles, rng.Perm)
}

// Pseudorandom returns a randomly selected element, with replacement, using
// a dedicated random source so draws are unaffected by other consumers of
// randomness. A seed makes the draw order reproducible.
func Pseudorandom(seq []any, seed int64) (*Generator, error) {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))
	return newGenerator(seq, Infinite, func(n int) []int {
		// One index per pass keeps the draw lazy.
		return []int{rng.Intn(n)}
	})
}

// Counterbalanced presents each value an equal number of times over n
// draws, shuffled within the set. Drawing a number of times that is not a
// multiple of n leaves the final set incomplete.
func Counterbalanced(seq []any, n int, cycles int) (*Generator, error) {
	if n <= 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"counterbalanced set size must be positive, got %d", n)
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return newGenerator(seq, cycles, func(k int) []int {
		set := make([]int, n)
		for i := range set {
			// Even split: element i*k/n of the source.
			set[i] = i * k / n
		}
		rng.Shuffle(len(set), func(a, b int) { set[a], set[b] = set[b], set[a] })
		return set
	})
}

func identityOrder(n int) []int {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	return idx
}

func reverse(s []any) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

// sortValues orders mixed values: numerically when both compare as
// numbers, by string form otherwise.
func sortValues(s []any) {
	sort.SliceStable(s, func(i, j int) bool {
		a, aok := asFloat(s[i])
		b, bok := asFloat(s[j])
		if aok && bok {
			return a < b
		}
		return fmt.Sprint(s[i]) < fmt.Sprint(s[j])
	})
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case uint:
		return float64(n), true
	}
	return 0, false
}
