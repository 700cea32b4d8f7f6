// Package statespace exhaustively explores combinations of independent toggles applied to some input.
//
// Every subset of the registered toggles is applied (in a shuffled order) to a fresh copy of the
// initial state, the subject is invoked once per subset, and every check is asserted against the result.
// This covers a bounded but high-cardinality input space far faster than hand-written table tests.
package statespace

import (
	"math/rand/v2"
	"strings"
	"testing"
)

type Space[State any, Result any] struct {
	initial func() State
	subject func(State) Result
	toggles []toggle[State]
	checks  []check[State, Result]
	seed    uint64
	ordered bool
}

type toggle[T any] struct {
	Name  string
	Apply func(T) T
}

type check[T any, R any] struct {
	Name   string
	Assert func(T, R) bool
}

// New returns a space that invokes subject once per subset of toggles.
func New[T any, R any](subject func(T) R) *Space[T, R] {
	return &Space[T, R]{subject: subject, seed: rand.Uint64()}
}

func (s *Space[T, R]) Initial(fn func() T) *Space[T, R] {
	s.initial = fn
	return s
}

// Toggle registers a transformation that is either applied or skipped in every combination.
func (s *Space[T, R]) Toggle(name string, fn func(T) T) *Space[T, R] {
	s.toggles = append(s.toggles, toggle[T]{Name: name, Apply: fn})
	return s
}

// Check registers an assertion that must hold for every combination.
func (s *Space[T, R]) Check(name string, fn func(state T, result R) bool) *Space[T, R] {
	s.checks = append(s.checks, check[T, R]{Name: name, Assert: fn})
	return s
}

// Ordered applies toggles in registration order instead of shuffling them.
// Use it when the toggles are known to be order dependent.
func (s *Space[T, R]) Ordered() *Space[T, R] {
	s.ordered = true
	return s
}

// Seed fixes the shuffle seed, mostly useful to reproduce a failure.
func (s *Space[T, R]) Seed(seed uint64) *Space[T, R] {
	s.seed = seed
	return s
}

func (s *Space[T, R]) Run(t *testing.T) {
	t.Helper()
	s.run(func(msg string, args ...any) {
		t.Helper()
		t.Errorf(msg, args...)
	})
}

func (s *Space[T, R]) run(fail func(msg string, args ...any)) {
	rng := rand.New(rand.NewPCG(s.seed, s.seed>>1))

	subsets := make([]uint64, 1<<len(s.toggles))
	for i := range subsets {
		subsets[i] = uint64(i)
	}
	rng.Shuffle(len(subsets), func(i, j int) { subsets[i], subsets[j] = subsets[j], subsets[i] })

	order := make([]int, len(s.toggles))
	for i := range order {
		order[i] = i
	}

	for _, subset := range subsets {
		var state T
		if s.initial != nil {
			state = s.initial()
		}
		if !s.ordered {
			rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		}
		var applied []string
		for _, i := range order {
			if subset&(1<<i) == 0 {
				continue
			}
			state = s.toggles[i].Apply(state)
			applied = append(applied, s.toggles[i].Name)
		}

		result := s.subject(state)
		for _, c := range s.checks {
			if !c.Assert(state, result) {
				fail("check %q failed with toggles [%s] (seed %d)", c.Name, strings.Join(applied, ", "), s.seed)
			}
		}
	}
}
