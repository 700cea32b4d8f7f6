package statespace

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEverySubset(t *testing.T) {
	failures := []string{}
	New(func(state int) int { return state }).
		Seed(1).
		Toggle("add one", func(state int) int { return state + 1 }).
		Toggle("add ten", func(state int) int { return state + 10 }).
		Check("not initial", func(_ int, result int) bool { return result != 0 }).
		Check("never fails", func(_ int, result int) bool { return result >= 0 }).
		Check("not one", func(_ int, result int) bool { return result != 1 }).
		Check("not eleven", func(_ int, result int) bool { return result != 11 }).
		run(func(msg string, args ...any) {
			failures = append(failures, fmt.Sprintf(msg, args...))
		})

	assert.ElementsMatch(t, []string{
		`check "not initial" failed with toggles [] (seed 1)`,
		`check "not one" failed with toggles [add one] (seed 1)`,
		`check "not eleven" failed with toggles [add one, add ten] (seed 1)`,
	}, sortToggles(failures))
}

func TestOrdered(t *testing.T) {
	var seen []string
	New(func(state []string) int {
		seen = append(seen, strings.Join(state, ""))
		return len(state)
	}).
		Ordered().
		Toggle("a", func(state []string) []string { return append(state, "a") }).
		Toggle("b", func(state []string) []string { return append(state, "b") }).
		Toggle("c", func(state []string) []string { return append(state, "c") }).
		Run(t)

	assert.ElementsMatch(t, []string{"", "a", "b", "c", "ab", "ac", "bc", "abc"}, seen)
}

func TestLargeSpace(t *testing.T) {
	s := New(func(bool) bool { return true })
	for range 12 {
		s.Toggle("noop", func(state bool) bool { return state })
	}
	s.Run(t)
}

// sortToggles normalizes the shuffled application order of "add one" and "add ten".
func sortToggles(failures []string) []string {
	out := make([]string, len(failures))
	for i, f := range failures {
		out[i] = strings.Replace(f, "[add ten, add one]", "[add one, add ten]", 1)
	}
	return out
}
