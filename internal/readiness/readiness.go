package readiness

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/go-logr/logr"
	celtypes "github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"go.uber.org/multierr"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/google/cel-go/cel"

	strcel "github.com/Azure/strata/internal/cel"
)

// Check represents a parsed readiness check CEL expression.
type Check struct {
	Expr    string
	program cel.Program
}

// ParseCheck parses the given CEL expression and returns a reusable execution handle.
func ParseCheck(expr string) (*Check, error) {
	prgm, err := strcel.Parse(expr)
	if err != nil {
		return nil, err
	}
	return &Check{Expr: expr, program: prgm}, nil
}

// ParseChecks parses every expression, returning all errors.
func ParseChecks(exprs []string) (Checks, error) {
	var (
		checks Checks
		errs   error
	)
	for i, expr := range exprs {
		check, err := ParseCheck(expr)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("readiness check %d: %w", i, err))
			continue
		}
		checks = append(checks, check)
	}
	return checks, errs
}

// Eval executes the compiled check against a given document.
func (r *Check) Eval(ctx context.Context, doc map[string]any) (*Status, bool) {
	if doc == nil {
		return nil, false
	}
	val, cost, err := strcel.Eval(ctx, r.program, strcel.Vars{Self: doc})
	celEvalCost.Add(float64(cost))
	if err != nil {
		celEvalErrors.Inc()
		logr.FromContextOrDiscard(ctx).V(2).Info("readiness check failed to evaluate", "expr", r.Expr, "error", err.Error())
		return nil, false
	}

	// Support matching on condition structs.
	// This allows us to grab the transition time instead of just using the current time.
	if list, ok := val.Value().([]ref.Val); ok {
		for _, ref := range list {
			mp, ok := ref.Value().(map[string]any)
			if !ok || mp["status"] != "True" || mp["type"] == nil || mp["reason"] == nil {
				continue
			}
			status := &Status{ReadyTime: metav1.Now()}
			if str, ok := mp["lastTransitionTime"].(string); ok {
				if parsed, err := time.Parse(time.RFC3339, str); err == nil {
					status.ReadyTime.Time = parsed
					status.PreciseTime = true
				}
			}
			return status, true
		}
	}

	if val == celtypes.True {
		return &Status{ReadyTime: metav1.Now()}, true
	}
	return nil, false
}

type Checks []*Check

// Eval evaluates and prioritizes the set of readiness checks.
//
// - Nil is returned when less than all of the checks are ready
// - If some precise and some inprecise times are given, the precise times are favored
// - Within precise or non-precise times, the max of that group is always used
func (r Checks) Eval(ctx context.Context, doc map[string]any) (*Status, bool) {
	var all []*Status
	for _, check := range r {
		if ready, ok := check.Eval(ctx, doc); ok {
			all = append(all, ready)
		}
	}
	if len(all) == 0 || len(all) != len(r) {
		return nil, false
	}

	sort.Slice(all, func(i, j int) bool { return all[j].ReadyTime.Before(&all[i].ReadyTime) })

	for _, ready := range all {
		if ready.PreciseTime {
			return ready, true
		}
	}
	return all[0], true
}

// EvalOptionally is identical to Eval, except it returns the current time in the status if no checks are set.
func (r Checks) EvalOptionally(ctx context.Context, doc map[string]any) (*Status, bool) {
	if len(r) == 0 {
		return &Status{ReadyTime: metav1.Now()}, true
	}
	return r.Eval(ctx, doc)
}

type Status struct {
	ReadyTime   metav1.Time
	PreciseTime bool // true when time came from a condition, not the engine's clock
}
