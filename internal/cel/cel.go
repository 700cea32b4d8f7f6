package cel

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
	"github.com/google/cel-go/ext"
)

// Env declares the variables available to every expression:
//   - self: the document being evaluated (a child, for readiness checks)
//   - parent: the composite's document
//   - value: the value flowing through a patch transform
var Env *cel.Env

func init() {
	initDefaultEnv()
}

func initDefaultEnv() {
	var err error
	Env, err = cel.NewEnv(
		cel.Variable("self", cel.DynType),
		cel.Variable("parent", cel.DynType),
		cel.Variable("value", cel.DynType),
		ext.Strings(),
		ext.Lists(),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create default CEL environment: %v", err))
	}
}

func Parse(expr string) (cel.Program, error) {
	ast, iss := Env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, iss.Err()
	}
	return Env.Program(ast, cel.InterruptCheckFrequency(10), cel.CostTracking(nil))
}

// Vars holds the values bound to the environment's variables.
type Vars struct {
	Self   map[string]any
	Parent map[string]any
	Value  any
}

// Eval executes the program and returns its result along with the evaluation's cost.
func Eval(ctx context.Context, prgm cel.Program, vars Vars) (ref.Val, uint64, error) {
	val, details, err := prgm.ContextEval(ctx, map[string]any{
		"self":   orEmpty(vars.Self),
		"parent": func() any { return orEmpty(vars.Parent) }, // only resolved when referenced
		"value":  vars.Value,
	})
	var cost uint64
	if details != nil && details.ActualCost() != nil {
		cost = *details.ActualCost()
	}
	return val, cost, err
}

// Native converts a CEL value into the plain Go representation used by instance documents.
func Native(val ref.Val) any {
	switch v := val.(type) {
	case nil:
		return nil
	case types.Null:
		return nil
	case traits.Mapper:
		out := map[string]any{}
		it := v.Iterator()
		for it.HasNext() == types.True {
			key := it.Next()
			out[fmt.Sprint(key.Value())] = Native(v.Get(key))
		}
		return out
	case traits.Lister:
		size, _ := v.Size().(types.Int)
		out := make([]any, 0, int(size))
		for i := types.Int(0); i < size; i++ {
			out = append(out, Native(v.Get(i)))
		}
		return out
	default:
		return val.Value()
	}
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
