package composition

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/google/cel-go/cel"

	apiv1 "github.com/Azure/strata/api/v1"
	strcel "github.com/Azure/strata/internal/cel"
)

// Transform modifies a value as it flows through a patch.
// The parent is the composite's document.
type Transform func(ctx context.Context, value any, parent map[string]any) (any, error)

func compileTransform(t apiv1.Transform) (Transform, error) {
	switch t.Type {
	case apiv1.TransformMap:
		if len(t.Map) == 0 {
			return nil, fmt.Errorf("map transform requires a non-empty map")
		}
		return mapTransform(t.Map), nil

	case apiv1.TransformString:
		if t.String == nil || t.String.Format == "" {
			return nil, fmt.Errorf("string transform requires a format")
		}
		format := t.String.Format
		return func(_ context.Context, value any, _ map[string]any) (any, error) {
			return fmt.Sprintf(format, value), nil
		}, nil

	case apiv1.TransformConvert:
		if t.Convert == nil {
			return nil, fmt.Errorf("convert transform requires toType")
		}
		switch t.Convert.ToType {
		case "string", "int64", "float64", "bool":
		default:
			return nil, fmt.Errorf("unsupported conversion target %q", t.Convert.ToType)
		}
		toType := t.Convert.ToType
		return func(_ context.Context, value any, _ map[string]any) (any, error) {
			return convert(value, toType)
		}, nil

	case apiv1.TransformMath:
		if t.Math == nil {
			return nil, fmt.Errorf("math transform requires at least one operation")
		}
		m := *t.Math
		if m.ClampMin != nil && m.ClampMax != nil && *m.ClampMin > *m.ClampMax {
			return nil, fmt.Errorf("clampMin %d is greater than clampMax %d", *m.ClampMin, *m.ClampMax)
		}
		return func(_ context.Context, value any, _ map[string]any) (any, error) {
			return mathTransform(value, m)
		}, nil

	case apiv1.TransformCEL:
		if t.Expression == "" {
			return nil, fmt.Errorf("cel transform requires an expression")
		}
		prgm, err := strcel.Parse(t.Expression)
		if err != nil {
			return nil, fmt.Errorf("parsing cel expression: %w", err)
		}
		return celTransform(prgm), nil

	default:
		return nil, fmt.Errorf("unknown transform type %q", t.Type)
	}
}

func mapTransform(table map[string]any) Transform {
	return func(_ context.Context, value any, _ map[string]any) (any, error) {
		key := fmt.Sprint(value)
		out, ok := table[key]
		if !ok {
			return nil, fmt.Errorf("no mapping for %q", key)
		}
		return apiv1.DeepCopyValue(out), nil
	}
}

func celTransform(prgm cel.Program) Transform {
	return func(ctx context.Context, value any, parent map[string]any) (any, error) {
		val, _, err := strcel.Eval(ctx, prgm, strcel.Vars{Value: value, Parent: parent})
		if err != nil {
			return nil, fmt.Errorf("evaluating cel expression: %w", err)
		}
		return strcel.Native(val), nil
	}
}

func convert(value any, toType string) (any, error) {
	switch toType {
	case "string":
		if s, ok := value.(string); ok {
			return s, nil
		}
		return fmt.Sprint(value), nil

	case "int64":
		switch v := value.(type) {
		case string:
			i, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("converting %q to int64: %w", v, err)
			}
			return i, nil
		case bool:
			if v {
				return int64(1), nil
			}
			return int64(0), nil
		case float64:
			if v != math.Trunc(v) {
				return nil, fmt.Errorf("converting %v to int64 would lose precision", v)
			}
			return int64(v), nil
		}
		if i, ok := asInt64(value); ok {
			return i, nil
		}

	case "float64":
		switch v := value.(type) {
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return nil, fmt.Errorf("converting %q to float64: %w", v, err)
			}
			return f, nil
		case float64:
			return v, nil
		}
		if i, ok := asInt64(value); ok {
			return float64(i), nil
		}

	case "bool":
		switch v := value.(type) {
		case bool:
			return v, nil
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return nil, fmt.Errorf("converting %q to bool: %w", v, err)
			}
			return b, nil
		}
		if i, ok := asInt64(value); ok {
			return i != 0, nil
		}
	}
	return nil, fmt.Errorf("cannot convert %T to %s", value, toType)
}

func mathTransform(value any, m apiv1.MathTransform) (any, error) {
	if f, ok := value.(float64); ok && f != math.Trunc(f) {
		if m.Multiply != nil {
			f *= float64(*m.Multiply)
		}
		if m.ClampMin != nil {
			f = math.Max(f, float64(*m.ClampMin))
		}
		if m.ClampMax != nil {
			f = math.Min(f, float64(*m.ClampMax))
		}
		return f, nil
	}

	i, ok := asInt64(value)
	if !ok {
		if f, isFloat := value.(float64); isFloat {
			i, ok = int64(f), true
		}
	}
	if !ok {
		return nil, fmt.Errorf("math transform requires a number, got %T", value)
	}
	if m.Multiply != nil {
		i *= *m.Multiply
	}
	if m.ClampMin != nil && i < *m.ClampMin {
		i = *m.ClampMin
	}
	if m.ClampMax != nil && i > *m.ClampMax {
		i = *m.ClampMax
	}
	return i, nil
}

func asInt64(value any) (int64, bool) {
	switch v := value.(type) {
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint32:
		return int64(v), true
	case uint64:
		if v > math.MaxInt64 {
			return 0, false
		}
		return int64(v), true
	default:
		return 0, false
	}
}
