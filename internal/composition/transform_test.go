package composition

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/ptr"

	apiv1 "github.com/Azure/strata/api/v1"
)

func TestTransforms(t *testing.T) {
	tests := []struct {
		Name      string
		Transform apiv1.Transform
		Input     any
		Expected  any
		Error     string
	}{
		{
			Name:      "map hit",
			Transform: apiv1.Transform{Type: apiv1.TransformMap, Map: map[string]any{"eu": "westeurope"}},
			Input:     "eu",
			Expected:  "westeurope",
		},
		{
			Name:      "map miss",
			Transform: apiv1.Transform{Type: apiv1.TransformMap, Map: map[string]any{"eu": "westeurope"}},
			Input:     "us",
			Error:     `no mapping for "us"`,
		},
		{
			Name:      "map numeric key",
			Transform: apiv1.Transform{Type: apiv1.TransformMap, Map: map[string]any{"3": "large"}},
			Input:     int64(3),
			Expected:  "large",
		},
		{
			Name:      "string format",
			Transform: apiv1.Transform{Type: apiv1.TransformString, String: &apiv1.StringTransform{Format: "sn-%v"}},
			Input:     int64(1),
			Expected:  "sn-1",
		},
		{
			Name:      "convert string to int",
			Transform: apiv1.Transform{Type: apiv1.TransformConvert, Convert: &apiv1.ConvertTransform{ToType: "int64"}},
			Input:     " 42",
			Expected:  int64(42),
		},
		{
			Name:      "convert fractional float to int",
			Transform: apiv1.Transform{Type: apiv1.TransformConvert, Convert: &apiv1.ConvertTransform{ToType: "int64"}},
			Input:     1.5,
			Error:     "lose precision",
		},
		{
			Name:      "convert int to float",
			Transform: apiv1.Transform{Type: apiv1.TransformConvert, Convert: &apiv1.ConvertTransform{ToType: "float64"}},
			Input:     int64(2),
			Expected:  float64(2),
		},
		{
			Name:      "convert string to bool",
			Transform: apiv1.Transform{Type: apiv1.TransformConvert, Convert: &apiv1.ConvertTransform{ToType: "bool"}},
			Input:     "true",
			Expected:  true,
		},
		{
			Name:      "convert map to bool",
			Transform: apiv1.Transform{Type: apiv1.TransformConvert, Convert: &apiv1.ConvertTransform{ToType: "bool"}},
			Input:     map[string]any{},
			Error:     "cannot convert map[string]interface {} to bool",
		},
		{
			Name:      "math clamp min",
			Transform: apiv1.Transform{Type: apiv1.TransformMath, Math: &apiv1.MathTransform{Multiply: ptr.To[int64](2), ClampMin: ptr.To[int64](10)}},
			Input:     int64(3),
			Expected:  int64(10),
		},
		{
			Name:      "math float",
			Transform: apiv1.Transform{Type: apiv1.TransformMath, Math: &apiv1.MathTransform{Multiply: ptr.To[int64](2)}},
			Input:     1.25,
			Expected:  2.5,
		},
		{
			Name:      "math non-number",
			Transform: apiv1.Transform{Type: apiv1.TransformMath, Math: &apiv1.MathTransform{Multiply: ptr.To[int64](2)}},
			Input:     "3",
			Error:     "requires a number",
		},
		{
			Name:      "cel",
			Transform: apiv1.Transform{Type: apiv1.TransformCEL, Expression: "value + '-' + parent.spec.region"},
			Input:     "net",
			Expected:  "net-westeurope",
		},
	}

	parent := map[string]any{"spec": map[string]any{"region": "westeurope"}}
	for _, tc := range tests {
		t.Run(tc.Name, func(t *testing.T) {
			fn, err := compileTransform(tc.Transform)
			require.NoError(t, err)

			out, err := fn(context.Background(), tc.Input, parent)
			if tc.Error != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.Error)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.Expected, out)
		})
	}
}

func TestCompileTransformErrors(t *testing.T) {
	tests := map[string]apiv1.Transform{
		"unknown type":    {Type: "nope"},
		"empty map":       {Type: apiv1.TransformMap},
		"missing format":  {Type: apiv1.TransformString},
		"bad target":      {Type: apiv1.TransformConvert, Convert: &apiv1.ConvertTransform{ToType: "complex128"}},
		"inverted clamps": {Type: apiv1.TransformMath, Math: &apiv1.MathTransform{ClampMin: ptr.To[int64](5), ClampMax: ptr.To[int64](1)}},
		"empty cel":       {Type: apiv1.TransformCEL},
	}
	for name, tr := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := compileTransform(tr)
			assert.Error(t, err)
		})
	}
}
