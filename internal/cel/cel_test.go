package cel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvalParent(t *testing.T) {
	p, err := Parse("parent.metadata.name")
	require.NoError(t, err)

	val, _, err := Eval(t.Context(), p, Vars{Parent: map[string]any{"metadata": map[string]any{"name": "net"}}})
	require.NoError(t, err)
	assert.Equal(t, "net", val.Value())
}

func TestEvalValue(t *testing.T) {
	p, err := Parse("value * 2")
	require.NoError(t, err)

	val, cost, err := Eval(t.Context(), p, Vars{Value: int64(21)})
	require.NoError(t, err)
	assert.Equal(t, int64(42), val.Value())
	assert.Greater(t, cost, uint64(0))
}

func TestEvalIntTypeCoersion(t *testing.T) {
	p, err := Parse("int(self.spec.size) > 100")
	require.NoError(t, err)

	val, _, err := Eval(t.Context(), p, Vars{Self: map[string]any{"spec": map[string]any{"size": "123"}}})
	require.NoError(t, err)
	assert.Equal(t, true, val.Value())
}

func TestEvalMissingSelf(t *testing.T) {
	p, err := Parse("has(self.status)")
	require.NoError(t, err)

	val, _, err := Eval(t.Context(), p, Vars{})
	require.NoError(t, err)
	assert.Equal(t, false, val.Value())
}

func TestEvalExtensions(t *testing.T) {
	p, err := Parse("value.split('-')")
	require.NoError(t, err)

	val, _, err := Eval(t.Context(), p, Vars{Value: "a-b-a"})
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b", "a"}, Native(val))
}

func TestNative(t *testing.T) {
	p, err := Parse(`{"cidr": value, "tags": ["a", 1, null], "ok": true}`)
	require.NoError(t, err)

	val, _, err := Eval(t.Context(), p, Vars{Value: "10.0.0.0/16"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"cidr": "10.0.0.0/16",
		"tags": []any{"a", int64(1), nil},
		"ok":   true,
	}, Native(val))
}

func TestParseError(t *testing.T) {
	_, err := Parse("self.")
	assert.Error(t, err)

	_, err = Parse("unknown.field")
	assert.Error(t, err)
}
