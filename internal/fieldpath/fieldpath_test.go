package fieldpath

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	testCases := []struct {
		name    string
		expr    string
		root    string
		wantErr bool
	}{
		{name: "Field", expr: "spec", root: "spec"},
		{name: "Nested", expr: "spec.cidr", root: "spec"},
		{name: "Index", expr: "spec.subnets[0].cidr", root: "spec"},
		{name: "QuotedKey", expr: `metadata.labels["app.kubernetes.io/name"]`, root: "metadata"},
		{name: "QuotedRoot", expr: `["spec"].cidr`, root: "spec"},
		{name: "Matcher", expr: `status.conditions[type="Ready"].status`, root: "status"},
		{name: "Empty", expr: "", wantErr: true},
		{name: "Whitespace", expr: "  ", wantErr: true},
		{name: "LeadingIndex", expr: "[0].foo", wantErr: true},
		{name: "Unterminated", expr: "spec.subnets[0", wantErr: true},
		{name: "BadMatcher", expr: "spec.items[type=]", wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			p, err := Parse(tc.expr)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.root, p.Root())
			assert.Equal(t, tc.expr, p.String())
		})
	}
}

func TestHasPrefix(t *testing.T) {
	p := MustParse(`metadata.labels["team"]`)
	assert.True(t, p.HasPrefix("metadata"))
	assert.True(t, p.HasPrefix("metadata", "labels"))
	assert.True(t, p.HasPrefix("metadata", "labels", "team"))
	assert.False(t, p.HasPrefix("metadata", "annotations"))
	assert.False(t, p.HasPrefix("metadata", "labels", "team", "extra"))
	assert.False(t, MustParse("spec[0]").HasPrefix("spec", "x"))
}

func TestGet(t *testing.T) {
	doc := map[string]any{
		"spec": map[string]any{
			"cidr":    "10.0.0.0/16",
			"subnets": []any{map[string]any{"name": "a", "cidr": "10.0.1.0/24"}, map[string]any{"name": "b", "cidr": "10.0.2.0/24"}},
			"dotted":  map[string]any{"a.b": 1},
			"nothing": nil,
		},
		"status": map[string]any{
			"conditions": []any{"not-a-map", map[string]any{"type": "Ready", "status": "True"}},
		},
	}

	testCases := []struct {
		name    string
		path    string
		value   any
		found   bool
		wantErr bool
	}{
		{name: "Field", path: "spec.cidr", value: "10.0.0.0/16", found: true},
		{name: "Index", path: "spec.subnets[1].cidr", value: "10.0.2.0/24", found: true},
		{name: "IndexOutOfRange", path: "spec.subnets[5].cidr"},
		{name: "QuotedKey", path: `spec.dotted["a.b"]`, value: 1, found: true},
		{name: "Matcher", path: `status.conditions[type="Ready"].status`, value: "True", found: true},
		{name: "MatcherMiss", path: `status.conditions[type="Synced"].status`},
		{name: "MissingField", path: "spec.vpc.id"},
		{name: "NilIntermediate", path: "spec.nothing.foo"},
		{name: "WholeMap", path: "spec.dotted", value: map[string]any{"a.b": 1}, found: true},
		{name: "FieldOfScalar", path: "spec.cidr.foo", wantErr: true},
		{name: "IndexOfMap", path: "spec[0]", wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			val, found, err := MustParse(tc.path).Get(doc)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.found, found)
			assert.Equal(t, tc.value, val)
		})
	}
}

func TestSet(t *testing.T) {
	testCases := []struct {
		name     string
		path     string
		obj      map[string]any
		value    any
		expected map[string]any
		wantErr  bool
	}{
		{
			name:     "TopLevel",
			path:     "foo",
			obj:      map[string]any{},
			value:    123,
			expected: map[string]any{"foo": 123},
		},
		{
			name:     "CreatesIntermediateMaps",
			path:     "spec.network.id",
			obj:      map[string]any{"spec": map[string]any{"other": true}},
			value:    "net-1",
			expected: map[string]any{"spec": map[string]any{"other": true, "network": map[string]any{"id": "net-1"}}},
		},
		{
			name:     "ReplacesNil",
			path:     "spec.network.id",
			obj:      map[string]any{"spec": nil},
			value:    "net-1",
			expected: map[string]any{"spec": map[string]any{"network": map[string]any{"id": "net-1"}}},
		},
		{
			name:     "Overwrites",
			path:     "status.vpcId",
			obj:      map[string]any{"status": map[string]any{"vpcId": "old"}},
			value:    "new",
			expected: map[string]any{"status": map[string]any{"vpcId": "new"}},
		},
		{
			name:     "ExistingIndex",
			path:     "foo[1]",
			obj:      map[string]any{"foo": []any{1, 2, 3}},
			value:    123,
			expected: map[string]any{"foo": []any{1, 123, 3}},
		},
		{
			name:     "AppendsToSlice",
			path:     "foo[1].bar",
			obj:      map[string]any{"foo": []any{1}},
			value:    "x",
			expected: map[string]any{"foo": []any{1, map[string]any{"bar": "x"}}},
		},
		{
			name:     "CreatesSlice",
			path:     "spec.items[0]",
			obj:      map[string]any{},
			value:    "x",
			expected: map[string]any{"spec": map[string]any{"items": []any{"x"}}},
		},
		{
			name:    "IndexPastEnd",
			path:    "foo[2].bar",
			obj:     map[string]any{"foo": []any{1}},
			value:   "x",
			wantErr: true,
		},
		{
			name:     "QuotedKey",
			path:     `metadata.labels["app.kubernetes.io/name"]`,
			obj:      map[string]any{},
			value:    "web",
			expected: map[string]any{"metadata": map[string]any{"labels": map[string]any{"app.kubernetes.io/name": "web"}}},
		},
		{
			name:     "MatcherExisting",
			path:     `conditions[type="Ready"].status`,
			obj:      map[string]any{"conditions": []any{map[string]any{"type": "Ready", "status": "False"}}},
			value:    "True",
			expected: map[string]any{"conditions": []any{map[string]any{"type": "Ready", "status": "True"}}},
		},
		{
			name:     "MatcherAppends",
			path:     `conditions[type="Ready"].status`,
			obj:      map[string]any{"conditions": []any{map[string]any{"type": "Synced"}}},
			value:    "True",
			expected: map[string]any{"conditions": []any{map[string]any{"type": "Synced"}, map[string]any{"type": "Ready", "status": "True"}}},
		},
		{
			name:    "FieldOfScalar",
			path:    "foo.bar",
			obj:     map[string]any{"foo": "scalar"},
			value:   1,
			wantErr: true,
		},
		{
			name:    "IndexOfMap",
			path:    "foo[0]",
			obj:     map[string]any{"foo": map[string]any{}},
			value:   1,
			wantErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := MustParse(tc.path).Set(tc.obj, tc.value)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, tc.obj)
		})
	}
}

func TestSetHugeIndex(t *testing.T) {
	obj := map[string]any{"spec": map[string]any{"items": []any{"a"}}}
	err := MustParse("spec.items[1000000000]").Set(obj, "x")
	assert.EqualError(t, err, `index 1000000000 is out of range of a list of 1 elements at "spec.items[1000000000]"`)
	assert.Equal(t, []any{"a"}, obj["spec"].(map[string]any)["items"])
}

func TestSetNilObject(t *testing.T) {
	assert.Error(t, MustParse("foo").Set(nil, 1))
}

func TestSetThroughNilMap(t *testing.T) {
	var spec map[string]any
	obj := map[string]any{"spec": spec}
	require.NoError(t, MustParse("spec.region").Set(obj, "eastus"))
	assert.Equal(t, map[string]any{"spec": map[string]any{"region": "eastus"}}, obj)
}

func TestSetThenGet(t *testing.T) {
	obj := map[string]any{}
	p := MustParse(`spec.subnets[type="private"].cidr`)
	require.NoError(t, p.Set(obj, "10.0.1.0/24"))

	val, found, err := p.Get(obj)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "10.0.1.0/24", val)
}
