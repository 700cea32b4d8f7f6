package loader

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apiv1 "github.com/Azure/strata/api/v1"
)

const kindsYAML = `
apiVersion: strata.azure.io/v1
kind: ResourceKind
metadata:
  name: xnetworks.example.org
spec:
  group: example.org
  kind: XNetwork
  versions:
  - name: v1
---
# commented out section
---
apiVersion: strata.azure.io/v1
kind: ResourceKind
metadata:
  name: xsubnets.example.org
spec:
  group: example.org
  kind: XSubnet
  versions:
  - name: v1
`

const ruleYAML = `
apiVersion: strata.azure.io/v1
kind: CompositionRule
metadata:
  name: network
spec:
  compositeKind:
    apiVersion: example.org/v1
    kind: XNetwork
  resources:
  - name: subnet
    kind:
      apiVersion: example.org/v1
      kind: XSubnet
    patches:
    - fromFieldPath: spec.region
      toFieldPath: spec.region
    - direction: ToParent
      fromFieldPath: status.subnetId
      toFieldPath: status.networkId
`

const instanceJSON = `{
  "apiVersion": "example.org/v1",
  "kind": "XNetwork",
  "metadata": {"name": "net", "namespace": "default"},
  "spec": {"region": "westeurope", "cidr": "10.0.0.0/16", "size": 3}
}`

func writeFiles(t *testing.T, files map[string]string) string {
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
	return dir
}

func TestLoadBundle(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"kinds.yaml":              kindsYAML,
		"rules/network.yml":       ruleYAML,
		"instances/network.json":  instanceJSON,
		"README.md":               "not a manifest",
		"instances/empty.yaml":    "",
		"instances/comments.yaml": "# nothing here\n",
	})

	bundle, err := LoadBundle(dir)
	require.NoError(t, err)

	require.Len(t, bundle.Kinds, 2)
	assert.Equal(t, "XNetwork", bundle.Kinds[0].Spec.Kind)
	assert.Equal(t, "XSubnet", bundle.Kinds[1].Spec.Kind)

	require.Len(t, bundle.Rules, 1)
	rule := bundle.Rules[0]
	assert.Equal(t, "network", rule.Name)
	require.Len(t, rule.Spec.Resources, 1)
	require.Len(t, rule.Spec.Resources[0].Patches, 2)
	assert.Equal(t, apiv1.ToParent, rule.Spec.Resources[0].Patches[1].Direction)

	require.Len(t, bundle.Instances, 1)
	inst := bundle.Instances[0]
	assert.Equal(t, "XNetwork", inst.Kind)
	assert.Equal(t, "net", inst.Name)
	assert.Equal(t, "westeurope", inst.Spec["region"])
	assert.Equal(t, int64(3), inst.Spec["size"])
}

func TestLoadBundleErrors(t *testing.T) {
	t.Run("nonexistent folder", func(t *testing.T) {
		_, err := LoadBundle("nonexistent")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "folder does not exist")
	})

	t.Run("every bad document is reported", func(t *testing.T) {
		dir := writeFiles(t, map[string]string{
			"a.yaml": "apiVersion: example.org/v1\nkind: XNetwork\nmetadata:\n  name: ok\n---\nmetadata:\n  name: missing-kind\n",
			"b.yaml": "apiVersion: a/b/c\nkind: XNetwork\n",
			"c.yaml": kindsYAML,
		})

		bundle, err := LoadBundle(dir)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "a.yaml: document 1: apiVersion and kind are required")
		assert.Contains(t, err.Error(), "b.yaml: document 0: failed to parse apiVersion a/b/c")

		// Valid documents are still returned
		assert.Len(t, bundle.Instances, 1)
		assert.Len(t, bundle.Kinds, 2)
	})

	t.Run("invalid syntax", func(t *testing.T) {
		_, err := Decode([]byte("apiVersion: [unterminated"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "document 0: failed to decode object")
	})
}

func TestIsYAMLOrJSONFile(t *testing.T) {
	tests := []struct {
		filename string
		expected bool
	}{
		{"test.yaml", true},
		{"test.yml", true},
		{"test.json", true},
		{"test.txt", false},
		{"test", false},
		{"test.YAML", false},
		{"path/to/test.yaml", true},
	}

	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			assert.Equal(t, tt.expected, isYAMLOrJSONFile(tt.filename))
		})
	}
}
