// Package config parses key=value settings passed on the command line.
package config

import (
	"fmt"
	"strings"

	utiljson "k8s.io/apimachinery/pkg/util/json"
	"sigs.k8s.io/yaml"

	"github.com/Azure/strata/internal/fieldpath"
)

// ParseKeyValue parses a single key=value pair and returns the key and value.
// If no value is provided, the value will be empty.
func ParseKeyValue(input string) (key, val string) {
	chunks := strings.SplitN(input, "=", 2)
	key = chunks[0]
	if len(chunks) > 1 {
		val = chunks[1]
	}
	return
}

// ParseKeyValuePairs parses a comma-separated string of key=value pairs
// and returns them as a map. Empty pairs are ignored, and whitespace
// around pairs is trimmed.
func ParseKeyValuePairs(input string) map[string]string {
	result := make(map[string]string)
	if input == "" {
		return result
	}

	pairs := strings.Split(input, ",")
	for _, pair := range pairs {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, val := ParseKeyValue(pair)
		if key != "" {
			result[key] = val
		}
	}
	return result
}

// Override sets a single spec field of matching instances.
type Override struct {
	// Instance is the name of the instance to modify. Empty matches every instance.
	Instance string
	Path     *fieldpath.Path
	Value    any
}

// ParseOverride parses "[instance:]spec.path=value". The value is parsed as YAML,
// so "3" is an integer, "true" a boolean, and "[a, b]" a list.
func ParseOverride(input string) (*Override, error) {
	key, val := ParseKeyValue(input)
	if key == "" || !strings.Contains(input, "=") {
		return nil, fmt.Errorf("invalid override %q: expected [instance:]path=value", input)
	}

	o := &Override{}
	if i := strings.Index(key, ":"); i >= 0 {
		o.Instance, key = key[:i], key[i+1:]
	}

	var err error
	o.Path, err = fieldpath.Parse(key)
	if err != nil {
		return nil, fmt.Errorf("invalid override %q: %w", input, err)
	}
	if o.Path.Root() != "spec" || o.Path.Len() < 2 {
		return nil, fmt.Errorf("invalid override %q: only fields of spec can be set", input)
	}

	js, err := yaml.YAMLToJSON([]byte(val))
	if err != nil {
		return nil, fmt.Errorf("invalid override value %q: %w", val, err)
	}
	if err := utiljson.Unmarshal(js, &o.Value); err != nil {
		return nil, fmt.Errorf("invalid override value %q: %w", val, err)
	}
	return o, nil
}

// ParseOverrides parses every given override.
func ParseOverrides(inputs []string) ([]*Override, error) {
	overrides := make([]*Override, 0, len(inputs))
	for _, in := range inputs {
		o, err := ParseOverride(in)
		if err != nil {
			return nil, err
		}
		overrides = append(overrides, o)
	}
	return overrides, nil
}

// Apply sets the override's field in the document of the named instance.
// It returns false when the override doesn't match the instance.
func (o *Override) Apply(name string, doc map[string]any) (bool, error) {
	if o.Instance != "" && o.Instance != name {
		return false, nil
	}
	return true, o.Path.Set(doc, o.Value)
}
