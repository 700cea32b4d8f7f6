package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseKeyValue(t *testing.T) {
	tests := []struct {
		input, key, val string
	}{
		{input: "env=dev", key: "env", val: "dev"},
		{input: "env", key: "env"},
		{input: "env=", key: "env"},
		{input: "spec.cidr=10.0.0.0/16", key: "spec.cidr", val: "10.0.0.0/16"},
		{input: "net:spec.query=a=b", key: "net:spec.query", val: "a=b"},
		{input: ""},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			key, val := ParseKeyValue(tt.input)
			assert.Equal(t, tt.key, key)
			assert.Equal(t, tt.val, val)
		})
	}
}

func TestParseKeyValuePairs(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected map[string]string
	}{
		{name: "empty", input: "", expected: map[string]string{}},
		{name: "single", input: "env=dev", expected: map[string]string{"env": "dev"}},
		{name: "multiple", input: "env=dev,owner=platform", expected: map[string]string{"env": "dev", "owner": "platform"}},
		{name: "whitespace", input: " env=dev , owner=platform ", expected: map[string]string{"env": "dev", "owner": "platform"}},
		{name: "empty pairs", input: "env=dev,,owner=platform,", expected: map[string]string{"env": "dev", "owner": "platform"}},
		{name: "missing value", input: "env,owner=", expected: map[string]string{"env": "", "owner": ""}},
		{name: "missing key", input: "=dev", expected: map[string]string{}},
		{name: "repeated key", input: "env=dev,env=prod", expected: map[string]string{"env": "prod"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseKeyValuePairs(tt.input))
		})
	}
}
