package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/runtime/schema"

	apiv1 "github.com/Azure/strata/api/v1"
	"github.com/Azure/strata/internal/registry"
)

const Group = "example.org"

func NewContext(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
	})
	return logr.NewContext(ctx, testr.NewWithOptions(t, testr.Options{Verbosity: 99}))
}

func Eventually(t testing.TB, fn func() bool) {
	EventuallyWithin(t, time.Second*2, fn)
}

func EventuallyWithin(t testing.TB, timeout time.Duration, fn func() bool) {
	t.Helper()
	start := time.Now()
	for {
		if time.Since(start) > timeout {
			t.Fatalf("timeout while waiting for condition")
			return
		}
		if fn() {
			return
		}
		time.Sleep(time.Millisecond * 10)
	}
}

// GVK returns the v1 version of a kind in the test group.
func GVK(kind string) schema.GroupVersionKind {
	return schema.GroupVersionKind{Group: Group, Version: "v1", Kind: kind}
}

// NewKind returns a v1 kind in the test group. A nil schema accepts any parameters.
func NewKind(kind string, scope apiv1.KindScope, paramSchema map[string]any) *apiv1.ResourceKind {
	rk := &apiv1.ResourceKind{}
	rk.APIVersion = apiv1.SchemeGroupVersion.String()
	rk.Kind = "ResourceKind"
	rk.Name = kind
	rk.Spec.Group = Group
	rk.Spec.Kind = kind
	rk.Spec.Scope = scope
	rk.Spec.Versions = []apiv1.KindVersion{{Name: "v1", ParameterSchema: paramSchema}}
	return rk
}

// NewRegistry registers a namespaced, schemaless kind for every given name.
func NewRegistry(t testing.TB, kinds ...string) *registry.Registry {
	reg := registry.New()
	for _, kind := range kinds {
		require.NoError(t, reg.Register(NewKind(kind, apiv1.ScopeNamespaced, nil)))
	}
	return reg
}

// NewInstance returns a v1 instance of a kind in the test group.
func NewInstance(kind, namespace, name string, spec map[string]any) *apiv1.Instance {
	inst := &apiv1.Instance{Spec: spec}
	inst.SetGroupVersionKind(GVK(kind))
	inst.Namespace = namespace
	inst.Name = name
	return inst
}
