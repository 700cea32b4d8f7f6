package fake

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/Azure/strata/internal/provider"
)

var subnetKind = schema.GroupVersionKind{Group: "example.org", Version: "v1", Kind: "XSubnet"}

func TestLifecycle(t *testing.T) {
	ctx := context.Background()
	c := New()
	c.OnStatus(subnetKind.GroupKind(), func(id string, res *provider.Resource) (map[string]any, bool) {
		return map[string]any{"subnetId": "sn-1", "cidr": res.Parameters["cidr"]}, true
	})

	res := &provider.Resource{Kind: subnetKind, Namespace: "default", Name: "net-subnet", Parameters: map[string]any{"cidr": "10.0.0.0/24"}}
	id, err := c.Create(ctx, res)
	require.NoError(t, err)
	assert.Equal(t, "xsubnet-1", id)
	assert.True(t, c.Exists(id))

	// The provider keeps its own copy
	res.Parameters["cidr"] = "mutated"

	status, err := c.Read(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"cidr": "10.0.0.0/24"}, status.Parameters)
	assert.Equal(t, map[string]any{"subnetId": "sn-1", "cidr": "10.0.0.0/24"}, status.Observed)
	assert.True(t, status.Ready)

	status, err = c.Update(ctx, id, res)
	require.NoError(t, err)
	assert.Equal(t, "mutated", status.Observed["cidr"])

	require.NoError(t, c.Delete(ctx, id))
	assert.False(t, c.Exists(id))
	assert.True(t, provider.IsNotFound(c.Delete(ctx, id)))

	_, err = c.Read(ctx, id)
	assert.True(t, provider.IsNotFound(err))
	_, err = c.Update(ctx, id, res)
	assert.True(t, provider.IsNotFound(err))

	assert.Equal(t, 1, c.CallCount("Create"))
	assert.Equal(t, 2, c.CallCount("Delete"))
	assert.Equal(t, 7, c.CallCount(""))
}

func TestFaults(t *testing.T) {
	ctx := context.Background()
	c := New()
	boom := errors.New("boom")

	c.Fail("Create", subnetKind.GroupKind(), boom, 2)
	res := &provider.Resource{Kind: subnetKind, Name: "a"}
	for range 2 {
		_, err := c.Create(ctx, res)
		assert.ErrorIs(t, err, boom)
	}
	id, err := c.Create(ctx, res)
	require.NoError(t, err)

	c.Fail("Delete", schema.GroupKind{}, provider.Terminal(boom), 0)
	for range 3 {
		assert.True(t, provider.IsTerminal(c.Delete(ctx, id)))
	}
	assert.True(t, c.Exists(id))

	c.Heal()
	assert.NoError(t, c.Delete(ctx, id))
	assert.Equal(t, 0, c.Len())
}

func TestForget(t *testing.T) {
	ctx := context.Background()
	c := New()
	id, err := c.Create(ctx, &provider.Resource{Kind: subnetKind, Name: "a"})
	require.NoError(t, err)

	status, err := c.Read(ctx, id)
	require.NoError(t, err)
	assert.True(t, status.Ready)
	assert.Empty(t, status.Observed)

	c.Forget(id)
	_, err = c.Read(ctx, id)
	assert.True(t, provider.IsNotFound(err))
}
