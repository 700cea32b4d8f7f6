package manager

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apiv1 "github.com/Azure/strata/api/v1"
	"github.com/Azure/strata/internal/errdefs"
	"github.com/Azure/strata/internal/provider"
	"github.com/Azure/strata/internal/provider/fake"
	"github.com/Azure/strata/internal/store"
	"github.com/Azure/strata/internal/testutil"
	"github.com/Azure/strata/pkg/loader"
)

func newTestManager(t *testing.T) (*Manager, *fake.Cloud) {
	cloud := fake.New()
	opts := &Options{}
	opts.Scheduler.BaseDelay = time.Millisecond
	opts.Scheduler.MaxDelay = 10 * time.Millisecond
	opts.Scheduler.ReadinessPollInterval = 10 * time.Millisecond

	mgr, err := New(testr.New(t), opts, cloud)
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })
	return mgr, cloud
}

func start(t *testing.T, mgr *Manager) {
	ctx, cancel := context.WithCancel(testutil.NewContext(t))
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, mgr.Start(ctx))
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func rule(name, composite string, templates ...apiv1.ResourceTemplate) *apiv1.CompositionRule {
	cr := &apiv1.CompositionRule{}
	cr.Name = name
	cr.Spec.CompositeKind = apiv1.KindReference{APIVersion: testutil.Group + "/v1", Kind: composite}
	cr.Spec.Resources = templates
	return cr
}

func template(name, kind string, patches ...apiv1.FieldPatch) apiv1.ResourceTemplate {
	return apiv1.ResourceTemplate{
		Name:    name,
		Kind:    apiv1.KindReference{APIVersion: testutil.Group + "/v1", Kind: kind},
		Patches: patches,
	}
}

func networkBundle() *loader.Bundle {
	return &loader.Bundle{
		Kinds: []*apiv1.ResourceKind{
			testutil.NewKind("XNetwork", apiv1.ScopeNamespaced, map[string]any{
				"type":     "object",
				"required": []any{"region"},
				"properties": map[string]any{
					"region": map[string]any{"type": "string"},
					"cidr":   map[string]any{"type": "string"},
				},
			}),
			testutil.NewKind("XSubnet", apiv1.ScopeNamespaced, nil),
		},
		Rules: []*apiv1.CompositionRule{
			rule("network", "XNetwork", template("subnet", "XSubnet",
				apiv1.FieldPatch{FromFieldPath: "spec.region", ToFieldPath: "spec.region"},
				apiv1.FieldPatch{FromFieldPath: "spec.cidr", ToFieldPath: "spec.cidr"},
				apiv1.FieldPatch{Direction: apiv1.ToParent, FromFieldPath: "status.subnetId", ToFieldPath: "status.networkId"},
			)),
		},
		Instances: []*apiv1.Instance{
			testutil.NewInstance("XNetwork", "", "net", map[string]any{"region": "westeurope", "cidr": "10.0.0.0/16"}),
		},
	}
}

func TestApplyAndSettle(t *testing.T) {
	mgr, cloud := newTestManager(t)
	cloud.OnStatus(testutil.GVK("XSubnet").GroupKind(), func(id string, res *provider.Resource) (map[string]any, bool) {
		return map[string]any{"subnetId": "sn-1"}, true
	})
	start(t, mgr)
	ctx := testutil.NewContext(t)

	refs, err := mgr.Apply(ctx, networkBundle())
	require.NoError(t, err)
	require.Equal(t, []apiv1.InstanceRef{apiv1.NewInstanceRef(testutil.GVK("XNetwork"), "default", "net")}, refs)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	settled, err := mgr.WaitSettled(waitCtx, refs, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, settled, 1)
	assert.Equal(t, apiv1.StateReady, settled[0].Status.State)
	assert.Equal(t, "sn-1", settled[0].Status.Observed["networkId"])
}

func TestApplyUpdatesExistingInstances(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := testutil.NewContext(t)

	_, err := mgr.Apply(ctx, networkBundle())
	require.NoError(t, err)

	bundle := networkBundle()
	bundle.Instances[0].Spec["region"] = "eastus"
	refs, err := mgr.Apply(ctx, bundle)
	require.NoError(t, err)

	inst, err := mgr.Store.Get(ctx, refs[0])
	require.NoError(t, err)
	assert.Equal(t, int64(2), inst.Generation)
	assert.Equal(t, "eastus", inst.Spec["region"])
}

func TestApplyRejectsCycleBeforeProviderCalls(t *testing.T) {
	mgr, cloud := newTestManager(t)
	start(t, mgr)
	ctx := testutil.NewContext(t)

	bundle := &loader.Bundle{
		Kinds: []*apiv1.ResourceKind{
			testutil.NewKind("XFoo", apiv1.ScopeNamespaced, nil),
			testutil.NewKind("XBar", apiv1.ScopeNamespaced, nil),
		},
		Rules: []*apiv1.CompositionRule{
			rule("foo", "XFoo", template("bar", "XBar")),
			rule("bar", "XBar", template("foo", "XFoo")),
		},
		Instances: []*apiv1.Instance{
			testutil.NewInstance("XFoo", "default", "a", nil),
		},
	}

	refs, err := mgr.Apply(ctx, bundle)
	require.Error(t, err)
	assert.True(t, errdefs.IsValidation(err))
	assert.True(t, errdefs.IsCycle(err))
	assert.Contains(t, err.Error(), "XBar.example.org -> XFoo.example.org -> XBar.example.org")
	assert.Empty(t, refs)

	time.Sleep(50 * time.Millisecond)
	all, err := mgr.Store.List(ctx, store.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.Zero(t, cloud.CallCount(""))
}

func TestValidate(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		mgr, cloud := newTestManager(t)
		require.NoError(t, mgr.Validate(testutil.NewContext(t), networkBundle()))
		assert.Zero(t, cloud.CallCount(""))
	})

	t.Run("every invalid instance is reported", func(t *testing.T) {
		mgr, _ := newTestManager(t)
		ctx := testutil.NewContext(t)

		bundle := networkBundle()
		bundle.Instances = append(bundle.Instances,
			testutil.NewInstance("XNetwork", "", "no-region", map[string]any{"cidr": "10.0.0.0/16"}),
			testutil.NewInstance("XNetwork", "", "no-cidr", map[string]any{"region": "westeurope"}),
			testutil.NewInstance("XUnknown", "", "unknown", nil),
		)

		err := mgr.Validate(ctx, bundle)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "instance XNetwork/no-region: ")
		assert.Contains(t, err.Error(), `instance XNetwork/no-cidr: patching "subnet" at "spec.cidr"`)
		assert.Contains(t, err.Error(), "instance XUnknown/unknown: ")
		assert.NotContains(t, err.Error(), "instance XNetwork/net:")

		all, err := mgr.Store.List(ctx, store.ListOptions{})
		require.NoError(t, err)
		assert.Empty(t, all)
	})
}

func TestHealthHandler(t *testing.T) {
	mgr, _ := newTestManager(t)
	srv := httptest.NewServer(mgr.HealthHandler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.NotEqual(t, http.StatusOK, resp.StatusCode)

	start(t, mgr)
	testutil.Eventually(t, func() bool {
		resp, err := http.Get(srv.URL + "/readyz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	})
}

func TestMetricsHandler(t *testing.T) {
	srv := httptest.NewServer(MetricsHandler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestOptionsBind(t *testing.T) {
	opts := &Options{}
	set := pflag.NewFlagSet("test", pflag.ContinueOnError)
	opts.Bind(set)

	require.NoError(t, set.Parse([]string{
		"--workers=8",
		"--backoff-base=2s",
		"--store=etcd",
		"--etcd-endpoints=a:2379,b:2379",
		"--provider-qps=5",
		"--backoff-jitter=0",
	}))
	assert.Equal(t, 8, opts.Scheduler.Workers)
	assert.Equal(t, 2*time.Second, opts.Scheduler.BaseDelay)
	assert.Equal(t, 5*time.Minute, opts.Scheduler.MaxDelay)
	require.NotNil(t, opts.Scheduler.Jitter)
	assert.Zero(t, *opts.Scheduler.Jitter)
	assert.Equal(t, StoreEtcd, opts.Store)
	assert.Equal(t, []string{"a:2379", "b:2379"}, opts.EtcdEndpoints)
	assert.Equal(t, 5.0, opts.ProviderQPS)
	assert.NoError(t, opts.validate())
}

func TestOptionsValidate(t *testing.T) {
	assert.EqualError(t, (&Options{Store: "sqlite"}).validate(), `unknown store "sqlite"`)
	assert.EqualError(t, (&Options{Store: StoreEtcd}).validate(), "at least one etcd endpoint is required")
	assert.EqualError(t, (&Options{ProviderQPS: -1}).validate(), "provider qps can't be negative")

	_, err := New(testr.New(t), &Options{Store: "sqlite"}, fake.New())
	assert.Error(t, err)
}
