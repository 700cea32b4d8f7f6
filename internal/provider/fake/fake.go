// Package fake implements an in-memory provider.
package fake

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"k8s.io/apimachinery/pkg/runtime/schema"

	apiv1 "github.com/Azure/strata/api/v1"
	"github.com/Azure/strata/internal/provider"
)

// StatusFunc computes the observed status of a resource from its parameters.
// It's called every time the resource is created or updated.
type StatusFunc func(id string, res *provider.Resource) (observed map[string]any, ready bool)

type Call struct {
	Op   string
	ID   string
	Kind schema.GroupKind
}

// Cloud is an in-memory provider. It's safe for concurrent use.
//
// Resources are ready as soon as they exist and report no status unless a status hook
// is registered for their kind.
type Cloud struct {
	mu        sync.Mutex
	resources map[string]*record
	hooks     map[schema.GroupKind]StatusFunc
	faults    []*fault
	calls     []Call
	nextID    int
}

type record struct {
	kind     schema.GroupKind
	res      *provider.Resource
	observed map[string]any
	ready    bool
}

type fault struct {
	op        string
	kind      schema.GroupKind
	err       error
	remaining int // <= 0 means forever
}

var _ provider.Client = (*Cloud)(nil)

func New() *Cloud {
	return &Cloud{resources: map[string]*record{}, hooks: map[schema.GroupKind]StatusFunc{}}
}

// OnStatus registers the status hook of a kind.
func (c *Cloud) OnStatus(gk schema.GroupKind, fn StatusFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks[gk] = fn
}

// Fail makes the next n calls of the given operation on the given kind fail with err.
// n <= 0 fails every call until Heal is called.
func (c *Cloud) Fail(op string, gk schema.GroupKind, err error, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faults = append(c.faults, &fault{op: op, kind: gk, err: err, remaining: n})
}

// Heal removes every injected fault.
func (c *Cloud) Heal() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faults = nil
}

// Forget removes a resource behind the engine's back.
func (c *Cloud) Forget(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.resources, id)
}

func (c *Cloud) Exists(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.resources[id]
	return ok
}

func (c *Cloud) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.resources)
}

func (c *Cloud) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Call(nil), c.calls...)
}

// CallCount returns the number of calls of the given operation, or every call when op is empty.
func (c *Cloud) CallCount(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, call := range c.calls {
		if op == "" || call.Op == op {
			n++
		}
	}
	return n
}

func (c *Cloud) Create(ctx context.Context, res *provider.Resource) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	gk := res.Kind.GroupKind()
	c.calls = append(c.calls, Call{Op: "Create", Kind: gk})
	if err := c.fault("Create", gk); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	c.nextID++
	id := fmt.Sprintf("%s-%d", strings.ToLower(gk.Kind), c.nextID)
	rec := &record{kind: gk}
	c.apply(id, rec, res)
	c.resources[id] = rec
	return id, nil
}

func (c *Cloud) Read(ctx context.Context, id string) (*provider.Status, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.resources[id]
	call := Call{Op: "Read", ID: id}
	if ok {
		call.Kind = rec.kind
	}
	c.calls = append(c.calls, call)
	if err := c.fault("Read", call.Kind); err != nil {
		return nil, err
	}
	if !ok {
		return nil, provider.NotFound(id)
	}
	return rec.status(id), nil
}

func (c *Cloud) Update(ctx context.Context, id string, res *provider.Resource) (*provider.Status, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	gk := res.Kind.GroupKind()
	c.calls = append(c.calls, Call{Op: "Update", ID: id, Kind: gk})
	if err := c.fault("Update", gk); err != nil {
		return nil, err
	}
	rec, ok := c.resources[id]
	if !ok {
		return nil, provider.NotFound(id)
	}
	c.apply(id, rec, res)
	return rec.status(id), nil
}

func (c *Cloud) Delete(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.resources[id]
	call := Call{Op: "Delete", ID: id}
	if ok {
		call.Kind = rec.kind
	}
	c.calls = append(c.calls, call)
	if err := c.fault("Delete", call.Kind); err != nil {
		return err
	}
	if !ok {
		return provider.NotFound(id)
	}
	delete(c.resources, id)
	return nil
}

func (c *Cloud) apply(id string, rec *record, res *provider.Resource) {
	rec.res = &provider.Resource{
		Kind:       res.Kind,
		Namespace:  res.Namespace,
		Name:       res.Name,
		Parameters: apiv1.DeepCopyMap(res.Parameters),
	}
	rec.observed, rec.ready = nil, true
	if hook, ok := c.hooks[rec.kind]; ok {
		rec.observed, rec.ready = hook(id, rec.res)
	}
}

func (c *Cloud) fault(op string, gk schema.GroupKind) error {
	for i, f := range c.faults {
		if f.op != op || (f.kind != gk && f.kind != (schema.GroupKind{})) {
			continue
		}
		if f.remaining > 0 {
			f.remaining--
			if f.remaining == 0 {
				c.faults = append(c.faults[:i], c.faults[i+1:]...)
			}
		}
		return f.err
	}
	return nil
}

func (r *record) status(id string) *provider.Status {
	return &provider.Status{
		ID:         id,
		Parameters: apiv1.DeepCopyMap(r.res.Parameters),
		Observed:   apiv1.DeepCopyMap(r.observed),
		Ready:      r.ready,
	}
}
