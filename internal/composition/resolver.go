package composition

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	"go.uber.org/multierr"
	"k8s.io/apimachinery/pkg/api/equality"
	"k8s.io/apimachinery/pkg/runtime/schema"

	apiv1 "github.com/Azure/strata/api/v1"
	"github.com/Azure/strata/internal/errdefs"
	"github.com/Azure/strata/internal/readiness"
	"github.com/Azure/strata/internal/registry"
)

// Resolver maps composite instances to their desired children and merges the children's
// observed status back into the composite.
type Resolver struct {
	rules    *RuleSet
	registry *registry.Registry
}

func NewResolver(reg *registry.Registry, rules *RuleSet) *Resolver {
	return &Resolver{rules: rules, registry: reg}
}

// Child is the desired state of one child produced by a template.
type Child struct {
	Template *Template
	Instance *apiv1.Instance
}

func (c *Child) Ref() apiv1.InstanceRef { return c.Instance.Ref() }

// ChildName returns the deterministic name of the child a template produces for the given parent.
func ChildName(parent *apiv1.Instance, tmpl *Template) string {
	return parent.Name + "-" + tmpl.Name
}

// IsComposite returns true when a rule composes the given kind.
func (r *Resolver) IsComposite(gk schema.GroupKind) bool {
	_, ok := r.rules.Get(gk)
	return ok
}

func (r *Resolver) CheckCycles(gk schema.GroupKind) error {
	return r.rules.CheckCycles(gk)
}

// Resolve returns one child per template of the parent's rule, in declaration order.
// Every failing patch is reported, none of the children are returned in that case.
func (r *Resolver) Resolve(ctx context.Context, parent *apiv1.Instance) ([]*Child, error) {
	gk := parent.GroupVersionKind().GroupKind()
	rule, ok := r.rules.Get(gk)
	if !ok {
		return nil, errdefs.Invalid(gk.String(), "no composition rule composes this kind")
	}

	parentDoc := parent.Document()
	children := make([]*Child, 0, len(rule.Templates))
	var errs error
	for _, tmpl := range rule.Templates {
		child, err := r.resolveTemplate(ctx, parent, parentDoc, tmpl)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		children = append(children, child)
	}
	if errs != nil {
		return nil, errs
	}

	logr.FromContextOrDiscard(ctx).V(1).Info("resolved composition", "rule", rule.Name, "children", len(children))
	return children, nil
}

func (r *Resolver) resolveTemplate(ctx context.Context, parent *apiv1.Instance, parentDoc map[string]any, tmpl *Template) (*Child, error) {
	spec := apiv1.DeepCopyMap(tmpl.Base)
	if spec == nil {
		spec = map[string]any{}
	}
	doc := map[string]any{"spec": spec, "metadata": map[string]any{}}

	var errs error
	for _, patch := range tmpl.ToChild {
		value, found, err := patch.From.Get(parentDoc)
		if err != nil {
			errs = multierr.Append(errs, &errdefs.PatchError{Template: tmpl.Name, Path: patch.From.String(), Err: err})
			continue
		}
		if !found {
			if patch.Default == nil {
				errs = multierr.Append(errs, &errdefs.PatchError{Template: tmpl.Name, Path: patch.From.String(), Err: fmt.Errorf("source field is not set and the patch has no default")})
				continue
			}
			value = apiv1.DeepCopyValue(patch.Default)
		} else {
			value = apiv1.DeepCopyValue(value)
		}

		value, err = patch.transform(ctx, value, parentDoc)
		if err != nil {
			errs = multierr.Append(errs, &errdefs.PatchError{Template: tmpl.Name, Path: patch.From.String(), Err: err})
			continue
		}
		if err := patch.To.Set(doc, value); err != nil {
			errs = multierr.Append(errs, &errdefs.PatchError{Template: tmpl.Name, Path: patch.To.String(), Err: err})
		}
	}
	if errs != nil {
		return nil, errs
	}

	namespace, err := r.childNamespace(parent, tmpl)
	if err != nil {
		return nil, err
	}

	child := &apiv1.Instance{}
	child.SetGroupVersionKind(tmpl.Kind)
	child.Name = ChildName(parent, tmpl)
	child.Namespace = namespace
	child.Spec = spec
	meta, _ := doc["metadata"].(map[string]any)
	child.Labels = stringMap(meta["labels"])
	child.Annotations = stringMap(meta["annotations"])
	if child.Labels == nil {
		child.Labels = map[string]string{}
	}
	child.Labels[apiv1.CompositeNameLabelKey] = parent.Name
	child.Labels[apiv1.CompositeNamespaceLabelKey] = parent.Namespace
	child.Labels[apiv1.CompositeKindLabelKey] = parent.Kind
	child.Labels[apiv1.TemplateLabelKey] = tmpl.Name
	child.OwnerReferences = append(child.OwnerReferences, parent.OwnerRef())

	return &Child{Template: tmpl, Instance: child}, nil
}

func (r *Resolver) childNamespace(parent *apiv1.Instance, tmpl *Template) (string, error) {
	s, err := r.registry.Lookup(tmpl.Kind)
	if err != nil {
		return "", errdefs.Invalid(tmpl.Kind.String(), "kind is not registered")
	}
	if s.Scope == apiv1.ScopeCluster {
		return "", nil
	}
	if parent.Namespace != "" {
		return parent.Namespace, nil
	}
	if tmpl.Namespace != "" {
		return tmpl.Namespace, nil
	}
	return "default", nil
}

// ParentMerge is the outcome of ApplyToParent.
type ParentMerge struct {
	// Changed is true when the parent's observed status was modified.
	Changed bool

	// Pending lists the ToParent patches that couldn't be applied yet because their child
	// doesn't exist or hasn't published the source field, formatted as "<template>: <path>".
	Pending []string
}

// ApplyToParent merges the observed status of the children into the parent's observed status.
//
// observed[i] is the current state of children[i], or nil if it doesn't exist yet.
// Templates are applied in declaration order, so when two templates write the same field the later one wins.
// Source fields a child hasn't published fall back to the patch default. Patches without a default
// are reported as pending and leave their destination untouched.
func (r *Resolver) ApplyToParent(ctx context.Context, parent *apiv1.Instance, children []*Child, observed []*apiv1.Instance) (*ParentMerge, error) {
	if len(children) != len(observed) {
		return nil, fmt.Errorf("got %d observed children for %d templates", len(observed), len(children))
	}

	status := apiv1.DeepCopyMap(parent.Status.Observed)
	if status == nil {
		status = map[string]any{}
	}
	doc := map[string]any{"status": status}
	parentDoc := parent.Document()

	merge := &ParentMerge{}
	var errs error
	for i, child := range children {
		current := observed[i]
		if current == nil {
			for _, patch := range child.Template.ToParent {
				merge.Pending = append(merge.Pending, fmt.Sprintf("%s: %s", child.Template.Name, patch.From))
			}
			continue
		}
		childDoc := current.Document()
		for _, patch := range child.Template.ToParent {
			value, found, err := patch.From.Get(childDoc)
			if err != nil {
				errs = multierr.Append(errs, &errdefs.PatchError{Template: child.Template.Name, Path: patch.From.String(), Err: err})
				continue
			}
			if !found {
				if patch.Default == nil {
					merge.Pending = append(merge.Pending, fmt.Sprintf("%s: %s", child.Template.Name, patch.From))
					continue
				}
				value = patch.Default
			}
			value, err = patch.transform(ctx, apiv1.DeepCopyValue(value), parentDoc)
			if err != nil {
				errs = multierr.Append(errs, &errdefs.PatchError{Template: child.Template.Name, Path: patch.From.String(), Err: err})
				continue
			}
			if err := patch.To.Set(doc, value); err != nil {
				errs = multierr.Append(errs, &errdefs.PatchError{Template: child.Template.Name, Path: patch.To.String(), Err: err})
			}
		}
	}
	if errs != nil {
		return nil, errs
	}

	status, _ = doc["status"].(map[string]any)
	if equality.Semantic.DeepEqual(parent.Status.Observed, status) || (len(parent.Status.Observed) == 0 && len(status) == 0) {
		return merge, nil
	}
	parent.Status.Observed = status
	merge.Changed = true
	return merge, nil
}

// Ready evaluates the child's readiness: it must report Ready and pass every readiness check of its template.
func (c *Child) Ready(ctx context.Context, observed *apiv1.Instance) (*readiness.Status, bool) {
	if observed == nil || observed.Status.State != apiv1.StateReady {
		return nil, false
	}
	return c.Template.Readiness.EvalOptionally(ctx, observed.Document())
}

func (p *Patch) transform(ctx context.Context, value any, parentDoc map[string]any) (any, error) {
	var err error
	for i, fn := range p.Transforms {
		value, err = fn(ctx, value, parentDoc)
		if err != nil {
			return nil, fmt.Errorf("transform %d: %w", i, err)
		}
	}
	return value, nil
}

func stringMap(v any) map[string]string {
	m, ok := v.(map[string]any)
	if !ok || len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, val := range m {
		if s, ok := val.(string); ok {
			out[k] = s
			continue
		}
		out[k] = fmt.Sprint(val)
	}
	return out
}
