// Package composition expands composite instances into their children according to composition rules.
package composition

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/util/validation"

	apiv1 "github.com/Azure/strata/api/v1"
	"github.com/Azure/strata/internal/errdefs"
	"github.com/Azure/strata/internal/fieldpath"
	"github.com/Azure/strata/internal/readiness"
	"github.com/Azure/strata/internal/registry"
)

// Rule is the compiled form of a CompositionRule.
type Rule struct {
	Name      string
	Composite schema.GroupVersionKind
	Templates []*Template
}

type Template struct {
	Name      string
	Kind      schema.GroupVersionKind
	Namespace string
	Base      map[string]any
	ToChild   []*Patch
	ToParent  []*Patch
	Readiness readiness.Checks
}

type Patch struct {
	From       *fieldpath.Path
	To         *fieldpath.Path
	Default    any
	Transforms []Transform
}

// RuleSet holds at most one rule per composite group/kind.
// Like the registry, reads are served from an atomically swapped snapshot.
type RuleSet struct {
	registry *registry.Registry
	mu       sync.Mutex
	current  atomic.Pointer[ruleSnapshot]
}

type ruleSnapshot struct {
	byKind map[schema.GroupKind]*Rule
}

func NewRuleSet(reg *registry.Registry) *RuleSet {
	r := &RuleSet{registry: reg}
	r.current.Store(&ruleSnapshot{byKind: map[schema.GroupKind]*Rule{}})
	return r
}

// Add compiles and publishes the rule, replacing any previous rule of the same name.
// The rule is rejected if it is malformed or if it would introduce a composition cycle.
func (r *RuleSet) Add(cr *apiv1.CompositionRule) error {
	rule, err := r.compile(cr)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.current.Load()
	gk := rule.Composite.GroupKind()
	if existing, ok := prev.byKind[gk]; ok && existing.Name != rule.Name {
		return errdefs.Invalid("CompositionRule "+cr.Name, "%s is already composed by rule %q", gk, existing.Name)
	}

	next := &ruleSnapshot{byKind: make(map[schema.GroupKind]*Rule, len(prev.byKind)+1)}
	for k, v := range prev.byKind {
		if v.Name == rule.Name {
			continue // the rule may have moved to another composite kind
		}
		next.byKind[k] = v
	}
	next.byKind[gk] = rule
	if err := next.checkCycles(gk); err != nil {
		return err
	}

	r.current.Store(next)
	ruleCount.Set(float64(len(next.byKind)))
	return nil
}

// Get returns the rule composing the given kind, if any.
func (r *RuleSet) Get(gk schema.GroupKind) (*Rule, bool) {
	rule, ok := r.current.Load().byKind[gk]
	return rule, ok
}

// Rules returns every rule, sorted by composite kind.
func (r *RuleSet) Rules() []*Rule {
	snap := r.current.Load()
	out := make([]*Rule, 0, len(snap.byKind))
	for _, rule := range snap.byKind {
		out = append(out, rule)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Composite.GroupKind().String() < out[j].Composite.GroupKind().String() })
	return out
}

// CheckCycles returns a ValidationError if the kind transitively composes itself.
func (r *RuleSet) CheckCycles(gk schema.GroupKind) error {
	return r.current.Load().checkCycles(gk)
}

func (s *ruleSnapshot) checkCycles(root schema.GroupKind) error {
	const (
		unvisited = iota
		visiting
		visited
	)
	state := map[schema.GroupKind]int{}
	var stack []schema.GroupKind

	var visit func(gk schema.GroupKind) []schema.GroupKind
	visit = func(gk schema.GroupKind) []schema.GroupKind {
		switch state[gk] {
		case visiting:
			for i, cur := range stack {
				if cur == gk {
					return append(append([]schema.GroupKind{}, stack[i:]...), gk)
				}
			}
		case visited:
			return nil
		}

		rule, ok := s.byKind[gk]
		if !ok {
			state[gk] = visited
			return nil
		}
		state[gk] = visiting
		stack = append(stack, gk)
		for _, tmpl := range rule.Templates {
			if cycle := visit(tmpl.Kind.GroupKind()); cycle != nil {
				return cycle
			}
		}
		stack = stack[:len(stack)-1]
		state[gk] = visited
		return nil
	}

	cycle := visit(root)
	if cycle == nil {
		return nil
	}
	path := make([]string, len(cycle))
	for i, gk := range cycle {
		path[i] = gk.String()
	}
	return errdefs.NewCycleError(path)
}

func (r *RuleSet) compile(cr *apiv1.CompositionRule) (*Rule, error) {
	subject := "CompositionRule " + cr.Name
	rule := &Rule{Name: cr.Name, Composite: cr.Spec.CompositeKind.GroupVersionKind()}

	var errs error
	if cr.Name == "" {
		errs = multierr.Append(errs, fmt.Errorf("metadata.name is required"))
	}
	if _, err := r.registry.Lookup(rule.Composite); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("composite kind %s is not registered", rule.Composite))
	}

	names := map[string]struct{}{}
	for i := range cr.Spec.Resources {
		rt := &cr.Spec.Resources[i]
		if msgs := validation.IsDNS1123Label(rt.Name); len(msgs) > 0 {
			errs = multierr.Append(errs, fmt.Errorf("resources[%d]: invalid name %q: %s", i, rt.Name, msgs[0]))
		}
		if _, dup := names[rt.Name]; dup {
			errs = multierr.Append(errs, fmt.Errorf("resources[%d]: name %q is used more than once", i, rt.Name))
		}
		names[rt.Name] = struct{}{}

		tmpl, err := r.compileTemplate(rt)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("resources[%d] (%s): %w", i, rt.Name, err))
			continue
		}
		rule.Templates = append(rule.Templates, tmpl)
	}

	if errs != nil {
		return nil, &errdefs.ValidationError{Subject: subject, Reason: errs.Error(), Err: errs}
	}
	return rule, nil
}

func (r *RuleSet) compileTemplate(rt *apiv1.ResourceTemplate) (*Template, error) {
	tmpl := &Template{
		Name:      rt.Name,
		Kind:      rt.Kind.GroupVersionKind(),
		Namespace: rt.Namespace,
		Base:      apiv1.DeepCopyMap(rt.Base),
	}

	var errs error
	if _, err := r.registry.Lookup(tmpl.Kind); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("kind %s is not registered", tmpl.Kind))
	}
	if rt.Namespace != "" {
		if msgs := validation.IsDNS1123Label(rt.Namespace); len(msgs) > 0 {
			errs = multierr.Append(errs, fmt.Errorf("invalid namespace %q: %s", rt.Namespace, msgs[0]))
		}
	}

	for i := range rt.Patches {
		fp := &rt.Patches[i]
		patch, err := compilePatch(fp)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("patches[%d]: %w", i, err))
			continue
		}
		switch fp.EffectiveDirection() {
		case apiv1.ToChild:
			tmpl.ToChild = append(tmpl.ToChild, patch)
		case apiv1.ToParent:
			tmpl.ToParent = append(tmpl.ToParent, patch)
		}
	}

	checks, err := readiness.ParseChecks(rt.ReadinessChecks)
	errs = multierr.Append(errs, err)
	tmpl.Readiness = checks

	return tmpl, errs
}

var sourceRoots = map[string]struct{}{
	"apiVersion": {}, "kind": {}, "metadata": {}, "spec": {}, "status": {},
}

func compilePatch(fp *apiv1.FieldPatch) (*Patch, error) {
	from, err := fieldpath.Parse(fp.FromFieldPath)
	if err != nil {
		return nil, fmt.Errorf("fromFieldPath %q: %w", fp.FromFieldPath, err)
	}
	if _, ok := sourceRoots[from.Root()]; !ok {
		return nil, fmt.Errorf("fromFieldPath %q must be rooted at one of apiVersion, kind, metadata, spec, or status", fp.FromFieldPath)
	}
	to, err := fieldpath.Parse(fp.ToFieldPath)
	if err != nil {
		return nil, fmt.Errorf("toFieldPath %q: %w", fp.ToFieldPath, err)
	}

	switch fp.EffectiveDirection() {
	case apiv1.ToChild:
		ok := (to.HasPrefix("spec") && to.Len() > 1) ||
			(to.HasPrefix("metadata", "labels") && to.Len() == 3) ||
			(to.HasPrefix("metadata", "annotations") && to.Len() == 3)
		if !ok {
			return nil, fmt.Errorf("toFieldPath %q of a ToChild patch must address a field of spec, metadata.labels, or metadata.annotations", fp.ToFieldPath)
		}
	case apiv1.ToParent:
		if !to.HasPrefix("status") || to.Len() < 2 {
			return nil, fmt.Errorf("toFieldPath %q of a ToParent patch must address a field of status", fp.ToFieldPath)
		}
	default:
		return nil, fmt.Errorf("unknown direction %q", fp.Direction)
	}

	patch := &Patch{From: from, To: to, Default: apiv1.DeepCopyValue(fp.Default)}
	for i, t := range fp.Transforms {
		fn, err := compileTransform(t)
		if err != nil {
			return nil, fmt.Errorf("transforms[%d]: %w", i, err)
		}
		patch.Transforms = append(patch.Transforms, fn)
	}
	return patch, nil
}
