// Package registry holds the versioned kinds that instances and composition rules refer to.
package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/version"
	"k8s.io/kube-openapi/pkg/validation/spec"
	"k8s.io/kube-openapi/pkg/validation/strfmt"
	"k8s.io/kube-openapi/pkg/validation/validate"

	apiv1 "github.com/Azure/strata/api/v1"
	"github.com/Azure/strata/internal/errdefs"
)

var kindResource = schema.GroupResource{Group: apiv1.Group, Resource: "resourcekinds"}

// Registry stores registered kinds.
//
// Reads are served from an immutable snapshot that is swapped atomically on every write,
// so lookups never block and always observe a consistent set of kinds.
type Registry struct {
	mu      sync.Mutex // serializes writers
	current atomic.Pointer[snapshot]
}

type snapshot struct {
	kinds map[schema.GroupKind]*Kind
}

// Kind is a registered group/kind and its published versions.
type Kind struct {
	GroupKind schema.GroupKind
	Scope     apiv1.KindScope
	Versions  map[string]*Schema

	// Preferred is the highest priority version according to Kubernetes version ordering.
	Preferred string
}

// Schema is the compiled parameter schema of one version of a kind.
type Schema struct {
	GroupVersionKind schema.GroupVersionKind
	Scope            apiv1.KindScope

	canonical []byte
	validator *validate.SchemaValidator // nil when the schema accepts anything
}

func New() *Registry {
	r := &Registry{}
	r.current.Store(&snapshot{kinds: map[schema.GroupKind]*Kind{}})
	return r
}

// Register publishes the kind's versions.
//
// Registering an identical kind again is a no-op. Existing versions are immutable: a kind
// can only ever gain versions, and its scope can't change.
func (r *Registry) Register(rk *apiv1.ResourceKind) error {
	gk := rk.GroupKind()
	if gk.Kind == "" {
		return errdefs.Invalid("ResourceKind "+rk.Name, "spec.kind is required")
	}
	if len(rk.Spec.Versions) == 0 {
		return errdefs.Invalid(gk.String(), "at least one version is required")
	}
	scope := rk.EffectiveScope()
	if scope != apiv1.ScopeNamespaced && scope != apiv1.ScopeCluster {
		return errdefs.Invalid(gk.String(), "unknown scope %q", scope)
	}

	compiled := map[string]*Schema{}
	for _, v := range rk.Spec.Versions {
		if v.Name == "" {
			return errdefs.Invalid(gk.String(), "version name is required")
		}
		if _, ok := compiled[v.Name]; ok {
			return errdefs.Invalid(gk.String(), "version %q is declared more than once", v.Name)
		}
		s, err := compile(gk.WithVersion(v.Name), scope, v.ParameterSchema)
		if err != nil {
			return err
		}
		compiled[v.Name] = s
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.current.Load()
	existing := prev.kinds[gk]
	next := &Kind{GroupKind: gk, Scope: scope, Versions: map[string]*Schema{}}
	if existing != nil {
		if existing.Scope != scope {
			return errdefs.Invalid(gk.String(), "scope can't change from %s to %s", existing.Scope, scope)
		}
		for name, s := range existing.Versions {
			if c, ok := compiled[name]; ok && !bytes.Equal(c.canonical, s.canonical) {
				return errdefs.Invalid(gk.WithVersion(name).String(), "published versions are immutable")
			}
			next.Versions[name] = s
		}
	}

	added := 0
	for name, s := range compiled {
		if _, ok := next.Versions[name]; !ok {
			next.Versions[name] = s
			added++
		}
	}
	if existing != nil && added == 0 {
		return nil // identical
	}
	next.Preferred = preferredVersion(next.Versions)

	kinds := make(map[schema.GroupKind]*Kind, len(prev.kinds)+1)
	for k, v := range prev.kinds {
		kinds[k] = v
	}
	kinds[gk] = next
	r.current.Store(&snapshot{kinds: kinds})

	registeredKinds.Set(float64(len(kinds)))
	registeredVersions.Add(float64(added))
	return nil
}

// Lookup returns the compiled schema of the given version, or a NotFound error.
func (r *Registry) Lookup(gvk schema.GroupVersionKind) (*Schema, error) {
	kind, ok := r.current.Load().kinds[gvk.GroupKind()]
	if !ok {
		return nil, apierrors.NewNotFound(kindResource, gvk.String())
	}
	s, ok := kind.Versions[gvk.Version]
	if !ok {
		return nil, apierrors.NewNotFound(kindResource, gvk.String())
	}
	return s, nil
}

// Kind returns the registered kind, or a NotFound error.
func (r *Registry) Kind(gk schema.GroupKind) (*Kind, error) {
	kind, ok := r.current.Load().kinds[gk]
	if !ok {
		return nil, apierrors.NewNotFound(kindResource, gk.String())
	}
	return kind, nil
}

// ValidateParameters validates the desired parameters of an instance against its kind's schema.
func (r *Registry) ValidateParameters(gvk schema.GroupVersionKind, params map[string]any) error {
	s, err := r.Lookup(gvk)
	if err != nil {
		return errdefs.Invalid(gvk.String(), "kind is not registered")
	}
	return s.Validate(params)
}

// PreferredVersion returns the highest priority version of the kind.
func (r *Registry) PreferredVersion(gk schema.GroupKind) (string, error) {
	kind, err := r.Kind(gk)
	if err != nil {
		return "", err
	}
	return kind.Preferred, nil
}

// Kinds returns every registered group/kind, sorted.
func (r *Registry) Kinds() []schema.GroupKind {
	snap := r.current.Load()
	out := make([]schema.GroupKind, 0, len(snap.kinds))
	for gk := range snap.kinds {
		out = append(out, gk)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Validate returns a ValidationError describing every way the parameters violate the schema.
func (s *Schema) Validate(params map[string]any) error {
	if s.validator == nil {
		return nil
	}
	if params == nil {
		params = map[string]any{}
	}
	res := s.validator.Validate(params)
	if res == nil || res.IsValid() {
		return nil
	}
	msgs := make([]string, len(res.Errors))
	for i, err := range res.Errors {
		msgs[i] = err.Error()
	}
	sort.Strings(msgs)
	return &errdefs.ValidationError{Subject: s.GroupVersionKind.String(), Reason: strings.Join(msgs, "; ")}
}

func compile(gvk schema.GroupVersionKind, scope apiv1.KindScope, raw map[string]any) (*Schema, error) {
	out := &Schema{GroupVersionKind: gvk, Scope: scope}
	canonical, err := json.Marshal(raw)
	if err != nil {
		return nil, errdefs.Invalid(gvk.String(), "encoding parameter schema: %s", err)
	}
	out.canonical = canonical
	if len(raw) == 0 {
		return out, nil
	}

	s := &spec.Schema{}
	if err := json.Unmarshal(canonical, s); err != nil {
		return nil, errdefs.Invalid(gvk.String(), "malformed parameter schema: %s", err)
	}
	if len(s.Type) != 1 || s.Type[0] != "object" {
		return nil, errdefs.Invalid(gvk.String(), "parameter schema root must be of type object")
	}
	if err := checkTypes(s, "parameterSchema"); err != nil {
		return nil, errdefs.Invalid(gvk.String(), "malformed parameter schema: %s", err)
	}

	out.validator = validate.NewSchemaValidator(s, nil, "spec", strfmt.Default)
	return out, nil
}

var knownTypes = map[string]struct{}{
	"object": {}, "array": {}, "string": {}, "integer": {}, "number": {}, "boolean": {}, "null": {},
}

func checkTypes(s *spec.Schema, path string) error {
	if s == nil {
		return nil
	}
	for _, t := range s.Type {
		if _, ok := knownTypes[t]; !ok {
			return fmt.Errorf("%s: unknown type %q", path, t)
		}
	}
	for name, prop := range s.Properties {
		if err := checkTypes(&prop, path+".properties."+name); err != nil {
			return err
		}
	}
	if s.Items != nil {
		if err := checkTypes(s.Items.Schema, path+".items"); err != nil {
			return err
		}
		for i := range s.Items.Schemas {
			if err := checkTypes(&s.Items.Schemas[i], fmt.Sprintf("%s.items[%d]", path, i)); err != nil {
				return err
			}
		}
	}
	if s.AdditionalProperties != nil {
		if err := checkTypes(s.AdditionalProperties.Schema, path+".additionalProperties"); err != nil {
			return err
		}
	}
	for group, schemas := range map[string][]spec.Schema{"allOf": s.AllOf, "anyOf": s.AnyOf, "oneOf": s.OneOf} {
		for i := range schemas {
			if err := checkTypes(&schemas[i], fmt.Sprintf("%s.%s[%d]", path, group, i)); err != nil {
				return err
			}
		}
	}
	return checkTypes(s.Not, path+".not")
}

func preferredVersion(versions map[string]*Schema) string {
	names := make([]string, 0, len(versions))
	for name := range versions {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return version.CompareKubeAwareVersionStrings(names[i], names[j]) > 0
	})
	return names[0]
}
