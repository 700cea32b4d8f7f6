package v1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

// +kubebuilder:object:root=true
type CompositionRuleList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []CompositionRule `json:"items"`
}

// CompositionRule maps instances of a composite kind into a set of child resources.
//
// Children are produced in the order of spec.resources. The composition graph formed by
// all rules must be acyclic: a kind can never (transitively) compose itself.
//
// +kubebuilder:object:root=true
// +kubebuilder:resource:scope=Cluster
type CompositionRule struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec CompositionRuleSpec `json:"spec,omitempty"`
}

type CompositionRuleSpec struct {
	CompositeKind KindReference      `json:"compositeKind"`
	Resources     []ResourceTemplate `json:"resources,omitempty"`
}

// KindReference refers to a specific version of a registered kind.
type KindReference struct {
	APIVersion string `json:"apiVersion"`
	Kind       string `json:"kind"`
}

func (k KindReference) GroupVersionKind() schema.GroupVersionKind {
	gv, _ := schema.ParseGroupVersion(k.APIVersion)
	return gv.WithKind(k.Kind)
}

// ResourceTemplate describes a single child resource.
type ResourceTemplate struct {
	// Name is unique within the rule and is used to derive the child's name.
	Name string `json:"name"`

	Kind KindReference `json:"kind"`

	// Namespace is used for namespaced children of cluster-scoped composites.
	// Children of namespaced composites always share the composite's namespace.
	Namespace string `json:"namespace,omitempty"`

	// Base is the child's initial set of desired parameters, before patches are applied.
	Base map[string]any `json:"base,omitempty"`

	Patches []FieldPatch `json:"patches,omitempty"`

	// ReadinessChecks are CEL expressions evaluated against the child's document (`self`).
	// The child is considered ready when it reports Ready and every check returns true.
	ReadinessChecks []string `json:"readinessChecks,omitempty"`
}

type PatchDirection string

const (
	ToChild  PatchDirection = "ToChild"
	ToParent PatchDirection = "ToParent"
)

// FieldPatch copies a value between the composite and one of its children.
//
// ToChild patches read the composite's document and write the child's spec (or labels/annotations).
// ToParent patches read the child's document and write the composite's status once the child has
// reported status.
type FieldPatch struct {
	// +kubebuilder:default=ToChild
	Direction PatchDirection `json:"direction,omitempty"`

	FromFieldPath string `json:"fromFieldPath"`
	ToFieldPath   string `json:"toFieldPath"`

	// Default is used when FromFieldPath is absent. ToChild patches without a default fail when the source is missing.
	Default any `json:"default,omitempty"`

	Transforms []Transform `json:"transforms,omitempty"`
}

func (f *FieldPatch) EffectiveDirection() PatchDirection {
	if f.Direction == "" {
		return ToChild
	}
	return f.Direction
}

type TransformType string

const (
	TransformMap     TransformType = "map"
	TransformString  TransformType = "string"
	TransformConvert TransformType = "convert"
	TransformMath    TransformType = "math"
	TransformCEL     TransformType = "cel"
)

// Transform modifies a patched value. Exactly one of the type-specific fields must be set, matching Type.
type Transform struct {
	Type TransformType `json:"type"`

	Map     map[string]any    `json:"map,omitempty"`
	String  *StringTransform  `json:"string,omitempty"`
	Convert *ConvertTransform `json:"convert,omitempty"`
	Math    *MathTransform    `json:"math,omitempty"`

	// Expression is a CEL expression with `value` (the current value) and `parent` (the composite's document).
	Expression string `json:"expression,omitempty"`
}

type StringTransform struct {
	// Format is passed to fmt.Sprintf with the value as its only argument.
	Format string `json:"format"`
}

type ConvertTransform struct {
	// +kubebuilder:validation:Enum=string;int64;float64;bool
	ToType string `json:"toType"`
}

type MathTransform struct {
	Multiply *int64 `json:"multiply,omitempty"`
	ClampMin *int64 `json:"clampMin,omitempty"`
	ClampMax *int64 `json:"clampMax,omitempty"`
}
