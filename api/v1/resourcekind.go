package v1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

// +kubebuilder:object:root=true
type ResourceKindList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []ResourceKind `json:"items"`
}

// ResourceKind defines a versioned type of composable resource.
//
// Published versions are immutable. Registering the same group/kind again may only add versions.
//
// +kubebuilder:object:root=true
// +kubebuilder:resource:scope=Cluster
type ResourceKind struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec ResourceKindSpec `json:"spec,omitempty"`
}

type ResourceKindSpec struct {
	Group string `json:"group,omitempty"`
	Kind  string `json:"kind,omitempty"`

	// Scope only affects how instances are addressed.
	//
	// +kubebuilder:default=Namespaced
	Scope KindScope `json:"scope,omitempty"`

	Versions []KindVersion `json:"versions,omitempty"`
}

type KindVersion struct {
	Name string `json:"name,omitempty"`

	// ParameterSchema is an OpenAPI v3 schema describing the instance's desired parameters (spec).
	// The root must be an object. An empty schema accepts any parameters.
	ParameterSchema map[string]any `json:"parameterSchema,omitempty"`
}

type KindScope string

const (
	ScopeNamespaced KindScope = "Namespaced"
	ScopeCluster    KindScope = "Cluster"
)

func (k *ResourceKind) GroupKind() schema.GroupKind {
	return schema.GroupKind{Group: k.Spec.Group, Kind: k.Spec.Kind}
}

func (k *ResourceKind) EffectiveScope() KindScope {
	if k.Spec.Scope == "" {
		return ScopeNamespaced
	}
	return k.Spec.Scope
}

// Version returns the named version, or nil if it doesn't exist.
func (k *ResourceKind) Version(name string) *KindVersion {
	for i := range k.Spec.Versions {
		if k.Spec.Versions[i].Name == name {
			return &k.Spec.Versions[i]
		}
	}
	return nil
}
