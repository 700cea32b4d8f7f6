// +groupName=strata.azure.io
package v1

import (
	"k8s.io/apimachinery/pkg/runtime/schema"
	"sigs.k8s.io/controller-runtime/pkg/scheme"
)

const (
	Group   = "strata.azure.io"
	Version = "v1"

	// Labels set on instances created by a composition.
	CompositeNameLabelKey      = "strata.azure.io/composite-name"
	CompositeNamespaceLabelKey = "strata.azure.io/composite-namespace"
	CompositeKindLabelKey      = "strata.azure.io/composite-kind"
	TemplateLabelKey           = "strata.azure.io/template"
)

var (
	SchemeGroupVersion = schema.GroupVersion{Group: Group, Version: Version}
	SchemeBuilder      = &scheme.Builder{GroupVersion: SchemeGroupVersion}
)

func init() {
	SchemeBuilder.Register(&ResourceKindList{}, &ResourceKind{})
	SchemeBuilder.Register(&CompositionRuleList{}, &CompositionRule{})
}
