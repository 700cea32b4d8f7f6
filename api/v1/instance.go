package v1

import (
	"fmt"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/utils/ptr"
)

// Instance is a desired-state document of some registered kind.
//
// Spec holds the opaque desired parameters, validated against the kind's parameter schema.
// Status is written only by the engine.
type Instance struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   map[string]any `json:"spec,omitempty"`
	Status InstanceStatus `json:"status,omitempty"`
}

type InstanceStatus struct {
	State InstanceState `json:"state,omitempty"`

	// Observed is the opaque observed status of the instance.
	// Managed resources copy it from the provider, composites receive it through ToParent patches.
	Observed map[string]any `json:"observed,omitempty"`

	// ExternalID is the provider's identifier of a managed resource.
	ExternalID string `json:"externalID,omitempty"`

	// Resources references the children produced by the last successful composition.
	Resources []corev1.ObjectReference `json:"resources,omitempty"`

	Ready *metav1.Time `json:"ready,omitempty"`

	Reconcile ReconcileRecord `json:"reconcile,omitempty"`
}

// ReconcileRecord tracks convergence progress. It shares the lifecycle of its instance.
type ReconcileRecord struct {
	DesiredGeneration  int64        `json:"desiredGeneration,omitempty"`
	ObservedGeneration int64        `json:"observedGeneration,omitempty"`
	LastError          string       `json:"lastError,omitempty"`
	RetryCount         int          `json:"retryCount,omitempty"`
	LastTransitionTime *metav1.Time `json:"lastTransitionTime,omitempty"`
}

type InstanceState string

const (
	StatePending   InstanceState = "Pending"
	StateComposing InstanceState = "Composing"
	StateApplying  InstanceState = "Applying"
	StateReady     InstanceState = "Ready"
	StateDegraded  InstanceState = "Degraded"
	StateDeleting  InstanceState = "Deleting"
	StateGone      InstanceState = "Gone"
)

// Settled returns true for states that won't change without an external event.
func (s InstanceState) Settled() bool {
	return s == StateReady || s == StateDegraded || s == StateGone
}

// InstanceRef identifies an instance. It's comparable and safe to use as a map or queue key.
type InstanceRef struct {
	Group     string
	Version   string
	Kind      string
	Namespace string
	Name      string
}

func NewInstanceRef(gvk schema.GroupVersionKind, namespace, name string) InstanceRef {
	return InstanceRef{Group: gvk.Group, Version: gvk.Version, Kind: gvk.Kind, Namespace: namespace, Name: name}
}

func (r InstanceRef) GroupVersionKind() schema.GroupVersionKind {
	return schema.GroupVersionKind{Group: r.Group, Version: r.Version, Kind: r.Kind}
}

func (r InstanceRef) String() string {
	if r.Namespace == "" {
		return fmt.Sprintf("%s/%s", r.Kind, r.Name)
	}
	return fmt.Sprintf("%s/%s/%s", r.Kind, r.Namespace, r.Name)
}

func (i *Instance) Ref() InstanceRef {
	return NewInstanceRef(i.GroupVersionKind(), i.Namespace, i.Name)
}

func (i *Instance) Deleting() bool { return i.DeletionTimestamp != nil }

// Document returns the view of the instance addressed by field paths:
// apiVersion, kind, metadata, spec (desired parameters), and status (observed status).
// The returned maps alias the instance's maps.
func (i *Instance) Document() map[string]any {
	meta := map[string]any{
		"name":       i.Name,
		"generation": i.Generation,
	}
	if i.Namespace != "" {
		meta["namespace"] = i.Namespace
	}
	if i.UID != "" {
		meta["uid"] = string(i.UID)
	}
	if len(i.Labels) > 0 {
		meta["labels"] = stringMapToAny(i.Labels)
	}
	if len(i.Annotations) > 0 {
		meta["annotations"] = stringMapToAny(i.Annotations)
	}

	spec := i.Spec
	if spec == nil {
		spec = map[string]any{}
	}
	status := i.Status.Observed
	if status == nil {
		status = map[string]any{}
	}
	return map[string]any{
		"apiVersion": i.APIVersion,
		"kind":       i.Kind,
		"metadata":   meta,
		"spec":       spec,
		"status":     status,
	}
}

// OwnerRef returns the reference children use to point at this instance.
func (i *Instance) OwnerRef() metav1.OwnerReference {
	return metav1.OwnerReference{
		APIVersion: i.APIVersion,
		Kind:       i.Kind,
		Name:       i.Name,
		UID:        i.UID,
		Controller: ptr.To(true),
	}
}

// Owner returns the ref of the composite that produced this instance, if any.
func (i *Instance) Owner() (InstanceRef, bool) {
	owner := metav1.GetControllerOf(i)
	if owner == nil {
		return InstanceRef{}, false
	}
	gv, err := schema.ParseGroupVersion(owner.APIVersion)
	if err != nil {
		return InstanceRef{}, false
	}
	return NewInstanceRef(gv.WithKind(owner.Kind), i.Labels[CompositeNamespaceLabelKey], owner.Name), true
}

func (i *Instance) ObjectReference() corev1.ObjectReference {
	return corev1.ObjectReference{
		APIVersion: i.APIVersion,
		Kind:       i.Kind,
		Namespace:  i.Namespace,
		Name:       i.Name,
		UID:        i.UID,
	}
}

func stringMapToAny(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
