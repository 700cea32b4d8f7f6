package v1

import (
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/runtime"
)

// DeepCopyValue copies values of the shapes produced by decoding JSON/YAML into `any`.
// Unlike runtime.DeepCopyJSONValue it tolerates the integer types used by Go callers.
func DeepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return DeepCopyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = DeepCopyValue(item)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(t))
		for k, v := range t {
			out[k] = v
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return t // scalars are immutable
	}
}

func DeepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = DeepCopyValue(v)
	}
	return out
}

func (in *ResourceKind) DeepCopyInto(out *ResourceKind) {
	*out = *in
	out.TypeMeta = in.TypeMeta
	in.ObjectMeta.DeepCopyInto(&out.ObjectMeta)
	if in.Spec.Versions != nil {
		out.Spec.Versions = make([]KindVersion, len(in.Spec.Versions))
		for i, v := range in.Spec.Versions {
			out.Spec.Versions[i] = KindVersion{Name: v.Name, ParameterSchema: DeepCopyMap(v.ParameterSchema)}
		}
	}
}

func (in *ResourceKind) DeepCopy() *ResourceKind {
	if in == nil {
		return nil
	}
	out := new(ResourceKind)
	in.DeepCopyInto(out)
	return out
}

func (in *ResourceKind) DeepCopyObject() runtime.Object {
	if c := in.DeepCopy(); c != nil {
		return c
	}
	return nil
}

func (in *ResourceKindList) DeepCopyObject() runtime.Object {
	if in == nil {
		return nil
	}
	out := &ResourceKindList{TypeMeta: in.TypeMeta}
	in.ListMeta.DeepCopyInto(&out.ListMeta)
	if in.Items != nil {
		out.Items = make([]ResourceKind, len(in.Items))
		for i := range in.Items {
			in.Items[i].DeepCopyInto(&out.Items[i])
		}
	}
	return out
}

func (in *CompositionRule) DeepCopyInto(out *CompositionRule) {
	*out = *in
	in.ObjectMeta.DeepCopyInto(&out.ObjectMeta)
	if in.Spec.Resources != nil {
		out.Spec.Resources = make([]ResourceTemplate, len(in.Spec.Resources))
		for i := range in.Spec.Resources {
			in.Spec.Resources[i].DeepCopyInto(&out.Spec.Resources[i])
		}
	}
}

func (in *CompositionRule) DeepCopy() *CompositionRule {
	if in == nil {
		return nil
	}
	out := new(CompositionRule)
	in.DeepCopyInto(out)
	return out
}

func (in *CompositionRule) DeepCopyObject() runtime.Object {
	if c := in.DeepCopy(); c != nil {
		return c
	}
	return nil
}

func (in *CompositionRuleList) DeepCopyObject() runtime.Object {
	if in == nil {
		return nil
	}
	out := &CompositionRuleList{TypeMeta: in.TypeMeta}
	in.ListMeta.DeepCopyInto(&out.ListMeta)
	if in.Items != nil {
		out.Items = make([]CompositionRule, len(in.Items))
		for i := range in.Items {
			in.Items[i].DeepCopyInto(&out.Items[i])
		}
	}
	return out
}

func (in *ResourceTemplate) DeepCopyInto(out *ResourceTemplate) {
	*out = *in
	out.Base = DeepCopyMap(in.Base)
	out.ReadinessChecks = append([]string(nil), in.ReadinessChecks...)
	if in.Patches != nil {
		out.Patches = make([]FieldPatch, len(in.Patches))
		for i := range in.Patches {
			in.Patches[i].DeepCopyInto(&out.Patches[i])
		}
	}
}

func (in *FieldPatch) DeepCopyInto(out *FieldPatch) {
	*out = *in
	out.Default = DeepCopyValue(in.Default)
	if in.Transforms != nil {
		out.Transforms = make([]Transform, len(in.Transforms))
		for i := range in.Transforms {
			in.Transforms[i].DeepCopyInto(&out.Transforms[i])
		}
	}
}

func (in *Transform) DeepCopyInto(out *Transform) {
	*out = *in
	out.Map = DeepCopyMap(in.Map)
	if in.String != nil {
		s := *in.String
		out.String = &s
	}
	if in.Convert != nil {
		c := *in.Convert
		out.Convert = &c
	}
	if in.Math != nil {
		m := &MathTransform{}
		if in.Math.Multiply != nil {
			m.Multiply = ptrCopy(in.Math.Multiply)
		}
		if in.Math.ClampMin != nil {
			m.ClampMin = ptrCopy(in.Math.ClampMin)
		}
		if in.Math.ClampMax != nil {
			m.ClampMax = ptrCopy(in.Math.ClampMax)
		}
		out.Math = m
	}
}

func (in *Instance) DeepCopyInto(out *Instance) {
	*out = *in
	in.ObjectMeta.DeepCopyInto(&out.ObjectMeta)
	out.Spec = DeepCopyMap(in.Spec)
	in.Status.DeepCopyInto(&out.Status)
}

func (in *Instance) DeepCopy() *Instance {
	if in == nil {
		return nil
	}
	out := new(Instance)
	in.DeepCopyInto(out)
	return out
}

func (in *Instance) DeepCopyObject() runtime.Object {
	if c := in.DeepCopy(); c != nil {
		return c
	}
	return nil
}

func (in *InstanceStatus) DeepCopyInto(out *InstanceStatus) {
	*out = *in
	out.Observed = DeepCopyMap(in.Observed)
	if in.Resources != nil {
		out.Resources = make([]corev1.ObjectReference, len(in.Resources))
		copy(out.Resources, in.Resources)
	}
	if in.Ready != nil {
		out.Ready = in.Ready.DeepCopy()
	}
	if in.Reconcile.LastTransitionTime != nil {
		out.Reconcile.LastTransitionTime = in.Reconcile.LastTransitionTime.DeepCopy()
	}
}

func ptrCopy[T any](p *T) *T {
	v := *p
	return &v
}
