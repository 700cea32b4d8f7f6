package logging

import (
	"k8s.io/apimachinery/pkg/api/equality"

	apiv1 "github.com/Azure/strata/api/v1"
)

// statusChanged defines when an instance update is worth logging
func statusChanged(prev, next *apiv1.Instance) bool {
	return prev.Status.State != next.Status.State ||
		prev.Status.Reconcile.LastError != next.Status.Reconcile.LastError ||
		prev.Status.ExternalID != next.Status.ExternalID ||
		!equality.Semantic.DeepEqual(prev.Status.Observed, next.Status.Observed)
}

func extractInstanceFields(inst *apiv1.Instance) []any {
	fields := []any{
		"instanceKind", inst.Kind,
		"instanceName", inst.Name,
		"instanceNamespace", inst.Namespace,
		"instanceGeneration", inst.Generation,
		"state", inst.Status.State,
	}
	if inst.Status.ExternalID != "" {
		fields = append(fields, "externalID", inst.Status.ExternalID)
	}
	if rec := inst.Status.Reconcile; rec.LastError != "" {
		fields = append(fields, "error", rec.LastError, "retries", rec.RetryCount)
	}
	if owner, ok := inst.Owner(); ok {
		fields = append(fields, "ownerKind", owner.Kind, "ownerName", owner.Name)
	}
	return fields
}

func instanceEventType(prev, next *apiv1.Instance) string {
	switch {
	case prev == nil:
		return "status_created"
	case prev.Status.State != next.Status.State:
		return "state_transition"
	default:
		return "status_update"
	}
}
