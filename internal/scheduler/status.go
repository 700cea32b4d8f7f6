package scheduler

import (
	"context"
	"errors"

	"github.com/go-logr/logr"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/util/retry"
	"sigs.k8s.io/controller-runtime/pkg/reconcile"

	apiv1 "github.com/Azure/strata/api/v1"
	"github.com/Azure/strata/internal/errdefs"
)

var errStale = errors.New("desired state changed during the pass")

// commit applies fn to the latest status of the instance and writes it when changed.
// The write is discarded when the instance's desired state changed since inst was read.
// Callers must hold the instance's pass lock.
func (s *Scheduler) commit(ctx context.Context, inst *apiv1.Instance, fn func(*apiv1.InstanceStatus)) (*apiv1.Instance, error) {
	return s.updateStatus(ctx, inst, true, fn)
}

func (s *Scheduler) updateStatus(ctx context.Context, inst *apiv1.Instance, strict bool, fn func(*apiv1.InstanceStatus)) (*apiv1.Instance, error) {
	ref := inst.Ref()
	var updated *apiv1.Instance
	err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		current, err := s.store.Get(ctx, ref)
		if err != nil {
			return err
		}
		if current.UID != inst.UID || (strict && (current.Generation != inst.Generation || current.Deleting() != inst.Deleting())) {
			return &errdefs.ConcurrencyError{Instance: ref.String(), Err: errStale}
		}

		next := current.DeepCopy()
		fn(&next.Status)
		if next.Status.State != current.Status.State {
			now := metav1.Now()
			next.Status.Reconcile.LastTransitionTime = &now
		}
		updated, err = s.store.UpdateStatus(ctx, next)
		if err == nil && next.Status.State != current.Status.State {
			stateTransitions.WithLabelValues(string(next.Status.State)).Inc()
			logr.FromContextOrDiscard(ctx).V(0).Info("state transition", "from", current.Status.State, "to", next.Status.State)
		}
		return err
	})
	return updated, err
}

// fail records a failed pass according to the error's class and decides when to retry.
func (s *Scheduler) fail(ctx context.Context, inst *apiv1.Instance, err error) (reconcile.Result, error) {
	logger := logr.FromContextOrDiscard(ctx)

	var budget int
	switch {
	case errdefs.IsConcurrency(err) || errors.Is(err, context.Canceled):
		reconcileErrors.WithLabelValues("concurrency").Inc()
		return reconcile.Result{}, err

	case errdefs.IsValidation(err) || errdefs.IsTerminal(err):
		reconcileErrors.WithLabelValues("fatal").Inc()
		logger.Error(err, "instance is degraded and won't be retried")
		_, cerr := s.commit(ctx, inst, func(st *apiv1.InstanceStatus) {
			st.State = apiv1.StateDegraded
			st.Ready = nil
			st.Reconcile.LastError = err.Error()
		})
		return reconcile.Result{}, cerr

	case errdefs.IsPatch(err):
		reconcileErrors.WithLabelValues("patch").Inc()
		budget = s.opts.PatchRetryBudget

	case errdefs.IsProvider(err):
		reconcileErrors.WithLabelValues("provider").Inc()
		budget = s.opts.ProviderRetryBudget

	default:
		reconcileErrors.WithLabelValues("other").Inc()
		return reconcile.Result{}, err
	}

	var retries int
	_, cerr := s.commit(ctx, inst, func(st *apiv1.InstanceStatus) {
		st.Reconcile.RetryCount++
		retries = st.Reconcile.RetryCount
		st.Reconcile.LastError = err.Error()
		if retries > budget {
			st.State = apiv1.StateDegraded
			st.Ready = nil
		}
	})
	if cerr != nil {
		return reconcile.Result{}, cerr
	}

	delay := s.backoff.Delay(retries)
	logger.V(1).Info("retrying failed pass", "error", err.Error(), "retries", retries, "budget", budget, "delay", delay)
	return reconcile.Result{RequeueAfter: delay}, nil
}
