package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/go-logr/logr"
	"go.uber.org/multierr"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/equality"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/controller-runtime/pkg/reconcile"

	apiv1 "github.com/Azure/strata/api/v1"
	"github.com/Azure/strata/internal/composition"
	"github.com/Azure/strata/internal/errdefs"
	"github.com/Azure/strata/internal/provider"
	"github.com/Azure/strata/internal/store"
)

// Reconcile runs a single pass for the instance.
// A ConcurrencyError is returned when another pass of the same instance is in progress.
func (s *Scheduler) Reconcile(ctx context.Context, ref apiv1.InstanceRef) (reconcile.Result, error) {
	if !s.locks.TryLock(ref) {
		return reconcile.Result{}, &errdefs.ConcurrencyError{Instance: ref.String()}
	}
	defer s.locks.Unlock(ref)

	inst, err := s.store.Get(ctx, ref)
	if apierrors.IsNotFound(err) {
		return reconcile.Result{}, nil
	}
	if err != nil {
		return reconcile.Result{}, fmt.Errorf("getting instance: %w", err)
	}

	ctx, done := s.beginPass(ctx, ref, inst.Deleting())
	defer done()

	start := time.Now()
	defer func() {
		reconcileLatency.Observe(time.Since(start).Seconds())
	}()

	logger := logr.FromContextOrDiscard(ctx).WithValues("instanceGeneration", inst.Generation, "instanceUID", inst.UID)
	ctx = logr.NewContext(ctx, logger)

	var result reconcile.Result
	switch {
	case inst.Deleting():
		return s.teardown(ctx, inst)
	case s.resolver.IsComposite(inst.GroupVersionKind().GroupKind()):
		result, err = s.reconcileComposite(ctx, inst)
	default:
		result, err = s.reconcileManaged(ctx, inst)
	}
	if err != nil {
		return s.fail(ctx, inst, err)
	}
	return result, nil
}

// startPass moves the instance into the given state when its desired generation hasn't been picked up yet.
func (s *Scheduler) startPass(ctx context.Context, inst *apiv1.Instance, state apiv1.InstanceState) (*apiv1.Instance, error) {
	rec := inst.Status.Reconcile
	if rec.DesiredGeneration == inst.Generation && inst.Status.State != apiv1.StatePending && inst.Status.State != "" {
		return inst, nil
	}
	return s.commit(ctx, inst, func(st *apiv1.InstanceStatus) {
		st.State = state
		st.Reconcile.DesiredGeneration = inst.Generation
	})
}

func (s *Scheduler) reconcileComposite(ctx context.Context, inst *apiv1.Instance) (reconcile.Result, error) {
	if err := s.resolver.CheckCycles(inst.GroupVersionKind().GroupKind()); err != nil {
		return reconcile.Result{}, err
	}

	inst, err := s.startPass(ctx, inst, apiv1.StateComposing)
	if err != nil {
		return reconcile.Result{}, err
	}

	children, err := s.resolver.Resolve(ctx, inst)
	if err != nil {
		return reconcile.Result{}, err
	}
	if inst.Status.State == apiv1.StateComposing {
		inst, err = s.commit(ctx, inst, func(st *apiv1.InstanceStatus) { st.State = apiv1.StateApplying })
		if err != nil {
			return reconcile.Result{}, err
		}
	}

	observed := make([]*apiv1.Instance, len(children))
	refs := make([]corev1.ObjectReference, len(children))
	var errs error
	for i, child := range children {
		current, err := s.applyChild(ctx, inst, child)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("applying child %s: %w", child.Ref(), err))
			continue
		}
		observed[i] = current
		refs[i] = current.ObjectReference()
	}
	if errs != nil {
		return reconcile.Result{}, errs
	}
	if err := s.pruneChildren(ctx, inst, children); err != nil {
		return reconcile.Result{}, err
	}

	merged := inst.DeepCopy()
	merge, err := s.resolver.ApplyToParent(ctx, merged, children, observed)
	if err != nil {
		return reconcile.Result{}, err
	}

	state := apiv1.StateReady
	var (
		lastError string
		readyTime *metav1.Time
	)
	for i, child := range children {
		current := observed[i]
		if current.Status.State == apiv1.StateDegraded {
			state = apiv1.StateDegraded
			lastError = fmt.Sprintf("child %s is degraded: %s", current.Ref(), current.Status.Reconcile.LastError)
			break
		}
		status, ready := child.Ready(ctx, current)
		if !ready {
			state = apiv1.StateApplying
			continue
		}
		if readyTime == nil || readyTime.Before(&status.ReadyTime) {
			readyTime = status.ReadyTime.DeepCopy()
		}
	}

	// The parent isn't ready until every child has published the fields it copies back
	var result reconcile.Result
	if state == apiv1.StateReady && len(merge.Pending) > 0 {
		logr.FromContextOrDiscard(ctx).V(1).Info("waiting for children to report patched fields", "pending", merge.Pending)
		state = apiv1.StateApplying
		result.RequeueAfter = s.opts.ReadinessPollInterval
	}

	_, err = s.commit(ctx, inst, func(st *apiv1.InstanceStatus) {
		st.State = state
		st.Observed = merged.Status.Observed
		st.Resources = refs
		st.Reconcile.DesiredGeneration = inst.Generation
		st.Reconcile.LastError = lastError
		st.Reconcile.RetryCount = 0
		if state != apiv1.StateReady {
			st.Ready = nil
			return
		}
		st.Reconcile.ObservedGeneration = inst.Generation
		if st.Ready == nil {
			if readyTime == nil {
				now := metav1.Now()
				readyTime = &now
			}
			st.Ready = readyTime
		}
	})
	return result, err
}

// applyChild creates the child or brings an existing child's desired state in line with the composition.
func (s *Scheduler) applyChild(ctx context.Context, parent *apiv1.Instance, child *composition.Child) (*apiv1.Instance, error) {
	logger := logr.FromContextOrDiscard(ctx).WithValues("child", child.Ref().String())

	current, err := s.store.Get(ctx, child.Ref())
	if apierrors.IsNotFound(err) {
		created, err := s.store.Create(ctx, child.Instance)
		if apierrors.IsAlreadyExists(err) {
			return nil, &errdefs.ConcurrencyError{Instance: child.Ref().String(), Err: err}
		}
		if err != nil {
			return nil, err
		}
		reconcileActions.WithLabelValues("create").Inc()
		logger.V(0).Info("created child")
		return created, nil
	}
	if err != nil {
		return nil, err
	}

	if owner := metav1.GetControllerOfNoCopy(current); owner == nil || owner.UID != parent.UID {
		return nil, errdefs.Invalid(child.Ref().String(), "instance already exists and isn't controlled by %s", parent.Ref())
	}
	if current.Deleting() {
		return current, nil // recreated once it's gone
	}

	drifted, err := specDrifted(current.Spec, child.Instance.Spec)
	if err != nil {
		return nil, err
	}
	if !drifted &&
		equality.Semantic.DeepEqual(current.Labels, child.Instance.Labels) &&
		equality.Semantic.DeepEqual(current.Annotations, child.Instance.Annotations) {
		return current, nil
	}

	desired := current.DeepCopy()
	desired.Spec = child.Instance.Spec
	desired.Labels = child.Instance.Labels
	desired.Annotations = child.Instance.Annotations
	updated, err := s.store.Update(ctx, desired)
	if apierrors.IsConflict(err) {
		return nil, &errdefs.ConcurrencyError{Instance: child.Ref().String(), Err: err}
	}
	if err != nil {
		return nil, err
	}
	reconcileActions.WithLabelValues("update").Inc()
	logger.V(0).Info("updated child", "generation", updated.Generation)
	return updated, nil
}

// pruneChildren deletes children that are no longer produced by the composition.
func (s *Scheduler) pruneChildren(ctx context.Context, parent *apiv1.Instance, children []*composition.Child) error {
	existing, err := s.store.List(ctx, store.ListOptions{Owner: parent.UID})
	if err != nil {
		return err
	}
	desired := make(map[apiv1.InstanceRef]struct{}, len(children))
	for _, child := range children {
		desired[child.Ref()] = struct{}{}
	}
	for _, inst := range existing {
		if _, ok := desired[inst.Ref()]; ok || inst.Deleting() {
			continue
		}
		if err := s.store.Delete(ctx, inst.Ref()); err != nil && !apierrors.IsNotFound(err) {
			return err
		}
		reconcileActions.WithLabelValues("delete").Inc()
		logr.FromContextOrDiscard(ctx).V(0).Info("deleted orphaned child", "child", inst.Ref().String())
	}
	return nil
}

func (s *Scheduler) reconcileManaged(ctx context.Context, inst *apiv1.Instance) (reconcile.Result, error) {
	logger := logr.FromContextOrDiscard(ctx)

	inst, err := s.startPass(ctx, inst, apiv1.StateApplying)
	if err != nil {
		return reconcile.Result{}, err
	}

	res := &provider.Resource{
		Kind:       inst.GroupVersionKind(),
		Namespace:  inst.Namespace,
		Name:       inst.Name,
		Parameters: inst.Spec,
	}

	var (
		id      = inst.Status.ExternalID
		status  *provider.Status
		created bool
	)
	if id != "" {
		status, err = s.provider.Read(ctx, id)
		if provider.IsNotFound(err) {
			logger.V(0).Info("managed resource no longer exists - recreating it", "externalID", id)
			id, err = "", nil
		}
		if err != nil {
			return reconcile.Result{}, provider.Classify("Read", err)
		}
	}

	if id == "" {
		id, err = s.provider.Create(ctx, res)
		if err != nil {
			return reconcile.Result{}, provider.Classify("Create", err)
		}
		created = true
		reconcileActions.WithLabelValues("create").Inc()
		logger.V(0).Info("created managed resource", "externalID", id)

		// Record the id right away to avoid leaking the resource if the rest of the pass fails
		inst, err = s.updateStatus(ctx, inst, false, func(st *apiv1.InstanceStatus) { st.ExternalID = id })
		if err != nil {
			return reconcile.Result{}, err
		}

		status, err = s.provider.Read(ctx, id)
		if err != nil {
			return reconcile.Result{}, provider.Classify("Read", err)
		}
	}

	if !created {
		drifted, err := specDrifted(status.Parameters, inst.Spec)
		if err != nil {
			return reconcile.Result{}, err
		}
		if drifted || inst.Generation > inst.Status.Reconcile.ObservedGeneration {
			status, err = s.provider.Update(ctx, id, res)
			if err != nil {
				return reconcile.Result{}, provider.Classify("Update", err)
			}
			reconcileActions.WithLabelValues("update").Inc()
			logger.V(0).Info("updated managed resource", "externalID", id, "drifted", drifted)
		}
	}

	state := apiv1.StateApplying
	if status.Ready {
		state = apiv1.StateReady
	}
	_, err = s.commit(ctx, inst, func(st *apiv1.InstanceStatus) {
		st.State = state
		st.ExternalID = id
		st.Observed = apiv1.DeepCopyMap(status.Observed)
		st.Reconcile.DesiredGeneration = inst.Generation
		st.Reconcile.ObservedGeneration = inst.Generation
		st.Reconcile.LastError = ""
		st.Reconcile.RetryCount = 0
		if state != apiv1.StateReady {
			st.Ready = nil
		} else if st.Ready == nil {
			now := metav1.Now()
			st.Ready = &now
		}
	})
	if err != nil {
		return reconcile.Result{}, err
	}

	if state != apiv1.StateReady {
		return reconcile.Result{RequeueAfter: s.opts.ReadinessPollInterval}, nil
	}
	return reconcile.Result{RequeueAfter: s.opts.ResyncInterval}, nil
}

// teardown deletes the instance's children, then its managed resource, then the instance itself.
func (s *Scheduler) teardown(ctx context.Context, inst *apiv1.Instance) (reconcile.Result, error) {
	logger := logr.FromContextOrDiscard(ctx)

	if inst.Status.State != apiv1.StateDeleting {
		var err error
		inst, err = s.commit(ctx, inst, func(st *apiv1.InstanceStatus) {
			st.State = apiv1.StateDeleting
			st.Ready = nil
		})
		if err != nil {
			return reconcile.Result{}, err
		}
	}

	children, err := s.store.List(ctx, store.ListOptions{Owner: inst.UID})
	if err != nil {
		return reconcile.Result{}, err
	}
	if len(children) > 0 {
		for _, child := range children {
			if child.Deleting() {
				continue
			}
			if err := s.store.Delete(ctx, child.Ref()); err != nil && !apierrors.IsNotFound(err) {
				return reconcile.Result{}, err
			}
			reconcileActions.WithLabelValues("delete").Inc()
		}
		logger.V(1).Info("waiting for children to be removed", "remaining", len(children))
		return reconcile.Result{RequeueAfter: s.opts.ReadinessPollInterval}, nil
	}

	if id := inst.Status.ExternalID; id != "" {
		err := s.provider.Delete(ctx, id)
		if err != nil && !provider.IsNotFound(err) {
			err = provider.Classify("Delete", err)
			terminal := errdefs.IsTerminal(err)

			var retries int
			_, cerr := s.commit(ctx, inst, func(st *apiv1.InstanceStatus) {
				st.Reconcile.LastError = err.Error()
				if !terminal {
					st.Reconcile.RetryCount++
				}
				retries = st.Reconcile.RetryCount
			})
			if cerr != nil {
				return reconcile.Result{}, cerr
			}
			if terminal {
				reconcileErrors.WithLabelValues("fatal").Inc()
				logger.Error(err, "managed resource can't be deleted - instance will remain in Deleting")
				return reconcile.Result{}, nil
			}
			reconcileErrors.WithLabelValues("provider").Inc()
			return reconcile.Result{RequeueAfter: s.backoff.Delay(retries)}, nil
		}
		reconcileActions.WithLabelValues("delete").Inc()
		logger.V(0).Info("deleted managed resource", "externalID", id)
	}

	gone, err := s.commit(ctx, inst, func(st *apiv1.InstanceStatus) {
		st.State = apiv1.StateGone
		st.ExternalID = ""
		st.Reconcile.LastError = ""
	})
	if err != nil {
		return reconcile.Result{}, err
	}
	err = s.store.Remove(ctx, gone.Ref(), gone.ResourceVersion)
	if apierrors.IsConflict(err) {
		return reconcile.Result{}, &errdefs.ConcurrencyError{Instance: gone.Ref().String(), Err: err}
	}
	if err != nil && !apierrors.IsNotFound(err) {
		return reconcile.Result{}, err
	}
	logger.V(0).Info("removed instance")
	return reconcile.Result{}, nil
}

// specDrifted returns true when applying desired on top of current would change it.
func specDrifted(current, desired map[string]any) (bool, error) {
	if current == nil {
		current = map[string]any{}
	}
	if desired == nil {
		desired = map[string]any{}
	}
	a, err := json.Marshal(current)
	if err != nil {
		return false, err
	}
	b, err := json.Marshal(desired)
	if err != nil {
		return false, err
	}
	patch, err := jsonpatch.CreateMergePatch(a, b)
	if err != nil {
		return false, fmt.Errorf("computing merge patch: %w", err)
	}
	return string(patch) != "{}", nil
}
