// Package store persists instances and streams changes to them.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/api/equality"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	utiljson "k8s.io/apimachinery/pkg/util/json"
	"k8s.io/apimachinery/pkg/util/validation"

	apiv1 "github.com/Azure/strata/api/v1"
	"github.com/Azure/strata/internal/errdefs"
	"github.com/Azure/strata/internal/registry"
)

const (
	// DefaultNamespace is assigned to namespaced instances created without a namespace.
	DefaultNamespace = "default"

	clusterSegment = "_cluster"
)

var instanceResource = schema.GroupResource{Group: apiv1.Group, Resource: "instances"}

// Store is a typed view of a Backend holding instances of registered kinds.
// It's safe for concurrent use.
type Store struct {
	backend  Backend
	registry *registry.Registry
	now      func() time.Time
}

func New(backend Backend, reg *registry.Registry) *Store {
	return &Store{backend: backend, registry: reg, now: time.Now}
}

// Key returns the backend key of an instance: /<group>/<version>/<kind>/<namespace|_cluster>/<name>.
func Key(ref apiv1.InstanceRef) string {
	ns := ref.Namespace
	if ns == "" {
		ns = clusterSegment
	}
	group := ref.Group
	if group == "" {
		group = "core"
	}
	return fmt.Sprintf("/%s/%s/%s/%s/%s", group, ref.Version, ref.Kind, ns, ref.Name)
}

// Create validates and stores a new instance.
func (s *Store) Create(ctx context.Context, inst *apiv1.Instance) (*apiv1.Instance, error) {
	inst = inst.DeepCopy()
	if err := s.validate(inst); err != nil {
		return nil, err
	}

	inst.UID = types.UID(uuid.NewString())
	inst.Generation = 1
	inst.ResourceVersion = ""
	inst.CreationTimestamp = metav1.NewTime(s.now())
	inst.DeletionTimestamp = nil
	inst.Status = apiv1.InstanceStatus{State: apiv1.StatePending}

	ref := inst.Ref()
	rev, err := s.put(ctx, inst, 0)
	if errors.Is(err, ErrRevision) {
		return nil, apierrors.NewAlreadyExists(instanceResource, ref.String())
	}
	if err != nil {
		return nil, fmt.Errorf("creating instance: %w", err)
	}
	inst.ResourceVersion = strconv.FormatInt(rev, 10)
	logr.FromContextOrDiscard(ctx).V(1).Info("created instance", "instance", ref.String(), "uid", inst.UID)
	return inst, nil
}

// Get returns the instance, or a NotFound error.
func (s *Store) Get(ctx context.Context, ref apiv1.InstanceRef) (*apiv1.Instance, error) {
	kv, err := s.backend.Get(ctx, Key(ref))
	if errors.Is(err, ErrKeyNotFound) {
		return nil, apierrors.NewNotFound(instanceResource, ref.String())
	}
	if err != nil {
		return nil, fmt.Errorf("getting instance: %w", err)
	}
	return decode(kv)
}

// Update replaces the desired state (spec and metadata) of an existing instance.
// The generation is incremented when the spec changes. Status is never modified by Update.
// The update is conditional on the instance's resource version, when set.
func (s *Store) Update(ctx context.Context, inst *apiv1.Instance) (*apiv1.Instance, error) {
	inst = inst.DeepCopy()
	if err := s.validate(inst); err != nil {
		return nil, err
	}

	current, err := s.Get(ctx, inst.Ref())
	if err != nil {
		return nil, err
	}
	if err := s.checkVersion(current, inst); err != nil {
		return nil, err
	}

	next := current.DeepCopy()
	next.Labels = inst.Labels
	next.Annotations = inst.Annotations
	next.OwnerReferences = inst.OwnerReferences
	if !equality.Semantic.DeepEqual(current.Spec, inst.Spec) {
		next.Spec = inst.Spec
		next.Generation++
	}
	if equality.Semantic.DeepEqual(current, next) {
		return current, nil
	}
	return s.write(ctx, current, next)
}

// UpdateStatus replaces the status of an existing instance, conditional on its resource version.
func (s *Store) UpdateStatus(ctx context.Context, inst *apiv1.Instance) (*apiv1.Instance, error) {
	current, err := s.Get(ctx, inst.Ref())
	if err != nil {
		return nil, err
	}
	if err := s.checkVersion(current, inst); err != nil {
		return nil, err
	}

	next := current.DeepCopy()
	inst.Status.DeepCopyInto(&next.Status)
	if equality.Semantic.DeepEqual(current.Status, next.Status) {
		return current, nil
	}
	return s.write(ctx, current, next)
}

// Delete requests the deletion of an instance by setting its deletion timestamp.
// The record is kept until Remove is called, which allows dependents to be torn down first.
func (s *Store) Delete(ctx context.Context, ref apiv1.InstanceRef) error {
	for {
		current, err := s.Get(ctx, ref)
		if err != nil {
			return err
		}
		if current.Deleting() {
			return nil
		}

		next := current.DeepCopy()
		now := metav1.NewTime(s.now())
		next.DeletionTimestamp = &now
		_, err = s.write(ctx, current, next)
		if apierrors.IsConflict(err) {
			continue
		}
		if err == nil {
			logr.FromContextOrDiscard(ctx).V(1).Info("requested instance deletion", "instance", ref.String())
		}
		return err
	}
}

// Remove permanently deletes the instance record.
// A non-empty resource version makes the removal conditional.
func (s *Store) Remove(ctx context.Context, ref apiv1.InstanceRef, resourceVersion string) error {
	rev := AnyRevision
	if resourceVersion != "" {
		var err error
		rev, err = strconv.ParseInt(resourceVersion, 10, 64)
		if err != nil {
			return errdefs.Invalid(ref.String(), "malformed resource version %q", resourceVersion)
		}
	}

	err := s.backend.Delete(ctx, Key(ref), rev)
	switch {
	case errors.Is(err, ErrKeyNotFound):
		return apierrors.NewNotFound(instanceResource, ref.String())
	case errors.Is(err, ErrRevision):
		return apierrors.NewConflict(instanceResource, ref.String(), err)
	case err != nil:
		return fmt.Errorf("removing instance: %w", err)
	}
	return nil
}

type ListOptions struct {
	// GroupVersionKind restricts the results to a single kind version, when set.
	GroupVersionKind *schema.GroupVersionKind

	// Namespace restricts the results to a namespace. Requires GroupVersionKind.
	Namespace string

	// Owner restricts the results to instances controlled by the given UID.
	Owner types.UID
}

// List returns matching instances ordered by key.
func (s *Store) List(ctx context.Context, opts ListOptions) ([]*apiv1.Instance, error) {
	prefix := "/"
	if gvk := opts.GroupVersionKind; gvk != nil {
		prefix = strings.TrimSuffix(Key(apiv1.NewInstanceRef(*gvk, opts.Namespace, "")), "/")
		if opts.Namespace == "" {
			prefix = strings.TrimSuffix(prefix, clusterSegment)
		} else {
			prefix += "/"
		}
	}

	kvs, err := s.backend.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("listing instances: %w", err)
	}

	var out []*apiv1.Instance
	for _, kv := range kvs {
		inst, err := decode(kv)
		if err != nil {
			return nil, err
		}
		if opts.Owner != "" {
			owner := metav1.GetControllerOfNoCopy(inst)
			if owner == nil || owner.UID != opts.Owner {
				continue
			}
		}
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return Key(out[i].Ref()) < Key(out[j].Ref()) })
	return out, nil
}

type WatchEventType string

const (
	Upserted WatchEventType = "Upserted"
	Removed  WatchEventType = "Removed"
)

type WatchEvent struct {
	Type     WatchEventType
	Instance *apiv1.Instance
}

// Watch streams changes to every instance made after the call returns.
// Records that can't be decoded are logged and skipped.
func (s *Store) Watch(ctx context.Context) (<-chan WatchEvent, error) {
	events, err := s.backend.Watch(ctx, "/")
	if err != nil {
		return nil, fmt.Errorf("watching instances: %w", err)
	}

	out := make(chan WatchEvent)
	go func() {
		defer close(out)
		logger := logr.FromContextOrDiscard(ctx)
		for ev := range events {
			inst, err := decode(&ev.KeyValue)
			if err != nil {
				logger.Error(err, "dropping undecodable watch event", "key", ev.Key)
				continue
			}
			we := WatchEvent{Type: Upserted, Instance: inst}
			if ev.Type == EventDelete {
				we.Type = Removed
			}
			select {
			case out <- we:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (s *Store) validate(inst *apiv1.Instance) error {
	ref := inst.Ref()
	if inst.Kind == "" || inst.APIVersion == "" {
		return errdefs.Invalid("instance "+inst.Name, "apiVersion and kind are required")
	}
	if msgs := validation.IsDNS1123Subdomain(inst.Name); len(msgs) > 0 {
		return errdefs.Invalid(ref.String(), "invalid name: %s", strings.Join(msgs, ", "))
	}

	sch, err := s.registry.Lookup(inst.GroupVersionKind())
	if err != nil {
		return errdefs.Invalid(ref.String(), "kind %s is not registered", inst.GroupVersionKind())
	}
	switch sch.Scope {
	case apiv1.ScopeCluster:
		if inst.Namespace != "" {
			return errdefs.Invalid(ref.String(), "cluster-scoped instances can't have a namespace")
		}
	default:
		if inst.Namespace == "" {
			inst.Namespace = DefaultNamespace
		}
		if msgs := validation.IsDNS1123Label(inst.Namespace); len(msgs) > 0 {
			return errdefs.Invalid(ref.String(), "invalid namespace: %s", strings.Join(msgs, ", "))
		}
	}
	return sch.Validate(inst.Spec)
}

func (s *Store) checkVersion(current, inst *apiv1.Instance) error {
	if inst.ResourceVersion != "" && inst.ResourceVersion != current.ResourceVersion {
		return apierrors.NewConflict(instanceResource, current.Ref().String(), fmt.Errorf("resource version %s is stale", inst.ResourceVersion))
	}
	return nil
}

func (s *Store) write(ctx context.Context, current, next *apiv1.Instance) (*apiv1.Instance, error) {
	rev, err := strconv.ParseInt(current.ResourceVersion, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing resource version: %w", err)
	}

	rev, err = s.put(ctx, next, rev)
	switch {
	case errors.Is(err, ErrRevision):
		return nil, apierrors.NewConflict(instanceResource, current.Ref().String(), err)
	case errors.Is(err, ErrKeyNotFound):
		return nil, apierrors.NewNotFound(instanceResource, current.Ref().String())
	case err != nil:
		return nil, fmt.Errorf("writing instance: %w", err)
	}
	next.ResourceVersion = strconv.FormatInt(rev, 10)
	return next, nil
}

func (s *Store) put(ctx context.Context, inst *apiv1.Instance, rev int64) (int64, error) {
	cp := inst.DeepCopy()
	cp.ResourceVersion = "" // derived from the backend revision
	js, err := json.Marshal(cp)
	if err != nil {
		return 0, fmt.Errorf("encoding instance: %w", err)
	}
	return s.backend.Put(ctx, Key(inst.Ref()), js, rev)
}

func decode(kv *KeyValue) (*apiv1.Instance, error) {
	inst := &apiv1.Instance{}
	if err := utiljson.Unmarshal(kv.Value, inst); err != nil {
		return nil, fmt.Errorf("decoding instance %q: %w", kv.Key, err)
	}
	inst.ResourceVersion = strconv.FormatInt(kv.Revision, 10)
	return inst, nil
}
