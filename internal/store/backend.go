package store

import (
	"context"
	"errors"
)

var (
	ErrKeyNotFound = errors.New("key not found")
	ErrRevision    = errors.New("revision mismatch")
)

// AnyRevision disables the revision precondition of Put and Delete.
const AnyRevision int64 = -1

// KeyValue is a single record held by a Backend.
type KeyValue struct {
	Key   string
	Value []byte

	// Revision is the backend-wide revision at which the record was last modified.
	Revision int64
}

type EventType int

const (
	EventPut EventType = iota
	EventDelete
)

// Event describes a change to a record. Delete events carry the last value of the record.
type Event struct {
	Type EventType
	KeyValue
}

// Backend persists opaque records keyed by path-like strings.
//
// Writes are conditional on a revision: 0 requires the key to not exist, AnyRevision
// skips the check, and any other value must match the record's current revision.
// Failed preconditions return ErrRevision.
type Backend interface {
	Get(ctx context.Context, key string) (*KeyValue, error)
	Put(ctx context.Context, key string, value []byte, revision int64) (int64, error)
	Delete(ctx context.Context, key string, revision int64) error
	List(ctx context.Context, prefix string) ([]*KeyValue, error)

	// Watch streams changes to keys with the given prefix made after the call returns.
	// The channel is closed when the context is canceled or the backend is closed.
	Watch(ctx context.Context, prefix string) (<-chan Event, error)

	Close() error
}
