// Package provider defines the client used to drive managed resources in an external system.
package provider

import (
	"context"
	"errors"
	"fmt"

	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/Azure/strata/internal/errdefs"
)

// Resource is the desired state of a managed resource as sent to the provider.
type Resource struct {
	Kind       schema.GroupVersionKind
	Namespace  string
	Name       string
	Parameters map[string]any
}

// Status is the provider's view of a managed resource.
type Status struct {
	ID string

	// Parameters are the desired parameters most recently accepted by the provider.
	Parameters map[string]any

	// Observed is copied into the instance's observed status.
	Observed map[string]any

	Ready bool
}

// Client is implemented by providers.
//
// Errors are considered retryable unless wrapped with Terminal.
// Read, Update, and Delete return an error matching IsNotFound when the resource doesn't exist.
type Client interface {
	Create(ctx context.Context, res *Resource) (id string, err error)
	Read(ctx context.Context, id string) (*Status, error)
	Update(ctx context.Context, id string, res *Resource) (*Status, error)
	Delete(ctx context.Context, id string) error
}

var ErrNotFound = errors.New("resource not found")

func NotFound(id string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// TerminalError marks an error as non-retryable.
type TerminalError struct {
	Err error
}

func (e *TerminalError) Error() string { return e.Err.Error() }

func (e *TerminalError) Unwrap() error { return e.Err }

// Terminal marks an error as terminal: the call must not be retried.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &TerminalError{Err: err}
}

func IsTerminal(err error) bool {
	var target *TerminalError
	return errors.As(err, &target)
}

// Classify converts an error returned by a client into an errdefs.ProviderError.
// NotFound errors pass through unchanged since callers handle them explicitly.
func Classify(op string, err error) error {
	if err == nil || IsNotFound(err) {
		return err
	}
	var perr *errdefs.ProviderError
	if errors.As(err, &perr) {
		return err
	}
	return &errdefs.ProviderError{Op: op, Terminal: IsTerminal(err), Err: err}
}
