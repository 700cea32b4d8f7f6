// Package errdefs defines the error taxonomy shared by the engine's components.
//
// Every error produced while reconciling an instance is classified as one of:
//   - ValidationError: the input is malformed. Fatal, surfaced to the user, never retried.
//   - PatchError: a field patch couldn't be applied. Retried within a bounded budget.
//   - ProviderError: the provider rejected or failed a call. Terminal errors are never retried.
//   - ConcurrencyError: another pass holds the instance. Always retried, never surfaced.
package errdefs

import (
	"errors"
	"fmt"
	"strings"
)

type ValidationError struct {
	Subject string
	Reason  string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Subject == "" {
		return "invalid: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Subject, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func Invalid(subject, format string, args ...any) error {
	return &ValidationError{Subject: subject, Reason: fmt.Sprintf(format, args...)}
}

// CycleError is wrapped by a ValidationError when a kind transitively composes itself.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	if len(e.Path) == 0 {
		return "composition cycle detected"
	}
	return "composition cycle detected: " + strings.Join(e.Path, " -> ")
}

func NewCycleError(path []string) error {
	subject := ""
	if len(path) > 0 {
		subject = path[0]
	}
	cerr := &CycleError{Path: path}
	return &ValidationError{Subject: subject, Reason: cerr.Error(), Err: cerr}
}

type PatchError struct {
	Template string
	Path     string
	Err      error
}

func (e *PatchError) Error() string {
	return fmt.Sprintf("patching %q at %q: %s", e.Template, e.Path, e.Err)
}

func (e *PatchError) Unwrap() error { return e.Err }

type ProviderError struct {
	Op       string
	Terminal bool
	Err      error
}

func (e *ProviderError) Error() string {
	kind := "retryable"
	if e.Terminal {
		kind = "terminal"
	}
	return fmt.Sprintf("provider %s failed (%s): %s", e.Op, kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

type ConcurrencyError struct {
	Instance string
	Err      error
}

func (e *ConcurrencyError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("instance %s is busy", e.Instance)
	}
	return fmt.Sprintf("instance %s is busy: %s", e.Instance, e.Err)
}

func (e *ConcurrencyError) Unwrap() error { return e.Err }

func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

func IsCycle(err error) bool {
	var target *CycleError
	return errors.As(err, &target)
}

func IsPatch(err error) bool {
	var target *PatchError
	return errors.As(err, &target)
}

func IsProvider(err error) bool {
	var target *ProviderError
	return errors.As(err, &target)
}

// IsTerminal returns true when the error is a provider error marked terminal.
func IsTerminal(err error) bool {
	var target *ProviderError
	return errors.As(err, &target) && target.Terminal
}

func IsConcurrency(err error) bool {
	var target *ConcurrencyError
	return errors.As(err, &target)
}

// Retryable returns true for errors that should be retried with backoff.
// Unclassified errors are considered retryable.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	return !IsValidation(err) && !IsTerminal(err)
}

// Surfaced returns true when the error should be recorded in the instance's status.
func Surfaced(err error) bool {
	return err != nil && !IsConcurrency(err)
}
