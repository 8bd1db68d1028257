// Package spearminterrors contains the errors returned by the experiment ledger and its collaborators.
// Callers should look for these types with errors.As, since they are usually wrapped
// (e.g., with errors.WithStack or errors.WithMessage from github.com/pkg/errors) before being returned.
//
// If multiple errors occur in some function (e.g., if several collections fail to drop), that
// function should return an error of type multierror.Error from package
// github.com/hashicorp/go-multierror that encapsulates those individual errors.
package spearminterrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrSchema is returned when a parameter or outcome declaration, or a parameter assignment, is malformed.
// It is a caller bug and should not be retried.
type ErrSchema struct {
	Name    string      // Name of the parameter or field referred to, e.g., "x"
	Value   interface{} // The invalid value that was provided
	Message string      // An optional message explaining why the value is invalid
}

func (err *ErrSchema) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("schema error: value %v is invalid for %q", err.Value, err.Name)
	}
	return fmt.Sprintf("schema error: value %v is invalid for %q; %s", err.Value, err.Name, err.Message)
}

// ErrNotFound is returned whenever some resource, e.g. an experiment or a job, isn't found.
// Type and Message are optional and are omitted from the error message if not provided.
type ErrNotFound struct {
	Type    string // Resource type, e.g., "experiment" or "job"
	Value   string // Resource name, e.g., "alice.branin"
	Message string
}

func (err *ErrNotFound) Error() (s string) {
	if err.Type != "" {
		s = fmt.Sprintf("resource %q of type %q does not exist", err.Value, err.Type)
	} else {
		s = fmt.Sprintf("resource %q does not exist", err.Value)
	}
	if err.Message != "" {
		return s + fmt.Sprintf("; %s", err.Message)
	}
	return s
}

// ErrAlreadyExists is returned whenever some resource to be created already exists.
type ErrAlreadyExists struct {
	Type    string
	Value   string
	Message string
}

func (err *ErrAlreadyExists) Error() (s string) {
	if err.Type != "" {
		s = fmt.Sprintf("resource %q of type %q already exists", err.Value, err.Type)
	} else {
		s = fmt.Sprintf("resource %q already exists", err.Value)
	}
	if err.Message != "" {
		return s + fmt.Sprintf("; %s", err.Message)
	}
	return s
}

// ErrInvalidState is returned when a job transition isn't allowed, e.g. completing a job twice.
type ErrInvalidState struct {
	Type    string // Resource type, e.g., "job"
	Value   string // Resource id, e.g., "3"
	State   string // Current state of the resource
	Message string
}

func (err *ErrInvalidState) Error() string {
	s := fmt.Sprintf("%s %s is in state %q", err.Type, err.Value, err.State)
	if err.Message != "" {
		return s + fmt.Sprintf("; %s", err.Message)
	}
	return s
}

// ErrInvariant indicates that persisted data violates a guarantee the ledger relies on,
// e.g. a job with an unknown status or an ambiguous save.
type ErrInvariant struct {
	Message string
}

func (err *ErrInvariant) Error() string {
	return fmt.Sprintf("invariant violated: %s", err.Message)
}

// ErrOptimizer wraps a failure of the optimization engine.
// A suggest call that fails with this error has no side effects on the job ledger.
type ErrOptimizer struct {
	Chooser string
	Err     error
}

func (err *ErrOptimizer) Error() string {
	return fmt.Sprintf("chooser %s failed: %s", err.Chooser, err.Err)
}

func (err *ErrOptimizer) Unwrap() error {
	return err.Err
}

func (err *ErrOptimizer) Cause() error {
	return err.Err
}

// ErrStoreUnavailable wraps a transient failure of the document store, e.g. a timeout.
// The whole operation may be retried by the caller.
type ErrStoreUnavailable struct {
	Store string
	Err   error
}

func (err *ErrStoreUnavailable) Error() string {
	return fmt.Sprintf("%s store unavailable: %s", err.Store, err.Err)
}

func (err *ErrStoreUnavailable) Unwrap() error {
	return err.Err
}

func (err *ErrStoreUnavailable) Cause() error {
	return err.Err
}

// IsRetryable returns true if err is transient and the failed operation may be run again from scratch.
func IsRetryable(err error) bool {
	var e *ErrStoreUnavailable
	return errors.As(err, &e)
}

// Exit codes used by command-line tools.
const (
	ExitOK = iota
	ExitUnknown
	ExitSchema
	ExitNotFound
	ExitAlreadyExists
	ExitInvalidState
	ExitOptimizer
	ExitStoreUnavailable
	ExitInvariant
)

// ExitCodeFromError maps error types to process exit codes.
// Uses errors.As to look through the chain of errors, as opposed to just considering the topmost error in the chain.
// The wrapping kinds are checked first, so e.g. a schema error raised by a chooser maps to ExitOptimizer.
func ExitCodeFromError(err error) int {
	if err == nil {
		return ExitOK
	}
	{
		var e *ErrOptimizer
		if errors.As(err, &e) {
			return ExitOptimizer
		}
	}
	{
		var e *ErrStoreUnavailable
		if errors.As(err, &e) {
			return ExitStoreUnavailable
		}
	}
	{
		var e *ErrSchema
		if errors.As(err, &e) {
			return ExitSchema
		}
	}
	{
		var e *ErrNotFound
		if errors.As(err, &e) {
			return ExitNotFound
		}
	}
	{
		var e *ErrAlreadyExists
		if errors.As(err, &e) {
			return ExitAlreadyExists
		}
	}
	{
		var e *ErrInvalidState
		if errors.As(err, &e) {
			return ExitInvalidState
		}
	}
	{
		var e *ErrInvariant
		if errors.As(err, &e) {
			return ExitInvariant
		}
	}
	return ExitUnknown
}
