package catalog

import (
	"errors"
	"fmt"

	"github.com/jacentio/pizzeria/store"
)

// ValidationError reports input that breaks a rule.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// DuplicateError reports a name already held by another record.
type DuplicateError struct {
	Message string
}

func (e *DuplicateError) Error() string { return e.Message }

// NotFoundError reports an id that does not resolve.
type NotFoundError struct {
	Message string
}

func (e *NotFoundError) Error() string { return e.Message }

// ConflictError reports a write that lost a race with another writer.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string { return e.Message }

// InfrastructureError wraps a store failure. Its message is safe to show;
// the cause is only reachable through Unwrap.
type InfrastructureError struct {
	Op  string
	Err error
}

func (e *InfrastructureError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *InfrastructureError) Unwrap() error { return e.Err }

func validationErr(msg string) error { return &ValidationError{Message: msg} }

var errDuplicateName = &DuplicateError{Message: "duplicate name"}

// fromStore translates a store error for an operation on kind ("pizza" or
// "topping") into the catalog taxonomy.
func fromStore(op, kind string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrDuplicateValue):
		return errDuplicateName
	case errors.Is(err, store.ErrReferenceNotFound):
		return validationErr("unknown topping")
	case errors.Is(err, store.ErrParentNotFound):
		return validationErr("unknown pizza")
	case errors.Is(err, store.ErrTooManyItems):
		return validationErr("too many toppings")
	case errors.Is(err, store.ErrNotFound):
		return &NotFoundError{Message: kind + " not found"}
	case errors.Is(err, store.ErrConcurrentModification),
		errors.Is(err, store.ErrAlreadyExists):
		return &ConflictError{Message: kind + " was modified concurrently"}
	}
	return &InfrastructureError{Op: op, Err: err}
}
