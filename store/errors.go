package store

import "errors"

var (
	// ErrParentNotFound is returned when the owner of a record doesn't exist.
	ErrParentNotFound = errors.New("store: parent entity not found")

	// ErrReferenceNotFound is returned when a record points at an id that doesn't exist.
	ErrReferenceNotFound = errors.New("store: referenced entity not found")

	// ErrNotFound is returned when a record doesn't exist.
	ErrNotFound = errors.New("store: entity not found")

	// ErrAlreadyExists is returned when creating a record with an id already in use.
	ErrAlreadyExists = errors.New("store: entity already exists")

	// ErrConcurrentModification is returned when optimistic lock fails (version mismatch).
	ErrConcurrentModification = errors.New("store: entity was modified concurrently")

	// ErrDuplicateValue is returned when a unique constraint is violated.
	ErrDuplicateValue = errors.New("store: duplicate value for unique field")

	// ErrTooManyItems is returned when a write needs more actions than one transaction allows.
	ErrTooManyItems = errors.New("store: write exceeds the transaction item limit")
)
