package storage

import "errors"

// Common storage errors.
var (
	// ErrNotFound is returned when a workflow, event or issue row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate is returned when inserting a row whose id already exists.
	ErrDuplicate = errors.New("already exists")
)
