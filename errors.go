package objstore

import (
	"errors"
	"fmt"
)

// Common errors returned by objstore backends and registries.
var (
	// ErrNotFound is returned when an object does not exist.
	ErrNotFound = errors.New("objstore: not found")

	// ErrAlreadyExists is returned by conditional operations
	// (PutModeCreate, CopyIfNotExists, RenameIfNotExists) when the
	// destination already exists.
	ErrAlreadyExists = errors.New("objstore: already exists")

	// ErrPreconditionFailed is returned when an ETag condition on a read
	// is not met.
	ErrPreconditionFailed = errors.New("objstore: precondition failed")

	// ErrInvalidPath is returned when a path cannot map to a backend's
	// namespace.
	ErrInvalidPath = errors.New("objstore: invalid path")

	// ErrInvalidLocation is returned when a URL cannot be resolved to a
	// storage backend: unrecognized scheme, malformed URL, or a path the
	// factory cannot anchor.
	ErrInvalidLocation = errors.New("objstore: invalid table location")

	// ErrNotRegistered is returned by ObjectStoreRegistry.GetStore when
	// no store was registered for the URL.
	ErrNotRegistered = errors.New("objstore: store not registered")

	// ErrNotSupported is returned when a backend's transport cannot
	// express an operation.
	ErrNotSupported = errors.New("objstore: operation not supported")
)

// IsNotFound returns true if the error indicates an object was not found.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAlreadyExists returns true if the error indicates a conditional
// operation found an existing destination.
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

// IsNotSupported returns true if the error indicates an unsupported
// operation.
func IsNotSupported(err error) bool {
	return errors.Is(err, ErrNotSupported)
}

// OptionError reports a StorageOptions value that could not be parsed.
type OptionError struct {
	// Key is the offending option key.
	Key string

	// Value is the raw value that failed to parse.
	Value string

	// Err is the underlying parse error.
	Err error
}

func (e *OptionError) Error() string {
	return fmt.Sprintf("objstore: cannot parse option %s=%q: %v", e.Key, e.Value, e.Err)
}

func (e *OptionError) Unwrap() error { return e.Err }

// JoinError reports that a unit of work dispatched to an isolated
// runtime could not be joined: the caller stopped waiting, or the
// runtime shut down before the work completed. The underlying cause is
// preserved for errors.Is/As.
//
// A JoinError is a cross-context failure, not a verdict on the inner
// operation; the dispatched work may still be running.
type JoinError struct {
	// Op is the storage operation that was dispatched.
	Op string

	// Err is the underlying cause.
	Err error
}

func (e *JoinError) Error() string {
	return fmt.Sprintf("objstore: %s: dispatched task could not be joined: %v", e.Op, e.Err)
}

func (e *JoinError) Unwrap() error { return e.Err }
