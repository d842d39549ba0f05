package store

import "fmt"

// StorageError wraps a local persistence failure with the operation that
// produced it. Callers treat storage errors as non-fatal and surface them
// rather than crash.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("store: %s", e.Op)
	}
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func newStorageError(op string, cause error) error {
	return &StorageError{Op: op, Err: cause}
}
