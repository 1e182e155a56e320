package streamstore

import (
	"errors"
	"fmt"
)

// ErrStoreClosed indicates an operation on a closed store.
var ErrStoreClosed = errors.New("streamstore: store is closed")

// InvalidArgumentError indicates a guard-clause violation. These fail
// immediately, before any backend call.
type InvalidArgumentError struct {
	Name   string
	Reason string
}

func (e InvalidArgumentError) Error() string {
	return fmt.Sprintf("streamstore: invalid argument %s: %s", e.Name, e.Reason)
}

// ConcurrencyError indicates an expected-version mismatch on an append,
// delete or set-metadata. It is a normal, expected race outcome; the engine
// never retries it on the caller's behalf.
type ConcurrencyError struct {
	StreamID        string
	ExpectedVersion int
}

func (e ConcurrencyError) Error() string {
	return fmt.Sprintf("streamstore: append to stream %s failed, wrong expected version %d",
		e.StreamID, e.ExpectedVersion)
}

// BackendError wraps a physical-storage failure. Foreground operations
// propagate it to the caller; background activities (polling, purging) log
// it and retry on their own schedule.
type BackendError struct {
	Op  string
	Err error
}

func (e BackendError) Error() string {
	return fmt.Sprintf("streamstore: backend %s: %v", e.Op, e.Err)
}

func (e BackendError) Unwrap() error { return e.Err }
