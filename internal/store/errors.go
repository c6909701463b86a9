// Package store provides the append-only signal log for breachwatch:
// an in-memory implementation for tests and small deployments, and a
// ClickHouse implementation for durable storage.
package store

import (
	"errors"
	"fmt"
)

var (
	// ErrUnavailable indicates the signal store could not be reached.
	// Evaluations hitting this error retry on the next tick with no
	// breach side effects.
	ErrUnavailable = errors.New("store: unavailable")

	// ErrQueryFailed indicates a query execution failure.
	ErrQueryFailed = errors.New("store: query failed")

	// ErrBatchInsertFailed indicates a batch insert failure.
	ErrBatchInsertFailed = errors.New("store: batch insert failed")

	// ErrClosed indicates the store has been closed.
	ErrClosed = errors.New("store: closed")
)

// Error wraps store errors with operation context.
type Error struct {
	Op    string // operation that failed, e.g. "Insert", "Query"
	Table string // table involved, if applicable
	Err   error
}

func (e *Error) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("store.%s(%s): %v", e.Op, e.Table, e.Err)
	}
	return fmt.Sprintf("store.%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsTransient reports whether an evaluation should retry next tick
// rather than treat the failure as permanent.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

func wrapUnavailable(op string, err error) error {
	return &Error{Op: op, Err: fmt.Errorf("%w: %v", ErrUnavailable, err)}
}

func wrapQuery(op, table string, err error) error {
	return &Error{Op: op, Table: table, Err: fmt.Errorf("%w: %v", ErrQueryFailed, err)}
}
