package core

import (
	"errors"
	"fmt"
)

var (
	// ErrSchemaMismatch is returned when a row, batch or predicate does not
	// conform to the warehouse schema. Nothing is mutated when it is returned.
	ErrSchemaMismatch = errors.New("schema mismatch")
	// ErrIOFailure is returned when a partition read, write or delete fails.
	ErrIOFailure = errors.New("io failure")
)

// IOError describes a failed partition store operation
type IOError struct {
	Op        string
	Partition uint64
	Err       error
}

func (e *IOError) Error() string {
	if e.Partition == 0 {
		return fmt.Sprintf("io failure: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("io failure: %s partition %d: %v", e.Op, e.Partition, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

func (e *IOError) Is(target error) bool { return target == ErrIOFailure }

// NewIOError wraps err as an IOFailure for the given operation
func NewIOError(op string, partition uint64, err error) error {
	return &IOError{Op: op, Partition: partition, Err: err}
}

// SchemaMismatchf formats a schema mismatch error
func SchemaMismatchf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrSchemaMismatch, fmt.Sprintf(format, args...))
}
