// Package storeerr defines the shared error taxonomy used across the
// storage engine: a small set of Kinds (not types), each carrying the
// operation name and the underlying cause. The chunk store, the
// transaction store and the transactional map return errors through
// StoreError so callers can classify failures with errors.Is/errors.As
// without depending on package-specific sentinel sets. Block I/O returns
// its own sentinel errors, which the chunk store wraps in a StoreError.
package storeerr

import (
	"errors"
	"fmt"
)

// Kind classifies a storage engine failure.
type Kind int

const (
	KindIOFailure Kind = iota
	KindFileCorrupt
	KindFileLocked
	KindIllegalState
	KindTooBig
	KindWriteConflict
	KindDeadlock
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindIOFailure:
		return "io-failure"
	case KindFileCorrupt:
		return "file-corrupt"
	case KindFileLocked:
		return "file-locked"
	case KindIllegalState:
		return "illegal-state"
	case KindTooBig:
		return "too-big"
	case KindWriteConflict:
		return "write-conflict"
	case KindDeadlock:
		return "deadlock"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// StoreError wraps a failure with its Kind and the operation that produced
// it: a typed wrapper carrying Unwrap so errors.Is/As still reach the
// underlying cause.
type StoreError struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *StoreError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// New wraps err as a StoreError of the given kind, attributed to op. If err
// is nil, New returns nil so it composes with the common `if err := ...;
// err != nil { return storeerr.New(...) }` idiom.
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Kind: kind, Op: op, Err: err}
}

// Is reports whether err is a StoreError of the given kind.
func Is(err error, kind Kind) bool {
	var se *StoreError
	if !errors.As(err, &se) {
		return false
	}
	return se.Kind == kind
}
