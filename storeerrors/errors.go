// Package storeerrors centralizes the error-kind taxonomy shared by every
// layer of the storage adapter. It mirrors the teacher's chotki_errors
// package: sentinel values plus a classifier that maps driver-level errors
// onto them.
package storeerrors

import (
	"errors"

	"github.com/cockroachdb/pebble"
	pkgerrors "github.com/pkg/errors"
)

var (
	// ErrNotFound models "no such key" at the dictionary level.
	ErrNotFound = errors.New("tokumxse: not found")
	// ErrDuplicateKey models a unique-index constraint violation.
	ErrDuplicateKey = errors.New("tokumxse: duplicate key")
	// ErrWriteConflict models a deadlock, lock-timeout, or MVCC too-new
	// collision between two transactions. Always surfaced to the caller,
	// who is expected to abort and retry the whole unit of work.
	ErrWriteConflict = errors.New("tokumxse: write conflict")
	// ErrKeyTooLong models an index key exceeding the implementation limit.
	ErrKeyTooLong = errors.New("tokumxse: index key too long")
	// ErrBadValue models a rejected configuration value.
	ErrBadValue = errors.New("tokumxse: bad value")
	// ErrInvalidOptions models option validation failure at open time.
	ErrInvalidOptions = errors.New("tokumxse: invalid options")
	// ErrUnsupportedFormat models a disk-format version outside the
	// supported compatibility window. Fatal.
	ErrUnsupportedFormat = errors.New("tokumxse: unsupported disk format")
	// ErrInternal models any unexpected condition. Fatal.
	ErrInternal = errors.New("tokumxse: internal error")
	// ErrRecoveryUnitClosed is raised when a caller uses a unit of work
	// after it has committed or aborted.
	ErrRecoveryUnitClosed = errors.New("tokumxse: recovery unit is not active")
	// ErrNoActiveUnitOfWork is raised when an operation requires a unit of
	// work but none is open.
	ErrNoActiveUnitOfWork = errors.New("tokumxse: no active unit of work")
)

// Kind enumerates the closed set of error kinds from spec.md §7.
type Kind int

const (
	KindOK Kind = iota
	KindNotFound
	KindDuplicateKey
	KindWriteConflict
	KindKeyTooLong
	KindBadValue
	KindInvalidOptions
	KindUnsupportedFormat
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindOK:
		return "OK"
	case KindNotFound:
		return "NotFound"
	case KindDuplicateKey:
		return "DuplicateKey"
	case KindWriteConflict:
		return "WriteConflict"
	case KindKeyTooLong:
		return "KeyTooLong"
	case KindBadValue:
		return "BadValue"
	case KindInvalidOptions:
		return "InvalidOptions"
	case KindUnsupportedFormat:
		return "UnsupportedFormat"
	default:
		return "InternalError"
	}
}

// Classify maps an arbitrary error - typically one surfaced by the
// dictionary's pebble-backed implementation - onto the closed taxonomy.
// Unrecognized errors are treated as fatal (InternalError), per spec.md §7:
// "All other non-OK statuses ... propagate up ... everything else aborts
// the process with a diagnostic."
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindOK
	case errors.Is(err, ErrNotFound), errors.Is(err, pebble.ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrDuplicateKey):
		return KindDuplicateKey
	case errors.Is(err, ErrWriteConflict):
		return KindWriteConflict
	case errors.Is(err, ErrKeyTooLong):
		return KindKeyTooLong
	case errors.Is(err, ErrBadValue):
		return KindBadValue
	case errors.Is(err, ErrInvalidOptions):
		return KindInvalidOptions
	case errors.Is(err, ErrUnsupportedFormat):
		return KindUnsupportedFormat
	default:
		return KindInternal
	}
}

// Wrap attaches call-site context to err without losing Is/As matching
// against the sentinels above, the same role github.com/pkg/errors plays
// in the teacher's objects.go.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return pkgerrors.Wrap(err, msg)
}

func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return pkgerrors.Wrapf(err, format, args...)
}
