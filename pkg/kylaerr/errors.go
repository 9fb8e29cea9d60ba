// Package kylaerr defines the error taxonomy shared by every Kyla
// component, as specified in §7 of the repository engine design.
package kylaerr

import (
	"errors"
	"fmt"
)

// Kind classifies an Error so that API boundaries (pkg/installer) can
// translate it into one of the four result codes in §6 without having
// to inspect error strings.
type Kind int

const (
	// InvalidArgument covers bad UUIDs, null required input and
	// unsupported API versions.
	InvalidArgument Kind = iota
	// NotFound covers a missing package file, missing content object
	// or unknown feature UUID.
	NotFound
	// StorageCorrupted covers a hash mismatch, bad package header, or
	// a compression/decryption failure that occurs after successful I/O.
	StorageCorrupted
	// AuthRequired covers an encrypted chunk encountered without a
	// DecryptionKey property set.
	AuthRequired
	// Io covers OS-level read/write/seek/map failures and network errors.
	Io
	// IndexError covers schema violations and unexpected empty results
	// where a single row was required.
	IndexError
	// NotImplemented covers operations not supported for the current
	// repository layout (e.g. Configure on a packed target).
	NotImplemented
)

// String returns the canonical name of the error kind.
func (k Kind) String() string {
	switch k {
	case InvalidArgument:
		return "InvalidArgument"
	case NotFound:
		return "NotFound"
	case StorageCorrupted:
		return "StorageCorrupted"
	case AuthRequired:
		return "AuthRequired"
	case Io:
		return "Io"
	case IndexError:
		return "IndexError"
	case NotImplemented:
		return "NotImplemented"
	default:
		return fmt.Sprintf("UnknownKind(%d)", int(k))
	}
}

// Error is the concrete error type returned by every Kyla package.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("kyla: %s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("kyla: %s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped cause, if any, so that errors.Is/As work
// across package boundaries.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is lets errors.Is(err, target) match when target is any *Error of
// the same Kind (for example one built with New), whatever its
// message or cause.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// New constructs an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an Error of the given kind around a lower-level cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// OfKind returns true if err is a *Error of the given kind, looking
// through wrapped causes.
func OfKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, defaulting to Io for errors that
// did not originate in a Kyla package (e.g. a raw os.PathError).
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Io
}

// Convenience constructors, mirroring the teacher's per-kind error
// constructor pattern (pkg/wire.Error constructors).

func InvalidArgumentf(format string, args ...interface{}) *Error {
	return New(InvalidArgument, fmt.Sprintf(format, args...))
}

func NotFoundf(format string, args ...interface{}) *Error {
	return New(NotFound, fmt.Sprintf(format, args...))
}

func StorageCorruptedf(format string, args ...interface{}) *Error {
	return New(StorageCorrupted, fmt.Sprintf(format, args...))
}

func AuthRequiredf(format string, args ...interface{}) *Error {
	return New(AuthRequired, fmt.Sprintf(format, args...))
}

func IOf(cause error, format string, args ...interface{}) *Error {
	return Wrapf(Io, cause, format, args...)
}

func IndexErrorf(format string, args ...interface{}) *Error {
	return New(IndexError, fmt.Sprintf(format, args...))
}

func NotImplementedf(format string, args ...interface{}) *Error {
	return New(NotImplemented, fmt.Sprintf(format, args...))
}
