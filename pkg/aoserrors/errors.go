// Package aoserrors carries the error-kind taxonomy used across the
// communication manager: every fallible operation returns an error whose
// kind callers can test for with Is, instead of matching on strings.
package aoserrors

import (
	"errors"
	"fmt"
)

// Kind is one of the taxonomy entries a caller may need to distinguish.
type Kind string

const (
	KindNone             Kind = "none"
	KindFailed           Kind = "failed"
	KindInvalidArgument  Kind = "invalid_argument"
	KindNotFound         Kind = "not_found"
	KindAlreadyExist     Kind = "already_exist"
	KindNoMemory         Kind = "no_memory"
	KindOutOfRange       Kind = "out_of_range"
	KindTimeout          Kind = "timeout"
	KindWrongState       Kind = "wrong_state"
	KindInvalidChecksum  Kind = "invalid_checksum"
	KindRuntime          Kind = "runtime"
	KindNotSupported     Kind = "not_supported"
)

// Error wraps an underlying cause with a Kind and short context string.
type Error struct {
	Kind    Kind
	Context string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Context
	}
	return fmt.Sprintf("%s: %v", e.Context, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates a new Error of the given kind with no wrapped cause.
func New(kind Kind, context string) error {
	return &Error{Kind: kind, Context: context}
}

// Wrap annotates err with a kind and a short context string. Wrap(kind, "", err)
// is valid and simply attaches the kind.
func Wrap(kind Kind, context string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Context: context, Cause: err}
}

// Is reports whether the first *Error in err's chain carries the given
// Kind. Kinds of *Error values wrapped inside that one are not consulted.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, defaulting to KindFailed when err
// carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if err == nil {
		return KindNone
	}
	return KindFailed
}
