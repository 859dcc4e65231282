// Package workflow holds the rules of the reference collection process: the
// statement lifecycle, invite and contribution validation, and the typed
// errors every operation fails with.
package workflow

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindRoleDenied         Kind = "ROLE_DENIED"
	KindInvalidState       Kind = "INVALID_STATE"
	KindInvalidAddress     Kind = "INVALID_ADDRESS"
	KindInvalidSection     Kind = "INVALID_SECTION"
	KindValidation         Kind = "VALIDATION_ERROR"
	KindNotFound           Kind = "NOT_FOUND"
	KindPreconditionFailed Kind = "PRECONDITION_FAILED"
	// KindSyncDeferred marks a secondary-store write parked for retry. It is
	// recorded internally and never returned to a caller.
	KindSyncDeferred Kind = "SYNC_DEFERRED"
)

type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is matches on kind so callers can use errors.Is(err, workflow.ErrRoleDenied).
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Kind == other.Kind
}

var (
	ErrRoleDenied         = &Error{Kind: KindRoleDenied}
	ErrInvalidState       = &Error{Kind: KindInvalidState}
	ErrInvalidAddress     = &Error{Kind: KindInvalidAddress}
	ErrInvalidSection     = &Error{Kind: KindInvalidSection}
	ErrValidation         = &Error{Kind: KindValidation}
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrPreconditionFailed = &Error{Kind: KindPreconditionFailed}
	ErrSyncDeferred       = &Error{Kind: KindSyncDeferred}
)

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func RoleDenied(format string, args ...any) *Error {
	return newError(KindRoleDenied, format, args...)
}

func InvalidState(format string, args ...any) *Error {
	return newError(KindInvalidState, format, args...)
}

func InvalidAddress(format string, args ...any) *Error {
	return newError(KindInvalidAddress, format, args...)
}

func InvalidSection(format string, args ...any) *Error {
	return newError(KindInvalidSection, format, args...)
}

func Validation(format string, args ...any) *Error {
	return newError(KindValidation, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return newError(KindNotFound, format, args...)
}

func PreconditionFailed(format string, args ...any) *Error {
	return newError(KindPreconditionFailed, format, args...)
}

func SyncDeferred(format string, args ...any) *Error {
	return newError(KindSyncDeferred, format, args...)
}

// KindOf returns the workflow kind carried by err, or "" for foreign errors.
func KindOf(err error) Kind {
	var wfErr *Error
	if errors.As(err, &wfErr) {
		return wfErr.Kind
	}
	return ""
}
