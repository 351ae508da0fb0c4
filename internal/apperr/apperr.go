package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for transport mapping and operator triage.
type Kind int

const (
	// KindValidation is bad caller input; surfaced inline, never fatal.
	KindValidation Kind = iota
	// KindAuthorization means the actor is not a party permitted to act.
	KindAuthorization
	// KindNotFound is a missing or invisible resource.
	KindNotFound
	// KindConflict is a lost optimistic-concurrency race; callers re-read
	// and retry.
	KindConflict
	// KindExternal is a downstream service failure; transient cases are
	// retried with backoff.
	KindExternal
	// KindIntegrity is data the system refuses to act on automatically
	// (amount mismatch, duplicate event). Requires operator review and is
	// never shown to end users as-is.
	KindIntegrity
	// KindInternal is everything else.
	KindInternal
)

// Error is the application error carried across layers. Msg is safe to show
// to the caller for validation/authorization kinds; integrity and internal
// details stay in logs.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, msg string) *Error { return &Error{Kind: kind, Msg: msg} }

func Wrap(kind Kind, msg string, err error) *Error { return &Error{Kind: kind, Msg: msg, Err: err} }

func Validation(msg string) *Error    { return New(KindValidation, msg) }
func Authorization(msg string) *Error { return New(KindAuthorization, msg) }
func NotFound(msg string) *Error      { return New(KindNotFound, msg) }
func Conflict(msg string) *Error      { return New(KindConflict, msg) }
func External(msg string, err error) *Error  { return Wrap(KindExternal, msg, err) }
func Integrity(msg string, err error) *Error { return Wrap(KindIntegrity, msg, err) }
func Internal(msg string, err error) *Error  { return Wrap(KindInternal, msg, err) }

// KindOf extracts the kind from an error chain, defaulting to internal.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// HTTPStatus maps an error to the status code handlers should return.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthorization:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindExternal:
		return http.StatusBadGateway
	case KindIntegrity:
		// The caller sees a neutral failure; the row is parked for operators.
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// Message returns the text safe to surface to the caller.
func Message(err error) string {
	kind := KindOf(err)
	if kind == KindInternal {
		return "internal error"
	}
	if kind == KindIntegrity {
		return "request could not be processed and has been flagged for review"
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Msg
	}
	return "internal error"
}
