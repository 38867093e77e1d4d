package apierror

import (
	"errors"
	"net/http"
	"strings"
	"time"
)

// Kind separates the failure classes the engine distinguishes.
type Kind string

const (
	// KindAccessDenied is an expected business outcome, not a fault.
	KindAccessDenied Kind = "access_denied"
	// KindValidation is malformed caller input. No store was touched.
	KindValidation Kind = "validation_error"
	// KindNotFound is a missing referenced entity.
	KindNotFound Kind = "not_found"
	// KindConflict is a state transition the entity cannot make.
	KindConflict Kind = "conflict"
	// KindForbidden is an actor without permission for an admin action.
	KindForbidden Kind = "forbidden"
	// KindStoreUnavailable is a backing store fault. Access checks fail closed on it.
	KindStoreUnavailable Kind = "store_unavailable"
	// KindRecordingFailure is a usage event that could not be persisted.
	KindRecordingFailure Kind = "recording_failure"
)

type Error struct {
	Kind       Kind
	Code       string
	Message    string
	RetryAfter *time.Time
	Err        error
}

func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func Wrap(kind Kind, code string, err error) *Error {
	msg := code
	if err != nil {
		msg = err.Error()
	}
	return &Error{Kind: kind, Code: code, Message: msg, Err: err}
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message == "" {
		return strings.ToLower(e.Code)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches on kind and code so sentinel values compare by identity of meaning.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

func (e *Error) WithRetryAfter(at time.Time) *Error {
	next := *e
	next.RetryAfter = &at
	return &next
}

// As returns the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return ""
}

// HTTPStatus maps an error to the status an HTTP adapter should answer with.
func HTTPStatus(err error) int {
	e, ok := As(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case KindAccessDenied:
		if strings.HasSuffix(e.Code, "LIMIT_EXCEEDED") {
			return http.StatusTooManyRequests
		}
		return http.StatusForbidden
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindForbidden:
		return http.StatusForbidden
	case KindStoreUnavailable, KindRecordingFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
