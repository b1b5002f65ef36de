package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind classifies a failure for retry and surfacing decisions.
type Kind int

const (
	KindUnknown Kind = iota
	KindNetwork
	KindValidation
	KindConflict
	KindAuthorization
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindAuthorization:
		return "authorization"
	default:
		return "unknown"
	}
}

// Error is the classified error returned by every Service call.
type Error struct {
	Kind   Kind
	Op     string
	Status int
	Err    error
	// Remote holds the service's view of the report for conflicts, when sent.
	Remote *Report
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Status > 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the failure is transient.
func (e *Error) Retryable() bool { return e.Kind == KindNetwork }

// NewError builds a classified error.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// NetworkError wraps err as a transient failure.
func NetworkError(op string, err error) *Error { return NewError(KindNetwork, op, err) }

// ValidationError reports invalid caller arguments.
func ValidationError(op string, format string, args ...any) *Error {
	return NewError(KindValidation, op, fmt.Errorf(format, args...))
}

// KindOf classifies any error. Unclassified context deadlines and net.Error
// values count as network failures; cancellation does not.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindNetwork
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return KindNetwork
	}
	return KindUnknown
}

// IsRetryable reports whether err should be retried.
func IsRetryable(err error) bool {
	return KindOf(err) == KindNetwork
}

// ConflictState returns the remote report attached to a conflict, if any.
func ConflictState(err error) (*Report, bool) {
	var re *Error
	if errors.As(err, &re) && re.Kind == KindConflict && re.Remote != nil {
		return re.Remote, true
	}
	return nil, false
}

func kindForStatus(status int) Kind {
	switch status {
	case http.StatusBadRequest, http.StatusUnprocessableEntity, http.StatusNotFound:
		return KindValidation
	case http.StatusUnauthorized, http.StatusForbidden:
		return KindAuthorization
	case http.StatusConflict, http.StatusPreconditionFailed:
		return KindConflict
	case http.StatusRequestTimeout, http.StatusTooManyRequests,
		http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return KindNetwork
	default:
		return KindUnknown
	}
}
