// Package apperr is the error taxonomy surfaced to API callers.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for the transport layer.
type Kind int

const (
	KindInternal Kind = iota
	KindAuthentication
	KindAuthorization
	KindUpstream
	KindValidation
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindAuthentication:
		return "authentication"
	case KindAuthorization:
		return "authorization"
	case KindUpstream:
		return "upstream"
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	default:
		return "internal"
	}
}

// HTTPStatus maps the kind to the status code returned to callers.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindUpstream:
		return http.StatusBadGateway
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Error carries a Kind plus the operation that failed.
// Message is safe to show to callers; Err holds the underlying detail.
type Error struct {
	Kind           Kind
	Op             string
	Message        string
	UpstreamStatus int
	Err            error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func Authentication(op, message string) *Error {
	return &Error{Kind: KindAuthentication, Op: op, Message: message}
}

func Authorization(op, message string) *Error {
	return &Error{Kind: KindAuthorization, Op: op, Message: message}
}

func Validation(op, message string) *Error {
	return &Error{Kind: KindValidation, Op: op, Message: message}
}

func NotFound(op, message string) *Error {
	return &Error{Kind: KindNotFound, Op: op, Message: message}
}

// Upstream wraps a failed call to the design API. status is the upstream HTTP status, 0 if none.
func Upstream(op string, status int, err error) *Error {
	msg := "upstream request failed"
	if status != 0 {
		msg = fmt.Sprintf("upstream request failed with status %d", status)
	}
	return &Error{Kind: KindUpstream, Op: op, Message: msg, UpstreamStatus: status, Err: err}
}

func Internal(op string, err error) *Error {
	return &Error{Kind: KindInternal, Op: op, Message: "internal server error", Err: err}
}

// Wrap attaches kind and op to err unless err already carries a Kind.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return err
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain, KindInternal otherwise.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// PublicMessage returns the message that may be shown to callers.
// Internal errors collapse to a generic message unless detailed is set.
func PublicMessage(err error, detailed bool) string {
	var ae *Error
	if !errors.As(err, &ae) {
		if detailed {
			return err.Error()
		}
		return "internal server error"
	}
	if ae.Kind == KindInternal && !detailed {
		return "internal server error"
	}
	if detailed || ae.Kind == KindUpstream {
		if ae.Err != nil {
			return ae.Message + ": " + ae.Err.Error()
		}
	}
	if ae.Message == "" {
		return ae.Kind.String()
	}
	return ae.Message
}
