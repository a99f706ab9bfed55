// Package errors provides the single rich error type used across fluxline.
// Errors bubble up unchanged inside a component and are classified into the
// kind taxonomy at component boundaries.
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a boundary error.
type Kind string

const (
	KindValidation  Kind = "validation_error"
	KindAuth        Kind = "auth_error"
	KindNotFound    Kind = "not_found"
	KindConflict    Kind = "conflict_error"
	KindRateLimited Kind = "upstream_rate_limited"
	KindUnavailable Kind = "upstream_unavailable"
	KindTimeout     Kind = "timeout"
	KindTransient   Kind = "transient_io"
	KindPermanent   Kind = "permanent_io"
	KindCorruption  Kind = "corruption"
	KindInternal    Kind = "internal_error"
)

// Rich wraps every error flowing across fluxline component boundaries.
type Rich struct {
	Kind    Kind           `json:"kind"`
	Domain  string         `json:"domain,omitempty"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
	Cause   error          `json:"-"`
}

// Error implements error.
func (r *Rich) Error() string {
	if r.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", r.Kind, r.Message, r.Cause)
	}
	return fmt.Sprintf("%s: %s", r.Kind, r.Message)
}

func (r *Rich) Unwrap() error { return r.Cause }

// New builds a Rich error in one line.
//
//	errors.New(errors.KindValidation, "workflow", "empty execution id", nil)
func New(kind Kind, domain, msg string, cause error) *Rich {
	return &Rich{Kind: kind, Domain: domain, Message: msg, Cause: cause}
}

// Newf builds a Rich error with a formatted message.
func Newf(kind Kind, domain string, format string, args ...any) *Rich {
	return &Rich{Kind: kind, Domain: domain, Message: fmt.Sprintf(format, args...)}
}

// With attaches field-level detail.
func (r *Rich) With(key string, val any) *Rich {
	if r.Fields == nil {
		r.Fields = make(map[string]any, 4)
	}
	r.Fields[key] = val
	return r
}

// JSON renders the error for transport surfaces. The cause is intentionally
// omitted so stack detail never leaks to clients.
func (r *Rich) JSON() string {
	out, _ := json.Marshal(r)
	return string(out)
}

// KindOf returns the kind of err, or KindInternal when err carries none.
func KindOf(err error) Kind {
	var rich *Rich
	if errors.As(err, &rich) {
		return rich.Kind
	}
	return KindInternal
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether background tasks may retry err. Only the
// transient classes are retried; everything else goes to the failure list.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindRateLimited, KindTimeout:
		return true
	}
	return false
}

// HTTPStatus maps an error kind to the response code used at HTTP
// boundaries.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Is, As and Join are re-exported so callers need a single errors import.
func Is(err, target error) bool     { return errors.Is(err, target) }
func As(err error, target any) bool { return errors.As(err, target) }
func Join(errs ...error) error      { return errors.Join(errs...) }
