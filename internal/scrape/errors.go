package scrape

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind is the failure class every adapter error maps to.
type Kind string

// Failure classes.
const (
	KindTransientNetwork Kind = "TRANSIENT_NETWORK"
	KindRateLimited      Kind = "RATE_LIMITED"
	KindAuthExpired      Kind = "AUTH_EXPIRED"
	KindNotFound         Kind = "NOT_FOUND"
	KindParse            Kind = "PARSE_ERROR"
	KindConfig           Kind = "CONFIG_ERROR"
	KindPersist          Kind = "PERSIST_ERROR"
	KindCancelled        Kind = "CANCELLED"
)

// Retryable reports whether the retry wrapper may try again after this kind.
// PERSIST_ERROR is retried once by the worker, not by the wrapper.
func (k Kind) Retryable() bool {
	return k == KindTransientNetwork || k == KindRateLimited
}

// Error is a classified failure.
type Error struct {
	Kind       Kind
	Msg        string
	Err        error
	Diagnostic []byte
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Msg != "":
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified error with a message.
func NewError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies err with kind.
func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// ParseFailure builds a PARSE_ERROR carrying the offending page.
func ParseFailure(page []byte, format string, args ...any) *Error {
	e := NewError(KindParse, format, args...)
	e.Diagnostic = page
	return e
}

// KindOf classifies any error. Unclassified errors are treated as parse failures
// so that unknown breakage is surfaced instead of retried.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransientNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransientNetwork
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindTransientNetwork
	}
	return KindParse
}

// DiagnosticOf returns the page snapshot attached to err, if any.
func DiagnosticOf(err error) []byte {
	var se *Error
	if errors.As(err, &se) {
		return se.Diagnostic
	}
	return nil
}

// KindFromStatus maps an HTTP status code to a failure class. It returns an
// empty Kind for successful responses.
func KindFromStatus(code int) Kind {
	switch {
	case code >= 200 && code < 400:
		return ""
	case code == http.StatusTooManyRequests:
		return KindRateLimited
	case code == http.StatusNotFound || code == http.StatusGone:
		return KindNotFound
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return KindAuthExpired
	case code == http.StatusRequestTimeout || code >= 500:
		return KindTransientNetwork
	default:
		return KindParse
	}
}

// CheckStatus converts a non-success HTTP response into a classified error.
func CheckStatus(resp FetchResponse) error {
	kind := KindFromStatus(resp.StatusCode)
	if kind == "" {
		return nil
	}
	e := NewError(kind, "%s returned HTTP %d", resp.URL, resp.StatusCode)
	if kind == KindParse {
		e.Diagnostic = resp.Body
	}
	return e
}
