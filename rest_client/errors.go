package rest_client

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failed REST call by what the caller should do about it.
type Kind int

const (
	KindTransient    Kind = iota + 1 // network loss, timeout, 408, 429, 5xx: retry later
	KindUnauthorized                 // 401, 403, token unavailable: re-authenticate
	KindNotFound                     // 404, 405: route or resource missing
	KindApplication                  // other 4xx, undecodable response: do not retry
)

var (
	ErrTransient    = errors.New("transient failure")
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotFound     = errors.New("not found")
	ErrApplication  = errors.New("application failure")
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindUnauthorized:
		return "unauthorized"
	case KindNotFound:
		return "not_found"
	case KindApplication:
		return "application"
	}
	return "unknown"
}

func (k Kind) sentinel() error {
	switch k {
	case KindTransient:
		return ErrTransient
	case KindUnauthorized:
		return ErrUnauthorized
	case KindNotFound:
		return ErrNotFound
	case KindApplication:
		return ErrApplication
	}
	return nil
}

// Error is returned by every Client call that fails.
type Error struct {
	Kind       Kind
	StatusCode int // 0 when no response was received
	Method     string
	Path       string
	Message    string
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.StatusCode != 0 && e.Message != "":
		return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Message)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("%s %s: %s: %v", e.Method, e.Path, e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s %s: %s", e.Method, e.Path, e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match the Kind sentinels.
func (e *Error) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

// Retryable reports whether err is worth retrying without user action.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransient)
}

func kindForStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindUnauthorized
	case status == http.StatusNotFound || status == http.StatusMethodNotAllowed:
		return KindNotFound
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500:
		return KindTransient
	default:
		return KindApplication
	}
}
