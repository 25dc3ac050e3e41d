package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrorKind classifies a provider failure.
type ErrorKind string

const (
	KindNetwork            ErrorKind = "network"
	KindAuth               ErrorKind = "auth"
	KindTimeout            ErrorKind = "timeout"
	KindRateLimit          ErrorKind = "rate_limit"
	KindInvalidRequest     ErrorKind = "invalid_request"
	KindModelNotFound      ErrorKind = "model_not_found"
	KindQuotaExceeded      ErrorKind = "quota_exceeded"
	KindServiceUnavailable ErrorKind = "service_unavailable"
	KindInvalidResponse    ErrorKind = "invalid_response"
	KindConfig             ErrorKind = "config_error"
	KindUnknown            ErrorKind = "unknown"
)

// Terminal reports whether retrying an error of this kind can never succeed.
func (k ErrorKind) Terminal() bool {
	switch k {
	case KindAuth, KindInvalidRequest, KindConfig:
		return true
	}
	return false
}

// Error is the normalized error every provider adapter returns.
type Error struct {
	Kind       ErrorKind
	Provider   string
	Op         string
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s: %s (kind=%s, status=%d)", e.Provider, e.Op, msg, e.Kind, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s: %s (kind=%s)", e.Provider, e.Op, msg, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus implements StatusCoder. Errors without an upstream status map
// their kind to a representative code.
func (e *Error) HTTPStatus() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}
	return StatusForKind(e.Kind)
}

// Is lets errors.Is(err, &Error{Kind: KindAuth}) match on kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Provider == "" || t.Provider == e.Provider)
}

// NewError builds an *Error, classifying err when kind is empty.
func NewError(provider, op string, kind ErrorKind, err error) *Error {
	e := &Error{Provider: provider, Op: op, Kind: kind, Err: err}
	if sc, ok := asStatusCoder(err); ok {
		e.StatusCode = sc.HTTPStatus()
	}
	if e.Kind == "" {
		e.Kind = Classify(err)
	}
	return e
}

// Classify maps an arbitrary error onto the taxonomy.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}

	var pe *Error
	if errors.As(err, &pe) && pe.Kind != "" {
		return pe.Kind
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	if sc, ok := asStatusCoder(err); ok {
		if k := KindForStatus(sc.HTTPStatus()); k != KindUnknown {
			return k
		}
	}

	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}

	return KindUnknown
}

// KindForStatus maps an upstream HTTP status onto the taxonomy.
func KindForStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusPaymentRequired:
		return KindQuotaExceeded
	case status == http.StatusNotFound:
		return KindModelNotFound
	case status == http.StatusRequestTimeout, status == http.StatusGatewayTimeout:
		return KindTimeout
	case status == http.StatusTooManyRequests:
		return KindRateLimit
	case status == http.StatusBadRequest,
		status == http.StatusRequestEntityTooLarge,
		status == http.StatusUnprocessableEntity:
		return KindInvalidRequest
	case status >= 500 && status <= 599:
		return KindServiceUnavailable
	}
	return KindUnknown
}

// StatusForKind is the inverse of KindForStatus, used when surfacing an
// error that never had an upstream status.
func StatusForKind(k ErrorKind) int {
	switch k {
	case KindAuth:
		return http.StatusUnauthorized
	case KindQuotaExceeded:
		return http.StatusPaymentRequired
	case KindModelNotFound:
		return http.StatusNotFound
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindConfig:
		return http.StatusInternalServerError
	case KindServiceUnavailable, KindNetwork:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func asStatusCoder(err error) (StatusCoder, bool) {
	var sc StatusCoder
	if errors.As(err, &sc) && sc.HTTPStatus() != 0 {
		return sc, true
	}
	return nil, false
}
