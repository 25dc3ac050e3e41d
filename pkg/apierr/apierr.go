// Package apierr writes structured JSON errors for the router's HTTP API.
package apierr

import (
	"encoding/json"
	"errors"
	"strconv"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-router/internal/providers"
)

// ErrorType constants.
const (
	TypeProviderError     = "provider_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypeNotFound          = "not_found_error"
	TypeServerError       = "server_error"
)

// Code constants.
const (
	CodeRateLimitExceeded = "rate_limit_exceeded"
	CodeInternalError     = "internal_error"
	CodeProviderError     = "provider_error"
	CodeRequestTimeout    = "request_timeout"
	CodeInvalidRequest    = "invalid_request"
	CodeModelNotFound     = "model_not_found"
	CodeProviderNotFound  = "provider_not_found"
)

// retryAfterSeconds is sent with every 429.
const retryAfterSeconds = 60

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	ctx.SetBody(body)
}

// WriteError maps a routing error onto a gateway status by its kind.
//
//	rate_limit           → 429 + Retry-After
//	timeout              → 504
//	auth                 → 401
//	invalid_request      → 400
//	model_not_found      → 404
//	anything else        → 502
func WriteError(ctx *fasthttp.RequestCtx, err error) {
	kind := providers.Classify(err)
	msg := err.Error()

	switch kind {
	case providers.KindRateLimit:
		WriteRateLimit(ctx, msg)
	case providers.KindTimeout:
		Write(ctx, fasthttp.StatusGatewayTimeout, msg, TypeProviderError, CodeRequestTimeout)
	case providers.KindAuth:
		Write(ctx, fasthttp.StatusUnauthorized, msg, TypeAuthenticationErr, string(kind))
	case providers.KindInvalidRequest:
		Write(ctx, fasthttp.StatusBadRequest, msg, TypeInvalidRequest, CodeInvalidRequest)
	case providers.KindModelNotFound:
		Write(ctx, fasthttp.StatusNotFound, msg, TypeNotFound, CodeModelNotFound)
	case providers.KindConfig:
		Write(ctx, fasthttp.StatusInternalServerError, msg, TypeServerError, string(kind))
	default:
		code := CodeProviderError
		if kind != "" && kind != providers.KindUnknown {
			code = string(kind)
		}
		Write(ctx, fasthttp.StatusBadGateway, msg, TypeProviderError, code)
	}
}

// WriteTimeout writes a 504 timeout error.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusGatewayTimeout, "provider request timed out", TypeProviderError, CodeRequestTimeout)
}

// WriteRateLimit writes a 429 rate limit error. An empty msg uses the default.
func WriteRateLimit(ctx *fasthttp.RequestCtx, msg string) {
	if msg == "" {
		msg = "rate limit exceeded"
	}
	ctx.Response.Header.Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	Write(ctx, fasthttp.StatusTooManyRequests, msg, TypeRateLimitError, CodeRateLimitExceeded)
}

// WriteInvalid writes a 400 for a malformed client request.
func WriteInvalid(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusBadRequest, msg, TypeInvalidRequest, CodeInvalidRequest)
}

// Decode reads an error envelope back out of a response body.
func Decode(body []byte) (APIError, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return APIError{}, err
	}
	if env.Error.Type == "" {
		return APIError{}, errors.New("apierr: body is not an error envelope")
	}
	return env.Error, nil
}
