// Package apierr provides structured API error types and HTTP status mapping
// compatible with the OpenAI error format.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypePermissionErr     = "permission_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeServerError       = "server_error"
)

// Code constants.
const (
	CodeInvalidRequest      = "invalid_request"
	CodeRateLimitExceeded   = "rate_limit_exceeded"
	CodeInsufficientBalance = "insufficient_balance"
	CodeUpstreamError       = "upstream_error"
	CodeInternalError       = "internal_error"
)

// HeaderRateLimitTier names the gauntlet tier that rejected a request.
const HeaderRateLimitTier = "X-RateLimit-Tier"

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

// Marshal renders the error envelope. It is also used for inline error
// frames inside an event stream.
func Marshal(message, errType, code string) []byte {
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	return body
}

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(Marshal(message, errType, code))
}

// WriteInvalidRequest writes a 400.
func WriteInvalidRequest(ctx *fasthttp.RequestCtx, message string) {
	Write(ctx, fasthttp.StatusBadRequest, message, TypeInvalidRequest, CodeInvalidRequest)
}

// WriteAuth writes 401 or 403 for a rejected credential. code is the
// failure kind, e.g. "invalid_api_key" or "key_inactive".
func WriteAuth(ctx *fasthttp.RequestCtx, status int, message, code string) {
	errType := TypeAuthenticationErr
	if status == fasthttp.StatusForbidden {
		errType = TypePermissionErr
	}
	Write(ctx, status, message, errType, code)
}

// WriteInsufficientBalance writes the 403 returned by the balance gate.
func WriteInsufficientBalance(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusForbidden, "insufficient balance", TypePermissionErr, CodeInsufficientBalance)
}

// WriteRateLimit writes a 429 with the retry hint and the rejecting tier.
func WriteRateLimit(ctx *fasthttp.RequestCtx, message, retryAfter, tier string) {
	ctx.Response.Header.Set("Retry-After", retryAfter)
	ctx.Response.Header.Set(HeaderRateLimitTier, tier)
	Write(ctx, fasthttp.StatusTooManyRequests, message, TypeRateLimitError, CodeRateLimitExceeded)
}

// WriteUpstream writes a 500 carrying the upstream's message. It is only
// valid before any response bytes were sent.
func WriteUpstream(ctx *fasthttp.RequestCtx, message string) {
	Write(ctx, fasthttp.StatusInternalServerError, message, TypeServerError, CodeUpstreamError)
}

// WriteInternal writes a 500 for gateway-side failures.
func WriteInternal(ctx *fasthttp.RequestCtx, message string) {
	Write(ctx, fasthttp.StatusInternalServerError, message, TypeServerError, CodeInternalError)
}
