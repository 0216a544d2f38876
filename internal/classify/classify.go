// Package classify resolves the set of failure conditions that may apply to
// a single gateway request into exactly one externally visible error, by a
// fixed precedence. It also owns the Router error-code to HTTP status
// mapping.
package classify

import "net/http"

// Source identifies where a classified error originated.
type Source int

// Failure sources, in precedence order (highest first).
const (
	SourceRateLimit Source = iota
	SourceAuthGateway
	SourceRequestGateway
	SourceRouterIntake
	SourceRouterExtension
	SourceRouterInternal
)

// String returns the string representation of the source.
func (s Source) String() string {
	switch s {
	case SourceRateLimit:
		return "rate_limit"
	case SourceAuthGateway:
		return "auth_gateway"
	case SourceRequestGateway:
		return "request_gateway"
	case SourceRouterIntake:
		return "router_intake"
	case SourceRouterExtension:
		return "router_extension"
	case SourceRouterInternal:
		return "router_internal"
	default:
		return "unknown"
	}
}

// Gateway-local error codes.
const (
	CodeRateLimitExceeded = "rate_limit_exceeded"
	CodeUnauthorized      = "unauthorized"
	CodeInvalidRequest    = "invalid_request"
	CodeRouterUnavailable = "router_unavailable"
)

// Error is the single error surfaced for a failed request.
type Error struct {
	// Source is the failure source selected by precedence.
	Source Source

	// Code is the external error code.
	Code string

	// HTTPStatus is the HTTP status the transport should emit.
	HTTPStatus int

	// Message is a human-readable description.
	Message string

	// IntakeErrorCode is populated only for Router-sourced errors; it is
	// always nil for gateway-local failures.
	IntakeErrorCode *string
}

// RouterError carries the Router-reported failure fields relevant to
// classification.
type RouterError struct {
	Code            string
	Message         string
	IntakeErrorCode *string
}

// Conditions is the set of independent failure conditions observed for one
// request. Several may be true simultaneously; Resolve picks exactly one.
type Conditions struct {
	// RateLimited is true when the gateway's own rate limiter (or the
	// admission controller, which reports overload the same way) rejected
	// the request.
	RateLimited bool

	// AuthFailed is true when gateway-level authentication is required and
	// missing or invalid.
	AuthFailed bool

	// RequestInvalid is true when gateway-level payload validation failed.
	RequestInvalid bool

	// ValidationMessage optionally carries the specific validation failure
	// for the client.
	ValidationMessage string

	// RouterErr is the Router-reported error, when the request was
	// forwarded and failed upstream.
	RouterErr *RouterError

	// RouterUnreachable is true when the Router could not be reached or
	// returned an unparseable response.
	RouterUnreachable bool
}

// Resolve applies the fixed precedence and returns exactly one error, or
// nil when no condition holds. Precedence, highest first: rate limit,
// gateway auth, gateway request validation, Router-reported error, Router
// unreachable.
func Resolve(cond Conditions) *Error {
	switch {
	case cond.RateLimited:
		return &Error{
			Source:     SourceRateLimit,
			Code:       CodeRateLimitExceeded,
			HTTPStatus: http.StatusTooManyRequests,
			Message:    "rate limit exceeded",
		}

	case cond.AuthFailed:
		return &Error{
			Source:     SourceAuthGateway,
			Code:       CodeUnauthorized,
			HTTPStatus: http.StatusUnauthorized,
			Message:    "authentication required",
		}

	case cond.RequestInvalid:
		msg := cond.ValidationMessage
		if msg == "" {
			msg = "request validation failed"
		}
		return &Error{
			Source:     SourceRequestGateway,
			Code:       CodeInvalidRequest,
			HTTPStatus: http.StatusBadRequest,
			Message:    msg,
		}

	case cond.RouterErr != nil:
		return &Error{
			Source:          routerSource(cond.RouterErr.Code),
			Code:            cond.RouterErr.Code,
			HTTPStatus:      RouterStatus(cond.RouterErr.Code),
			Message:         cond.RouterErr.Message,
			IntakeErrorCode: cond.RouterErr.IntakeErrorCode,
		}

	case cond.RouterUnreachable:
		return &Error{
			Source:     SourceRouterInternal,
			Code:       CodeRouterUnavailable,
			HTTPStatus: http.StatusServiceUnavailable,
			Message:    "router unavailable",
		}
	}

	return nil
}

// RouterStatus maps a Router-reported error code to an HTTP status. The
// table is fixed and matched exactly; unrecognized codes default to 500.
// 429 is never produced here: rate limiting is gateway-local.
func RouterStatus(code string) int {
	switch code {
	case "invalid_request":
		return http.StatusBadRequest
	case "unauthorized":
		return http.StatusUnauthorized
	case "validator_blocked":
		return http.StatusForbidden
	case "policy_not_found", "extension_not_found":
		return http.StatusNotFound
	case "internal", "decision_failed", "extension_error", "post_processor_failed":
		return http.StatusInternalServerError
	case "extension_unavailable":
		return http.StatusServiceUnavailable
	case "extension_timeout":
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// routerSource attributes a Router error code to the Router stage that
// raised it.
func routerSource(code string) Source {
	switch code {
	case "invalid_request", "unauthorized", "policy_not_found":
		return SourceRouterIntake
	case "extension_not_found", "extension_error", "extension_unavailable",
		"extension_timeout", "validator_blocked", "post_processor_failed":
		return SourceRouterExtension
	default:
		return SourceRouterInternal
	}
}
