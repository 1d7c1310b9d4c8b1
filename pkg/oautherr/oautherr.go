// Package oautherr defines the error taxonomy returned by the authorization
// server. Error codes follow RFC 6749 / RFC 6750 so they can be written
// directly into the error field of JSON responses.
package oautherr

import "fmt"

var (
	// ErrInvalidRequest is used for syntactically invalid requests (missing or
	// malformed parameters) where a 400 response is appropriate.
	ErrInvalidRequest = &ServiceError{
		Code:    "invalid_request",
		Message: "The request is missing a required parameter or is otherwise malformed",
		Status:  400,
	}

	ErrInvalidClient = &ServiceError{
		Code:    "invalid_client",
		Message: "Client authentication failed",
		Status:  401,
	}

	ErrInvalidGrant = &ServiceError{
		Code:    "invalid_grant",
		Message: "The provided authorization grant is invalid, expired, revoked, or was issued to another client",
		Status:  400,
	}

	ErrUnsupportedGrantType = &ServiceError{
		Code:    "unsupported_grant_type",
		Message: "The authorization grant type is not supported",
		Status:  400,
	}

	ErrUnauthorizedClient = &ServiceError{
		Code:    "unauthorized_client",
		Message: "The client is not authorized to use this grant type",
		Status:  400,
	}

	ErrInvalidScope = &ServiceError{
		Code:    "invalid_scope",
		Message: "The requested scope is invalid, unknown, or exceeds the granted scope",
		Status:  400,
	}

	ErrInvalidToken = &ServiceError{
		Code:    "invalid_token",
		Message: "The access token is invalid, expired, or revoked",
		Status:  401,
	}

	ErrInsufficientScope = &ServiceError{
		Code:    "insufficient_scope",
		Message: "The token does not carry the scope required for this resource",
		Status:  403,
	}

	ErrForbidden = &ServiceError{
		Code:    "forbidden",
		Message: "The authenticated subject does not hold the required permission",
		Status:  403,
	}

	ErrRateLimitExceeded = &ServiceError{
		Code:    "rate_limit_exceeded",
		Message: "Rate limit exceeded",
		Status:  429,
	}

	ErrServerError = &ServiceError{
		Code:    "server_error",
		Message: "Internal server error",
		Status:  500,
	}

	// ErrConfiguration covers missing signing keys or JWKS material. Fatal at
	// startup; surfaced as server_error when hit at request time.
	ErrConfiguration = &ServiceError{
		Code:    "server_error",
		Message: "Server configuration error",
		Status:  500,
	}
)

// ServiceError represents a service-level error with an OAuth error code.
type ServiceError struct {
	Code    string
	Message string
	Status  int
	Err     error
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// Wrap wraps an underlying cause with a ServiceError sentinel.
func Wrap(err error, serviceErr *ServiceError) *ServiceError {
	return &ServiceError{
		Code:    serviceErr.Code,
		Message: serviceErr.Message,
		Status:  serviceErr.Status,
		Err:     err,
	}
}

// WithDescription returns a copy of serviceErr carrying a request-specific
// error_description. The sentinel itself is never mutated.
func WithDescription(serviceErr *ServiceError, description string) *ServiceError {
	return &ServiceError{
		Code:    serviceErr.Code,
		Message: description,
		Status:  serviceErr.Status,
		Err:     serviceErr.Err,
	}
}
