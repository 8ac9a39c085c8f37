package broker

import (
	"fmt"
	"net/http"
)

// Broker error codes as constants
const (
	ErrorCodeInvalidRequest         = "invalid_request"
	ErrorCodeUnknownService         = "unknown_service"
	ErrorCodeInvalidState           = "invalid_state"
	ErrorCodeProviderExchangeFailed = "provider_exchange_failed"
	ErrorCodeScopeMismatch          = "scope_mismatch"
	ErrorCodeCredentialNotFound     = "credential_not_found"
	ErrorCodeRefreshUnavailable     = "refresh_unavailable"
	ErrorCodeDecryptionFailed       = "decryption_failed"
	ErrorCodeRateLimitExceeded      = "rate_limit_exceeded"
	ErrorCodeServerError            = "server_error"
)

// Error represents a broker error with an HTTP status. Descriptions never
// contain token material.
type Error struct {
	Code        string // machine-readable error code (e.g., "unknown_service")
	Description string // human-readable error description
	Status      int    // HTTP status code
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewError creates a new broker error
func NewError(code, description string, status int) *Error {
	return &Error{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// Common broker errors as reusable constructors
var (
	// ErrInvalidRequest indicates the request is malformed or missing required parameters
	ErrInvalidRequest = func(desc string) *Error {
		return NewError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
	}

	// ErrUnknownService indicates the requested service has no registered scope set
	ErrUnknownService = func(desc string) *Error {
		return NewError(ErrorCodeUnknownService, desc, http.StatusNotFound)
	}

	// ErrInvalidState indicates the callback state is unknown, expired, or already used
	ErrInvalidState = func(desc string) *Error {
		return NewError(ErrorCodeInvalidState, desc, http.StatusBadRequest)
	}

	// ErrProviderExchangeFailed indicates the provider rejected a code or
	// refresh exchange, or the call failed in transit. Retryable after delay.
	ErrProviderExchangeFailed = func(desc string) *Error {
		return NewError(ErrorCodeProviderExchangeFailed, desc, http.StatusBadGateway)
	}

	// ErrScopeMismatch indicates the provider granted fewer scopes than requested
	ErrScopeMismatch = func(desc string) *Error {
		return NewError(ErrorCodeScopeMismatch, desc, http.StatusConflict)
	}

	// ErrCredentialNotFound indicates no credential is stored for the user and service
	ErrCredentialNotFound = func(desc string) *Error {
		return NewError(ErrorCodeCredentialNotFound, desc, http.StatusNotFound)
	}

	// ErrRefreshUnavailable indicates the token is expired and no refresh token is stored
	ErrRefreshUnavailable = func(desc string) *Error {
		return NewError(ErrorCodeRefreshUnavailable, desc, http.StatusConflict)
	}

	// ErrDecryptionFailed indicates stored ciphertext could not be decrypted
	ErrDecryptionFailed = func(desc string) *Error {
		return NewError(ErrorCodeDecryptionFailed, desc, http.StatusInternalServerError)
	}

	// ErrRateLimitExceeded indicates the caller exceeded the request rate limit
	ErrRateLimitExceeded = func(desc string) *Error {
		return NewError(ErrorCodeRateLimitExceeded, desc, http.StatusTooManyRequests)
	}

	// ErrServerError indicates an internal server error occurred
	ErrServerError = func(desc string) *Error {
		return NewError(ErrorCodeServerError, desc, http.StatusInternalServerError)
	}
)
