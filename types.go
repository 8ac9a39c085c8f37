package broker

import "time"

// TokenInfo is the plaintext access token handed to internal services. It is
// never persisted; only its encrypted counterpart lives in storage.
type TokenInfo struct {
	// AccessToken is the plaintext bearer token
	AccessToken string `json:"access_token"`

	// TokenType is the token type (always "Bearer" for Google)
	TokenType string `json:"token_type"`

	// UserID is the user the token belongs to
	UserID string `json:"user_id"`

	// Service is the service the token grants access to
	Service string `json:"service"`
}

// ServiceTokenStatus describes one stored credential in a user listing.
// It carries metadata only, never token material.
type ServiceTokenStatus struct {
	// Service is the service name (e.g., "gmail")
	Service string `json:"service"`

	// Expiry is when the stored access token expires
	Expiry time.Time `json:"expires_at"`

	// Expired reports whether the access token is already past its expiry
	Expired bool `json:"expired"`

	// HasRefreshToken reports whether the credential can be refreshed
	HasRefreshToken bool `json:"has_refresh_token"`

	// CreatedAt is when the credential was first stored
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the credential was last written
	UpdatedAt time.Time `json:"updated_at"`
}

// UserTokensResponse is the response for a user's credential listing
type UserTokensResponse struct {
	// UserID is the user the listing belongs to
	UserID string `json:"user_id"`

	// AuthorizedServices lists the user's stored credentials by service
	AuthorizedServices []ServiceTokenStatus `json:"authorized_services"`

	// TotalServices is the number of authorized services
	TotalServices int `json:"total_services"`
}

// AuthorizationResponse is the response for a started authorization flow
type AuthorizationResponse struct {
	// AuthorizationURL is the provider consent URL to redirect the user to
	AuthorizationURL string `json:"authorization_url"`

	// State is the CSRF state token bound to this flow
	State string `json:"state"`
}

// DeleteResponse is the response for a credential deletion
type DeleteResponse struct {
	// Success is true when a credential was deleted
	Success bool `json:"success"`

	// Message describes the outcome
	Message string `json:"message,omitempty"`
}

// ErrorResponse represents a broker error response
type ErrorResponse struct {
	// Error is the error code
	Error string `json:"error"`

	// ErrorDescription provides additional information
	ErrorDescription string `json:"error_description,omitempty"`
}

// HealthResponse is the response for the health endpoint
type HealthResponse struct {
	// Status is "healthy" or "degraded"
	Status string `json:"status"`

	// Provider is the configured provider name
	Provider string `json:"provider"`

	// Services lists the services with registered scope sets
	Services []string `json:"services"`
}

// ServiceInfoResponse is the response for the root service info endpoint
type ServiceInfoResponse struct {
	// Service is the broker's own name
	Service string `json:"service"`

	// Version is the broker version
	Version string `json:"version"`

	// SupportedServices lists the services with registered scope sets
	SupportedServices []string `json:"supported_services"`

	// Endpoints maps endpoint names to their paths
	Endpoints map[string]string `json:"endpoints"`
}
