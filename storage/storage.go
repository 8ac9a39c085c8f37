// Package storage defines the persistence interfaces of the broker: durable
// credential records keyed by (user, service), and short-lived authorization
// flow state. Implementations include in-memory (development, tests),
// PostgreSQL (credentials), and Redis (flow state).
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrCredentialNotFound indicates no credential exists for the key.
	ErrCredentialNotFound = errors.New("credential not found")

	// ErrStateNotFound indicates an authorization state is unknown, already
	// consumed, or expired. Callbacks carrying such a state are rejected.
	ErrStateNotFound = errors.New("authorization state not found")
)

// Key identifies a credential: one record exists per (user, service) pair.
// Using a struct key rather than joined strings rules out collision bugs
// when either component contains a separator character.
type Key struct {
	UserID  string
	Service string
}

// String renders the key for logs and error messages, never for storage.
func (k Key) String() string {
	return k.UserID + "/" + k.Service
}

// Credential is the stored token record for one (user, service) pair.
// AccessToken and RefreshToken hold ciphertext only; encryption happens
// before the record reaches any store, so no backend ever sees plaintext.
type Credential struct {
	UserID  string
	Service string

	// AccessToken is the encrypted access token.
	AccessToken []byte

	// RefreshToken is the encrypted refresh token, or nil when the provider
	// did not grant offline access.
	RefreshToken []byte

	// TokenType is the token type reported by the provider, normally "Bearer".
	TokenType string

	// Expiry is the access token expiry reported by the provider.
	Expiry time.Time

	// Scopes are the granted permission scopes, in request order.
	Scopes []string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Key returns the credential's composite key.
func (c *Credential) Key() Key {
	return Key{UserID: c.UserID, Service: c.Service}
}

// HasRefreshToken reports whether offline access was granted.
func (c *Credential) HasRefreshToken() bool {
	return len(c.RefreshToken) > 0
}

// CredentialSummary is the listing view of a credential. It carries no token
// material so it can cross the API boundary safely.
type CredentialSummary struct {
	Service         string
	Expiry          time.Time
	HasRefreshToken bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// CredentialStore persists one credential per (user, service) key.
//
// Implementations must provide read-after-write consistency per key and make
// Upsert and Delete atomic with respect to concurrent operations on the same
// key. No ordering is required across different keys.
type CredentialStore interface {
	// Upsert creates or replaces the record for cred.Key(). CreatedAt is
	// preserved from an existing record (or set to now on first insert);
	// UpdatedAt is always set to now. The caller's cred fields win otherwise.
	Upsert(ctx context.Context, cred *Credential) error

	// Get retrieves the record for key, or ErrCredentialNotFound.
	Get(ctx context.Context, key Key) (*Credential, error)

	// Delete removes the record for key, reporting whether one existed.
	Delete(ctx context.Context, key Key) (bool, error)

	// ListByUser returns summaries of all of a user's credentials,
	// ordered by service name.
	ListByUser(ctx context.Context, userID string) ([]CredentialSummary, error)
}

// AuthorizationState is the ephemeral record of one in-flight authorization
// handshake, binding the anti-forgery state token to the (user, service)
// pair it was issued for.
type AuthorizationState struct {
	// State is the random anti-forgery token carried through the provider
	// redirect and back on the callback.
	State string

	UserID  string
	Service string

	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the handshake window has closed.
func (s *AuthorizationState) Expired() bool {
	return time.Now().After(s.ExpiresAt)
}

// FlowStore persists in-flight authorization states for the duration of the
// handshake.
type FlowStore interface {
	// SaveAuthorizationState stores a pending state until its ExpiresAt.
	SaveAuthorizationState(ctx context.Context, state *AuthorizationState) error

	// ConsumeAuthorizationState atomically retrieves and deletes the state
	// with the given token, enforcing single use. Returns ErrStateNotFound
	// if the token is unknown, already consumed, or expired.
	ConsumeAuthorizationState(ctx context.Context, stateToken string) (*AuthorizationState, error)

	// DeleteAuthorizationState removes a state without returning it.
	DeleteAuthorizationState(ctx context.Context, stateToken string) error
}
