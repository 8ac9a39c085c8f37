// Package mock provides a mock implementation of the Provider interface for testing.
package mock

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pramaia/oauth-broker/providers"
)

// MockProvider is a mock implementation of the Provider interface for testing
type MockProvider struct {
	// NameFunc is called when Name() is invoked
	NameFunc func() string

	// AuthorizationURLFunc is called when AuthorizationURL() is invoked
	AuthorizationURLFunc func(state string, scopes []string) string

	// ExchangeFunc is called when Exchange() is invoked
	ExchangeFunc func(ctx context.Context, code string) (*providers.Token, error)

	// RefreshFunc is called when Refresh() is invoked
	RefreshFunc func(ctx context.Context, refreshToken string) (*providers.Token, error)

	// RevokeFunc is called when Revoke() is invoked
	RevokeFunc func(ctx context.Context, token string) error

	// HealthCheckFunc is called when HealthCheck() is invoked
	HealthCheckFunc func(ctx context.Context) error

	// CallCounts tracks how many times each method was called
	CallCounts map[string]int

	// mu protects CallCounts from concurrent access
	mu sync.RWMutex
}

var _ providers.Provider = (*MockProvider)(nil)

// NewMockProvider creates a new mock provider with default implementations
func NewMockProvider() *MockProvider {
	return &MockProvider{
		CallCounts: make(map[string]int),
		NameFunc: func() string {
			return "mock"
		},
		AuthorizationURLFunc: func(state string, scopes []string) string {
			return fmt.Sprintf("https://mock.example.com/authorize?state=%s&scope=%s",
				state, strings.Join(scopes, "+"))
		},
		ExchangeFunc: func(ctx context.Context, code string) (*providers.Token, error) {
			return &providers.Token{
				AccessToken:  "mock-access-token",
				RefreshToken: "mock-refresh-token",
				TokenType:    "Bearer",
				Expiry:       time.Now().Add(time.Hour),
			}, nil
		},
		RefreshFunc: func(ctx context.Context, refreshToken string) (*providers.Token, error) {
			return &providers.Token{
				AccessToken: "new-mock-access-token",
				TokenType:   "Bearer",
				Expiry:      time.Now().Add(time.Hour),
			}, nil
		},
		RevokeFunc: func(ctx context.Context, token string) error {
			return nil
		},
		HealthCheckFunc: func(ctx context.Context) error {
			return nil
		},
	}
}

// Name returns the provider name
func (m *MockProvider) Name() string {
	// Lock only to update the counter and read the function reference.
	// The user function runs without the lock held so it can call other
	// mock methods without deadlocking.
	m.mu.Lock()
	m.CallCounts["Name"]++
	fn := m.NameFunc
	m.mu.Unlock()

	if fn == nil {
		return "mock"
	}
	return fn()
}

// AuthorizationURL generates the URL to redirect users for consent
func (m *MockProvider) AuthorizationURL(state string, scopes []string) string {
	m.mu.Lock()
	m.CallCounts["AuthorizationURL"]++
	fn := m.AuthorizationURLFunc
	m.mu.Unlock()

	if fn == nil {
		return ""
	}
	return fn(state, scopes)
}

// Exchange exchanges an authorization code for tokens
func (m *MockProvider) Exchange(ctx context.Context, code string) (*providers.Token, error) {
	m.mu.Lock()
	m.CallCounts["Exchange"]++
	fn := m.ExchangeFunc
	m.mu.Unlock()

	if fn == nil {
		return nil, fmt.Errorf("ExchangeFunc not set")
	}
	return fn(ctx, code)
}

// Refresh obtains a fresh access token using a refresh token
func (m *MockProvider) Refresh(ctx context.Context, refreshToken string) (*providers.Token, error) {
	m.mu.Lock()
	m.CallCounts["Refresh"]++
	fn := m.RefreshFunc
	m.mu.Unlock()

	if fn == nil {
		return nil, fmt.Errorf("RefreshFunc not set")
	}
	return fn(ctx, refreshToken)
}

// Revoke invalidates a token at the provider
func (m *MockProvider) Revoke(ctx context.Context, token string) error {
	m.mu.Lock()
	m.CallCounts["Revoke"]++
	fn := m.RevokeFunc
	m.mu.Unlock()

	if fn == nil {
		return nil
	}
	return fn(ctx, token)
}

// HealthCheck verifies that the provider is reachable
func (m *MockProvider) HealthCheck(ctx context.Context) error {
	m.mu.Lock()
	m.CallCounts["HealthCheck"]++
	fn := m.HealthCheckFunc
	m.mu.Unlock()

	if fn == nil {
		return nil
	}
	return fn(ctx)
}

// GetCallCount returns how many times a method was called
func (m *MockProvider) GetCallCount(method string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.CallCounts[method]
}

// ResetCallCounts clears all recorded call counts
func (m *MockProvider) ResetCallCounts() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCounts = make(map[string]int)
}
