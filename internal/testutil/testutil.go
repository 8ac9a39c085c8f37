// Package testutil provides testing utilities and helpers for the broker.
package testutil

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pramaia/oauth-broker/providers"
	"github.com/pramaia/oauth-broker/storage"
)

// NewMockHTTPServer creates a test HTTP server with the given handler
func NewMockHTTPServer(handler http.HandlerFunc) *httptest.Server {
	return httptest.NewServer(handler)
}

// GenerateTestToken creates a provider token valid for one hour
func GenerateTestToken() *providers.Token {
	return &providers.Token{
		AccessToken:  GenerateRandomString(32),
		RefreshToken: GenerateRandomString(32),
		TokenType:    "Bearer",
		Expiry:       time.Now().Add(1 * time.Hour),
	}
}

// GenerateTestTokenWithExpiry creates a provider token with a specific expiry
func GenerateTestTokenWithExpiry(expiry time.Time) *providers.Token {
	return &providers.Token{
		AccessToken:  GenerateRandomString(32),
		RefreshToken: GenerateRandomString(32),
		TokenType:    "Bearer",
		Expiry:       expiry,
	}
}

// GenerateTestAuthorizationState creates a pending authorization state
// valid for ten minutes
func GenerateTestAuthorizationState() *storage.AuthorizationState {
	return &storage.AuthorizationState{
		State:     GenerateRandomString(32),
		UserID:    "test-user-123",
		Service:   "gmail",
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(10 * time.Minute),
	}
}

// GenerateRandomString generates a random base64-encoded string
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}

// AssertNoError fails the test if err is not nil
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil
func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error but got nil")
	}
}

// AssertEqual fails the test if got != want
func AssertEqual(t *testing.T, got, want interface{}) {
	t.Helper()
	if got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

// AssertTrue fails the test if condition is false
func AssertTrue(t *testing.T, condition bool, message string) {
	t.Helper()
	if !condition {
		t.Errorf("assertion failed: %s", message)
	}
}
