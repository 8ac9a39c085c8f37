// Package providers defines the interface for upstream OAuth providers and
// the token type exchanged with them.
package providers

import (
	"context"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// Provider defines the interface for upstream OAuth providers. The broker
// talks to providers only through this abstraction, so Google can be swapped
// for another provider (or a mock in tests) without touching the broker.
type Provider interface {
	// Name returns the provider name (e.g., "google")
	Name() string

	// AuthorizationURL generates the URL to redirect users for consent.
	// The scopes requested are passed per call because each service
	// (gmail, drive, ...) carries its own scope set.
	AuthorizationURL(state string, scopes []string) string

	// Exchange exchanges an authorization code for tokens. The returned
	// token carries the scopes the provider actually granted, which may
	// differ from the ones requested.
	Exchange(ctx context.Context, code string) (*Token, error)

	// Refresh obtains a fresh access token using a refresh token.
	// Providers may rotate the refresh token; callers must check
	// Token.RefreshToken on the result.
	Refresh(ctx context.Context, refreshToken string) (*Token, error)

	// Revoke invalidates a token at the provider.
	Revoke(ctx context.Context, token string) error

	// HealthCheck verifies that the provider is reachable.
	HealthCheck(ctx context.Context) error
}

// Token is the provider-neutral result of a code exchange or refresh.
// Values are plaintext; encryption is the broker's job.
type Token struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	Expiry       time.Time

	// GrantedScopes are the scopes the provider reports as granted,
	// parsed from the token response. Empty when the provider did not
	// report them.
	GrantedScopes []string
}

// FromOAuth2 converts an oauth2 token, pulling granted scopes out of the
// extra "scope" field (space-delimited per RFC 6749).
func FromOAuth2(token *oauth2.Token) *Token {
	t := &Token{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
		Expiry:       token.Expiry,
	}
	if t.TokenType == "" {
		t.TokenType = "Bearer"
	}
	if scope, ok := token.Extra("scope").(string); ok && scope != "" {
		t.GrantedScopes = strings.Fields(scope)
	}
	return t
}

// Expired reports whether the access token is past its expiry.
func (t *Token) Expired() bool {
	return !t.Expiry.IsZero() && time.Now().After(t.Expiry)
}
