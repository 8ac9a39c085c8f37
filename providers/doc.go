// Package providers defines the OAuth provider interface used by the broker.
//
// This package contains the Provider interface that must be implemented by
// all upstream OAuth providers, and the provider-neutral Token type returned
// from code exchanges and refreshes.
//
// Implementations are provided in subpackages:
//   - providers/google: Google OAuth 2.0 provider with offline access
//   - providers/mock: Mock provider for testing
//
// Provider implementations handle:
//   - Authorization URL generation with per-service scopes
//   - Authorization code exchange
//   - Token refresh (including refresh token rotation)
//   - Token revocation
//   - Health checks
//
// Example usage:
//
//	provider, err := google.NewProvider(&google.Config{
//	    ClientID:     "your-client-id",
//	    ClientSecret: "your-client-secret",
//	    RedirectURL:  "http://localhost:8080/oauth/callback",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	server, _ := broker.NewServer(provider, credStore, flowStore, encryptor, config, logger)
package providers
