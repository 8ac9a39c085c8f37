package google

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/pramaia/oauth-broker/providers"
)

const (
	revokeEndpoint    = "https://oauth2.googleapis.com/revoke"
	discoveryEndpoint = "https://accounts.google.com/.well-known/openid-configuration"
)

// Provider implements providers.Provider for Google OAuth. Authorization
// URLs always request offline access with forced consent so Google issues a
// refresh token on every grant, not only the first.
type Provider struct {
	config     *oauth2.Config
	httpClient *http.Client
}

var _ providers.Provider = (*Provider)(nil)

// Config holds Google OAuth configuration
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	HTTPClient   *http.Client // Optional custom HTTP client
}

// NewProvider creates a new Google OAuth provider
func NewProvider(cfg *Config) (*Provider, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}
	if cfg.ClientSecret == "" {
		return nil, fmt.Errorf("client secret is required")
	}
	if cfg.RedirectURL == "" {
		return nil, fmt.Errorf("redirect URL is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: 30 * time.Second,
		}
	}

	return &Provider{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     google.Endpoint,
		},
		httpClient: httpClient,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return "google"
}

// AuthorizationURL generates the Google OAuth authorization URL for the
// given scopes. access_type=offline requests a refresh token;
// prompt=consent forces the consent screen so the refresh token is issued
// even when the user granted these scopes before.
func (p *Provider) AuthorizationURL(state string, scopes []string) string {
	cfg := *p.config
	cfg.Scopes = scopes

	return cfg.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
	)
}

// Exchange exchanges an authorization code for tokens.
func (p *Provider) Exchange(ctx context.Context, code string) (*providers.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)

	token, err := p.config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}

	return providers.FromOAuth2(token), nil
}

// Refresh obtains a fresh access token from a refresh token. Google may
// rotate the refresh token; the result carries the new one when it does.
func (p *Provider) Refresh(ctx context.Context, refreshToken string) (*providers.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)

	tokenSource := p.config.TokenSource(ctx, &oauth2.Token{
		RefreshToken: refreshToken,
	})

	newToken, err := tokenSource.Token()
	if err != nil {
		return nil, fmt.Errorf("failed to refresh token: %w", err)
	}

	result := providers.FromOAuth2(newToken)
	// TokenSource copies the old refresh token into the result when Google
	// did not rotate; surface rotation only when the value changed.
	if result.RefreshToken == refreshToken {
		result.RefreshToken = ""
	}
	return result, nil
}

// Revoke invalidates a token at Google's revocation endpoint. Works for
// both access and refresh tokens; revoking a refresh token also revokes
// the access tokens issued from it.
func (p *Provider) Revoke(ctx context.Context, token string) error {
	data := url.Values{}
	data.Set("token", token)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, revokeEndpoint,
		strings.NewReader(data.Encode()))
	if err != nil {
		return fmt.Errorf("failed to build revocation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("token revocation failed with status %d", resp.StatusCode)
	}

	return nil
}

// HealthCheck verifies that Google's OAuth endpoints are reachable by
// fetching the OIDC discovery document.
func (p *Provider) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, discoveryEndpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to build health check request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("google discovery endpoint unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("google discovery endpoint returned status %d", resp.StatusCode)
	}

	return nil
}
