package google

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/pramaia/oauth-broker/internal/testutil"
)

// stubTransport redirects every outbound request to the test server while
// preserving the request path, so the provider's hard-coded Google endpoints
// resolve to local handlers.
type stubTransport struct {
	server *httptest.Server
}

func (t *stubTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	testURL, _ := url.Parse(t.server.URL)
	req.URL.Scheme = testURL.Scheme
	req.URL.Host = testURL.Host
	return http.DefaultTransport.RoundTrip(req)
}

func newStubbedProvider(t *testing.T, handler http.HandlerFunc) (*Provider, *httptest.Server) {
	t.Helper()

	server := testutil.NewMockHTTPServer(handler)
	t.Cleanup(server.Close)

	provider, err := NewProvider(&Config{
		ClientID:     "test-client-id",
		ClientSecret: "test-client-secret",
		RedirectURL:  "https://example.com/callback",
		HTTPClient: &http.Client{
			Transport: &stubTransport{server: server},
		},
	})
	testutil.AssertNoError(t, err)
	return provider, server
}

func TestNewProvider(t *testing.T) {
	tests := []struct {
		name    string
		config  *Config
		wantErr bool
	}{
		{
			name: "valid config",
			config: &Config{
				ClientID:     "test-client-id",
				ClientSecret: "test-client-secret",
				RedirectURL:  "https://example.com/callback",
			},
			wantErr: false,
		},
		{
			name: "missing client ID",
			config: &Config{
				ClientSecret: "test-client-secret",
				RedirectURL:  "https://example.com/callback",
			},
			wantErr: true,
		},
		{
			name: "missing client secret",
			config: &Config{
				ClientID:    "test-client-id",
				RedirectURL: "https://example.com/callback",
			},
			wantErr: true,
		},
		{
			name: "missing redirect URL",
			config: &Config{
				ClientID:     "test-client-id",
				ClientSecret: "test-client-secret",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider, err := NewProvider(tt.config)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewProvider() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && provider.httpClient == nil {
				t.Error("NewProvider() httpClient is nil")
			}
		})
	}
}

func TestProvider_Name(t *testing.T) {
	provider, err := NewProvider(&Config{
		ClientID:     "test-client-id",
		ClientSecret: "test-client-secret",
		RedirectURL:  "https://example.com/callback",
	})
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, provider.Name(), "google")
}

func TestProvider_AuthorizationURL(t *testing.T) {
	provider, err := NewProvider(&Config{
		ClientID:     "test-client-id",
		ClientSecret: "test-client-secret",
		RedirectURL:  "https://example.com/callback",
	})
	testutil.AssertNoError(t, err)

	state := testutil.GenerateRandomString(32)
	scopes := []string{
		"https://www.googleapis.com/auth/gmail.readonly",
		"https://www.googleapis.com/auth/gmail.send",
	}

	authURL := provider.AuthorizationURL(state, scopes)
	parsed, err := url.Parse(authURL)
	testutil.AssertNoError(t, err)

	query := parsed.Query()
	testutil.AssertEqual(t, query.Get("state"), state)
	testutil.AssertEqual(t, query.Get("client_id"), "test-client-id")
	testutil.AssertEqual(t, query.Get("access_type"), "offline")
	testutil.AssertEqual(t, query.Get("prompt"), "consent")
	testutil.AssertEqual(t, query.Get("scope"), strings.Join(scopes, " "))
}

func TestProvider_Exchange(t *testing.T) {
	provider, _ := newStubbedProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/token" {
			http.NotFound(w, r)
			return
		}
		if err := r.ParseForm(); err != nil {
			http.Error(w, "invalid form data", http.StatusBadRequest)
			return
		}
		if r.FormValue("code") != "test-code" {
			http.Error(w, "invalid code", http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  "test-access-token",
			"refresh_token": "test-refresh-token",
			"token_type":    "Bearer",
			"expires_in":    3600,
			"scope":         "https://www.googleapis.com/auth/gmail.readonly https://www.googleapis.com/auth/gmail.send",
		})
	})

	token, err := provider.Exchange(context.Background(), "test-code")
	testutil.AssertNoError(t, err)

	testutil.AssertEqual(t, token.AccessToken, "test-access-token")
	testutil.AssertEqual(t, token.RefreshToken, "test-refresh-token")
	testutil.AssertEqual(t, len(token.GrantedScopes), 2)
	testutil.AssertTrue(t, !token.Expired(), "freshly issued token reported expired")
}

func TestProvider_Exchange_Failed(t *testing.T) {
	provider, _ := newStubbedProvider(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
	})

	_, err := provider.Exchange(context.Background(), "bad-code")
	testutil.AssertError(t, err)
}

func TestProvider_Refresh(t *testing.T) {
	provider, _ := newStubbedProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "invalid form data", http.StatusBadRequest)
			return
		}
		if r.FormValue("refresh_token") != "test-refresh-token" {
			http.Error(w, "invalid refresh_token", http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "new-access-token",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	})

	token, err := provider.Refresh(context.Background(), "test-refresh-token")
	testutil.AssertNoError(t, err)

	testutil.AssertEqual(t, token.AccessToken, "new-access-token")
	// No rotation: the old refresh token must not be surfaced as new.
	testutil.AssertEqual(t, token.RefreshToken, "")
}

func TestProvider_Refresh_Rotation(t *testing.T) {
	provider, _ := newStubbedProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  "new-access-token",
			"refresh_token": "rotated-refresh-token",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	})

	token, err := provider.Refresh(context.Background(), "test-refresh-token")
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, token.RefreshToken, "rotated-refresh-token")
}

func TestProvider_Revoke(t *testing.T) {
	var revokedToken string
	provider, _ := newStubbedProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/revoke" {
			http.NotFound(w, r)
			return
		}
		if err := r.ParseForm(); err != nil {
			http.Error(w, "invalid form data", http.StatusBadRequest)
			return
		}
		revokedToken = r.FormValue("token")
		w.WriteHeader(http.StatusOK)
	})

	err := provider.Revoke(context.Background(), "test-token")
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, revokedToken, "test-token")
}

func TestProvider_Revoke_Failed(t *testing.T) {
	provider, _ := newStubbedProvider(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "revocation failed", http.StatusBadRequest)
	})

	err := provider.Revoke(context.Background(), "test-token")
	testutil.AssertError(t, err)
}

func TestProvider_HealthCheck(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		wantErr    bool
	}{
		{name: "healthy", statusCode: http.StatusOK, wantErr: false},
		{name: "unavailable", statusCode: http.StatusServiceUnavailable, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider, _ := newStubbedProvider(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.statusCode)
			})

			err := provider.HealthCheck(context.Background())
			if (err != nil) != tt.wantErr {
				t.Errorf("HealthCheck() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}

	// The check must hit the OIDC discovery document.
	var path string
	provider, _ := newStubbedProvider(t, func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		w.WriteHeader(http.StatusOK)
	})
	testutil.AssertNoError(t, provider.HealthCheck(context.Background()))
	testutil.AssertEqual(t, path, "/.well-known/openid-configuration")
}
