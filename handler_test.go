package broker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/pramaia/oauth-broker/providers"
	"github.com/pramaia/oauth-broker/providers/mock"
)

func newTestHandler(t *testing.T) (*Handler, *mock.MockProvider) {
	t.Helper()
	server, provider, _ := newTestServer(t)
	handler := NewHandler(server, server.logger)
	t.Cleanup(handler.Stop)
	return handler, provider
}

func decodeJSON(t *testing.T, resp *http.Response, target any) {
	t.Helper()
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Fatalf("Content-Type = %q, want application/json", ct)
	}
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestHandlerAuthorizeRedirects(t *testing.T) {
	handler, _ := newTestHandler(t)
	ts := httptest.NewServer(handler.Routes())
	defer ts.Close()

	client := &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	resp, err := client.Get(ts.URL + "/oauth/authorize?userId=alice&service=gmail")
	if err != nil {
		t.Fatalf("GET /oauth/authorize error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusFound {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusFound)
	}

	location := resp.Header.Get("Location")
	if !strings.HasPrefix(location, "https://mock.example.com/authorize") {
		t.Errorf("Location = %q, want provider consent URL", location)
	}
	parsed, err := url.Parse(location)
	if err != nil {
		t.Fatalf("parse Location: %v", err)
	}
	if parsed.Query().Get("state") == "" {
		t.Error("consent URL carries no state token")
	}
}

func TestHandlerAuthorizeUnknownService(t *testing.T) {
	handler, _ := newTestHandler(t)
	ts := httptest.NewServer(handler.Routes())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/oauth/authorize?userId=alice&service=nonexistent")
	if err != nil {
		t.Fatalf("GET /oauth/authorize error = %v", err)
	}

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}

	var body ErrorResponse
	decodeJSON(t, resp, &body)
	if body.Error != ErrorCodeUnknownService {
		t.Errorf("error = %q, want %q", body.Error, ErrorCodeUnknownService)
	}
}

// startFlow runs the authorize request and extracts the state token from
// the redirect.
func startFlow(t *testing.T, ts *httptest.Server, userID, service string) string {
	t.Helper()

	client := &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	resp, err := client.Get(ts.URL + "/oauth/authorize?userId=" + userID + "&service=" + service)
	if err != nil {
		t.Fatalf("GET /oauth/authorize error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusFound {
		t.Fatalf("authorize status = %d, want %d", resp.StatusCode, http.StatusFound)
	}
	parsed, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatalf("parse Location: %v", err)
	}
	state := parsed.Query().Get("state")
	if state == "" {
		t.Fatal("no state in consent URL")
	}
	return state
}

func TestHandlerFullFlow(t *testing.T) {
	handler, _ := newTestHandler(t)
	ts := httptest.NewServer(handler.Routes())
	defer ts.Close()

	state := startFlow(t, ts, "alice", "gmail")

	// Provider callback renders an HTML success page.
	resp, err := http.Get(ts.URL + "/oauth/callback?code=auth-code&state=" + state)
	if err != nil {
		t.Fatalf("GET /oauth/callback error = %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("callback status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("callback Content-Type = %q, want text/html", ct)
	}
	resp.Body.Close()

	// The token endpoint hands out the plaintext access token.
	resp, err = http.Get(ts.URL + "/api/token/alice/gmail")
	if err != nil {
		t.Fatalf("GET /api/token error = %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("token status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	var token TokenInfo
	decodeJSON(t, resp, &token)
	if token.AccessToken != "mock-access-token" {
		t.Errorf("access_token = %q, want %q", token.AccessToken, "mock-access-token")
	}
	if token.TokenType != "Bearer" || token.UserID != "alice" || token.Service != "gmail" {
		t.Errorf("token metadata = %+v", token)
	}

	// The listing shows the authorized service without token material.
	resp, err = http.Get(ts.URL + "/api/tokens/alice")
	if err != nil {
		t.Fatalf("GET /api/tokens error = %v", err)
	}
	var listing UserTokensResponse
	decodeJSON(t, resp, &listing)
	if listing.TotalServices != 1 || listing.AuthorizedServices[0].Service != "gmail" {
		t.Errorf("listing = %+v, want one gmail entry", listing)
	}

	// Deletion succeeds once, then the credential is gone.
	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/token/alice/gmail", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE /api/token error = %v", err)
	}
	var deleted DeleteResponse
	decodeJSON(t, resp, &deleted)
	if !deleted.Success {
		t.Error("delete reported failure")
	}

	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("second DELETE error = %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("second delete status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/api/token/alice/gmail")
	if err != nil {
		t.Fatalf("GET /api/token error = %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("token status after delete = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
	resp.Body.Close()
}

func TestHandlerCallbackInvalidState(t *testing.T) {
	handler, _ := newTestHandler(t)
	ts := httptest.NewServer(handler.Routes())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/oauth/callback?code=auth-code&state=forged")
	if err != nil {
		t.Fatalf("GET /oauth/callback error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type = %q, want text/html error page", ct)
	}
}

func TestHandlerCallbackProviderDenial(t *testing.T) {
	handler, provider := newTestHandler(t)
	ts := httptest.NewServer(handler.Routes())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/oauth/callback?error=access_denied")
	if err != nil {
		t.Fatalf("GET /oauth/callback error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
	if provider.GetCallCount("Exchange") != 0 {
		t.Error("denied callback still exchanged a code")
	}
}

func TestHandlerRefreshUnavailableMapsToConflict(t *testing.T) {
	handler, provider := newTestHandler(t)
	ts := httptest.NewServer(handler.Routes())
	defer ts.Close()

	provider.ExchangeFunc = func(ctx context.Context, code string) (*providers.Token, error) {
		return &providers.Token{
			AccessToken: "expired-token",
			TokenType:   "Bearer",
			Expiry:      time.Now().Add(-time.Minute),
		}, nil
	}

	state := startFlow(t, ts, "alice", "gmail")
	resp, err := http.Get(ts.URL + "/oauth/callback?code=auth-code&state=" + state)
	if err != nil {
		t.Fatalf("GET /oauth/callback error = %v", err)
	}
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/api/token/alice/gmail")
	if err != nil {
		t.Fatalf("GET /api/token error = %v", err)
	}
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusConflict)
	}

	var body ErrorResponse
	decodeJSON(t, resp, &body)
	if body.Error != ErrorCodeRefreshUnavailable {
		t.Errorf("error = %q, want %q", body.Error, ErrorCodeRefreshUnavailable)
	}
	if strings.Contains(body.ErrorDescription, "expired-token") {
		t.Error("error description leaks token material")
	}
}

func TestHandlerHealth(t *testing.T) {
	handler, _ := newTestHandler(t)
	ts := httptest.NewServer(handler.Routes())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health error = %v", err)
	}

	var health HealthResponse
	decodeJSON(t, resp, &health)
	if health.Status != "healthy" {
		t.Errorf("status = %q, want healthy", health.Status)
	}
	if health.Provider != "mock" {
		t.Errorf("provider = %q, want mock", health.Provider)
	}
	if len(health.Services) == 0 {
		t.Error("no services reported")
	}
}

func TestHandlerHealthDegraded(t *testing.T) {
	handler, provider := newTestHandler(t)
	provider.HealthCheckFunc = func(ctx context.Context) error {
		return errors.New("provider unreachable")
	}
	ts := httptest.NewServer(handler.Routes())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health error = %v", err)
	}

	var health HealthResponse
	decodeJSON(t, resp, &health)
	if health.Status != "degraded" {
		t.Errorf("status = %q, want degraded", health.Status)
	}
}

func TestHandlerServiceInfo(t *testing.T) {
	handler, _ := newTestHandler(t)
	ts := httptest.NewServer(handler.Routes())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("GET / error = %v", err)
	}

	var info ServiceInfoResponse
	decodeJSON(t, resp, &info)
	if info.Service != "oauth-broker" {
		t.Errorf("service = %q, want oauth-broker", info.Service)
	}
	if len(info.SupportedServices) == 0 {
		t.Error("no supported services listed")
	}
}

func TestHandlerRequestIDHeader(t *testing.T) {
	handler, _ := newTestHandler(t)
	ts := httptest.NewServer(handler.Routes())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health error = %v", err)
	}
	defer resp.Body.Close()

	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("response missing X-Request-ID header")
	}
}

func TestHandlerRateLimit(t *testing.T) {
	server, _, _ := newTestServer(t)
	server.config.RateLimit = RateLimitConfig{Rate: 1, Burst: 2}

	handler := NewHandler(server, server.logger)
	t.Cleanup(handler.Stop)

	ts := httptest.NewServer(handler.Routes())
	defer ts.Close()

	var lastStatus int
	for i := 0; i < 5; i++ {
		resp, err := http.Get(ts.URL + "/api/tokens/alice")
		if err != nil {
			t.Fatalf("GET error = %v", err)
		}
		lastStatus = resp.StatusCode
		resp.Body.Close()
	}

	if lastStatus != http.StatusTooManyRequests {
		t.Errorf("status after burst = %d, want %d", lastStatus, http.StatusTooManyRequests)
	}
}
