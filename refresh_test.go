package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pramaia/oauth-broker/internal/testutil"
	"github.com/pramaia/oauth-broker/providers"
	"github.com/pramaia/oauth-broker/storage"
)

func TestAccessTokenFreshNoRefresh(t *testing.T) {
	server, provider, _ := newTestServer(t)
	ctx := context.Background()

	provider.ExchangeFunc = func(ctx context.Context, code string) (*providers.Token, error) {
		return &providers.Token{
			AccessToken:  "fresh-token",
			RefreshToken: "refresh",
			TokenType:    "Bearer",
			Expiry:       time.Now().Add(time.Hour),
		}, nil
	}
	resp, _ := server.StartAuthorizationFlow(ctx, "alice", "gmail")
	if _, err := server.CompleteAuthorizationFlow(ctx, "code", resp.State); err != nil {
		t.Fatalf("CompleteAuthorizationFlow() error = %v", err)
	}

	token, err := server.AccessToken(ctx, "alice", "gmail")
	if err != nil {
		t.Fatalf("AccessToken() error = %v", err)
	}
	if token.AccessToken != "fresh-token" {
		t.Errorf("AccessToken = %q, want %q", token.AccessToken, "fresh-token")
	}
	if token.UserID != "alice" || token.Service != "gmail" {
		t.Errorf("token identity = %s/%s, want alice/gmail", token.UserID, token.Service)
	}

	if provider.GetCallCount("Refresh") != 0 {
		t.Error("fresh token triggered a provider refresh")
	}
}

func TestAccessTokenRefreshesNearExpiry(t *testing.T) {
	server, provider, store := newTestServer(t)
	ctx := context.Background()

	// Expiry inside the 60s refresh margin.
	provider.ExchangeFunc = func(ctx context.Context, code string) (*providers.Token, error) {
		return &providers.Token{
			AccessToken:  "old-token",
			RefreshToken: "refresh-1",
			TokenType:    "Bearer",
			Expiry:       time.Now().Add(30 * time.Second),
		}, nil
	}
	resp, _ := server.StartAuthorizationFlow(ctx, "alice", "gmail")
	if _, err := server.CompleteAuthorizationFlow(ctx, "code", resp.State); err != nil {
		t.Fatalf("CompleteAuthorizationFlow() error = %v", err)
	}

	var gotRefreshToken string
	provider.RefreshFunc = func(ctx context.Context, refreshToken string) (*providers.Token, error) {
		gotRefreshToken = refreshToken
		return &providers.Token{
			AccessToken: "new-token",
			TokenType:   "Bearer",
			Expiry:      time.Now().Add(time.Hour),
		}, nil
	}

	token, err := server.AccessToken(ctx, "alice", "gmail")
	if err != nil {
		t.Fatalf("AccessToken() error = %v", err)
	}
	if token.AccessToken != "new-token" {
		t.Errorf("AccessToken = %q, want refreshed %q", token.AccessToken, "new-token")
	}
	if gotRefreshToken != "refresh-1" {
		t.Errorf("provider received refresh token %q, want %q", gotRefreshToken, "refresh-1")
	}

	// The refreshed token must be persisted with the new expiry.
	stored, err := store.Get(ctx, storage.Key{UserID: "alice", Service: "gmail"})
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !stored.Expiry.After(time.Now().Add(30 * time.Minute)) {
		t.Error("refreshed expiry not persisted")
	}

	// The old refresh token stays when the provider did not rotate.
	provider.RefreshFunc = func(ctx context.Context, refreshToken string) (*providers.Token, error) {
		gotRefreshToken = refreshToken
		return &providers.Token{
			AccessToken: "newer-token",
			TokenType:   "Bearer",
			Expiry:      time.Now().Add(time.Hour),
		}, nil
	}
	// Force another refresh by rewriting the expiry into the margin.
	stored.Expiry = time.Now().Add(10 * time.Second)
	if err := store.Upsert(ctx, stored); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if _, err := server.AccessToken(ctx, "alice", "gmail"); err != nil {
		t.Fatalf("AccessToken() error = %v", err)
	}
	if gotRefreshToken != "refresh-1" {
		t.Errorf("second refresh used token %q, want retained %q", gotRefreshToken, "refresh-1")
	}
}

func TestAccessTokenRefreshRotation(t *testing.T) {
	server, provider, store := newTestServer(t)
	ctx := context.Background()

	provider.ExchangeFunc = func(ctx context.Context, code string) (*providers.Token, error) {
		return &providers.Token{
			AccessToken:  "old-token",
			RefreshToken: "refresh-1",
			TokenType:    "Bearer",
			Expiry:       time.Now().Add(10 * time.Second),
		}, nil
	}
	resp, _ := server.StartAuthorizationFlow(ctx, "alice", "gmail")
	if _, err := server.CompleteAuthorizationFlow(ctx, "code", resp.State); err != nil {
		t.Fatalf("CompleteAuthorizationFlow() error = %v", err)
	}

	// Provider rotates the refresh token.
	provider.RefreshFunc = func(ctx context.Context, refreshToken string) (*providers.Token, error) {
		return &providers.Token{
			AccessToken:  "new-token",
			RefreshToken: "refresh-2",
			TokenType:    "Bearer",
			Expiry:       time.Now().Add(time.Hour),
		}, nil
	}
	if _, err := server.AccessToken(ctx, "alice", "gmail"); err != nil {
		t.Fatalf("AccessToken() error = %v", err)
	}

	// The next refresh must present the rotated token.
	var gotRefreshToken string
	provider.RefreshFunc = func(ctx context.Context, refreshToken string) (*providers.Token, error) {
		gotRefreshToken = refreshToken
		return &providers.Token{
			AccessToken: "newest-token",
			TokenType:   "Bearer",
			Expiry:      time.Now().Add(time.Hour),
		}, nil
	}
	stored, _ := store.Get(ctx, storage.Key{UserID: "alice", Service: "gmail"})
	stored.Expiry = time.Now().Add(10 * time.Second)
	if err := store.Upsert(ctx, stored); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if _, err := server.AccessToken(ctx, "alice", "gmail"); err != nil {
		t.Fatalf("AccessToken() error = %v", err)
	}
	if gotRefreshToken != "refresh-2" {
		t.Errorf("refresh used token %q, want rotated %q", gotRefreshToken, "refresh-2")
	}
}

func TestAccessTokenNotFound(t *testing.T) {
	server, _, _ := newTestServer(t)

	_, err := server.AccessToken(context.Background(), "nobody", "gmail")
	assertBrokerError(t, err, ErrorCodeCredentialNotFound)
}

func TestAccessTokenRefreshUnavailable(t *testing.T) {
	server, provider, _ := newTestServer(t)
	ctx := context.Background()

	// Expired credential without a refresh token.
	provider.ExchangeFunc = func(ctx context.Context, code string) (*providers.Token, error) {
		token := testutil.GenerateTestTokenWithExpiry(time.Now().Add(-time.Minute))
		token.RefreshToken = ""
		return token, nil
	}
	resp, _ := server.StartAuthorizationFlow(ctx, "alice", "gmail")
	if _, err := server.CompleteAuthorizationFlow(ctx, "code", resp.State); err != nil {
		t.Fatalf("CompleteAuthorizationFlow() error = %v", err)
	}

	_, err := server.AccessToken(ctx, "alice", "gmail")
	assertBrokerError(t, err, ErrorCodeRefreshUnavailable)

	if provider.GetCallCount("Refresh") != 0 {
		t.Error("refresh attempted without a refresh token")
	}
}

func TestAccessTokenDecryptionFailure(t *testing.T) {
	server, _, store := newTestServer(t)
	ctx := context.Background()

	// Random bytes that were never produced by the broker's encryptor.
	cred := &storage.Credential{
		UserID:      "alice",
		Service:     "gmail",
		AccessToken: []byte(testutil.GenerateRandomString(32)),
		TokenType:   "Bearer",
		Expiry:      time.Now().Add(time.Hour),
	}
	if err := store.Upsert(ctx, cred); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	_, err := server.AccessToken(ctx, "alice", "gmail")
	assertBrokerError(t, err, ErrorCodeDecryptionFailed)
}

func TestAccessTokenRefreshFailureLeavesStateUntouched(t *testing.T) {
	server, provider, store := newTestServer(t)
	ctx := context.Background()

	provider.ExchangeFunc = func(ctx context.Context, code string) (*providers.Token, error) {
		return &providers.Token{
			AccessToken:  "old-token",
			RefreshToken: "refresh-1",
			TokenType:    "Bearer",
			Expiry:       time.Now().Add(10 * time.Second),
		}, nil
	}
	resp, _ := server.StartAuthorizationFlow(ctx, "alice", "gmail")
	if _, err := server.CompleteAuthorizationFlow(ctx, "code", resp.State); err != nil {
		t.Fatalf("CompleteAuthorizationFlow() error = %v", err)
	}

	before, _ := store.Get(ctx, storage.Key{UserID: "alice", Service: "gmail"})

	provider.RefreshFunc = func(ctx context.Context, refreshToken string) (*providers.Token, error) {
		return nil, errors.New("temporarily unavailable")
	}

	_, err := server.AccessToken(ctx, "alice", "gmail")
	assertBrokerError(t, err, ErrorCodeProviderExchangeFailed)

	after, getErr := store.Get(ctx, storage.Key{UserID: "alice", Service: "gmail"})
	if getErr != nil {
		t.Fatalf("Get() error = %v", getErr)
	}
	if string(after.AccessToken) != string(before.AccessToken) {
		t.Error("failed refresh modified the stored access token")
	}
	if string(after.RefreshToken) != string(before.RefreshToken) {
		t.Error("failed refresh modified the stored refresh token")
	}
}

func TestConcurrentRefreshCoalesced(t *testing.T) {
	server, provider, _ := newTestServer(t)
	ctx := context.Background()

	provider.ExchangeFunc = func(ctx context.Context, code string) (*providers.Token, error) {
		return &providers.Token{
			AccessToken:  "old-token",
			RefreshToken: "refresh-1",
			TokenType:    "Bearer",
			Expiry:       time.Now().Add(10 * time.Second),
		}, nil
	}
	resp, _ := server.StartAuthorizationFlow(ctx, "alice", "gmail")
	if _, err := server.CompleteAuthorizationFlow(ctx, "code", resp.State); err != nil {
		t.Fatalf("CompleteAuthorizationFlow() error = %v", err)
	}

	// A slow provider makes all callers arrive while the refresh is in
	// flight, so they must all ride the same exchange.
	provider.RefreshFunc = func(ctx context.Context, refreshToken string) (*providers.Token, error) {
		time.Sleep(50 * time.Millisecond)
		return &providers.Token{
			AccessToken: "new-token",
			TokenType:   "Bearer",
			Expiry:      time.Now().Add(time.Hour),
		}, nil
	}

	const callers = 10
	var wg sync.WaitGroup
	results := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			token, err := server.AccessToken(ctx, "alice", "gmail")
			if err != nil {
				errs[i] = err
				return
			}
			results[i] = token.AccessToken
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d error = %v", i, errs[i])
		}
		if results[i] != "new-token" {
			t.Errorf("caller %d got %q, want %q", i, results[i], "new-token")
		}
	}

	if got := provider.GetCallCount("Refresh"); got != 1 {
		t.Errorf("provider Refresh called %d times, want 1", got)
	}
}

func TestRevoke(t *testing.T) {
	server, provider, _ := newTestServer(t)
	ctx := context.Background()

	resp, _ := server.StartAuthorizationFlow(ctx, "alice", "gmail")
	if _, err := server.CompleteAuthorizationFlow(ctx, "code", resp.State); err != nil {
		t.Fatalf("CompleteAuthorizationFlow() error = %v", err)
	}

	var revokedToken string
	provider.RevokeFunc = func(ctx context.Context, token string) error {
		revokedToken = token
		return nil
	}

	existed, err := server.Revoke(ctx, "alice", "gmail")
	if err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}
	if !existed {
		t.Error("Revoke() = false, want true")
	}
	if revokedToken != "mock-refresh-token" {
		t.Errorf("provider revoked %q, want the plaintext refresh token", revokedToken)
	}

	// Second revocation: nothing left to delete.
	existed, err = server.Revoke(ctx, "alice", "gmail")
	if err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}
	if existed {
		t.Error("second Revoke() = true, want false")
	}

	_, err = server.AccessToken(ctx, "alice", "gmail")
	assertBrokerError(t, err, ErrorCodeCredentialNotFound)
}

func TestRevokeProceedsOnProviderFailure(t *testing.T) {
	server, provider, _ := newTestServer(t)
	ctx := context.Background()

	resp, _ := server.StartAuthorizationFlow(ctx, "alice", "gmail")
	if _, err := server.CompleteAuthorizationFlow(ctx, "code", resp.State); err != nil {
		t.Fatalf("CompleteAuthorizationFlow() error = %v", err)
	}

	provider.RevokeFunc = func(ctx context.Context, token string) error {
		return errors.New("revocation endpoint down")
	}

	existed, err := server.Revoke(ctx, "alice", "gmail")
	if err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}
	if !existed {
		t.Error("local deletion blocked by provider failure")
	}
}

func TestListServices(t *testing.T) {
	server, provider, _ := newTestServer(t)
	ctx := context.Background()

	for _, service := range []string{"gmail", "drive"} {
		provider.ExchangeFunc = func(ctx context.Context, code string) (*providers.Token, error) {
			return testutil.GenerateTestToken(), nil
		}
		resp, _ := server.StartAuthorizationFlow(ctx, "alice", service)
		if _, err := server.CompleteAuthorizationFlow(ctx, "code", resp.State); err != nil {
			t.Fatalf("CompleteAuthorizationFlow(%s) error = %v", service, err)
		}
	}

	listing, err := server.ListServices(ctx, "alice")
	if err != nil {
		t.Fatalf("ListServices() error = %v", err)
	}

	if listing.TotalServices != 2 {
		t.Fatalf("TotalServices = %d, want 2", listing.TotalServices)
	}
	want := []string{"drive", "gmail"}
	for i, status := range listing.AuthorizedServices {
		if status.Service != want[i] {
			t.Errorf("service[%d] = %q, want %q", i, status.Service, want[i])
		}
		if status.Expired {
			t.Errorf("service[%d] reported expired", i)
		}
		if !status.HasRefreshToken {
			t.Errorf("service[%d] missing refresh token flag", i)
		}
	}

	// A user with no credentials gets an empty listing, not an error.
	empty, err := server.ListServices(ctx, "nobody")
	if err != nil {
		t.Fatalf("ListServices() error = %v", err)
	}
	if empty.TotalServices != 0 {
		t.Errorf("TotalServices = %d, want 0", empty.TotalServices)
	}
}
