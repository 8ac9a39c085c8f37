package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/oauth2"

	"github.com/pramaia/oauth-broker/internal/util"
	"github.com/pramaia/oauth-broker/storage"
)

// StartAuthorizationFlow begins the consent flow for a user and service. It
// registers a pending authorization state and returns the provider consent
// URL to redirect the user to, plus the state token bound to this flow.
func (s *Server) StartAuthorizationFlow(ctx context.Context, userID, service string) (*AuthorizationResponse, error) {
	if userID == "" {
		return nil, ErrInvalidRequest("userId is required")
	}

	requestedScopes, err := s.registry.ScopesFor(service)
	if err != nil {
		return nil, ErrUnknownService(fmt.Sprintf("no scope set registered for service %q", service))
	}

	// The state token doubles as CSRF protection and flow correlation;
	// GenerateVerifier gives 256 bits of crypto-random entropy.
	stateToken := oauth2.GenerateVerifier()

	now := time.Now()
	state := &storage.AuthorizationState{
		State:     stateToken,
		UserID:    userID,
		Service:   service,
		CreatedAt: now,
		ExpiresAt: now.Add(s.config.StateTTL),
	}
	if err := s.flowStore.SaveAuthorizationState(ctx, state); err != nil {
		s.logger.Error("Failed to save authorization state", "error", err)
		return nil, ErrServerError("failed to start authorization flow")
	}

	authURL := s.provider.AuthorizationURL(stateToken, requestedScopes)

	s.logger.Info("Authorization flow started",
		"user_id", userID,
		"service", service,
		"provider", s.provider.Name())
	if s.inst != nil {
		s.inst.Metrics().RecordAuthorizationStarted(ctx, service)
	}

	return &AuthorizationResponse{
		AuthorizationURL: authURL,
		State:            stateToken,
	}, nil
}

// CompleteAuthorizationFlow handles the provider callback. The state is
// consumed atomically before anything else, so a given callback can succeed
// at most once; replayed, expired, or forged states fail with InvalidState.
// On success exactly one credential record is written, holding both tokens
// encrypted together with the provider-reported expiry and granted scopes.
func (s *Server) CompleteAuthorizationFlow(ctx context.Context, code, stateToken string) (*storage.Credential, error) {
	if code == "" || stateToken == "" {
		s.auditor.LogCallbackRejected("missing code or state")
		return nil, ErrInvalidRequest("code and state are required")
	}

	state, err := s.flowStore.ConsumeAuthorizationState(ctx, stateToken)
	if err != nil {
		if errors.Is(err, storage.ErrStateNotFound) {
			s.logger.Warn("Callback with unusable state",
				"state_prefix", util.SafeTruncate(stateToken, 8))
			s.auditor.LogCallbackRejected("unknown, expired, or already used state")
			if s.inst != nil {
				s.inst.Metrics().RecordCallbackProcessed(ctx, "unknown", false)
			}
			return nil, ErrInvalidState("state is unknown, expired, or already used")
		}
		s.logger.Error("Failed to consume authorization state", "error", err)
		return nil, ErrServerError("failed to process callback")
	}

	requestedScopes, err := s.registry.ScopesFor(state.Service)
	if err != nil {
		// Registry changed between start and callback.
		return nil, ErrUnknownService(fmt.Sprintf("no scope set registered for service %q", state.Service))
	}

	// The exchange and persist run detached from the caller's cancellation:
	// once the provider issues tokens they must be stored, or the user's
	// consent is lost while the provider considers it granted.
	exchangeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.ProviderTimeout)
	defer cancel()

	startTime := time.Now()
	token, err := s.provider.Exchange(exchangeCtx, code)
	if s.inst != nil {
		s.inst.Metrics().RecordProviderAPICall(ctx, s.provider.Name(), "exchange",
			float64(time.Since(startTime).Milliseconds()), err)
	}
	if err != nil {
		s.logger.Error("Code exchange failed",
			"user_id", state.UserID,
			"service", state.Service,
			"provider", s.provider.Name(),
			"error", err)
		if s.inst != nil {
			s.inst.Metrics().RecordCallbackProcessed(ctx, state.Service, false)
		}
		return nil, ErrProviderExchangeFailed("provider rejected the authorization code")
	}

	// Verify granted scopes when the provider reports them: a user can
	// deselect scopes on the consent screen, and a credential missing a
	// required scope would fail downstream in confusing ways.
	if len(token.GrantedScopes) > 0 {
		if missing := missingScopes(requestedScopes, token.GrantedScopes); len(missing) > 0 {
			s.logger.Warn("Provider granted fewer scopes than requested",
				"user_id", state.UserID,
				"service", state.Service,
				"missing", missing)
			if s.inst != nil {
				s.inst.Metrics().RecordCallbackProcessed(ctx, state.Service, false)
			}
			return nil, ErrScopeMismatch(fmt.Sprintf("required scopes not granted for service %q", state.Service))
		}
	}

	cred, err := s.encryptCredential(state.UserID, state.Service, token.AccessToken, token.RefreshToken, token.TokenType, token.Expiry, grantedOrRequested(token.GrantedScopes, requestedScopes))
	if err != nil {
		s.logger.Error("Failed to encrypt tokens", "user_id", state.UserID, "service", state.Service, "error", err)
		return nil, ErrServerError("failed to store credential")
	}

	if err := s.credStore.Upsert(exchangeCtx, cred); err != nil {
		s.logger.Error("Failed to store credential", "user_id", state.UserID, "service", state.Service, "error", err)
		return nil, ErrServerError("failed to store credential")
	}

	s.logger.Info("Authorization flow completed",
		"user_id", state.UserID,
		"service", state.Service,
		"has_refresh_token", cred.HasRefreshToken())
	s.auditor.LogAuthorizationCompleted(state.UserID, state.Service, cred.HasRefreshToken())
	if s.inst != nil {
		s.inst.Metrics().RecordCallbackProcessed(ctx, state.Service, true)
	}

	return cred, nil
}

// encryptCredential builds a storage record with both tokens encrypted.
// An empty refresh token maps to nil, recording that offline access was
// not granted.
func (s *Server) encryptCredential(userID, service, accessToken, refreshToken, tokenType string, expiry time.Time, grantedScopes []string) (*storage.Credential, error) {
	encryptedAccess, err := s.encryptor.Encrypt([]byte(accessToken))
	if err != nil {
		return nil, fmt.Errorf("encrypt access token: %w", err)
	}

	var encryptedRefresh []byte
	if refreshToken != "" {
		encryptedRefresh, err = s.encryptor.Encrypt([]byte(refreshToken))
		if err != nil {
			return nil, fmt.Errorf("encrypt refresh token: %w", err)
		}
	}

	if tokenType == "" {
		tokenType = "Bearer"
	}

	return &storage.Credential{
		UserID:       userID,
		Service:      service,
		AccessToken:  encryptedAccess,
		RefreshToken: encryptedRefresh,
		TokenType:    tokenType,
		Expiry:       expiry,
		Scopes:       grantedScopes,
	}, nil
}

// missingScopes returns the required scopes absent from granted.
func missingScopes(required, granted []string) []string {
	grantedSet := make(map[string]struct{}, len(granted))
	for _, scope := range granted {
		grantedSet[scope] = struct{}{}
	}

	var missing []string
	for _, scope := range required {
		if _, ok := grantedSet[scope]; !ok {
			missing = append(missing, scope)
		}
	}
	return missing
}

func grantedOrRequested(granted, requested []string) []string {
	if len(granted) > 0 {
		return granted
	}
	return requested
}
