package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pramaia/oauth-broker/security"
	"github.com/pramaia/oauth-broker/storage"
)

// AccessToken returns a valid plaintext access token for the user and
// service, refreshing it first when it is expired or within the refresh
// margin of expiry. Callers always receive a token good for at least the
// margin, or an error; they never see an expired token.
//
// Concurrent calls for the same credential are coalesced: one provider
// refresh runs, everyone gets its result. Calls for different credentials
// never block each other.
func (s *Server) AccessToken(ctx context.Context, userID, service string) (*TokenInfo, error) {
	key := storage.Key{UserID: userID, Service: service}

	cred, err := s.credStore.Get(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrCredentialNotFound) {
			return nil, ErrCredentialNotFound(fmt.Sprintf("no credential stored for service %q", service))
		}
		s.logger.Error("Failed to load credential", "user_id", userID, "service", service, "error", err)
		return nil, ErrServerError("failed to load credential")
	}

	accessToken, err := s.decryptToken(ctx, cred.AccessToken, userID, service)
	if err != nil {
		return nil, err
	}

	if !security.IsTokenExpiringSoon(cred.Expiry, s.config.RefreshMargin) {
		return &TokenInfo{
			AccessToken: accessToken,
			TokenType:   cred.TokenType,
			UserID:      userID,
			Service:     service,
		}, nil
	}

	// Coalesce concurrent refreshes of the same credential into a single
	// provider exchange. Shared is true for every caller that piggybacked
	// on another's refresh.
	result, err, shared := s.refreshGroup.Do(key.String(), func() (interface{}, error) {
		return s.refreshCredential(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	if shared && s.inst != nil {
		s.inst.Metrics().RecordRefreshCoalesced(ctx, service)
	}

	return result.(*TokenInfo), nil
}

// refreshCredential performs one provider refresh for key and persists the
// result. It runs under the per-key lock so no other writer touches the
// credential mid-refresh, and detached from the caller's cancellation so a
// disconnect cannot leave a provider-rotated token unpersisted.
func (s *Server) refreshCredential(ctx context.Context, key storage.Key) (*TokenInfo, error) {
	unlock := s.refreshLocks.Lock(key.String())
	defer unlock()

	// Re-read under the lock: a refresh that finished while this caller
	// waited already wrote a fresh token.
	cred, err := s.credStore.Get(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrCredentialNotFound) {
			return nil, ErrCredentialNotFound(fmt.Sprintf("no credential stored for service %q", key.Service))
		}
		s.logger.Error("Failed to load credential", "user_id", key.UserID, "service", key.Service, "error", err)
		return nil, ErrServerError("failed to load credential")
	}

	if !security.IsTokenExpiringSoon(cred.Expiry, s.config.RefreshMargin) {
		accessToken, err := s.decryptToken(ctx, cred.AccessToken, key.UserID, key.Service)
		if err != nil {
			return nil, err
		}
		return &TokenInfo{
			AccessToken: accessToken,
			TokenType:   cred.TokenType,
			UserID:      key.UserID,
			Service:     key.Service,
		}, nil
	}

	if !cred.HasRefreshToken() {
		return nil, ErrRefreshUnavailable(fmt.Sprintf("token for service %q is expired and no refresh token is stored; re-authorization required", key.Service))
	}

	refreshToken, err := s.decryptToken(ctx, cred.RefreshToken, key.UserID, key.Service)
	if err != nil {
		return nil, err
	}

	// Detach from the caller: once the provider rotates a refresh token the
	// new one must be persisted or the credential is permanently broken.
	refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.ProviderTimeout)
	defer cancel()

	startTime := time.Now()
	token, err := s.provider.Refresh(refreshCtx, refreshToken)
	if s.inst != nil {
		s.inst.Metrics().RecordProviderAPICall(ctx, s.provider.Name(), "refresh",
			float64(time.Since(startTime).Milliseconds()), err)
	}
	if err != nil {
		// Stored state stays untouched; the next call may succeed on a
		// transient provider failure.
		s.logger.Error("Token refresh failed",
			"user_id", key.UserID,
			"service", key.Service,
			"provider", s.provider.Name(),
			"error", err)
		return nil, ErrProviderExchangeFailed("provider rejected the refresh request")
	}

	// An empty refresh token in the result means the provider did not
	// rotate; the stored one stays valid.
	rotated := token.RefreshToken != ""
	newRefreshToken := refreshToken
	if rotated {
		newRefreshToken = token.RefreshToken
	}

	updated, err := s.encryptCredential(key.UserID, key.Service, token.AccessToken, newRefreshToken, token.TokenType, token.Expiry, cred.Scopes)
	if err != nil {
		s.logger.Error("Failed to encrypt refreshed tokens", "user_id", key.UserID, "service", key.Service, "error", err)
		return nil, ErrServerError("failed to store refreshed credential")
	}

	if err := s.credStore.Upsert(refreshCtx, updated); err != nil {
		s.logger.Error("Failed to store refreshed credential", "user_id", key.UserID, "service", key.Service, "error", err)
		return nil, ErrServerError("failed to store refreshed credential")
	}

	s.logger.Info("Token refreshed",
		"user_id", key.UserID,
		"service", key.Service,
		"rotated", rotated)
	s.auditor.LogTokenRefreshed(key.UserID, key.Service, rotated)
	if s.inst != nil {
		s.inst.Metrics().RecordTokenRefresh(ctx, key.Service, rotated)
	}

	return &TokenInfo{
		AccessToken: token.AccessToken,
		TokenType:   token.TokenType,
		UserID:      key.UserID,
		Service:     key.Service,
	}, nil
}

// decryptToken decrypts stored ciphertext, translating failures into the
// decryption error surface. A failure here means the key changed or the
// record was corrupted; it is never silently swallowed.
func (s *Server) decryptToken(ctx context.Context, ciphertext []byte, userID, service string) (string, error) {
	plaintext, err := s.encryptor.Decrypt(ciphertext)
	if err != nil {
		s.logger.Error("Failed to decrypt stored token", "user_id", userID, "service", service)
		s.auditor.LogDecryptionFailure(userID, service)
		if s.inst != nil {
			s.inst.Metrics().RecordDecryptionFailure(ctx, service)
		}
		return "", ErrDecryptionFailed(fmt.Sprintf("stored token for service %q cannot be decrypted; re-authorization required", service))
	}
	return string(plaintext), nil
}

// Revoke deletes the stored credential for the user and service, attempting
// best-effort revocation at the provider first. It reports whether a
// credential existed.
func (s *Server) Revoke(ctx context.Context, userID, service string) (bool, error) {
	key := storage.Key{UserID: userID, Service: service}

	unlock := s.refreshLocks.Lock(key.String())
	defer unlock()

	cred, err := s.credStore.Get(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrCredentialNotFound) {
			return false, nil
		}
		s.logger.Error("Failed to load credential", "user_id", userID, "service", service, "error", err)
		return false, ErrServerError("failed to load credential")
	}

	// Revoking the refresh token at the provider also invalidates access
	// tokens issued from it. Best effort: the local delete proceeds even
	// when the provider call fails.
	if cred.HasRefreshToken() {
		if refreshToken, err := s.encryptor.Decrypt(cred.RefreshToken); err == nil {
			revokeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.ProviderTimeout)
			if err := s.provider.Revoke(revokeCtx, string(refreshToken)); err != nil {
				s.logger.Warn("Provider-side revocation failed",
					"user_id", userID,
					"service", service,
					"error", err)
			}
			cancel()
		}
	}

	existed, err := s.credStore.Delete(ctx, key)
	if err != nil {
		s.logger.Error("Failed to delete credential", "user_id", userID, "service", service, "error", err)
		return false, ErrServerError("failed to delete credential")
	}

	if existed {
		s.logger.Info("Credential revoked", "user_id", userID, "service", service)
		s.auditor.LogTokenRevoked(userID, service)
		if s.inst != nil {
			s.inst.Metrics().RecordTokenRevocation(ctx, service)
		}
	}

	return existed, nil
}

// ListServices returns the metadata of all credentials stored for a user.
// The listing never contains token material.
func (s *Server) ListServices(ctx context.Context, userID string) (*UserTokensResponse, error) {
	summaries, err := s.credStore.ListByUser(ctx, userID)
	if err != nil {
		s.logger.Error("Failed to list credentials", "user_id", userID, "error", err)
		return nil, ErrServerError("failed to list credentials")
	}

	statuses := make([]ServiceTokenStatus, 0, len(summaries))
	for _, summary := range summaries {
		statuses = append(statuses, ServiceTokenStatus{
			Service:         summary.Service,
			Expiry:          summary.Expiry,
			Expired:         security.IsTokenExpired(summary.Expiry),
			HasRefreshToken: summary.HasRefreshToken,
			CreatedAt:       summary.CreatedAt,
			UpdatedAt:       summary.UpdatedAt,
		})
	}

	return &UserTokensResponse{
		UserID:             userID,
		AuthorizedServices: statuses,
		TotalServices:      len(statuses),
	}, nil
}
