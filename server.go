// Package broker implements a centralized OAuth2 credential broker: it walks
// users through the provider consent flow, stores the resulting tokens
// encrypted at rest, and hands internal services valid access tokens,
// refreshing them behind the scenes when they near expiry.
package broker

import (
	"fmt"
	"log/slog"
	"net/http"

	"golang.org/x/sync/singleflight"

	"github.com/pramaia/oauth-broker/instrumentation"
	"github.com/pramaia/oauth-broker/internal/keylock"
	"github.com/pramaia/oauth-broker/providers"
	"github.com/pramaia/oauth-broker/scopes"
	"github.com/pramaia/oauth-broker/security"
	"github.com/pramaia/oauth-broker/storage"
)

// Server coordinates the authorization flow and token lifecycle. It is
// provider-agnostic: all upstream communication goes through the Provider
// interface.
type Server struct {
	provider  providers.Provider
	credStore storage.CredentialStore
	flowStore storage.FlowStore
	registry  *scopes.Registry
	encryptor *security.Encryptor
	auditor   *security.Auditor
	logger    *slog.Logger
	config    *Config

	// Per-key refresh coordination: refreshLocks serializes writers for a
	// credential, refreshGroup coalesces concurrent refreshes into a single
	// provider exchange.
	refreshLocks *keylock.KeyLock
	refreshGroup singleflight.Group

	inst *instrumentation.Instrumentation
}

// NewServer creates a new broker server. The registry may be nil, in which
// case the default Google service table is used.
func NewServer(
	provider providers.Provider,
	credStore storage.CredentialStore,
	flowStore storage.FlowStore,
	registry *scopes.Registry,
	config *Config,
) (*Server, error) {
	if provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if credStore == nil {
		return nil, fmt.Errorf("credential store is required")
	}
	if flowStore == nil {
		return nil, fmt.Errorf("flow store is required")
	}
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if registry == nil {
		registry = scopes.Default()
	}

	applyDefaults(config)

	encryptor, err := security.NewEncryptor(config.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: %w", err)
	}

	return &Server{
		provider:     provider,
		credStore:    credStore,
		flowStore:    flowStore,
		registry:     registry,
		encryptor:    encryptor,
		auditor:      security.NewAuditor(logger, config.EnableAuditLogging),
		logger:       logger,
		config:       config,
		refreshLocks: keylock.New(),
	}, nil
}

func applyDefaults(config *Config) {
	if config.StateTTL <= 0 {
		config.StateTTL = DefaultStateTTL
	}
	if config.RefreshMargin <= 0 {
		config.RefreshMargin = security.DefaultRefreshMargin
	}
	if config.ProviderTimeout <= 0 {
		config.ProviderTimeout = DefaultProviderTimeout
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{Timeout: config.ProviderTimeout}
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for the server.
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.inst = inst
}

// Registry returns the service scope registry.
func (s *Server) Registry() *scopes.Registry {
	return s.registry
}

// Provider returns the configured provider.
func (s *Server) Provider() providers.Provider {
	return s.provider
}
