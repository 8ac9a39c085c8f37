// Command oauth-broker runs the OAuth credential broker as an HTTP service.
// Configuration comes from environment variables; see loadConfig for the
// full list.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	broker "github.com/pramaia/oauth-broker"
	"github.com/pramaia/oauth-broker/instrumentation"
	"github.com/pramaia/oauth-broker/providers/google"
	"github.com/pramaia/oauth-broker/security"
	"github.com/pramaia/oauth-broker/storage"
	"github.com/pramaia/oauth-broker/storage/memory"
	"github.com/pramaia/oauth-broker/storage/postgres"
	"github.com/pramaia/oauth-broker/storage/redis"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("Broker exited with error", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	config, err := loadConfig(logger)
	if err != nil {
		return err
	}

	provider, err := google.NewProvider(&google.Config{
		ClientID:     config.GoogleAuth.ClientID,
		ClientSecret: config.GoogleAuth.ClientSecret,
		RedirectURL:  config.GoogleAuth.RedirectURL,
		HTTPClient:   config.HTTPClient,
	})
	if err != nil {
		return fmt.Errorf("configure google provider: %w", err)
	}

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName:    "oauth-broker",
		ServiceVersion: broker.Version,
		Enabled:        envBool("OTEL_ENABLED", false),
	})
	if err != nil {
		return fmt.Errorf("initialize instrumentation: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := inst.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Instrumentation shutdown failed", "error", err)
		}
	}()

	credStore, flowStore, cleanup, err := buildStores(ctx, logger, inst)
	if err != nil {
		return err
	}
	defer cleanup()

	server, err := broker.NewServer(provider, credStore, flowStore, nil, config)
	if err != nil {
		return fmt.Errorf("configure broker: %w", err)
	}
	server.SetInstrumentation(inst)

	handler := broker.NewHandler(server, logger)
	defer handler.Stop()

	listenAddr := envString("LISTEN_ADDR", ":8080")
	httpServer := &http.Server{
		Addr:              listenAddr,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		logger.Info("Broker listening", "addr", listenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return group.Wait()
}

// buildStores selects storage backends from the environment: PostgreSQL for
// credentials when DATABASE_URL is set, Redis for flow state when REDIS_URL
// is set, in-memory otherwise.
func buildStores(ctx context.Context, logger *slog.Logger, inst *instrumentation.Instrumentation) (storage.CredentialStore, storage.FlowStore, func(), error) {
	memStore := memory.New()
	memStore.SetLogger(logger)

	var credStore storage.CredentialStore = memStore
	var flowStore storage.FlowStore = memStore
	cleanups := []func(){memStore.Stop}

	if databaseURL := os.Getenv("DATABASE_URL"); databaseURL != "" {
		pgStore, err := postgres.New(ctx, databaseURL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("configure postgres store: %w", err)
		}
		pgStore.SetLogger(logger)
		pgStore.SetInstrumentation(inst)
		credStore = pgStore
		cleanups = append(cleanups, pgStore.Close)
		logger.Info("Using PostgreSQL credential store")
	} else {
		memStore.SetInstrumentation(inst)
		logger.Info("Using in-memory credential store")
	}

	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		redisStore, err := redis.New(ctx, redisURL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("configure redis store: %w", err)
		}
		redisStore.SetLogger(logger)
		redisStore.SetInstrumentation(inst)
		flowStore = redisStore
		cleanups = append(cleanups, func() { _ = redisStore.Close() })
		logger.Info("Using Redis flow store")
	}

	cleanup := func() {
		for _, fn := range cleanups {
			fn()
		}
	}
	return credStore, flowStore, cleanup, nil
}

// loadConfig builds the broker configuration from environment variables:
//
//	GOOGLE_CLIENT_ID, GOOGLE_CLIENT_SECRET, OAUTH_REDIRECT_URL (required)
//	ENCRYPTION_KEY            base64 32-byte AES key, or
//	ENCRYPTION_PASSPHRASE     passphrase to derive the key from
//	ENCRYPTION_SALT           salt for passphrase derivation
//	STATE_TTL, REFRESH_MARGIN, PROVIDER_TIMEOUT  durations (e.g. "10m")
//	RATE_LIMIT_RPS, RATE_LIMIT_BURST             per-IP rate limit
//	AUDIT_LOGGING             "true" to enable audit logging
func loadConfig(logger *slog.Logger) (*broker.Config, error) {
	clientID := os.Getenv("GOOGLE_CLIENT_ID")
	clientSecret := os.Getenv("GOOGLE_CLIENT_SECRET")
	redirectURL := os.Getenv("OAUTH_REDIRECT_URL")
	if clientID == "" || clientSecret == "" || redirectURL == "" {
		return nil, fmt.Errorf("GOOGLE_CLIENT_ID, GOOGLE_CLIENT_SECRET, and OAUTH_REDIRECT_URL are required")
	}

	key, err := loadEncryptionKey()
	if err != nil {
		return nil, err
	}

	return &broker.Config{
		GoogleAuth: broker.GoogleAuthConfig{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
		},
		EncryptionKey:   key,
		StateTTL:        envDuration("STATE_TTL", 0),
		RefreshMargin:   envDuration("REFRESH_MARGIN", 0),
		ProviderTimeout: envDuration("PROVIDER_TIMEOUT", 0),
		RateLimit: broker.RateLimitConfig{
			Rate:  envInt("RATE_LIMIT_RPS", 0),
			Burst: envInt("RATE_LIMIT_BURST", 0),
		},
		EnableAuditLogging: envBool("AUDIT_LOGGING", true),
		Logger:             logger,
	}, nil
}

func loadEncryptionKey() ([]byte, error) {
	if encoded := os.Getenv("ENCRYPTION_KEY"); encoded != "" {
		key, err := security.KeyFromBase64(encoded)
		if err != nil {
			return nil, fmt.Errorf("ENCRYPTION_KEY: %w", err)
		}
		return key, nil
	}

	if passphrase := os.Getenv("ENCRYPTION_PASSPHRASE"); passphrase != "" {
		salt := os.Getenv("ENCRYPTION_SALT")
		if salt == "" {
			return nil, fmt.Errorf("ENCRYPTION_SALT is required with ENCRYPTION_PASSPHRASE")
		}
		key, err := security.KeyFromPassphrase(passphrase, salt)
		if err != nil {
			return nil, fmt.Errorf("derive encryption key: %w", err)
		}
		return key, nil
	}

	return nil, fmt.Errorf("ENCRYPTION_KEY or ENCRYPTION_PASSPHRASE is required")
}

func envString(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}

func envInt(name string, fallback int) int {
	value := os.Getenv(name)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envBool(name string, fallback bool) bool {
	value := os.Getenv(name)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envDuration(name string, fallback time.Duration) time.Duration {
	value := os.Getenv(name)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
