package broker

import (
	"log/slog"
	"net/http"
	"time"
)

// Config holds the broker configuration.
// Structured using composition for better organization and maintainability
type Config struct {
	// GoogleAuth holds the Google OAuth credentials and settings
	GoogleAuth GoogleAuthConfig

	// EncryptionKey is the AES-256 key (32 bytes) for token encryption at
	// rest (required). Generate with security.GenerateKey() or derive from
	// a passphrase with security.KeyFromPassphrase().
	EncryptionKey []byte

	// StateTTL is how long a pending authorization flow remains valid.
	// Default: 10 minutes
	StateTTL time.Duration

	// RefreshMargin is how close to expiry a token is refreshed rather
	// than returned as-is. Default: 60 seconds
	RefreshMargin time.Duration

	// ProviderTimeout bounds each outbound provider call.
	// Default: 10 seconds
	ProviderTimeout time.Duration

	// RateLimit holds the per-IP rate limiting configuration
	RateLimit RateLimitConfig

	// EnableAuditLogging enables security audit logging.
	// Logs flow and token events with hashed user IDs.
	EnableAuditLogging bool

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger

	// HTTPClient is a custom HTTP client for provider requests.
	// If not provided, a client with ProviderTimeout is used.
	HTTPClient *http.Client
}

// GoogleAuthConfig holds Google OAuth configuration
type GoogleAuthConfig struct {
	// ClientID is the Google OAuth Client ID (required).
	ClientID string

	// ClientSecret is the Google OAuth Client Secret (required).
	ClientSecret string

	// RedirectURL is where Google redirects after consent (required).
	RedirectURL string
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	// Rate is requests per second allowed per IP. Zero disables limiting.
	Rate int

	// Burst is the maximum burst size allowed per IP.
	Burst int
}

// Defaults applied by NewServer.
const (
	DefaultStateTTL        = 10 * time.Minute
	DefaultProviderTimeout = 10 * time.Second
)
