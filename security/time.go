package security

import "time"

const (
	// DefaultRefreshMargin is how long before expiry an access token is
	// treated as stale. Refreshing slightly early absorbs network and
	// processing latency between the broker and the caller's use of the
	// token, so a token handed out is never already dead on arrival.
	DefaultRefreshMargin = 60 * time.Second

	// DefaultClockSkewGracePeriod tolerates minor time drift between the
	// broker and the provider when judging hard expiry.
	DefaultClockSkewGracePeriod = 5 * time.Second
)

// IsTokenExpired reports whether a token is past its expiry, allowing the
// default clock skew grace period.
func IsTokenExpired(expiresAt time.Time) bool {
	return IsTokenExpiredWithGracePeriod(expiresAt, DefaultClockSkewGracePeriod)
}

// IsTokenExpiredWithGracePeriod reports whether a token has been expired for
// longer than the given grace period. A zero expiry means no expiration.
func IsTokenExpiredWithGracePeriod(expiresAt time.Time, gracePeriod time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return time.Now().After(expiresAt.Add(gracePeriod))
}

// IsTokenExpiringSoon reports whether a token will expire within the given
// margin. This is the refresh trigger: a token inside the margin must not be
// handed to callers without a refresh attempt.
func IsTokenExpiringSoon(expiresAt time.Time, margin time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return time.Now().Add(margin).After(expiresAt)
}
