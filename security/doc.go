// Package security provides the security primitives of the broker: AES-256-GCM
// encryption of credential material at rest, token expiry checks with a
// refresh safety margin, per-IP rate limiting, request ID propagation, audit
// logging with hashed user identifiers, and secure HTTP response headers.
package security
