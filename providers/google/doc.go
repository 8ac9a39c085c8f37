// Package google implements the providers.Provider interface for Google
// OAuth 2.0 using golang.org/x/oauth2.
//
// Authorization URLs request offline access with forced consent so Google
// issues a refresh token on every grant. Refresh results surface a rotated
// refresh token only when Google actually changed it; an empty value means
// the stored refresh token remains valid.
//
// Setup requires OAuth 2.0 credentials from the Google Cloud Console with
// the broker's callback URL registered as an authorized redirect URI.
package google
