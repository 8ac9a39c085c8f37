package broker

import (
	"net/http"
	"testing"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name        string
		code        string
		description string
		want        string
	}{
		{
			name:        "simple error",
			code:        "invalid_request",
			description: "Missing required parameter",
			want:        "invalid_request: Missing required parameter",
		},
		{
			name:        "error with empty description",
			code:        "server_error",
			description: "",
			want:        "server_error: ",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &Error{
				Code:        tt.code,
				Description: tt.description,
			}
			if got := e.Error(); got != tt.want {
				t.Errorf("Error.Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestErrorConstructorsCarryStatus(t *testing.T) {
	tests := []struct {
		name       string
		err        *Error
		wantCode   string
		wantStatus int
	}{
		{
			name:       "unknown service",
			err:        ErrUnknownService("no such service"),
			wantCode:   ErrorCodeUnknownService,
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "invalid state",
			err:        ErrInvalidState("state already used"),
			wantCode:   ErrorCodeInvalidState,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "provider exchange failed",
			err:        ErrProviderExchangeFailed("exchange rejected"),
			wantCode:   ErrorCodeProviderExchangeFailed,
			wantStatus: http.StatusBadGateway,
		},
		{
			name:       "scope mismatch",
			err:        ErrScopeMismatch("scopes denied"),
			wantCode:   ErrorCodeScopeMismatch,
			wantStatus: http.StatusConflict,
		},
		{
			name:       "credential not found",
			err:        ErrCredentialNotFound("nothing stored"),
			wantCode:   ErrorCodeCredentialNotFound,
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "refresh unavailable",
			err:        ErrRefreshUnavailable("no refresh token"),
			wantCode:   ErrorCodeRefreshUnavailable,
			wantStatus: http.StatusConflict,
		},
		{
			name:       "decryption failed",
			err:        ErrDecryptionFailed("undecryptable record"),
			wantCode:   ErrorCodeDecryptionFailed,
			wantStatus: http.StatusInternalServerError,
		},
		{
			name:       "rate limit exceeded",
			err:        ErrRateLimitExceeded("slow down"),
			wantCode:   ErrorCodeRateLimitExceeded,
			wantStatus: http.StatusTooManyRequests,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", tt.err.Code, tt.wantCode)
			}
			if tt.err.Status != tt.wantStatus {
				t.Errorf("Status = %d, want %d", tt.err.Status, tt.wantStatus)
			}
		})
	}
}
