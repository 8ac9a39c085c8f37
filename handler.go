package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/pramaia/oauth-broker/security"
)

// Version is the broker version reported by the service info endpoint.
const Version = "0.1.0"

// Handler exposes the broker over HTTP. All responses are JSON except the
// provider callback, which renders an HTML page for the user's browser.
type Handler struct {
	server      *Server
	logger      *slog.Logger
	rateLimiter *security.RateLimiter
}

// NewHandler creates a new HTTP handler for the broker server.
func NewHandler(server *Server, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	var rateLimiter *security.RateLimiter
	if server.config.RateLimit.Rate > 0 {
		rateLimiter = security.NewRateLimiter(
			server.config.RateLimit.Rate,
			server.config.RateLimit.Burst,
			logger)
	}

	return &Handler{
		server:      server,
		logger:      logger,
		rateLimiter: rateLimiter,
	}
}

// Routes builds the broker's route table.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /oauth/authorize", h.HandleAuthorize)
	mux.HandleFunc("GET /oauth/callback", h.HandleCallback)
	mux.HandleFunc("GET /api/token/{userId}/{service}", h.HandleGetToken)
	mux.HandleFunc("DELETE /api/token/{userId}/{service}", h.HandleDeleteToken)
	mux.HandleFunc("GET /api/tokens/{userId}", h.HandleListTokens)
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /{$}", h.HandleServiceInfo)

	return security.RequestIDMiddleware(h.withMetrics(mux))
}

// Stop releases handler resources.
func (h *Handler) Stop() {
	if h.rateLimiter != nil {
		h.rateLimiter.Stop()
	}
}

// withMetrics records request count and duration per endpoint.
func (h *Handler) withMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.server.inst == nil {
			next.ServeHTTP(w, r)
			return
		}

		startTime := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		h.server.inst.Metrics().RecordHTTPRequest(r.Context(), r.Method, r.URL.Path,
			recorder.status, float64(time.Since(startTime).Milliseconds()))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// checkRateLimit enforces the per-IP rate limit. Returns true when the
// request was rejected and a response already written.
func (h *Handler) checkRateLimit(w http.ResponseWriter, r *http.Request) bool {
	if h.rateLimiter == nil {
		return false
	}

	clientIP := clientIP(r)
	if h.rateLimiter.Allow(clientIP) {
		return false
	}

	h.logger.Warn("Rate limit exceeded",
		"ip", clientIP,
		"path", r.URL.Path,
		"request_id", security.GetRequestID(r.Context()))
	h.server.auditor.LogRateLimitExceeded(clientIP)
	if h.server.inst != nil {
		h.server.inst.Metrics().RecordRateLimitExceeded(r.Context(), r.URL.Path)
	}

	h.writeError(w, ErrorCodeRateLimitExceeded, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
	return true
}

// HandleAuthorize starts the consent flow and redirects the user's browser
// to the provider.
//
// GET /oauth/authorize?userId=...&service=...
func (h *Handler) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	if h.checkRateLimit(w, r) {
		return
	}

	userID := r.URL.Query().Get("userId")
	service := r.URL.Query().Get("service")

	resp, err := h.server.StartAuthorizationFlow(r.Context(), userID, service)
	if err != nil {
		h.writeBrokerError(w, err)
		return
	}

	h.server.auditor.LogAuthorizationStarted(userID, service, clientIP(r))

	security.SetSecurityHeaders(w, h.server.config.GoogleAuth.RedirectURL)
	http.Redirect(w, r, resp.AuthorizationURL, http.StatusFound)
}

// HandleCallback handles the provider redirect after consent. The response
// is an HTML page because the client is the user's browser, not an API
// consumer.
//
// GET /oauth/callback?code=...&state=...
func (h *Handler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	if h.checkRateLimit(w, r) {
		return
	}

	query := r.URL.Query()

	// The provider reports consent denial via the error parameter.
	if providerError := query.Get("error"); providerError != "" {
		h.logger.Warn("Authorization denied at provider", "error", providerError)
		h.server.auditor.LogCallbackRejected("provider returned error")
		h.serveCallbackError(w, "Authorization was denied. You can close this window and try again.")
		return
	}

	cred, err := h.server.CompleteAuthorizationFlow(r.Context(), query.Get("code"), query.Get("state"))
	if err != nil {
		var brokerErr *Error
		message := "Authorization failed. You can close this window and try again."
		if errors.As(err, &brokerErr) && brokerErr.Code == ErrorCodeScopeMismatch {
			message = "Authorization failed: not all required permissions were granted. Please try again and accept all requested permissions."
		}
		h.serveCallbackError(w, message)
		return
	}

	h.serveCallbackSuccess(w, cred.Service)
}

// HandleGetToken returns a valid access token for the user and service,
// refreshing it first when necessary.
//
// GET /api/token/{userId}/{service}
func (h *Handler) HandleGetToken(w http.ResponseWriter, r *http.Request) {
	if h.checkRateLimit(w, r) {
		return
	}

	userID := r.PathValue("userId")
	service := r.PathValue("service")

	token, err := h.server.AccessToken(r.Context(), userID, service)
	if err != nil {
		h.writeBrokerError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, token)
}

// HandleDeleteToken revokes and deletes the stored credential.
//
// DELETE /api/token/{userId}/{service}
func (h *Handler) HandleDeleteToken(w http.ResponseWriter, r *http.Request) {
	if h.checkRateLimit(w, r) {
		return
	}

	userID := r.PathValue("userId")
	service := r.PathValue("service")

	existed, err := h.server.Revoke(r.Context(), userID, service)
	if err != nil {
		h.writeBrokerError(w, err)
		return
	}

	if !existed {
		h.writeError(w, ErrorCodeCredentialNotFound,
			fmt.Sprintf("no credential stored for service %q", service), http.StatusNotFound)
		return
	}

	h.writeJSON(w, http.StatusOK, DeleteResponse{
		Success: true,
		Message: fmt.Sprintf("credential for %s deleted", service),
	})
}

// HandleListTokens lists the services a user has authorized. Metadata only;
// no token material.
//
// GET /api/tokens/{userId}
func (h *Handler) HandleListTokens(w http.ResponseWriter, r *http.Request) {
	if h.checkRateLimit(w, r) {
		return
	}

	userID := r.PathValue("userId")

	listing, err := h.server.ListServices(r.Context(), userID)
	if err != nil {
		h.writeBrokerError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, listing)
}

// HandleHealth reports broker health.
//
// GET /health
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := h.server.provider.HealthCheck(ctx); err != nil {
		h.logger.Warn("Provider health check failed", "provider", h.server.provider.Name(), "error", err)
		status = "degraded"
	}
	h.writeJSON(w, http.StatusOK, HealthResponse{
		Status:   status,
		Provider: h.server.provider.Name(),
		Services: h.server.registry.Services(),
	})
}

// HandleServiceInfo describes the broker and its endpoints.
//
// GET /
func (h *Handler) HandleServiceInfo(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, ServiceInfoResponse{
		Service:           "oauth-broker",
		Version:           Version,
		SupportedServices: h.server.registry.Services(),
		Endpoints: map[string]string{
			"authorize":    "/oauth/authorize?userId={userId}&service={service}",
			"callback":     "/oauth/callback",
			"get_token":    "/api/token/{userId}/{service}",
			"delete_token": "/api/token/{userId}/{service}",
			"list_tokens":  "/api/tokens/{userId}",
			"health":       "/health",
		},
	})
}

// writeBrokerError maps a broker error to its JSON response. Unknown error
// types become an opaque server error so internal details never leak.
func (h *Handler) writeBrokerError(w http.ResponseWriter, err error) {
	var brokerErr *Error
	if errors.As(err, &brokerErr) {
		h.writeError(w, brokerErr.Code, brokerErr.Description, brokerErr.Status)
		return
	}
	h.writeError(w, ErrorCodeServerError, "internal server error", http.StatusInternalServerError)
}

func (h *Handler) writeError(w http.ResponseWriter, code, description string, status int) {
	security.SetSecurityHeaders(w, h.server.config.GoogleAuth.RedirectURL)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(ErrorResponse{
		Error:            code,
		ErrorDescription: description,
	}); err != nil {
		h.logger.Error("Failed to write error response", "error", err)
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	security.SetSecurityHeaders(w, h.server.config.GoogleAuth.RedirectURL)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to write response", "error", err)
	}
}

var callbackSuccessTemplate = template.Must(template.New("success").Parse(`<!DOCTYPE html>
<html>
<head>
  <title>Authorization Successful</title>
  <style>
    body { font-family: -apple-system, sans-serif; display: flex; justify-content: center; align-items: center; height: 100vh; margin: 0; background: #f5f5f5; }
    .card { background: white; padding: 2.5rem 3rem; border-radius: 8px; box-shadow: 0 2px 8px rgba(0,0,0,0.1); text-align: center; max-width: 26rem; }
    h1 { color: #1a7f37; font-size: 1.4rem; }
    p { color: #444; }
  </style>
</head>
<body>
  <div class="card">
    <h1>&#10003; Authorization Successful</h1>
    <p>Access to <strong>{{.Service}}</strong> has been granted.</p>
    <p>You can close this window now.</p>
  </div>
</body>
</html>`))

var callbackErrorTemplate = template.Must(template.New("error").Parse(`<!DOCTYPE html>
<html>
<head>
  <title>Authorization Failed</title>
  <style>
    body { font-family: -apple-system, sans-serif; display: flex; justify-content: center; align-items: center; height: 100vh; margin: 0; background: #f5f5f5; }
    .card { background: white; padding: 2.5rem 3rem; border-radius: 8px; box-shadow: 0 2px 8px rgba(0,0,0,0.1); text-align: center; max-width: 26rem; }
    h1 { color: #b42318; font-size: 1.4rem; }
    p { color: #444; }
  </style>
</head>
<body>
  <div class="card">
    <h1>&#10007; Authorization Failed</h1>
    <p>{{.Message}}</p>
  </div>
</body>
</html>`))

func (h *Handler) serveCallbackSuccess(w http.ResponseWriter, service string) {
	security.SetSecurityHeaders(w, h.server.config.GoogleAuth.RedirectURL)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)

	if err := callbackSuccessTemplate.Execute(w, struct{ Service string }{Service: service}); err != nil {
		h.logger.Error("Failed to render callback page", "error", err)
	}
}

func (h *Handler) serveCallbackError(w http.ResponseWriter, message string) {
	security.SetSecurityHeaders(w, h.server.config.GoogleAuth.RedirectURL)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusBadRequest)

	if err := callbackErrorTemplate.Execute(w, struct{ Message string }{Message: message}); err != nil {
		h.logger.Error("Failed to render callback page", "error", err)
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
