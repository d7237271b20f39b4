package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/quillcms/quill/internal/model"
	"github.com/quillcms/quill/internal/service"
)

type contextKeyAuth string

// AuthPrincipalKey is the context key for the authenticated principal.
const AuthPrincipalKey contextKeyAuth = "auth_principal"

// RefreshCookieName is the cookie carrying the refresh token for
// browser-based sessions.
const RefreshCookieName = "refreshToken"

// Authenticate returns an HTTP middleware that resolves the request's
// credentials into a Principal. It supports three methods, tried in order:
//
//  1. Refresh token via the refreshToken cookie (browser sessions)
//  2. Access token via the Authorization: Bearer header
//  3. API key via the X-API-Key header (service consumers)
//
// On success, the Principal is attached to the request context. Missing or
// invalid credentials yield a 401; a failure while checking credentials
// (store or persistence errors) yields a 500 so callers can distinguish
// "no credentials" from "credential check broke". Neither response body
// discloses which credential check failed.
func Authenticate(authSvc *service.AuthService, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			creds := service.Credentials{
				APIKey: r.Header.Get("X-API-Key"),
			}
			if cookie, err := r.Cookie(RefreshCookieName); err == nil {
				creds.RefreshToken = cookie.Value
			}
			if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
				creds.AccessToken = strings.TrimPrefix(authHeader, "Bearer ")
			}

			principal, err := authSvc.Authenticate(r.Context(), creds)
			if err != nil {
				if errors.Is(err, service.ErrUnauthenticated) {
					writeAuthError(w, http.StatusUnauthorized, "Authentication required")
					return
				}
				logger.Error("authentication check failed", "error", err,
					"request_id", GetRequestID(r.Context()))
				writeAuthError(w, http.StatusInternalServerError, "Authentication unavailable")
				return
			}

			ctx := context.WithValue(r.Context(), AuthPrincipalKey, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole returns an HTTP middleware that enforces the given role. It
// must be used after Authenticate in the middleware chain; it never
// substitutes for authentication.
func RequireRole(role model.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal := GetPrincipal(r.Context())
			if principal == nil {
				writeAuthError(w, http.StatusUnauthorized, "Authentication required")
				return
			}
			if principal.Role != role {
				writeAuthError(w, http.StatusForbidden, "Insufficient role")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireScope returns an HTTP middleware that enforces the given scope on
// the authenticated principal. Token sessions carry the full scope set, so
// this gate effectively only bites for API key sessions.
func RequireScope(scope model.Scope) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal := GetPrincipal(r.Context())
			if principal == nil {
				writeAuthError(w, http.StatusUnauthorized, "Authentication required")
				return
			}
			if !principal.HasScope(scope) {
				writeAuthError(w, http.StatusForbidden, "Insufficient scope")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// GetPrincipal extracts the authenticated principal from the context.
// Returns nil if no principal is present (i.e., unauthenticated request).
func GetPrincipal(ctx context.Context) *service.Principal {
	if p, ok := ctx.Value(AuthPrincipalKey).(*service.Principal); ok {
		return p
	}
	return nil
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(model.ErrorResponse{Error: message})
}
