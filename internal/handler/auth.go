package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/quillcms/quill/internal/model"
	"github.com/quillcms/quill/internal/server/middleware"
	"github.com/quillcms/quill/internal/service"
	"github.com/quillcms/quill/internal/store"
	"github.com/quillcms/quill/internal/token"
)

// AuthHandler serves login, registration, and token refresh.
type AuthHandler struct {
	authSvc *service.AuthService
}

// NewAuthHandler creates an AuthHandler.
func NewAuthHandler(authSvc *service.AuthService) *AuthHandler {
	return &AuthHandler{authSvc: authSvc}
}

// credentialsRequest is the expected payload for Login and Register.
type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name,omitempty"`
}

// sessionResponse is the response payload for a successful login or refresh.
// The refresh token travels in the httpOnly cookie, never in the body.
type sessionResponse struct {
	AccessToken string     `json:"access_token"`
	TokenType   string     `json:"token_type"`
	ExpiresIn   int        `json:"expires_in"`
	UserID      int64      `json:"user_id"`
	Email       string     `json:"email"`
	Role        model.Role `json:"role"`
}

// Login authenticates an email/password pair, sets the refresh-token cookie,
// and returns an access token.
// POST /api/v1/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Email and password are required")
		return
	}

	user, access, refresh, err := h.authSvc.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrUnauthenticated) {
			writeError(w, http.StatusUnauthorized, "Invalid credentials")
			return
		}
		writeError(w, http.StatusInternalServerError, "Authentication unavailable")
		return
	}

	setRefreshCookie(w, refresh)
	writeJSON(w, http.StatusOK, sessionResponse{
		AccessToken: access,
		TokenType:   "bearer",
		ExpiresIn:   int(token.AccessTTL.Seconds()),
		UserID:      user.ID,
		Email:       user.Email,
		Role:        user.Role,
	})
}

// Register creates a new account with the default user role.
// POST /api/v1/auth/register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if !strings.Contains(req.Email, "@") {
		writeError(w, http.StatusBadRequest, "Invalid email address")
		return
	}
	if len(req.Password) < 8 {
		writeError(w, http.StatusBadRequest, "Password must be at least 8 characters")
		return
	}

	if _, err := h.authSvc.Register(r.Context(), req.Email, req.Password, req.Name); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique") {
			writeError(w, http.StatusConflict, "Email already registered")
			return
		}
		writeError(w, http.StatusInternalServerError, "Registration failed")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{"success": true})
}

// Refresh exchanges the refresh-token cookie for a new access token.
// POST /api/v1/auth/refresh
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(middleware.RefreshCookieName)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	user, access, err := h.authSvc.Refresh(r.Context(), cookie.Value)
	if err != nil {
		if errors.Is(err, service.ErrUnauthenticated) {
			writeError(w, http.StatusUnauthorized, "Authentication required")
			return
		}
		writeError(w, http.StatusInternalServerError, "Authentication unavailable")
		return
	}

	writeJSON(w, http.StatusOK, sessionResponse{
		AccessToken: access,
		TokenType:   "bearer",
		ExpiresIn:   int(token.AccessTTL.Seconds()),
		UserID:      user.ID,
		Email:       user.Email,
		Role:        user.Role,
	})
}

// Logout clears the refresh-token cookie. Tokens are stateless, so this is
// purely a client-side cleanup; clients should also discard their access
// token.
// DELETE /api/v1/auth/session
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.RefreshCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// setRefreshCookie sets the httpOnly, same-site-strict refresh cookie with
// the refresh token's own lifetime.
func setRefreshCookie(w http.ResponseWriter, refresh string) {
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.RefreshCookieName,
		Value:    refresh,
		Path:     "/",
		MaxAge:   int(token.RefreshTTL.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
}

// isNotFound reports whether err is the store's not-found sentinel.
func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
