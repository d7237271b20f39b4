package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/quillcms/quill/internal/model"
	"github.com/quillcms/quill/internal/server/middleware"
	"github.com/quillcms/quill/internal/service"
	"github.com/quillcms/quill/internal/store"
)

// APIKeyHandler manages a user's own API keys.
type APIKeyHandler struct {
	store   *store.Store
	authSvc *service.AuthService
}

// NewAPIKeyHandler creates an APIKeyHandler.
func NewAPIKeyHandler(st *store.Store, authSvc *service.AuthService) *APIKeyHandler {
	return &APIKeyHandler{store: st, authSvc: authSvc}
}

// createKeyRequest is the expected payload for CreateKey.
type createKeyRequest struct {
	Name   string        `json:"name"`
	Scopes []model.Scope `json:"scopes"`
}

// createKeyResponse returns the key record plus the raw key. This is the
// only time the raw key is ever disclosed; only its hash is stored.
type createKeyResponse struct {
	Key    *model.APIKey `json:"key"`
	RawKey string        `json:"raw_key"`
}

// ListKeys returns the calling user's API keys.
// GET /api/v1/keys
func (h *APIKeyHandler) ListKeys(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())

	keys, err := h.store.ListAPIKeysByUser(r.Context(), principal.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list keys")
		return
	}

	writeJSON(w, http.StatusOK, model.ListResponse{
		Resource: keys,
		Meta:     &model.ResponseMeta{Count: len(keys)},
	})
}

// CreateKey mints a new API key for the calling user with exactly the
// requested scopes.
// POST /api/v1/keys
func (h *APIKeyHandler) CreateKey(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())

	var req createKeyRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if len(req.Scopes) == 0 {
		writeError(w, http.StatusBadRequest, "At least one scope is required")
		return
	}
	for _, s := range req.Scopes {
		if !model.ValidScope(s) {
			writeError(w, http.StatusBadRequest, "Unknown scope: "+string(s))
			return
		}
	}
	// Only admins may mint admin-scoped keys.
	for _, s := range req.Scopes {
		if s == model.ScopeAdmin && !principal.IsAdmin() {
			writeError(w, http.StatusForbidden, "Insufficient role")
			return
		}
	}

	key, rawKey, err := h.authSvc.CreateAPIKey(r.Context(), principal.ID, req.Name, req.Scopes)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create key")
		return
	}

	_ = h.store.AppendAudit(r.Context(), &model.AuditEvent{
		ActorID:    principal.AuditActorID(),
		ActorEmail: principal.Email,
		Action:     model.AuditAPIKeyCreate,
		TargetID:   &key.ID,
		Detail:     key.Name,
	})

	writeJSON(w, http.StatusCreated, createKeyResponse{Key: key, RawKey: rawKey})
}

// RevokeKey deactivates one of the calling user's API keys. Subsequent
// authentication with the key fails as unauthenticated.
// DELETE /api/v1/keys/{keyID}
func (h *APIKeyHandler) RevokeKey(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())

	keyID, err := strconv.ParseInt(chi.URLParam(r, "keyID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid key ID")
		return
	}

	key, err := h.store.GetAPIKey(r.Context(), keyID)
	if err != nil {
		if isNotFound(err) {
			writeError(w, http.StatusNotFound, "Key not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to look up key")
		return
	}

	// Users may only revoke their own keys; admins may revoke any.
	if key.UserID != principal.ID && !principal.IsAdmin() {
		writeError(w, http.StatusForbidden, "Insufficient role")
		return
	}

	if err := h.store.RevokeAPIKey(r.Context(), keyID); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to revoke key")
		return
	}

	_ = h.store.AppendAudit(r.Context(), &model.AuditEvent{
		ActorID:    principal.AuditActorID(),
		ActorEmail: principal.Email,
		Action:     model.AuditAPIKeyRevoke,
		TargetID:   &keyID,
		Detail:     key.Name,
	})

	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}
