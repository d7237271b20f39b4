package handler

import (
	"net/http"

	"github.com/quillcms/quill/internal/model"
	"github.com/quillcms/quill/internal/secrets"
	"github.com/quillcms/quill/internal/server/middleware"
	"github.com/quillcms/quill/internal/store"
)

// AdminHandler serves the admin-only surface: impersonation grants, signing
// secret rotation, and the audit log. All routes are mounted behind the
// admin role gate.
type AdminHandler struct {
	store   *store.Store
	secrets *secrets.Manager
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(st *store.Store, sm *secrets.Manager) *AdminHandler {
	return &AdminHandler{store: st, secrets: sm}
}

// ---------------------------------------------------------------------------
// Impersonation
// ---------------------------------------------------------------------------

// impersonationRequest is the expected payload for StartImpersonation.
type impersonationRequest struct {
	UserID int64 `json:"user_id"`
}

// impersonationGrant is the response payload: the exact header value the
// client echoes back in X-Impersonate-User on subsequent write requests.
// Impersonation state is client-held; the server keeps no session.
type impersonationGrant struct {
	UserID int64  `json:"userId"`
	Email  string `json:"email"`
}

// StartImpersonation validates the target user and returns the header
// payload the admin's client attaches to subsequent writes.
// POST /api/v1/admin/impersonation
func (h *AdminHandler) StartImpersonation(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())

	var req impersonationRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	target, err := h.store.GetUser(r.Context(), req.UserID)
	if err != nil {
		if isNotFound(err) {
			writeError(w, http.StatusNotFound, "User not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to look up user")
		return
	}
	if !target.IsActive {
		writeError(w, http.StatusBadRequest, "Cannot impersonate a disabled account")
		return
	}

	_ = h.store.AppendAudit(r.Context(), &model.AuditEvent{
		ActorID:    principal.AuditActorID(),
		ActorEmail: principal.Email,
		Action:     model.AuditImpersonationStart,
		TargetID:   &target.ID,
		Detail:     target.Email,
	})

	writeJSON(w, http.StatusOK, impersonationGrant{
		UserID: target.ID,
		Email:  target.Email,
	})
}

// StopImpersonation records the end of an impersonation session. Since the
// grant is client-held, the server-side effect is the audit entry; the
// client stops sending the header.
// DELETE /api/v1/admin/impersonation
func (h *AdminHandler) StopImpersonation(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())

	_ = h.store.AppendAudit(r.Context(), &model.AuditEvent{
		ActorID:    principal.AuditActorID(),
		ActorEmail: principal.Email,
		Action:     model.AuditImpersonationStop,
	})

	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// ---------------------------------------------------------------------------
// Signing secret rotation
// ---------------------------------------------------------------------------

// RotateSecret mints a new signing secret, demoting the current one to the
// grace-window previous slot. The response carries rotation metadata only,
// never raw secret values.
// POST /api/v1/admin/secrets/rotation
func (h *AdminHandler) RotateSecret(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())

	status, err := h.secrets.Rotate(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Rotation failed")
		return
	}

	_ = h.store.AppendAudit(r.Context(), &model.AuditEvent{
		ActorID:    principal.AuditActorID(),
		ActorEmail: principal.Email,
		Action:     model.AuditSecretRotation,
	})

	writeJSON(w, http.StatusOK, status)
}

// SecretStatus reports the rotation state: presence of current/previous
// secrets, last rotation time, and whether the grace window is open.
// GET /api/v1/admin/secrets
func (h *AdminHandler) SecretStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.secrets.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read secret status")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// ---------------------------------------------------------------------------
// Audit log
// ---------------------------------------------------------------------------

// ListAudit returns recent audit events, newest first.
// GET /api/v1/admin/audit
func (h *AdminHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	limit := clampInt(queryInt(r, "limit", 100), 1, 1000)

	events, err := h.store.ListAuditEvents(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list audit events")
		return
	}

	writeJSON(w, http.StatusOK, model.ListResponse{
		Resource: events,
		Meta:     &model.ResponseMeta{Count: len(events)},
	})
}
