package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// ImpersonateHeader carries client-held impersonation instructions: a JSON
// payload {"userId": ..., "email": ...} obtained from a prior start call.
// The server keeps no impersonation session state.
const ImpersonateHeader = "X-Impersonate-User"

// impersonateInstruction is the expected header payload.
type impersonateInstruction struct {
	UserID int64  `json:"userId"`
	Email  string `json:"email"`
}

// Impersonate returns an HTTP middleware that applies the admin
// impersonation overlay. It must run after Authenticate. The overlay only
// applies to write methods, and only when the resolved principal is an
// admin: the principal's identity is rewritten to the target so downstream
// attribution (post authorship, audit actor resolution) uses the target,
// while the original admin id stays recoverable from the principal.
//
// Malformed instructions and non-admin senders are logged and ignored; the
// request proceeds under the original identity rather than failing closed.
// The overlay never elevates privilege: role and scope gates upstream have
// already run against the original admin principal.
func Impersonate(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := r.Header.Get(ImpersonateHeader)
			if raw == "" || !isWriteMethod(r.Method) {
				next.ServeHTTP(w, r)
				return
			}

			principal := GetPrincipal(r.Context())
			if principal == nil || !principal.IsAdmin() {
				logger.Warn("ignoring impersonation header from non-admin",
					"request_id", GetRequestID(r.Context()))
				next.ServeHTTP(w, r)
				return
			}

			var inst impersonateInstruction
			if err := json.Unmarshal([]byte(raw), &inst); err != nil || inst.UserID == 0 || inst.Email == "" {
				logger.Warn("ignoring malformed impersonation header",
					"error", err, "request_id", GetRequestID(r.Context()))
				next.ServeHTTP(w, r)
				return
			}

			original := principal.ID
			principal.Impersonate(inst.UserID, inst.Email)
			logger.Info("impersonation overlay applied",
				"admin_id", original,
				"acting_as_user_id", inst.UserID,
				"request_id", GetRequestID(r.Context()))

			next.ServeHTTP(w, r)
		})
	}
}

func isWriteMethod(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}
