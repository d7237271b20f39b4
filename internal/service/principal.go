package service

import "github.com/quillcms/quill/internal/model"

// AuthMethod records which credential path resolved a principal.
type AuthMethod string

const (
	MethodToken  AuthMethod = "token"
	MethodAPIKey AuthMethod = "apikey"
)

// Impersonation records an admin acting as another user for the remainder
// of a single request's writes. OriginalAdminID preserves the true actor
// for audit purposes.
type Impersonation struct {
	ActingAsUserID  int64  `json:"acting_as_user_id"`
	ActingAsEmail   string `json:"acting_as_email"`
	OriginalAdminID int64  `json:"original_admin_id"`
}

// Principal is the request-scoped identity resolved by the authenticator.
// It is created fresh per request, optionally rewritten in place by the
// impersonation overlay, and discarded at request end. Impersonating is
// only ever populated when the originally resolved principal was an admin;
// once populated, ID and Email reflect the impersonated user.
type Principal struct {
	ID            int64
	Email         string
	Role          model.Role
	Scopes        []model.Scope
	AuthMethod    AuthMethod
	Impersonating *Impersonation
}

// HasScope reports whether the principal carries the given scope.
func (p *Principal) HasScope(s model.Scope) bool {
	for _, granted := range p.Scopes {
		if granted == s {
			return true
		}
	}
	return false
}

// IsAdmin reports whether the principal resolved with the admin role. This
// reflects the original authentication, not the impersonated identity:
// impersonation substitutes identity for attribution, never privilege.
func (p *Principal) IsAdmin() bool {
	return p.Role == model.RoleAdmin
}

// Impersonate rewrites the principal's identity to the target user and
// records the original admin. The caller must have verified the principal's
// admin role first.
func (p *Principal) Impersonate(targetID int64, targetEmail string) {
	p.Impersonating = &Impersonation{
		ActingAsUserID:  targetID,
		ActingAsEmail:   targetEmail,
		OriginalAdminID: p.ID,
	}
	p.ID = targetID
	p.Email = targetEmail
}

// AuditActorID returns the identity audit records should attribute actions
// to: the original admin during impersonation, the principal otherwise.
func (p *Principal) AuditActorID() int64 {
	if p.Impersonating != nil {
		return p.Impersonating.OriginalAdminID
	}
	return p.ID
}
