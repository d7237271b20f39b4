package model

import "time"

// Audit event actions recorded by the auth core.
const (
	AuditImpersonationStart = "impersonation.start"
	AuditImpersonationStop  = "impersonation.stop"
	AuditSecretRotation     = "secrets.rotate"
	AuditAPIKeyCreate       = "apikey.create"
	AuditAPIKeyRevoke       = "apikey.revoke"
)

// AuditEvent is an append-only record of a privileged action. ActorID is
// always the real authenticated identity, never an impersonated one.
type AuditEvent struct {
	ID         int64     `json:"id" db:"id"`
	ActorID    int64     `json:"actor_id" db:"actor_id"`
	ActorEmail string    `json:"actor_email" db:"actor_email"`
	Action     string    `json:"action" db:"action"`
	TargetID   *int64    `json:"target_id,omitempty" db:"target_id"`
	Detail     string    `json:"detail" db:"detail"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}
