package model

import "time"

// Scope is a fine-grained permission attached to an API key. Token-based
// sessions always carry the full scope set; API keys carry exactly the
// scopes granted at creation.
type Scope string

const (
	ScopeRead  Scope = "read"
	ScopeWrite Scope = "write"
	ScopeAdmin Scope = "admin"
)

// AllScopes is the full scope set granted to cookie/token sessions.
func AllScopes() []Scope {
	return []Scope{ScopeRead, ScopeWrite, ScopeAdmin}
}

// ValidScope reports whether s is a known scope.
func ValidScope(s Scope) bool {
	return s == ScopeRead || s == ScopeWrite || s == ScopeAdmin
}

// APIKey represents a named API key owned by a user. The raw key is shown
// exactly once at creation time; only a bcrypt hash and a short cleartext
// prefix for identification are persisted.
type APIKey struct {
	ID         int64      `json:"id" db:"id"`
	UserID     int64      `json:"user_id" db:"user_id"`
	Name       string     `json:"name" db:"name"`
	KeyHash    string     `json:"-" db:"key_hash"`            // bcrypt hash, never expose
	KeyPrefix  string     `json:"key_prefix" db:"key_prefix"` // First 12 chars for identification
	Scopes     []Scope    `json:"scopes" db:"-"`
	IsActive   bool       `json:"is_active" db:"is_active"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty" db:"last_used_at"`
}

// HasScope reports whether the key grants the given scope.
func (k *APIKey) HasScope(s Scope) bool {
	for _, granted := range k.Scopes {
		if granted == s {
			return true
		}
	}
	return false
}
