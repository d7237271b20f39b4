package model

import "time"

// Post is a minimal blog post record. The write path is the interesting
// part here: AuthorID is taken from the request principal, which may have
// been rewritten by admin impersonation. When that happens,
// CreatedByAdminID preserves the real actor for audit purposes.
type Post struct {
	ID               int64     `json:"id" db:"id"`
	AuthorID         int64     `json:"author_id" db:"author_id"`
	Title            string    `json:"title" db:"title"`
	Body             string    `json:"body" db:"body"`
	Published        bool      `json:"published" db:"published"`
	CreatedByAdminID *int64    `json:"created_by_admin_id,omitempty" db:"created_by_admin_id"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time `json:"updated_at" db:"updated_at"`
}
