// Package secrets manages the access-token signing secret and its rotation.
//
// The rotation record is a small keyed JSON blob persisted through the
// store's settings table. At most two secrets are ever simultaneously valid:
// the current one and, for a 24-hour grace window after a rotation, the
// previous one. Validity of the previous secret is computed lazily from
// rotated_at at each call; the record itself is not rewritten when the
// window elapses.
package secrets

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/quillcms/quill/internal/store"
)

// GraceWindow is how long the previous secret remains valid after a rotation.
const GraceWindow = 24 * time.Hour

// settingKey is the settings-table key holding the rotation record.
const settingKey = "signing_secrets"

// SettingsStore is the interface the secrets package needs from the store.
type SettingsStore interface {
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
}

// record is the persisted rotation state.
type record struct {
	Current   string     `json:"current"`
	Previous  string     `json:"previous,omitempty"`
	RotatedAt *time.Time `json:"rotated_at,omitempty"`
}

// Status describes the rotation state without exposing raw secret values.
type Status struct {
	HasCurrent  bool       `json:"has_current"`
	HasPrevious bool       `json:"has_previous"`
	RotatedAt   *time.Time `json:"rotated_at,omitempty"`
	GraceActive bool       `json:"grace_active"`
}

// Manager owns the signing-secret record. It is safe for concurrent reads
// and serializes rotations with a mutex; the persisted record and the
// in-memory copy only diverge inside a rotation that subsequently fails, in
// which case the in-memory state is left untouched.
type Manager struct {
	settings SettingsStore
	seed     string // optional configured secret for first-run initialization

	mu  sync.Mutex
	rec *record // nil until first access

	now func() time.Time // overridable for tests
}

// NewManager creates a Manager. seed, if non-empty, becomes the initial
// current secret when no rotation record exists yet.
func NewManager(settings SettingsStore, seed string) *Manager {
	return &Manager{
		settings: settings,
		seed:     seed,
		now:      time.Now,
	}
}

// Current returns the active signing secret, lazily initializing the
// rotation record if none exists.
func (m *Manager) Current(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.loadLocked(ctx)
	if err != nil {
		return "", err
	}
	return rec.Current, nil
}

// Valid returns the secrets a token signature may verify against: the
// current secret first, then the previous one if the grace window is still
// open.
func (m *Manager) Valid(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.loadLocked(ctx)
	if err != nil {
		return nil, err
	}

	secrets := []string{rec.Current}
	if rec.Previous != "" && rec.RotatedAt != nil && m.now().Sub(*rec.RotatedAt) < GraceWindow {
		secrets = append(secrets, rec.Previous)
	}
	return secrets, nil
}

// Rotate mints a new current secret, demotes the old current to previous,
// and persists the updated record. The swap is persist-then-commit: if
// persistence fails the in-memory state is unchanged and subsequent Current
// calls still return the pre-rotation secret. Returns metadata only, never
// the raw secrets.
func (m *Manager) Rotate(ctx context.Context) (*Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.loadLocked(ctx)
	if err != nil {
		return nil, err
	}

	newSecret, err := generateSecret()
	if err != nil {
		return nil, err
	}

	rotatedAt := m.now().UTC()
	next := &record{
		Current:   newSecret,
		Previous:  rec.Current,
		RotatedAt: &rotatedAt,
	}

	if err := m.persistLocked(ctx, next); err != nil {
		return nil, err
	}
	m.rec = next

	return m.statusLocked(), nil
}

// Status reports the rotation state for the admin status endpoint.
func (m *Manager) Status(ctx context.Context) (*Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.loadLocked(ctx); err != nil {
		return nil, err
	}
	return m.statusLocked(), nil
}

// statusLocked builds a Status from the cached record. Caller holds mu.
func (m *Manager) statusLocked() *Status {
	st := &Status{
		HasCurrent:  m.rec.Current != "",
		HasPrevious: m.rec.Previous != "",
		RotatedAt:   m.rec.RotatedAt,
	}
	if st.HasPrevious && m.rec.RotatedAt != nil {
		st.GraceActive = m.now().Sub(*m.rec.RotatedAt) < GraceWindow
	}
	return st
}

// loadLocked returns the cached record, reading or initializing the
// persisted one on first access. Caller holds mu.
func (m *Manager) loadLocked(ctx context.Context) (*record, error) {
	if m.rec != nil {
		return m.rec, nil
	}

	raw, err := m.settings.GetSetting(ctx, settingKey)
	switch {
	case err == nil:
		var rec record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("decode signing secret record: %w", err)
		}
		if rec.Current == "" {
			return nil, errors.New("signing secret record has no current secret")
		}
		m.rec = &rec
		return m.rec, nil

	case errors.Is(err, store.ErrNotFound):
		// First run: seed from config or generate a fresh secret.
		current := m.seed
		if current == "" {
			current, err = generateSecret()
			if err != nil {
				return nil, err
			}
		}
		rec := &record{Current: current}
		if err := m.persistLocked(ctx, rec); err != nil {
			return nil, err
		}
		m.rec = rec
		return m.rec, nil

	default:
		return nil, fmt.Errorf("load signing secret record: %w", err)
	}
}

// persistLocked writes the record through the settings store. Caller holds mu.
func (m *Manager) persistLocked(ctx context.Context, rec *record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode signing secret record: %w", err)
	}
	if err := m.settings.SetSetting(ctx, settingKey, string(raw)); err != nil {
		return fmt.Errorf("persist signing secret record: %w", err)
	}
	return nil
}

// generateSecret returns a new cryptographically strong 256-bit secret,
// hex encoded.
func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate signing secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}
