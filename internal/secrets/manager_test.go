package secrets

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/quillcms/quill/internal/store"
)

// memSettings is an in-memory SettingsStore.
type memSettings struct {
	mu     sync.Mutex
	data   map[string]string
	setErr error // when non-nil, SetSetting fails
}

func newMemSettings() *memSettings {
	return &memSettings{data: make(map[string]string)}
}

func (m *memSettings) GetSetting(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return "", store.ErrNotFound
	}
	return v, nil
}

func (m *memSettings) SetSetting(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setErr != nil {
		return m.setErr
	}
	m.data[key] = value
	return nil
}

func TestLazyInitGeneratesSecret(t *testing.T) {
	settings := newMemSettings()
	m := NewManager(settings, "")
	ctx := context.Background()

	secret, err := m.Current(ctx)
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if secret == "" {
		t.Fatal("expected generated secret")
	}

	// A second manager over the same store must see the same secret.
	m2 := NewManager(settings, "")
	secret2, err := m2.Current(ctx)
	if err != nil {
		t.Fatalf("Current (second manager): %v", err)
	}
	if secret2 != secret {
		t.Errorf("second manager got different secret")
	}
}

func TestSeedUsedOnFirstRun(t *testing.T) {
	m := NewManager(newMemSettings(), "configured-seed")

	secret, err := m.Current(context.Background())
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if secret != "configured-seed" {
		t.Errorf("got %q, want configured seed", secret)
	}
}

func TestSeedIgnoredWhenRecordExists(t *testing.T) {
	settings := newMemSettings()
	ctx := context.Background()

	first, err := NewManager(settings, "").Current(ctx)
	if err != nil {
		t.Fatalf("Current: %v", err)
	}

	// A later restart with a seed configured must not replace the
	// persisted secret.
	got, err := NewManager(settings, "late-seed").Current(ctx)
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if got != first {
		t.Errorf("persisted secret replaced by seed")
	}
}

func TestRotateDemotesCurrent(t *testing.T) {
	m := NewManager(newMemSettings(), "")
	ctx := context.Background()

	before, err := m.Current(ctx)
	if err != nil {
		t.Fatalf("Current: %v", err)
	}

	status, err := m.Rotate(ctx)
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if !status.HasCurrent || !status.HasPrevious {
		t.Errorf("status after rotate: %+v", status)
	}
	if !status.GraceActive {
		t.Error("expected grace window active immediately after rotate")
	}
	if status.RotatedAt == nil {
		t.Fatal("expected rotated_at to be set")
	}

	after, err := m.Current(ctx)
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if after == before {
		t.Error("rotate did not change the current secret")
	}

	valid, err := m.Valid(ctx)
	if err != nil {
		t.Fatalf("Valid: %v", err)
	}
	if len(valid) != 2 {
		t.Fatalf("Valid: got %d secrets, want 2", len(valid))
	}
	if valid[0] != after || valid[1] != before {
		t.Error("Valid must list current first, then previous")
	}
}

func TestGraceWindowExpiry(t *testing.T) {
	m := NewManager(newMemSettings(), "")
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }

	if _, err := m.Current(ctx); err != nil {
		t.Fatalf("Current: %v", err)
	}
	if _, err := m.Rotate(ctx); err != nil {
		t.Fatalf("Rotate: %v", err)
	}

	// One second before the window closes the previous secret is valid.
	m.now = func() time.Time { return base.Add(GraceWindow - time.Second) }
	valid, err := m.Valid(ctx)
	if err != nil {
		t.Fatalf("Valid: %v", err)
	}
	if len(valid) != 2 {
		t.Errorf("just inside window: got %d secrets, want 2", len(valid))
	}

	// At exactly the window boundary the previous secret is no longer
	// accepted.
	m.now = func() time.Time { return base.Add(GraceWindow) }
	valid, err = m.Valid(ctx)
	if err != nil {
		t.Fatalf("Valid: %v", err)
	}
	if len(valid) != 1 {
		t.Errorf("at window boundary: got %d secrets, want 1", len(valid))
	}

	status, err := m.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.GraceActive {
		t.Error("grace window should be inactive at the boundary")
	}
	if !status.HasPrevious {
		t.Error("record still holds the previous secret after the window")
	}
}

func TestRotatePersistFailureLeavesStateUnchanged(t *testing.T) {
	settings := newMemSettings()
	m := NewManager(settings, "")
	ctx := context.Background()

	before, err := m.Current(ctx)
	if err != nil {
		t.Fatalf("Current: %v", err)
	}

	settings.mu.Lock()
	settings.setErr = errors.New("disk full")
	settings.mu.Unlock()

	if _, err := m.Rotate(ctx); err == nil {
		t.Fatal("expected rotate to fail when persistence fails")
	}

	after, err := m.Current(ctx)
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if after != before {
		t.Error("failed rotate must not change the in-memory secret")
	}

	valid, err := m.Valid(ctx)
	if err != nil {
		t.Fatalf("Valid: %v", err)
	}
	if len(valid) != 1 {
		t.Errorf("failed rotate must not add a previous secret, got %d", len(valid))
	}
}

func TestConcurrentRotate(t *testing.T) {
	m := NewManager(newMemSettings(), "")
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Rotate(ctx); err != nil {
				t.Errorf("Rotate: %v", err)
			}
		}()
	}
	wg.Wait()

	valid, err := m.Valid(ctx)
	if err != nil {
		t.Fatalf("Valid: %v", err)
	}
	if len(valid) != 2 {
		t.Errorf("after concurrent rotates: got %d secrets, want 2", len(valid))
	}
}
