package middleware

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/quillcms/quill/internal/model"
	"github.com/quillcms/quill/internal/service"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// withPrincipal attaches a principal to the request context, standing in
// for the Authenticate middleware.
func withPrincipal(r *http.Request, p *service.Principal) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), AuthPrincipalKey, p))
}

func okHandler(called *bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*called = true
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequireRoleNoPrincipal(t *testing.T) {
	var called bool
	h := RequireRole(model.RoleAdmin)(okHandler(&called))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/admin", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status: got %d, want 401", rec.Code)
	}
	if called {
		t.Error("handler must not run without a principal")
	}
}

func TestRequireRoleMismatch(t *testing.T) {
	var called bool
	h := RequireRole(model.RoleAdmin)(okHandler(&called))

	p := &service.Principal{ID: 1, Role: model.RoleUser, Scopes: model.AllScopes()}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, withPrincipal(httptest.NewRequest("GET", "/admin", nil), p))

	if rec.Code != http.StatusForbidden {
		t.Errorf("status: got %d, want 403", rec.Code)
	}
	if called {
		t.Error("handler must not run for the wrong role")
	}
}

func TestRequireRoleMatch(t *testing.T) {
	var called bool
	h := RequireRole(model.RoleAdmin)(okHandler(&called))

	p := &service.Principal{ID: 1, Role: model.RoleAdmin, Scopes: model.AllScopes()}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, withPrincipal(httptest.NewRequest("GET", "/admin", nil), p))

	if rec.Code != http.StatusOK || !called {
		t.Errorf("expected handler to run, status %d", rec.Code)
	}
}

func TestRequireScope(t *testing.T) {
	cases := map[string]struct {
		scopes     []model.Scope
		wantStatus int
	}{
		"granted":  {[]model.Scope{model.ScopeRead, model.ScopeWrite}, http.StatusOK},
		"missing":  {[]model.Scope{model.ScopeRead}, http.StatusForbidden},
		"no scope": {nil, http.StatusForbidden},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			var called bool
			h := RequireScope(model.ScopeWrite)(okHandler(&called))

			p := &service.Principal{ID: 1, Role: model.RoleUser, Scopes: tc.scopes}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, withPrincipal(httptest.NewRequest("POST", "/posts", nil), p))

			if rec.Code != tc.wantStatus {
				t.Errorf("status: got %d, want %d", rec.Code, tc.wantStatus)
			}
			if called != (tc.wantStatus == http.StatusOK) {
				t.Errorf("handler called = %v", called)
			}
		})
	}
}

func TestImpersonateOverlayForAdmin(t *testing.T) {
	var seen *service.Principal
	h := Impersonate(testLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetPrincipal(r.Context())
	}))

	admin := &service.Principal{
		ID:     1,
		Email:  "admin@example.com",
		Role:   model.RoleAdmin,
		Scopes: model.AllScopes(),
	}
	req := httptest.NewRequest("POST", "/posts", nil)
	req.Header.Set(ImpersonateHeader, `{"userId": 42, "email": "writer@example.com"}`)
	h.ServeHTTP(httptest.NewRecorder(), withPrincipal(req, admin))

	if seen == nil {
		t.Fatal("handler did not run")
	}
	if seen.ID != 42 || seen.Email != "writer@example.com" {
		t.Errorf("identity not rewritten: %+v", seen)
	}
	if seen.Impersonating == nil {
		t.Fatal("expected impersonation record on principal")
	}
	if seen.Impersonating.OriginalAdminID != 1 {
		t.Errorf("OriginalAdminID: got %d, want 1", seen.Impersonating.OriginalAdminID)
	}
	if seen.Role != model.RoleAdmin {
		t.Errorf("overlay must not change the role, got %q", seen.Role)
	}
}

func TestImpersonateIgnoredOnReadMethods(t *testing.T) {
	var seen *service.Principal
	h := Impersonate(testLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetPrincipal(r.Context())
	}))

	admin := &service.Principal{ID: 1, Role: model.RoleAdmin, Scopes: model.AllScopes()}
	req := httptest.NewRequest("GET", "/posts", nil)
	req.Header.Set(ImpersonateHeader, `{"userId": 42, "email": "writer@example.com"}`)
	h.ServeHTTP(httptest.NewRecorder(), withPrincipal(req, admin))

	if seen.ID != 1 || seen.Impersonating != nil {
		t.Errorf("overlay applied on a read method: %+v", seen)
	}
}

func TestImpersonateIgnoredForNonAdmin(t *testing.T) {
	var seen *service.Principal
	h := Impersonate(testLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetPrincipal(r.Context())
	}))

	user := &service.Principal{ID: 5, Role: model.RoleUser, Scopes: model.AllScopes()}
	req := httptest.NewRequest("POST", "/posts", nil)
	req.Header.Set(ImpersonateHeader, `{"userId": 42, "email": "writer@example.com"}`)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, withPrincipal(req, user))

	if rec.Code != http.StatusOK {
		t.Errorf("non-admin request must proceed, got %d", rec.Code)
	}
	if seen.ID != 5 || seen.Impersonating != nil {
		t.Errorf("overlay applied for non-admin: %+v", seen)
	}
}

func TestImpersonateIgnoresMalformedHeader(t *testing.T) {
	cases := map[string]string{
		"not json":     "42",
		"missing id":   `{"email": "writer@example.com"}`,
		"missing mail": `{"userId": 42}`,
	}

	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			var seen *service.Principal
			h := Impersonate(testLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = GetPrincipal(r.Context())
			}))

			admin := &service.Principal{ID: 1, Role: model.RoleAdmin, Scopes: model.AllScopes()}
			req := httptest.NewRequest("POST", "/posts", nil)
			req.Header.Set(ImpersonateHeader, header)

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, withPrincipal(req, admin))

			if rec.Code != http.StatusOK {
				t.Errorf("malformed header must not fail the request, got %d", rec.Code)
			}
			if seen.ID != 1 || seen.Impersonating != nil {
				t.Errorf("overlay applied from malformed header: %+v", seen)
			}
		})
	}
}

func TestRequestIDGenerated(t *testing.T) {
	var got string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = GetRequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	if got == "" {
		t.Fatal("expected a generated request id")
	}
	if rec.Header().Get(RequestIDHeader) != got {
		t.Error("request id not echoed in response header")
	}
}

func TestRequestIDPropagated(t *testing.T) {
	var got string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = GetRequestID(r.Context())
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set(RequestIDHeader, "client-supplied-id")
	h.ServeHTTP(httptest.NewRecorder(), req)

	if got != "client-supplied-id" {
		t.Errorf("got %q, want the client-supplied id", got)
	}
}
