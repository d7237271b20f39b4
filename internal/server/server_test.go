package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/quillcms/quill/internal/model"
	"github.com/quillcms/quill/internal/secrets"
	"github.com/quillcms/quill/internal/server/middleware"
	"github.com/quillcms/quill/internal/service"
	"github.com/quillcms/quill/internal/store"
	"github.com/quillcms/quill/internal/token"
)

func newTestServer(t *testing.T) (*Server, *store.Store, *service.AuthService) {
	t.Helper()

	st, err := store.NewStore("")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sm := secrets.NewManager(st, "test-signing-seed")
	codec := token.NewCodec(sm, "test-refresh-secret")
	authSvc := service.NewAuthService(st, codec, logger)

	cfg := DefaultConfig()
	cfg.Version = "test"
	srv := New(cfg, st, authSvc, sm, logger)
	return srv, st, authSvc
}

func createUser(t *testing.T, st *store.Store, email, password string, role model.Role) *model.User {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	user := &model.User{
		Email:        email,
		PasswordHash: string(hash),
		Role:         role,
		IsActive:     true,
	}
	if err := st.CreateUser(context.Background(), user); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	return user
}

// doJSON performs a request with an optional JSON body against the server.
func doJSON(t *testing.T, srv *Server, method, path string, body interface{}, mutate func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if mutate != nil {
		mutate(req)
	}

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

// login performs a login and returns the refresh cookie and parsed body.
func login(t *testing.T, srv *Server, email, password string) (*http.Cookie, map[string]interface{}) {
	t.Helper()

	rec := doJSON(t, srv, "POST", "/api/v1/auth/login",
		map[string]string{"email": email, "password": password}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("login: status %d, body %s", rec.Code, rec.Body.String())
	}

	var cookie *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == middleware.RefreshCookieName {
			cookie = c
		}
	}
	if cookie == nil {
		t.Fatal("login did not set the refresh cookie")
	}
	if !cookie.HttpOnly {
		t.Error("refresh cookie must be HttpOnly")
	}

	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode login body: %v", err)
	}
	if body["access_token"] == "" {
		t.Fatal("login body missing access token")
	}
	return cookie, body
}

func TestHealthAndOpenAPI(t *testing.T) {
	srv, _, _ := newTestServer(t)

	for _, path := range []string{"/healthz", "/readyz", "/openapi.json"} {
		rec := doJSON(t, srv, "GET", path, nil, nil)
		if rec.Code != http.StatusOK {
			t.Errorf("%s: status %d", path, rec.Code)
		}
	}

	rec := doJSON(t, srv, "GET", "/openapi.json", nil, nil)
	var doc map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("decode openapi doc: %v", err)
	}
	if doc["openapi"] == nil || doc["paths"] == nil {
		t.Error("openapi doc missing required top-level fields")
	}
}

func TestUnauthenticatedRequestRejected(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doJSON(t, srv, "GET", "/api/v1/posts/", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status: got %d, want 401", rec.Code)
	}

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["error"] != "Authentication required" {
		t.Errorf("error body must not disclose the failure mode, got %q", body["error"])
	}
}

func TestLoginRefreshSession(t *testing.T) {
	srv, st, _ := newTestServer(t)
	user := createUser(t, st, "writer@example.com", "password-one", model.RoleUser)

	cookie, body := login(t, srv, "writer@example.com", "password-one")
	if int64(body["user_id"].(float64)) != user.ID {
		t.Errorf("user_id: got %v, want %d", body["user_id"], user.ID)
	}

	// The refresh cookie alone authenticates API requests.
	rec := doJSON(t, srv, "GET", "/api/v1/posts/", nil, func(r *http.Request) {
		r.AddCookie(cookie)
	})
	if rec.Code != http.StatusOK {
		t.Errorf("cookie-authenticated list: status %d, body %s", rec.Code, rec.Body.String())
	}

	// And it can be exchanged for a fresh access token.
	rec = doJSON(t, srv, "POST", "/api/v1/auth/refresh", nil, func(r *http.Request) {
		r.AddCookie(cookie)
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("refresh: status %d, body %s", rec.Code, rec.Body.String())
	}
	var refreshBody map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &refreshBody); err != nil {
		t.Fatalf("decode refresh body: %v", err)
	}
	access, _ := refreshBody["access_token"].(string)
	if access == "" {
		t.Fatal("refresh did not return an access token")
	}

	// The fresh access token works as a bearer credential.
	rec = doJSON(t, srv, "GET", "/api/v1/posts/", nil, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+access)
	})
	if rec.Code != http.StatusOK {
		t.Errorf("bearer-authenticated list: status %d", rec.Code)
	}
}

func TestLoginFailureIsGeneric(t *testing.T) {
	srv, st, _ := newTestServer(t)
	createUser(t, st, "writer@example.com", "password-one", model.RoleUser)

	for name, creds := range map[string]map[string]string{
		"unknown email":  {"email": "nobody@example.com", "password": "password-one"},
		"wrong password": {"email": "writer@example.com", "password": "wrong"},
	} {
		rec := doJSON(t, srv, "POST", "/api/v1/auth/login", creds, nil)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s: status %d, want 401", name, rec.Code)
		}
		var body map[string]string
		json.Unmarshal(rec.Body.Bytes(), &body)
		if body["error"] != "Invalid credentials" {
			t.Errorf("%s: body %q leaks the failure mode", name, body["error"])
		}
	}
}

func TestAPIKeyScopeGates(t *testing.T) {
	srv, st, authSvc := newTestServer(t)
	ctx := context.Background()

	user := createUser(t, st, "ci@example.com", "password-one", model.RoleUser)
	_, readKey, err := authSvc.CreateAPIKey(ctx, user.ID, "readonly", []model.Scope{model.ScopeRead})
	if err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}

	// Read scope allows listing.
	rec := doJSON(t, srv, "GET", "/api/v1/posts/", nil, func(r *http.Request) {
		r.Header.Set("X-API-Key", readKey)
	})
	if rec.Code != http.StatusOK {
		t.Errorf("read with read scope: status %d", rec.Code)
	}

	// But not writing.
	rec = doJSON(t, srv, "POST", "/api/v1/posts/",
		map[string]interface{}{"title": "t", "body": "b"},
		func(r *http.Request) { r.Header.Set("X-API-Key", readKey) })
	if rec.Code != http.StatusForbidden {
		t.Errorf("write with read scope: status %d, want 403", rec.Code)
	}

	// An unknown key is a 401, not a 403.
	rec = doJSON(t, srv, "GET", "/api/v1/posts/", nil, func(r *http.Request) {
		r.Header.Set("X-API-Key", "quill_not_a_real_key")
	})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("unknown key: status %d, want 401", rec.Code)
	}
}

func TestAdminSurfaceRequiresAdminRole(t *testing.T) {
	srv, st, _ := newTestServer(t)
	createUser(t, st, "plain@example.com", "password-one", model.RoleUser)

	cookie, _ := login(t, srv, "plain@example.com", "password-one")

	rec := doJSON(t, srv, "GET", "/api/v1/admin/audit", nil, func(r *http.Request) {
		r.AddCookie(cookie)
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("non-admin on admin surface: status %d, want 403", rec.Code)
	}
}

func TestImpersonatedPostCreation(t *testing.T) {
	srv, st, _ := newTestServer(t)
	ctx := context.Background()

	admin := createUser(t, st, "admin@example.com", "password-one", model.RoleAdmin)
	target := createUser(t, st, "writer@example.com", "password-two", model.RoleUser)

	cookie, _ := login(t, srv, "admin@example.com", "password-one")

	// Start impersonation; the response is the header payload to replay.
	rec := doJSON(t, srv, "POST", "/api/v1/admin/impersonation",
		map[string]int64{"user_id": target.ID},
		func(r *http.Request) { r.AddCookie(cookie) })
	if rec.Code != http.StatusOK {
		t.Fatalf("start impersonation: status %d, body %s", rec.Code, rec.Body.String())
	}
	grant := strings.TrimSpace(rec.Body.String())

	// Create a post while impersonating.
	rec = doJSON(t, srv, "POST", "/api/v1/posts/",
		map[string]interface{}{"title": "ghostwritten", "body": "content", "published": true},
		func(r *http.Request) {
			r.AddCookie(cookie)
			r.Header.Set(middleware.ImpersonateHeader, grant)
		})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create post: status %d, body %s", rec.Code, rec.Body.String())
	}

	var post model.Post
	if err := json.Unmarshal(rec.Body.Bytes(), &post); err != nil {
		t.Fatalf("decode post: %v", err)
	}
	if post.AuthorID != target.ID {
		t.Errorf("AuthorID: got %d, want impersonated user %d", post.AuthorID, target.ID)
	}
	if post.CreatedByAdminID == nil || *post.CreatedByAdminID != admin.ID {
		t.Errorf("CreatedByAdminID: got %v, want %d", post.CreatedByAdminID, admin.ID)
	}

	// The start call was audited with the real admin as actor.
	events, err := st.ListAuditEvents(ctx, 10)
	if err != nil {
		t.Fatalf("ListAuditEvents: %v", err)
	}
	var found bool
	for _, ev := range events {
		if ev.Action == model.AuditImpersonationStart {
			found = true
			if ev.ActorID != admin.ID {
				t.Errorf("audit actor: got %d, want admin %d", ev.ActorID, admin.ID)
			}
			if ev.TargetID == nil || *ev.TargetID != target.ID {
				t.Errorf("audit target: got %v, want %d", ev.TargetID, target.ID)
			}
		}
	}
	if !found {
		t.Error("impersonation start was not audited")
	}
}

func TestSecretRotationEndpoint(t *testing.T) {
	srv, st, _ := newTestServer(t)
	createUser(t, st, "admin@example.com", "password-one", model.RoleAdmin)

	cookie, _ := login(t, srv, "admin@example.com", "password-one")

	rec := doJSON(t, srv, "POST", "/api/v1/admin/secrets/rotation", nil, func(r *http.Request) {
		r.AddCookie(cookie)
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("rotate: status %d, body %s", rec.Code, rec.Body.String())
	}

	var status secrets.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if !status.HasCurrent || !status.HasPrevious || !status.GraceActive {
		t.Errorf("status after rotation: %+v", status)
	}

	// The response must carry metadata only, never secret material.
	raw, err := st.GetSetting(context.Background(), "signing_secrets")
	if err != nil {
		t.Fatalf("GetSetting: %v", err)
	}
	var record struct {
		Current  string `json:"current"`
		Previous string `json:"previous"`
	}
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		t.Fatalf("decode persisted record: %v", err)
	}
	body := rec.Body.String()
	if record.Current != "" && bytes.Contains([]byte(body), []byte(record.Current)) {
		t.Error("rotation response leaks the current secret")
	}
	if record.Previous != "" && bytes.Contains([]byte(body), []byte(record.Previous)) {
		t.Error("rotation response leaks the previous secret")
	}

	// Sessions survive rotation: the admin's cookie still authenticates.
	rec = doJSON(t, srv, "GET", "/api/v1/admin/secrets", nil, func(r *http.Request) {
		r.AddCookie(cookie)
	})
	if rec.Code != http.StatusOK {
		t.Errorf("status after rotation: %d", rec.Code)
	}
}
