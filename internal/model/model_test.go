package model

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestRoleValid(t *testing.T) {
	for _, role := range []Role{RoleUser, RoleAdmin} {
		if !role.Valid() {
			t.Errorf("%q should be valid", role)
		}
	}
	for _, role := range []Role{"", "root", "Admin"} {
		if role.Valid() {
			t.Errorf("%q should be invalid", role)
		}
	}
}

func TestValidScope(t *testing.T) {
	for _, s := range AllScopes() {
		if !ValidScope(s) {
			t.Errorf("%q should be valid", s)
		}
	}
	if ValidScope("delete") || ValidScope("") {
		t.Error("unknown scopes accepted")
	}
}

func TestAPIKeyHasScope(t *testing.T) {
	key := &APIKey{Scopes: []Scope{ScopeRead, ScopeWrite}}

	if !key.HasScope(ScopeRead) || !key.HasScope(ScopeWrite) {
		t.Error("granted scopes not reported")
	}
	if key.HasScope(ScopeAdmin) {
		t.Error("ungranted scope reported")
	}
}

func TestSensitiveFieldsHiddenFromJSON(t *testing.T) {
	user := User{
		ID:           1,
		Email:        "a@example.com",
		PasswordHash: "bcrypt-hash-value",
		Role:         RoleUser,
	}
	data, err := json.Marshal(user)
	if err != nil {
		t.Fatalf("marshal user: %v", err)
	}
	if strings.Contains(string(data), "bcrypt-hash-value") {
		t.Error("password hash serialized to JSON")
	}

	key := APIKey{
		ID:        1,
		KeyHash:   "key-hash-value",
		KeyPrefix: "quill_abc123",
		Scopes:    []Scope{ScopeRead},
	}
	data, err = json.Marshal(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	if strings.Contains(string(data), "key-hash-value") {
		t.Error("key hash serialized to JSON")
	}
	if !strings.Contains(string(data), "quill_abc123") {
		t.Error("cleartext prefix should serialize for identification")
	}
}
