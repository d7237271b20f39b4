// Package openapi generates the OpenAPI document for Quill's HTTP surface.
package openapi

import (
	"net/http"

	"github.com/getkin/kin-openapi/openapi3"
)

// Generate builds the OpenAPI 3.1 spec for the Quill API.
func Generate(version, baseURL string) *openapi3.T {
	doc := &openapi3.T{
		OpenAPI: "3.1.0",
		Info: &openapi3.Info{
			Title:       "Quill API",
			Description: "Authentication, API key, and content endpoints for the Quill blogging platform.",
			Version:     version,
		},
		Servers: openapi3.Servers{
			{URL: baseURL},
		},
	}

	components := openapi3.NewComponents()
	components.Schemas = openapi3.Schemas{}
	components.SecuritySchemes = openapi3.SecuritySchemes{}
	doc.Components = &components

	doc.Components.SecuritySchemes["apiKey"] = &openapi3.SecuritySchemeRef{
		Value: &openapi3.SecurityScheme{
			Type: "apiKey",
			In:   "header",
			Name: "X-API-Key",
		},
	}
	doc.Components.SecuritySchemes["bearerAuth"] = &openapi3.SecuritySchemeRef{
		Value: &openapi3.SecurityScheme{
			Type:         "http",
			Scheme:       "bearer",
			BearerFormat: "JWT",
		},
	}
	doc.Components.SecuritySchemes["refreshCookie"] = &openapi3.SecuritySchemeRef{
		Value: &openapi3.SecurityScheme{
			Type: "apiKey",
			In:   "cookie",
			Name: "refreshToken",
		},
	}

	doc.Security = openapi3.SecurityRequirements{
		{"apiKey": {}},
		{"bearerAuth": {}},
		{"refreshCookie": {}},
	}

	doc.Components.Schemas["ErrorResponse"] = &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type: &openapi3.Types{"object"},
			Properties: openapi3.Schemas{
				"error": &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}}},
			},
		},
	}
	doc.Components.Schemas["Session"] = &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type: &openapi3.Types{"object"},
			Properties: openapi3.Schemas{
				"access_token": &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}}},
				"token_type":   &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}}},
				"expires_in":   &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}, Format: "int32"}},
				"user_id":      &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}, Format: "int64"}},
				"email":        &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}}},
				"role":         &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}, Enum: []interface{}{"user", "admin"}}},
			},
		},
	}
	doc.Components.Schemas["APIKey"] = &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type: &openapi3.Types{"object"},
			Properties: openapi3.Schemas{
				"id":         &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}, Format: "int64"}},
				"name":       &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}}},
				"key_prefix": &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}}},
				"scopes": &openapi3.SchemaRef{Value: &openapi3.Schema{
					Type:  &openapi3.Types{"array"},
					Items: &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}, Enum: []interface{}{"read", "write", "admin"}}},
				}},
				"is_active": &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"boolean"}}},
			},
		},
	}
	doc.Components.Schemas["Post"] = &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type: &openapi3.Types{"object"},
			Properties: openapi3.Schemas{
				"id":                  &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}, Format: "int64"}},
				"author_id":           &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}, Format: "int64"}},
				"title":               &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}}},
				"body":                &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}}},
				"published":           &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"boolean"}}},
				"created_by_admin_id": &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}, Format: "int64"}},
			},
		},
	}

	doc.Paths = openapi3.NewPaths()

	addJSONOp(doc, "/api/v1/auth/login", http.MethodPost, "Log in",
		"Verify email/password, set the refresh-token cookie, and return an access token.", "Session", false)
	addJSONOp(doc, "/api/v1/auth/register", http.MethodPost, "Register",
		"Create a new account with the default user role.", "", false)
	addJSONOp(doc, "/api/v1/auth/refresh", http.MethodPost, "Refresh access token",
		"Exchange the refresh-token cookie for a new access token.", "Session", false)
	addJSONOp(doc, "/api/v1/auth/session", http.MethodDelete, "Log out",
		"Clear the refresh-token cookie.", "", false)

	addJSONOp(doc, "/api/v1/keys", http.MethodGet, "List API keys",
		"List the calling user's API keys.", "APIKey", true)
	addJSONOp(doc, "/api/v1/keys", http.MethodPost, "Create API key",
		"Mint a new API key. The raw key is returned exactly once.", "APIKey", true)
	addJSONOp(doc, "/api/v1/keys/{keyID}", http.MethodDelete, "Revoke API key",
		"Deactivate an API key.", "", true)

	addJSONOp(doc, "/api/v1/posts", http.MethodGet, "List posts",
		"List posts, newest first.", "Post", true)
	addJSONOp(doc, "/api/v1/posts", http.MethodPost, "Create post",
		"Create a post authored by the request principal. Admins may attribute the post to another user via the X-Impersonate-User header.", "Post", true)
	addJSONOp(doc, "/api/v1/posts/{postID}", http.MethodGet, "Get post",
		"Fetch a single post.", "Post", true)

	addJSONOp(doc, "/api/v1/admin/impersonation", http.MethodPost, "Start impersonation",
		"Validate a target user and return the X-Impersonate-User payload. Admin only.", "", true)
	addJSONOp(doc, "/api/v1/admin/impersonation", http.MethodDelete, "Stop impersonation",
		"Record the end of an impersonation session. Admin only.", "", true)
	addJSONOp(doc, "/api/v1/admin/secrets/rotation", http.MethodPost, "Rotate signing secret",
		"Mint a new access-token signing secret; the previous one stays valid for a 24h grace window. Admin only.", "", true)
	addJSONOp(doc, "/api/v1/admin/secrets", http.MethodGet, "Signing secret status",
		"Report rotation metadata without exposing secret values. Admin only.", "", true)
	addJSONOp(doc, "/api/v1/admin/audit", http.MethodGet, "List audit events",
		"List recent privileged actions, newest first. Admin only.", "", true)

	return doc
}

// addJSONOp registers a JSON operation on the document with the standard
// error responses. schemaName, if non-empty, names the 2xx response schema.
func addJSONOp(doc *openapi3.T, path, method, summary, description, schemaName string, secured bool) {
	op := openapi3.NewOperation()
	op.Summary = summary
	op.Description = description
	op.Responses = openapi3.NewResponses()

	okDesc := "Success"
	okResp := &openapi3.Response{Description: &okDesc}
	if schemaName != "" {
		okResp.Content = openapi3.NewContentWithJSONSchemaRef(
			openapi3.NewSchemaRef("#/components/schemas/"+schemaName, nil))
	}
	op.Responses.Set("200", &openapi3.ResponseRef{Value: okResp})

	errRef := openapi3.NewContentWithJSONSchemaRef(
		openapi3.NewSchemaRef("#/components/schemas/ErrorResponse", nil))
	for _, code := range []string{"401", "403", "500"} {
		desc := "Error"
		op.Responses.Set(code, &openapi3.ResponseRef{
			Value: &openapi3.Response{Description: &desc, Content: errRef},
		})
	}

	if !secured {
		op.Security = &openapi3.SecurityRequirements{}
	}

	pathItem := doc.Paths.Value(path)
	if pathItem == nil {
		pathItem = &openapi3.PathItem{}
		doc.Paths.Set(path, pathItem)
	}
	pathItem.SetOperation(method, op)
}
