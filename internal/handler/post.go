package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/quillcms/quill/internal/model"
	"github.com/quillcms/quill/internal/server/middleware"
	"github.com/quillcms/quill/internal/store"
)

// PostHandler serves the post resource. Its write path is where the
// impersonation overlay becomes visible: authorship comes from the request
// principal, which may have been rewritten to a target user, with the
// original admin recorded alongside.
type PostHandler struct {
	store *store.Store
}

// NewPostHandler creates a PostHandler.
func NewPostHandler(st *store.Store) *PostHandler {
	return &PostHandler{store: st}
}

// createPostRequest is the expected payload for CreatePost.
type createPostRequest struct {
	Title     string `json:"title"`
	Body      string `json:"body"`
	Published bool   `json:"published"`
}

// ListPosts returns posts newest first.
// GET /api/v1/posts
func (h *PostHandler) ListPosts(w http.ResponseWriter, r *http.Request) {
	limit := clampInt(queryInt(r, "limit", 50), 1, 500)
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	posts, err := h.store.ListPosts(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list posts")
		return
	}

	writeJSON(w, http.StatusOK, model.ListResponse{
		Resource: posts,
		Meta:     &model.ResponseMeta{Count: len(posts), Limit: limit, Offset: offset},
	})
}

// GetPost returns a single post by ID.
// GET /api/v1/posts/{postID}
func (h *PostHandler) GetPost(w http.ResponseWriter, r *http.Request) {
	postID, err := strconv.ParseInt(chi.URLParam(r, "postID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid post ID")
		return
	}

	post, err := h.store.GetPost(r.Context(), postID)
	if err != nil {
		if isNotFound(err) {
			writeError(w, http.StatusNotFound, "Post not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to get post")
		return
	}

	writeJSON(w, http.StatusOK, post)
}

// CreatePost creates a post authored by the request principal. Under
// impersonation the author is the target user and the original admin is
// preserved in created_by_admin_id.
// POST /api/v1/posts
func (h *PostHandler) CreatePost(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())

	var req createPostRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Title == "" {
		writeError(w, http.StatusBadRequest, "Title is required")
		return
	}

	post := &model.Post{
		AuthorID:  principal.ID,
		Title:     req.Title,
		Body:      req.Body,
		Published: req.Published,
	}
	if imp := principal.Impersonating; imp != nil {
		post.CreatedByAdminID = &imp.OriginalAdminID
	}

	if err := h.store.CreatePost(r.Context(), post); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create post")
		return
	}

	writeJSON(w, http.StatusCreated, post)
}
