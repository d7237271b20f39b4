package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/quillcms/quill/internal/handler"
	"github.com/quillcms/quill/internal/model"
	"github.com/quillcms/quill/internal/openapi"
	"github.com/quillcms/quill/internal/secrets"
	"github.com/quillcms/quill/internal/server/middleware"
	"github.com/quillcms/quill/internal/service"
	"github.com/quillcms/quill/internal/store"
)

// Config holds the HTTP server configuration.
type Config struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
	CORSOrigins     []string
	LoginRateLimit  int // requests per minute per IP on login/register
	Version         string
}

// DefaultConfig returns a Config with sensible production defaults.
func DefaultConfig() Config {
	return Config{
		Host:            "0.0.0.0",
		Port:            8080,
		ShutdownTimeout: 30 * time.Second,
		CORSOrigins:     []string{"*"},
		LoginRateLimit:  10,
		Version:         "dev",
	}
}

// Server is the top-level HTTP server for Quill. It owns the Chi router,
// the store, the authentication service, and the secret rotation manager.
type Server struct {
	cfg        Config
	router     chi.Router
	store      *store.Store
	authSvc    *service.AuthService
	secrets    *secrets.Manager
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a new Server, wires up all routes and middleware, and returns
// it ready to listen. Call ListenAndServe to start accepting connections.
func New(cfg Config, st *store.Store, authSvc *service.AuthService, sm *secrets.Manager, logger *slog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		store:   st,
		authSvc: authSvc,
		secrets: sm,
		logger:  logger,
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// --- Global middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(s.logger))
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Impersonate-User", "X-Requested-With"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(chimw.Compress(5))

	// --- Health checks (no auth required) ---
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)

	// --- OpenAPI spec (no auth required) ---
	r.Get("/openapi.json", s.handleOpenAPI)

	// --- API routes ---
	r.Route("/api/v1", func(r chi.Router) {
		authHandler := handler.NewAuthHandler(s.authSvc)
		keyHandler := handler.NewAPIKeyHandler(s.store, s.authSvc)
		adminHandler := handler.NewAdminHandler(s.store, s.secrets)
		postHandler := handler.NewPostHandler(s.store)

		// Session endpoints are unauthenticated (login/register/refresh)
		// or self-authenticated (logout). Login and register are rate
		// limited per IP.
		r.Route("/auth", func(r chi.Router) {
			r.Group(func(r chi.Router) {
				r.Use(middleware.RateLimit(s.cfg.LoginRateLimit))
				r.Post("/login", authHandler.Login)
				r.Post("/register", authHandler.Register)
			})
			r.Post("/refresh", authHandler.Refresh)
			r.Delete("/session", authHandler.Logout)
		})

		// API key self-management.
		r.Route("/keys", func(r chi.Router) {
			r.Use(middleware.Authenticate(s.authSvc, s.logger))
			r.Get("/", keyHandler.ListKeys)
			r.Post("/", keyHandler.CreateKey)
			r.Delete("/{keyID}", keyHandler.RevokeKey)
		})

		// Posts: read gate on reads, write gate plus the impersonation
		// overlay on writes. The overlay runs after the gates so checks
		// always see the original principal.
		r.Route("/posts", func(r chi.Router) {
			r.Use(middleware.Authenticate(s.authSvc, s.logger))

			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireScope(model.ScopeRead))
				r.Get("/", postHandler.ListPosts)
				r.Get("/{postID}", postHandler.GetPost)
			})

			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireScope(model.ScopeWrite))
				r.Use(middleware.Impersonate(s.logger))
				r.Post("/", postHandler.CreatePost)
			})
		})

		// Admin surface: admin role plus admin scope.
		r.Route("/admin", func(r chi.Router) {
			r.Use(middleware.Authenticate(s.authSvc, s.logger))
			r.Use(middleware.RequireRole(model.RoleAdmin))
			r.Use(middleware.RequireScope(model.ScopeAdmin))

			r.Post("/impersonation", adminHandler.StartImpersonation)
			r.Delete("/impersonation", adminHandler.StopImpersonation)
			r.Post("/secrets/rotation", adminHandler.RotateSecret)
			r.Get("/secrets", adminHandler.SecretStatus)
			r.Get("/audit", adminHandler.ListAudit)
		})
	})

	s.router = r
}

// handleHealthz is a liveness probe. Returns 200 if the process is running.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// handleReadyz is a readiness probe. Returns 200 when the store is
// reachable, or 503 otherwise.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	httpStatus := http.StatusOK

	if err := s.store.Ping(r.Context()); err != nil {
		status = "degraded: " + err.Error()
		httpStatus = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(map[string]interface{}{"status": status})
}

// handleOpenAPI serves the generated OpenAPI document.
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	baseURL := fmt.Sprintf("http://%s", r.Host)
	doc := openapi.Generate(s.cfg.Version, baseURL)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(doc)
}

// ListenAndServe starts the HTTP server and blocks until a SIGINT or SIGTERM
// is received. It then performs a graceful shutdown, draining in-flight
// requests before returning.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Listen for shutdown signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Start server in background goroutine
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server listen: %w", err)
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the underlying Chi router, useful for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

// ServeHTTP implements http.Handler, delegating to the router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
