// Package api is the management protocol endpoint: a JSON REST surface for
// adapter and device operations plus a WebSocket event stream. It translates
// requests into calls on the adapter machine, session manager, and registry,
// and translates their error taxonomy into HTTP status codes.
package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/blued-org/blued/internal/adapter"
	"github.com/blued-org/blued/internal/auth"
	"github.com/blued-org/blued/internal/config"
	"github.com/blued-org/blued/internal/events"
	"github.com/blued-org/blued/internal/registry"
	"github.com/blued-org/blued/internal/session"
)

type claimsKey struct{}

// Server is the management API server.
type Server struct {
	cfg      config.APIConfig
	adapter  *adapter.Machine
	sessions *session.Manager
	registry *registry.Registry
	hub      *events.Hub
	auth     *auth.JWTManager
	router   chi.Router
	server   *http.Server
}

func NewServer(cfg config.APIConfig, machine *adapter.Machine, sessions *session.Manager, reg *registry.Registry, hub *events.Hub, jwt *auth.JWTManager) *Server {
	s := &Server{
		cfg:      cfg,
		adapter:  machine,
		sessions: sessions,
		registry: reg,
		hub:      hub,
		auth:     jwt,
		router:   chi.NewRouter(),
	}
	s.setupRoutes()
	s.server = &http.Server{
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the route tree, used by the daemon and by httptest.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Post("/auth/login", s.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Route("/adapter", func(r chi.Router) {
				r.Get("/", s.handleGetAdapter)
				r.Post("/power", s.handleSetPower)
				r.Post("/discovery/start", s.handleStartDiscovery)
				r.Post("/discovery/stop", s.handleStopDiscovery)
			})

			r.Route("/devices", func(r chi.Router) {
				r.Get("/", s.handleListDevices)
				r.Route("/{addr}", func(r chi.Router) {
					r.Get("/", s.handleGetDevice)
					r.Delete("/", s.handleForget)
					r.Post("/bond", s.handleBond)
					r.Delete("/bond", s.handleCancelBond)
					r.Post("/connect", s.handleConnect)
					r.Post("/disconnect", s.handleDisconnect)
				})
			})

			r.Get("/events", s.handleEvents)
		})
	})
}

// ListenAndServe runs the server until Shutdown.
func (s *Server) ListenAndServe() error {
	s.server.Addr = s.cfg.Listen
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			s.respondError(w, http.StatusUnauthorized, "missing authorization header")
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			s.respondError(w, http.StatusUnauthorized, "invalid authorization header")
			return
		}
		claims, err := s.auth.ValidateToken(parts[1])
		if err != nil {
			s.respondError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) credentialsValid(username, password string) bool {
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(s.cfg.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(s.cfg.Password)) == 1
	return userOK && passOK
}
