// internal/server/server.go

package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/radiusmatch/rendezvous/internal/config"
	"github.com/radiusmatch/rendezvous/internal/location"
	"github.com/radiusmatch/rendezvous/internal/observer"
	"github.com/radiusmatch/rendezvous/internal/server/handlers"
)

// Server wraps the HTTP server exposing the three thin core-owned
// endpoints. Auth, user/profile CRUD, and chat/message CRUD are owned by
// external services and are not represented here.
type Server struct {
	server *http.Server
	router *chi.Mux
}

// NewServer creates a new HTTP server.
func NewServer(
	cfg config.ServerConfig,
	locationService *location.Service,
	matchStore handlers.MatchStore,
	events observer.EventEmitter,
	logger *zap.Logger,
) *Server {
	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(60 * time.Second))

	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CorsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	locationHandler := handlers.NewLocationHandler(locationService)
	matchHandler := handlers.NewMatchHandler(matchStore, events, logger)

	router.Route("/api", func(r chi.Router) {
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("OK"))
		})

		r.Route("/v1", func(r chi.Router) {
			r.Route("/locations", func(r chi.Router) {
				r.Post("/", locationHandler.UpdateLocation)
			})

			r.Route("/matches", func(r chi.Router) {
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", matchHandler.GetMatch)
					r.Post("/accept", matchHandler.AcceptMatch)
					r.Post("/decline", matchHandler.DeclineMatch)
				})
			})
		})
	})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return &Server{
		server: httpServer,
		router: router,
	}
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
