// Package httpapi exposes the chat REST surface and the WebSocket upgrade
// endpoint. Everything stateful lives in the injected collaborators; the
// handlers only translate HTTP to their calls.
package httpapi

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/venueops/chatcore/internal/auth"
	"github.com/venueops/chatcore/internal/metrics"
	"github.com/venueops/chatcore/internal/presence"
	"github.com/venueops/chatcore/internal/ratelimit"
	"github.com/venueops/chatcore/internal/session"
	"github.com/venueops/chatcore/internal/store"
	"github.com/venueops/chatcore/internal/unread"
)

// HistoryLimitDefault caps a history page when the client sends no limit.
const HistoryLimitDefault = 50

// HistoryLimitMax is the hard ceiling for one history page.
const HistoryLimitMax = 200

// Server bundles the handler dependencies.
type Server struct {
	store    *store.Store
	tracker  *unread.Tracker
	registry *presence.Registry
	manager  *session.Manager
	verifier auth.Authenticator
	limiter  ratelimit.Allower
	log      zerolog.Logger
}

// NewServer creates the HTTP surface. limiter may be nil, which disables
// the per-IP connect throttle.
func NewServer(st *store.Store, tracker *unread.Tracker, registry *presence.Registry, manager *session.Manager, verifier auth.Authenticator, limiter ratelimit.Allower, log zerolog.Logger) *Server {
	return &Server{
		store:    st,
		tracker:  tracker,
		registry: registry,
		manager:  manager,
		verifier: verifier,
		limiter:  limiter,
		log:      log,
	}
}

// Router builds the chi mux.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(s.log))
	r.Use(chimw.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Handle("/metrics", metrics.Handler())
	r.Get("/health", s.handleHealth)

	// The upgrade handler authenticates itself: browsers cannot set an
	// Authorization header on a WebSocket dial, so the token may arrive
	// in the query string instead.
	r.Get("/ws", s.handleWS)

	r.Group(func(r chi.Router) {
		r.Use(requireBearer(s.verifier))

		r.Route("/api/chat", func(r chi.Router) {
			r.Get("/history", s.handleHistory)
			r.Get("/conversations", s.handleConversations)
			r.Get("/messages/{peerID}", s.handleMessages)
			r.Post("/mark-read", s.handleMarkRead)
		})
	})

	return r
}
