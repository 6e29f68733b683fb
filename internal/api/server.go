// Package api is the REST surface: session and status endpoints, packet
// history reads, aggregate reports, the contact inbox and the admin reset.
// Realtime delivery (socket.io, websocket feed) is mounted here but owned by
// the bcast package.
package api

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tracel/backend/internal/aggregate"
	"github.com/tracel/backend/internal/events"
	"github.com/tracel/backend/internal/identity"
	"github.com/tracel/backend/internal/pipeline"
	"github.com/tracel/backend/internal/storage"
)

// AIStatus is the slice of the scoring client the API needs: readiness for
// /api/status and the active probe behind /health?load=1.
type AIStatus interface {
	Ready() bool
	Probe(ctx context.Context) error
}

// SessionSource reports per-owner session state. Satisfied by the pipeline
// manager.
type SessionSource interface {
	StartedAt() time.Time
	Session(owner string) (pipeline.SessionInfo, bool)
}

// Config is the HTTP-facing slice of the service configuration.
type Config struct {
	AllowedOrigins         []string
	RateLimitPerMin        int
	RateLimitEnabled       bool
	ContactRateLimitPerMin int
}

// Deps are the server's collaborators. Socket and Feed are optional; tests
// exercise the JSON surface without realtime transports.
type Deps struct {
	Resolver   *identity.Resolver
	Store      *storage.Store
	Aggregates *aggregate.Service
	AI         AIStatus
	Sessions   SessionSource
	Bus        *events.EventBus
	Socket     http.Handler
	Feed       http.HandlerFunc
}

// Server wires middleware and routes into one http.Handler.
type Server struct {
	cfg            Config
	resolver       *identity.Resolver
	store          *storage.Store
	agg            *aggregate.Service
	ai             AIStatus
	sessions       SessionSource
	bus            *events.EventBus
	socket         http.Handler
	feed           http.HandlerFunc
	limiter        *Limiter
	contactLimiter *Limiter
	logger         *log.Logger
	handler        http.Handler
}

func NewServer(cfg Config, deps Deps) *Server {
	s := &Server{
		cfg:      cfg,
		resolver: deps.Resolver,
		store:    deps.Store,
		agg:      deps.Aggregates,
		ai:       deps.AI,
		sessions: deps.Sessions,
		bus:      deps.Bus,
		socket:   deps.Socket,
		feed:     deps.Feed,
		logger:   log.New(log.Writer(), "[API] ", log.LstdFlags),
	}
	if cfg.RateLimitEnabled {
		s.limiter = NewLimiter(cfg.RateLimitPerMin)
	}
	if cfg.ContactRateLimitPerMin > 0 {
		s.contactLimiter = NewLimiter(cfg.ContactRateLimitPerMin)
	}
	s.handler = s.buildHandler()
	return s
}

// Handler returns the complete middleware + route chain.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) buildHandler() http.Handler {
	r := mux.NewRouter()

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.rateLimit, s.withIdentity)
	api.HandleFunc("/session", s.handleSession).Methods(http.MethodGet)
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/packets", s.handlePackets).Methods(http.MethodGet)
	api.HandleFunc("/packets/count", s.handlePacketCount).Methods(http.MethodGet)
	api.HandleFunc("/threats/count", s.handleThreatCount).Methods(http.MethodGet)
	api.HandleFunc("/threat-intel", s.handleThreatIntel).Methods(http.MethodGet)
	api.HandleFunc("/incidents/timeline", s.handleTimeline).Methods(http.MethodGet)
	api.HandleFunc("/contact", s.handleContactSubmit).Methods(http.MethodPost)
	api.HandleFunc("/contact", s.handleContactList).Methods(http.MethodGet)
	api.HandleFunc("/admin/reset-mongo", s.handleReset).Methods(http.MethodPost)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	if s.feed != nil {
		r.HandleFunc("/ws/feed", s.feed)
	}
	if s.socket != nil {
		r.PathPrefix("/socket.io/").Handler(s.socket)
	}

	// CORS sits outside the router so preflights are answered even for
	// method-restricted routes.
	return s.requestID(s.accessLog(s.cors(r)))
}
