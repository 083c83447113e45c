package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tellemthatsme/ai-empire-monitoring-suite/internal/memory"
	"github.com/tellemthatsme/ai-empire-monitoring-suite/internal/monitor"
	"github.com/tellemthatsme/ai-empire-monitoring-suite/internal/orchestrator"
	empotel "github.com/tellemthatsme/ai-empire-monitoring-suite/internal/otel"
	"github.com/tellemthatsme/ai-empire-monitoring-suite/internal/registry"
)

const defaultTimeout = 60 * time.Second

// Server holds the dependencies for the HTTP API: task submission, the
// agent interface, and the read-only observability surface.
type Server struct {
	router      *chi.Mux
	orch        *orchestrator.Orchestrator
	reg         *registry.Registry
	mon         *monitor.Monitor
	memoryStore *memory.Store
	apiKeys     map[string]string
	corsOrigins []string
	startTime   time.Time
}

// Option configures the Server.
type Option func(*Server)

// WithAPIKeys enables key auth on mutating routes. apiKeys maps key ->
// caller name; empty means open access.
func WithAPIKeys(apiKeys map[string]string) Option {
	return func(s *Server) { s.apiKeys = apiKeys }
}

// WithCORSOrigins sets allowed CORS origins (e.g. ["*"]).
func WithCORSOrigins(origins []string) Option {
	return func(s *Server) { s.corsOrigins = origins }
}

// NewServer builds a Server over the core components.
func NewServer(
	orch *orchestrator.Orchestrator,
	reg *registry.Registry,
	mon *monitor.Monitor,
	memoryStore *memory.Store,
	opts ...Option,
) *Server {
	s := &Server{
		router:      chi.NewRouter(),
		orch:        orch,
		reg:         reg,
		mon:         mon,
		memoryStore: memoryStore,
		corsOrigins: []string{"*"},
		startTime:   time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes returns the configured http.Handler.
func (s *Server) Routes() http.Handler {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(empotel.Middleware())
	r.Use(CORSMiddleware(s.corsOrigins))

	// Unauthenticated liveness
	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(s.apiKeys))
		r.Use(middleware.Timeout(defaultTimeout))

		// Task submission API
		r.Post("/v1/tasks", s.handleTaskSubmit)
		r.Get("/v1/tasks/{id}", s.handleTaskGet)
		r.Delete("/v1/tasks/{id}", s.handleTaskCancel)

		// Agent interface, consumed by external agent processes
		r.Post("/v1/agents/register", s.handleAgentRegister)
		r.Get("/v1/agents", s.handleAgentList)
		r.Get("/v1/agents/{id}", s.handleAgentGet)
		r.Post("/v1/agents/{id}/heartbeat", s.handleAgentHeartbeat)
		r.Post("/v1/agents/{id}/ack", s.handleAgentAck)
		r.Get("/v1/sessions", s.handleSessions)
		r.Post("/v1/agents/{id}/result", s.handleAgentResult)

		// Observability surface, read-only
		r.Get("/v1/health/latest", s.handleHealthLatest)
		r.Get("/v1/alerts", s.handleAlerts)
		r.Get("/v1/status", s.handleStatus)

		// Memory store inspection
		r.Get("/v1/memory", s.handleMemoryStats)
		r.Get("/v1/memory/{category}", s.handleMemoryList)
	})

	return r
}
