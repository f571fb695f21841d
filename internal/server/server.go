// Package server implements spec.md §6's external interfaces: the public
// REST+SSE session API, the runner-internal HTTP contract (both the
// control-plane side that registers/heartbeats runners and the worker-node
// side that exposes a runner's own sandbox pool), /health, and /metrics.
//
// A single Server struct plays either or both roles depending on which
// fields are set, matching how a single binary runs in MODE=standalone
// (both roles, no network hop) or as two binaries in MODE=coordinator
// (control plane with Coordinator+SessionManager, worker nodes with Local).
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ash-run/bridge/internal/runner"
	"github.com/ash-run/bridge/internal/session"
)

// Server mounts whichever route groups its configured role(s) call for.
// At least one of (SessionManager+Coordinator) or Local must be set.
type Server struct {
	// SessionManager and Coordinator drive the control-plane role: the
	// public /api/sessions surface and /internal/runners/* registration.
	SessionManager *session.Manager
	Coordinator    *runner.Coordinator

	// Local drives the worker-node role: /runner/* handlers that expose
	// this process's own sandbox pool to control-plane replicas. Typed as
	// the Backend interface (almost always a *runner.LocalBackend) so
	// tests can substitute a double without spawning real bridge
	// processes.
	Local runner.Backend

	// InternalSecret, when non-empty, is the bearer token spec.md §6's
	// configuration table requires on /internal/* and /runner/*.
	InternalSecret string

	registry *prometheus.Registry
}

// New builds a Server and registers its /metrics collector against a
// registry private to this instance — not the global default registry —
// so that constructing more than one Server in a process (as the test
// suite does) never panics on a duplicate registration.
func New() *Server {
	s := &Server{registry: prometheus.NewRegistry()}
	s.registry.MustRegister(&poolCollector{s: s})
	return s
}

// Router assembles the chi mux for whichever roles s is configured with.
func (s *Server) Router() http.Handler {
	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
		s.registry.MustRegister(&poolCollector{s: s})
	}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	if s.SessionManager != nil && s.Coordinator != nil {
		r.Route("/api/sessions", func(r chi.Router) {
			r.Post("/", s.handleCreateSession)
			r.Post("/{id}/messages", s.handleSendMessage)
			r.Post("/{id}/pause", s.handlePauseSession)
			r.Post("/{id}/resume", s.handleResumeSession)
			r.Delete("/{id}", s.handleEndSession)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.internalAuth)
			r.Route("/internal/runners", func(r chi.Router) {
				r.Post("/register", s.handleRegisterRunner)
				r.Post("/heartbeat", s.handleHeartbeatRunner)
				r.Post("/deregister", s.handleDeregisterRunner)
			})
		})
	}

	if s.Local != nil {
		r.Group(func(r chi.Router) {
			r.Use(s.internalAuth)
			r.Route("/runner/sandboxes", func(r chi.Router) {
				r.Post("/", s.handleCreateSandbox)
				r.Delete("/{id}", s.handleDestroySandbox)
				r.Post("/{id}/cmd", s.handleSandboxCmd)
				r.Post("/{id}/running", s.handleMarkRunning)
				r.Post("/{id}/waiting", s.handleMarkWaiting)
				r.Post("/{id}/persist", s.handlePersistSandbox)
			})
			r.Get("/runner/stats", s.handleRunnerStats)
			r.Post("/runner/note-warm-resume", s.handleNoteWarmResume)
		})
	}

	return r
}
