// ABOUTME: HTTP server struct, constructor, and handler wiring for Flowdeck.
// ABOUTME: Holds the store, permission evaluator, lock manager, and argon2 semaphore.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/flowdeck/flowdeck/internal/config"
	"github.com/flowdeck/flowdeck/internal/lock"
	"github.com/flowdeck/flowdeck/internal/permission"
	"github.com/flowdeck/flowdeck/internal/store"
)

// Server holds the dependencies for the HTTP layer.
type Server struct {
	store       *store.Store
	cfg         *config.Config
	evaluator   *permission.Evaluator
	locks       *lock.Manager
	argon2Sem   chan struct{}
	rateLimiter *ipRateLimiter
}

// NewServer creates a Server wired to the given store and config.
func NewServer(s *store.Store, cfg *config.Config) *Server {
	sem := make(chan struct{}, cfg.Argon2MaxConcurrent)
	evictTTL := cfg.RateLimitEvictTTL
	if evictTTL == 0 {
		evictTTL = 15 * time.Minute
	}
	// 10 requests per minute, burst of 10.
	rl := newIPRateLimiter(rate.Limit(10.0/60), 10, evictTTL)
	return &Server{
		store:       s,
		cfg:         cfg,
		evaluator:   permission.NewEvaluator(s),
		locks:       lock.NewManager(s),
		argon2Sem:   sem,
		rateLimiter: rl,
	}
}

// Evaluator exposes the server's permission evaluator; the worker pool shares
// it so reconciliation jobs can evict stale cache entries.
func (srv *Server) Evaluator() *permission.Evaluator { return srv.evaluator }

// Handler builds and returns the http.Handler.
func (srv *Server) Handler() http.Handler {
	var db *pgxpool.Pool
	if srv.store != nil {
		db = srv.store.Pool()
	}
	r := chi.NewRouter()

	// Security headers first so they appear on every response including errors.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
			next.ServeHTTP(w, r)
		})
	})

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	// 1 MB global body limit; flow payloads are capped well below this.
	r.Use(middleware.RequestSize(1 << 20))
	r.Use(middleware.Recoverer)

	// ── Infrastructure endpoints ──────────────────────────────────────────────
	r.Get("/healthz", healthzHandler(db))
	r.Handle("/metrics", promhttp.Handler())

	// ── API v1 sub-router with huma (OpenAPI 3.1) for the auth surface ───────
	apiRouter := chi.NewRouter()

	// Rate-limit only the auth endpoints; the rest of the API is bounded by
	// the caller's own credentials.
	rateLimited := srv.authRateLimit()
	apiRouter.Use(func(next http.Handler) http.Handler {
		limited := rateLimited(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasPrefix(r.URL.Path, "/api/v1/auth/") {
				limited.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	humaConfig := huma.DefaultConfig("Flowdeck API", "0.1.0")
	humaConfig.Info.Description = "Flow authoring, sharing and authorization API"
	api := humachi.New(apiRouter, humaConfig)
	registerAuthRoutes(api, srv)

	// ── Flow routes (chi, not huma, for the per-route authorization gate) ────
	flowGate := func(c permission.Capability) func(http.Handler) http.Handler {
		return srv.RequireCapability(permission.ResourceFlow, c, PathParam("id"))
	}
	apiRouter.Route("/flows", func(r chi.Router) {
		r.Use(srv.RequireAuthenticated())
		r.Use(csrfProtect)
		r.Post("/", srv.createFlowHandler)
		r.Get("/", srv.listFlowsHandler)

		r.Route("/{id}", func(r chi.Router) {
			r.With(flowGate(permission.CapabilityRead)).Get("/", srv.getFlowHandler)
			r.With(flowGate(permission.CapabilityEdit)).Patch("/", srv.updateFlowHandler)
			r.Delete("/", srv.deleteFlowHandler)
			r.With(flowGate(permission.CapabilityEdit)).Post("/lock", srv.lockFlowHandler)
			r.With(flowGate(permission.CapabilityEdit)).Post("/unlock", srv.unlockFlowHandler)
			r.With(flowGate(permission.CapabilityRead)).Get("/permissions", srv.flowPermissionsHandler)
		})
	})

	// ── Project routes ────────────────────────────────────────────────────────
	projectGate := func(c permission.Capability) func(http.Handler) http.Handler {
		return srv.RequireCapability(permission.ResourceProject, c, PathParam("id"))
	}
	apiRouter.Route("/projects", func(r chi.Router) {
		r.Use(srv.RequireAuthenticated())
		r.Use(csrfProtect)
		r.Post("/", srv.createProjectHandler)
		r.Get("/", srv.listProjectsHandler)

		r.Route("/{id}", func(r chi.Router) {
			r.With(projectGate(permission.CapabilityRead)).Get("/", srv.getProjectHandler)
			r.With(projectGate(permission.CapabilityEdit)).Patch("/", srv.updateProjectHandler)
			r.Delete("/", srv.deleteProjectHandler)
			r.With(projectGate(permission.CapabilityRead)).Get("/permissions", srv.projectPermissionsHandler)

			r.Route("/users", func(r chi.Router) {
				r.With(projectGate(permission.CapabilityRead)).Get("/", srv.listProjectUsersHandler)
				r.With(projectGate(permission.CapabilityEdit)).Patch("/{user_id}", srv.updateProjectUserHandler)
				r.With(projectGate(permission.CapabilityEdit)).Delete("/{user_id}", srv.removeProjectUserHandler)
			})
		})
	})

	// ── Platform administration ───────────────────────────────────────────────
	apiRouter.Route("/users", func(r chi.Router) {
		r.Use(srv.RequireAuthenticated())
		r.Use(csrfProtect)
		r.Patch("/{user_id}/level", srv.updateUserLevelHandler)
	})

	r.Mount("/api/v1", apiRouter)

	return r
}

// acquireArgon2 tries to acquire the argon2 semaphore. Returns false if all
// slots are in use — the caller should return 503 immediately (do NOT block).
func (srv *Server) acquireArgon2() bool {
	select {
	case srv.argon2Sem <- struct{}{}:
		return true
	default:
		return false
	}
}

func (srv *Server) releaseArgon2() { <-srv.argon2Sem }

// writeJSON writes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("writeJSON: encode failed", "error", err)
	}
}

// healthResponse is the JSON body for /healthz.
type healthResponse struct {
	Status string `json:"status"`
	DB     string `json:"db,omitempty"`
}

// healthzHandler returns 200 {"status":"ok"} when the DB is reachable,
// or 503 {"status":"degraded","db":"unavailable"} when it is not.
func healthzHandler(db *pgxpool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Status: "ok"}
		statusCode := http.StatusOK

		if db == nil {
			resp.Status = "degraded"
			resp.DB = "unavailable"
			statusCode = http.StatusServiceUnavailable
		} else if err := db.Ping(r.Context()); err != nil {
			slog.WarnContext(r.Context(), "healthz: db ping failed", "error", err)
			resp.Status = "degraded"
			resp.DB = "unavailable"
			statusCode = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			slog.ErrorContext(r.Context(), "healthz: failed to encode response", "error", err)
		}
	}
}
