// ABOUTME: The authorization gate — per-route capability checks in front of handlers.
// ABOUTME: Maps evaluator outcomes to 400/401/403/404 and counts every decision.
package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/flowdeck/flowdeck/internal/permission"
)

// ResourceIDLocator extracts the target resource id from a request. found is
// false when the request simply has no id (collection routes), as opposed to
// a malformed one.
type ResourceIDLocator func(r *http.Request) (id string, found bool)

// PathParam locates the resource id in a chi URL parameter.
func PathParam(name string) ResourceIDLocator {
	return func(r *http.Request) (string, bool) {
		v := chi.URLParam(r, name)
		return v, v != ""
	}
}

// QueryParam locates the resource id in a query-string parameter.
func QueryParam(name string) ResourceIDLocator {
	return func(r *http.Request) (string, bool) {
		v := r.URL.Query().Get(name)
		return v, v != ""
	}
}

// RequireCapability returns the authorization gate middleware for one route:
// the authenticated caller must hold capability c on the resource locate
// finds. Must run after RequireAuthenticated.
//
// Outcome mapping:
//   - no identity in context → 401
//   - locator finds no id → 404 (an instance route without a target cannot
//     be authorized; fail closed)
//   - malformed UUID → 400
//   - resource does not exist → 404
//   - evaluator denies → 403
//   - evaluator error → 500, never 403 (infrastructure failure is not denial)
//
// Superusers skip the resource lookup entirely; the bypass is audit-logged
// and counted separately so privileged access stays visible.
func (srv *Server) RequireCapability(rt permission.ResourceType, c permission.Capability, locate ResourceIDLocator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, ok := identityFrom(r.Context())
			if !ok {
				authzDecisions.WithLabelValues("error").Inc()
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			raw, found := locate(r)
			if !found {
				authzDecisions.WithLabelValues("not_found").Inc()
				http.Error(w, "not found", http.StatusNotFound)
				return
			}
			resourceID, err := uuid.Parse(raw)
			if err != nil {
				authzDecisions.WithLabelValues("error").Inc()
				http.Error(w, "invalid resource id", http.StatusBadRequest)
				return
			}

			if user.Superuser {
				slog.InfoContext(r.Context(), "authorization bypass",
					"user_id", user.ID,
					"resource_id", resourceID,
					"resource_type", rt,
					"capability", c,
				)
				authzDecisions.WithLabelValues("allow_superuser").Inc()
				serveWithResource(next, w, r, resourceID)
				return
			}

			allowed, err := srv.evaluator.Authorize(r.Context(), user, resourceID, rt, c)
			if err != nil {
				slog.ErrorContext(r.Context(), "authorization check failed", "error", err)
				authzDecisions.WithLabelValues("error").Inc()
				http.Error(w, "internal error", http.StatusInternalServerError)
				return
			}
			if !allowed {
				// Distinguish a denied caller from a missing resource.
				_, exists, err := srv.store.ResourceOwner(r.Context(), resourceID, rt)
				if err != nil {
					slog.ErrorContext(r.Context(), "authorization check failed", "error", err)
					authzDecisions.WithLabelValues("error").Inc()
					http.Error(w, "internal error", http.StatusInternalServerError)
					return
				}
				if !exists {
					authzDecisions.WithLabelValues("not_found").Inc()
					http.Error(w, "not found", http.StatusNotFound)
					return
				}
				authzDecisions.WithLabelValues("deny").Inc()
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}

			authzDecisions.WithLabelValues("allow").Inc()
			serveWithResource(next, w, r, resourceID)
		})
	}
}

func serveWithResource(next http.Handler, w http.ResponseWriter, r *http.Request, resourceID uuid.UUID) {
	ctx := context.WithValue(r.Context(), ctxResourceID, resourceID)
	next.ServeHTTP(w, r.WithContext(ctx))
}
