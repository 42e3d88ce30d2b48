// ABOUTME: HTTP handlers for project management: CRUD, member grants, and promotion.
// ABOUTME: Grant changes evict the evaluator cache and enqueue a grant_sync repair job.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/flowdeck/flowdeck/internal/permission"
	"github.com/flowdeck/flowdeck/internal/store"
)

// projectResponseBody is the JSON shape for a project.
type projectResponseBody struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"owner_id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func projectResponse(p *store.Project) projectResponseBody {
	return projectResponseBody{
		ID:          p.ID.String(),
		OwnerID:     p.OwnerID.String(),
		Name:        p.Name,
		Description: p.Description,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

// createProjectBody is the JSON request body for POST /api/v1/projects.
type createProjectBody struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// createProjectHandler handles POST /api/v1/projects.
func (srv *Server) createProjectHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := identityFrom(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req createProjectBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}

	project, err := srv.store.CreateProject(r.Context(), user.ID, req.Name, req.Description)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateProjectName) {
			http.Error(w, "project name already in use", http.StatusConflict)
			return
		}
		slog.ErrorContext(r.Context(), "create project", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, projectResponse(project))
}

// listProjectsHandler handles GET /api/v1/projects. Scoped to projects the
// caller owns or holds a readable grant on.
func (srv *Server) listProjectsHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := identityFrom(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	projects, err := srv.store.ListProjectsForUser(r.Context(), user.ID)
	if err != nil {
		slog.ErrorContext(r.Context(), "list projects", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	out := make([]projectResponseBody, 0, len(projects))
	for i := range projects {
		out = append(out, projectResponse(&projects[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

// getProjectHandler handles GET /api/v1/projects/{id}. READ gate already ran.
func (srv *Server) getProjectHandler(w http.ResponseWriter, r *http.Request) {
	projectID, ok := resourceIDFrom(r.Context())
	if !ok {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	project, err := srv.store.GetProject(r.Context(), projectID)
	if err != nil {
		slog.ErrorContext(r.Context(), "get project", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if project == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, projectResponse(project))
}

// updateProjectBody is the JSON request body for PATCH /api/v1/projects/{id}.
type updateProjectBody struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
}

// updateProjectHandler handles PATCH /api/v1/projects/{id}. EDIT gate already ran.
func (srv *Server) updateProjectHandler(w http.ResponseWriter, r *http.Request) {
	projectID, ok := resourceIDFrom(r.Context())
	if !ok {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	var req updateProjectBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	project, err := srv.store.UpdateProject(r.Context(), projectID, store.UpdateProjectParams{
		Name:        req.Name,
		Description: req.Description,
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicateProjectName) {
			http.Error(w, "project name already in use", http.StatusConflict)
			return
		}
		slog.ErrorContext(r.Context(), "update project", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if project == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, projectResponse(project))
}

// deleteProjectHandler handles DELETE /api/v1/projects/{id}. Owner or
// superuser only; contained flows and all related grants go with it.
func (srv *Server) deleteProjectHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := identityFrom(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	projectID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid resource id", http.StatusBadRequest)
		return
	}

	project, err := srv.store.GetProject(r.Context(), projectID)
	if err != nil {
		slog.ErrorContext(r.Context(), "delete project: load", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if project == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if project.OwnerID != user.ID && !user.Superuser {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	if _, err := srv.store.DeleteProject(r.Context(), projectID); err != nil {
		slog.ErrorContext(r.Context(), "delete project", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── Member grants ───────────────────────────────────────────────────────────

// projectUserEntry is one row in the project user listing.
type projectUserEntry struct {
	UserID         string `json:"user_id"`
	CanRead        bool   `json:"can_read"`
	CanRun         bool   `json:"can_run"`
	CanEdit        bool   `json:"can_edit"`
	Level          string `json:"permission_level"`
	IsOwner        bool   `json:"is_owner"`
	IsProjectAdmin bool   `json:"is_project_admin"`
}

// listProjectUsersHandler handles GET /api/v1/projects/{id}/users. The owner
// has no grant row, so a synthetic all-true entry is prepended.
func (srv *Server) listProjectUsersHandler(w http.ResponseWriter, r *http.Request) {
	projectID, ok := resourceIDFrom(r.Context())
	if !ok {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	project, err := srv.store.GetProject(r.Context(), projectID)
	if err != nil {
		slog.ErrorContext(r.Context(), "list project users: load", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if project == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	grants, err := srv.store.ListGrantsForResource(r.Context(), projectID, permission.ResourceProject)
	if err != nil {
		slog.ErrorContext(r.Context(), "list project users", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	out := make([]projectUserEntry, 0, len(grants)+1)
	out = append(out, projectUserEntry{
		UserID:  project.OwnerID.String(),
		CanRead: true, CanRun: true, CanEdit: true,
		Level:   string(permission.LevelProjectAdmin),
		IsOwner: true,
	})
	for _, g := range grants {
		out = append(out, projectUserEntry{
			UserID:         g.GranteeID.String(),
			CanRead:        g.CanRead,
			CanRun:         g.CanRun,
			CanEdit:        g.CanEdit,
			Level:          string(g.Level),
			IsProjectAdmin: g.Level == permission.LevelProjectAdmin,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// updateProjectUserBody is the JSON request body for
// PATCH /api/v1/projects/{id}/users/{user_id}. Absent fields keep their
// current value.
type updateProjectUserBody struct {
	CanRead        *bool `json:"can_read"`
	CanRun         *bool `json:"can_run"`
	CanEdit        *bool `json:"can_edit"`
	IsProjectAdmin *bool `json:"is_project_admin"`
}

// updateProjectUserHandler handles PATCH /api/v1/projects/{id}/users/{user_id}.
// Setting is_project_admin promotes the grantee: all-true grants land on every
// flow in the project, in the same transaction as the project grant itself.
func (srv *Server) updateProjectUserHandler(w http.ResponseWriter, r *http.Request) {
	user, _ := identityFrom(r.Context())
	projectID, ok := resourceIDFrom(r.Context())
	if !ok {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	granteeID, err := uuid.Parse(chi.URLParam(r, "user_id"))
	if err != nil {
		http.Error(w, "invalid user_id", http.StatusBadRequest)
		return
	}

	var req updateProjectUserBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	project, err := srv.store.GetProject(r.Context(), projectID)
	if err != nil {
		slog.ErrorContext(r.Context(), "update project user: load", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if project == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if granteeID == project.OwnerID {
		http.Error(w, "owner access cannot be changed by grant", http.StatusBadRequest)
		return
	}
	grantee, err := srv.store.GetUserByID(r.Context(), granteeID)
	if err != nil {
		slog.ErrorContext(r.Context(), "update project user: load grantee", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if grantee == nil {
		http.Error(w, "user not found", http.StatusNotFound)
		return
	}

	grant, err := srv.store.ApplyProjectGrant(r.Context(), projectID, user.ID, granteeID, store.GrantUpdate{
		CanRead:        req.CanRead,
		CanRun:         req.CanRun,
		CanEdit:        req.CanEdit,
		IsProjectAdmin: req.IsProjectAdmin,
	})
	if err != nil {
		slog.ErrorContext(r.Context(), "update project user", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	// The write may have fanned out to flow grants; drop everything cached
	// for this grantee rather than tracking the affected flows.
	srv.evaluator.EvictGrantee(granteeID)
	srv.enqueueGrantSync(r.Context(), projectID, granteeID)

	writeJSON(w, http.StatusOK, projectUserEntry{
		UserID:         grant.GranteeID.String(),
		CanRead:        grant.CanRead,
		CanRun:         grant.CanRun,
		CanEdit:        grant.CanEdit,
		Level:          string(grant.Level),
		IsProjectAdmin: grant.Level == permission.LevelProjectAdmin,
	})
}

// removeProjectUserHandler handles DELETE /api/v1/projects/{id}/users/{user_id}.
// Revokes the project grant only. Flow-level grants the user accumulated via
// cascade or promotion are retained — revoking those requires per-flow
// deletion.
func (srv *Server) removeProjectUserHandler(w http.ResponseWriter, r *http.Request) {
	projectID, ok := resourceIDFrom(r.Context())
	if !ok {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	granteeID, err := uuid.Parse(chi.URLParam(r, "user_id"))
	if err != nil {
		http.Error(w, "invalid user_id", http.StatusBadRequest)
		return
	}

	project, err := srv.store.GetProject(r.Context(), projectID)
	if err != nil {
		slog.ErrorContext(r.Context(), "remove project user: load", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if project == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if granteeID == project.OwnerID {
		http.Error(w, "owner cannot be removed", http.StatusBadRequest)
		return
	}

	deleted, err := srv.store.DeleteGrant(r.Context(), projectID, permission.ResourceProject, granteeID)
	if err != nil {
		slog.ErrorContext(r.Context(), "remove project user", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !deleted {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	srv.evaluator.Evict(granteeID, projectID, permission.ResourceProject)
	w.WriteHeader(http.StatusNoContent)
}

// projectPermissionsHandler handles GET /api/v1/projects/{id}/permissions. As
// on flows, it reports the caller's persisted grant on the project — owners
// and superusers with no grant row see all-false bits, matching the grant
// table rather than effective access.
func (srv *Server) projectPermissionsHandler(w http.ResponseWriter, r *http.Request) {
	user, _ := identityFrom(r.Context())
	projectID, ok := resourceIDFrom(r.Context())
	if !ok {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	grant, err := srv.store.GetGrant(r.Context(), projectID, permission.ResourceProject, user.ID)
	if err != nil {
		slog.ErrorContext(r.Context(), "project permissions", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	bits := capabilityBits{Level: string(permission.LevelUser)}
	if grant != nil {
		bits = capabilityBits{
			CanRead: grant.CanRead,
			CanRun:  grant.CanRun,
			CanEdit: grant.CanEdit,
			Level:   string(grant.Level),
		}
	}
	writeJSON(w, http.StatusOK, bits)
}

// enqueueGrantSync schedules a reconciliation pass for the project. The in-tx
// cascade already ran; this repairs anything a concurrent flow creation
// missed. Failures are logged, never surfaced — the job is a safety net.
func (srv *Server) enqueueGrantSync(ctx context.Context, projectID, granteeID uuid.UUID) {
	if !srv.cfg.GrantSyncEnabled {
		return
	}
	payload, err := json.Marshal(map[string]string{
		"project_id": projectID.String(),
		"grantee_id": granteeID.String(),
	})
	if err != nil {
		slog.ErrorContext(ctx, "enqueue grant sync: marshal", "error", err)
		return
	}
	if _, err := srv.store.EnqueueJob(ctx, "grant_sync", 0, payload, 3, nil); err != nil {
		slog.ErrorContext(ctx, "enqueue grant sync", "error", err)
	}
}
