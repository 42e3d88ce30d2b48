// ABOUTME: HTTP handlers for flow management: CRUD, edit locks, and permission listing.
// ABOUTME: Instance routes sit behind the capability gate; collection routes filter in the handler.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/flowdeck/flowdeck/internal/lock"
	"github.com/flowdeck/flowdeck/internal/permission"
	"github.com/flowdeck/flowdeck/internal/store"
)

// capabilityBits is the caller's effective access embedded in flow responses.
type capabilityBits struct {
	CanRead bool   `json:"can_read"`
	CanRun  bool   `json:"can_run"`
	CanEdit bool   `json:"can_edit"`
	Level   string `json:"permission_level"`
}

// lockInfo describes a flow's lock state in responses.
type lockInfo struct {
	Locked   bool   `json:"locked"`
	LockedBy string `json:"locked_by,omitempty"`
}

// flowResponseBody is the JSON shape for a flow in all flow endpoints.
type flowResponseBody struct {
	ID          string          `json:"id"`
	OwnerID     string          `json:"owner_id"`
	ProjectID   string          `json:"project_id,omitempty"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Data        json.RawMessage `json:"data"`
	Visibility  string          `json:"visibility"`
	Lock        lockInfo        `json:"lock"`
	Access      *capabilityBits `json:"access,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

func flowResponse(f *store.Flow) flowResponseBody {
	body := flowResponseBody{
		ID:          f.ID.String(),
		OwnerID:     f.OwnerID.String(),
		Name:        f.Name,
		Description: f.Description,
		Data:        f.Data,
		Visibility:  string(f.Visibility),
		Lock:        lockInfo{Locked: f.Locked},
		CreatedAt:   f.CreatedAt,
		UpdatedAt:   f.UpdatedAt,
	}
	if f.ProjectID.Valid {
		body.ProjectID = f.ProjectID.UUID.String()
	}
	if f.LockedBy.Valid {
		body.Lock.LockedBy = f.LockedBy.UUID.String()
	}
	return body
}

// createFlowBody is the JSON request body for POST /api/v1/flows.
type createFlowBody struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Data        json.RawMessage `json:"data"`
	ProjectID   string          `json:"project_id"`
	Visibility  string          `json:"visibility"`
}

// createFlowHandler handles POST /api/v1/flows. Creating a flow inside a
// project requires EDIT on that project; the cascade then copies the
// project's grants onto the new flow in the same transaction.
func (srv *Server) createFlowHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := identityFrom(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req createFlowBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}

	var projectID uuid.NullUUID
	if req.ProjectID != "" {
		pid, err := uuid.Parse(req.ProjectID)
		if err != nil {
			http.Error(w, "invalid project_id", http.StatusBadRequest)
			return
		}
		if !user.Superuser {
			allowed, err := srv.evaluator.Authorize(r.Context(), user, pid, permission.ResourceProject, permission.CapabilityEdit)
			if err != nil {
				slog.ErrorContext(r.Context(), "create flow: authorize project", "error", err)
				http.Error(w, "internal error", http.StatusInternalServerError)
				return
			}
			if !allowed {
				_, exists, err := srv.store.ResourceOwner(r.Context(), pid, permission.ResourceProject)
				if err != nil {
					slog.ErrorContext(r.Context(), "create flow: resolve project", "error", err)
					http.Error(w, "internal error", http.StatusInternalServerError)
					return
				}
				if !exists {
					http.Error(w, "project not found", http.StatusNotFound)
					return
				}
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
		}
		projectID = uuid.NullUUID{UUID: pid, Valid: true}
	}

	visibility := permission.Visibility(req.Visibility)
	if visibility != "" && visibility != permission.VisibilityPrivate && visibility != permission.VisibilityPublic {
		http.Error(w, "invalid visibility", http.StatusBadRequest)
		return
	}

	flow, err := srv.store.CreateFlow(r.Context(), store.CreateFlowParams{
		OwnerID:     user.ID,
		ProjectID:   projectID,
		Name:        req.Name,
		Description: req.Description,
		Data:        req.Data,
		Visibility:  visibility,
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicateFlowName) {
			http.Error(w, "flow name already in use", http.StatusConflict)
			return
		}
		slog.ErrorContext(r.Context(), "create flow", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, flowResponse(flow))
}

// listFlowsHandler handles GET /api/v1/flows. No gate: the query itself is
// scoped to flows the caller owns or holds a readable grant on. An optional
// project_id query param narrows the result.
func (srv *Server) listFlowsHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := identityFrom(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var projectID uuid.NullUUID
	if raw := r.URL.Query().Get("project_id"); raw != "" {
		pid, err := uuid.Parse(raw)
		if err != nil {
			http.Error(w, "invalid project_id", http.StatusBadRequest)
			return
		}
		projectID = uuid.NullUUID{UUID: pid, Valid: true}
	}

	flows, err := srv.store.ListFlowsForUser(r.Context(), user.ID, projectID)
	if err != nil {
		slog.ErrorContext(r.Context(), "list flows", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	out := make([]flowResponseBody, 0, len(flows))
	for i := range flows {
		out = append(out, flowResponse(&flows[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

// getFlowHandler handles GET /api/v1/flows/{id}. The READ gate already ran;
// the response embeds the caller's capability bits.
func (srv *Server) getFlowHandler(w http.ResponseWriter, r *http.Request) {
	user, _ := identityFrom(r.Context())
	flowID, ok := resourceIDFrom(r.Context())
	if !ok {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	flow, err := srv.store.GetFlow(r.Context(), flowID)
	if err != nil {
		slog.ErrorContext(r.Context(), "get flow", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if flow == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	body := flowResponse(flow)
	var access capabilityBits
	if user.Superuser {
		access = capabilityBits{CanRead: true, CanRun: true, CanEdit: true, Level: string(permission.LevelSuperAdmin)}
	} else {
		canRead, canRun, canEdit, level, err := srv.evaluator.CapabilitiesFor(r.Context(), user, flowID, permission.ResourceFlow)
		if err != nil {
			slog.ErrorContext(r.Context(), "get flow: capabilities", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		access = capabilityBits{CanRead: canRead, CanRun: canRun, CanEdit: canEdit, Level: string(level)}
	}
	body.Access = &access
	writeJSON(w, http.StatusOK, body)
}

// updateFlowBody is the JSON request body for PATCH /api/v1/flows/{id}.
type updateFlowBody struct {
	Name        *string         `json:"name"`
	Description *string         `json:"description"`
	Data        json.RawMessage `json:"data"`
	Visibility  *string         `json:"visibility"`
}

// updateFlowHandler handles PATCH /api/v1/flows/{id}. The EDIT gate already
// ran. A lock held by someone else still rejects the write: the lock is what
// makes concurrent editing safe, so EDIT permission alone does not bypass it.
// The holder check is part of the UPDATE itself, so a lock that lands
// concurrently blocks the write too.
func (srv *Server) updateFlowHandler(w http.ResponseWriter, r *http.Request) {
	user, _ := identityFrom(r.Context())
	flowID, ok := resourceIDFrom(r.Context())
	if !ok {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	var req updateFlowBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	params := store.UpdateFlowParams{
		Name:        req.Name,
		Description: req.Description,
		Data:        req.Data,
	}
	if req.Visibility != nil {
		vis := permission.Visibility(*req.Visibility)
		if vis != permission.VisibilityPrivate && vis != permission.VisibilityPublic {
			http.Error(w, "invalid visibility", http.StatusBadRequest)
			return
		}
		params.Visibility = &vis
	}

	updated, err := srv.store.UpdateFlow(r.Context(), flowID, user.ID, user.IsPlatformAdmin(), params)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateFlowName) {
			http.Error(w, "flow name already in use", http.StatusConflict)
			return
		}
		slog.ErrorContext(r.Context(), "update flow", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if updated == nil {
		// The conditional write refused: the flow is gone or someone else
		// holds the lock. Re-read to tell the two apart.
		flow, err := srv.store.GetFlow(r.Context(), flowID)
		if err != nil {
			slog.ErrorContext(r.Context(), "update flow: load", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if flow == nil {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		http.Error(w, "flow is locked by another user", http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, flowResponse(updated))
}

// deleteFlowHandler handles DELETE /api/v1/flows/{id}. Deletion is reserved
// for the owner and superusers — an EDIT grant does not cover destroying the
// resource.
func (srv *Server) deleteFlowHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := identityFrom(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	flowID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid resource id", http.StatusBadRequest)
		return
	}

	flow, err := srv.store.GetFlow(r.Context(), flowID)
	if err != nil {
		slog.ErrorContext(r.Context(), "delete flow: load", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if flow == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if flow.OwnerID != user.ID && !user.Superuser {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	if _, err := srv.store.DeleteFlow(r.Context(), flowID); err != nil {
		slog.ErrorContext(r.Context(), "delete flow", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── Lock endpoints ──────────────────────────────────────────────────────────

// lockResponseBody is the JSON shape for lock and unlock responses.
type lockResponseBody struct {
	Locked   bool   `json:"locked"`
	LockedBy string `json:"locked_by,omitempty"`
}

func lockResponse(st lock.State) lockResponseBody {
	body := lockResponseBody{Locked: st.Locked}
	if st.HolderID.Valid {
		body.LockedBy = st.HolderID.UUID.String()
	}
	return body
}

// lockFlowHandler handles POST /api/v1/flows/{id}/lock. The EDIT gate already
// ran; the manager enforces the unlocked→locked transition atomically.
func (srv *Server) lockFlowHandler(w http.ResponseWriter, r *http.Request) {
	user, _ := identityFrom(r.Context())
	flowID, ok := resourceIDFrom(r.Context())
	if !ok {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	st, err := srv.locks.Acquire(r.Context(), flowID, user)
	switch {
	case err == nil:
		lockTransitions.WithLabelValues("acquire").Inc()
		writeJSON(w, http.StatusOK, lockResponse(st))
	case errors.Is(err, lock.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, lock.ErrAlreadyLocked):
		lockTransitions.WithLabelValues("conflict").Inc()
		writeJSON(w, http.StatusConflict, lockResponse(st))
	default:
		slog.ErrorContext(r.Context(), "lock flow", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// unlockFlowHandler handles POST /api/v1/flows/{id}/unlock. Only the holder
// releases; platform administrators may break any lock.
func (srv *Server) unlockFlowHandler(w http.ResponseWriter, r *http.Request) {
	user, _ := identityFrom(r.Context())
	flowID, ok := resourceIDFrom(r.Context())
	if !ok {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	st, err := srv.locks.Release(r.Context(), flowID, user)
	switch {
	case err == nil:
		lockTransitions.WithLabelValues("release").Inc()
		writeJSON(w, http.StatusOK, lockResponse(st))
	case errors.Is(err, lock.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, lock.ErrNotLocked):
		lockTransitions.WithLabelValues("conflict").Inc()
		http.Error(w, "flow is not locked", http.StatusConflict)
	case errors.Is(err, lock.ErrNotHolder):
		lockTransitions.WithLabelValues("conflict").Inc()
		http.Error(w, "lock held by another user", http.StatusForbidden)
	default:
		slog.ErrorContext(r.Context(), "unlock flow", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// flowPermissionsHandler handles GET /api/v1/flows/{id}/permissions. It
// reports the caller's persisted grant on the flow — owners and public
// readers with no grant row see all-false bits, matching the grant table
// rather than effective access.
func (srv *Server) flowPermissionsHandler(w http.ResponseWriter, r *http.Request) {
	user, _ := identityFrom(r.Context())
	flowID, ok := resourceIDFrom(r.Context())
	if !ok {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	grant, err := srv.store.GetGrant(r.Context(), flowID, permission.ResourceFlow, user.ID)
	if err != nil {
		slog.ErrorContext(r.Context(), "flow permissions", "error", err)
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
