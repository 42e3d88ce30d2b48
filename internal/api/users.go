// ABOUTME: Platform administration endpoints for user accounts.
// ABOUTME: Superuser only; level changes apply to new tokens, not live sessions.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/flowdeck/flowdeck/internal/permission"
)

// userLevelResponse is the JSON shape returned after a level change.
type userLevelResponse struct {
	UserID    string `json:"user_id"`
	Email     string `json:"email"`
	Level     string `json:"level"`
	Superuser bool   `json:"superuser"`
}

// updateUserLevelBody is the JSON request body for
// PATCH /api/v1/users/{user_id}/level. Absent fields keep their value.
type updateUserLevelBody struct {
	Level     *string `json:"level"`
	Superuser *bool   `json:"superuser"`
}

// updateUserLevelHandler handles PATCH /api/v1/users/{user_id}/level.
// Superuser only. The change lands on the account row; sessions keep their
// old claims until the next login.
func (srv *Server) updateUserLevelHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := identityFrom(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if !caller.Superuser {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	userID, err := uuid.Parse(chi.URLParam(r, "user_id"))
	if err != nil {
		http.Error(w, "invalid user_id", http.StatusBadRequest)
		return
	}

	var req updateUserLevelBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	user, err := srv.store.GetUserByID(r.Context(), userID)
	if err != nil {
		slog.ErrorContext(r.Context(), "update user level: load", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if user == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	level := user.Level
	if req.Level != nil {
		switch permission.Level(*req.Level) {
		case permission.LevelUser, permission.LevelProjectAdmin, permission.LevelSuperAdmin:
			level = permission.Level(*req.Level)
		default:
			http.Error(w, "invalid level", http.StatusBadRequest)
			return
		}
	}
	superuser := user.IsSuperuser
	if req.Superuser != nil {
		superuser = *req.Superuser
	}

	updated, err := srv.store.SetUserLevel(r.Context(), userID, level, superuser)
	if err != nil {
		slog.ErrorContext(r.Context(), "update user level", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	slog.InfoContext(r.Context(), "user level changed",
		"actor_id", caller.ID,
		"user_id", updated.ID,
		"level", updated.Level,
		"superuser", updated.IsSuperuser,
	)
	writeJSON(w, http.StatusOK, userLevelResponse{
		UserID:    updated.ID.String(),
		Email:     updated.Email,
		Level:     string(updated.Level),
		Superuser: updated.IsSuperuser,
	})
}
