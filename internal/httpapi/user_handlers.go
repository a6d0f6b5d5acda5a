package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"tenantgate.org/internal/audit"
	"tenantgate.org/internal/auth"
)

func (a *API) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := a.accounts.ListUsers(r.Context(), identity(r))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	if users == nil {
		users = []auth.UserSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (a *API) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req auth.CreateUserRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	user, err := a.accounts.CreateUser(r.Context(), identity(r), req)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventUserCreated, map[string]any{
		"login": user.Login,
		"role":  req.Role,
	})
	w.Header().Set("Location", "/v1/users/"+user.Login)
	writeJSON(w, http.StatusCreated, user)
}

func (a *API) handleUserStatus(action auth.UserStatusAction) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		login := chi.URLParam(r, "login")
		user, err := a.accounts.SetUserStatus(r.Context(), identity(r), login, action)
		if err != nil {
			a.writeServiceError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), audit.EventUserStatus, map[string]any{
			"login":  user.Login,
			"action": string(action),
		})
		if action == auth.StatusDelete {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeJSON(w, http.StatusOK, user)
	}
}

func (a *API) handleListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := a.accounts.ListRoles(r.Context(), identity(r))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"roles": roles})
}

func (a *API) handleListPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := a.accounts.ListPermissions(r.Context(), identity(r))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	if perms == nil {
		perms = []auth.Permission{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"permissions": perms})
}

func (a *API) handlePermissionMapping(w http.ResponseWriter, r *http.Request) {
	mapping, err := a.accounts.PermissionMapping(r.Context(), identity(r))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapping)
}

// handleReloadPermissions re-reads role grants from storage into the graph.
// Only superusers may trigger it.
func (a *API) handleReloadPermissions(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	if !id.IsSuperuser() {
		writeError(w, r, http.StatusForbidden, "forbidden", "superuser required")
		return
	}
	if a.grants == nil {
		writeError(w, r, http.StatusServiceUnavailable, "unavailable", "grant source not configured")
		return
	}
	graph := a.svc.Graph()
	if err := graph.Reload(r.Context(), a.grants); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	a.log.InfoContext(r.Context(), "permission graph reloaded", "roles", len(graph.Roles()))
	writeJSON(w, http.StatusOK, map[string]any{
		"roles":     graph.Roles(),
		"loaded_at": graph.LoadedAt().UTC().Format(time.RFC3339Nano),
	})
}
