package httpapi

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"brightdesk.io/crm/internal/audit"
	"brightdesk.io/crm/internal/auth"
)

type createRoleRequest struct {
	Name        string   `json:"name" validate:"required,max=100"`
	Permissions []string `json:"permissions" validate:"max=64"`
}

type updateRolePermissionsRequest struct {
	Permissions []string `json:"permissions" validate:"required,max=64"`
}

type createUserRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Name     string `json:"name" validate:"required,max=200"`
	Title    string `json:"title" validate:"max=100"`
	RoleID   string `json:"role_id" validate:"required,max=64"`
	Password string `json:"password" validate:"max=1024"`
}

type assignRoleRequest struct {
	RoleID string `json:"role_id" validate:"required,max=64"`
}

type createUserResponse struct {
	User              auth.User `json:"user"`
	TemporaryPassword string    `json:"temporary_password,omitempty"`
}

func (a *API) handleListRoles(w http.ResponseWriter, r *http.Request, user auth.SessionUser) {
	roles, err := a.auth.ListRoles(r.Context(), user)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	if roles == nil {
		roles = []auth.Role{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"roles": roles})
}

func (a *API) handleCreateRole(w http.ResponseWriter, r *http.Request, user auth.SessionUser) {
	var req createRoleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	perms, err := auth.ParsePermissions(req.Permissions)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	role, err := a.auth.CreateRole(r.Context(), user, req.Name, perms)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/v1/roles/%s", role.ID))
	writeJSON(w, http.StatusCreated, role)
}

func (a *API) handleSetRolePermissions(w http.ResponseWriter, r *http.Request, user auth.SessionUser) {
	var req updateRolePermissionsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	perms, err := auth.ParsePermissions(req.Permissions)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	role, err := a.auth.SetRolePermissions(r.Context(), user, r.PathValue("id"), perms)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, role)
}

func (a *API) handleCreateUser(w http.ResponseWriter, r *http.Request, user auth.SessionUser) {
	var req createUserRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	created, temp, err := a.auth.CreateUser(r.Context(), user, auth.NewUser{
		Email:    req.Email,
		Name:     req.Name,
		Title:    req.Title,
		RoleID:   req.RoleID,
		Password: req.Password,
	})
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/v1/users/%s", created.ID))
	writeJSON(w, http.StatusCreated, createUserResponse{User: created, TemporaryPassword: temp})
}

func (a *API) handleAssignRole(w http.ResponseWriter, r *http.Request, user auth.SessionUser) {
	var req assignRoleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	updated, err := a.auth.AssignRole(r.Context(), user, r.PathValue("id"), req.RoleID)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (a *API) handleDisableUser(w http.ResponseWriter, r *http.Request, user auth.SessionUser) {
	if err := a.auth.DisableUser(r.Context(), user, r.PathValue("id")); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleAuditQuery serves the audit viewer: audit.read plus the CTO title.
func (a *API) handleAuditQuery(w http.ResponseWriter, r *http.Request, user auth.SessionUser) {
	if err := a.auth.AuthorizeAuditViewer(r.Context(), user); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	filter, err := parseAuditFilter(r.URL.Query())
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := a.audit.Query(r.Context(), filter)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	resp := map[string]any{"entries": entries}
	if entries == nil {
		resp["entries"] = []audit.Entry{}
	}
	if filter.Limit > 0 && len(entries) == filter.Limit {
		last := entries[len(entries)-1]
		resp["next_before"] = last.CreatedAt
		resp["next_before_id"] = last.ID
	}
	writeJSON(w, http.StatusOK, resp)
}

func parseAuditFilter(q url.Values) (audit.Filter, error) {
	f := audit.Filter{
		EntityType: audit.EntityType(strings.TrimSpace(q.Get("entity_type"))),
		EntityID:   strings.TrimSpace(q.Get("entity_id")),
		UserID:     strings.TrimSpace(q.Get("user_id")),
		Action:     audit.Action(strings.TrimSpace(q.Get("action"))),
	}
	if f.EntityType != "" && !f.EntityType.Valid() {
		return audit.Filter{}, fmt.Errorf("unknown entity_type %q", f.EntityType)
	}
	if f.Action != "" && !f.Action.Valid() {
		return audit.Filter{}, fmt.Errorf("unknown action %q", f.Action)
	}
	if raw := strings.TrimSpace(q.Get("before")); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return audit.Filter{}, fmt.Errorf("before must be an RFC 3339 timestamp")
		}
		f.Before = t
	}
	if f.BeforeID = strings.TrimSpace(q.Get("before_id")); f.BeforeID != "" && f.Before.IsZero() {
		return audit.Filter{}, fmt.Errorf("before_id requires before")
	}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return audit.Filter{}, fmt.Errorf("limit must be a positive integer")
		}
		f.Limit = n
	}
	return f, nil
}
