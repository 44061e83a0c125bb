package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"parcela.org/internal/audit"
	"parcela.org/internal/authz"
	"parcela.org/internal/roles"
)

type createRoleRequest struct {
	Name            string   `json:"name"`
	Description     string   `json:"description"`
	BypassAllChecks bool     `json:"bypass_all_checks"`
	PermissionIDs   []string `json:"permission_ids"`
}

type updateRoleRequest struct {
	Name            string   `json:"name"`
	Description     string   `json:"description"`
	IsActive        *bool    `json:"is_active"`
	BypassAllChecks *bool    `json:"bypass_all_checks"`
	PermissionIDs   []string `json:"permission_ids"`
}

type assignRoleRequest struct {
	RoleID string `json:"role_id"`
}

type listResponse[T any] struct {
	Items []T `json:"items"`
	Count int `json:"count"`
}

func newList[T any](items []T) listResponse[T] {
	if items == nil {
		items = []T{}
	}
	return listResponse[T]{Items: items, Count: len(items)}
}

func (a *API) listPermissions(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.ensurePermission(w, r, authz.RoleRead); !ok {
		return
	}
	perms, err := a.roles.ListPermissions(r.Context())
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newList(perms))
}

func (a *API) listRoles(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.ensurePermission(w, r, authz.RoleRead); !ok {
		return
	}
	list, err := a.roles.ListRoles(r.Context())
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newList(list))
}

func (a *API) roleStats(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.ensurePermission(w, r, authz.RoleRead); !ok {
		return
	}
	writeJSON(w, http.StatusOK, a.roles.RoleStats(r.Context()))
}

func (a *API) getRole(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.ensurePermission(w, r, authz.RoleRead); !ok {
		return
	}
	role, err := a.roles.GetRole(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, role)
}

func (a *API) createRole(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.ensurePermission(w, r, authz.RoleCreate); !ok {
		return
	}
	var req createRoleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	role, err := a.roles.CreateRole(r.Context(), roles.CreateInput{
		Name:            req.Name,
		Description:     req.Description,
		BypassAllChecks: req.BypassAllChecks,
		PermissionIDs:   req.PermissionIDs,
	})
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	a.recordAuditEvent(r.Context(), audit.ActionCreate, "role", role.ID, map[string]string{
		"name":        role.Name,
		"permissions": strconv.Itoa(len(role.Permissions)),
	})
	w.Header().Set("Location", fmt.Sprintf("/v1/roles/%s", role.ID))
	writeJSON(w, http.StatusCreated, role)
}

func (a *API) updateRole(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.ensurePermission(w, r, authz.RoleUpdate); !ok {
		return
	}
	var req updateRoleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	role, err := a.roles.UpdateRole(r.Context(), chi.URLParam(r, "id"), roles.UpdateInput{
		Name:            req.Name,
		Description:     req.Description,
		IsActive:        active,
		BypassAllChecks: req.BypassAllChecks,
		PermissionIDs:   req.PermissionIDs,
	})
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	a.recordAuditEvent(r.Context(), audit.ActionUpdate, "role", role.ID, map[string]string{
		"name":        role.Name,
		"is_active":   strconv.FormatBool(role.IsActive),
		"permissions": strconv.Itoa(len(role.Permissions)),
	})
	writeJSON(w, http.StatusOK, role)
}

func (a *API) deleteRole(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.ensurePermission(w, r, authz.RoleDelete); !ok {
		return
	}
	roleID := strings.TrimSpace(chi.URLParam(r, "id"))
	if err := a.roles.DeleteRole(r.Context(), roleID); err != nil {
		a.handleError(w, r, err)
		return
	}
	a.recordAuditEvent(r.Context(), audit.ActionDelete, "role", roleID, nil)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) assignRole(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.ensurePermission(w, r, authz.RoleAssign); !ok {
		return
	}
	var req assignRoleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	actorID := strings.TrimSpace(chi.URLParam(r, "id"))
	if err := a.roles.AssignActorRole(r.Context(), actorID, req.RoleID); err != nil {
		a.handleError(w, r, err)
		return
	}
	a.recordAuditEvent(r.Context(), audit.ActionUpdate, "actor", actorID, map[string]string{
		"role_id": strings.TrimSpace(req.RoleID),
	})
	w.WriteHeader(http.StatusNoContent)
}
