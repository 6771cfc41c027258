package api

import (
	"net/http"
	"strings"

	"github.com/platinummonkey/caseguard/pkg/contextkeys"
	"github.com/platinummonkey/caseguard/pkg/httputil"
	"github.com/platinummonkey/caseguard/pkg/middleware"
)

// CreateRoleRequest creates a custom role in the caller's organization
type CreateRoleRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// GrantPermissionsRequest replaces a role's granted permissions
type GrantPermissionsRequest struct {
	RoleID      string   `json:"roleId"`
	Permissions []string `json:"permissions"`
}

// AssignRoleRequest assigns or revokes a role for a user
type AssignRoleRequest struct {
	UserID string `json:"userId"`
	RoleID string `json:"roleId"`
}

func (s *Server) listRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := s.cfg.Roles.ListRoles(r.Context(), contextkeys.GetTenant(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, roles)
}

func (s *Server) createRole(w http.ResponseWriter, r *http.Request) {
	var req CreateRoleRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.Name, "name") {
		return
	}

	ctx := r.Context()
	role, err := s.cfg.Roles.CreateRole(ctx, middleware.IdentityFrom(r), contextkeys.GetTenant(ctx), strings.TrimSpace(req.Name), req.Description)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteData(w, http.StatusCreated, role, "Role created")
}

func (s *Server) getRolePermissions(w http.ResponseWriter, r *http.Request) {
	roleID, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}

	ctx := r.Context()
	grants, err := s.cfg.Roles.GetRolePermissions(ctx, middleware.IdentityFrom(r), contextkeys.GetTenant(ctx), roleID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, grants)
}

func (s *Server) grantPermissions(w http.ResponseWriter, r *http.Request) {
	var req GrantPermissionsRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.RoleID, "roleId") {
		return
	}
	if req.Permissions == nil {
		httputil.WriteBadRequest(w, "permissions is required")
		return
	}

	ctx := r.Context()
	if err := s.cfg.Roles.GrantPermissions(ctx, middleware.IdentityFrom(r), contextkeys.GetTenant(ctx), req.RoleID, req.Permissions); err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteData(w, http.StatusOK, map[string]interface{}{"roleId": req.RoleID, "permissions": req.Permissions}, "Permissions granted")
}

func (s *Server) assignRole(w http.ResponseWriter, r *http.Request) {
	req, ok := parseAssignment(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	if err := s.cfg.Roles.AssignRole(ctx, middleware.IdentityFrom(r), contextkeys.GetTenant(ctx), req.UserID, req.RoleID); err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteData(w, http.StatusOK, req, "Role assigned to user")
}

func (s *Server) revokeRole(w http.ResponseWriter, r *http.Request) {
	req, ok := parseAssignment(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	if err := s.cfg.Roles.RevokeRole(ctx, middleware.IdentityFrom(r), contextkeys.GetTenant(ctx), req.UserID, req.RoleID); err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteData(w, http.StatusOK, req, "Role revoked from user")
}

func parseAssignment(w http.ResponseWriter, r *http.Request) (AssignRoleRequest, bool) {
	var req AssignRoleRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return req, false
	}
	if !httputil.RequireNonEmpty(w, req.UserID, "userId") || !httputil.RequireNonEmpty(w, req.RoleID, "roleId") {
		return req, false
	}
	return req, true
}

func (s *Server) getUserRoles(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathStringOrError(w, r, "userId")
	if !ok {
		return
	}

	roles, err := s.cfg.Roles.GetUserRoles(r.Context(), userID, contextkeys.GetTenant(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, roles)
}

func (s *Server) deleteRole(w http.ResponseWriter, r *http.Request) {
	roleID, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}

	ctx := r.Context()
	if err := s.cfg.Roles.DeleteRole(ctx, middleware.IdentityFrom(r), contextkeys.GetTenant(ctx), roleID); err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteMessage(w, "Role deleted")
}
