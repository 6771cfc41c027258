package rbac

import (
	"context"
	"fmt"

	"github.com/platinummonkey/caseguard/pkg/audit"
	"github.com/platinummonkey/caseguard/pkg/authz"
	"github.com/platinummonkey/caseguard/pkg/entitlements"
	"github.com/platinummonkey/caseguard/pkg/observability"
)

const auditModule = "roles"

// Invalidator is the subset of the entitlement coordinator role management
// depends on
type Invalidator interface {
	RoleGrantsChanged(ctx context.Context, role entitlements.RoleScope) error
	RoleDeleted(ctx context.Context, role entitlements.RoleScope) error
	AssignmentChanged(ctx context.Context, subjectID, tenantID string) error
}

// GrantRebuilder repopulates the grant set of a pair whose assignments changed
type GrantRebuilder interface {
	Forget(subjectID, tenantID string)
	RebuildSubject(ctx context.Context, subjectID, tenantID string) error
}

// Service applies the role management rules on top of a Repository
type Service struct {
	repo           Repository
	invalidator    Invalidator
	rebuilder      GrantRebuilder
	audit          audit.Emitter
	superAdminRole string
	logger         *observability.Logger
}

// NewService creates a Service
func NewService(repo Repository, invalidator Invalidator, emitter audit.Emitter, superAdminRole string, logger *observability.Logger) *Service {
	if emitter == nil {
		emitter = audit.NopEmitter{}
	}
	return &Service{
		repo:           repo,
		invalidator:    invalidator,
		audit:          emitter,
		superAdminRole: superAdminRole,
		logger:         observability.Default(logger),
	}
}

// WithRebuilder rebuilds the grant set of a pair right after its
// assignments change instead of waiting for the next cache miss
func (s *Service) WithRebuilder(r GrantRebuilder) *Service {
	s.rebuilder = r
	return s
}

// CreateRole creates a custom role in tenant
func (s *Service) CreateRole(ctx context.Context, actor *authz.Identity, tenantID, name, description string) (*Role, error) {
	if tenantID == "" {
		return nil, authz.Forbidden("organization context required")
	}
	role := &Role{Name: name, Description: description, TenantID: tenantID}
	if err := s.repo.CreateRole(ctx, role); err != nil {
		return nil, err
	}

	s.emit(ctx, actor, tenantID, audit.Event{
		Action:     "create_role",
		EntityType: "role",
		EntityID:   role.ID,
		NewData:    map[string]interface{}{"name": role.Name, "slug": role.Slug},
	})
	return role, nil
}

// ListRoles lists the roles visible in tenant
func (s *Service) ListRoles(ctx context.Context, tenantID string) ([]Role, error) {
	return s.repo.GetRolesByTenant(ctx, tenantID)
}

// GetRolePermissions returns the role's grant matrix. A custom role of
// another tenant is not visible.
func (s *Service) GetRolePermissions(ctx context.Context, actor *authz.Identity, tenantID, roleID string) ([]Grant, error) {
	role, err := s.repo.GetRole(ctx, roleID)
	if err != nil {
		return nil, err
	}
	if !role.System && role.TenantID != tenantID && !s.isSuperAdmin(actor) {
		return nil, authz.Forbidden(authz.ReasonCrossTenantRole)
	}
	return s.repo.GetGrantMatrix(ctx, roleID)
}

// GrantPermissions replaces the role's granted permissions with keys and
// invalidates every grant set the change can affect
func (s *Service) GrantPermissions(ctx context.Context, actor *authz.Identity, tenantID, roleID string, keys []string) error {
	role, err := s.repo.GetRole(ctx, roleID)
	if err != nil {
		return err
	}
	if role.System && !s.isSuperAdmin(actor) {
		return authz.Forbidden(authz.ReasonSystemRoleModify)
	}
	if !role.System && role.TenantID != tenantID {
		return authz.Forbidden(authz.ReasonCrossTenantRole)
	}

	refs, err := s.repo.ResolveGrantRefs(ctx, keys)
	if err != nil {
		return err
	}
	if err := s.repo.SetGrants(ctx, roleID, refs); err != nil {
		return err
	}
	if err := s.invalidator.RoleGrantsChanged(ctx, scopeOf(role)); err != nil {
		return fmt.Errorf("grants saved but cache invalidation failed: %w", err)
	}

	s.emit(ctx, actor, tenantID, audit.Event{
		Action:     "grant_permissions",
		EntityType: "role",
		EntityID:   roleID,
		NewData:    map[string]interface{}{"permissions": keys},
	})
	return nil
}

// AssignRole assigns a role to subject in tenant
func (s *Service) AssignRole(ctx context.Context, actor *authz.Identity, tenantID, subjectID, roleID string) error {
	if _, err := s.assignable(ctx, tenantID, roleID); err != nil {
		return err
	}
	if err := s.repo.AssignUserRole(ctx, subjectID, roleID, tenantID); err != nil {
		return err
	}
	if err := s.assignmentChanged(ctx, subjectID, tenantID); err != nil {
		return err
	}

	s.emit(ctx, actor, tenantID, audit.Event{
		Action:     "assign_role",
		EntityType: "user",
		EntityID:   subjectID,
		NewData:    map[string]interface{}{"roleId": roleID},
	})
	return nil
}

// RevokeRole removes a role from subject in tenant. Actors cannot revoke
// their own roles.
func (s *Service) RevokeRole(ctx context.Context, actor *authz.Identity, tenantID, subjectID, roleID string) error {
	if actor != nil && actor.SubjectID == subjectID {
		return authz.Forbidden(authz.ReasonSelfRemoval)
	}
	if _, err := s.assignable(ctx, tenantID, roleID); err != nil {
		return err
	}
	if err := s.repo.RevokeUserRole(ctx, subjectID, roleID, tenantID); err != nil {
		return err
	}
	if err := s.assignmentChanged(ctx, subjectID, tenantID); err != nil {
		return err
	}

	s.emit(ctx, actor, tenantID, audit.Event{
		Action:     "revoke_role",
		EntityType: "user",
		EntityID:   subjectID,
		OldData:    map[string]interface{}{"roleId": roleID},
	})
	return nil
}

// GetUserRoles lists the roles of subject in tenant
func (s *Service) GetUserRoles(ctx context.Context, subjectID, tenantID string) ([]Role, error) {
	return s.repo.GetUserRoles(ctx, subjectID, tenantID)
}

// DeleteRole deletes a custom role of tenant and purges the tenant's
// cached grant sets
func (s *Service) DeleteRole(ctx context.Context, actor *authz.Identity, tenantID, roleID string) error {
	role, err := s.repo.GetRole(ctx, roleID)
	if err != nil {
		return err
	}
	if role.System {
		return authz.Forbidden(authz.ReasonSystemRoleDelete)
	}
	if role.TenantID != tenantID {
		return authz.Forbidden(authz.ReasonCrossTenantRole)
	}

	if err := s.repo.DeleteRole(ctx, roleID); err != nil {
		return err
	}
	if err := s.invalidator.RoleDeleted(ctx, scopeOf(role)); err != nil {
		return fmt.Errorf("role deleted but cache invalidation failed: %w", err)
	}

	s.emit(ctx, actor, tenantID, audit.Event{
		Action:     "delete_role",
		EntityType: "role",
		EntityID:   roleID,
		OldData:    map[string]interface{}{"name": role.Name, "slug": role.Slug},
	})
	return nil
}

// assignable loads a role that may be assigned within tenant: a system role
// or one of the tenant's own
func (s *Service) assignable(ctx context.Context, tenantID, roleID string) (*Role, error) {
	if tenantID == "" {
		return nil, authz.Forbidden("organization context required")
	}
	role, err := s.repo.GetRole(ctx, roleID)
	if err != nil {
		return nil, err
	}
	if !role.System && role.TenantID != tenantID {
		return nil, authz.Forbidden(authz.ReasonCrossTenantRole)
	}
	return role, nil
}

func (s *Service) assignmentChanged(ctx context.Context, subjectID, tenantID string) error {
	if err := s.invalidator.AssignmentChanged(ctx, subjectID, tenantID); err != nil {
		return fmt.Errorf("assignment saved but cache invalidation failed: %w", err)
	}
	if s.rebuilder == nil {
		return nil
	}
	s.rebuilder.Forget(subjectID, tenantID)
	// the assignment is committed and the stale set is gone; a failed rebuild
	// falls back to the next cache miss
	if err := s.rebuilder.RebuildSubject(ctx, subjectID, tenantID); err != nil {
		s.logger.WithFields(map[string]interface{}{
			"subject_id": subjectID,
			"tenant_id":  tenantID,
		}).WithError(err).Warn("failed to rebuild grant set after assignment change")
	}
	return nil
}

func (s *Service) isSuperAdmin(actor *authz.Identity) bool {
	return actor != nil && actor.HasRole(s.superAdminRole)
}

func (s *Service) emit(ctx context.Context, actor *authz.Identity, tenantID string, event audit.Event) {
	event.Module = auditModule
	event.TenantID = tenantID
	if actor != nil {
		event.SubjectID = actor.SubjectID
	}
	s.audit.LogEvent(ctx, event)
}

func scopeOf(role *Role) entitlements.RoleScope {
	return entitlements.RoleScope{ID: role.ID, TenantID: role.TenantID, System: role.System}
}
