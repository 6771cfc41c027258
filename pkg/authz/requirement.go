package authz

import (
	"sort"
	"strings"
)

// AuditSpec describes the audit event emitted after a successful operation
type AuditSpec struct {
	Module     string
	Action     string
	EntityType string
}

// Requirement is the authorization precondition of one operation
type Requirement struct {
	Public      bool
	Permissions []string
	Roles       []string
	RequireMFA  bool
	Audit       *AuditSpec
}

// Modules returns the distinct module segments of the required permissions
func (r Requirement) Modules() []string {
	seen := make(map[string]struct{}, len(r.Permissions))
	var out []string
	for _, p := range r.Permissions {
		m := ModuleOf(p)
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out
}

// ModuleOf returns the text before the first "." of a permission key
func ModuleOf(permission string) string {
	if i := strings.IndexByte(permission, '.'); i >= 0 {
		return permission[:i]
	}
	return permission
}

// Table maps operation ids to requirements. It is built once at startup
// and only read afterwards.
type Table struct {
	entries map[string]Requirement
}

// NewTable copies entries into a Table
func NewTable(entries map[string]Requirement) *Table {
	t := &Table{entries: make(map[string]Requirement, len(entries))}
	for op, req := range entries {
		t.entries[op] = req
	}
	return t
}

// Lookup returns the requirement for op
func (t *Table) Lookup(op string) (Requirement, bool) {
	req, ok := t.entries[op]
	return req, ok
}

// Operations returns every operation id, sorted
func (t *Table) Operations() []string {
	ops := make([]string, 0, len(t.entries))
	for op := range t.entries {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

// Operation ids served by the HTTP and realtime surfaces
const (
	OpAuthRefresh        = "auth.refresh"
	OpAuthLogout         = "auth.logout"
	OpAuthMFAVerify      = "auth.mfa.verify"
	OpRolesList          = "roles.list"
	OpRolesCreate        = "roles.create"
	OpRolesPermissions   = "roles.permissions"
	OpRolesGrant         = "roles.grant"
	OpRolesAssign        = "roles.assign"
	OpRolesRevoke        = "roles.revoke"
	OpRolesUser          = "roles.user"
	OpRolesDelete        = "roles.delete"
	OpSubscriptionPlans  = "subscription.plans"
	OpSubscriptionCreate = "subscription.plan.create"
	OpSubscriptionGet    = "subscription.current"
	OpSubscribe          = "subscription.subscribe"
	OpSubscriptionCancel = "subscription.cancel"
	OpCacheFlush         = "cache.flush"
	OpChatSend           = "chat.send"
	OpChatRead           = "chat.read"
	OpChatDelete         = "chat.delete"
	OpChatJoin           = "chat.join"

	// OpCasesExport is not served by caseguard itself. Case management code
	// embedding the engine authorizes exports with it, so the MFA step-up
	// rule lives in one table.
	OpCasesExport = "cases.export"
)

func perms(keys ...string) []string { return keys }

func audited(module, action, entity string) *AuditSpec {
	return &AuditSpec{Module: module, Action: action, EntityType: entity}
}

// DefaultTable returns the requirement of every operation caseguard serves.
// superAdminRole is the configured platform super-admin role.
func DefaultTable(superAdminRole string) *Table {
	return NewTable(map[string]Requirement{
		OpAuthRefresh:       {Public: true},
		OpSubscriptionPlans: {Public: true},

		OpAuthLogout:    {},
		OpAuthMFAVerify: {},
		OpChatJoin:      {},

		OpRolesList:        {Permissions: perms("roles.read")},
		OpRolesPermissions: {Permissions: perms("roles.read")},
		OpRolesUser:        {Permissions: perms("roles.read")},
		OpRolesCreate:      {Permissions: perms("roles.create")},
		OpRolesGrant:       {Permissions: perms("roles.update")},
		OpRolesAssign:      {Permissions: perms("roles.assign")},
		OpRolesRevoke:      {Permissions: perms("roles.assign")},
		OpRolesDelete:      {Permissions: perms("roles.delete")},

		OpSubscriptionGet:    {Permissions: perms("billing.view")},
		OpSubscribe:          {Permissions: perms("billing.manage")},
		OpSubscriptionCancel: {Permissions: perms("billing.manage"), RequireMFA: true},
		OpSubscriptionCreate: {Roles: []string{superAdminRole}},
		OpCacheFlush:         {Roles: []string{superAdminRole}, Audit: audited("admin", "flush_permissions_cache", "cache")},

		OpChatSend:   {Permissions: perms("chat.send")},
		OpChatRead:   {Permissions: perms("chat.read")},
		OpChatDelete: {Permissions: perms("chat.delete")},

		OpCasesExport: {Permissions: perms("cases.export"), RequireMFA: true},
	})
}
