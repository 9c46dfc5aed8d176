// Package rbac evaluates the static operator role-permission matrix.
// Like the capability layer, every decision here is advisory: the
// backend enforces permissions on every mutation regardless of what
// this package reports.
package rbac

import (
	"sort"

	"github.com/pitabwire/clearance/model"
)

// Operator permissions. Identifiers are shared with the admin UI and
// must not be renamed without coordinating both sides.
const (
	PermViewTenants         = "canViewTenants"
	PermManageTenants       = "canManageTenants"
	PermViewBilling         = "canViewBilling"
	PermManageBilling       = "canManageBilling"
	PermViewOverrides       = "canViewOverrides"
	PermManageOverrides     = "canManageOverrides"
	PermViewAdmins          = "canViewAdmins"
	PermManageAdmins        = "canManageAdmins"
	PermViewSupportTickets  = "canViewSupportTickets"
	PermManageSupportTickets = "canManageSupportTickets"
	PermViewAuditLog        = "canViewAuditLog"
	PermExportAuditLog      = "canExportAuditLog"
	PermImpersonateTenant   = "canImpersonateTenant"
)

// permissionMatrix is the compiled role assignment. Sets are literal,
// not derived: staff is contained in admin is contained in super_admin,
// but the tiers are not a strict superset chain. viewer is an auditor
// profile and holds audit-log access that staff deliberately does not.
var permissionMatrix = map[model.Role]map[string]struct{}{
	model.RoleSuperAdmin: {
		PermViewTenants:          {},
		PermManageTenants:        {},
		PermViewBilling:          {},
		PermManageBilling:        {},
		PermViewOverrides:        {},
		PermManageOverrides:      {},
		PermViewAdmins:           {},
		PermManageAdmins:         {},
		PermViewSupportTickets:   {},
		PermManageSupportTickets: {},
		PermViewAuditLog:         {},
		PermExportAuditLog:       {},
		PermImpersonateTenant:    {},
	},
	model.RoleAdmin: {
		PermViewTenants:          {},
		PermManageTenants:        {},
		PermViewBilling:          {},
		PermManageBilling:        {},
		PermViewOverrides:        {},
		PermManageOverrides:      {},
		PermViewAdmins:           {},
		PermViewSupportTickets:   {},
		PermManageSupportTickets: {},
		PermViewAuditLog:         {},
		PermExportAuditLog:       {},
	},
	model.RoleStaff: {
		PermViewTenants:          {},
		PermViewBilling:          {},
		PermViewOverrides:        {},
		PermViewSupportTickets:   {},
		PermManageSupportTickets: {},
	},
	model.RoleViewer: {
		PermViewTenants:        {},
		PermViewBilling:        {},
		PermViewOverrides:      {},
		PermViewSupportTickets: {},
		PermViewAuditLog:       {},
	},
}

// RoleGrants returns whether the role's compiled set contains the
// permission. Unknown roles hold nothing.
func RoleGrants(role model.Role, permission string) bool {
	_, ok := permissionMatrix[role][permission]
	return ok
}

// RolePermissions returns the role's permission set, sorted. The slice
// is a copy; the matrix itself is never mutated at runtime.
func RolePermissions(role model.Role) []string {
	set, ok := permissionMatrix[role]
	if !ok {
		return nil
	}
	perms := make([]string, 0, len(set))
	for p := range set {
		perms = append(perms, p)
	}
	sort.Strings(perms)
	return perms
}

// Roles returns every role the matrix declares, most privileged first.
func Roles() []model.Role {
	return []model.Role{model.RoleSuperAdmin, model.RoleAdmin, model.RoleStaff, model.RoleViewer}
}
