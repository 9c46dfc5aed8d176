package rbac

import "github.com/pitabwire/clearance/model"

// PermissionGate evaluates permissions for one resolved principal. A
// gate with no principal, or an inactive one, denies everything; the
// existence of a role record in the directory does not matter once the
// account is deactivated.
type PermissionGate struct {
	principal *model.AdminPrincipal
}

// NewPermissionGate builds a gate for the given principal. principal
// may be nil when identity resolution found no operator record.
func NewPermissionGate(principal *model.AdminPrincipal) *PermissionGate {
	return &PermissionGate{principal: principal}
}

func (g *PermissionGate) usable() bool {
	return g != nil && g.principal != nil && g.principal.IsActive
}

// Can reports whether the principal holds the permission.
func (g *PermissionGate) Can(permission string) bool {
	if !g.usable() {
		return false
	}
	return RoleGrants(g.principal.Role, permission)
}

// Permissions returns the principal's full permission set, sorted.
// Empty for a nil or inactive principal.
func (g *PermissionGate) Permissions() []string {
	if !g.usable() {
		return nil
	}
	return RolePermissions(g.principal.Role)
}

// Role returns the principal's role, or the empty role when the gate
// holds no usable principal.
func (g *PermissionGate) Role() model.Role {
	if !g.usable() {
		return ""
	}
	return g.principal.Role
}

// Principal returns the underlying principal record, nil included.
func (g *PermissionGate) Principal() *model.AdminPrincipal {
	if g == nil {
		return nil
	}
	return g.principal
}
