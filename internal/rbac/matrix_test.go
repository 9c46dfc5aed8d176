package rbac

import (
	"sort"
	"testing"

	"github.com/pitabwire/clearance/model"
)

func TestRoleGrants_LiteralSets(t *testing.T) {
	tests := []struct {
		role       model.Role
		permission string
		want       bool
	}{
		{model.RoleSuperAdmin, PermManageAdmins, true},
		{model.RoleSuperAdmin, PermImpersonateTenant, true},
		{model.RoleAdmin, PermManageTenants, true},
		{model.RoleAdmin, PermManageAdmins, false},
		{model.RoleAdmin, PermImpersonateTenant, false},
		{model.RoleStaff, PermViewTenants, true},
		{model.RoleStaff, PermManageSupportTickets, true},
		{model.RoleStaff, PermManageTenants, false},
		{model.RoleStaff, PermViewAuditLog, false},
		{model.RoleViewer, PermViewTenants, true},
		{model.RoleViewer, PermViewAuditLog, true},
		{model.RoleViewer, PermManageSupportTickets, false},
		{model.RoleViewer, PermManageTenants, false},
		{model.Role("superuser"), PermViewTenants, false},
		{model.Role(""), PermViewTenants, false},
	}
	for _, tt := range tests {
		if got := RoleGrants(tt.role, tt.permission); got != tt.want {
			t.Errorf("RoleGrants(%q, %q) = %v, want %v", tt.role, tt.permission, got, tt.want)
		}
	}
}

// The tiering contract: staff's set is contained in admin's, admin's
// in super_admin's. That containment chain is the only one declared;
// the adjacent tiers are not strict supersets of each other.
func TestMatrix_TierContainment(t *testing.T) {
	contains := func(outer, inner []string) bool {
		set := make(map[string]struct{}, len(outer))
		for _, p := range outer {
			set[p] = struct{}{}
		}
		for _, p := range inner {
			if _, ok := set[p]; !ok {
				return false
			}
		}
		return true
	}

	staff := RolePermissions(model.RoleStaff)
	admin := RolePermissions(model.RoleAdmin)
	super := RolePermissions(model.RoleSuperAdmin)
	viewer := RolePermissions(model.RoleViewer)

	if !contains(admin, staff) {
		t.Error("staff permissions must be contained in admin's")
	}
	if !contains(super, admin) {
		t.Error("admin permissions must be contained in super_admin's")
	}

	// The deliberate asymmetry: viewer holds audit access staff lacks,
	// and staff holds ticket management viewer lacks. Neither tier
	// contains the other.
	if contains(staff, viewer) {
		t.Error("viewer must hold permissions staff does not")
	}
	if contains(viewer, staff) {
		t.Error("staff must hold permissions viewer does not")
	}
	if !RoleGrants(model.RoleViewer, PermViewAuditLog) || RoleGrants(model.RoleStaff, PermViewAuditLog) {
		t.Error("audit-log view belongs to viewer, not staff")
	}
}

func TestRolePermissions(t *testing.T) {
	perms := RolePermissions(model.RoleStaff)
	if !sort.StringsAreSorted(perms) {
		t.Errorf("RolePermissions() = %v, want sorted", perms)
	}
	want := []string{
		PermManageSupportTickets,
		PermViewBilling,
		PermViewOverrides,
		PermViewSupportTickets,
		PermViewTenants,
	}
	if len(perms) != len(want) {
		t.Fatalf("staff permissions = %v, want %v", perms, want)
	}
	for i := range want {
		if perms[i] != want[i] {
			t.Errorf("staff permissions[%d] = %q, want %q", i, perms[i], want[i])
		}
	}

	if got := RolePermissions(model.Role("nobody")); got != nil {
		t.Errorf("RolePermissions(unknown) = %v, want nil", got)
	}
}

func TestRolePermissions_ReturnsCopy(t *testing.T) {
	first := RolePermissions(model.RoleViewer)
	first[0] = "tampered"
	second := RolePermissions(model.RoleViewer)
	if second[0] == "tampered" {
		t.Error("RolePermissions() must not expose shared backing storage")
	}
}
