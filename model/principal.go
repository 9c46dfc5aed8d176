package model

// Role is a platform-operator role. The four roles and their permission
// sets are compiled into internal/rbac; nothing mutates them at runtime.
type Role string

const (
	RoleSuperAdmin Role = "super_admin"
	RoleAdmin      Role = "admin"
	RoleStaff      Role = "staff"
	RoleViewer     Role = "viewer"
)

// AdminPrincipal is a resolved platform operator. Operators are a
// distinct population from tenant capability subjects; their records are
// owned by external administrative storage and loaded once per
// authenticated session.
type AdminPrincipal struct {
	ID       string
	Email    string
	Role     Role
	IsActive bool
}
