package rbac

// Role names. Keep these stable; they are carried in operator tokens.
const (
	RoleOwner      = "owner"
	RoleSupervisor = "supervisor"
	RoleAgent      = "agent"
	RoleSuperAdmin = "super_admin"

	// RoleIntegration is held by machine callers (ingestion, schedulers)
	// that trigger reconcile. Hidden: granted only where listed explicitly.
	RoleIntegration = "integration"
)

func IsSuperAdmin(role string) bool { return role == RoleSuperAdmin }

func IsHiddenRole(role string) bool { return role == RoleIntegration }

// Known reports whether role is one this service issues tokens for.
func Known(role string) bool {
	switch role {
	case RoleOwner, RoleSupervisor, RoleAgent, RoleSuperAdmin, RoleIntegration:
		return true
	default:
		return false
	}
}
