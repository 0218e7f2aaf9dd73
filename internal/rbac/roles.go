package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	RoleOwner = "owner"
	// RoleDispatcher creates and cancels call commands for other users.
	RoleDispatcher = "dispatcher"
	// RoleAgent is a person who carries a dialing device. Devices authenticate
	// with a token of the agent they belong to.
	RoleAgent           = "agent"
	RoleAnalyst         = "analyst"
	RoleSuperAdmin      = "super_admin"
	RoleNetworkOperator = "network_operator" // hidden role
)

func IsSuperAdmin(role string) bool { return role == RoleSuperAdmin }

func IsHiddenRole(role string) bool { return role == RoleNetworkOperator }

// CanActForOthers reports whether role may create commands owned by another
// user of the workspace.
func CanActForOthers(role string) bool {
	switch role {
	case RoleOwner, RoleDispatcher, RoleSuperAdmin:
		return true
	default:
		return false
	}
}

func IsKnown(role string) bool {
	switch role {
	case RoleOwner, RoleDispatcher, RoleAgent, RoleAnalyst, RoleSuperAdmin, RoleNetworkOperator:
		return true
	default:
		return false
	}
}
