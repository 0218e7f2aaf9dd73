package rbac

import (
	"net/http"

	"dialer-bridge/internal/auth"

	"github.com/gin-gonic/gin"
)

// Route role sets.
var (
	// DeviceRoles may pull commands and report outcomes.
	DeviceRoles = []string{RoleAgent, RoleOwner, RoleDispatcher}
	// CommandReaders may look up single commands.
	CommandReaders = []string{RoleOwner, RoleDispatcher, RoleAgent, RoleAnalyst}
	// CommandWriters may create and cancel commands.
	CommandWriters = []string{RoleOwner, RoleDispatcher, RoleAgent}
	ReportReaders  = []string{RoleOwner, RoleDispatcher, RoleAnalyst, RoleAgent}
)

func deny(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}

// RequireWorkspace enforces the multi-tenant invariant: workspace_id must exist in context.
func RequireWorkspace() gin.HandlerFunc {
	return func(c *gin.Context) {
		if wid, err := auth.WorkspaceID(c.Request.Context()); err != nil || wid == "" {
			deny(c, http.StatusUnauthorized, "workspace_id required")
			return
		}
		c.Next()
	}
}

type roleSet map[string]struct{}

func newRoleSet(roles []string) roleSet {
	s := make(roleSet, len(roles))
	for _, r := range roles {
		s[r] = struct{}{}
	}
	return s
}

// allows applies the role rules: super_admin passes everywhere, every other
// role (hidden ones included) must be listed.
func (s roleSet) allows(role string) bool {
	if IsSuperAdmin(role) {
		return true
	}
	_, ok := s[role]
	return ok
}

// RequireAnyRole allows access if the caller has any of the provided roles.
func RequireAnyRole(allowed ...string) gin.HandlerFunc {
	set := newRoleSet(allowed)
	return func(c *gin.Context) {
		role, err := auth.Role(c.Request.Context())
		if err != nil || role == "" {
			deny(c, http.StatusUnauthorized, "role required")
			return
		}
		if !set.allows(role) {
			deny(c, http.StatusForbidden, "forbidden")
			return
		}
		c.Next()
	}
}

// RequireUserToken rejects tokens bound to a device. Device tokens live on
// unattended handsets and only reach the device endpoints.
func RequireUserToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		if auth.DeviceID(c.Request.Context()) != "" {
			deny(c, http.StatusForbidden, "device tokens cannot use this endpoint")
			return
		}
		c.Next()
	}
}

// Guard is the usual chain for a route group: workspace first, then roles.
func Guard(roles ...string) []gin.HandlerFunc {
	return []gin.HandlerFunc{RequireWorkspace(), RequireAnyRole(roles...)}
}
