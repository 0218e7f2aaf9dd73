package auth

import (
	"net/http"
	"strings"
	"time"

	"dialer-bridge/pkg/logger"

	"github.com/gin-gonic/gin"
)

const bearerPrefix = "Bearer "

// RequireBearer verifies a user access token or a device token and injects
// the identity into the request context and logger. RBAC checks belong to
// internal/rbac.
func RequireBearer(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader("Authorization"))
		tok, ok := strings.CutPrefix(raw, bearerPrefix)
		if !ok || strings.TrimSpace(tok) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		claims, err := m.Verify(strings.TrimSpace(tok), time.Now(), TokenTypeAccess, TokenTypeDevice)
		if err != nil {
			logger.FromGin(c).Debug("token rejected", "err", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		ctx := WithIdentity(c.Request.Context(), claims.UserID, claims.WorkspaceID, claims.Role)
		log := logger.FromGin(c).With("user_id", claims.UserID, "workspace_id", claims.WorkspaceID)
		if claims.DeviceID != "" {
			ctx = WithDevice(ctx, claims.DeviceID)
			log = log.With("device_id", claims.DeviceID)
		}
		c.Request = c.Request.WithContext(logger.With(ctx, log))
		c.Set(logger.GinKey, log)
		c.Next()
	}
}
