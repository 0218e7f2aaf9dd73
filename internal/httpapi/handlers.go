package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"dialer-bridge/internal/audit"
	"dialer-bridge/internal/auth"
	"dialer-bridge/internal/calls"
	"dialer-bridge/internal/rbac"
	"dialer-bridge/internal/reporting"
	"dialer-bridge/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.

type Handlers struct {
	Auth    *auth.Manager
	Calls   *calls.Service
	Reports *reporting.Service

	// MaxWait caps the long-poll wait a device may ask for.
	MaxWait time.Duration
}

// --- Auth ---

type loginRequest struct {
	UserID      string `json:"user_id"`
	WorkspaceID string `json:"workspace_id"`
	Role        string `json:"role"`
	// DeviceID additionally issues a device-bound token.
	DeviceID string `json:"device_id,omitempty"`
}

type loginResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	DeviceToken  string `json:"device_token,omitempty"`
}

// Login issues a JWT token pair.
//
// NOTE: This is a skeleton-only endpoint. Real systems must validate credentials.
func (h Handlers) Login(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.UserID == "" || req.WorkspaceID == "" || req.Role == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id, workspace_id, role required"})
		return
	}
	if !rbac.IsKnown(req.Role) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unknown role"})
		return
	}
	now := time.Now()
	pair, err := h.Auth.IssuePair(now, req.UserID, req.WorkspaceID, req.Role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	resp := loginResponse{AccessToken: pair.AccessToken, RefreshToken: pair.RefreshToken}
	if req.DeviceID != "" {
		resp.DeviceToken, err = h.Auth.IssueDeviceToken(now, req.UserID, req.WorkspaceID, req.Role, req.DeviceID)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
			return
		}
	}
	c.JSON(http.StatusOK, resp)
}

// Me echoes the identity carried by the access token.
func (h Handlers) Me(c *gin.Context) {
	id, _ := auth.FromContext(c.Request.Context())
	out := gin.H{"user_id": id.UserID, "workspace_id": id.WorkspaceID, "role": id.Role}
	if id.DeviceID != "" {
		out["device_id"] = id.DeviceID
	}
	c.JSON(http.StatusOK, out)
}

// identity is the authenticated caller. RequireWorkspace runs first, so the
// workspace is always present.
type identity struct {
	UserID      string
	WorkspaceID string
	Role        string
}

func (i identity) actor(c *gin.Context) audit.Actor {
	return audit.Actor{UserID: i.UserID, Role: i.Role, IP: c.ClientIP()}
}

func callerIdentity(c *gin.Context) (identity, bool) {
	ctx := c.Request.Context()
	wid, err := auth.WorkspaceID(ctx)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "workspace_id required"})
		return identity{}, false
	}
	uid, err := auth.UserID(ctx)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user_id required"})
		return identity{}, false
	}
	role, _ := auth.Role(ctx)
	return identity{UserID: uid, WorkspaceID: wid, Role: role}, true
}

// writeError maps service errors onto status codes. Anything unexpected is
// logged and reported as 500 without detail.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, calls.ErrInvalidArgument), errors.Is(err, reporting.ErrInvalidRequest):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, calls.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "command not found"})
	case errors.Is(err, calls.ErrConflict):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		reqLog(c).Error("request failed", "err", err)
		_ = c.Error(err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func reqLog(c *gin.Context) *slog.Logger { return logger.FromGin(c) }
