package httpapi

import (
	"dialer-bridge/internal/rbac"

	"github.com/gin-gonic/gin"
)

// Middleware carries the cross-cutting handlers Register needs. Nil entries
// are skipped.
type Middleware struct {
	// Auth verifies the bearer token. Required.
	Auth gin.HandlerFunc
	// PullLimit and PullSlots guard the long-poll endpoint.
	PullLimit gin.HandlerFunc
	PullSlots gin.HandlerFunc
}

// Register mounts the /v1 API on r.
func (h Handlers) Register(r gin.IRouter, mw Middleware) {
	v1 := r.Group("/v1")

	// Token issuance stays outside the auth group.
	v1.POST("/auth/login", h.Login)

	p := v1.Group("", mw.Auth)
	p.GET("/me", h.Me)

	device := p.Group("/device", rbac.Guard(rbac.DeviceRoles...)...)
	{
		device.GET("/pull", chain(mw.PullLimit, mw.PullSlots, h.Pull)...)
		device.POST("/update", h.Update)
		device.POST("/register", h.DeviceEvent("register"))
		device.POST("/heartbeat", h.DeviceEvent("heartbeat"))
		device.POST("/telemetry", h.DeviceEvent("telemetry"))
		device.POST("/logs", h.DeviceEvent("logs"))
	}

	commands := p.Group("/commands", append(rbac.Guard(rbac.CommandReaders...), rbac.RequireUserToken())...)
	{
		writers := rbac.RequireAnyRole(rbac.CommandWriters...)
		commands.POST("", writers, h.CreateCommand)
		commands.GET("/:id", h.GetCommand)
		commands.POST("/:id/cancel", writers, h.CancelCommand)
	}

	reports := p.Group("/reports", append(rbac.Guard(rbac.ReportReaders...), rbac.RequireUserToken())...)
	reports.GET("/outcomes", h.OutcomeSummary)
}

func chain(hs ...gin.HandlerFunc) []gin.HandlerFunc {
	out := make([]gin.HandlerFunc, 0, len(hs))
	for _, h := range hs {
		if h != nil {
			out = append(out, h)
		}
	}
	return out
}
