package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"dialer-bridge/internal/auth"
	"dialer-bridge/internal/calls"
	"dialer-bridge/internal/contract"

	"github.com/gin-gonic/gin"
)

const (
	headerDeviceID = "X-Device-Id"
	// maxDeviceBody bounds register/heartbeat/telemetry/logs payloads.
	maxDeviceBody = 64 << 10
)

// deviceID resolves the calling device. A device-bound token wins; a
// different id in the request is refused so one device cannot pull on behalf
// of another.
func deviceID(c *gin.Context) (string, bool) {
	bound := auth.DeviceID(c.Request.Context())
	asked := c.Query("device")
	if asked == "" {
		asked = c.GetHeader(headerDeviceID)
	}
	if bound != "" {
		if asked != "" && asked != bound {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "device does not match token"})
			return "", false
		}
		return bound, true
	}
	return asked, true
}

// DeviceKey charges pull budgets per device, or per user when the device is
// unknown. Used by the throttle middleware after authentication.
func DeviceKey(c *gin.Context) string {
	wid, err := auth.WorkspaceID(c.Request.Context())
	if err != nil {
		return ""
	}
	dev := auth.DeviceID(c.Request.Context())
	if dev == "" {
		dev = c.Query("device")
	}
	if dev == "" {
		dev = c.GetHeader(headerDeviceID)
	}
	if dev == "" {
		uid, _ := auth.UserID(c.Request.Context())
		return wid + ":user:" + uid
	}
	return wid + ":" + dev
}

// Pull hands the caller's oldest pending command to the device. The reply is
// `{}` when nothing arrived within the wait budget.
//
// Query: device=<id>, wait=<seconds> (optional, capped by MaxWait).
func (h Handlers) Pull(c *gin.Context) {
	if h.Calls == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "calls not configured"})
		return
	}
	id, ok := callerIdentity(c)
	if !ok {
		return
	}
	dev, ok := deviceID(c)
	if !ok {
		return
	}
	if dev == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "device required"})
		return
	}
	wait, err := h.wait(c.Query("wait"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cmd, found, err := h.Calls.Dispatch(c.Request.Context(), calls.DispatchRequest{
		WorkspaceID: id.WorkspaceID,
		OwnerUserID: id.UserID,
		DeviceID:    dev,
		Wait:        wait,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// the device went away mid-poll; nothing was claimed for it
			reqLog(c).Debug("pull abandoned by client", "device_id", dev)
			c.Abort()
			return
		}
		writeError(c, err)
		return
	}
	if !found {
		c.JSON(http.StatusOK, contract.Command{})
		return
	}
	c.JSON(http.StatusOK, cmd.Command())
}

func (h Handlers) wait(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs < 0 {
		return 0, errors.New("wait must be a non-negative number of seconds")
	}
	d := time.Duration(secs) * time.Second
	if d > h.MaxWait {
		d = h.MaxWait
	}
	return d, nil
}

// Update records a call outcome in either the legacy or the extended shape.
// Unknown enum values are coerced and never fail the request.
func (h Handlers) Update(c *gin.Context) {
	if h.Calls == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "calls not configured"})
		return
	}
	id, ok := callerIdentity(c)
	if !ok {
		return
	}
	dev, ok := deviceID(c)
	if !ok {
		return
	}
	var ev contract.CallOutcomeEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if _, err := h.Calls.RecordOutcome(c.Request.Context(), calls.OutcomeRequest{
		WorkspaceID: id.WorkspaceID,
		OwnerUserID: id.UserID,
		DeviceID:    dev,
		Actor:       id.actor(c),
		Event:       ev,
	}); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, contract.Ack{OK: true})
}

// DeviceEvent accepts register, heartbeat, telemetry and log payloads. The
// body must be a JSON object; it is logged and acknowledged.
func (h Handlers) DeviceEvent(kind string) gin.HandlerFunc {
	return func(c *gin.Context) {
		dev, ok := deviceID(c)
		if !ok {
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxDeviceBody)
		var body map[string]any
		if err := c.ShouldBindJSON(&body); err != nil || body == nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "json object required"})
			return
		}
		l := reqLog(c).With("kind", kind, "device_id", dev)
		switch kind {
		case "heartbeat":
			l.Debug("device event", "payload", body)
		default:
			l.Info("device event", "payload", body)
		}
		c.JSON(http.StatusOK, contract.Ack{OK: true})
	}
}
