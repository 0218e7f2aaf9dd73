package logger

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// GinKey is the gin context key of the request-scoped logger.
const GinKey = "logger"

const (
	headerRequestID = "X-Request-Id"
	headerDeviceID  = "X-Device-Id"
)

// quietPaths are scraped or probed constantly and only logged at debug.
var quietPaths = map[string]bool{
	"/healthz": true,
	"/metrics": true,
}

// Middleware injects a request-scoped logger carrying request_id (and the
// device the client claims to be) and logs one summary line per request.
func Middleware(l *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		rid := c.GetHeader(headerRequestID)
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Writer.Header().Set(headerRequestID, rid)

		reqLogger := l.With("request_id", rid)
		if dev := claimedDevice(c); dev != "" {
			reqLogger = reqLogger.With("device_header", dev)
		}
		c.Set(GinKey, reqLogger)
		c.Request = c.Request.WithContext(With(c.Request.Context(), reqLogger))

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
		}
		// auth middleware may have enriched the logger
		final := FromGin(c)
		switch {
		case len(c.Errors) > 0:
			final.Error("request", append(attrs, "errors", c.Errors.String())...)
		case status >= http.StatusInternalServerError:
			final.Error("request", attrs...)
		case quietPaths[path]:
			final.Debug("request", attrs...)
		default:
			final.Info("request", attrs...)
		}
	}
}

func claimedDevice(c *gin.Context) string {
	if dev := c.GetHeader(headerDeviceID); dev != "" {
		return dev
	}
	return c.Query("device")
}

// FromGin pulls the request-scoped logger from Gin context.
func FromGin(c *gin.Context) *slog.Logger {
	if v, ok := c.Get(GinKey); ok {
		if l, ok := v.(*slog.Logger); ok && l != nil {
			return l
		}
	}
	return slog.Default()
}
