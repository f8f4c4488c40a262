package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"marketplace-messaging/internal/middleware"
	"marketplace-messaging/internal/observability"
	"marketplace-messaging/internal/telemetry"
)

// RegisterDebugRoutes wires debug-only endpoints. GET /debug/audit-test sends
// a probe record through the audit pipeline, optionally tagged with a
// conversation id from the query string.
func RegisterDebugRoutes(router *gin.Engine, emitter *telemetry.AuditEmitter, enabled bool) {
	if !enabled {
		return
	}

	router.GET("/debug/audit-test", func(c *gin.Context) {
		if emitter == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit emitter not configured"})
			return
		}
		rec := telemetry.AuditRecord{
			Action:         telemetry.ActionProbe,
			ConversationID: c.Query("conversation_id"),
			UserID:         probeUserID(c),
			RequestID:      probeRequestID(c),
			Detail:         "audit test",
		}
		emitter.Emit(c.Request.Context(), rec)
		c.JSON(http.StatusOK, gin.H{"status": "ok", "request_id": rec.RequestID})
	})
}

// probeRequestID prefers the id assigned by the RequestID middleware.
func probeRequestID(c *gin.Context) string {
	if id := observability.RequestIDFromContext(c.Request.Context()); id != "" {
		return id
	}
	if id := c.GetHeader("X-Request-ID"); id != "" {
		return id
	}
	return uuid.NewString()
}

// probeUserID is the authenticated user when present. The debug route is
// mounted outside auth, so X-User-ID may stand in.
func probeUserID(c *gin.Context) string {
	if userID := c.GetString(middleware.UserIDKey); userID != "" {
		return userID
	}
	return c.GetHeader("X-User-ID")
}
