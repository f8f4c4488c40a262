package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"marketplace-messaging/internal/observability"
)

const RequestIDKey = "request_id"

// RequestID reuses the caller's X-Request-ID or issues a new one, echoes it
// back and makes it available to the request context.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set(RequestIDKey, requestID)
		c.Header("X-Request-ID", requestID)
		c.Request = c.Request.WithContext(observability.WithRequestID(c.Request.Context(), requestID))
		c.Next()
	}
}
