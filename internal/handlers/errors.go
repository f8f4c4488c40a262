package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"marketplace-messaging/internal/apperr"
)

func statusFor(code apperr.Code) int {
	switch code {
	case apperr.CodeInvalidPair, apperr.CodeInvalidMessage, apperr.CodeInvalidArgument:
		return http.StatusBadRequest
	case apperr.CodeNotFound:
		return http.StatusNotFound
	case apperr.CodeForbidden:
		return http.StatusForbidden
	case apperr.CodeUnauthenticated:
		return http.StatusUnauthorized
	case apperr.CodeConflict:
		return http.StatusConflict
	case apperr.CodeDeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes err as {"error": message, "code": code}.
func respondError(c *gin.Context, err error) {
	code := apperr.CodeOf(err)
	c.JSON(statusFor(code), gin.H{"error": apperr.Public(err), "code": code})
}
