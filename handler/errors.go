package handler

import (
	"errors"
	"net/http"

	"github.com/AnTengye/pagelens/backend/middleware"
	"github.com/AnTengye/pagelens/backend/pkg/logger"
	"github.com/AnTengye/pagelens/backend/service"
	"github.com/gin-gonic/gin"
)

// statusFor maps a service error to its HTTP status
func statusFor(err error) int {
	if errors.Is(err, service.ErrShuttingDown) {
		return http.StatusServiceUnavailable
	}
	switch service.KindOf(err) {
	case service.KindInvalidInput:
		return http.StatusBadRequest
	case service.KindQuotaExceeded:
		return http.StatusPaymentRequired
	case service.KindNotFound:
		return http.StatusNotFound
	case service.KindStoreUnavailable, service.KindLockTimeout:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes err as a JSON error body. Internal details stay in the log.
func respondError(c *gin.Context, err error) {
	status := statusFor(err)
	msg := err.Error()
	switch {
	case status == http.StatusServiceUnavailable:
		msg = "Service temporarily unavailable"
	case status >= http.StatusInternalServerError:
		msg = "Internal server error"
	}
	if status >= http.StatusInternalServerError {
		logger.Error(c.Request.Context(), "request failed", "error", err, "status", status)
	}
	_ = c.Error(err)

	c.JSON(status, gin.H{
		"error":      msg,
		"kind":       service.KindOf(err).String(),
		"request_id": middleware.GetRequestID(c),
	})
}
