package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"qrattend/internal/attendance"
)

var kindStatus = map[attendance.Kind]int{
	attendance.KindInvalidRequest:   http.StatusBadRequest,
	attendance.KindNotFound:         http.StatusNotFound,
	attendance.KindUnauthorized:     http.StatusForbidden,
	attendance.KindAlreadyPresent:   http.StatusConflict,
	attendance.KindTooManyAttempts:  http.StatusTooManyRequests,
	attendance.KindEmbeddingTimeout: http.StatusServiceUnavailable,
	attendance.KindInternal:         http.StatusInternalServerError,
}

// statusOf maps an error kind to an HTTP status. Kinds without an entry are
// well-formed requests the flow refused, which is 422.
func statusOf(k attendance.Kind) int {
	if s, ok := kindStatus[k]; ok {
		return s
	}
	return http.StatusUnprocessableEntity
}

func errorBody(code, msg string, retryable bool) gin.H {
	return gin.H{"error": gin.H{"code": code, "message": msg, "retryable": retryable}}
}

func (h *Handler) writeError(c *gin.Context, err error) {
	kind := attendance.KindOf(err)
	msg := err.Error()
	if kind == attendance.KindInternal {
		h.logger.Error("request failed", "method", c.Request.Method, "path", c.FullPath(), "err", err)
		msg = "internal error"
	}
	c.JSON(statusOf(kind), errorBody(kind.String(), msg, kind.Retryable()))
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, errorBody("invalid_request", err.Error(), false))
}
