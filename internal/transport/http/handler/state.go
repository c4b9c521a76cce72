package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/privacytap/dpquery/internal/health"
)

// StateHandler serves GET /state (liveness) and /state/ready (readiness),
// the HTTP-facing wrapper around internal/health.Checker.
type StateHandler struct {
	checker *health.Checker
}

func NewStateHandler(checker *health.Checker) *StateHandler {
	return &StateHandler{checker: checker}
}

func (h *StateHandler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, h.checker.Liveness(c.Request.Context()))
}

func (h *StateHandler) Readiness(c *gin.Context) {
	result := h.checker.Readiness(c.Request.Context())
	status := http.StatusOK
	if result.Status != "up" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, result)
}
