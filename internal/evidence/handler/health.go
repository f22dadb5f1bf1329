package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jmerrifield20/evidencechain/internal/health"
)

// HealthHandler serves liveness and readiness.
type HealthHandler struct {
	checker *health.Checker
}

// NewHealthHandler creates a new HealthHandler.
func NewHealthHandler(checker *health.Checker) *HealthHandler {
	return &HealthHandler{checker: checker}
}

// Register mounts /healthz and /readyz.
func (h *HealthHandler) Register(r gin.IRoutes) {
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/readyz", h.Ready)
}

// Ready handles GET /readyz. 200 only when every dependency probe passes.
func (h *HealthHandler) Ready(c *gin.Context) {
	status := http.StatusOK
	state := "ready"
	if !h.checker.Ready() {
		status = http.StatusServiceUnavailable
		state = "not ready"
	}
	c.JSON(status, gin.H{"status": state, "dependencies": h.checker.Statuses()})
}
