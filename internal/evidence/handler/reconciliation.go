package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/evidencechain/internal/evidence/service"
)

// ReconciliationHandler exposes the orphaned-receipt queue.
type ReconciliationHandler struct {
	reconciler *service.Reconciler
	logger     *zap.Logger
}

// NewReconciliationHandler creates a new ReconciliationHandler.
func NewReconciliationHandler(r *service.Reconciler, logger *zap.Logger) *ReconciliationHandler {
	return &ReconciliationHandler{reconciler: r, logger: logger}
}

// Register mounts the reconciliation routes on the given router group.
func (h *ReconciliationHandler) Register(rg *gin.RouterGroup) {
	r := rg.Group("/reconciliation")
	{
		r.GET("/orphans", h.ListOrphans)
		r.POST("/run", h.Run)
	}
}

// ListOrphans handles GET /reconciliation/orphans: ledger-accepted
// submissions still missing from the store.
func (h *ReconciliationHandler) ListOrphans(c *gin.Context) {
	orphans, err := h.reconciler.Pending(c.Request.Context())
	if err != nil {
		h.logger.Error("list orphans", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list orphans"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"orphans": orphans, "count": len(orphans)})
}

// Run handles POST /reconciliation/run, running one reconciliation pass now.
func (h *ReconciliationHandler) Run(c *gin.Context) {
	report, err := h.reconciler.ReconcileAll(c.Request.Context())
	if err != nil {
		h.logger.Error("reconcile", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reconciliation failed"})
		return
	}
	c.JSON(http.StatusOK, report)
}
