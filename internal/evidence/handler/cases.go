package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/evidencechain/internal/evidence/model"
	"github.com/jmerrifield20/evidencechain/internal/evidence/repository"
	"github.com/jmerrifield20/evidencechain/internal/evidence/service"
)

// CaseHandler handles HTTP requests for cases and case verification.
type CaseHandler struct {
	svc    *service.CaseService
	logger *zap.Logger
}

// NewCaseHandler creates a new CaseHandler.
func NewCaseHandler(svc *service.CaseService, logger *zap.Logger) *CaseHandler {
	return &CaseHandler{svc: svc, logger: logger}
}

// Register registers all case routes on the given router group.
func (h *CaseHandler) Register(rg *gin.RouterGroup) {
	cases := rg.Group("/cases")
	{
		cases.POST("", h.CreateCase)
		cases.GET("", h.ListCases)
		cases.GET("/:id", h.GetCase)
		cases.GET("/by-number/:number", h.GetCaseByNumber)
		cases.GET("/by-number/:number/evidence", h.VerifyCase)
	}
}

// CreateCase handles POST /cases.
func (h *CaseHandler) CreateCase(c *gin.Context) {
	var req model.CreateCaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	created, err := h.svc.CreateCase(c.Request.Context(), req)
	if err != nil {
		status := storeErrorStatus(err)
		switch status {
		case http.StatusConflict:
			c.JSON(status, gin.H{"error": "case number already exists"})
		case http.StatusBadRequest:
			c.JSON(status, gin.H{"error": err.Error()})
		default:
			h.logger.Error("create case", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create case"})
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{"case": created})
}

// ListCases handles GET /cases. Newest first.
func (h *CaseHandler) ListCases(c *gin.Context) {
	limit, offset := pagination(c)
	cases, err := h.svc.ListCases(c.Request.Context(), limit, offset)
	if err != nil {
		h.logger.Error("list cases", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list cases"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cases": cases, "count": len(cases)})
}

// GetCase handles GET /cases/:id.
func (h *CaseHandler) GetCase(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid case ID"})
		return
	}
	rec, err := h.svc.GetCase(c.Request.Context(), id)
	h.respondCase(c, rec, err)
}

// GetCaseByNumber handles GET /cases/by-number/:number.
func (h *CaseHandler) GetCaseByNumber(c *gin.Context) {
	rec, err := h.svc.GetCaseByNumber(c.Request.Context(), c.Param("number"))
	h.respondCase(c, rec, err)
}

func (h *CaseHandler) respondCase(c *gin.Context, rec *model.CaseRecord, err error) {
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "case not found"})
			return
		}
		h.logger.Error("get case", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get case"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"case": rec})
}

// VerifyCase handles GET /cases/by-number/:number/evidence, returning the case
// and every evidence record associated with it.
func (h *CaseHandler) VerifyCase(c *gin.Context) {
	v, err := h.svc.VerifyCase(c.Request.Context(), c.Param("number"))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "case not found"})
			return
		}
		h.logger.Error("verify case", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to verify case"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"case": v.Case, "evidence": v.Evidence, "count": len(v.Evidence)})
}
