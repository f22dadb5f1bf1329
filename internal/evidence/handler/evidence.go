package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/evidencechain/internal/evidence/model"
	"github.com/jmerrifield20/evidencechain/internal/evidence/repository"
	"github.com/jmerrifield20/evidencechain/internal/evidence/service"
	"github.com/jmerrifield20/evidencechain/internal/identity"
)

// Submitter runs one submission through the pipeline.
// *service.Coordinator satisfies it.
type Submitter interface {
	Submit(ctx context.Context, req service.SubmitRequest) (*service.SubmitResult, error)
}

// EvidenceHandler handles HTTP requests for evidence records.
type EvidenceHandler struct {
	submitter Submitter
	query     *service.QueryService
	logger    *zap.Logger
}

// NewEvidenceHandler creates a new EvidenceHandler.
func NewEvidenceHandler(submitter Submitter, query *service.QueryService, logger *zap.Logger) *EvidenceHandler {
	return &EvidenceHandler{submitter: submitter, query: query, logger: logger}
}

// Register registers all evidence routes on the given router group.
func (h *EvidenceHandler) Register(rg *gin.RouterGroup) {
	ev := rg.Group("/evidence")
	{
		ev.POST("", h.SubmitEvidence)
		ev.GET("", h.ListEvidence)
		ev.GET("/:id", h.GetEvidence)
	}
}

// SubmitEvidenceRequest is the body of POST /evidence.
type SubmitEvidenceRequest struct {
	ContentHash string         `json:"content_hash" binding:"required"`
	Metadata    model.Metadata `json:"metadata"`
	// Signature is the 0x-prefixed hex personal_sign signature over
	// "Submit evidence: <content_hash>".
	Signature string `json:"signature"  binding:"required"`
	Submitter string `json:"submitter"`
	RequestID string `json:"request_id"`
}

// SubmitEvidenceResponse is the body of a successful POST /evidence.
type SubmitEvidenceResponse struct {
	ID            uuid.UUID             `json:"id"`
	LedgerReceipt string                `json:"ledger_receipt"`
	RequestID     string                `json:"request_id"`
	Record        *model.EvidenceRecord `json:"record"`
}

// SubmitEvidence handles POST /evidence: verifies, records on the ledger and
// stores one submission.
func (h *EvidenceHandler) SubmitEvidence(c *gin.Context) {
	var req SubmitEvidenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sig, err := identity.ParseSignature(req.Signature)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.submitter.Submit(c.Request.Context(), service.SubmitRequest{
		ContentHash: strings.TrimSpace(req.ContentHash),
		Metadata:    req.Metadata,
		Signature:   sig,
		Submitter:   strings.TrimSpace(req.Submitter),
		RequestID:   req.RequestID,
	})
	if err != nil {
		status, body := submitErrorResponse(err, res)
		if status >= http.StatusInternalServerError {
			h.logger.Error("submit evidence", zap.Error(err))
		}
		c.JSON(status, body)
		return
	}

	c.JSON(http.StatusCreated, SubmitEvidenceResponse{
		ID:            res.Record.ID,
		LedgerReceipt: res.Record.LedgerReceipt,
		RequestID:     res.RequestID,
		Record:        res.Record,
	})
}

// ListEvidence handles GET /evidence. Newest first. ?submitter= filters by
// submitter address.
func (h *EvidenceHandler) ListEvidence(c *gin.Context) {
	limit, offset := pagination(c)
	ctx := c.Request.Context()

	var (
		records []*model.EvidenceRecord
		err     error
	)
	if submitter := strings.TrimSpace(c.Query("submitter")); submitter != "" {
		records, err = h.query.ListEvidenceBySubmitter(ctx, submitter, limit, offset)
	} else {
		records, err = h.query.ListEvidence(ctx, limit, offset)
	}
	if err != nil {
		status := storeErrorStatus(err)
		if status == http.StatusInternalServerError {
			h.logger.Error("list evidence", zap.Error(err))
			c.JSON(status, gin.H{"error": "failed to list evidence"})
			return
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"evidence": records, "count": len(records)})
}

// GetEvidence handles GET /evidence/:id.
func (h *EvidenceHandler) GetEvidence(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid evidence ID"})
		return
	}

	rec, err := h.query.GetEvidence(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "evidence not found"})
			return
		}
		h.logger.Error("get evidence", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get evidence"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"evidence": rec})
}

// pagination reads ?limit= and ?offset=, clamping limit to (0, 200].
func pagination(c *gin.Context) (int, int) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
