package ledger

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/evidencechain/internal/ledger/chain"
)

// Handler exposes a LocalClient as a ledger node over HTTP, plus read-only
// endpoints for inspecting the chain.
type Handler struct {
	local  *LocalClient
	logger *zap.Logger
}

// NewHandler creates a new Handler.
func NewHandler(local *LocalClient, logger *zap.Logger) *Handler {
	return &Handler{local: local, logger: logger}
}

// Register mounts the ledger routes on the given router group.
func (h *Handler) Register(rg *gin.RouterGroup) {
	l := rg.Group("/ledger")
	{
		l.GET("", h.Overview)
		l.GET("/verify", h.Verify)
		l.GET("/entries/:idx", h.GetEntry)
		l.POST("/operations", h.SubmitOperation)
		l.GET("/operations/:request_id", h.LookupOperation)
	}
}

type submitOperationRequest struct {
	Operation  Operation `json:"operation" binding:"required"`
	Authorizer string    `json:"authorizer" binding:"required"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// SubmitOperation handles POST /ledger/operations. A new entry answers 201,
// a repeated request id answers 200 with the original receipt.
func (h *Handler) SubmitOperation(c *gin.Context) {
	var req submitOperationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if !common.IsHexAddress(req.Authorizer) {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "authorizer must be a hex address"})
		return
	}

	receipt, created, err := h.local.accept(c.Request.Context(), req.Operation, common.HexToAddress(req.Authorizer))
	if err != nil {
		var rejected *RejectedError
		var timeout *TimeoutError
		switch {
		case errors.As(err, &rejected):
			c.JSON(http.StatusUnprocessableEntity, errorResponse{Error: rejected.Reason})
		case errors.As(err, &timeout):
			c.JSON(http.StatusGatewayTimeout, errorResponse{Error: err.Error()})
		default:
			h.logger.Error("ledger accept", zap.String("request_id", req.Operation.RequestID), zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "ledger backend unavailable"})
		}
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, receipt)
}

// LookupOperation handles GET /ledger/operations/:request_id.
func (h *Handler) LookupOperation(c *gin.Context) {
	receipt, err := h.local.Lookup(c.Request.Context(), c.Param("request_id"))
	if errors.Is(err, ErrReceiptNotFound) {
		c.JSON(http.StatusNotFound, errorResponse{Error: "no accepted operation for request"})
		return
	}
	if err != nil {
		h.logger.Error("ledger lookup", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "ledger backend unavailable"})
		return
	}
	c.JSON(http.StatusOK, receipt)
}

// Overview handles GET /ledger and returns the chain length and root hash.
func (h *Handler) Overview(c *gin.Context) {
	ctx := c.Request.Context()

	count, err := h.local.chain.Len(ctx)
	if err != nil {
		h.logger.Error("ledger Len", zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "failed to query ledger"})
		return
	}
	root, err := h.local.chain.Root(ctx)
	if err != nil {
		h.logger.Error("ledger Root", zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "failed to query ledger root"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"entries": count, "root": root})
}

// Verify handles GET /ledger/verify.
func (h *Handler) Verify(c *gin.Context) {
	if err := h.local.chain.Verify(c.Request.Context()); err != nil {
		h.logger.Warn("ledger integrity check failed", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"valid": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true})
}

// GetEntry handles GET /ledger/entries/:idx.
func (h *Handler) GetEntry(c *gin.Context) {
	idx, err := strconv.ParseInt(c.Param("idx"), 10, 64)
	if err != nil || idx < 0 {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "idx must be a non-negative integer"})
		return
	}

	entry, err := h.local.chain.Get(c.Request.Context(), idx)
	if errors.Is(err, chain.ErrNotFound) {
		c.JSON(http.StatusNotFound, errorResponse{Error: "entry not found"})
		return
	}
	if err != nil {
		h.logger.Error("ledger Get", zap.Int64("idx", idx), zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "failed to query ledger"})
		return
	}
	c.JSON(http.StatusOK, entry)
}
