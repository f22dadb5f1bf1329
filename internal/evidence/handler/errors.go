package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jmerrifield20/evidencechain/internal/evidence/model"
	"github.com/jmerrifield20/evidencechain/internal/evidence/repository"
	"github.com/jmerrifield20/evidencechain/internal/evidence/service"
	"github.com/jmerrifield20/evidencechain/internal/identity"
	"github.com/jmerrifield20/evidencechain/internal/ledger"
)

// submitErrorResponse maps a Submit error to a status code and body.
func submitErrorResponse(err error, res *service.SubmitResult) (int, gin.H) {
	body := gin.H{"error": err.Error()}
	if res != nil {
		body["state"] = res.State
		body["request_id"] = res.RequestID
	}

	var (
		valErr    *model.ErrValidation
		malformed *identity.MalformedSignatureError
		recovery  *identity.RecoveryError
		mismatch  *service.IdentityMismatchError
		rejected  *ledger.RejectedError
		unknown   *service.LedgerStateUnknownError
		orphan    *service.OrphanedReceiptError
	)
	switch {
	case errors.As(err, &valErr):
		body["error"] = valErr.Msg
		return http.StatusBadRequest, body
	case errors.As(err, &malformed):
		return http.StatusBadRequest, body
	case errors.As(err, &recovery):
		return http.StatusUnauthorized, body
	case errors.As(err, &mismatch):
		body["recovered"] = mismatch.Recovered
		return http.StatusForbidden, body
	case errors.As(err, &rejected):
		return http.StatusUnprocessableEntity, body
	case errors.As(err, &orphan):
		body["reconciliation_required"] = true
		body["ledger_receipt"] = orphan.Receipt.TxID
		return http.StatusInternalServerError, body
	case errors.As(err, &unknown):
		return http.StatusServiceUnavailable, body
	case errors.Is(err, context.Canceled):
		return statusClientClosedRequest, body
	default:
		body["error"] = "submission failed"
		return http.StatusInternalServerError, body
	}
}

// statusClientClosedRequest is the de facto code for a caller that went away.
const statusClientClosedRequest = 499

// storeErrorStatus maps read-path and case errors.
func storeErrorStatus(err error) int {
	var valErr *model.ErrValidation
	switch {
	case errors.As(err, &valErr):
		return http.StatusBadRequest
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, repository.ErrDuplicateCaseNumber):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
