// Package ledger is the client side of the append-only ledger that authorizes
// evidence submissions.
//
// The ledger is an external system with its own consensus and finality. This
// package only implements the narrow contract the submission pipeline relies
// on: submit an operation on behalf of an authorizing address and receive a
// receipt once the ledger has accepted it, or look a previous submission up by
// its caller-supplied request id.
//
// Implementations:
//   - LocalClient:    backed by a chain.Chain in-process (memory or Postgres).
//   - HTTPClient:     talks to a ledgerd node over HTTP.
//   - EthereumClient: submits to an EVM contract over JSON-RPC.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Kind names an operation type understood by the ledger.
type Kind string

// KindEvidenceSubmit records a content hash and its metadata.
const KindEvidenceSubmit Kind = "evidence.submit"

// Status is the acceptance state carried by a Receipt.
type Status string

// StatusAccepted means the ledger has durably accepted the operation.
const StatusAccepted Status = "accepted"

// ErrReceiptNotFound is returned by Lookup when the ledger holds no accepted
// operation for a request id.
var ErrReceiptNotFound = errors.New("ledger: no accepted operation for request")

// Operation is a single write submitted to the ledger.
type Operation struct {
	// RequestID is the caller-chosen idempotency key. Submitting the same
	// RequestID twice yields the original receipt, never a second entry.
	RequestID   string          `json:"request_id"`
	Kind        Kind            `json:"kind"`
	ContentHash string          `json:"content_hash"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

// Receipt confirms that the ledger accepted an operation.
type Receipt struct {
	TxID        string    `json:"tx_id"`
	RequestID   string    `json:"request_id"`
	Status      Status    `json:"status"`
	Index       int64     `json:"index"`
	Authorizer  string    `json:"authorizer"`
	ContentHash string    `json:"content_hash"`
	AcceptedAt  time.Time `json:"accepted_at"`
}

// Accepted reports whether the receipt confirms acceptance.
func (r *Receipt) Accepted() bool {
	return r != nil && r.Status == StatusAccepted && r.TxID != ""
}

// CheckReceipt reports a *RejectedError when r records a different operation
// than op under the same request id: another authorizer or another content
// hash. Request ids are chosen by callers, so a receipt found by request id
// proves nothing about op until it passes this check.
func CheckReceipt(r *Receipt, op Operation, authorizer common.Address) error {
	if !strings.EqualFold(r.Authorizer, authorizer.Hex()) || r.ContentHash != op.ContentHash {
		return requestConflict(op.RequestID)
	}
	return nil
}

func requestConflict(requestID string) *RejectedError {
	return &RejectedError{Reason: "request_id " + requestID + " already used for a different operation"}
}

// Client is the ledger boundary used by the submission pipeline.
type Client interface {
	// Submit sends op authorized by authorizer and blocks until the ledger
	// accepts it, rejects it, or the bounded confirmation wait expires.
	Submit(ctx context.Context, op Operation, authorizer common.Address) (*Receipt, error)

	// Lookup returns the receipt for a previously submitted request id, or
	// ErrReceiptNotFound when the ledger has not accepted one.
	Lookup(ctx context.Context, requestID string) (*Receipt, error)
}

// Validate applies the ledger's acceptance rules that can be checked without
// contacting it. Violations are terminal and reported as *RejectedError.
func Validate(op Operation, authorizer common.Address) error {
	switch {
	case strings.TrimSpace(op.RequestID) == "":
		return &RejectedError{Reason: "request_id is required"}
	case op.Kind != KindEvidenceSubmit:
		return &RejectedError{Reason: "unsupported operation kind " + string(op.Kind)}
	case strings.TrimSpace(op.ContentHash) == "":
		return &RejectedError{Reason: "content_hash is required"}
	case authorizer == (common.Address{}):
		return &RejectedError{Reason: "authorizer must not be the zero address"}
	case len(op.Metadata) > 0 && !json.Valid(op.Metadata):
		return &RejectedError{Reason: "metadata is not valid JSON"}
	}
	return nil
}
