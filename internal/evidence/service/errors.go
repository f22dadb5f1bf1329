package service

import (
	"fmt"
	"strings"

	"github.com/jmerrifield20/evidencechain/internal/evidence/model"
	"github.com/jmerrifield20/evidencechain/internal/ledger"
)

// IdentityMismatchError means the recovered signer is not the declared
// submitter. Nothing was written.
type IdentityMismatchError struct {
	Declared  string
	Recovered string
}

func (e *IdentityMismatchError) Error() string {
	return fmt.Sprintf("signature was made by %s, not the declared submitter %s", e.Recovered, e.Declared)
}

// LedgerStateUnknownError means ledger submission failed in a retryable way
// every time. The operation may or may not have been accepted; nothing was
// written to the store.
type LedgerStateUnknownError struct {
	RequestID string
	Attempts  int
	Err       error
}

func (e *LedgerStateUnknownError) Error() string {
	return fmt.Sprintf("ledger state unknown for request %s after %d attempts: %v", e.RequestID, e.Attempts, e.Err)
}

func (e *LedgerStateUnknownError) Unwrap() error { return e.Err }

// OrphanedReceiptError means the ledger accepted the operation but the record
// could not be stored. It carries what a reconciliation pass needs to insert
// the missing record later.
type OrphanedReceiptError struct {
	Receipt ledger.Receipt
	Record  model.NewEvidence
	Err     error
}

func (e *OrphanedReceiptError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "ledger accepted request %s as %s but the record was not stored", e.Receipt.RequestID, e.Receipt.TxID)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *OrphanedReceiptError) Unwrap() error { return e.Err }
