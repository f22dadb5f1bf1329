// Package repository is the transactional record store for evidence and case
// records.
//
// Every insert runs in one all-or-nothing transaction that also assigns the
// record's id, created_at and commit sequence. created_at never decreases and
// seq increases in commit order, which is what the change feed relies on.
package repository

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jmerrifield20/evidencechain/internal/evidence/model"
)

// ErrNotFound is returned when a record lookup finds no matching row.
var ErrNotFound = errors.New("record not found")

// ErrDuplicateCaseNumber is returned by InsertCase when the case number is
// already taken.
var ErrDuplicateCaseNumber = errors.New("case number already exists")

// ErrReceiptConflict is returned by InsertEvidence when the ledger receipt is
// already stored for a record with another content hash or submitter.
var ErrReceiptConflict = errors.New("ledger receipt already recorded for different evidence")

// sameEvidence reports whether rec is the stored form of in.
func sameEvidence(rec *model.EvidenceRecord, in model.NewEvidence) bool {
	return rec.ContentHash == in.ContentHash && strings.EqualFold(rec.SubmitterIdentity, in.SubmitterIdentity)
}

// TransactionError means an insert transaction failed and was rolled back.
// No partial row is visible. The insert may be retried.
type TransactionError struct {
	Op  string
	Err error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("store transaction %s: %v", e.Op, e.Err)
}

func (e *TransactionError) Unwrap() error { return e.Err }

// CommitHook is called after a transaction inserting a record of kind commits.
type CommitHook func(kind model.Kind)

// pageBounds clamps a limit/offset pair. limit <= 0 means unbounded.
func pageBounds(n, limit, offset int) (int, int) {
	if offset < 0 {
		offset = 0
	}
	if offset > n {
		offset = n
	}
	end := n
	if limit > 0 && offset+limit < n {
		end = offset + limit
	}
	return offset, end
}
