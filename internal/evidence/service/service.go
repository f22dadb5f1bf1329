// Package service holds the evidence submission pipeline and the read-side
// services over the record store.
package service

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/jmerrifield20/evidencechain/internal/evidence/model"
)

// RecordStore is the persistence interface for the pipeline.
// *repository.PostgresStore and *repository.MemoryStore satisfy it.
type RecordStore interface {
	InsertEvidence(ctx context.Context, in model.NewEvidence) (*model.EvidenceRecord, error)
	InsertCase(ctx context.Context, req model.CreateCaseRequest) (*model.CaseRecord, error)
	ListEvidence(ctx context.Context, limit, offset int) ([]*model.EvidenceRecord, error)
	ListEvidenceBySubmitter(ctx context.Context, address string, limit, offset int) ([]*model.EvidenceRecord, error)
	RelatedEvidence(ctx context.Context, caseNumber string) ([]*model.EvidenceRecord, error)
	GetEvidenceByID(ctx context.Context, id uuid.UUID) (*model.EvidenceRecord, error)
	GetEvidenceByReceipt(ctx context.Context, receipt string) (*model.EvidenceRecord, error)
	ListCases(ctx context.Context, limit, offset int) ([]*model.CaseRecord, error)
	GetCaseByID(ctx context.Context, id uuid.UUID) (*model.CaseRecord, error)
	GetCaseByNumber(ctx context.Context, caseNumber string) (*model.CaseRecord, error)
}

// SignatureVerifier recovers the address that signed the submission message
// for a content hash. *identity.Verifier satisfies this interface.
type SignatureVerifier interface {
	RecoverSubmitter(contentHash string, sig []byte) (common.Address, error)
}

// Metrics receives pipeline events. The HTTP layer wires Prometheus behind it.
type Metrics interface {
	SubmissionFinished(state State, elapsed time.Duration)
	LedgerAttempt(outcome string)
	OrphanRecorded()
	OrphanResolved()
}

type nopMetrics struct{}

func (nopMetrics) SubmissionFinished(State, time.Duration) {}
func (nopMetrics) LedgerAttempt(string)                    {}
func (nopMetrics) OrphanRecorded()                         {}
func (nopMetrics) OrphanResolved()                         {}
