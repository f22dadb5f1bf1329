package service

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/evidencechain/internal/evidence/model"
)

// CaseVerification is a case together with the evidence associated with it.
type CaseVerification struct {
	Case     *model.CaseRecord       `json:"case"`
	Evidence []*model.EvidenceRecord `json:"evidence"`
}

// CaseService manages cases and the evidence-to-case association.
type CaseService struct {
	store  RecordStore
	logger *zap.Logger
}

// NewCaseService creates a new CaseService.
func NewCaseService(store RecordStore, logger *zap.Logger) *CaseService {
	return &CaseService{store: store, logger: logger}
}

// CreateCase validates and stores a case. Concurrent creates of the same case
// number are settled by the store: one wins, the rest get
// repository.ErrDuplicateCaseNumber.
func (s *CaseService) CreateCase(ctx context.Context, req model.CreateCaseRequest) (*model.CaseRecord, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	c, err := s.store.InsertCase(ctx, req)
	if err != nil {
		return nil, err
	}
	s.logger.Info("case created", zap.String("id", c.ID.String()), zap.String("case_number", c.CaseNumber))
	return c, nil
}

// ListCases returns cases newest first.
func (s *CaseService) ListCases(ctx context.Context, limit, offset int) ([]*model.CaseRecord, error) {
	return s.store.ListCases(ctx, limit, offset)
}

// GetCase returns a case by id.
func (s *CaseService) GetCase(ctx context.Context, id uuid.UUID) (*model.CaseRecord, error) {
	return s.store.GetCaseByID(ctx, id)
}

// GetCaseByNumber returns a case by its case number.
func (s *CaseService) GetCaseByNumber(ctx context.Context, caseNumber string) (*model.CaseRecord, error) {
	return s.store.GetCaseByNumber(ctx, caseNumber)
}

// RelatedEvidence returns evidence associated with caseNumber, computed at
// read time (see model.EvidenceRecord.RelatedTo).
func (s *CaseService) RelatedEvidence(ctx context.Context, caseNumber string) ([]*model.EvidenceRecord, error) {
	return s.store.RelatedEvidence(ctx, caseNumber)
}

// VerifyCase returns the case numbered caseNumber and its related evidence.
func (s *CaseService) VerifyCase(ctx context.Context, caseNumber string) (*CaseVerification, error) {
	c, err := s.store.GetCaseByNumber(ctx, caseNumber)
	if err != nil {
		return nil, err
	}
	evidence, err := s.store.RelatedEvidence(ctx, caseNumber)
	if err != nil {
		return nil, err
	}
	return &CaseVerification{Case: c, Evidence: evidence}, nil
}
