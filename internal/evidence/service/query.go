package service

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/jmerrifield20/evidencechain/internal/evidence/model"
)

// QueryService serves evidence reads straight from the store.
type QueryService struct {
	store RecordStore
}

// NewQueryService creates a new QueryService.
func NewQueryService(store RecordStore) *QueryService {
	return &QueryService{store: store}
}

// ListEvidence returns evidence newest first.
func (s *QueryService) ListEvidence(ctx context.Context, limit, offset int) ([]*model.EvidenceRecord, error) {
	return s.store.ListEvidence(ctx, limit, offset)
}

// GetEvidence returns one evidence record by id.
func (s *QueryService) GetEvidence(ctx context.Context, id uuid.UUID) (*model.EvidenceRecord, error) {
	return s.store.GetEvidenceByID(ctx, id)
}

// ListEvidenceBySubmitter returns evidence submitted by address, newest first.
func (s *QueryService) ListEvidenceBySubmitter(ctx context.Context, address string, limit, offset int) ([]*model.EvidenceRecord, error) {
	if !common.IsHexAddress(address) {
		return nil, &model.ErrValidation{Msg: "submitter must be a hex address"}
	}
	return s.store.ListEvidenceBySubmitter(ctx, address, limit, offset)
}
