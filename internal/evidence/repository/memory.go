package repository

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jmerrifield20/evidencechain/internal/evidence/model"
)

// MemoryStore is an in-process record store for development and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	evidence  []*model.EvidenceRecord // insertion order
	cases     []*model.CaseRecord
	byReceipt map[string]*model.EvidenceRecord
	byNumber  map[string]*model.CaseRecord
	seq       map[model.Kind]int64
	last      map[model.Kind]time.Time
	hooks     []CommitHook
	now       func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byReceipt: make(map[string]*model.EvidenceRecord),
		byNumber:  make(map[string]*model.CaseRecord),
		seq:       make(map[model.Kind]int64),
		last:      make(map[model.Kind]time.Time),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// OnCommit registers fn to run after every committed insert.
func (s *MemoryStore) OnCommit(fn CommitHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, fn)
}

// stamp assigns the next seq and a created_at no earlier than the last one.
// Callers hold s.mu.
func (s *MemoryStore) stamp(kind model.Kind) (int64, time.Time) {
	s.seq[kind]++
	ts := s.now().Truncate(time.Microsecond)
	if last := s.last[kind]; ts.Before(last) {
		ts = last
	}
	s.last[kind] = ts
	return s.seq[kind], ts
}

func (s *MemoryStore) committed(kind model.Kind) {
	s.mu.RLock()
	hooks := append([]CommitHook(nil), s.hooks...)
	s.mu.RUnlock()
	for _, h := range hooks {
		h(kind)
	}
}

// InsertEvidence stores a new evidence record. A record whose ledger receipt
// is already stored is returned unchanged instead of inserted twice, or
// ErrReceiptConflict when the stored record has other content or submitter.
func (s *MemoryStore) InsertEvidence(ctx context.Context, in model.NewEvidence) (*model.EvidenceRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, &TransactionError{Op: "insert evidence", Err: err}
	}

	s.mu.Lock()
	if existing, ok := s.byReceipt[in.LedgerReceipt]; ok {
		s.mu.Unlock()
		if !sameEvidence(existing, in) {
			return nil, ErrReceiptConflict
		}
		return copyEvidence(existing), nil
	}
	seq, ts := s.stamp(model.KindEvidence)
	rec := &model.EvidenceRecord{
		ID:                uuid.New(),
		ContentHash:       in.ContentHash,
		Metadata:          copyMetadata(in.Metadata),
		SubmitterIdentity: in.SubmitterIdentity,
		LedgerReceipt:     in.LedgerReceipt,
		RequestID:         in.RequestID,
		CreatedAt:         ts,
		Seq:               seq,
	}
	s.evidence = append(s.evidence, rec)
	s.byReceipt[rec.LedgerReceipt] = rec
	s.mu.Unlock()

	s.committed(model.KindEvidence)
	return copyEvidence(rec), nil
}

// InsertCase stores a new case record or returns ErrDuplicateCaseNumber.
func (s *MemoryStore) InsertCase(ctx context.Context, req model.CreateCaseRequest) (*model.CaseRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, &TransactionError{Op: "insert case", Err: err}
	}

	s.mu.Lock()
	if _, ok := s.byNumber[req.CaseNumber]; ok {
		s.mu.Unlock()
		return nil, ErrDuplicateCaseNumber
	}
	seq, ts := s.stamp(model.KindCase)
	rec := &model.CaseRecord{
		ID:          uuid.New(),
		CaseNumber:  req.CaseNumber,
		Title:       req.Title,
		Description: req.Description,
		CreatedAt:   ts,
		Seq:         seq,
	}
	s.cases = append(s.cases, rec)
	s.byNumber[rec.CaseNumber] = rec
	s.mu.Unlock()

	s.committed(model.KindCase)
	c := *rec
	return &c, nil
}

// ListEvidence returns evidence newest first, ties broken by insertion order
// (later insert first). limit <= 0 returns everything.
func (s *MemoryStore) ListEvidence(_ context.Context, limit, offset int) ([]*model.EvidenceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return pageEvidence(s.evidence, func(*model.EvidenceRecord) bool { return true }, limit, offset), nil
}

// ListEvidenceBySubmitter returns evidence whose submitter matches address
// case-insensitively, newest first.
func (s *MemoryStore) ListEvidenceBySubmitter(_ context.Context, address string, limit, offset int) ([]*model.EvidenceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return pageEvidence(s.evidence, func(r *model.EvidenceRecord) bool {
		return strings.EqualFold(r.SubmitterIdentity, address)
	}, limit, offset), nil
}

// RelatedEvidence returns evidence associated with caseNumber, newest first.
func (s *MemoryStore) RelatedEvidence(_ context.Context, caseNumber string) ([]*model.EvidenceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return pageEvidence(s.evidence, func(r *model.EvidenceRecord) bool {
		return r.RelatedTo(caseNumber)
	}, 0, 0), nil
}

// GetEvidenceByID returns the record with id or ErrNotFound.
func (s *MemoryStore) GetEvidenceByID(_ context.Context, id uuid.UUID) (*model.EvidenceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.evidence {
		if r.ID == id {
			return copyEvidence(r), nil
		}
	}
	return nil, ErrNotFound
}

// GetEvidenceByReceipt returns the record holding receipt or ErrNotFound.
func (s *MemoryStore) GetEvidenceByReceipt(_ context.Context, receipt string) (*model.EvidenceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.byReceipt[receipt]; ok {
		return copyEvidence(r), nil
	}
	return nil, ErrNotFound
}

// ListCases returns cases newest first.
func (s *MemoryStore) ListCases(_ context.Context, limit, offset int) ([]*model.CaseRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	start, end := pageBounds(len(s.cases), limit, offset)
	out := make([]*model.CaseRecord, 0, end-start)
	for i := len(s.cases) - 1 - start; i >= len(s.cases)-end; i-- {
		c := *s.cases[i]
		out = append(out, &c)
	}
	return out, nil
}

// GetCaseByID returns the case with id or ErrNotFound.
func (s *MemoryStore) GetCaseByID(_ context.Context, id uuid.UUID) (*model.CaseRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.cases {
		if c.ID == id {
			cp := *c
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// GetCaseByNumber returns the case numbered caseNumber or ErrNotFound.
func (s *MemoryStore) GetCaseByNumber(_ context.Context, caseNumber string) (*model.CaseRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byNumber[caseNumber]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

// EvidenceSince returns evidence with seq > after in ascending seq order.
func (s *MemoryStore) EvidenceSince(_ context.Context, after int64, limit int) ([]*model.EvidenceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.EvidenceRecord, 0)
	for _, r := range s.evidence {
		if r.Seq > after {
			out = append(out, copyEvidence(r))
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// CasesSince returns cases with seq > after in ascending seq order.
func (s *MemoryStore) CasesSince(_ context.Context, after int64, limit int) ([]*model.CaseRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.CaseRecord, 0)
	for _, c := range s.cases {
		if c.Seq > after {
			cp := *c
			out = append(out, &cp)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// LatestSeq returns the highest committed seq for kind, or 0.
func (s *MemoryStore) LatestSeq(_ context.Context, kind model.Kind) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seq[kind], nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// pageEvidence walks records newest first (reverse insertion order, which for
// a single process is also created_at descending) and pages the matches.
func pageEvidence(records []*model.EvidenceRecord, keep func(*model.EvidenceRecord) bool, limit, offset int) []*model.EvidenceRecord {
	matched := make([]*model.EvidenceRecord, 0)
	for i := len(records) - 1; i >= 0; i-- {
		if keep(records[i]) {
			matched = append(matched, records[i])
		}
	}
	start, end := pageBounds(len(matched), limit, offset)
	out := make([]*model.EvidenceRecord, 0, end-start)
	for _, r := range matched[start:end] {
		out = append(out, copyEvidence(r))
	}
	return out
}

func copyEvidence(r *model.EvidenceRecord) *model.EvidenceRecord {
	c := *r
	c.Metadata = copyMetadata(r.Metadata)
	return &c
}

func copyMetadata(m model.Metadata) model.Metadata {
	if m == nil {
		return model.Metadata{}
	}
	out := make(model.Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
