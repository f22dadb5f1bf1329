package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/jmerrifield20/evidencechain/internal/evidence/model"
)

// NotifyChannel is the LISTEN/NOTIFY channel carrying the kind of each
// committed insert.
const NotifyChannel = "record_changes"

// Advisory lock keys serialising inserts per table. Holding the lock until
// commit makes seq order equal commit order.
var insertLockKeys = map[model.Kind]int64{
	model.KindEvidence: 1_159_876_601,
	model.KindCase:     1_159_876_602,
}

const (
	evidenceColumns = `id, content_hash, metadata, submitter_identity, ledger_receipt, request_id, created_at, seq`
	caseColumns     = `id, case_number, title, description, created_at, seq`
)

// PostgresStore is the record store backed by PostgreSQL.
type PostgresStore struct {
	db     *pgxpool.Pool
	logger *zap.Logger

	mu    sync.RWMutex
	hooks []CommitHook
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(db *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{db: db, logger: logger}
}

// OnCommit registers fn to run after every insert committed by this process.
// Inserts by other processes arrive through Listen.
func (s *PostgresStore) OnCommit(fn CommitHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, fn)
}

func (s *PostgresStore) committed(kind model.Kind) {
	s.mu.RLock()
	hooks := append([]CommitHook(nil), s.hooks...)
	s.mu.RUnlock()
	for _, h := range hooks {
		h(kind)
	}
}

// Ping checks connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// inTx runs fn inside a transaction holding the insert lock for kind and
// queues a change notification that fires on commit.
func (s *PostgresStore) inTx(ctx context.Context, kind model.Kind, fn func(pgx.Tx) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", insertLockKeys[kind]); err != nil {
		return fmt.Errorf("acquire insert lock: %w", err)
	}
	if err := fn(tx); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, "SELECT pg_notify($1, $2)", NotifyChannel, string(kind)); err != nil {
		return fmt.Errorf("queue notify: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// InsertEvidence stores a new evidence record. A record whose ledger receipt
// is already stored is returned unchanged instead of inserted twice, or
// ErrReceiptConflict when the stored record has other content or submitter.
func (s *PostgresStore) InsertEvidence(ctx context.Context, in model.NewEvidence) (*model.EvidenceRecord, error) {
	meta, err := in.Metadata.Canonical()
	if err != nil {
		return nil, &TransactionError{Op: "insert evidence", Err: err}
	}

	var rec *model.EvidenceRecord
	var created bool
	err = s.inTx(ctx, model.KindEvidence, func(tx pgx.Tx) error {
		existing, err := scanEvidence(tx.QueryRow(ctx,
			`SELECT `+evidenceColumns+` FROM evidence_records WHERE ledger_receipt = $1`, in.LedgerReceipt))
		if err == nil {
			if !sameEvidence(existing, in) {
				return ErrReceiptConflict
			}
			rec = existing
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("check receipt: %w", err)
		}

		rec, err = scanEvidence(tx.QueryRow(ctx, `
			INSERT INTO evidence_records (
				id, content_hash, metadata, submitter_identity, ledger_receipt, request_id, created_at
			)
			SELECT $1, $2, $3, $4, $5, $6,
			       GREATEST(clock_timestamp(), COALESCE(MAX(created_at), '-infinity'::timestamptz))
			FROM evidence_records
			RETURNING `+evidenceColumns,
			uuid.New(), in.ContentHash, meta, in.SubmitterIdentity, in.LedgerReceipt, in.RequestID,
		))
		if err != nil {
			return fmt.Errorf("insert evidence: %w", err)
		}
		created = true
		return nil
	})
	if errors.Is(err, ErrReceiptConflict) {
		return nil, err
	}
	if err != nil {
		return nil, &TransactionError{Op: "insert evidence", Err: err}
	}

	if created {
		s.logger.Debug("evidence record inserted",
			zap.String("id", rec.ID.String()),
			zap.Int64("seq", rec.Seq),
			zap.String("ledger_receipt", rec.LedgerReceipt),
		)
		s.committed(model.KindEvidence)
	}
	return rec, nil
}

// InsertCase stores a new case record or returns ErrDuplicateCaseNumber.
func (s *PostgresStore) InsertCase(ctx context.Context, req model.CreateCaseRequest) (*model.CaseRecord, error) {
	var rec *model.CaseRecord
	err := s.inTx(ctx, model.KindCase, func(tx pgx.Tx) error {
		var err error
		rec, err = scanCase(tx.QueryRow(ctx, `
			INSERT INTO case_records (id, case_number, title, description, created_at)
			SELECT $1, $2, $3, $4,
			       GREATEST(clock_timestamp(), COALESCE(MAX(created_at), '-infinity'::timestamptz))
			FROM case_records
			RETURNING `+caseColumns,
			uuid.New(), req.CaseNumber, req.Title, req.Description,
		))
		return err
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "case_records_case_number_key" {
			return nil, ErrDuplicateCaseNumber
		}
		return nil, &TransactionError{Op: "insert case", Err: err}
	}
	s.committed(model.KindCase)
	return rec, nil
}

// ListEvidence returns evidence newest first, ties broken by insertion order.
// limit <= 0 returns everything.
func (s *PostgresStore) ListEvidence(ctx context.Context, limit, offset int) ([]*model.EvidenceRecord, error) {
	return s.queryEvidence(ctx, `
		SELECT `+evidenceColumns+` FROM evidence_records
		ORDER BY created_at DESC, seq DESC
		LIMIT $1 OFFSET $2`, limitArg(limit), offset)
}

// ListEvidenceBySubmitter returns evidence whose submitter matches address
// case-insensitively, newest first.
func (s *PostgresStore) ListEvidenceBySubmitter(ctx context.Context, address string, limit, offset int) ([]*model.EvidenceRecord, error) {
	return s.queryEvidence(ctx, `
		SELECT `+evidenceColumns+` FROM evidence_records
		WHERE lower(submitter_identity) = lower($1)
		ORDER BY created_at DESC, seq DESC
		LIMIT $2 OFFSET $3`, address, limitArg(limit), offset)
}

// RelatedEvidence returns evidence associated with caseNumber, newest first.
// It mirrors EvidenceRecord.RelatedTo: only string-valued metadata fields
// count, and strpos is case-sensitive.
func (s *PostgresStore) RelatedEvidence(ctx context.Context, caseNumber string) ([]*model.EvidenceRecord, error) {
	if caseNumber == "" {
		return []*model.EvidenceRecord{}, nil
	}
	return s.queryEvidence(ctx, `
		SELECT `+evidenceColumns+` FROM evidence_records
		WHERE (jsonb_typeof(metadata->'case_number') = 'string' AND metadata->>'case_number' = $1)
		   OR (jsonb_typeof(metadata->'name') = 'string' AND strpos(metadata->>'name', $1) > 0)
		   OR (jsonb_typeof(metadata->'description') = 'string' AND strpos(metadata->>'description', $1) > 0)
		ORDER BY created_at DESC, seq DESC`, caseNumber)
}

// GetEvidenceByID returns the record with id or ErrNotFound.
func (s *PostgresStore) GetEvidenceByID(ctx context.Context, id uuid.UUID) (*model.EvidenceRecord, error) {
	rec, err := scanEvidence(s.db.QueryRow(ctx,
		`SELECT `+evidenceColumns+` FROM evidence_records WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// GetEvidenceByReceipt returns the record holding receipt or ErrNotFound.
func (s *PostgresStore) GetEvidenceByReceipt(ctx context.Context, receipt string) (*model.EvidenceRecord, error) {
	rec, err := scanEvidence(s.db.QueryRow(ctx,
		`SELECT `+evidenceColumns+` FROM evidence_records WHERE ledger_receipt = $1`, receipt))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// ListCases returns cases newest first.
func (s *PostgresStore) ListCases(ctx context.Context, limit, offset int) ([]*model.CaseRecord, error) {
	return s.queryCases(ctx, `
		SELECT `+caseColumns+` FROM case_records
		ORDER BY created_at DESC, seq DESC
		LIMIT $1 OFFSET $2`, limitArg(limit), offset)
}

// GetCaseByID returns the case with id or ErrNotFound.
func (s *PostgresStore) GetCaseByID(ctx context.Context, id uuid.UUID) (*model.CaseRecord, error) {
	rec, err := scanCase(s.db.QueryRow(ctx, `SELECT `+caseColumns+` FROM case_records WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// GetCaseByNumber returns the case numbered caseNumber or ErrNotFound.
func (s *PostgresStore) GetCaseByNumber(ctx context.Context, caseNumber string) (*model.CaseRecord, error) {
	rec, err := scanCase(s.db.QueryRow(ctx,
		`SELECT `+caseColumns+` FROM case_records WHERE case_number = $1`, caseNumber))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// EvidenceSince returns evidence with seq > after in ascending seq order.
func (s *PostgresStore) EvidenceSince(ctx context.Context, after int64, limit int) ([]*model.EvidenceRecord, error) {
	return s.queryEvidence(ctx, `
		SELECT `+evidenceColumns+` FROM evidence_records
		WHERE seq > $1 ORDER BY seq ASC LIMIT $2`, after, limitArg(limit))
}

// CasesSince returns cases with seq > after in ascending seq order.
func (s *PostgresStore) CasesSince(ctx context.Context, after int64, limit int) ([]*model.CaseRecord, error) {
	return s.queryCases(ctx, `
		SELECT `+caseColumns+` FROM case_records
		WHERE seq > $1 ORDER BY seq ASC LIMIT $2`, after, limitArg(limit))
}

// LatestSeq returns the highest committed seq for kind, or 0.
func (s *PostgresStore) LatestSeq(ctx context.Context, kind model.Kind) (int64, error) {
	table := "evidence_records"
	if kind == model.KindCase {
		table = "case_records"
	}
	var seq int64
	if err := s.db.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) FROM `+table).Scan(&seq); err != nil {
		return 0, fmt.Errorf("latest %s seq: %w", kind, err)
	}
	return seq, nil
}

func (s *PostgresStore) queryEvidence(ctx context.Context, query string, args ...any) ([]*model.EvidenceRecord, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*model.EvidenceRecord, 0)
	for rows.Next() {
		r, err := scanEvidence(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) queryCases(ctx context.Context, query string, args ...any) ([]*model.CaseRecord, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*model.CaseRecord, 0)
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanEvidence(row pgx.Row) (*model.EvidenceRecord, error) {
	r := &model.EvidenceRecord{}
	if err := row.Scan(
		&r.ID, &r.ContentHash, &r.Metadata, &r.SubmitterIdentity,
		&r.LedgerReceipt, &r.RequestID, &r.CreatedAt, &r.Seq,
	); err != nil {
		return nil, err
	}
	r.CreatedAt = r.CreatedAt.UTC()
	if r.Metadata == nil {
		r.Metadata = model.Metadata{}
	}
	return r, nil
}

func scanCase(row pgx.Row) (*model.CaseRecord, error) {
	c := &model.CaseRecord{}
	if err := row.Scan(&c.ID, &c.CaseNumber, &c.Title, &c.Description, &c.CreatedAt, &c.Seq); err != nil {
		return nil, err
	}
	c.CreatedAt = c.CreatedAt.UTC()
	return c, nil
}

// limitArg maps "no limit" to NULL, which Postgres treats as LIMIT ALL.
func limitArg(limit int) *int {
	if limit <= 0 {
		return nil
	}
	return &limit
}
