package chain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// advisoryLockKey serialises Accept across every ledgerd instance sharing a
// database.
const advisoryLockKey = int64(1_159_876_544)

const entryColumns = `idx, timestamp, request_id, kind, content_hash, actor, data_hash, prev_hash, hash`

// PostgresChain persists the chain to the ledger_entries table. The genesis
// row is created by the migration.
type PostgresChain struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgres returns a PostgresChain backed by pool.
func NewPostgres(pool *pgxpool.Pool, logger *zap.Logger) *PostgresChain {
	return &PostgresChain{pool: pool, logger: logger}
}

// Accept implements Chain. The tail read, the duplicate check and the insert
// happen in one transaction under a transaction-scoped advisory lock.
func (c *PostgresChain) Accept(ctx context.Context, op Op) (*Entry, bool, error) {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey); err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}

	existing, err := scanEntry(tx.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE request_id = $1`, op.RequestID))
	switch {
	case err == nil:
		return existing, false, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return nil, false, fmt.Errorf("lookup request: %w", err)
	}

	prev, err := scanEntry(tx.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries ORDER BY idx DESC LIMIT 1`))
	if err != nil {
		return nil, false, fmt.Errorf("read ledger tail: %w", err)
	}

	entry := next(prev, op, time.Now().UTC())
	if _, err := tx.Exec(ctx,
		`INSERT INTO ledger_entries (`+entryColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		entry.Index, entry.Timestamp, entry.RequestID, entry.Kind,
		entry.ContentHash, entry.Actor, entry.DataHash, entry.PrevHash, entry.Hash,
	); err != nil {
		return nil, false, fmt.Errorf("insert ledger entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("commit ledger tx: %w", err)
	}

	c.logger.Debug("ledger entry accepted",
		zap.Int64("idx", entry.Index),
		zap.String("request_id", entry.RequestID),
		zap.String("tx_id", entry.Hash),
	)
	return entry, true, nil
}

// FindByRequest implements Chain.
func (c *PostgresChain) FindByRequest(ctx context.Context, requestID string) (*Entry, error) {
	e, err := scanEntry(c.pool.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE request_id = $1`, requestID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find request %s: %w", requestID, err)
	}
	return e, nil
}

// Get implements Chain.
func (c *PostgresChain) Get(ctx context.Context, index int64) (*Entry, error) {
	e, err := scanEntry(c.pool.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE idx = $1`, index))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("index %d: %w", index, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get ledger entry %d: %w", index, err)
	}
	return e, nil
}

// Len implements Chain.
func (c *PostgresChain) Len(ctx context.Context) (int64, error) {
	var n int64
	if err := c.pool.QueryRow(ctx, "SELECT COUNT(*) FROM ledger_entries").Scan(&n); err != nil {
		return 0, fmt.Errorf("count ledger entries: %w", err)
	}
	return n, nil
}

// Verify implements Chain. It streams every row in index order.
func (c *PostgresChain) Verify(ctx context.Context) error {
	rows, err := c.pool.Query(ctx, `SELECT `+entryColumns+` FROM ledger_entries ORDER BY idx ASC`)
	if err != nil {
		return fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	var prev *Entry
	for rows.Next() {
		curr, err := scanEntry(rows)
		if err != nil {
			return fmt.Errorf("scan ledger row: %w", err)
		}
		if err := check(prev, curr); err != nil {
			return err
		}
		prev = curr
	}
	return rows.Err()
}

// Root implements Chain.
func (c *PostgresChain) Root(ctx context.Context) (string, error) {
	var hash string
	if err := c.pool.QueryRow(ctx,
		"SELECT hash FROM ledger_entries ORDER BY idx DESC LIMIT 1",
	).Scan(&hash); err != nil {
		return "", fmt.Errorf("get ledger root: %w", err)
	}
	return hash, nil
}

func scanEntry(row pgx.Row) (*Entry, error) {
	e := &Entry{}
	if err := row.Scan(
		&e.Index, &e.Timestamp, &e.RequestID, &e.Kind, &e.ContentHash,
		&e.Actor, &e.DataHash, &e.PrevHash, &e.Hash,
	); err != nil {
		return nil, err
	}
	e.Timestamp = e.Timestamp.UTC()
	return e, nil
}
