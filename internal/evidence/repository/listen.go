package repository

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/jmerrifield20/evidencechain/internal/evidence/model"
)

// Listen holds a dedicated connection LISTENing on NotifyChannel and calls fn
// with the kind of every insert committed by any process sharing the
// database. It reconnects with backoff until ctx is done.
func Listen(ctx context.Context, db *pgxpool.Pool, logger *zap.Logger, fn CommitHook) error {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0

	for {
		err := listenOnce(ctx, db, fn, b.Reset)
		if ctx.Err() != nil {
			return nil
		}
		wait := b.NextBackOff()
		logger.Warn("record change listener disconnected; reconnecting",
			zap.Error(err), zap.Duration("retry_in", wait))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func listenOnce(ctx context.Context, db *pgxpool.Pool, fn CommitHook, connected func()) error {
	conn, err := db.Acquire(ctx)
	if err != nil {
		return err
	}
	defer func() {
		// A cancelled wait leaves the connection closed; otherwise stop
		// listening before it goes back to the pool.
		_, _ = conn.Exec(context.Background(), "UNLISTEN *")
		conn.Release()
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+NotifyChannel); err != nil {
		return err
	}
	connected()

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		kind, err := model.ParseKind(n.Payload)
		if err != nil {
			continue
		}
		fn(kind)
	}
}
