package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/jmerrifield20/evidencechain/internal/ledger/chain"
)

// LocalClient is a Client backed directly by a chain.Chain. It serves the
// memory and postgres ledger drivers and sits behind the ledgerd HTTP node.
type LocalClient struct {
	chain          chain.Chain
	confirmTimeout time.Duration
	logger         *zap.Logger
}

// NewLocalClient returns a LocalClient. Acceptance that takes longer than
// confirmTimeout is reported as *TimeoutError.
func NewLocalClient(c chain.Chain, confirmTimeout time.Duration, logger *zap.Logger) *LocalClient {
	return &LocalClient{chain: c, confirmTimeout: confirmTimeout, logger: logger}
}

// Chain returns the underlying chain.
func (l *LocalClient) Chain() chain.Chain { return l.chain }

// Submit implements Client.
func (l *LocalClient) Submit(ctx context.Context, op Operation, authorizer common.Address) (*Receipt, error) {
	r, _, err := l.accept(ctx, op, authorizer)
	return r, err
}

func (l *LocalClient) accept(ctx context.Context, op Operation, authorizer common.Address) (*Receipt, bool, error) {
	if err := Validate(op, authorizer); err != nil {
		return nil, false, err
	}

	cctx, cancel := context.WithTimeout(ctx, l.confirmTimeout)
	defer cancel()

	entry, created, err := l.chain.Accept(cctx, chain.Op{
		RequestID:   op.RequestID,
		Kind:        string(op.Kind),
		ContentHash: op.ContentHash,
		Actor:       authorizer.Hex(),
		Payload:     op.Metadata,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return nil, false, &TimeoutError{RequestID: op.RequestID, Waited: l.confirmTimeout}
		}
		return nil, false, &UnavailableError{Err: err}
	}

	receipt := receiptFromEntry(entry)
	if !created {
		if err := CheckReceipt(receipt, op, authorizer); err != nil {
			return nil, false, err
		}
	}

	if created {
		l.logger.Info("ledger operation accepted",
			zap.String("request_id", op.RequestID),
			zap.String("tx_id", entry.Hash),
			zap.Int64("index", entry.Index),
		)
	}
	return receipt, created, nil
}

// Lookup implements Client.
func (l *LocalClient) Lookup(ctx context.Context, requestID string) (*Receipt, error) {
	entry, err := l.chain.FindByRequest(ctx, requestID)
	if errors.Is(err, chain.ErrNotFound) {
		return nil, ErrReceiptNotFound
	}
	if err != nil {
		return nil, &UnavailableError{Err: err}
	}
	return receiptFromEntry(entry), nil
}

func receiptFromEntry(e *chain.Entry) *Receipt {
	return &Receipt{
		TxID:        e.Hash,
		RequestID:   e.RequestID,
		Status:      StatusAccepted,
		Index:       e.Index,
		Authorizer:  e.Actor,
		ContentHash: e.ContentHash,
		AcceptedAt:  e.Timestamp,
	}
}
