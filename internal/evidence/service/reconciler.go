package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/evidencechain/internal/evidence/model"
	"github.com/jmerrifield20/evidencechain/internal/ledger"
)

// ErrReceiptMismatch is returned when the ledger reports a different
// transaction for an orphan's request id than the one recorded.
var ErrReceiptMismatch = errors.New("ledger reports a different transaction for this request")

// ReconcileReport summarises one reconciliation pass.
type ReconcileReport struct {
	Resolved int      `json:"resolved"`
	Pending  int      `json:"pending"`
	Errors   []string `json:"errors,omitempty"`
}

// Reconciler inserts the records behind orphaned receipts once the store is
// healthy again.
type Reconciler struct {
	orphans  OrphanStore
	ledger   ledger.Client
	store    RecordStore
	interval time.Duration
	metrics  Metrics
	logger   *zap.Logger
}

// NewReconciler creates a new Reconciler. interval <= 0 disables Run's loop.
func NewReconciler(orphans OrphanStore, lc ledger.Client, store RecordStore, interval time.Duration, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		orphans:  orphans,
		ledger:   lc,
		store:    store,
		interval: interval,
		metrics:  nopMetrics{},
		logger:   logger,
	}
}

// SetMetrics attaches a metrics sink.
func (r *Reconciler) SetMetrics(m Metrics) {
	if m != nil {
		r.metrics = m
	}
}

// Pending lists queued orphans.
func (r *Reconciler) Pending(ctx context.Context) ([]Orphan, error) {
	return r.orphans.List(ctx)
}

// Run reconciles every interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context) error {
	if r.interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			report, err := r.ReconcileAll(ctx)
			if err != nil {
				r.logger.Warn("reconciliation pass failed", zap.Error(err))
				continue
			}
			if report.Resolved > 0 || report.Pending > 0 {
				r.logger.Info("reconciliation pass",
					zap.Int("resolved", report.Resolved),
					zap.Int("pending", report.Pending),
				)
			}
		}
	}
}

// ReconcileAll attempts every queued orphan once.
func (r *Reconciler) ReconcileAll(ctx context.Context) (*ReconcileReport, error) {
	orphans, err := r.orphans.List(ctx)
	if err != nil {
		return nil, err
	}
	report := &ReconcileReport{Errors: []string{}}
	for _, o := range orphans {
		if _, err := r.Reconcile(ctx, o); err != nil {
			report.Pending++
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", o.RequestID, err))
			continue
		}
		report.Resolved++
	}
	return report, nil
}

// Reconcile stores the record behind one orphan and removes it from the
// queue. The receipt is re-confirmed with the ledger when the ledger can
// answer; the recorded receipt was already confirmed once, so a ledger that
// no longer knows the request id does not block the insert.
func (r *Reconciler) Reconcile(ctx context.Context, o Orphan) (*model.EvidenceRecord, error) {
	confirmed, err := r.ledger.Lookup(ctx, o.RequestID)
	switch {
	case err == nil:
		if confirmed.TxID != o.Receipt.TxID {
			return nil, fmt.Errorf("%w: recorded %s, ledger %s", ErrReceiptMismatch, o.Receipt.TxID, confirmed.TxID)
		}
	case errors.Is(err, ledger.ErrReceiptNotFound):
		r.logger.Warn("ledger has no receipt for orphan; using recorded receipt",
			zap.String("request_id", o.RequestID), zap.String("tx_id", o.Receipt.TxID))
	default:
		return nil, fmt.Errorf("confirm receipt: %w", err)
	}

	in := o.Record
	in.LedgerReceipt = o.Receipt.TxID
	in.RequestID = o.RequestID
	rec, err := r.store.InsertEvidence(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("insert record: %w", err)
	}
	if err := r.orphans.Remove(ctx, o.RequestID); err != nil {
		// The record is stored; the next pass resolves to the same row.
		r.logger.Warn("failed to dequeue reconciled orphan", zap.String("request_id", o.RequestID), zap.Error(err))
	}

	r.metrics.OrphanResolved()
	r.logger.Info("orphaned receipt reconciled",
		zap.String("request_id", o.RequestID),
		zap.String("tx_id", o.Receipt.TxID),
		zap.String("id", rec.ID.String()),
	)
	return rec, nil
}
