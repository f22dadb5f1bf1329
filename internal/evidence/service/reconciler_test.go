package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/evidencechain/internal/evidence/model"
	"github.com/jmerrifield20/evidencechain/internal/evidence/repository"
	"github.com/jmerrifield20/evidencechain/internal/ledger"
)

func orphanFor(requestID string) Orphan {
	return Orphan{
		RequestID: requestID,
		Receipt: ledger.Receipt{
			TxID:      "0xtx-" + requestID,
			RequestID: requestID,
			Status:    ledger.StatusAccepted,
		},
		Record: model.NewEvidence{
			ContentHash:       "QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbdG",
			Metadata:          model.Metadata{model.MetaCaseNumber: "CASE-1"},
			SubmitterIdentity: signer.Hex(),
		},
		Reason:     "connection reset",
		RecordedAt: time.Now().UTC(),
	}
}

func TestReconcile_insertsRecordAndDequeues(t *testing.T) {
	ctx := context.Background()
	orphans := NewMemoryOrphanStore()
	_ = orphans.Push(ctx, orphanFor("req-1"))
	lc := &scriptedLedger{lookup: func(id string) (*ledger.Receipt, error) {
		return accept(ledger.Operation{RequestID: id})
	}}
	store := repository.NewMemoryStore()
	metrics := newCountingMetrics()
	r := NewReconciler(orphans, lc, store, 0, zap.NewNop())
	r.SetMetrics(metrics)

	report, err := r.ReconcileAll(ctx)
	if err != nil {
		t.Fatalf("ReconcileAll: %v", err)
	}
	if report.Resolved != 1 || report.Pending != 0 {
		t.Errorf("report = %+v", report)
	}
	rec, err := store.GetEvidenceByReceipt(ctx, "0xtx-req-1")
	if err != nil {
		t.Fatalf("GetEvidenceByReceipt: %v", err)
	}
	if rec.RequestID != "req-1" || rec.SubmitterIdentity != signer.Hex() {
		t.Errorf("record = %+v", rec)
	}
	if left, _ := orphans.List(ctx); len(left) != 0 {
		t.Errorf("orphans left = %d, want 0", len(left))
	}
	if metrics.resolved != 1 {
		t.Errorf("OrphanResolved = %d, want 1", metrics.resolved)
	}
}

func TestReconcile_isIdempotent(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	lc := &scriptedLedger{}
	r := NewReconciler(NewMemoryOrphanStore(), lc, store, 0, zap.NewNop())

	o := orphanFor("req-2")
	first, err := r.Reconcile(ctx, o)
	if err != nil {
		t.Fatalf("first Reconcile: %v", err)
	}
	second, err := r.Reconcile(ctx, o)
	if err != nil {
		t.Fatalf("second Reconcile: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("reconciling twice created two records")
	}
}

func TestReconcile_ledgerUnavailableKeepsOrphan(t *testing.T) {
	ctx := context.Background()
	orphans := NewMemoryOrphanStore()
	_ = orphans.Push(ctx, orphanFor("req-3"))
	lc := &scriptedLedger{lookup: func(string) (*ledger.Receipt, error) {
		return nil, &ledger.UnavailableError{Err: errors.New("down")}
	}}
	store := repository.NewMemoryStore()
	r := NewReconciler(orphans, lc, store, 0, zap.NewNop())

	report, err := r.ReconcileAll(ctx)
	if err != nil {
		t.Fatalf("ReconcileAll: %v", err)
	}
	if report.Resolved != 0 || report.Pending != 1 || len(report.Errors) != 1 {
		t.Errorf("report = %+v", report)
	}
	if all, _ := store.ListEvidence(ctx, 0, 0); len(all) != 0 {
		t.Errorf("store has %d records, want 0", len(all))
	}
	if left, _ := orphans.List(ctx); len(left) != 1 {
		t.Errorf("orphans left = %d, want 1", len(left))
	}
}

func TestReconcile_receiptMismatch(t *testing.T) {
	lc := &scriptedLedger{lookup: func(id string) (*ledger.Receipt, error) {
		return &ledger.Receipt{TxID: "0xother", RequestID: id, Status: ledger.StatusAccepted}, nil
	}}
	r := NewReconciler(NewMemoryOrphanStore(), lc, repository.NewMemoryStore(), 0, zap.NewNop())

	_, err := r.Reconcile(context.Background(), orphanFor("req-4"))
	if !errors.Is(err, ErrReceiptMismatch) {
		t.Fatalf("err = %v, want ErrReceiptMismatch", err)
	}
}

func TestCoordinatorOrphan_reconciledOnceStoreRecovers(t *testing.T) {
	ctx := context.Background()
	lc := &scriptedLedger{
		script: []func(ledger.Operation) (*ledger.Receipt, error){accept},
		lookup: func(id string) (*ledger.Receipt, error) {
			return accept(ledger.Operation{RequestID: id})
		},
	}
	store := &flakyStore{
		MemoryStore: repository.NewMemoryStore(),
		failures:    3,
		err:         &repository.TransactionError{Op: "insert evidence", Err: errors.New("db down")},
	}
	orphans := NewMemoryOrphanStore()
	c := newTestCoordinator(lc, store, orphans)

	if _, err := c.Submit(ctx, request(t)); err == nil {
		t.Fatal("Submit succeeded, want orphaned receipt")
	}

	r := NewReconciler(orphans, lc, store, 0, zap.NewNop())
	report, err := r.ReconcileAll(ctx)
	if err != nil {
		t.Fatalf("ReconcileAll: %v", err)
	}
	if report.Resolved != 1 {
		t.Fatalf("report = %+v", report)
	}
	if _, err := store.GetEvidenceByReceipt(ctx, "0xtx-req-1"); err != nil {
		t.Errorf("record not stored after reconciliation: %v", err)
	}
}

func TestReconciler_RunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := NewReconciler(NewMemoryOrphanStore(), &scriptedLedger{}, repository.NewMemoryStore(), time.Millisecond, zap.NewNop())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}
