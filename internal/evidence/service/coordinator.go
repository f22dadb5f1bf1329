package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/jmerrifield20/evidencechain/internal/evidence/model"
	"github.com/jmerrifield20/evidencechain/internal/evidence/repository"
	"github.com/jmerrifield20/evidencechain/internal/identity"
	"github.com/jmerrifield20/evidencechain/internal/ledger"
)

const tracerName = "github.com/jmerrifield20/evidencechain/internal/evidence/service"

// State is a submission's position in the pipeline.
type State string

const (
	StateVerifying  State = "verifying"
	StateSubmitting State = "submitting"
	StatePersisting State = "persisting"
	StateCommitted  State = "committed"
	// StateRejected: nothing was written anywhere.
	StateRejected State = "rejected"
	// StateAborted: the ledger may hold the operation; see the returned error.
	StateAborted State = "aborted"
)

// SubmitRequest is one evidence submission.
type SubmitRequest struct {
	ContentHash string
	Metadata    model.Metadata
	// Signature is the submitter's signature over
	// identity.SubmissionMessage(ContentHash).
	Signature []byte
	// Submitter is the address the caller claims signed. Optional; when set
	// the recovered address must match it.
	Submitter string
	// RequestID is the ledger idempotency key. Generated when empty.
	RequestID string
}

// SubmitResult reports how far a submission got.
type SubmitResult struct {
	Record          *model.EvidenceRecord
	State           State
	RequestID       string
	LedgerAttempts  int
	PersistAttempts int
}

// RetryPolicy bounds the ledger and store retries of one submission.
type RetryPolicy struct {
	MaxLedgerAttempts int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	PersistAttempts   int
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxLedgerAttempts: 5,
		InitialBackoff:    200 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		PersistAttempts:   3,
	}
}

// Coordinator runs submissions through Verifying, Submitting and Persisting.
// It is safe for concurrent use; each Submit call is independent.
type Coordinator struct {
	verifier   SignatureVerifier
	ledger     ledger.Client
	store      RecordStore
	orphans    OrphanStore // nil = orphans are only returned, not queued
	policy     RetryPolicy
	strictHash bool // content hashes must parse as CIDs; off by default
	metrics    Metrics
	tracer     trace.Tracer
	logger     *zap.Logger
}

// NewCoordinator creates a new Coordinator. orphans may be nil.
func NewCoordinator(verifier SignatureVerifier, lc ledger.Client, store RecordStore, orphans OrphanStore, policy RetryPolicy, logger *zap.Logger) *Coordinator {
	if policy.MaxLedgerAttempts < 1 {
		policy.MaxLedgerAttempts = 1
	}
	if policy.PersistAttempts < 1 {
		policy.PersistAttempts = 1
	}
	return &Coordinator{
		verifier: verifier,
		ledger:   lc,
		store:    store,
		orphans:  orphans,
		policy:   policy,
		metrics:  nopMetrics{},
		tracer:   otel.Tracer(tracerName),
		logger:   logger,
	}
}

// SetStrictContentHash controls whether content hashes must parse as CIDs.
// When off, any non-empty content-address string is accepted.
func (c *Coordinator) SetStrictContentHash(strict bool) { c.strictHash = strict }

// SetMetrics attaches a metrics sink.
func (c *Coordinator) SetMetrics(m Metrics) {
	if m != nil {
		c.metrics = m
	}
}

// Submit verifies, records on the ledger and persists one submission.
//
// ctx cancels the submission only while it is Verifying. Once the ledger has
// been contacted the submission runs to Committed or Aborted regardless.
//
// Errors: *model.ErrValidation, *identity.MalformedSignatureError,
// *identity.RecoveryError, *IdentityMismatchError, *ledger.RejectedError
// (all Rejected); *LedgerStateUnknownError, *OrphanedReceiptError (Aborted).
func (c *Coordinator) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	start := time.Now()
	ctx, span := c.tracer.Start(ctx, "Submit")
	defer span.End()

	res := &SubmitResult{State: StateVerifying, RequestID: req.RequestID}
	if res.RequestID == "" {
		res.RequestID = uuid.NewString()
	}
	span.SetAttributes(attribute.String("request_id", res.RequestID), attribute.String("content_hash", req.ContentHash))

	log := c.logger.With(zap.String("request_id", res.RequestID), zap.String("content_hash", req.ContentHash))

	finish := func(state State, err error) (*SubmitResult, error) {
		res.State = state
		c.metrics.SubmissionFinished(state, time.Since(start))
		span.SetAttributes(attribute.String("state", string(state)))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(state))
		}
		return res, err
	}

	submitter, err := c.verify(ctx, req)
	if err != nil {
		log.Info("submission rejected", zap.String("state", string(StateRejected)), zap.Error(err))
		return finish(StateRejected, err)
	}
	if err := ctx.Err(); err != nil {
		return finish(StateRejected, fmt.Errorf("submission cancelled before ledger submission: %w", err))
	}

	// From here on the caller can no longer cancel.
	ctx = context.WithoutCancel(ctx)
	log = log.With(zap.String("submitter", submitter.Hex()))

	metaJSON, err := req.Metadata.Canonical()
	if err != nil {
		return finish(StateRejected, &model.ErrValidation{Msg: err.Error()})
	}

	res.State = StateSubmitting
	op := ledger.Operation{
		RequestID:   res.RequestID,
		Kind:        ledger.KindEvidenceSubmit,
		ContentHash: req.ContentHash,
		Metadata:    metaJSON,
	}
	receipt, attempts, err := c.submitToLedger(ctx, op, submitter)
	res.LedgerAttempts = attempts
	if err != nil {
		var rejected *ledger.RejectedError
		if errors.As(err, &rejected) {
			log.Info("ledger rejected submission", zap.String("state", string(StateRejected)), zap.Error(err))
			return finish(StateRejected, err)
		}
		log.Error("ledger state unknown", zap.String("state", string(StateAborted)), zap.Int("attempts", attempts), zap.Error(err))
		return finish(StateAborted, &LedgerStateUnknownError{RequestID: res.RequestID, Attempts: attempts, Err: err})
	}
	log = log.With(zap.String("tx_id", receipt.TxID))

	res.State = StatePersisting
	intended := model.NewEvidence{
		ContentHash:       req.ContentHash,
		Metadata:          req.Metadata,
		SubmitterIdentity: submitter.Hex(),
		LedgerReceipt:     receipt.TxID,
		RequestID:         res.RequestID,
	}
	rec, persistAttempts, err := c.persist(ctx, intended)
	res.PersistAttempts = persistAttempts
	if err != nil {
		orphan := &OrphanedReceiptError{Receipt: *receipt, Record: intended, Err: err}
		c.recordOrphan(ctx, orphan, log)
		log.Error("record not stored after ledger acceptance", zap.String("state", string(StateAborted)), zap.Error(err))
		return finish(StateAborted, orphan)
	}

	res.Record = rec
	log.Info("evidence committed",
		zap.String("state", string(StateCommitted)),
		zap.String("id", rec.ID.String()),
		zap.Int("ledger_attempts", res.LedgerAttempts),
	)
	return finish(StateCommitted, nil)
}

func (c *Coordinator) verify(ctx context.Context, req SubmitRequest) (common.Address, error) {
	_, span := c.tracer.Start(ctx, "verify")
	defer span.End()

	if err := model.ValidateContentHash(req.ContentHash, c.strictHash); err != nil {
		return common.Address{}, err
	}
	if req.Submitter != "" && !common.IsHexAddress(req.Submitter) {
		return common.Address{}, &model.ErrValidation{Msg: "submitter must be a hex address"}
	}

	recovered, err := c.verifier.RecoverSubmitter(req.ContentHash, req.Signature)
	if err != nil {
		span.RecordError(err)
		return common.Address{}, err
	}
	if req.Submitter != "" && !identity.Matches(req.Submitter, recovered) {
		err := &IdentityMismatchError{Declared: req.Submitter, Recovered: recovered.Hex()}
		span.RecordError(err)
		return common.Address{}, err
	}
	return recovered, nil
}

// submitToLedger retries retryable ledger failures with exponential backoff.
// After a timeout it asks the ledger whether the request landed before
// sending it again.
func (c *Coordinator) submitToLedger(ctx context.Context, op ledger.Operation, submitter common.Address) (*ledger.Receipt, int, error) {
	ctx, span := c.tracer.Start(ctx, "ledger.submit")
	defer span.End()

	var (
		receipt     *ledger.Receipt
		attempts    int
		lastTimeout bool
	)

	operation := func() error {
		if lastTimeout {
			r, err := c.lookup(ctx, op, submitter)
			if err != nil {
				lastTimeout = false
				c.metrics.LedgerAttempt("rejected")
				return backoff.Permanent(err)
			}
			if r != nil {
				c.metrics.LedgerAttempt("recovered")
				receipt = r
				return nil
			}
		}

		attempts++
		r, err := c.ledger.Submit(ctx, op, submitter)
		if err == nil && !r.Accepted() {
			err = &ledger.UnavailableError{Err: errors.New("ledger returned a receipt without acceptance")}
		}
		if err == nil {
			if err := ledger.CheckReceipt(r, op, submitter); err != nil {
				c.metrics.LedgerAttempt("rejected")
				return backoff.Permanent(err)
			}
			c.metrics.LedgerAttempt("accepted")
			receipt = r
			return nil
		}

		var timeout *ledger.TimeoutError
		lastTimeout = errors.As(err, &timeout)
		switch {
		case lastTimeout:
			c.metrics.LedgerAttempt("timeout")
		case ledger.IsRetryable(err):
			c.metrics.LedgerAttempt("unavailable")
		default:
			c.metrics.LedgerAttempt("rejected")
			return backoff.Permanent(err)
		}
		if attempts >= c.policy.MaxLedgerAttempts {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		c.logger.Warn("ledger submission failed; retrying",
			zap.String("request_id", op.RequestID),
			zap.Int("attempt", attempts),
			zap.Duration("retry_in", wait),
			zap.Error(err),
		)
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(c.newBackOff(), ctx), notify)
	if err != nil && lastTimeout {
		// The final attempt may still have landed.
		r, lerr := c.lookup(ctx, op, submitter)
		switch {
		case lerr != nil:
			err = lerr
		case r != nil:
			c.metrics.LedgerAttempt("recovered")
			return r, attempts, nil
		}
	}
	if err != nil {
		span.RecordError(err)
		return nil, attempts, err
	}
	span.SetAttributes(attribute.String("tx_id", receipt.TxID), attribute.Int("attempts", attempts))
	return receipt, attempts, nil
}

// lookup returns the accepted receipt for op's request id, or nil when the
// ledger has none or cannot say. A receipt recording another operation under
// the same request id is a *ledger.RejectedError.
func (c *Coordinator) lookup(ctx context.Context, op ledger.Operation, submitter common.Address) (*ledger.Receipt, error) {
	r, err := c.ledger.Lookup(ctx, op.RequestID)
	if err != nil {
		if !errors.Is(err, ledger.ErrReceiptNotFound) {
			c.logger.Debug("ledger lookup failed", zap.String("request_id", op.RequestID), zap.Error(err))
		}
		return nil, nil
	}
	if !r.Accepted() {
		return nil, nil
	}
	if err := ledger.CheckReceipt(r, op, submitter); err != nil {
		return nil, err
	}
	return r, nil
}

// persist inserts the record, retrying store transaction failures.
func (c *Coordinator) persist(ctx context.Context, in model.NewEvidence) (*model.EvidenceRecord, int, error) {
	ctx, span := c.tracer.Start(ctx, "store.persist")
	defer span.End()

	var (
		rec      *model.EvidenceRecord
		attempts int
	)
	operation := func() error {
		attempts++
		r, err := c.store.InsertEvidence(ctx, in)
		if err == nil {
			rec = r
			return nil
		}
		var txErr *repository.TransactionError
		if !errors.As(err, &txErr) || attempts >= c.policy.PersistAttempts {
			return backoff.Permanent(err)
		}
		return err
	}

	if err := backoff.Retry(operation, backoff.WithContext(c.newBackOff(), ctx)); err != nil {
		span.RecordError(err)
		return nil, attempts, err
	}
	return rec, attempts, nil
}

func (c *Coordinator) recordOrphan(ctx context.Context, orphan *OrphanedReceiptError, log *zap.Logger) {
	c.metrics.OrphanRecorded()
	if c.orphans == nil {
		return
	}
	o := Orphan{
		RequestID:  orphan.Receipt.RequestID,
		Receipt:    orphan.Receipt,
		Record:     orphan.Record,
		Reason:     fmt.Sprint(orphan.Err),
		RecordedAt: time.Now().UTC(),
	}
	if err := c.orphans.Push(ctx, o); err != nil {
		log.Error("failed to queue orphaned receipt for reconciliation", zap.Error(err))
	}
}

func (c *Coordinator) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.policy.InitialBackoff
	b.MaxInterval = c.policy.MaxBackoff
	b.MaxElapsedTime = 0
	return b
}
