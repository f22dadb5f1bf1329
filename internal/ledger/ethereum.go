package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"
)

// evidenceRegistryABI describes the one contract method the pipeline calls.
const evidenceRegistryABI = `[{
	"type": "function",
	"name": "submitEvidence",
	"stateMutability": "nonpayable",
	"inputs": [
		{"name": "ipfsHash", "type": "string"},
		{"name": "metadata", "type": "string"}
	],
	"outputs": []
}]`

// EthereumConfig configures an EthereumClient.
type EthereumConfig struct {
	URL            string
	Contract       common.Address
	GasLimit       uint64
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
}

// EthereumClient submits operations to an evidence registry contract on an
// EVM node that manages the authorizer's account (Ganache and dev nodes). The
// transaction is sent from the recovered submitter address with
// eth_sendTransaction and acceptance means a successful mined receipt.
type EthereumClient struct {
	rpc    *rpc.Client
	eth    *ethclient.Client
	abi    abi.ABI
	cfg    EthereumConfig
	logger *zap.Logger

	mu   sync.Mutex
	sent map[string]*sentTx
}

// sentTx tracks one request id. hash is written by the reserving call
// before done closes and is zero when its send failed.
type sentTx struct {
	authorizer  common.Address
	contentHash string
	done        chan struct{}
	hash        common.Hash
}

func (t *sentTx) sent() bool { return t.hash != (common.Hash{}) }

type sendTxArgs struct {
	From common.Address  `json:"from"`
	To   *common.Address `json:"to"`
	Gas  hexutil.Uint64  `json:"gas"`
	Data hexutil.Bytes   `json:"data"`
}

// DialEthereum connects to the JSON-RPC endpoint in cfg.URL.
func DialEthereum(ctx context.Context, cfg EthereumConfig, logger *zap.Logger) (*EthereumClient, error) {
	if cfg.Contract == (common.Address{}) {
		return nil, fmt.Errorf("ethereum ledger: contract address is required")
	}
	if cfg.GasLimit == 0 {
		cfg.GasLimit = 500_000
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}

	parsed, err := abi.JSON(strings.NewReader(evidenceRegistryABI))
	if err != nil {
		return nil, fmt.Errorf("parse contract abi: %w", err)
	}
	rc, err := rpc.DialContext(ctx, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial ethereum rpc: %w", err)
	}
	return &EthereumClient{
		rpc:    rc,
		eth:    ethclient.NewClient(rc),
		abi:    parsed,
		cfg:    cfg,
		logger: logger,
		sent:   make(map[string]*sentTx),
	}, nil
}

// Close releases the RPC connection.
func (e *EthereumClient) Close() { e.rpc.Close() }

// Ping checks the node answers.
func (e *EthereumClient) Ping(ctx context.Context) error {
	if _, err := e.eth.BlockNumber(ctx); err != nil {
		return &UnavailableError{Err: err}
	}
	return nil
}

// Submit implements Client. A request id that was already sent is not sent
// again; Submit waits on the original transaction instead, provided it
// carries the same authorizer and content hash.
func (e *EthereumClient) Submit(ctx context.Context, op Operation, authorizer common.Address) (*Receipt, error) {
	if err := Validate(op, authorizer); err != nil {
		return nil, err
	}

	cctx, cancel := context.WithTimeout(ctx, e.cfg.ConfirmTimeout)
	defer cancel()

	tx, owner, err := e.reserve(cctx, op, authorizer)
	if err != nil {
		return nil, err
	}
	if owner {
		if err := e.send(cctx, op, tx); err != nil {
			return nil, err
		}
	}

	receipt, err := e.waitMined(cctx, tx.hash)
	if err != nil {
		return nil, &TimeoutError{RequestID: op.RequestID, Waited: e.cfg.ConfirmTimeout}
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return nil, &RejectedError{Reason: "transaction " + tx.hash.Hex() + " reverted"}
	}
	return toReceipt(op.RequestID, tx, receipt), nil
}

// reserve claims op.RequestID for this call (owner) or returns the
// transaction another call already sent for it. A concurrent caller with the
// same request id waits for the owner's send to finish.
func (e *EthereumClient) reserve(ctx context.Context, op Operation, authorizer common.Address) (*sentTx, bool, error) {
	for {
		e.mu.Lock()
		tx, ok := e.sent[op.RequestID]
		if !ok {
			tx = &sentTx{authorizer: authorizer, contentHash: op.ContentHash, done: make(chan struct{})}
			e.sent[op.RequestID] = tx
			e.mu.Unlock()
			return tx, true, nil
		}
		e.mu.Unlock()

		if tx.authorizer != authorizer || tx.contentHash != op.ContentHash {
			return nil, false, requestConflict(op.RequestID)
		}
		select {
		case <-tx.done:
		case <-ctx.Done():
			return nil, false, &TimeoutError{RequestID: op.RequestID, Waited: e.cfg.ConfirmTimeout}
		}
		if tx.sent() {
			return tx, false, nil
		}
		// The owner's send failed and released the request id.
	}
}

// send broadcasts tx for op. On failure the reservation is released so a
// retry can send again.
func (e *EthereumClient) send(ctx context.Context, op Operation, tx *sentTx) error {
	err := e.sendTransaction(ctx, op, tx)
	if err != nil {
		e.mu.Lock()
		delete(e.sent, op.RequestID)
		e.mu.Unlock()
	}
	close(tx.done)
	return err
}

func (e *EthereumClient) sendTransaction(ctx context.Context, op Operation, tx *sentTx) error {
	data, err := e.abi.Pack("submitEvidence", op.ContentHash, string(op.Metadata))
	if err != nil {
		return &RejectedError{Reason: "encode submitEvidence call: " + err.Error()}
	}

	var hash common.Hash
	err = e.rpc.CallContext(ctx, &hash, "eth_sendTransaction", sendTxArgs{
		From: tx.authorizer,
		To:   &e.cfg.Contract,
		Gas:  hexutil.Uint64(e.cfg.GasLimit),
		Data: data,
	})
	if err != nil {
		var rpcErr rpc.Error
		switch {
		case errors.As(err, &rpcErr):
			return &RejectedError{Reason: rpcErr.Error()}
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			return &TimeoutError{RequestID: op.RequestID, Waited: e.cfg.ConfirmTimeout}
		default:
			return &UnavailableError{Err: err}
		}
	}
	tx.hash = hash

	e.logger.Info("ethereum transaction sent",
		zap.String("request_id", op.RequestID),
		zap.String("tx_hash", hash.Hex()),
	)
	return nil
}

// Lookup implements Client. Only request ids sent by this process are known.
func (e *EthereumClient) Lookup(ctx context.Context, requestID string) (*Receipt, error) {
	tx, ok := e.lookupSent(requestID)
	if !ok {
		return nil, ErrReceiptNotFound
	}
	receipt, err := e.eth.TransactionReceipt(ctx, tx.hash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, ErrReceiptNotFound
	}
	if err != nil {
		return nil, &UnavailableError{Err: err}
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return nil, ErrReceiptNotFound
	}
	return toReceipt(requestID, tx, receipt), nil
}

// lookupSent returns the transaction sent for requestID, if its send has
// completed.
func (e *EthereumClient) lookupSent(requestID string) (*sentTx, bool) {
	e.mu.Lock()
	tx, ok := e.sent[requestID]
	e.mu.Unlock()
	if !ok {
		return nil, false
	}
	select {
	case <-tx.done:
		return tx, tx.sent()
	default:
		return nil, false
	}
}

// waitMined polls for the receipt of hash until it appears or ctx ends.
func (e *EthereumClient) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		receipt, err := e.eth.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			e.logger.Debug("receipt poll failed", zap.String("tx_hash", hash.Hex()), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func toReceipt(requestID string, tx *sentTx, r *types.Receipt) *Receipt {
	var index int64
	if r.BlockNumber != nil {
		index = r.BlockNumber.Int64()
	}
	return &Receipt{
		TxID:        tx.hash.Hex(),
		RequestID:   requestID,
		Status:      StatusAccepted,
		Index:       index,
		Authorizer:  tx.authorizer.Hex(),
		ContentHash: tx.contentHash,
		AcceptedAt:  time.Now().UTC(),
	}
}
