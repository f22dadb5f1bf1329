package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/jmerrifield20/evidencechain/internal/health"
	"github.com/jmerrifield20/evidencechain/internal/ledger"
	"github.com/jmerrifield20/evidencechain/internal/ledger/chain"
)

// openLedger builds the ledger client selected by ledger.driver. The returned
// func releases it.
func openLedger(ctx context.Context, db *pgxpool.Pool, logger *zap.Logger) (ledger.Client, func(), error) {
	confirm := viper.GetDuration("ledger.confirm_timeout")
	noop := func() {}

	switch driver := viper.GetString("ledger.driver"); driver {
	case "memory":
		logger.Warn("ledger: in-process memory chain; receipts are lost on restart")
		return ledger.NewLocalClient(chain.NewMemory(), confirm, logger), noop, nil

	case "postgres":
		c := chain.NewPostgres(db, logger)
		if err := c.Verify(ctx); err != nil {
			logger.Warn("ledger integrity check FAILED", zap.Error(err))
		} else {
			n, _ := c.Len(ctx)
			root, _ := c.Root(ctx)
			logger.Info("ledger verified", zap.Int64("entries", n), zap.String("root", root))
		}
		return ledger.NewLocalClient(c, confirm, logger), noop, nil

	case "http":
		url := viper.GetString("ledger.url")
		if url == "" {
			return nil, nil, fmt.Errorf("ledger.driver=http requires ledger.url")
		}
		logger.Info("ledger: remote node", zap.String("url", url))
		return ledger.NewHTTPClient(url, confirm), noop, nil

	case "ethereum":
		contract := viper.GetString("ledger.contract_address")
		if !common.IsHexAddress(contract) {
			return nil, nil, fmt.Errorf("ledger.contract_address %q is not a hex address", contract)
		}
		ec, err := ledger.DialEthereum(ctx, ledger.EthereumConfig{
			URL:            viper.GetString("ledger.url"),
			Contract:       common.HexToAddress(contract),
			GasLimit:       viper.GetUint64("ledger.gas_limit"),
			ConfirmTimeout: confirm,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("ledger: ethereum", zap.String("url", viper.GetString("ledger.url")), zap.String("contract", contract))
		return ec, ec.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown ledger.driver %q", viper.GetString("ledger.driver"))
}

// ledgerProbe checks the ledger answers lookups. An unknown request id is a
// healthy answer.
func ledgerProbe(lc ledger.Client) health.Probe {
	if p, ok := lc.(interface{ Ping(context.Context) error }); ok {
		return p.Ping
	}
	return func(ctx context.Context) error {
		_, err := lc.Lookup(ctx, "health-probe")
		if err == nil || errors.Is(err, ledger.ErrReceiptNotFound) {
			return nil
		}
		return err
	}
}
