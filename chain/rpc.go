package chain

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"
)

// RPC is the ethclient-backed chain reader and broadcaster.
type RPC struct {
	ec  *ethclient.Client
	log *logrus.Entry
}

// DialRPC connects to a JSON-RPC endpoint.
func DialRPC(ctx context.Context, url string, log *logrus.Entry) (*RPC, error) {
	ec, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", url, err)
	}
	return &RPC{ec: ec, log: log}, nil
}

// Close releases the underlying connection.
func (r *RPC) Close() {
	r.ec.Close()
}

// NonceAt reads the pending-exclusive account nonce at the latest block.
func (r *RPC) NonceAt(ctx context.Context, address string) (uint64, error) {
	nonce, err := r.ec.NonceAt(ctx, common.HexToAddress(address), nil)
	if err != nil {
		return 0, fmt.Errorf("chain: nonce at %s: %w", address, err)
	}
	return nonce, nil
}

// BlockNumber reads the current head number.
func (r *RPC) BlockNumber(ctx context.Context) (uint64, error) {
	n, err := r.ec.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("chain: block number: %w", err)
	}
	return n, nil
}

// Confirmations counts blocks from the transaction's inclusion to the
// head, inclusive. Zero means unmined or unknown.
func (r *RPC) Confirmations(ctx context.Context, txHash string) (uint64, error) {
	receipt, err := r.ec.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		return 0, nil
	}
	head, err := r.BlockNumber(ctx)
	if err != nil {
		return 0, err
	}
	if receipt.BlockNumber == nil || !receipt.BlockNumber.IsUint64() {
		return 0, nil
	}
	mined := receipt.BlockNumber.Uint64()
	if head < mined {
		return 0, nil
	}
	return head - mined + 1, nil
}

// TransactionByHash fetches one transaction.
func (r *RPC) TransactionByHash(ctx context.Context, txHash string) (*types.Transaction, bool, error) {
	tx, pending, err := r.ec.TransactionByHash(ctx, common.HexToHash(txHash))
	if err != nil {
		return nil, false, fmt.Errorf("chain: tx %s: %w", txHash, err)
	}
	return tx, pending, nil
}

// SendTransaction broadcasts a signed transaction.
func (r *RPC) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if err := r.ec.SendTransaction(ctx, tx); err != nil {
		return fmt.Errorf("chain: send %s: %w", tx.Hash(), err)
	}
	r.log.WithField("hash", tx.Hash().Hex()).Info("broadcast transaction")
	return nil
}
