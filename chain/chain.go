// Package chain provides the session runtime's chain-side collaborators:
// a JSON-RPC client for real EIP-1559 chains and an in-memory simulator
// for tests and local runs. Neither is part of the state machine; the
// runtime only ever sees values the operator read through these clients.
package chain

import (
	"context"

	"github.com/ethereum/go-ethereum/core/types"
)

// Reader is the view the operator needs while driving a session: account
// nonces, chain head, and confirmation depth of announced transactions.
type Reader interface {
	NonceAt(ctx context.Context, address string) (uint64, error)
	BlockNumber(ctx context.Context) (uint64, error)
	Confirmations(ctx context.Context, txHash string) (uint64, error)
}

// Client is the full surface a live operator drives a session with:
// chain reads plus transaction lookup and broadcast. The execution phase
// needs all three — the broadcasting role sends its planned leg, the
// waiting role fetches the counterparty's transaction to validate it and
// observe the published signature.
type Client interface {
	Reader
	TransactionByHash(ctx context.Context, txHash string) (*types.Transaction, bool, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}
