package web3

import (
	"context"
	"math/big"
)

// ChainSnapshot represents summarized network metadata for reporting.
type ChainSnapshot struct {
	ChainID     string `json:"chainId"`
	BlockNumber string `json:"blockNumber"`
	Notes       string `json:"notes,omitempty"`
}

// TransactionDetail summarizes an on-chain transfer for payment checks.
// Recipient is empty for contract-creation transactions.
type TransactionDetail struct {
	Hash      string
	Recipient string
	Value     *big.Int
	Pending   bool
}

// Client defines the read-only chain access the payment layer relies on.
// Implementations must be safe for concurrent use.
type Client interface {
	FetchChainSnapshot(ctx context.Context) (ChainSnapshot, error)
	TransactionByHash(ctx context.Context, hash string) (TransactionDetail, error)
	Close()
}
