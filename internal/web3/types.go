package web3

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
)

// ErrReceiptNotFound is returned when the chain has no receipt for a hash.
var ErrReceiptNotFound = errors.New("receipt not found")

// ErrConfirmTimeout is returned when a broadcast transaction was not mined
// within the caller's bound. The transaction may still land later, so the
// outcome is unknown rather than failed.
var ErrConfirmTimeout = errors.New("confirmation wait timed out")

// Client defines the read and write operations the settlement subsystem
// needs from a chain endpoint. Implementations must be safe for concurrent
// reads; write ordering is the relayer sequencer's responsibility, not the
// client's.
type Client interface {
	// ChainID reports the connected network's chain id.
	ChainID(ctx context.Context) (int64, error)

	// TransactionReceipt looks up the receipt for a mined transaction.
	// Returns ErrReceiptNotFound when the hash is unknown to the node.
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)

	// CallContract executes a read-only contract call.
	CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error)

	// PendingNonce returns the next account nonce including pending
	// transactions. Only the relayer sequencer may call this for the
	// relayer address.
	PendingNonce(ctx context.Context, account common.Address) (uint64, error)

	// SuggestGasTipCap returns the recommended priority fee.
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)

	// LatestBaseFee returns the base fee of the latest block, or nil on
	// pre-EIP-1559 networks.
	LatestBaseFee(ctx context.Context) (*big.Int, error)

	// EstimateGas estimates the gas needed for a contract call.
	EstimateGas(ctx context.Context, from common.Address, to common.Address, data []byte) (uint64, error)

	// SendTransaction broadcasts a signed transaction.
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error

	// WaitConfirmed blocks until the transaction's receipt is available or
	// the timeout elapses. A timeout yields ErrConfirmTimeout; the caller
	// must treat the on-chain outcome as unknown, not failed.
	WaitConfirmed(ctx context.Context, txHash common.Hash, timeout time.Duration) (*coretypes.Receipt, error)

	Close()
}
