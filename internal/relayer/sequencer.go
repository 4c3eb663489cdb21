package relayer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"X402-Relay/internal/web3"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
)

// Sequencer is the single nonce sequencing authority for one relayer
// address. Every write operation acquires the sequencer, receives the next
// account nonce, and holds the lock through broadcast and confirmation so
// that transactions leave the address in a strictly increasing nonce order.
// Reads never go through the sequencer.
type Sequencer struct {
	mu        sync.Mutex
	chain     web3.Client
	identity  *Identity
	chainID   *big.Int
	nextNonce uint64
	synced    bool
}

// Broadcast is the confirmed outcome of one sequenced transaction.
type Broadcast struct {
	TxHash  common.Hash
	Receipt *coretypes.Receipt
}

// NewSequencer creates the sequencing authority for the identity. The
// account nonce is reconciled against the chain's pending nonce on first
// use and again after any broadcast failure.
func NewSequencer(chain web3.Client, identity *Identity, chainID int64) *Sequencer {
	return &Sequencer{
		chain:    chain,
		identity: identity,
		chainID:  big.NewInt(chainID),
	}
}

// Address returns the sequenced relayer address.
func (s *Sequencer) Address() common.Address {
	return s.identity.Address()
}

// Execute signs and broadcasts one contract call from the relayer address
// and blocks until its receipt confirms or the timeout elapses. The
// sequence lock is held for the whole round trip: the next queued request
// is only admitted once this transaction's fate on the ordering is known.
//
// A confirmation timeout returns web3.ErrConfirmTimeout together with the
// transaction hash; the transaction is still pending and the nonce stays
// consumed.
func (s *Sequencer) Execute(ctx context.Context, to common.Address, data []byte, confirmTimeout time.Duration) (*Broadcast, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureSynced(ctx); err != nil {
		return nil, err
	}

	tx, err := s.buildTx(ctx, to, data)
	if err != nil {
		return nil, err
	}

	signed, err := s.identity.SignTx(tx, s.chainID)
	if err != nil {
		return nil, fmt.Errorf("sign relay transaction: %w", err)
	}

	if err := s.chain.SendTransaction(ctx, signed); err != nil {
		// The broadcast may or may not have reached the mempool;
		// resync from the chain before the next attempt.
		s.synced = false
		return nil, fmt.Errorf("broadcast relay transaction: %w", err)
	}
	s.nextNonce++

	receipt, err := s.chain.WaitConfirmed(ctx, signed.Hash(), confirmTimeout)
	if err != nil {
		if errors.Is(err, web3.ErrConfirmTimeout) {
			return &Broadcast{TxHash: signed.Hash()}, web3.ErrConfirmTimeout
		}
		return &Broadcast{TxHash: signed.Hash()}, err
	}
	return &Broadcast{TxHash: signed.Hash(), Receipt: receipt}, nil
}

// ensureSynced reconciles the local nonce counter with the chain's pending
// nonce. Called under the sequence lock.
func (s *Sequencer) ensureSynced(ctx context.Context) error {
	if s.synced {
		return nil
	}
	nonce, err := s.chain.PendingNonce(ctx, s.identity.Address())
	if err != nil {
		return fmt.Errorf("reconcile relayer nonce: %w", err)
	}
	s.nextNonce = nonce
	s.synced = true
	return nil
}

// buildTx assembles an EIP-1559 transaction for the current nonce.
func (s *Sequencer) buildTx(ctx context.Context, to common.Address, data []byte) (*coretypes.Transaction, error) {
	gasTipCap, err := s.chain.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest gas tip cap: %w", err)
	}
	baseFee, err := s.chain.LatestBaseFee(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch base fee: %w", err)
	}
	if baseFee == nil {
		return nil, errors.New("network does not report a base fee, EIP-1559 required")
	}
	// 2x base fee headroom plus the tip, same sizing the facilitator uses.
	gasFeeCap := new(big.Int).Add(new(big.Int).Mul(baseFee, big.NewInt(2)), gasTipCap)

	gasLimit, err := s.chain.EstimateGas(ctx, s.identity.Address(), to, data)
	if err != nil {
		return nil, fmt.Errorf("estimate gas: %w", err)
	}
	gasLimit = gasLimit * 120 / 100

	return coretypes.NewTx(&coretypes.DynamicFeeTx{
		ChainID:   s.chainID,
		Nonce:     s.nextNonce,
		GasTipCap: gasTipCap,
		GasFeeCap: gasFeeCap,
		Gas:       gasLimit,
		To:        &to,
		Value:     big.NewInt(0),
		Data:      data,
	}), nil
}
