package token

import (
	"bytes"
	"context"
	"math/big"
	"testing"
	"time"

	"X402-Relay/internal/web3"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// balanceChain 只为只读调用服务，记录最近一次 CallContract 的参数。
type balanceChain struct {
	callResult []byte
	callErr    error
	calledTo   common.Address
	calledData []byte
}

func (c *balanceChain) ChainID(context.Context) (int64, error) { return 11155111, nil }

func (c *balanceChain) TransactionReceipt(context.Context, common.Hash) (*coretypes.Receipt, error) {
	return nil, web3.ErrReceiptNotFound
}

func (c *balanceChain) CallContract(_ context.Context, to common.Address, data []byte) ([]byte, error) {
	c.calledTo = to
	c.calledData = data
	if c.callErr != nil {
		return nil, c.callErr
	}
	return c.callResult, nil
}

func (c *balanceChain) PendingNonce(context.Context, common.Address) (uint64, error) { return 0, nil }

func (c *balanceChain) SuggestGasTipCap(context.Context) (*big.Int, error) { return big.NewInt(1), nil }

func (c *balanceChain) LatestBaseFee(context.Context) (*big.Int, error) { return big.NewInt(1), nil }

func (c *balanceChain) EstimateGas(context.Context, common.Address, common.Address, []byte) (uint64, error) {
	return 21000, nil
}

func (c *balanceChain) SendTransaction(context.Context, *coretypes.Transaction) error { return nil }

func (c *balanceChain) WaitConfirmed(context.Context, common.Hash, time.Duration) (*coretypes.Receipt, error) {
	return nil, web3.ErrConfirmTimeout
}

func (c *balanceChain) Close() {}

func TestPackBalanceOf(t *testing.T) {
	account := common.HexToAddress("0x3333333333333333333333333333333333333333")
	data, err := PackBalanceOf(account)
	if err != nil {
		t.Fatalf("pack balanceOf: %v", err)
	}
	if len(data) != 36 {
		t.Fatalf("call data length %d, want 36", len(data))
	}
	selector := crypto.Keccak256([]byte("balanceOf(address)"))[:4]
	if !bytes.Equal(data[:4], selector) {
		t.Fatalf("selector %x, want %x", data[:4], selector)
	}
	if !bytes.Equal(data[16:36], account.Bytes()) {
		t.Fatal("account argument must be left-padded into the last word")
	}
}

func TestBalanceOf(t *testing.T) {
	tokenAddr := common.HexToAddress("0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238")
	account := common.HexToAddress("0x4444444444444444444444444444444444444444")

	chain := &balanceChain{
		callResult: common.LeftPadBytes(big.NewInt(2500000).Bytes(), 32),
	}
	balance, err := BalanceOf(context.Background(), chain, tokenAddr, account)
	if err != nil {
		t.Fatalf("balance of: %v", err)
	}
	if balance.Cmp(big.NewInt(2500000)) != 0 {
		t.Fatalf("balance %s, want 2500000", balance)
	}
	if chain.calledTo != tokenAddr {
		t.Fatalf("call targeted %s, want the token contract", chain.calledTo.Hex())
	}
}

func TestBalanceOfRejectsShortResult(t *testing.T) {
	chain := &balanceChain{callResult: []byte{0x01, 0x02}}
	if _, err := BalanceOf(context.Background(), chain,
		common.HexToAddress("0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238"),
		common.HexToAddress("0x4444444444444444444444444444444444444444")); err == nil {
		t.Fatal("short return data must be rejected")
	}
}
