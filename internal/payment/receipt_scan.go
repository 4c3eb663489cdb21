package payment

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	xerrors "X402-Relay/internal/errors"
	"X402-Relay/internal/token"
	"X402-Relay/internal/web3"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
)

// ReceiptScanVerifier 通过扫描已上链交易的 Transfer 事件来验证付款。
// 同一笔交易里 payer→payee 的多笔转账会被累加，累计金额达到要求即通过
// （允许超付，不允许少付）。
//
// 注意：本验证器自身不做防重放。同一笔历史交易可以对新的请求重复提交，
// 调用方必须在协议边界用已消费交易集合（replay.Store）拦截。
type ReceiptScanVerifier struct {
	chain web3.Client
}

// NewReceiptScanVerifier 创建 receipt-scan 策略的验证器。
func NewReceiptScanVerifier(chain web3.Client) *ReceiptScanVerifier {
	return &ReceiptScanVerifier{chain: chain}
}

// Verify 校验交易 txHash 是否包含 payer→payee 的代币转账且累计金额不小于
// required。
func (v *ReceiptScanVerifier) Verify(ctx context.Context, txHash string, payer, payee, tokenAddr common.Address, required *big.Int) error {
	hash, err := ParseTxHash(txHash)
	if err != nil {
		return xerrors.Wrap(xerrors.CodePaymentRejected, err, "invalid payment transaction hash")
	}

	receipt, err := v.chain.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, web3.ErrReceiptNotFound) {
			return xerrors.New(xerrors.CodePaymentRejected, "payment transaction not found on chain")
		}
		return xerrors.Wrap(xerrors.CodeChainUnavailable, err, "查询付款交易回执失败")
	}

	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		return xerrors.New(xerrors.CodePaymentRejected, "payment transaction reverted on chain")
	}

	paid := new(big.Int)
	matched := false
	for _, log := range receipt.Logs {
		if log == nil || log.Address != tokenAddr {
			continue
		}
		if len(log.Topics) < 3 || log.Topics[0] != token.TransferTopic {
			continue
		}
		from := common.BytesToAddress(log.Topics[1].Bytes()[12:])
		to := common.BytesToAddress(log.Topics[2].Bytes()[12:])
		if from != payer || to != payee {
			continue
		}
		paid.Add(paid, new(big.Int).SetBytes(log.Data))
		matched = true
	}

	if !matched {
		return xerrors.New(xerrors.CodePaymentRejected,
			"no matching transfer from payer to payee found in transaction logs")
	}
	if paid.Cmp(required) < 0 {
		return xerrors.New(xerrors.CodePaymentRejected,
			fmt.Sprintf("insufficient payment: paid %s, required %s", paid, required))
	}
	return nil
}

// ParseTxHash 校验并解析 0x 开头的 32 字节交易哈希。
func ParseTxHash(raw string) (common.Hash, error) {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "0x") || len(trimmed) != 66 {
		return common.Hash{}, fmt.Errorf("transaction hash %q is not a 32-byte hex string", raw)
	}
	for _, ch := range trimmed[2:] {
		if (ch < '0' || ch > '9') && (ch < 'a' || ch > 'f') && (ch < 'A' || ch > 'F') {
			return common.Hash{}, fmt.Errorf("transaction hash %q contains non-hex characters", raw)
		}
	}
	return common.HexToHash(trimmed), nil
}
