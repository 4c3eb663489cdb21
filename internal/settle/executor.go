package settle

import (
	"context"
	"errors"
	"math/big"
	"time"

	"X402-Relay/internal/eip3009"
	xerrors "X402-Relay/internal/errors"
	"X402-Relay/internal/relayer"
	"X402-Relay/internal/token"
	"X402-Relay/internal/web3"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
)

// Result 描述一笔结算交易的最终状态。
type Result struct {
	TxHash string
	// Status 取 payment 包定义的 settled/failed/unknown。
	Status string
}

// DualResult 描述两腿授权兑付的结果。两腿各自独立上链，主腿成功而
// 手续费腿失败时不回滚主腿（链上不存在跨交易原子性），以 partial
// 状态如实上报。
type DualResult struct {
	Main   Result
	Fee    Result
	Status string
}

// Executor 在付款证明通过后执行承诺的链上动作：要么由代付方直接转账，
// 要么兑付两份预签授权。所有写操作都经过 Sequencer 串行化。
type Executor struct {
	sequencer      *relayer.Sequencer
	tokenAddr      common.Address
	confirmTimeout time.Duration
}

// NewExecutor 创建结算执行器。
func NewExecutor(sequencer *relayer.Sequencer, tokenAddr common.Address, confirmTimeout time.Duration) *Executor {
	if confirmTimeout <= 0 {
		confirmTimeout = 60 * time.Second
	}
	return &Executor{
		sequencer:      sequencer,
		tokenAddr:      tokenAddr,
		confirmTimeout: confirmTimeout,
	}
}

// Transfer 由代付方签发一笔代币转账。阻塞直到回执确认或超时。
func (e *Executor) Transfer(ctx context.Context, to common.Address, amount *big.Int) (Result, error) {
	data, err := token.PackTransfer(to, amount)
	if err != nil {
		return Result{Status: statusFailed}, xerrors.Wrap(xerrors.CodeSettleFailed, err, "构造转账调用失败")
	}
	return e.execute(ctx, data)
}

// RedeemDual 兑付两份预签授权：先主腿后手续费腿，每一腿都等待自身回执
// 确认后才进行下一腿，保证代付方地址的 nonce 顺序确定。
func (e *Executor) RedeemDual(ctx context.Context, main, fee eip3009.Authorization) (DualResult, error) {
	mainData, err := packAuthorization(main)
	if err != nil {
		return DualResult{Status: statusFailed}, xerrors.Wrap(xerrors.CodeSettleFailed, err, "构造主腿兑付调用失败")
	}
	feeData, err := packAuthorization(fee)
	if err != nil {
		return DualResult{Status: statusFailed}, xerrors.Wrap(xerrors.CodeSettleFailed, err, "构造手续费腿兑付调用失败")
	}

	mainResult, mainErr := e.execute(ctx, mainData)
	if mainErr != nil {
		return DualResult{Main: mainResult, Status: mainResult.Status}, mainErr
	}

	feeResult, feeErr := e.execute(ctx, feeData)
	if feeErr != nil {
		// 主腿已确认，资金已经移动；手续费腿失败必须作为 partial
		// 独立上报，供对账与计费处理。
		return DualResult{Main: mainResult, Fee: feeResult, Status: statusPartial},
			xerrors.Wrap(xerrors.CodeSettlePartial, feeErr, "主腿已确认，手续费腿失败")
	}

	return DualResult{Main: mainResult, Fee: feeResult, Status: statusSettled}, nil
}

// execute 把调用数据交给 Sequencer 上链并解读回执。
func (e *Executor) execute(ctx context.Context, data []byte) (Result, error) {
	broadcast, err := e.sequencer.Execute(ctx, e.tokenAddr, data, e.confirmTimeout)
	if err != nil {
		if errors.Is(err, web3.ErrConfirmTimeout) {
			// 超时不等于失败：交易仍在链上等待打包，之后的轮询
			// 可能发现它已成功，必须上报 unknown。
			return Result{TxHash: broadcast.TxHash.Hex(), Status: statusUnknown},
				xerrors.Wrap(xerrors.CodeTimeout, err, "等待结算交易确认超时")
		}
		if broadcast != nil {
			return Result{TxHash: broadcast.TxHash.Hex(), Status: statusUnknown},
				xerrors.Wrap(xerrors.CodeChainUnavailable, err, "结算交易确认查询失败")
		}
		return Result{Status: statusFailed}, xerrors.Wrap(xerrors.CodeSettleFailed, err, "结算交易广播失败")
	}

	if broadcast.Receipt.Status != coretypes.ReceiptStatusSuccessful {
		return Result{TxHash: broadcast.TxHash.Hex(), Status: statusFailed},
			xerrors.New(xerrors.CodeTxReverted, "结算交易在链上回滚",
				xerrors.WithMetadata("tx_hash", broadcast.TxHash.Hex()))
	}
	return Result{TxHash: broadcast.TxHash.Hex(), Status: statusSettled}, nil
}

func packAuthorization(auth eip3009.Authorization) ([]byte, error) {
	from, err := auth.FromAddress()
	if err != nil {
		return nil, err
	}
	to, err := auth.ToAddress()
	if err != nil {
		return nil, err
	}
	value, err := auth.ValueInt()
	if err != nil {
		return nil, err
	}
	validAfter, validBefore, err := auth.Window()
	if err != nil {
		return nil, err
	}
	nonce, err := auth.NonceBytes()
	if err != nil {
		return nil, err
	}
	v, r, s, err := auth.SignatureParts()
	if err != nil {
		return nil, err
	}
	return token.PackTransferWithAuthorization(
		from, to, value,
		big.NewInt(validAfter), big.NewInt(validBefore),
		nonce, v, r, s,
	)
}

const (
	statusSettled = "settled"
	statusPartial = "partial"
	statusFailed  = "failed"
	statusUnknown = "unknown"
)
