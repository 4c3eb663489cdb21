package protocol

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	xerrors "X402-Relay/internal/errors"
	"X402-Relay/internal/notify"
	"X402-Relay/internal/payment"
	"X402-Relay/internal/replay"
	"X402-Relay/internal/settle"
	"X402-Relay/internal/storage/mysql"
	"X402-Relay/internal/token"
	"X402-Relay/internal/web3"
	"X402-Relay/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// Options 汇总协议握手的静态参数。金额相关字段都是人类可读单位，
// 每轮质询会按代币实时 decimals 换算成原子数量。
type Options struct {
	Network           string
	BaseFee           string
	MaxTimeoutSeconds int64
	TokenName         string
	TokenVersion      string
	AllowRelaxed      bool
}

// Handler 实现无状态的 402 协商状态机：同一个入口既发质询也收证明，
// 服务端不保存任何回合状态，两轮请求之间的关联完全由付款证明本身承载。
type Handler struct {
	chain       web3.Client
	codec       payment.HeaderCodec
	receiptScan *payment.ReceiptScanVerifier
	dualAuth    *payment.DualAuthVerifier
	executor    *settle.Executor
	guard       replay.Store
	repo        mysql.SettlementRepository
	notifier    notify.Notifier
	tokenAddr   common.Address
	relayerAddr common.Address
	opts        Options
}

// NewHandler 组装协议处理器。repo 与 notifier 可以为 nil，表示关闭
// 结算留痕与事件广播。
func NewHandler(
	chain web3.Client,
	receiptScan *payment.ReceiptScanVerifier,
	dualAuth *payment.DualAuthVerifier,
	executor *settle.Executor,
	guard replay.Store,
	repo mysql.SettlementRepository,
	notifier notify.Notifier,
	tokenAddr, relayerAddr common.Address,
	opts Options,
) *Handler {
	if opts.MaxTimeoutSeconds <= 0 {
		opts.MaxTimeoutSeconds = 60
	}
	return &Handler{
		chain:       chain,
		codec:       payment.HeaderCodec{AllowRelaxed: opts.AllowRelaxed},
		receiptScan: receiptScan,
		dualAuth:    dualAuth,
		executor:    executor,
		guard:       guard,
		repo:        repo,
		notifier:    notifier,
		tokenAddr:   tokenAddr,
		relayerAddr: relayerAddr,
		opts:        opts,
	}
}

// RelayRequest 是一次受保护资源调用的输入。Amount 为人类可读单位。
type RelayRequest struct {
	Resource      string
	UserAddress   string
	ToAddress     string
	Amount        string
	PaymentHeader string
}

// Outcome 是状态机单轮运转的结果，由 API 层翻译成 HTTP 响应。
// Challenge 与 Receipt 互斥：402 带质询，其余状态码视情况带结算摘要。
type Outcome struct {
	HTTPStatus int
	Challenge  *payment.RequiredResponse
	Receipt    *payment.SettlementReceipt
	// EncodedReceipt 是 X-PAYMENT-RESPONSE 头的值，仅在 Receipt 非空时填写。
	EncodedReceipt string
	Message        string
	Err            error
}

// Handle 运转一轮协商：无证明发质询，有证明则验证、防重放、结算。
// 除防重放集合外全程无服务端状态。
func (h *Handler) Handle(ctx context.Context, req RelayRequest) *Outcome {
	payer, recipient, err := h.parseAddresses(req)
	if err != nil {
		return &Outcome{HTTPStatus: http.StatusBadRequest, Err: err, Message: err.Error()}
	}

	// 金额按实时 decimals 换算，质询与验证使用同一套数字。
	decimals, err := token.Decimals(ctx, h.chain, h.tokenAddr)
	if err != nil {
		wrapped := xerrors.Wrap(xerrors.CodeChainUnavailable, err, "查询代币精度失败")
		return &Outcome{HTTPStatus: http.StatusInternalServerError, Err: wrapped, Message: "chain endpoint unavailable"}
	}
	principal, err := payment.HumanToAtomic(req.Amount, decimals)
	if err != nil {
		invalid := xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid amount")
		return &Outcome{HTTPStatus: http.StatusBadRequest, Err: invalid, Message: invalid.Message()}
	}
	fee, err := payment.HumanToAtomic(h.opts.BaseFee, decimals)
	if err != nil {
		wrapped := xerrors.Wrap(xerrors.CodeInitializationFailure, err, "非法的固定手续费配置")
		return &Outcome{HTTPStatus: http.StatusInternalServerError, Err: wrapped, Message: "service misconfigured"}
	}
	total := new(big.Int).Add(principal, fee)

	if strings.TrimSpace(req.PaymentHeader) == "" {
		return h.challenge(req, principal, total, "")
	}

	payload, err := h.codec.Decode(req.PaymentHeader)
	if err != nil {
		return h.rechallenge(req, principal, total, err)
	}
	if payload.X402Version != payment.ProtocolVersion {
		return h.rechallenge(req, principal, total,
			xerrors.New(xerrors.CodeProtocolMismatch, fmt.Sprintf("unsupported x402Version %d", payload.X402Version)))
	}
	if payload.Network != h.opts.Network {
		return h.rechallenge(req, principal, total,
			xerrors.New(xerrors.CodeProtocolMismatch, fmt.Sprintf("unsupported network %q", payload.Network)))
	}

	switch payload.Scheme {
	case payment.SchemeSimpleTransfer:
		return h.handleSimpleTransfer(ctx, req, payload, payer, recipient, principal, fee, total)
	case payment.SchemeDualAuthorization:
		return h.handleDualAuthorization(ctx, req, payload, payer, recipient, principal, fee, total)
	default:
		return h.rechallenge(req, principal, total,
			xerrors.New(xerrors.CodeProtocolMismatch, fmt.Sprintf("unsupported scheme %q", payload.Scheme)))
	}
}

// handleSimpleTransfer 处理 receipt-scan 路径：用户已把本金+手续费
// 转给代付方，代付方再把本金转给收款人。
func (h *Handler) handleSimpleTransfer(ctx context.Context, req RelayRequest, payload *payment.Payload, payer, recipient common.Address, principal, fee, total *big.Int) *Outcome {
	proof, err := payload.DecodeSimpleTransfer()
	if err != nil {
		return h.rechallenge(req, principal, total, err)
	}
	if !common.IsHexAddress(proof.From) || common.HexToAddress(proof.From) != payer {
		return h.rechallenge(req, principal, total,
			xerrors.New(xerrors.CodePaymentRejected, "payment payload from does not match declared payer"))
	}

	if err := h.receiptScan.Verify(ctx, proof.TxHash, payer, h.relayerAddr, h.tokenAddr, total); err != nil {
		return h.failOrRechallenge(req, principal, total, err)
	}

	// 验证通过后才占用重放槽位：原子地把交易哈希记入已消费集合，
	// 并发提交同一笔交易只有一个赢家。
	slot := replay.TxSlot(proof.TxHash)
	consumed, err := h.guard.MarkConsumed(ctx, slot)
	if err != nil {
		wrapped := xerrors.Wrap(xerrors.CodeStorageFailure, err, "防重放存储不可用")
		return &Outcome{HTTPStatus: http.StatusInternalServerError, Err: wrapped, Message: "replay guard unavailable"}
	}
	if !consumed {
		return h.rechallenge(req, principal, total,
			xerrors.New(xerrors.CodeReplayDetected, "payment transaction already consumed"))
	}

	result, settleErr := h.executor.Transfer(ctx, recipient, principal)
	if settleErr != nil && result.TxHash == "" {
		// 结算从未广播，付款证明还可以再用，释放槽位让客户端重试。
		if releaseErr := h.guard.Release(ctx, slot); releaseErr != nil {
			logger.Named("protocol").Warn("释放重放槽位失败", "slot", slot, "error", releaseErr)
		}
	}

	receipt := payment.SettlementReceipt{
		X402Version: payment.ProtocolVersion,
		Scheme:      payment.SchemeSimpleTransfer,
		Network:     h.opts.Network,
		PaidTxHash:  proof.TxHash,
		RelayTxHash: result.TxHash,
		Status:      result.Status,
	}
	h.record(ctx, req, receipt, principal, fee, settleErr)
	return h.conclude(receipt, settleErr)
}

// handleDualAuthorization 处理授权兑付路径：两份离线签名经离线校验后，
// 由代付方依次上链兑付，本金在前手续费在后。
func (h *Handler) handleDualAuthorization(ctx context.Context, req RelayRequest, payload *payment.Payload, payer, recipient common.Address, principal, fee, total *big.Int) *Outcome {
	proof, err := payload.DecodeDualAuthorization()
	if err != nil {
		return h.rechallenge(req, principal, total, err)
	}

	if err := h.dualAuth.Verify(proof, payer, recipient, principal, fee); err != nil {
		return h.failOrRechallenge(req, principal, total, err)
	}

	// 授权没有链上交易哈希，用主腿授权 nonce 占重放槽位。代币合约
	// 对 nonce 还有最终裁决，这里的集合只是挡住并发双花的第一道闸。
	nonce, err := proof.AuthMain.NonceBytes()
	if err != nil {
		return h.rechallenge(req, principal, total, xerrors.Wrap(xerrors.CodePaymentRejected, err, "invalid auth_main nonce"))
	}
	slot := replay.AuthSlot(common.BytesToHash(nonce[:]).Hex())
	consumed, err := h.guard.MarkConsumed(ctx, slot)
	if err != nil {
		wrapped := xerrors.Wrap(xerrors.CodeStorageFailure, err, "防重放存储不可用")
		return &Outcome{HTTPStatus: http.StatusInternalServerError, Err: wrapped, Message: "replay guard unavailable"}
	}
	if !consumed {
		return h.rechallenge(req, principal, total,
			xerrors.New(xerrors.CodeReplayDetected, "authorization nonce already consumed"))
	}

	result, settleErr := h.executor.RedeemDual(ctx, proof.AuthMain, proof.AuthFee)
	if settleErr != nil && result.Main.TxHash == "" {
		if releaseErr := h.guard.Release(ctx, slot); releaseErr != nil {
			logger.Named("protocol").Warn("释放重放槽位失败", "slot", slot, "error", releaseErr)
		}
	}

	receipt := payment.SettlementReceipt{
		X402Version: payment.ProtocolVersion,
		Scheme:      payment.SchemeDualAuthorization,
		Network:     h.opts.Network,
		RelayTxHash: result.Main.TxHash,
		FeeTxHash:   result.Fee.TxHash,
		Status:      result.Status,
	}
	h.record(ctx, req, receipt, principal, fee, settleErr)
	return h.conclude(receipt, settleErr)
}

// conclude 把结算结果折算成对外状态码。主腿已经确认的 partial 对
// 调用方而言业务已完成，按 200 返回并如实标注状态；unknown 与 failed
// 属于服务端问题，按 500 返回，摘要照常附带供事后对账。
func (h *Handler) conclude(receipt payment.SettlementReceipt, settleErr error) *Outcome {
	encoded, encodeErr := payment.EncodeSettlement(receipt)
	if encodeErr != nil {
		logger.Named("protocol").Error("编码结算摘要失败", "error", encodeErr)
	}

	outcome := &Outcome{Receipt: &receipt, EncodedReceipt: encoded, Err: settleErr}
	switch receipt.Status {
	case payment.StatusSettled:
		outcome.HTTPStatus = http.StatusOK
		outcome.Message = "payment verified and relay settled"
		outcome.Err = nil
	case payment.StatusPartial:
		outcome.HTTPStatus = http.StatusOK
		outcome.Message = "main transfer settled, fee redemption failed"
	case payment.StatusUnknown:
		outcome.HTTPStatus = http.StatusInternalServerError
		outcome.Message = "settlement outcome unknown, reconcile with the transaction hash"
	default:
		outcome.HTTPStatus = http.StatusInternalServerError
		outcome.Message = "relay settlement failed"
	}
	return outcome
}

// failOrRechallenge 把验证阶段的失败分流：协议层面的失败转成新一轮
// 质询，基础设施失败按服务端错误上报。
func (h *Handler) failOrRechallenge(req RelayRequest, principal, total *big.Int, err error) *Outcome {
	if xerrors.ShouldRechallenge(err) {
		return h.rechallenge(req, principal, total, err)
	}
	return &Outcome{HTTPStatus: http.StatusInternalServerError, Err: err, Message: "payment verification unavailable"}
}

// rechallenge 以带原因的 402 回应，质询条件重新计算。
func (h *Handler) rechallenge(req RelayRequest, principal, total *big.Int, cause error) *Outcome {
	reason := ""
	if e, ok := xerrors.From(cause); ok {
		reason = e.Message()
	} else if cause != nil {
		reason = cause.Error()
	}
	outcome := h.challenge(req, principal, total, reason)
	outcome.Err = cause
	return outcome
}

// challenge 构造 402 质询。两种方案各给一份付款条件，金额字段已经是
// 原子数量的十进制字符串。
func (h *Handler) challenge(req RelayRequest, principal, total *big.Int, reason string) *Outcome {
	simple := payment.Requirement{
		Scheme:            payment.SchemeSimpleTransfer,
		Network:           h.opts.Network,
		MaxAmountRequired: total.String(),
		Resource:          req.Resource,
		Description:       "Pay amount+fee to the relayer, the relayer forwards amount and keeps the fee",
		MimeType:          "application/json",
		PayTo:             h.relayerAddr.Hex(),
		MaxTimeoutSeconds: h.opts.MaxTimeoutSeconds,
		Asset:             h.tokenAddr.Hex(),
		Extra: map[string]string{
			"name":    h.opts.TokenName,
			"version": h.opts.TokenVersion,
		},
	}
	dual := payment.Requirement{
		Scheme:            payment.SchemeDualAuthorization,
		Network:           h.opts.Network,
		MaxAmountRequired: principal.String(),
		Resource:          req.Resource,
		Description:       "Sign two transfer authorizations: principal to the recipient, fee to the relayer",
		MimeType:          "application/json",
		PayTo:             req.ToAddress,
		MaxTimeoutSeconds: h.opts.MaxTimeoutSeconds,
		Asset:             h.tokenAddr.Hex(),
		Extra: map[string]string{
			"name":     h.opts.TokenName,
			"version":  h.opts.TokenVersion,
			"feeTo":    h.relayerAddr.Hex(),
			"feeValue": new(big.Int).Sub(total, principal).String(),
		},
	}
	return &Outcome{
		HTTPStatus: http.StatusPaymentRequired,
		Challenge: &payment.RequiredResponse{
			X402Version: payment.ProtocolVersion,
			Accepts:     []payment.Requirement{simple, dual},
			Error:       reason,
		},
	}
}

// record 把结算尝试写入审计日志、持久化仓库与事件队列。留痕失败
// 只记日志，不改变已经发生的链上事实。
func (h *Handler) record(ctx context.Context, req RelayRequest, receipt payment.SettlementReceipt, principal, fee *big.Int, settleErr error) {
	errorCode := ""
	if settleErr != nil {
		errorCode = string(xerrors.CodeOf(settleErr))
	}

	logger.Audit().Info("settlement attempt",
		"scheme", string(receipt.Scheme),
		"network", receipt.Network,
		"payer", req.UserAddress,
		"recipient", req.ToAddress,
		"amount_atomic", principal.String(),
		"fee_atomic", fee.String(),
		"paid_tx", receipt.PaidTxHash,
		"relay_tx", receipt.RelayTxHash,
		"fee_tx", receipt.FeeTxHash,
		"status", receipt.Status,
		"error_code", errorCode,
	)

	record := mysql.SettlementRecord{
		ID:           uuid.NewString(),
		Scheme:       string(receipt.Scheme),
		Network:      receipt.Network,
		Payer:        req.UserAddress,
		Recipient:    req.ToAddress,
		AmountAtomic: principal.String(),
		FeeAtomic:    fee.String(),
		PaidTxHash:   receipt.PaidTxHash,
		RelayTxHash:  receipt.RelayTxHash,
		FeeTxHash:    receipt.FeeTxHash,
		Status:       receipt.Status,
		ErrorCode:    errorCode,
		CreatedAt:    time.Now().Unix(),
	}
	if h.repo != nil {
		if err := h.repo.Save(ctx, record); err != nil {
			logger.Named("protocol").Error("结算记录落库失败", "id", record.ID, "error", err)
		}
	}
	if h.notifier != nil {
		if err := h.notifier.PublishSettlement(ctx, record); err != nil {
			logger.Named("protocol").Warn("结算事件发布失败", "id", record.ID, "error", err)
		}
	}
}

func (h *Handler) parseAddresses(req RelayRequest) (common.Address, common.Address, error) {
	if !common.IsHexAddress(req.UserAddress) {
		return common.Address{}, common.Address{}, xerrors.New(xerrors.CodeInvalidArgument, "invalid user_address")
	}
	if !common.IsHexAddress(req.ToAddress) {
		return common.Address{}, common.Address{}, xerrors.New(xerrors.CodeInvalidArgument, "invalid to_address")
	}
	return common.HexToAddress(req.UserAddress), common.HexToAddress(req.ToAddress), nil
}
