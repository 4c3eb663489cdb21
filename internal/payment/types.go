package payment

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"X402-Relay/internal/eip3009"
	xerrors "X402-Relay/internal/errors"
)

// 协议版本号，对应 X-PAYMENT 头里的 x402Version 字段。
const ProtocolVersion = 1

// Scheme 标识付款证明的种类。
type Scheme string

const (
	// SchemeSimpleTransfer 以一笔已上链的普通转账交易哈希作为付款证明。
	SchemeSimpleTransfer Scheme = "simple-transfer"
	// SchemeDualAuthorization 以两份离线签名的转账授权作为付款证明，
	// 本金与手续费各一份，由代付方上链兑付。
	SchemeDualAuthorization Scheme = "dual-authorization"
)

// Requirement 描述一轮 402 质询中服务端声明的付款条件。
// 每次请求重新计算，不做持久化。
type Requirement struct {
	Scheme            Scheme            `json:"scheme"`
	Network           string            `json:"network"`
	MaxAmountRequired string            `json:"maxAmountRequired"`
	Resource          string            `json:"resource"`
	Description       string            `json:"description"`
	MimeType          string            `json:"mimeType"`
	PayTo             string            `json:"payTo"`
	MaxTimeoutSeconds int64             `json:"maxTimeoutSeconds"`
	Asset             string            `json:"asset"`
	Extra             map[string]string `json:"extra,omitempty"`
}

// RequiredResponse 是 402 响应体：协议版本、可接受的付款条件与错误说明。
type RequiredResponse struct {
	X402Version int           `json:"x402Version"`
	Accepts     []Requirement `json:"accepts"`
	Error       string        `json:"error"`
}

// Payload 是客户端提交的付款证明信封。Inner 的具体结构由 Scheme 决定，
// 解码前保持原始字节。
type Payload struct {
	X402Version int             `json:"x402Version"`
	Scheme      Scheme          `json:"scheme"`
	Network     string          `json:"network"`
	Inner       json.RawMessage `json:"payload"`
}

// SimpleTransferProof 是 simple-transfer 方案的内层载荷。
type SimpleTransferProof struct {
	TxHash string `json:"txHash"`
	From   string `json:"from"`
}

// DualAuthorizationProof 是 dual-authorization 方案的内层载荷。
type DualAuthorizationProof struct {
	AuthMain eip3009.Authorization `json:"auth_main"`
	AuthFee  eip3009.Authorization `json:"auth_fee"`
}

// DecodeSimpleTransfer 按 simple-transfer 方案解出内层载荷。
func (p *Payload) DecodeSimpleTransfer() (*SimpleTransferProof, error) {
	if p.Scheme != SchemeSimpleTransfer {
		return nil, xerrors.New(xerrors.CodeMalformedProof,
			fmt.Sprintf("payload scheme is %q, not %q", p.Scheme, SchemeSimpleTransfer))
	}
	var proof SimpleTransferProof
	if err := json.Unmarshal(p.Inner, &proof); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeMalformedProof, err, "undecodable simple-transfer payload")
	}
	if strings.TrimSpace(proof.TxHash) == "" || strings.TrimSpace(proof.From) == "" {
		return nil, xerrors.New(xerrors.CodeMalformedProof, "missing txHash or from in payment payload")
	}
	return &proof, nil
}

// DecodeDualAuthorization 按 dual-authorization 方案解出内层载荷。
func (p *Payload) DecodeDualAuthorization() (*DualAuthorizationProof, error) {
	if p.Scheme != SchemeDualAuthorization {
		return nil, xerrors.New(xerrors.CodeMalformedProof,
			fmt.Sprintf("payload scheme is %q, not %q", p.Scheme, SchemeDualAuthorization))
	}
	var proof DualAuthorizationProof
	if err := json.Unmarshal(p.Inner, &proof); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeMalformedProof, err, "undecodable dual-authorization payload")
	}
	return &proof, nil
}

// SettlementReceipt 汇总一次结算产生的链上交易。只有在回执确认后才会填入
// 交易哈希，绝不把未确认的哈希当作最终结果返回。
type SettlementReceipt struct {
	X402Version int    `json:"x402Version"`
	Scheme      Scheme `json:"scheme"`
	Network     string `json:"network"`
	// PaidTxHash 是 simple-transfer 方案下用户付款交易的哈希。
	PaidTxHash string `json:"paidTxHash,omitempty"`
	// RelayTxHash 是代付方转账（或授权兑付主腿）的交易哈希。
	RelayTxHash string `json:"relayTxHash,omitempty"`
	// FeeTxHash 是授权兑付手续费腿的交易哈希。
	FeeTxHash string `json:"feeTxHash,omitempty"`
	Status    string `json:"status"`
}

// 结算状态。Partial 表示主腿成功但手续费腿失败，是一个独立上报的结果，
// 不会被折叠成普通失败。Unknown 表示等待确认超时，链上结果不明。
const (
	StatusSettled  = "settled"
	StatusPartial  = "partial"
	StatusFailed   = "failed"
	StatusUnknown  = "unknown"
	StatusRejected = "rejected"
)

// ParseAtomic 解析十进制字符串形式的原子数量。
func ParseAtomic(raw string) (*big.Int, error) {
	value, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok || value.Sign() < 0 {
		return nil, fmt.Errorf("非法的原子数量 %q", raw)
	}
	return value, nil
}
