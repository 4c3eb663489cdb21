package api

import (
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"X402-Relay/internal/eip3009"
	"X402-Relay/internal/payment"
	"X402-Relay/internal/token"
	"X402-Relay/internal/web3"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// DemoSigner 在开发阶段替前端模拟钱包签名：用配置的演示私钥生成
// dual-authorization 方案需要的两份授权。生产环境不配置演示私钥，
// 对应端点也就不存在。
type DemoSigner struct {
	codec       *eip3009.Codec
	key         *ecdsa.PrivateKey
	address     common.Address
	chain       web3.Client
	tokenAddr   common.Address
	relayerAddr common.Address
	defaultFee  string
	validFor    time.Duration
}

// NewDemoSigner 解析演示私钥并构造签名器。
func NewDemoSigner(codec *eip3009.Codec, hexKey string, chain web3.Client, tokenAddr, relayerAddr common.Address, defaultFee string) (*DemoSigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, err
	}
	return &DemoSigner{
		codec:       codec,
		key:         key,
		address:     crypto.PubkeyToAddress(key.PublicKey),
		chain:       chain,
		tokenAddr:   tokenAddr,
		relayerAddr: relayerAddr,
		defaultFee:  defaultFee,
		validFor:    time.Hour,
	}, nil
}

// demoAuthBody 是演示签名请求体。FromAddr 省略时使用演示账户本身，
// 金额为人类可读单位。
type demoAuthBody struct {
	FromAddr string `json:"from_addr,omitempty"`
	ToAddr   string `json:"to_addr"`
	Amount   string `json:"amount"`
	Fee      string `json:"fee,omitempty"`
}

// demoAuthData 回显两份已签名授权，结构与 X-PAYMENT 内层载荷一致。
type demoAuthData struct {
	From      string                `json:"from"`
	ToMain    string                `json:"to_main"`
	ToService string                `json:"to_service"`
	Amount    string                `json:"amount"`
	Fee       string                `json:"fee"`
	AuthMain  eip3009.Authorization `json:"auth_main"`
	AuthFee   eip3009.Authorization `json:"auth_fee"`
}

// handleAuthDemo 生成主腿与手续费腿的两份授权并用演示私钥签名。
func (s *Server) handleAuthDemo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}

	var body demoAuthBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	if !common.IsHexAddress(body.ToAddr) {
		http.Error(w, "非法的 to_addr", http.StatusBadRequest)
		return
	}

	data, err := s.demo.Build(r, body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"code": 0, "data": data})
}

// Build 组装并签名两份授权。只有演示账户自己的签名是有效的：from_addr
// 指向其他地址时签名恢复必然失败，这个行为留给开发者做反面用例。
func (s *DemoSigner) Build(r *http.Request, body demoAuthBody) (*demoAuthData, error) {
	from := s.address
	if strings.TrimSpace(body.FromAddr) != "" {
		if !common.IsHexAddress(body.FromAddr) {
			return nil, errInvalidFrom
		}
		from = common.HexToAddress(body.FromAddr)
	}
	fee := body.Fee
	if strings.TrimSpace(fee) == "" {
		fee = s.defaultFee
	}

	decimals, err := token.Decimals(r.Context(), s.chain, s.tokenAddr)
	if err != nil {
		return nil, err
	}
	amountAtomic, err := payment.HumanToAtomic(body.Amount, decimals)
	if err != nil {
		return nil, err
	}
	feeAtomic, err := payment.HumanToAtomic(fee, decimals)
	if err != nil {
		return nil, err
	}

	toMain := common.HexToAddress(body.ToAddr)

	authMain := eip3009.NewAuthorization(from, toMain, amountAtomic, s.validFor)
	if err := s.codec.Sign(&authMain, s.key); err != nil {
		return nil, err
	}
	authFee := eip3009.NewAuthorization(from, s.relayerAddr, feeAtomic, s.validFor)
	if err := s.codec.Sign(&authFee, s.key); err != nil {
		return nil, err
	}

	return &demoAuthData{
		From:      from.Hex(),
		ToMain:    toMain.Hex(),
		ToService: s.relayerAddr.Hex(),
		Amount:    body.Amount,
		Fee:       fee,
		AuthMain:  authMain,
		AuthFee:   authFee,
	}, nil
}

var errInvalidFrom = errors.New("非法的 from_addr")
