package protocol

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"sync"
	"testing"
	"time"

	"X402-Relay/internal/eip3009"
	xerrors "X402-Relay/internal/errors"
	"X402-Relay/internal/payment"
	"X402-Relay/internal/relayer"
	"X402-Relay/internal/replay"
	"X402-Relay/internal/settle"
	"X402-Relay/internal/token"
	"X402-Relay/internal/web3"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// relayChain 同时扮演只读端（回执、decimals）与写入端（广播、确认），
// 让整条协商-验证-结算链路都跑在进程内。
type relayChain struct {
	mu       sync.Mutex
	decimals int64
	receipts map[common.Hash]*coretypes.Receipt
	sent     []*coretypes.Transaction
	sendErrs []error
	confirms []error
}

func (c *relayChain) ChainID(context.Context) (int64, error) { return 11155111, nil }

func (c *relayChain) TransactionReceipt(_ context.Context, txHash common.Hash) (*coretypes.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	receipt, ok := c.receipts[txHash]
	if !ok {
		return nil, web3.ErrReceiptNotFound
	}
	return receipt, nil
}

func (c *relayChain) CallContract(context.Context, common.Address, []byte) ([]byte, error) {
	return common.LeftPadBytes(big.NewInt(c.decimals).Bytes(), 32), nil
}

func (c *relayChain) PendingNonce(context.Context, common.Address) (uint64, error) { return 0, nil }

func (c *relayChain) SuggestGasTipCap(context.Context) (*big.Int, error) { return big.NewInt(2), nil }

func (c *relayChain) LatestBaseFee(context.Context) (*big.Int, error) { return big.NewInt(10), nil }

func (c *relayChain) EstimateGas(context.Context, common.Address, common.Address, []byte) (uint64, error) {
	return 90000, nil
}

func (c *relayChain) SendTransaction(_ context.Context, tx *coretypes.Transaction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sendErrs) > 0 {
		err := c.sendErrs[0]
		c.sendErrs = c.sendErrs[1:]
		if err != nil {
			return err
		}
	}
	c.sent = append(c.sent, tx)
	return nil
}

func (c *relayChain) WaitConfirmed(context.Context, common.Hash, time.Duration) (*coretypes.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.confirms) > 0 {
		err := c.confirms[0]
		c.confirms = c.confirms[1:]
		if err != nil {
			return nil, err
		}
	}
	return &coretypes.Receipt{Status: coretypes.ReceiptStatusSuccessful}, nil
}

func (c *relayChain) Close() {}

type relayHarness struct {
	handler     *Handler
	chain       *relayChain
	codec       *eip3009.Codec
	tokenAddr   common.Address
	relayerAddr common.Address
}

const (
	testNetwork = "eip155:11155111"
	testPayer   = "0x1111111111111111111111111111111111111111"
	testPayee   = "0x2222222222222222222222222222222222222222"
)

var paidTxHash = common.HexToHash("0x3b1a9ad86a9a52deaf6bd2726ee4fd96ea7e14bc42ac47b2b6a0e82b5e97f1c2")

func newRelayHarness(t *testing.T) *relayHarness {
	t.Helper()
	chain := &relayChain{decimals: 6, receipts: map[common.Hash]*coretypes.Receipt{}}
	tokenAddr := common.HexToAddress("0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238")

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	identity, err := relayer.NewIdentity(common.Bytes2Hex(crypto.FromECDSA(key)))
	if err != nil {
		t.Fatalf("build identity: %v", err)
	}
	sequencer := relayer.NewSequencer(chain, identity, 11155111)
	codec := eip3009.NewCodec(eip3009.Domain{
		TokenName:    "USDC",
		TokenVersion: "2",
		ChainID:      11155111,
		Contract:     tokenAddr,
	})

	handler := NewHandler(
		chain,
		payment.NewReceiptScanVerifier(chain),
		payment.NewDualAuthVerifier(codec, identity.Address()),
		settle.NewExecutor(sequencer, tokenAddr, 5*time.Second),
		replay.NewMemoryStore(),
		nil,
		nil,
		tokenAddr,
		identity.Address(),
		Options{
			Network:           testNetwork,
			BaseFee:           "0.01",
			MaxTimeoutSeconds: 60,
			TokenName:         "USDC",
			TokenVersion:      "2",
		},
	)
	return &relayHarness{
		handler:     handler,
		chain:       chain,
		codec:       codec,
		tokenAddr:   tokenAddr,
		relayerAddr: identity.Address(),
	}
}

// addPaidTransfer 往链桩里放一笔 payer→relayer 的已确认转账回执。
func (h *relayHarness) addPaidTransfer(from common.Address, value int64) {
	h.chain.receipts[paidTxHash] = &coretypes.Receipt{
		Status: coretypes.ReceiptStatusSuccessful,
		Logs: []*coretypes.Log{{
			Address: h.tokenAddr,
			Topics: []common.Hash{
				token.TransferTopic,
				common.BytesToHash(from.Bytes()),
				common.BytesToHash(h.relayerAddr.Bytes()),
			},
			Data: common.LeftPadBytes(big.NewInt(value).Bytes(), 32),
		}},
	}
}

func encodePaymentHeader(t *testing.T, scheme payment.Scheme, network string, inner any) string {
	t.Helper()
	rawInner, err := json.Marshal(inner)
	if err != nil {
		t.Fatalf("marshal inner payload: %v", err)
	}
	envelope, err := json.Marshal(map[string]any{
		"x402Version": payment.ProtocolVersion,
		"scheme":      scheme,
		"network":     network,
		"payload":     json.RawMessage(rawInner),
	})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return base64.StdEncoding.EncodeToString(envelope)
}

func simpleTransferHeader(t *testing.T, network string) string {
	return encodePaymentHeader(t, payment.SchemeSimpleTransfer, network,
		payment.SimpleTransferProof{TxHash: paidTxHash.Hex(), From: testPayer})
}

func baseRequest(header string) RelayRequest {
	return RelayRequest{
		Resource:      "/api/v1/relay",
		UserAddress:   testPayer,
		ToAddress:     testPayee,
		Amount:        "1.00",
		PaymentHeader: header,
	}
}

func TestHandleWithoutProofChallenges(t *testing.T) {
	h := newRelayHarness(t)

	outcome := h.handler.Handle(context.Background(), baseRequest(""))
	if outcome.HTTPStatus != http.StatusPaymentRequired {
		t.Fatalf("status %d, want 402", outcome.HTTPStatus)
	}
	if outcome.Challenge == nil || outcome.Challenge.Error != "" {
		t.Fatalf("first challenge must have no error string: %+v", outcome.Challenge)
	}
	if len(outcome.Challenge.Accepts) != 2 {
		t.Fatalf("challenge must offer both schemes, got %d", len(outcome.Challenge.Accepts))
	}

	var simple, dual *payment.Requirement
	for i := range outcome.Challenge.Accepts {
		req := &outcome.Challenge.Accepts[i]
		switch req.Scheme {
		case payment.SchemeSimpleTransfer:
			simple = req
		case payment.SchemeDualAuthorization:
			dual = req
		}
	}
	if simple == nil || dual == nil {
		t.Fatal("challenge missing a scheme entry")
	}

	// simple-transfer 要价 = 本金 1.00 + 手续费 0.01，6 位精度。
	if simple.MaxAmountRequired != "1010000" {
		t.Fatalf("simple maxAmountRequired %s, want 1010000", simple.MaxAmountRequired)
	}
	if simple.PayTo != h.relayerAddr.Hex() {
		t.Fatalf("simple payTo %s, want relayer %s", simple.PayTo, h.relayerAddr.Hex())
	}
	// dual-authorization 主腿只含本金，手续费在 extra 里单列。
	if dual.MaxAmountRequired != "1000000" {
		t.Fatalf("dual maxAmountRequired %s, want 1000000", dual.MaxAmountRequired)
	}
	if dual.PayTo != testPayee {
		t.Fatalf("dual payTo %s, want recipient", dual.PayTo)
	}
	if dual.Extra["feeValue"] != "10000" || dual.Extra["feeTo"] != h.relayerAddr.Hex() {
		t.Fatalf("dual extra mismatch: %v", dual.Extra)
	}
}

func TestHandleRejectsBadAddresses(t *testing.T) {
	h := newRelayHarness(t)
	req := baseRequest("")
	req.UserAddress = "not-an-address"
	if outcome := h.handler.Handle(context.Background(), req); outcome.HTTPStatus != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", outcome.HTTPStatus)
	}
}

func TestHandleProtocolMismatchRechallenges(t *testing.T) {
	h := newRelayHarness(t)

	wrongNetwork := simpleTransferHeader(t, "eip155:1")
	outcome := h.handler.Handle(context.Background(), baseRequest(wrongNetwork))
	if outcome.HTTPStatus != http.StatusPaymentRequired {
		t.Fatalf("status %d, want 402", outcome.HTTPStatus)
	}
	if xerrors.CodeOf(outcome.Err) != xerrors.CodeProtocolMismatch {
		t.Fatalf("expected PROTOCOL_MISMATCH, got %v", outcome.Err)
	}
	if outcome.Challenge == nil || outcome.Challenge.Error == "" {
		t.Fatal("re-challenge must explain the rejection")
	}
}

func TestHandleSimpleTransferSettles(t *testing.T) {
	h := newRelayHarness(t)
	h.addPaidTransfer(common.HexToAddress(testPayer), 1010000)

	outcome := h.handler.Handle(context.Background(), baseRequest(simpleTransferHeader(t, testNetwork)))
	if outcome.HTTPStatus != http.StatusOK {
		t.Fatalf("status %d, want 200 (err %v)", outcome.HTTPStatus, outcome.Err)
	}
	if outcome.Receipt == nil || outcome.Receipt.Status != payment.StatusSettled {
		t.Fatalf("unexpected receipt: %+v", outcome.Receipt)
	}
	if outcome.Receipt.PaidTxHash != paidTxHash.Hex() || outcome.Receipt.RelayTxHash == "" {
		t.Fatalf("receipt must reference both transactions: %+v", outcome.Receipt)
	}
	if outcome.EncodedReceipt == "" {
		t.Fatal("settled outcome must carry the encoded settlement header")
	}
	if len(h.chain.sent) != 1 {
		t.Fatalf("relayer should broadcast exactly one transfer, sent %d", len(h.chain.sent))
	}
}

func TestHandleSimpleTransferInsufficientPayment(t *testing.T) {
	h := newRelayHarness(t)
	// 只付了本金，没付手续费。
	h.addPaidTransfer(common.HexToAddress(testPayer), 1000000)

	outcome := h.handler.Handle(context.Background(), baseRequest(simpleTransferHeader(t, testNetwork)))
	if outcome.HTTPStatus != http.StatusPaymentRequired {
		t.Fatalf("status %d, want 402", outcome.HTTPStatus)
	}
	if xerrors.CodeOf(outcome.Err) != xerrors.CodePaymentRejected {
		t.Fatalf("expected PAYMENT_REJECTED, got %v", outcome.Err)
	}
	if len(h.chain.sent) != 0 {
		t.Fatal("no settlement may run for an underpaid proof")
	}
}

func TestHandleSimpleTransferReplayRejected(t *testing.T) {
	h := newRelayHarness(t)
	h.addPaidTransfer(common.HexToAddress(testPayer), 1010000)
	header := simpleTransferHeader(t, testNetwork)

	if outcome := h.handler.Handle(context.Background(), baseRequest(header)); outcome.HTTPStatus != http.StatusOK {
		t.Fatalf("first redemption failed: %d %v", outcome.HTTPStatus, outcome.Err)
	}

	// 同一笔付款第二次兑换必须被挡下，且不再触发结算。
	outcome := h.handler.Handle(context.Background(), baseRequest(header))
	if outcome.HTTPStatus != http.StatusPaymentRequired {
		t.Fatalf("status %d, want 402", outcome.HTTPStatus)
	}
	if xerrors.CodeOf(outcome.Err) != xerrors.CodeReplayDetected {
		t.Fatalf("expected REPLAY_DETECTED, got %v", outcome.Err)
	}
	if len(h.chain.sent) != 1 {
		t.Fatalf("replay must not settle again, sent %d", len(h.chain.sent))
	}
}

func TestHandleReleasesSlotWhenBroadcastFails(t *testing.T) {
	h := newRelayHarness(t)
	h.addPaidTransfer(common.HexToAddress(testPayer), 1010000)
	h.chain.sendErrs = []error{errors.New("insufficient funds for gas")}
	header := simpleTransferHeader(t, testNetwork)

	outcome := h.handler.Handle(context.Background(), baseRequest(header))
	if outcome.HTTPStatus != http.StatusInternalServerError {
		t.Fatalf("status %d, want 500", outcome.HTTPStatus)
	}

	// 结算从未广播，付款证明仍然有效，重试必须成功而不是撞重放闸。
	outcome = h.handler.Handle(context.Background(), baseRequest(header))
	if outcome.HTTPStatus != http.StatusOK {
		t.Fatalf("retry after broadcast failure: %d %v", outcome.HTTPStatus, outcome.Err)
	}
}

func TestHandleConfirmTimeoutKeepsSlotConsumed(t *testing.T) {
	h := newRelayHarness(t)
	h.addPaidTransfer(common.HexToAddress(testPayer), 1010000)
	h.chain.confirms = []error{web3.ErrConfirmTimeout}
	header := simpleTransferHeader(t, testNetwork)

	outcome := h.handler.Handle(context.Background(), baseRequest(header))
	if outcome.HTTPStatus != http.StatusInternalServerError {
		t.Fatalf("status %d, want 500", outcome.HTTPStatus)
	}
	if outcome.Receipt == nil || outcome.Receipt.Status != payment.StatusUnknown {
		t.Fatalf("timeout must report unknown: %+v", outcome.Receipt)
	}
	if outcome.Receipt.RelayTxHash == "" {
		t.Fatal("unknown outcome must expose the pending tx hash")
	}

	// 交易已广播，结局未知，槽位必须保持已消费。
	outcome = h.handler.Handle(context.Background(), baseRequest(header))
	if xerrors.CodeOf(outcome.Err) != xerrors.CodeReplayDetected {
		t.Fatalf("expected REPLAY_DETECTED after broadcast, got %v", outcome.Err)
	}
}

func TestHandleDualAuthorizationSettles(t *testing.T) {
	h := newRelayHarness(t)

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	payer := crypto.PubkeyToAddress(key.PublicKey)

	main := eip3009.NewAuthorization(payer, common.HexToAddress(testPayee), big.NewInt(1000000), time.Hour)
	if err := h.codec.Sign(&main, key); err != nil {
		t.Fatalf("sign auth_main: %v", err)
	}
	fee := eip3009.NewAuthorization(payer, h.relayerAddr, big.NewInt(10000), time.Hour)
	if err := h.codec.Sign(&fee, key); err != nil {
		t.Fatalf("sign auth_fee: %v", err)
	}

	header := encodePaymentHeader(t, payment.SchemeDualAuthorization, testNetwork,
		payment.DualAuthorizationProof{AuthMain: main, AuthFee: fee})
	req := baseRequest(header)
	req.UserAddress = payer.Hex()

	outcome := h.handler.Handle(context.Background(), req)
	if outcome.HTTPStatus != http.StatusOK {
		t.Fatalf("status %d, want 200 (err %v)", outcome.HTTPStatus, outcome.Err)
	}
	if outcome.Receipt.Status != payment.StatusSettled {
		t.Fatalf("receipt status %s", outcome.Receipt.Status)
	}
	if outcome.Receipt.RelayTxHash == "" || outcome.Receipt.FeeTxHash == "" {
		t.Fatalf("both legs must be on chain: %+v", outcome.Receipt)
	}
	if len(h.chain.sent) != 2 {
		t.Fatalf("dual redemption broadcasts two transactions, sent %d", len(h.chain.sent))
	}

	// 同一份授权 nonce 不能兑付第二次。
	outcome = h.handler.Handle(context.Background(), req)
	if xerrors.CodeOf(outcome.Err) != xerrors.CodeReplayDetected {
		t.Fatalf("expected REPLAY_DETECTED, got %v", outcome.Err)
	}
}

func TestHandleDualAuthorizationValueMismatch(t *testing.T) {
	h := newRelayHarness(t)

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	payer := crypto.PubkeyToAddress(key.PublicKey)

	// 主腿签了 2.00，质询要的是 1.00：精确匹配失败。
	main := eip3009.NewAuthorization(payer, common.HexToAddress(testPayee), big.NewInt(2000000), time.Hour)
	if err := h.codec.Sign(&main, key); err != nil {
		t.Fatalf("sign auth_main: %v", err)
	}
	fee := eip3009.NewAuthorization(payer, h.relayerAddr, big.NewInt(10000), time.Hour)
	if err := h.codec.Sign(&fee, key); err != nil {
		t.Fatalf("sign auth_fee: %v", err)
	}

	header := encodePaymentHeader(t, payment.SchemeDualAuthorization, testNetwork,
		payment.DualAuthorizationProof{AuthMain: main, AuthFee: fee})
	req := baseRequest(header)
	req.UserAddress = payer.Hex()

	outcome := h.handler.Handle(context.Background(), req)
	if outcome.HTTPStatus != http.StatusPaymentRequired {
		t.Fatalf("status %d, want 402", outcome.HTTPStatus)
	}
	if xerrors.CodeOf(outcome.Err) != xerrors.CodePaymentRejected {
		t.Fatalf("expected PAYMENT_REJECTED, got %v", outcome.Err)
	}
	if len(h.chain.sent) != 0 {
		t.Fatal("rejected authorization must not reach the chain")
	}
}
