package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"X402-Relay/internal/eip3009"
	"X402-Relay/internal/payment"
	"X402-Relay/internal/protocol"
	"X402-Relay/internal/relayer"
	"X402-Relay/internal/replay"
	"X402-Relay/internal/settle"
	"X402-Relay/internal/storage/mysql"
	"X402-Relay/internal/token"
	"X402-Relay/internal/web3"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// httpChain 是服务端集成测试用的链桩：decimals 固定 6，回执按哈希预置，
// 写路径直接成功。
type httpChain struct {
	mu       sync.Mutex
	receipts map[common.Hash]*coretypes.Receipt
	sent     int
}

func (c *httpChain) ChainID(context.Context) (int64, error) { return 11155111, nil }

func (c *httpChain) TransactionReceipt(_ context.Context, txHash common.Hash) (*coretypes.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	receipt, ok := c.receipts[txHash]
	if !ok {
		return nil, web3.ErrReceiptNotFound
	}
	return receipt, nil
}

func (c *httpChain) CallContract(context.Context, common.Address, []byte) ([]byte, error) {
	return common.LeftPadBytes(big.NewInt(6).Bytes(), 32), nil
}

func (c *httpChain) PendingNonce(context.Context, common.Address) (uint64, error) { return 0, nil }

func (c *httpChain) SuggestGasTipCap(context.Context) (*big.Int, error) { return big.NewInt(2), nil }

func (c *httpChain) LatestBaseFee(context.Context) (*big.Int, error) { return big.NewInt(10), nil }

func (c *httpChain) EstimateGas(context.Context, common.Address, common.Address, []byte) (uint64, error) {
	return 90000, nil
}

func (c *httpChain) SendTransaction(context.Context, *coretypes.Transaction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent++
	return nil
}

func (c *httpChain) WaitConfirmed(context.Context, common.Hash, time.Duration) (*coretypes.Receipt, error) {
	return &coretypes.Receipt{Status: coretypes.ReceiptStatusSuccessful}, nil
}

func (c *httpChain) Close() {}

const (
	testNetwork = "eip155:11155111"
	testPayer   = "0x1111111111111111111111111111111111111111"
	testPayee   = "0x2222222222222222222222222222222222222222"
)

var paidTxHash = common.HexToHash("0x4c2b8be97b0b63efb07cd3837ff5e0a7fb8f25cd53bd58c3c7b1f93c6f08e2d1")

func newTestServer(t *testing.T) (*Server, *httpChain) {
	t.Helper()
	chain := &httpChain{receipts: map[common.Hash]*coretypes.Receipt{}}
	tokenAddr := common.HexToAddress("0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238")

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	identity, err := relayer.NewIdentity(common.Bytes2Hex(crypto.FromECDSA(key)))
	if err != nil {
		t.Fatalf("build identity: %v", err)
	}
	relayerAddr := identity.Address()

	// 预置一笔 payer→relayer 的 1.01 转账回执。
	chain.receipts[paidTxHash] = &coretypes.Receipt{
		Status: coretypes.ReceiptStatusSuccessful,
		Logs: []*coretypes.Log{{
			Address: tokenAddr,
			Topics: []common.Hash{
				token.TransferTopic,
				common.BytesToHash(common.HexToAddress(testPayer).Bytes()),
				common.BytesToHash(relayerAddr.Bytes()),
			},
			Data: common.LeftPadBytes(big.NewInt(1010000).Bytes(), 32),
		}},
	}

	codec := eip3009.NewCodec(eip3009.Domain{
		TokenName: "USDC", TokenVersion: "2", ChainID: 11155111, Contract: tokenAddr,
	})
	repo, err := mysql.NewMemorySettlementRepository(t.TempDir())
	if err != nil {
		t.Fatalf("build repository: %v", err)
	}

	handler := protocol.NewHandler(
		chain,
		payment.NewReceiptScanVerifier(chain),
		payment.NewDualAuthVerifier(codec, relayerAddr),
		settle.NewExecutor(relayer.NewSequencer(chain, identity, 11155111), tokenAddr, 5*time.Second),
		replay.NewMemoryStore(),
		repo,
		nil,
		tokenAddr,
		relayerAddr,
		protocol.Options{
			Network:           testNetwork,
			BaseFee:           "0.01",
			MaxTimeoutSeconds: 60,
			TokenName:         "USDC",
			TokenVersion:      "2",
		},
	)
	return NewServer(":0", handler, nil, nil, repo, nil), chain
}

func relayBodyJSON() string {
	return `{"user_address":"` + testPayer + `","to_address":"` + testPayee + `","amount":"1.00"}`
}

func paymentHeader(t *testing.T) string {
	t.Helper()
	envelope, err := json.Marshal(map[string]any{
		"x402Version": payment.ProtocolVersion,
		"scheme":      payment.SchemeSimpleTransfer,
		"network":     testNetwork,
		"payload":     payment.SimpleTransferProof{TxHash: paidTxHash.Hex(), From: testPayer},
	})
	if err != nil {
		t.Fatalf("marshal payment header: %v", err)
	}
	return base64.StdEncoding.EncodeToString(envelope)
}

func TestRelayEndpointChallenges(t *testing.T) {
	server, _ := newTestServer(t)
	routes := server.Routes()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/relay", strings.NewReader(relayBodyJSON()))
	recorder := httptest.NewRecorder()
	routes.ServeHTTP(recorder, req)

	if recorder.Code != http.StatusPaymentRequired {
		t.Fatalf("status %d, want 402", recorder.Code)
	}
	var challenge payment.RequiredResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &challenge); err != nil {
		t.Fatalf("decode challenge: %v", err)
	}
	if challenge.X402Version != payment.ProtocolVersion || len(challenge.Accepts) != 2 {
		t.Fatalf("unexpected challenge: %+v", challenge)
	}
	if recorder.Header().Get(payment.ResponseHeaderName) != "" {
		t.Fatal("challenge must not carry a settlement header")
	}
}

func TestRelayEndpointSettles(t *testing.T) {
	server, chain := newTestServer(t)
	routes := server.Routes()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/relay", strings.NewReader(relayBodyJSON()))
	req.Header.Set(payment.HeaderName, paymentHeader(t))
	recorder := httptest.NewRecorder()
	routes.ServeHTTP(recorder, req)

	if recorder.Code != http.StatusOK {
		t.Fatalf("status %d, body %s", recorder.Code, recorder.Body.String())
	}

	var resp relayResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.OK || resp.Settlement == nil || resp.Settlement.Status != payment.StatusSettled {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if chain.sent != 1 {
		t.Fatalf("relayer broadcast %d transactions, want 1", chain.sent)
	}

	// X-PAYMENT-RESPONSE 头必须能解回结算摘要。
	encoded := recorder.Header().Get(payment.ResponseHeaderName)
	if encoded == "" {
		t.Fatal("missing settlement response header")
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		t.Fatalf("settlement header is not base64: %v", err)
	}
	var receipt payment.SettlementReceipt
	if err := json.Unmarshal(raw, &receipt); err != nil {
		t.Fatalf("settlement header is not JSON: %v", err)
	}
	if receipt.PaidTxHash != paidTxHash.Hex() || receipt.RelayTxHash == "" {
		t.Fatalf("unexpected settlement header: %+v", receipt)
	}
}

func TestRelayEndpointRejectsNonPost(t *testing.T) {
	server, _ := newTestServer(t)
	routes := server.Routes()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/relay", nil)
	recorder := httptest.NewRecorder()
	routes.ServeHTTP(recorder, req)
	if recorder.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status %d, want 405", recorder.Code)
	}
}

func TestRelayEndpointRejectsBadBody(t *testing.T) {
	server, _ := newTestServer(t)
	routes := server.Routes()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/relay", strings.NewReader("{not json"))
	recorder := httptest.NewRecorder()
	routes.ServeHTTP(recorder, req)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", recorder.Code)
	}
}

func TestSettlementsEndpointListsRecords(t *testing.T) {
	server, _ := newTestServer(t)
	routes := server.Routes()

	// 先完成一笔结算，仓库里才有记录。
	relayReq := httptest.NewRequest(http.MethodPost, "/api/v1/relay", strings.NewReader(relayBodyJSON()))
	relayReq.Header.Set(payment.HeaderName, paymentHeader(t))
	routes.ServeHTTP(httptest.NewRecorder(), relayReq)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/settlements?limit=5", nil)
	recorder := httptest.NewRecorder()
	routes.ServeHTTP(recorder, req)

	if recorder.Code != http.StatusOK {
		t.Fatalf("status %d", recorder.Code)
	}
	var records []mysql.SettlementRecord
	if err := json.Unmarshal(recorder.Body.Bytes(), &records); err != nil {
		t.Fatalf("decode records: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	if records[0].Status != payment.StatusSettled || records[0].Payer != testPayer {
		t.Fatalf("unexpected record: %+v", records[0])
	}
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := newTestServer(t)
	routes := server.Routes()

	recorder := httptest.NewRecorder()
	routes.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if recorder.Code != http.StatusOK {
		t.Fatalf("status %d", recorder.Code)
	}
}

func TestMetricsEndpointExposesCounters(t *testing.T) {
	server, _ := newTestServer(t)
	routes := server.Routes()

	// 触发一次请求，保证指标里有样本。
	routes.ServeHTTP(httptest.NewRecorder(),
		httptest.NewRequest(http.MethodPost, "/api/v1/relay", strings.NewReader(relayBodyJSON())))

	recorder := httptest.NewRecorder()
	routes.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if recorder.Code != http.StatusOK {
		t.Fatalf("status %d", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), "relay402_http_requests_total") {
		t.Fatal("metrics output missing request counter")
	}
}

func TestChatEndpointAbsentWhenAssistantDisabled(t *testing.T) {
	server, _ := newTestServer(t)
	routes := server.Routes()

	recorder := httptest.NewRecorder()
	routes.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/api/v1/chat", strings.NewReader("{}")))
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("status %d, want 404", recorder.Code)
	}
}
