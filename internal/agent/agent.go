package agent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	xerrors "X402-Relay/internal/errors"
	"X402-Relay/internal/llm"
	"X402-Relay/internal/payment"
	"X402-Relay/internal/protocol"
)

// ChatRequest 描述一轮对话。PaymentTxHash 为空表示用户还没付款，
// 本轮只会拿到 402 质询；填上后进入第二轮，工具带着付款证明重放请求。
type ChatRequest struct {
	SessionID     string `json:"session_id"`
	Message       string `json:"message"`
	UserAddress   string `json:"user_address"`
	ToAddress     string `json:"to_address"`
	Amount        string `json:"amount"`
	PaymentTxHash string `json:"payment_tx_hash,omitempty"`
}

// ChatResult 汇总大模型转述与底层协议回合的结果。
type ChatResult struct {
	Reply       string `json:"reply"`
	Thought     string `json:"thought,omitempty"`
	HTTPStatus  int    `json:"http_status"`
	Observation string `json:"observation"`
	CreatedAt   int64  `json:"created_at"`
}

// Assistant 把 402 协商包装成一次工具调用，交给大模型向用户解释。
// 协议核心不依赖它，没配大模型时 /api/v1/chat 整个不开。
type Assistant struct {
	llmClient   llm.Client
	handler     *protocol.Handler
	network     string
	memoryDepth int
	llmTimeout  time.Duration

	mu       sync.Mutex
	sessions map[string][]llm.HistoryEntry
}

// Option 定义可选的 Assistant 配置。
type Option func(*Assistant)

// defaultMemoryDepth 是大模型调用时可参考的历史轮数的默认值。
const defaultMemoryDepth = 5

// WithMemoryDepth 设置大模型调用时可参考的历史轮数。
func WithMemoryDepth(depth int) Option {
	return func(a *Assistant) {
		a.memoryDepth = depth
	}
}

// WithLLMTimeout 设置调用大模型的超时时间。
func WithLLMTimeout(timeout time.Duration) Option {
	return func(a *Assistant) {
		if timeout <= 0 {
			a.llmTimeout = 0
			return
		}
		a.llmTimeout = timeout
	}
}

// New 创建一个 Assistant。
func New(llmClient llm.Client, handler *protocol.Handler, network string, opts ...Option) *Assistant {
	as := &Assistant{
		llmClient:   llmClient,
		handler:     handler,
		network:     network,
		memoryDepth: defaultMemoryDepth,
		sessions:    make(map[string][]llm.HistoryEntry),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(as)
		}
	}
	if as.memoryDepth <= 0 {
		as.memoryDepth = defaultMemoryDepth
	}
	return as
}

// Chat 执行一轮对话：先跑中继工具，再让大模型把结果讲给用户听。
func (a *Assistant) Chat(ctx context.Context, req ChatRequest) (*ChatResult, error) {
	if a.llmClient == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置大模型客户端")
	}
	if strings.TrimSpace(req.UserAddress) == "" || strings.TrimSpace(req.ToAddress) == "" || strings.TrimSpace(req.Amount) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "user_address、to_address、amount 不能为空")
	}

	status, observation := a.invokeRelay(ctx, req)

	llmCtx := ctx
	if a.llmTimeout > 0 {
		var cancel context.CancelFunc
		llmCtx, cancel = context.WithTimeout(ctx, a.llmTimeout)
		defer cancel()
	}

	llmOutput, err := a.llmClient.Generate(llmCtx, llm.Request{
		Message:     req.Message,
		Observation: observation,
		History:     a.history(req.SessionID),
	})
	if err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "大模型推理超时")
		}
		return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "大模型推理失败")
	}

	now := time.Now().Unix()
	a.remember(req.SessionID, llm.HistoryEntry{
		Message:     req.Message,
		Reply:       llmOutput.Reply,
		Observation: observation,
		CreatedAt:   now,
	})

	return &ChatResult{
		Reply:       llmOutput.Reply,
		Thought:     llmOutput.Thought,
		HTTPStatus:  status,
		Observation: observation,
		CreatedAt:   now,
	}, nil
}

// invokeRelay 以工具身份调用协议状态机，把回合结果压成 JSON 观察值。
func (a *Assistant) invokeRelay(ctx context.Context, req ChatRequest) (int, string) {
	relayReq := protocol.RelayRequest{
		Resource:    "/api/v1/relay",
		UserAddress: req.UserAddress,
		ToAddress:   req.ToAddress,
		Amount:      req.Amount,
	}
	if txHash := strings.TrimSpace(req.PaymentTxHash); txHash != "" {
		// 哈希在工具边界先行校验，坏输入直接 400，不浪费一次协议回合。
		if _, err := payment.ParseTxHash(txHash); err != nil {
			return http.StatusBadRequest, fmt.Sprintf(`{"error": %q}`, err.Error())
		}
		header, err := buildPaymentHeader(a.network, txHash, req.UserAddress)
		if err != nil {
			return http.StatusBadRequest, fmt.Sprintf(`{"error": %q}`, err.Error())
		}
		relayReq.PaymentHeader = header
	}

	outcome := a.handler.Handle(ctx, relayReq)

	view := map[string]any{"http_status": outcome.HTTPStatus}
	if outcome.Challenge != nil {
		view["challenge"] = outcome.Challenge
	}
	if outcome.Receipt != nil {
		view["settlement"] = outcome.Receipt
	}
	if outcome.Message != "" {
		view["message"] = outcome.Message
	}
	encoded, err := json.Marshal(view)
	if err != nil {
		return outcome.HTTPStatus, fmt.Sprintf(`{"http_status": %d}`, outcome.HTTPStatus)
	}
	return outcome.HTTPStatus, string(encoded)
}

// buildPaymentHeader 组装 simple-transfer 方案的 X-PAYMENT 头。
func buildPaymentHeader(network, txHash, from string) (string, error) {
	inner, err := json.Marshal(payment.SimpleTransferProof{TxHash: txHash, From: from})
	if err != nil {
		return "", err
	}
	envelope, err := json.Marshal(payment.Payload{
		X402Version: payment.ProtocolVersion,
		Scheme:      payment.SchemeSimpleTransfer,
		Network:     network,
		Inner:       inner,
	})
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(envelope), nil
}

func (a *Assistant) history(session string) []llm.HistoryEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	entries := a.sessions[session]
	clone := make([]llm.HistoryEntry, len(entries))
	copy(clone, entries)
	return clone
}

func (a *Assistant) remember(session string, entry llm.HistoryEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	entries := append(a.sessions[session], entry)
	if len(entries) > a.memoryDepth {
		entries = entries[len(entries)-a.memoryDepth:]
	}
	a.sessions[session] = entries
}
