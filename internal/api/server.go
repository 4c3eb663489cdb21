package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"X402-Relay/internal/agent"
	xerrors "X402-Relay/internal/errors"
	"X402-Relay/internal/observability/alerting"
	"X402-Relay/internal/observability/metrics"
	"X402-Relay/internal/payment"
	"X402-Relay/internal/protocol"
	"X402-Relay/internal/storage/mysql"
	"X402-Relay/pkg/logger"
)

// Server 负责暴露 REST 接口。/api/v1/relay 是 402 保护的核心资源，
// 其余端点是运维与开发配套。
type Server struct {
	addr      string
	relay     *protocol.Handler
	assistant *agent.Assistant
	demo      *DemoSigner
	repo      mysql.SettlementRepository
	alerts    alerting.Dispatcher
}

// NewServer 构造 API 服务实例。assistant、demo、repo、alerts 都允许为
// nil，对应端点或行为关闭。
func NewServer(addr string, relay *protocol.Handler, assistant *agent.Assistant, demo *DemoSigner, repo mysql.SettlementRepository, alerts alerting.Dispatcher) *Server {
	return &Server{
		addr:      addr,
		relay:     relay,
		assistant: assistant,
		demo:      demo,
		repo:      repo,
		alerts:    alerts,
	}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Routes()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Routes 注册全部端点，独立出来方便 httptest 直接挂载。
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/relay", s.instrument("relay", s.handleRelay))
	mux.HandleFunc("/api/v1/settlements", s.instrument("settlements", s.handleListSettlements))
	if s.demo != nil {
		mux.HandleFunc("/api/v1/auth/demo", s.instrument("auth_demo", s.handleAuthDemo))
	}
	if s.assistant != nil {
		mux.HandleFunc("/api/v1/chat", s.instrument("chat", s.handleChat))
	}
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// relayBody 是受保护资源的请求体，金额为人类可读单位。
type relayBody struct {
	UserAddress string `json:"user_address"`
	ToAddress   string `json:"to_address"`
	Amount      string `json:"amount"`
}

// relayResponse 是结算成功（或 partial）时的业务响应体。
type relayResponse struct {
	OK         bool                       `json:"ok"`
	Message    string                     `json:"message"`
	Settlement *payment.SettlementReceipt `json:"settlement,omitempty"`
}

// handleRelay 实现 402 协商的 HTTP 表面：挑战、验证与结算全部由
// protocol.Handler 决定，这里只做编解码与状态码落地。
func (s *Server) handleRelay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.relay == nil {
		http.Error(w, "中继服务未初始化", http.StatusServiceUnavailable)
		return
	}

	var body relayBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}

	outcome := s.relay.Handle(r.Context(), protocol.RelayRequest{
		Resource:      r.URL.Path,
		UserAddress:   body.UserAddress,
		ToAddress:     body.ToAddress,
		Amount:        body.Amount,
		PaymentHeader: r.Header.Get(payment.HeaderName),
	})
	s.observeOutcome(r.Context(), body, outcome)

	w.Header().Set("Content-Type", "application/json")
	if outcome.EncodedReceipt != "" {
		w.Header().Set(payment.ResponseHeaderName, outcome.EncodedReceipt)
	}

	switch {
	case outcome.Challenge != nil:
		w.WriteHeader(outcome.HTTPStatus)
		_ = json.NewEncoder(w).Encode(outcome.Challenge)
	case outcome.HTTPStatus == http.StatusOK:
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(relayResponse{
			OK:         true,
			Message:    outcome.Message,
			Settlement: outcome.Receipt,
		})
	default:
		w.WriteHeader(outcome.HTTPStatus)
		_ = json.NewEncoder(w).Encode(relayResponse{
			OK:         false,
			Message:    outcome.Message,
			Settlement: outcome.Receipt,
		})
	}
}

// observeOutcome 把回合结果折算成指标与告警，不影响响应本身。
func (s *Server) observeOutcome(ctx context.Context, body relayBody, outcome *protocol.Outcome) {
	if outcome.Receipt != nil {
		metrics.ObserveSettlement(string(outcome.Receipt.Scheme), outcome.Receipt.Status)
	}
	if xerrors.CodeOf(outcome.Err) == xerrors.CodeReplayDetected {
		metrics.ObserveReplayRejection()
	}
	if s.alerts == nil || outcome.Err == nil {
		return
	}
	reference := ""
	scheme := ""
	if outcome.Receipt != nil {
		scheme = string(outcome.Receipt.Scheme)
		reference = outcome.Receipt.RelayTxHash
		if reference == "" {
			reference = outcome.Receipt.PaidTxHash
		}
	}
	if event, ok := alerting.FromError(outcome.Err, scheme, body.UserAddress, reference); ok {
		if err := s.alerts.Notify(ctx, event); err != nil {
			logger.Named("api").Warn("告警发送失败", "error", err)
		}
	}
}

// handleListSettlements 返回最近的结算记录，供人工对账。
func (s *Server) handleListSettlements(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.repo == nil {
		http.Error(w, "结算仓库未配置", http.StatusServiceUnavailable)
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	records, err := s.repo.ListLatest(r.Context(), limit)
	if err != nil {
		http.Error(w, "查询结算记录失败", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(records)
}

// handleChat 暴露对话式中继助手。
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}

	var req agent.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}

	result, err := s.assistant.Chat(r.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		if xerrors.CodeOf(err) == xerrors.CodeInvalidArgument {
			status = http.StatusBadRequest
		}
		http.Error(w, err.Error(), status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(result)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// instrument 记录每个端点的请求量与耗时。
func (s *Server) instrument(name string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(start))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
