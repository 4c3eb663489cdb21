package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"X402-Relay/internal/agent"
	"X402-Relay/internal/api"
	"X402-Relay/internal/config"
	"X402-Relay/internal/eip3009"
	"X402-Relay/internal/llm"
	"X402-Relay/internal/llm/openai"
	"X402-Relay/internal/notify"
	"X402-Relay/internal/observability/alerting"
	"X402-Relay/internal/payment"
	"X402-Relay/internal/protocol"
	"X402-Relay/internal/relayer"
	"X402-Relay/internal/replay"
	"X402-Relay/internal/settle"
	"X402-Relay/internal/storage/mysql"
	"X402-Relay/internal/token"
	"X402-Relay/internal/web3/provider"
	"X402-Relay/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
)

// main 是 x402 中继守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("relayd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("RELAYD_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "relayd.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	// 链客户端。
	chainRegistry, err := provider.NewRegistry(ctx, cfg.Chain)
	if err != nil {
		return err
	}
	defer chainRegistry.Close()

	chainClient, err := chainRegistry.DefaultClient()
	if err != nil {
		return err
	}

	// 代付方身份与 nonce 串行化。
	privateKey, err := cfg.RelayerPrivateKey()
	if err != nil {
		return err
	}
	identity, err := relayer.NewIdentity(privateKey)
	if err != nil {
		return err
	}
	sequencer := relayer.NewSequencer(chainClient, identity, cfg.Relayer.ChainID)
	logger.L().Info("代付方身份就绪", "address", identity.Address().Hex(), "chain_id", cfg.Relayer.ChainID)

	tokenAddr := common.HexToAddress(cfg.Relayer.TokenAddress)

	// simple-transfer 路径由代付方先行垫付代币，启动时查一次余额，
	// 余额为零只告警不拒绝启动，dual-authorization 路径不受影响。
	if balance, balErr := token.BalanceOf(ctx, chainClient, tokenAddr, identity.Address()); balErr != nil {
		logger.L().Warn("查询代付方代币余额失败", "error", balErr)
	} else if balance.Sign() == 0 {
		logger.L().Warn("代付方代币余额为零，simple-transfer 结算会失败", "token", tokenAddr.Hex())
	} else {
		logger.L().Info("代付方代币余额", "token", tokenAddr.Hex(), "balance_atomic", balance.String())
	}

	codec := eip3009.NewCodec(eip3009.Domain{
		TokenName:    cfg.Relayer.TokenName,
		TokenVersion: cfg.Relayer.TokenVersion,
		ChainID:      cfg.Relayer.ChainID,
		Contract:     tokenAddr,
	})

	// 防重放存储。
	guard, err := createReplayStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = guard.Close() }()

	// 结算记录仓库。
	repo, repoCloser, err := createSettlementRepository(ctx, cfg)
	if err != nil {
		return err
	}
	if repoCloser != nil {
		defer func() { _ = repoCloser() }()
	}

	// 结算事件队列。
	notifier, err := createNotifier(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = notifier.Close() }()

	confirmTimeout := time.Duration(cfg.Protocol.MaxTimeoutSeconds) * time.Second
	executor := settle.NewExecutor(sequencer, tokenAddr, confirmTimeout)

	handler := protocol.NewHandler(
		chainClient,
		payment.NewReceiptScanVerifier(chainClient),
		payment.NewDualAuthVerifier(codec, identity.Address()),
		executor,
		guard,
		repo,
		notifier,
		tokenAddr,
		identity.Address(),
		protocol.Options{
			Network:           cfg.Protocol.Network,
			BaseFee:           cfg.Protocol.BaseFee,
			MaxTimeoutSeconds: cfg.Protocol.MaxTimeoutSeconds,
			TokenName:         cfg.Relayer.TokenName,
			TokenVersion:      cfg.Relayer.TokenVersion,
			AllowRelaxed:      cfg.Protocol.AllowRelaxedHeader,
		},
	)

	// 可选的对话助手。
	var assistant *agent.Assistant
	if llmClient, llmErr := createLLMClient(cfg); llmErr != nil {
		return llmErr
	} else if llmClient != nil {
		assistant = agent.New(llmClient, handler, cfg.Protocol.Network,
			agent.WithLLMTimeout(time.Duration(cfg.LLM.OpenAI.TimeoutSeconds)*time.Second))
	}

	// 可选的演示签名器。
	var demo *api.DemoSigner
	if demoKey := cfg.DemoUserKey(); demoKey != "" {
		demo, err = api.NewDemoSigner(codec, demoKey, chainClient, tokenAddr, identity.Address(), cfg.Protocol.BaseFee)
		if err != nil {
			return fmt.Errorf("初始化演示签名器失败: %w", err)
		}
	}

	alerts := alerting.NewFanout(&alerting.LogNotifier{})

	server := api.NewServer(cfg.Server.Address, handler, assistant, demo, repo, alerts)
	logger.L().Info("relayd 启动", "address", cfg.Server.Address, "network", cfg.Protocol.Network)

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func createReplayStore(ctx context.Context, cfg *config.Config) (replay.Store, error) {
	switch cfg.Replay.Driver {
	case "", "memory":
		return replay.NewMemoryStore(), nil
	case "redis":
		return replay.NewRedisStore(replay.RedisConfig{
			Address:  cfg.Replay.Redis.Address,
			Password: cfg.Replay.Redis.Password,
			DB:       cfg.Replay.Redis.DB,
			Prefix:   cfg.Replay.Redis.Prefix,
		})
	case "mysql":
		return replay.NewMySQLStore(ctx, cfg.Replay.DSN)
	default:
		return nil, fmt.Errorf("未知的防重放驱动: %s", cfg.Replay.Driver)
	}
}

func createSettlementRepository(ctx context.Context, cfg *config.Config) (mysql.SettlementRepository, func() error, error) {
	switch cfg.Storage.Driver {
	case "", "memory":
		repo, err := mysql.NewMemorySettlementRepository(cfg.Runtime.DataDir)
		if err != nil {
			return nil, nil, err
		}
		return repo, nil, nil
	case "mysql":
		repo, err := mysql.NewSQLSettlementRepository(ctx, cfg.Storage.DSN)
		if err != nil {
			return nil, nil, err
		}
		return repo, repo.Close, nil
	default:
		return nil, nil, mysql.ErrUnsupportedDriver
	}
}

func createNotifier(cfg *config.Config) (notify.Notifier, error) {
	switch cfg.Notifier.Driver {
	case "", "none":
		return notify.NewNoopNotifier(), nil
	case "rabbitmq":
		return notify.NewRabbitMQNotifier(notify.RabbitMQConfig{
			URL:      cfg.Notifier.URL,
			Queue:    cfg.Notifier.Queue,
			Exchange: cfg.Notifier.Exchange,
			Durable:  cfg.Notifier.Durable,
		})
	default:
		return nil, fmt.Errorf("未知的结算事件驱动: %s", cfg.Notifier.Driver)
	}
}

// createLLMClient 在配置了 provider 时返回大模型客户端，没配返回 nil。
func createLLMClient(cfg *config.Config) (llm.Client, error) {
	switch cfg.LLM.Provider {
	case "":
		return nil, nil
	case "openai":
		apiKey := strings.TrimSpace(cfg.LLM.OpenAI.APIKey)
		if apiKey == "" && cfg.LLM.OpenAI.APIKeyEnv != "" {
			apiKey = strings.TrimSpace(os.Getenv(cfg.LLM.OpenAI.APIKeyEnv))
		}
		if apiKey == "" {
			return nil, errors.New("OpenAI provider 需要配置 api_key 或 api_key_env")
		}
		return openai.NewClient(openai.Config{
			APIKey:  apiKey,
			BaseURL: cfg.LLM.OpenAI.BaseURL,
			Model:   cfg.LLM.OpenAI.Model,
			Timeout: time.Duration(cfg.LLM.OpenAI.TimeoutSeconds) * time.Second,
		})
	default:
		return nil, fmt.Errorf("未知的大模型 provider: %s", cfg.LLM.Provider)
	}
}
