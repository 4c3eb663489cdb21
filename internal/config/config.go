package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Config 描述了 relayd 在启动阶段需要加载的核心配置。
type Config struct {
	Server   ServerConfig   `json:"server"`
	Chain    ChainConfig    `json:"chain"`
	Relayer  RelayerConfig  `json:"relayer"`
	Protocol ProtocolConfig `json:"protocol"`
	Replay   ReplayConfig   `json:"replay_guard"`
	Storage  StorageConfig  `json:"storage"`
	Notifier NotifierConfig `json:"notifier"`
	LLM      LLMConfig      `json:"llm"`
	Logging  LoggingConfig  `json:"logging"`
	Runtime  RuntimeConfig  `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// ChainConfig 包含访问区块链节点所需的 RPC 地址。
type ChainConfig struct {
	RPCURL       string `json:"rpc_url"`
	ChainConfig  string `json:"chain_config"`
	DefaultChain string `json:"default_chain"`
}

// RelayerConfig 描述代付方签名身份与代币合约。私钥只允许通过环境变量注入。
type RelayerConfig struct {
	PrivateKeyEnv string `json:"private_key_env"`
	TokenAddress  string `json:"token_address"`
	ChainID       int64  `json:"chain_id"`
	TokenName     string `json:"token_name"`
	TokenVersion  string `json:"token_version"`
	// DemoUserKeyEnv 配置后开启 /api/v1/auth/demo，用于开发阶段模拟前端签名。
	DemoUserKeyEnv string `json:"demo_user_key_env"`
}

// ProtocolConfig 控制 402 协商握手的参数。
type ProtocolConfig struct {
	Network            string `json:"network"`
	BaseFee            string `json:"base_fee"`
	MaxTimeoutSeconds  int64  `json:"max_timeout_seconds"`
	AllowRelaxedHeader bool   `json:"allow_relaxed_header"`
}

// ReplayConfig 描述防重放存储（已消费的付款交易哈希集合）。
type ReplayConfig struct {
	Driver string      `json:"driver"`
	Redis  RedisConfig `json:"redis"`
	DSN    string      `json:"dsn"`
}

// RedisConfig 描述 Redis 的连接参数。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Prefix   string `json:"prefix"`
}

// StorageConfig 描述结算记录的持久化后端。
type StorageConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// NotifierConfig 描述结算事件对外发布的消息队列。
type NotifierConfig struct {
	Driver   string `json:"driver"`
	URL      string `json:"url"`
	Queue    string `json:"queue"`
	Durable  bool   `json:"durable"`
	Exchange string `json:"exchange"`
}

// LLMConfig 用于配置可选的对话助手。
type LLMConfig struct {
	Provider string       `json:"provider"`
	OpenAI   OpenAIConfig `json:"openai"`
}

// OpenAIConfig 描述 OpenAI 兼容接口的调用方式。
type OpenAIConfig struct {
	APIKey         string `json:"api_key"`
	APIKeyEnv      string `json:"api_key_env"`
	BaseURL        string `json:"base_url"`
	Model          string `json:"model"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// LoggingConfig 控制日志输出与结算审计日志。
type LoggingConfig struct {
	Level       string      `json:"level"`
	Format      string      `json:"format"`
	OutputPaths []string    `json:"output_paths"`
	Audit       AuditConfig `json:"audit"`
}

// AuditConfig 控制结算审计日志的落盘与轮转。
type AuditConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Relayer.PrivateKeyEnv == "" {
		c.Relayer.PrivateKeyEnv = "RELAYER_PRIVATE_KEY"
	}
	if c.Relayer.TokenName == "" {
		c.Relayer.TokenName = "USD Coin"
	}
	if c.Relayer.TokenVersion == "" {
		c.Relayer.TokenVersion = "2"
	}

	if c.Protocol.Network == "" && c.Relayer.ChainID > 0 {
		c.Protocol.Network = fmt.Sprintf("eip155:%d", c.Relayer.ChainID)
	}
	if c.Protocol.BaseFee == "" {
		c.Protocol.BaseFee = "0.01"
	}
	if c.Protocol.MaxTimeoutSeconds <= 0 {
		c.Protocol.MaxTimeoutSeconds = 60
	}

	if c.Replay.Driver == "" {
		c.Replay.Driver = "memory"
	}
	if c.Replay.Redis.Prefix == "" {
		c.Replay.Redis.Prefix = "relayd:consumed"
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}

	if c.Notifier.Driver == "" {
		c.Notifier.Driver = "none"
	}
	if c.Notifier.Queue == "" {
		c.Notifier.Queue = "relayd.settlements"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = filepath.Join(c.Runtime.DataDir, "settlement-audit.log")
	}
}

// validate 检查关键字段是否满足启动条件。
func (c *Config) validate() error {
	if strings.TrimSpace(c.Relayer.TokenAddress) == "" {
		return errors.New("必须配置 relayer.token_address")
	}
	if c.Relayer.ChainID <= 0 {
		return errors.New("必须配置 relayer.chain_id")
	}
	if strings.TrimSpace(c.Chain.RPCURL) == "" && strings.TrimSpace(c.Chain.ChainConfig) == "" {
		return errors.New("必须配置 chain.rpc_url 或 chain.chain_config")
	}
	switch c.Replay.Driver {
	case "memory", "redis", "mysql":
	default:
		return fmt.Errorf("不支持的防重放驱动: %s", c.Replay.Driver)
	}
	switch c.Storage.Driver {
	case "memory", "mysql":
	default:
		return fmt.Errorf("不支持的结算存储驱动: %s", c.Storage.Driver)
	}
	return nil
}

// RelayerPrivateKey 从环境变量读取代付方私钥。
func (c *Config) RelayerPrivateKey() (string, error) {
	key := strings.TrimSpace(os.Getenv(c.Relayer.PrivateKeyEnv))
	if key == "" {
		return "", fmt.Errorf("环境变量 %s 未设置代付方私钥", c.Relayer.PrivateKeyEnv)
	}
	return key, nil
}

// DemoUserKey 返回可选的演示用户私钥，未配置时返回空字符串。
func (c *Config) DemoUserKey() string {
	if c.Relayer.DemoUserKeyEnv == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(c.Relayer.DemoUserKeyEnv))
}
