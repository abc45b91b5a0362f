package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config 描述 walletd 在启动阶段需要加载的核心配置。
type Config struct {
	Telegram Telegram `json:"telegram" yaml:"telegram"`
	Vault    Vault    `json:"vault" yaml:"vault"`
	Storage  Storage  `json:"storage" yaml:"storage"`
	Runtime  Runtime  `json:"runtime" yaml:"runtime"`
	Turn     Turn     `json:"turn" yaml:"turn"`
	Chains   Chains   `json:"chains" yaml:"chains"`
	Log      Log      `json:"log" yaml:"log"`
	Alerting Alerting `json:"alerting" yaml:"alerting"`
	Metrics  Metrics  `json:"metrics" yaml:"metrics"`
}

// Metrics 配置 Prometheus 指标端点，Address 为空则不启动。
type Metrics struct {
	Address string `json:"address" yaml:"address"`
}

// Telegram 描述聊天入口机器人的接入参数。
type Telegram struct {
	Token string `json:"token" yaml:"token"`
}

// Vault 控制凭据保险库的加密口令与持久化后端。
type Vault struct {
	// Passphrase 是加密钱包私钥的口令，优先从 WALLETD_PASSPHRASE 读取。
	Passphrase string `json:"passphrase" yaml:"passphrase"`
	Driver     string `json:"driver" yaml:"driver"`
	DSN        string `json:"dsn" yaml:"dsn"`
}

// Storage 描述会话历史的持久化后端。
type Storage struct {
	Conversations Conversations `json:"conversations" yaml:"conversations"`
}

// Conversations 支持 memory、mysql、redis 三种驱动。
type Conversations struct {
	Driver string `json:"driver" yaml:"driver"`
	DSN    string `json:"dsn" yaml:"dsn"`
	Redis  Redis  `json:"redis" yaml:"redis"`
}

// Redis 描述 Redis 连接参数。
type Redis struct {
	Address  string `json:"address" yaml:"address"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
}

// Runtime 配置智能体运行时。
type Runtime struct {
	Provider  string `json:"provider" yaml:"provider"`
	APIKey    string `json:"api_key" yaml:"api_key"`
	Model     string `json:"model" yaml:"model"`
	MaxTokens int    `json:"max_tokens" yaml:"max_tokens"`
	MaxTurns  int    `json:"max_turns" yaml:"max_turns"`
}

// Turn 配置回合编排器的时间与历史参数。
type Turn struct {
	InactivitySeconds      int `json:"inactivity_seconds" yaml:"inactivity_seconds"`
	WatchdogTickSeconds    int `json:"watchdog_tick_seconds" yaml:"watchdog_tick_seconds"`
	HardCeilingSeconds     int `json:"hard_ceiling_seconds" yaml:"hard_ceiling_seconds"`
	ApprovalTimeoutSeconds int `json:"approval_timeout_seconds" yaml:"approval_timeout_seconds"`
	HistoryLimit           int `json:"history_limit" yaml:"history_limit"`
	HistoryMaxChars        int `json:"history_max_chars" yaml:"history_max_chars"`
}

// Chains 包含访问区块链节点所需的 RPC 地址。
type Chains struct {
	EVM EVM `json:"evm" yaml:"evm"`
}

// EVM 描述 EVM 兼容链的接入参数。
type EVM struct {
	RPCURL  string `json:"rpc_url" yaml:"rpc_url"`
	ChainID int64  `json:"chain_id" yaml:"chain_id"`
}

// Log 描述日志输出行为。
type Log struct {
	Level       string   `json:"level" yaml:"level"`
	Format      string   `json:"format" yaml:"format"`
	OutputPaths []string `json:"output_paths" yaml:"output_paths"`
	Audit       Audit    `json:"audit" yaml:"audit"`
}

// Audit 控制审计日志文件。
type Audit struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	Path       string `json:"path" yaml:"path"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days"`
}

// Alerting 描述告警通知渠道。
type Alerting struct {
	AMQP AMQP `json:"amqp" yaml:"amqp"`
}

// AMQP 描述 RabbitMQ 告警发布参数。
type AMQP struct {
	URL      string `json:"url" yaml:"url"`
	Exchange string `json:"exchange" yaml:"exchange"`
}

// Load 解析指定路径的 JSON 或 YAML 配置文件，并应用环境变量覆盖。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("解析 YAML 配置失败: %w", err)
		}
	default:
		if err := json.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("解析 JSON 配置失败: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()

	return &cfg, nil
}

// applyEnvOverrides 允许通过环境变量注入敏感配置，避免写入文件。
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("WALLETD_PASSPHRASE"); v != "" {
		c.Vault.Passphrase = v
	}
	if v := os.Getenv("WALLETD_TELEGRAM_TOKEN"); v != "" {
		c.Telegram.Token = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		c.Runtime.APIKey = v
	}
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults() {
	if c.Vault.Driver == "" {
		c.Vault.Driver = "memory"
	}
	if c.Storage.Conversations.Driver == "" {
		c.Storage.Conversations.Driver = "memory"
	}
	if c.Runtime.Provider == "" {
		c.Runtime.Provider = "claude"
	}
	if c.Runtime.MaxTokens <= 0 {
		c.Runtime.MaxTokens = 4096
	}
	if c.Runtime.MaxTurns <= 0 {
		c.Runtime.MaxTurns = 12
	}
	if c.Turn.InactivitySeconds <= 0 {
		c.Turn.InactivitySeconds = 30
	}
	if c.Turn.WatchdogTickSeconds <= 0 {
		c.Turn.WatchdogTickSeconds = 5
	}
	if c.Turn.HardCeilingSeconds <= 0 {
		c.Turn.HardCeilingSeconds = 300
	}
	if c.Turn.ApprovalTimeoutSeconds <= 0 {
		c.Turn.ApprovalTimeoutSeconds = 300
	}
	if c.Turn.HistoryLimit <= 0 {
		c.Turn.HistoryLimit = 50
	}
	if c.Turn.HistoryMaxChars <= 0 {
		c.Turn.HistoryMaxChars = 30000
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate 检查启动必需的配置项。保险库口令缺失属于致命错误。
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Vault.Passphrase) == "" {
		return errors.New("未配置保险库口令（WALLETD_PASSPHRASE）")
	}
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return errors.New("未配置 Telegram Bot Token")
	}
	if strings.TrimSpace(c.Runtime.APIKey) == "" {
		return errors.New("未配置智能体运行时 API Key")
	}
	return nil
}
