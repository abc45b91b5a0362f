package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"OpenWallet-Agent/internal/approval"
	"OpenWallet-Agent/internal/chains/evm"
	"OpenWallet-Agent/internal/config"
	"OpenWallet-Agent/internal/conversation"
	"OpenWallet-Agent/internal/observability/alerting"
	"OpenWallet-Agent/internal/observability/metrics"
	"OpenWallet-Agent/internal/runtime"
	"OpenWallet-Agent/internal/runtime/claude"
	"OpenWallet-Agent/internal/session"
	"OpenWallet-Agent/internal/storage/mysql"
	"OpenWallet-Agent/internal/tools"
	"OpenWallet-Agent/internal/transport"
	"OpenWallet-Agent/internal/transport/telegram"
	"OpenWallet-Agent/internal/turn"
	"OpenWallet-Agent/internal/vault"
	"OpenWallet-Agent/pkg/logger"
)

// main 是钱包智能体守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("walletd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("WALLETD_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "walletd.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	// 口令缺失必须在进程接收任何消息之前失败。
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		OutputPaths: cfg.Log.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Log.Audit.Enabled,
			Path:       cfg.Log.Audit.Path,
			MaxSizeMB:  cfg.Log.Audit.MaxSizeMB,
			MaxBackups: cfg.Log.Audit.MaxBackups,
			MaxAgeDays: cfg.Log.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()

	credentialStore, err := createCredentialStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer credentialStore.Close()

	conversationStore, err := createConversationStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer conversationStore.Close()

	credentialVault, err := vault.New(cfg.Vault.Passphrase, credentialStore)
	if err != nil {
		return err
	}

	sessions := session.NewRegistry(credentialVault, conversationStore,
		session.WithHistoryLimit(cfg.Turn.HistoryLimit),
		session.WithHistoryMaxChars(cfg.Turn.HistoryMaxChars),
	)
	broker := approval.NewBroker(
		approval.WithExpiry(time.Duration(cfg.Turn.ApprovalTimeoutSeconds) * time.Second),
	)

	chainClient, err := evm.NewClient(ctx, evm.Config{
		RPCURL:  cfg.Chains.EVM.RPCURL,
		ChainID: cfg.Chains.EVM.ChainID,
	})
	if err != nil {
		return err
	}
	defer chainClient.Close()

	registry := tools.NewRegistry()
	if err := tools.RegisterWalletTools(registry, chainClient); err != nil {
		return err
	}

	agentRuntime, err := createRuntime(cfg)
	if err != nil {
		return err
	}

	dispatcher, err := createAlertDispatcher(cfg)
	if err != nil {
		return err
	}

	// 编排器依赖传输层发消息，传输层依赖编排器路由入站更新，
	// 用代理打破构造顺序上的环。长轮询在 Run 之后才开始收消息。
	proxy := &handlerProxy{}
	bot, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token}, proxy)
	if err != nil {
		return err
	}

	orchestrator := turn.NewOrchestrator(sessions, broker, agentRuntime, bot, registry,
		turn.WithInactivityTimeout(time.Duration(cfg.Turn.InactivitySeconds)*time.Second),
		turn.WithWatchdogTick(time.Duration(cfg.Turn.WatchdogTickSeconds)*time.Second),
		turn.WithHardCeiling(time.Duration(cfg.Turn.HardCeilingSeconds)*time.Second),
		turn.WithAlerts(dispatcher),
	)
	proxy.Handler = orchestrator

	if cfg.Metrics.Address != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Metrics.Address); err != nil && !errors.Is(err, context.Canceled) {
				logger.L().Warn("指标服务退出: " + err.Error())
			}
		}()
	}

	logger.L().Info("walletd 已启动")
	bot.Run(ctx)
	logger.L().Info("walletd 正在退出")
	return nil
}

func createCredentialStore(ctx context.Context, cfg *config.Config) (vault.Store, error) {
	switch cfg.Vault.Driver {
	case "", "memory":
		return vault.NewMemoryStore(), nil
	case "mysql":
		return mysql.NewCredentialStore(ctx, mysql.Config{DSN: cfg.Vault.DSN})
	default:
		return nil, fmt.Errorf("未知的凭据存储驱动: %s", cfg.Vault.Driver)
	}
}

func createConversationStore(ctx context.Context, cfg *config.Config) (conversation.Store, error) {
	switch cfg.Storage.Conversations.Driver {
	case "", "memory":
		return conversation.NewMemoryStore(), nil
	case "mysql":
		return mysql.NewConversationStore(ctx, mysql.Config{DSN: cfg.Storage.Conversations.DSN})
	case "redis":
		return conversation.NewRedisStore(conversation.RedisConfig{
			Address:  cfg.Storage.Conversations.Redis.Address,
			Password: cfg.Storage.Conversations.Redis.Password,
			DB:       cfg.Storage.Conversations.Redis.DB,
		})
	default:
		return nil, fmt.Errorf("未知的会话存储驱动: %s", cfg.Storage.Conversations.Driver)
	}
}

func createRuntime(cfg *config.Config) (runtime.Runtime, error) {
	switch cfg.Runtime.Provider {
	case "", "claude":
		return claude.New(claude.Config{
			APIKey:    cfg.Runtime.APIKey,
			Model:     cfg.Runtime.Model,
			MaxTokens: int64(cfg.Runtime.MaxTokens),
			MaxTurns:  cfg.Runtime.MaxTurns,
		})
	default:
		return nil, fmt.Errorf("未知的运行时提供方: %s", cfg.Runtime.Provider)
	}
}

// handlerProxy 在编排器构造完成前占位，之后把入站动作原样转发。
type handlerProxy struct {
	Handler transport.Handler
}

func (p *handlerProxy) HandleInboundMessage(ctx context.Context, userID, text string) {
	if p.Handler != nil {
		p.Handler.HandleInboundMessage(ctx, userID, text)
	}
}

func (p *handlerProxy) HandleApprovalDecision(ctx context.Context, userID, invocationID string, approved bool) {
	if p.Handler != nil {
		p.Handler.HandleApprovalDecision(ctx, userID, invocationID, approved)
	}
}

func (p *handlerProxy) ClearConversation(ctx context.Context, userID string) {
	if p.Handler != nil {
		p.Handler.ClearConversation(ctx, userID)
	}
}

func (p *handlerProxy) Cancel(ctx context.Context, userID string) {
	if p.Handler != nil {
		p.Handler.Cancel(ctx, userID)
	}
}

var _ transport.Handler = (*handlerProxy)(nil)

func createAlertDispatcher(cfg *config.Config) (alerting.Dispatcher, error) {
	notifiers := []alerting.Notifier{&alerting.LogNotifier{}}
	if cfg.Alerting.AMQP.URL != "" {
		amqpNotifier, err := alerting.NewAMQPNotifier(cfg.Alerting.AMQP.URL, cfg.Alerting.AMQP.Exchange)
		if err != nil {
			// 告警通道不可达不阻止进程启动，降级为日志渠道。
			logger.L().Warn("AMQP 告警通道初始化失败，仅保留日志渠道")
			if !errors.Is(err, context.Canceled) {
				logger.L().Warn(err.Error())
			}
			return alerting.NewFanout(notifiers...), nil
		}
		notifiers = append(notifiers, amqpNotifier)
	}
	return alerting.NewFanout(notifiers...), nil
}
