// Package telegram implements the chat transport on the Telegram Bot API
// with long polling: inbound messages and commands route to the orchestrator,
// approval prompts render as inline approve/deny buttons.
package telegram

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	xerrors "OpenWallet-Agent/internal/errors"
	"OpenWallet-Agent/internal/transport"
	"OpenWallet-Agent/pkg/logger"
)

const (
	callbackApprovePrefix = "approve:"
	callbackDenyPrefix    = "deny:"
)

// BotClient 抽象 Telegram API 客户端，便于测试替换真实连接。
type BotClient interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
	SendChatAction(ctx context.Context, params *bot.SendChatActionParams) (bool, error)
	AnswerCallbackQuery(ctx context.Context, params *bot.AnswerCallbackQueryParams) (bool, error)
	Start(ctx context.Context)
}

type realBotClient struct {
	bot *bot.Bot
}

func (r *realBotClient) SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error) {
	return r.bot.SendMessage(ctx, params)
}

func (r *realBotClient) SendChatAction(ctx context.Context, params *bot.SendChatActionParams) (bool, error) {
	return r.bot.SendChatAction(ctx, params)
}

func (r *realBotClient) AnswerCallbackQuery(ctx context.Context, params *bot.AnswerCallbackQueryParams) (bool, error) {
	return r.bot.AnswerCallbackQuery(ctx, params)
}

func (r *realBotClient) Start(ctx context.Context) {
	r.bot.Start(ctx)
}

// Config 描述 Telegram 机器人的构造参数。
type Config struct {
	Token string
}

// Bot 实现 transport.ChatTransport，并把入站更新路由到 transport.Handler。
type Bot struct {
	client  BotClient
	handler transport.Handler
	log     *slog.Logger
}

// New 创建机器人并注册默认更新处理器。
func New(cfg Config, handler transport.Handler) (*Bot, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置 Telegram bot token")
	}
	if handler == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未提供入站处理器")
	}

	t := &Bot{handler: handler, log: logger.Named("telegram")}
	b, err := bot.New(cfg.Token, bot.WithDefaultHandler(t.handleUpdate))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "创建 Telegram 机器人失败")
	}
	t.client = &realBotClient{bot: b}
	return t, nil
}

// newWithClient 测试专用构造。
func newWithClient(client BotClient, handler transport.Handler) *Bot {
	return &Bot{client: client, handler: handler, log: logger.Named("telegram")}
}

// Run 以长轮询方式运行机器人，阻塞直到 ctx 取消。
func (t *Bot) Run(ctx context.Context) {
	t.log.Info("Telegram 机器人开始长轮询")
	t.client.Start(ctx)
	t.log.Info("Telegram 机器人已停止")
}

// SendMessage 实现 transport.ChatTransport 接口。
func (t *Bot) SendMessage(ctx context.Context, userID, text string) error {
	chatID, err := parseChatID(userID)
	if err != nil {
		return err
	}
	if _, err := t.client.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: chatID,
		Text:   text,
	}); err != nil {
		return xerrors.Wrap(xerrors.CodeUnknown, err, "发送 Telegram 消息失败")
	}
	return nil
}

// SendTyping 实现 transport.ChatTransport 接口。
func (t *Bot) SendTyping(ctx context.Context, userID string) error {
	chatID, err := parseChatID(userID)
	if err != nil {
		return err
	}
	if _, err := t.client.SendChatAction(ctx, &bot.SendChatActionParams{
		ChatID: chatID,
		Action: models.ChatActionTyping,
	}); err != nil {
		return xerrors.Wrap(xerrors.CodeUnknown, err, "发送输入指示失败")
	}
	return nil
}

// RequestApproval 实现 transport.ChatTransport 接口，提示带内联按钮。
func (t *Bot) RequestApproval(ctx context.Context, userID, prompt, invocationID string) error {
	chatID, err := parseChatID(userID)
	if err != nil {
		return err
	}
	keyboard := &models.InlineKeyboardMarkup{
		InlineKeyboard: [][]models.InlineKeyboardButton{{
			{Text: "✅ 批准", CallbackData: callbackApprovePrefix + invocationID},
			{Text: "❌ 拒绝", CallbackData: callbackDenyPrefix + invocationID},
		}},
	}
	if _, err := t.client.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:      chatID,
		Text:        prompt,
		ReplyMarkup: keyboard,
	}); err != nil {
		return xerrors.Wrap(xerrors.CodeUnknown, err, "发送审批提示失败")
	}
	return nil
}

// handleUpdate 是全部更新的入口：消息、命令与审批按钮回调。
func (t *Bot) handleUpdate(ctx context.Context, _ *bot.Bot, update *models.Update) {
	if update.CallbackQuery != nil {
		t.handleCallback(ctx, update.CallbackQuery)
		return
	}
	if update.Message == nil || update.Message.From == nil {
		return
	}

	userID := strconv.FormatInt(update.Message.Chat.ID, 10)
	text := strings.TrimSpace(update.Message.Text)
	if text == "" {
		return
	}

	switch {
	case text == "/start":
		if err := t.SendMessage(ctx, userID, "你好，我是你的链上钱包助手。直接发消息即可，/clear 清空会话，/cancel 取消进行中的任务。"); err != nil {
			t.log.Warn("发送欢迎消息失败", slog.String("user_id", userID), slog.Any("error", err))
		}
	case text == "/cancel":
		t.handler.Cancel(ctx, userID)
	case text == "/clear":
		t.handler.ClearConversation(ctx, userID)
	default:
		t.handler.HandleInboundMessage(ctx, userID, text)
	}
}

func (t *Bot) handleCallback(ctx context.Context, query *models.CallbackQuery) {
	userID := strconv.FormatInt(query.From.ID, 10)
	data := query.Data

	var invocationID string
	var approved bool
	switch {
	case strings.HasPrefix(data, callbackApprovePrefix):
		invocationID = strings.TrimPrefix(data, callbackApprovePrefix)
		approved = true
	case strings.HasPrefix(data, callbackDenyPrefix):
		invocationID = strings.TrimPrefix(data, callbackDenyPrefix)
	default:
		t.log.Warn("未知的回调数据", slog.String("data", data))
		return
	}

	// 先应答回调再路由裁决，避免客户端按钮一直转圈。
	if _, err := t.client.AnswerCallbackQuery(ctx, &bot.AnswerCallbackQueryParams{
		CallbackQueryID: query.ID,
	}); err != nil {
		t.log.Warn("应答回调失败", slog.String("user_id", userID), slog.Any("error", err))
	}

	t.handler.HandleApprovalDecision(ctx, userID, invocationID, approved)
}

func parseChatID(userID string) (int64, error) {
	chatID, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "非法的用户标识: "+userID)
	}
	return chatID, nil
}

var _ transport.ChatTransport = (*Bot)(nil)
