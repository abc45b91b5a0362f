package turn

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"OpenWallet-Agent/internal/approval"
	"OpenWallet-Agent/internal/conversation"
	xerrors "OpenWallet-Agent/internal/errors"
	"OpenWallet-Agent/internal/observability/alerting"
	"OpenWallet-Agent/internal/observability/metrics"
	"OpenWallet-Agent/internal/runtime"
	"OpenWallet-Agent/internal/session"
	"OpenWallet-Agent/internal/tools"
	"OpenWallet-Agent/internal/transport"
	"OpenWallet-Agent/pkg/logger"
)

const (
	CodeBusy           xerrors.Code = "TURN_BUSY"
	CodeStalled        xerrors.Code = "TURN_STALLED"
	CodeHardTimeout    xerrors.Code = "TURN_TIMEOUT"
	CodeRuntimeFailure xerrors.Code = "TURN_RUNTIME_FAILURE"
)

func init() {
	xerrors.Register(CodeBusy, xerrors.Attributes{
		Message:  "a turn is already running for this user",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeStalled, xerrors.Attributes{
		Message:   "turn stalled without runtime activity",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
	xerrors.Register(CodeHardTimeout, xerrors.Attributes{
		Message:  "turn exceeded the hard time ceiling",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeRuntimeFailure, xerrors.Attributes{
		Message:   "agent runtime failure",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
}

const (
	defaultInactivityTimeout = 30 * time.Second
	defaultWatchdogTick      = 5 * time.Second
	defaultHardCeiling       = 5 * time.Minute
)

// urlPattern 匹配待隐去的链接，运行时报错可能内嵌带密钥的 RPC 地址。
var urlPattern = regexp.MustCompile(`https?://\S+`)

// activeTurn 是单个用户进行中回合的标记，同一用户同一时刻至多一个。
type activeTurn struct {
	startedAt time.Time
	cancel    context.CancelFunc

	mu            sync.Mutex
	lastToolLabel string
}

func (t *activeTurn) setLabel(label string) {
	t.mu.Lock()
	t.lastToolLabel = label
	t.mu.Unlock()
}

func (t *activeTurn) label() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastToolLabel
}

// Orchestrator 编排用户回合的完整生命周期。
type Orchestrator struct {
	sessions *session.Registry
	broker   *approval.Broker
	agent    runtime.Runtime
	chat     transport.ChatTransport
	tools    *tools.Registry
	alerts   alerting.Dispatcher
	log      *slog.Logger

	inactivity  time.Duration
	tick        time.Duration
	hardCeiling time.Duration

	mu     sync.Mutex
	active map[string]*activeTurn
}

// Option 定义可选的编排器配置。
type Option func(*Orchestrator)

// WithInactivityTimeout 设置无活动判定时限。
func WithInactivityTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.inactivity = d
		}
	}
}

// WithWatchdogTick 设置看门狗轮询间隔。
func WithWatchdogTick(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.tick = d
		}
	}
}

// WithHardCeiling 设置回合的绝对时限。
func WithHardCeiling(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.hardCeiling = d
		}
	}
}

// WithAlerts 设置告警分发器。
func WithAlerts(dispatcher alerting.Dispatcher) Option {
	return func(o *Orchestrator) {
		o.alerts = dispatcher
	}
}

// NewOrchestrator 构造编排器。
func NewOrchestrator(sessions *session.Registry, broker *approval.Broker, agent runtime.Runtime, chat transport.ChatTransport, registry *tools.Registry, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		sessions:    sessions,
		broker:      broker,
		agent:       agent,
		chat:        chat,
		tools:       registry,
		log:         logger.Named("turn"),
		inactivity:  defaultInactivityTimeout,
		tick:        defaultWatchdogTick,
		hardCeiling: defaultHardCeiling,
		active:      make(map[string]*activeTurn),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// HandleInboundMessage 实现 transport.Handler 接口。同一用户已有进行中
// 回合时拒绝并提示，否则登记标记并异步执行回合。
func (o *Orchestrator) HandleInboundMessage(_ context.Context, userID, text string) {
	text = strings.TrimSpace(text)
	if userID == "" || text == "" {
		return
	}

	o.mu.Lock()
	if existing, ok := o.active[userID]; ok {
		o.mu.Unlock()
		elapsed := int(time.Since(existing.startedAt).Seconds())
		busy := fmt.Sprintf("上一个任务还在进行中（已运行 %d 秒）", elapsed)
		if label := existing.label(); label != "" {
			busy += fmt.Sprintf("，当前正在%s", label)
		}
		busy += "。请稍候，或发送 /cancel 取消。"
		o.send(context.Background(), userID, busy)
		return
	}

	// 回合生命周期独立于入站更新的上下文。
	turnCtx, cancel := context.WithCancel(context.Background())
	marker := &activeTurn{startedAt: time.Now(), cancel: cancel}
	o.active[userID] = marker
	o.mu.Unlock()

	go o.runTurn(turnCtx, marker, userID, text)
}

// HandleApprovalDecision 实现 transport.Handler 接口。
func (o *Orchestrator) HandleApprovalDecision(ctx context.Context, userID, invocationID string, approved bool) {
	if !o.broker.Resolve(userID, invocationID, approved) {
		o.send(ctx, userID, "该审批已失效或已被处理。")
		return
	}
	if approved {
		o.send(ctx, userID, "已批准，继续执行。")
	} else {
		o.send(ctx, userID, "已拒绝该操作。")
	}
}

// ClearConversation 实现 transport.Handler 接口。
func (o *Orchestrator) ClearConversation(ctx context.Context, userID string) {
	if err := o.sessions.ClearHistory(ctx, userID); err != nil {
		o.log.Error("清空会话历史失败", slog.String("user_id", userID), slog.Any("error", err))
		o.send(ctx, userID, "清空会话历史失败，请稍后重试。")
		return
	}
	o.send(ctx, userID, "会话历史已清空。")
}

// Cancel 实现 transport.Handler 接口。立即清除回合标记与挂起审批，
// 并取消回合上下文，让运行时流尽快停止。
func (o *Orchestrator) Cancel(ctx context.Context, userID string) {
	o.mu.Lock()
	marker, ok := o.active[userID]
	if ok {
		delete(o.active, userID)
	}
	o.mu.Unlock()

	if !ok {
		o.send(ctx, userID, "当前没有进行中的任务。")
		return
	}

	o.broker.Cancel(userID)
	marker.cancel()
	logger.Audit().Info("回合被用户取消", slog.String("user_id", userID))
	o.send(ctx, userID, "已取消当前任务。")
}

// runTurn 执行一个完整回合。标记与挂起审批在所有退出路径上都被清理。
func (o *Orchestrator) runTurn(ctx context.Context, marker *activeTurn, userID, text string) {
	defer func() {
		o.clearMarker(userID, marker)
		o.broker.Cancel(userID)
		marker.cancel()
	}()

	s, err := o.sessions.GetOrCreate(ctx, userID)
	if err != nil {
		o.log.Error("会话初始化失败", slog.String("user_id", userID), slog.Any("error", err))
		o.dispatchAlert(ctx, userID, err)
		o.send(ctx, userID, "钱包会话初始化失败，请稍后重试。")
		return
	}

	history, err := o.sessions.History(ctx, userID)
	if err != nil {
		o.send(ctx, userID, "加载会话历史失败，请稍后重试。")
		return
	}
	userMsg := conversation.Message{
		Role:      conversation.RoleUser,
		Content:   text,
		CreatedAt: time.Now().Unix(),
	}

	req := runtime.Request{
		UserID:      userID,
		History:     append(history, userMsg),
		Credentials: s.Credentials,
		Tools:       o.tools,
		Approve:     o.approvalFunc(userID),
	}

	o.typing(ctx, userID)
	events, err := o.agent.Run(ctx, req)
	if err != nil {
		o.finishFailure(ctx, userID, xerrors.Wrap(CodeRuntimeFailure, err, "启动运行时失败"))
		return
	}

	o.consume(ctx, marker, userID, userMsg, events)
}

// consume 让三个完成信号互相竞争：事件流终止、无活动看门狗、绝对时限。
func (o *Orchestrator) consume(ctx context.Context, marker *activeTurn, userID string, userMsg conversation.Message, events <-chan runtime.Event) {
	ticker := time.NewTicker(o.tick)
	defer ticker.Stop()
	ceiling := time.NewTimer(o.hardCeiling)
	defer ceiling.Stop()

	lastActivity := time.Now()
	var paragraphs []string
	var buf strings.Builder

	flush := func() {
		if buf.Len() > 0 {
			paragraphs = append(paragraphs, buf.String())
			buf.Reset()
		}
	}

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				// 事件流未以终态收尾就关闭，说明回合被取消。
				metrics.ObserveTurn("canceled", time.Since(marker.startedAt))
				return
			}
			lastActivity = time.Now()
			switch ev.Kind {
			case runtime.EventText:
				buf.WriteString(ev.Text)
			case runtime.EventMessageStop:
				flush()
			case runtime.EventToolUse:
				marker.setLabel(ev.Tool.Label)
				o.send(ctx, userID, fmt.Sprintf("🔧 正在%s……", ev.Tool.Label))
			case runtime.EventDone:
				flush()
				metrics.ObserveTurn("success", time.Since(marker.startedAt))
				o.finishSuccess(ctx, userID, userMsg, strings.Join(paragraphs, "\n\n"))
				return
			case runtime.EventError:
				metrics.ObserveTurn("failure", time.Since(marker.startedAt))
				o.finishFailure(ctx, userID, xerrors.Wrap(CodeRuntimeFailure, ev.Err, ""))
				return
			}

		case <-ticker.C:
			o.typing(ctx, userID)
			// 审批等待由用户节奏决定，不算挂起。
			if o.broker.Pending(userID) {
				lastActivity = time.Now()
				continue
			}
			if idle := time.Since(lastActivity); idle >= o.inactivity {
				marker.cancel()
				label := marker.label()
				if label == "" {
					label = "未知操作"
				}
				metrics.ObserveTurn("stalled", time.Since(marker.startedAt))
				o.finishFailure(ctx, userID, xerrors.New(CodeStalled,
					fmt.Sprintf("%s已无响应 %d 秒", label, int(idle.Seconds()))))
				return
			}

		case <-ceiling.C:
			marker.cancel()
			metrics.ObserveTurn("timeout", time.Since(marker.startedAt))
			o.finishFailure(ctx, userID, xerrors.New(CodeHardTimeout,
				fmt.Sprintf("回合超过 %d 分钟上限", int(o.hardCeiling.Minutes()))))
			return
		}
	}
}

// approvalFunc 返回绑定到审批代理的回调。超时视为拒绝，回合继续，
// 由运行时把拒绝结果回传给模型。
func (o *Orchestrator) approvalFunc(userID string) runtime.ApprovalFunc {
	return func(ctx context.Context, inv runtime.ToolInvocation) (bool, error) {
		handle, err := o.broker.Request(userID, inv.ID)
		if err != nil {
			return false, err
		}

		prompt := fmt.Sprintf("⚠️ 智能体请求执行资金操作：%s。\n请确认是否批准。", inv.Label)
		if err := o.chat.RequestApproval(ctx, userID, prompt, inv.ID); err != nil {
			o.broker.Resolve(userID, inv.ID, false)
			<-handle.Done()
			return false, err
		}

		select {
		case decision := <-handle.Done():
			metrics.ObserveApproval(decision.String())
			if decision == approval.DecisionExpired {
				o.send(ctx, userID, "审批等待超时，该操作已被自动拒绝。")
			}
			return decision.Approved(), nil
		case <-ctx.Done():
			o.broker.Cancel(userID)
			return false, ctx.Err()
		}
	}
}

func (o *Orchestrator) finishSuccess(ctx context.Context, userID string, userMsg conversation.Message, text string) {
	// 终态处理不受回合取消影响。
	ctx = context.WithoutCancel(ctx)
	text = strings.TrimSpace(text)
	if text == "" {
		o.send(ctx, userID, "本轮没有产生任何回复。")
		return
	}

	// 先落用户消息再落助手回复，保持日志的对话顺序。
	if err := o.sessions.AddToHistory(ctx, userID, userMsg); err != nil {
		o.log.Error("持久化用户消息失败", slog.String("user_id", userID), slog.Any("error", err))
	} else if err := o.sessions.AddToHistory(ctx, userID, conversation.Message{
		Role:      conversation.RoleAssistant,
		Content:   text,
		CreatedAt: time.Now().Unix(),
	}); err != nil {
		o.log.Error("持久化助手回复失败", slog.String("user_id", userID), slog.Any("error", err))
	}

	logger.Audit().Info("回合完成",
		slog.String("user_id", userID),
		slog.Int("response_chars", len([]rune(text))),
	)
	o.send(ctx, userID, text)
}

func (o *Orchestrator) finishFailure(ctx context.Context, userID string, err error) {
	ctx = context.WithoutCancel(ctx)
	o.log.Warn("回合失败",
		slog.String("user_id", userID),
		slog.String("code", string(xerrors.CodeOf(err))),
		slog.Any("error", err),
	)
	logger.Audit().Info("回合失败",
		slog.String("user_id", userID),
		slog.String("code", string(xerrors.CodeOf(err))),
	)
	o.dispatchAlert(ctx, userID, err)
	o.send(ctx, userID, userFacingMessage(err))
}

func (o *Orchestrator) dispatchAlert(ctx context.Context, userID string, err error) {
	if o.alerts == nil || !xerrors.ShouldAlert(err) {
		return
	}
	if alertErr := o.alerts.Notify(ctx, alerting.FromError(userID, err)); alertErr != nil {
		o.log.Error("发送告警失败", slog.Any("error", alertErr))
	}
}

// userFacingMessage 按错误分类生成给用户看的文案，运行时错误隐去链接，
// 可重试的错误附带重试提示。
func userFacingMessage(err error) string {
	switch xerrors.CodeOf(err) {
	case CodeStalled:
		return fmt.Sprintf("任务似乎卡住了（%s），已终止。请重试。", redactURLs(err.Error()))
	case CodeHardTimeout:
		return "任务运行时间过长，已终止。请把请求拆成更小的步骤再试。"
	default:
		msg := fmt.Sprintf("执行出错：%s。", redactURLs(err.Error()))
		if xerrors.RetryableError(err) {
			msg += "请稍后重试。"
		}
		return msg
	}
}

func redactURLs(s string) string {
	return urlPattern.ReplaceAllString(s, "[链接已隐去]")
}

func (o *Orchestrator) clearMarker(userID string, marker *activeTurn) {
	o.mu.Lock()
	if o.active[userID] == marker {
		delete(o.active, userID)
	}
	o.mu.Unlock()
}

func (o *Orchestrator) send(ctx context.Context, userID, text string) {
	if err := o.chat.SendMessage(ctx, userID, text); err != nil {
		o.log.Warn("发送消息失败", slog.String("user_id", userID), slog.Any("error", err))
	}
}

func (o *Orchestrator) typing(ctx context.Context, userID string) {
	if err := o.chat.SendTyping(ctx, userID); err != nil {
		o.log.Debug("发送输入指示失败", slog.String("user_id", userID), slog.Any("error", err))
	}
}

var _ transport.Handler = (*Orchestrator)(nil)
