package approval

import (
	"log/slog"
	"sync"
	"time"

	xerrors "OpenWallet-Agent/internal/errors"
	"OpenWallet-Agent/pkg/logger"
)

// defaultExpiry 是审批等待的默认时限，超时按拒绝处理。
const defaultExpiry = 5 * time.Minute

// Decision 表示一次审批的最终结果。
type Decision int

const (
	// DecisionDenied 拒绝执行，包括超时兜底。
	DecisionDenied Decision = iota
	// DecisionApproved 批准执行。
	DecisionApproved
	// DecisionExpired 等待超时，语义上等同拒绝，但单独标记便于提示用户。
	DecisionExpired
)

// Approved 报告该结果是否允许工具继续执行。
func (d Decision) Approved() bool { return d == DecisionApproved }

// String 返回结果的可读名称。
func (d Decision) String() string {
	switch d {
	case DecisionApproved:
		return "approved"
	case DecisionExpired:
		return "expired"
	default:
		return "denied"
	}
}

// Handle 是一次挂起审批的等待句柄。Done 返回的通道恰好收到一次结果。
type Handle struct {
	UserID       string
	InvocationID string

	once   sync.Once
	result chan Decision
	timer  *time.Timer
}

// Done 返回结果通道。
func (h *Handle) Done() <-chan Decision { return h.result }

// resolve 只允许首个调用者生效，并保证定时器一定被释放。
func (h *Handle) resolve(d Decision) bool {
	fired := false
	h.once.Do(func() {
		if h.timer != nil {
			h.timer.Stop()
		}
		h.result <- d
		fired = true
	})
	return fired
}

// Broker 维护全部挂起审批，按（用户，调用）二级键登记。顺序执行的
// 工具循环下同一用户同一时刻只会有一条，但键模型不依赖这个约束。
type Broker struct {
	expiry time.Duration
	log    *slog.Logger

	mu      sync.Mutex
	pending map[string]map[string]*Handle
}

// Option 定义可选的 Broker 配置。
type Option func(*Broker)

// WithExpiry 设置审批等待时限。
func WithExpiry(expiry time.Duration) Option {
	return func(b *Broker) {
		if expiry > 0 {
			b.expiry = expiry
		}
	}
}

// NewBroker 构造 Broker。
func NewBroker(opts ...Option) *Broker {
	b := &Broker{
		expiry:  defaultExpiry,
		log:     logger.Named("approval"),
		pending: make(map[string]map[string]*Handle),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Request 登记一条挂起审批并启动超时定时器。同一（用户，调用）已在
// 等待时返回冲突错误，不同调用互不影响。
func (b *Broker) Request(userID, invocationID string) (*Handle, error) {
	if userID == "" || invocationID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "审批请求缺少用户或调用标识")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.pending[userID][invocationID]; exists {
		return nil, xerrors.New(xerrors.CodeConflict, "该调用已有等待中的审批")
	}

	h := &Handle{
		UserID:       userID,
		InvocationID: invocationID,
		result:       make(chan Decision, 1),
	}
	h.timer = time.AfterFunc(b.expiry, func() {
		b.expire(h)
	})
	if b.pending[userID] == nil {
		b.pending[userID] = make(map[string]*Handle)
	}
	b.pending[userID][invocationID] = h

	b.log.Info("审批等待中",
		slog.String("user_id", userID),
		slog.String("invocation_id", invocationID),
		slog.Duration("expiry", b.expiry),
	)
	return h, nil
}

// Resolve 裁决指定的挂起审批。返回 false 表示没有等待中的审批、
// 调用标识不匹配，或该审批已被裁决过，此时本次操作不产生任何效果。
func (b *Broker) Resolve(userID, invocationID string, approved bool) bool {
	b.mu.Lock()
	h, ok := b.pending[userID][invocationID]
	if !ok {
		b.mu.Unlock()
		return false
	}
	b.remove(userID, invocationID)
	b.mu.Unlock()

	decision := DecisionDenied
	if approved {
		decision = DecisionApproved
	}
	fired := h.resolve(decision)
	if fired {
		logger.Audit().Info("审批已裁决",
			slog.String("user_id", userID),
			slog.String("invocation_id", invocationID),
			slog.String("decision", decision.String()),
		)
	}
	return fired
}

// Pending 报告指定用户当前是否有等待中的审批。
func (b *Broker) Pending(userID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending[userID]) > 0
}

// Cancel 撤销指定用户的全部挂起审批，按拒绝处理。回合被取消或超限
// 终止时由编排器调用，避免审批悬挂到超时。
func (b *Broker) Cancel(userID string) {
	b.mu.Lock()
	handles := make([]*Handle, 0, len(b.pending[userID]))
	for _, h := range b.pending[userID] {
		handles = append(handles, h)
	}
	delete(b.pending, userID)
	b.mu.Unlock()

	for _, h := range handles {
		h.resolve(DecisionDenied)
	}
}

// remove 摘除一条登记，调用方必须持有 b.mu。
func (b *Broker) remove(userID, invocationID string) {
	delete(b.pending[userID], invocationID)
	if len(b.pending[userID]) == 0 {
		delete(b.pending, userID)
	}
}

func (b *Broker) expire(h *Handle) {
	b.mu.Lock()
	if b.pending[h.UserID][h.InvocationID] == h {
		b.remove(h.UserID, h.InvocationID)
	}
	b.mu.Unlock()

	if h.resolve(DecisionExpired) {
		b.log.Warn("审批等待超时，按拒绝处理",
			slog.String("user_id", h.UserID),
			slog.String("invocation_id", h.InvocationID),
		)
	}
}
