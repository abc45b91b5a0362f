package session

import (
	"context"
	"log/slog"
	"sync"

	"OpenWallet-Agent/internal/conversation"
	xerrors "OpenWallet-Agent/internal/errors"
	"OpenWallet-Agent/internal/vault"
	"OpenWallet-Agent/pkg/logger"
)

const (
	// 历史视图的默认上限：条数与总字符数双重约束。
	defaultHistoryLimit    = 50
	defaultHistoryMaxChars = 30000
	// 裁剪永远保留的最少条数，保证智能体拥有最小上下文。
	minHistoryMessages = 2
)

// Session 是单个用户的进程内聚合：解密后的钱包句柄加有界会话视图。
// 会话在用户首次发消息时创建，进程存活期间不淘汰。
type Session struct {
	UserID      string
	Credentials *vault.Credentials

	once    sync.Once
	initErr error

	mu      sync.Mutex
	history []conversation.Message
}

// Registry 管理全部用户会话，按需从保险库与会话日志水合。
type Registry struct {
	vault         *vault.Vault
	conversations conversation.Store
	limit         int
	maxChars      int
	log           *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// Option 定义可选的 Registry 配置。
type Option func(*Registry)

// WithHistoryLimit 设置历史视图的条数上限。
func WithHistoryLimit(limit int) Option {
	return func(r *Registry) {
		if limit > 0 {
			r.limit = limit
		}
	}
}

// WithHistoryMaxChars 设置历史视图的总字符数上限。
func WithHistoryMaxChars(maxChars int) Option {
	return func(r *Registry) {
		if maxChars > 0 {
			r.maxChars = maxChars
		}
	}
}

// NewRegistry 构造 Registry。
func NewRegistry(v *vault.Vault, conversations conversation.Store, opts ...Option) *Registry {
	r := &Registry{
		vault:         v,
		conversations: conversations,
		limit:         defaultHistoryLimit,
		maxChars:      defaultHistoryMaxChars,
		log:           logger.Named("session"),
		sessions:      make(map[string]*Session),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// GetOrCreate 返回用户会话，首次访问时派生钱包句柄并水合历史视图。
// 水合失败的会话会被移除，下一次访问重新尝试。
func (r *Registry) GetOrCreate(ctx context.Context, userID string) (*Session, error) {
	if userID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "用户标识不能为空")
	}

	r.mu.Lock()
	s, ok := r.sessions[userID]
	if !ok {
		s = &Session{UserID: userID}
		r.sessions[userID] = s
	}
	r.mu.Unlock()

	s.once.Do(func() {
		s.initErr = r.hydrate(ctx, s)
	})
	if s.initErr != nil {
		r.mu.Lock()
		if r.sessions[userID] == s {
			delete(r.sessions, userID)
		}
		r.mu.Unlock()
		return nil, s.initErr
	}
	return s, nil
}

func (r *Registry) hydrate(ctx context.Context, s *Session) error {
	creds, err := r.vault.GetOrCreate(ctx, s.UserID)
	if err != nil {
		return err
	}
	history, err := r.conversations.ListLatest(ctx, s.UserID, r.limit)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "加载会话历史失败")
	}
	s.Credentials = creds
	s.mu.Lock()
	s.history = trimHistory(history, r.limit, r.maxChars)
	s.mu.Unlock()
	r.log.Info("会话已创建",
		slog.String("user_id", s.UserID),
		slog.Int("history", len(history)),
	)
	return nil
}

// AddToHistory 先落库再更新内存视图，落库失败时视图保持不变。
func (r *Registry) AddToHistory(ctx context.Context, userID string, msg conversation.Message) error {
	s, err := r.GetOrCreate(ctx, userID)
	if err != nil {
		return err
	}
	if err := r.conversations.Append(ctx, userID, msg); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "持久化会话消息失败")
	}
	s.mu.Lock()
	s.history = trimHistory(append(s.history, msg), r.limit, r.maxChars)
	s.mu.Unlock()
	return nil
}

// History 返回历史视图的快照。
func (r *Registry) History(ctx context.Context, userID string) ([]conversation.Message, error) {
	s, err := r.GetOrCreate(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := make([]conversation.Message, len(s.history))
	copy(snapshot, s.history)
	return snapshot, nil
}

// ClearHistory 同时清空持久化日志与内存视图。
func (r *Registry) ClearHistory(ctx context.Context, userID string) error {
	s, err := r.GetOrCreate(ctx, userID)
	if err != nil {
		return err
	}
	if err := r.conversations.Clear(ctx, userID); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "清空会话历史失败")
	}
	s.mu.Lock()
	s.history = nil
	s.mu.Unlock()
	return nil
}

// trimHistory 先按条数从头部丢弃，再按总字符数从头部丢弃，
// 但绝不把视图裁剪到 minHistoryMessages 条以下。
func trimHistory(history []conversation.Message, limit, maxChars int) []conversation.Message {
	for len(history) > limit {
		history = history[1:]
	}
	total := 0
	for _, msg := range history {
		total += msg.Size()
	}
	for total > maxChars && len(history) > minHistoryMessages {
		total -= history[0].Size()
		history = history[1:]
	}
	return history
}
