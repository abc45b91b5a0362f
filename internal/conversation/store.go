package conversation

import (
	"context"
	"sync"
	"time"

	xerrors "OpenWallet-Agent/internal/errors"
)

// Role 表示消息的发言方。
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message 描述会话日志中的一条消息。
type Message struct {
	Role      Role   `json:"role"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"created_at"`
}

// Size 返回消息计入历史预算的字符数。
func (m Message) Size() int {
	return len([]rune(m.Content))
}

// Store 抽象会话日志的持久化接口。日志只追加，裁剪由上层的会话
// 注册表在内存视图上完成。
type Store interface {
	// Append 追加一条消息。落库成功后消息才算进入历史。
	Append(ctx context.Context, userID string, msg Message) error
	// ListLatest 返回最近 limit 条消息，按时间正序排列。
	ListLatest(ctx context.Context, userID string, limit int) ([]Message, error)
	// Clear 删除指定用户的全部历史。
	Clear(ctx context.Context, userID string) error
	Close() error
}

// MemoryStore 以内存方式保存会话日志，主要用于测试。
type MemoryStore struct {
	mu   sync.RWMutex
	logs map[string][]Message
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{logs: make(map[string][]Message)}
}

// Append 实现 Store 接口。
func (m *MemoryStore) Append(_ context.Context, userID string, msg Message) error {
	if userID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "用户标识不能为空")
	}
	if msg.CreatedAt == 0 {
		msg.CreatedAt = time.Now().Unix()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs[userID] = append(m.logs[userID], msg)
	return nil
}

// ListLatest 实现 Store 接口。
func (m *MemoryStore) ListLatest(_ context.Context, userID string, limit int) ([]Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	log := m.logs[userID]
	if limit <= 0 || limit > len(log) {
		limit = len(log)
	}
	results := make([]Message, limit)
	copy(results, log[len(log)-limit:])
	return results, nil
}

// Clear 实现 Store 接口。
func (m *MemoryStore) Clear(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.logs, userID)
	return nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
