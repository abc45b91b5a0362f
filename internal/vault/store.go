package vault

import (
	"context"
	"sync"
	"time"

	xerrors "OpenWallet-Agent/internal/errors"
)

// Record 是凭据保险库的落库结构，私钥字段始终保持加密状态。
type Record struct {
	UserID       string
	EVMSecretEnc []byte
	EdSecretEnc  []byte
	EVMAddress   string
	EdAddress    string
	CreatedAt    int64
}

var (
	// ErrRecordNotFound 表示指定用户尚无凭据记录。
	ErrRecordNotFound = xerrors.New(xerrors.CodeNotFound, "credential record not found")
	// ErrRecordExists 表示凭据记录已存在，创建操作被拒绝。
	ErrRecordExists = xerrors.New(xerrors.CodeConflict, "credential record already exists")
)

// Store 抽象凭据记录的持久化接口。实现必须保证 Create 对同一
// UserID 至多成功一次。
type Store interface {
	Get(ctx context.Context, userID string) (*Record, error)
	Create(ctx context.Context, record *Record) error
	Close() error
}

// MemoryStore 以内存方式保存凭据记录，主要用于测试。
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

// Get 实现 Store 接口。
func (m *MemoryStore) Get(_ context.Context, userID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.records[userID]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return cloneRecord(record), nil
}

// Create 实现 Store 接口。已存在同名记录时返回 ErrRecordExists。
func (m *MemoryStore) Create(_ context.Context, record *Record) error {
	if record == nil || record.UserID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "凭据记录缺少用户标识")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[record.UserID]; ok {
		return ErrRecordExists
	}
	if record.CreatedAt == 0 {
		record.CreatedAt = time.Now().Unix()
	}
	m.records[record.UserID] = cloneRecord(record)
	return nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error { return nil }

func cloneRecord(record *Record) *Record {
	clone := *record
	clone.EVMSecretEnc = append([]byte(nil), record.EVMSecretEnc...)
	clone.EdSecretEnc = append([]byte(nil), record.EdSecretEnc...)
	return &clone
}

var _ Store = (*MemoryStore)(nil)
