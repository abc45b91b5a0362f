package session

import (
	"context"
	"strings"
	"sync"
	"testing"

	"OpenWallet-Agent/internal/conversation"
	"OpenWallet-Agent/internal/vault"
)

func newTestRegistry(t *testing.T, opts ...Option) (*Registry, conversation.Store) {
	t.Helper()
	v, err := vault.New("registry-test-passphrase", vault.NewMemoryStore())
	if err != nil {
		t.Fatalf("构造 Vault 失败: %v", err)
	}
	conversations := conversation.NewMemoryStore()
	return NewRegistry(v, conversations, opts...), conversations
}

func TestGetOrCreateHydratesCredentials(t *testing.T) {
	registry, _ := newTestRegistry(t)
	ctx := context.Background()

	s, err := registry.GetOrCreate(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetOrCreate 失败: %v", err)
	}
	if s.Credentials == nil || s.Credentials.EVMAddress == "" || s.Credentials.EdAddress == "" {
		t.Fatalf("会话未水合钱包凭据: %+v", s.Credentials)
	}

	again, err := registry.GetOrCreate(ctx, "user-1")
	if err != nil {
		t.Fatalf("二次 GetOrCreate 失败: %v", err)
	}
	if again != s {
		t.Fatal("同一用户应返回同一会话实例")
	}
}

func TestGetOrCreateConcurrentSameUser(t *testing.T) {
	registry, _ := newTestRegistry(t)
	ctx := context.Background()

	const workers = 16
	sessions := make([]*Session, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := registry.GetOrCreate(ctx, "user-racing")
			if err != nil {
				t.Errorf("并发 GetOrCreate 失败: %v", err)
				return
			}
			sessions[i] = s
		}(i)
	}
	wg.Wait()

	for i := 1; i < workers; i++ {
		if sessions[i] != sessions[0] {
			t.Fatal("并发创建产生了不同的会话实例")
		}
	}
}

func TestAddToHistoryTrimsByCount(t *testing.T) {
	registry, conversations := newTestRegistry(t, WithHistoryLimit(5))
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		msg := conversation.Message{Role: conversation.RoleUser, Content: strings.Repeat("x", i+1)}
		if err := registry.AddToHistory(ctx, "user-1", msg); err != nil {
			t.Fatalf("AddToHistory 失败: %v", err)
		}
	}

	history, err := registry.History(ctx, "user-1")
	if err != nil {
		t.Fatalf("History 失败: %v", err)
	}
	if len(history) != 5 {
		t.Fatalf("期望视图保留 5 条，实际 %d 条", len(history))
	}
	if history[0].Size() != 4 || history[4].Size() != 8 {
		t.Fatalf("裁剪应丢弃最早的消息: 首条 %d 末条 %d", history[0].Size(), history[4].Size())
	}

	// 持久化日志不受视图裁剪影响。
	full, err := conversations.ListLatest(ctx, "user-1", 100)
	if err != nil {
		t.Fatalf("ListLatest 失败: %v", err)
	}
	if len(full) != 8 {
		t.Fatalf("持久化日志应保留全部 8 条，实际 %d 条", len(full))
	}
}

func TestAddToHistoryTrimsByChars(t *testing.T) {
	registry, _ := newTestRegistry(t, WithHistoryMaxChars(100))
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		msg := conversation.Message{Role: conversation.RoleAssistant, Content: strings.Repeat("a", 40)}
		if err := registry.AddToHistory(ctx, "user-1", msg); err != nil {
			t.Fatalf("AddToHistory 失败: %v", err)
		}
	}

	history, err := registry.History(ctx, "user-1")
	if err != nil {
		t.Fatalf("History 失败: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("字符预算 100 下应保留 2 条，实际 %d 条", len(history))
	}
}

func TestTrimNeverBelowMinimum(t *testing.T) {
	registry, _ := newTestRegistry(t, WithHistoryMaxChars(10))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		msg := conversation.Message{Role: conversation.RoleUser, Content: strings.Repeat("z", 500)}
		if err := registry.AddToHistory(ctx, "user-1", msg); err != nil {
			t.Fatalf("AddToHistory 失败: %v", err)
		}
	}

	history, err := registry.History(ctx, "user-1")
	if err != nil {
		t.Fatalf("History 失败: %v", err)
	}
	// 即使两条超大消息远超字符预算，也不允许裁剪到 2 条以下。
	if len(history) != minHistoryMessages {
		t.Fatalf("期望保底 %d 条，实际 %d 条", minHistoryMessages, len(history))
	}
}

func TestClearHistoryResetsViewAndLog(t *testing.T) {
	registry, conversations := newTestRegistry(t)
	ctx := context.Background()

	if err := registry.AddToHistory(ctx, "user-1", conversation.Message{
		Role: conversation.RoleUser, Content: "你好",
	}); err != nil {
		t.Fatalf("AddToHistory 失败: %v", err)
	}
	if err := registry.ClearHistory(ctx, "user-1"); err != nil {
		t.Fatalf("ClearHistory 失败: %v", err)
	}

	history, err := registry.History(ctx, "user-1")
	if err != nil {
		t.Fatalf("History 失败: %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("清空后视图应为空，实际 %d 条", len(history))
	}
	full, err := conversations.ListLatest(ctx, "user-1", 100)
	if err != nil {
		t.Fatalf("ListLatest 失败: %v", err)
	}
	if len(full) != 0 {
		t.Fatalf("清空后持久化日志应为空，实际 %d 条", len(full))
	}
}

func TestHydrateLoadsExistingHistory(t *testing.T) {
	registry, conversations := newTestRegistry(t, WithHistoryLimit(3))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := conversations.Append(ctx, "user-1", conversation.Message{
			Role: conversation.RoleUser, Content: strings.Repeat("m", i+1),
		}); err != nil {
			t.Fatalf("预置历史失败: %v", err)
		}
	}

	history, err := registry.History(ctx, "user-1")
	if err != nil {
		t.Fatalf("History 失败: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("水合应只加载最近 3 条，实际 %d 条", len(history))
	}
	if history[0].Size() != 3 || history[2].Size() != 5 {
		t.Fatalf("水合结果顺序不对: 首条 %d 末条 %d", history[0].Size(), history[2].Size())
	}
}
