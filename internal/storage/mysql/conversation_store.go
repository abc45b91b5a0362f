package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"OpenWallet-Agent/internal/conversation"
)

// ConversationStore 基于 MySQL 实现 conversation.Store。
type ConversationStore struct {
	db *sql.DB
}

// NewConversationStore 建立连接并应用内嵌迁移，确保会话表存在。
func NewConversationStore(ctx context.Context, cfg Config) (*ConversationStore, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &ConversationStore{db: db}, nil
}

// Append 实现 conversation.Store 接口。
func (s *ConversationStore) Append(ctx context.Context, userID string, msg conversation.Message) error {
	if msg.CreatedAt == 0 {
		msg.CreatedAt = time.Now().Unix()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversation_messages (user_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
		userID, string(msg.Role), msg.Content, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("写入会话消息失败: %w", err)
	}
	return nil
}

// ListLatest 实现 conversation.Store 接口，按插入顺序返回最近 limit 条。
func (s *ConversationStore) ListLatest(ctx context.Context, userID string, limit int) ([]conversation.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content, created_at FROM (
            SELECT id, role, content, created_at FROM conversation_messages
            WHERE user_id = ? ORDER BY id DESC LIMIT ?
        ) AS latest ORDER BY id ASC`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("查询会话历史失败: %w", err)
	}
	defer rows.Close()

	var results []conversation.Message
	for rows.Next() {
		var msg conversation.Message
		var role string
		if err := rows.Scan(&role, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("解析会话消息失败: %w", err)
		}
		msg.Role = conversation.Role(role)
		results = append(results, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历会话历史失败: %w", err)
	}
	return results, nil
}

// Clear 实现 conversation.Store 接口。
func (s *ConversationStore) Clear(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM conversation_messages WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("清空会话历史失败: %w", err)
	}
	return nil
}

// Close 释放数据库连接。
func (s *ConversationStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var _ conversation.Store = (*ConversationStore)(nil)
