package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig 描述 Redis 会话存储的连接参数。
type RedisConfig struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisStore 使用 Redis list 保存每个用户的会话日志。
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore 创建 Redis 会话存储实例。
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "walletd:conv"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

func (s *RedisStore) key(userID string) string {
	return s.prefix + ":" + userID
}

// Append 将消息以 JSON 追加到用户的 list 尾部。
func (s *RedisStore) Append(ctx context.Context, userID string, msg Message) error {
	if msg.CreatedAt == 0 {
		msg.CreatedAt = time.Now().Unix()
	}
	encoded, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("序列化会话消息失败: %w", err)
	}
	if err := s.client.RPush(ctx, s.key(userID), encoded).Err(); err != nil {
		return fmt.Errorf("Redis 追加会话消息失败: %w", err)
	}
	return nil
}

// ListLatest 通过 LRANGE 读取 list 尾部的 limit 条消息。
func (s *RedisStore) ListLatest(ctx context.Context, userID string, limit int) ([]Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	values, err := s.client.LRange(ctx, s.key(userID), int64(-limit), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("Redis 读取会话历史失败: %w", err)
	}
	results := make([]Message, 0, len(values))
	for _, value := range values {
		var msg Message
		if err := json.Unmarshal([]byte(value), &msg); err != nil {
			// 跳过无法解析的历史条目，不让单条脏数据拖垮整个会话。
			continue
		}
		results = append(results, msg)
	}
	return results, nil
}

// Clear 删除用户的整个会话 list。
func (s *RedisStore) Clear(ctx context.Context, userID string) error {
	if err := s.client.Del(ctx, s.key(userID)).Err(); err != nil {
		return fmt.Errorf("Redis 清空会话历史失败: %w", err)
	}
	return nil
}

// Close 关闭 Redis 连接。
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

var _ Store = (*RedisStore)(nil)
