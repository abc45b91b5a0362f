package mysql

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"

	"OpenWallet-Agent/internal/vault"
)

// CredentialStore 基于 MySQL 实现 vault.Store。
type CredentialStore struct {
	db *sql.DB
}

// NewCredentialStore 建立连接并应用内嵌迁移，确保凭据表存在。
func NewCredentialStore(ctx context.Context, cfg Config) (*CredentialStore, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &CredentialStore{db: db}, nil
}

// Get 实现 vault.Store 接口。
func (s *CredentialStore) Get(ctx context.Context, userID string) (*vault.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, evm_secret_enc, ed_secret_enc, evm_address, ed_address, created_at
         FROM wallet_credentials WHERE user_id = ?`, userID)

	var record vault.Record
	err := row.Scan(&record.UserID, &record.EVMSecretEnc, &record.EdSecretEnc,
		&record.EVMAddress, &record.EdAddress, &record.CreatedAt)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, vault.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("查询凭据记录失败: %w", err)
	}
	return &record, nil
}

// Create 实现 vault.Store 接口。主键冲突映射为 ErrRecordExists，
// 保证并发创建时 get-or-create 的幂等性由数据库裁决。
func (s *CredentialStore) Create(ctx context.Context, record *vault.Record) error {
	if record.CreatedAt == 0 {
		record.CreatedAt = time.Now().Unix()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO wallet_credentials
         (user_id, evm_secret_enc, ed_secret_enc, evm_address, ed_address, created_at)
         VALUES (?, ?, ?, ?, ?, ?)`,
		record.UserID, record.EVMSecretEnc, record.EdSecretEnc,
		record.EVMAddress, record.EdAddress, record.CreatedAt)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return vault.ErrRecordExists
		}
		return fmt.Errorf("写入凭据记录失败: %w", err)
	}
	return nil
}

// Close 释放数据库连接。
func (s *CredentialStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var _ vault.Store = (*CredentialStore)(nil)
