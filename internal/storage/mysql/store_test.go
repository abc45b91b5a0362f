package mysql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	stdErrors "errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/go-sql-driver/mysql"

	"OpenWallet-Agent/internal/conversation"
	"OpenWallet-Agent/internal/vault"
)

func TestCredentialStoreGet(t *testing.T) {
	t.Parallel()

	rows := mockRowsData{
		columns: []string{"user_id", "evm_secret_enc", "ed_secret_enc", "evm_address", "ed_address", "created_at"},
		values: [][]driver.Value{
			{"user-1", []byte{0x01}, []byte{0x02}, "0xabc", "ed-addr", int64(100)},
		},
	}
	db, drv := newMockDB(t, []mockOperation{
		queryOp(`SELECT user_id, evm_secret_enc, ed_secret_enc, evm_address, ed_address, created_at
         FROM wallet_credentials WHERE user_id = ?`, rows),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	store := &CredentialStore{db: db}
	record, err := store.Get(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Get 失败: %v", err)
	}
	if record.UserID != "user-1" || record.EVMAddress != "0xabc" || record.CreatedAt != 100 {
		t.Fatalf("记录内容不符: %+v", record)
	}
}

func TestCredentialStoreGetMissing(t *testing.T) {
	t.Parallel()

	db, drv := newMockDB(t, []mockOperation{
		queryOp(`SELECT user_id, evm_secret_enc, ed_secret_enc, evm_address, ed_address, created_at
         FROM wallet_credentials WHERE user_id = ?`, mockRowsData{
			columns: []string{"user_id", "evm_secret_enc", "ed_secret_enc", "evm_address", "ed_address", "created_at"},
		}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	store := &CredentialStore{db: db}
	if _, err := store.Get(context.Background(), "nobody"); !stdErrors.Is(err, vault.ErrRecordNotFound) {
		t.Fatalf("缺失记录应返回 ErrRecordNotFound，实际: %v", err)
	}
}

func TestCredentialStoreCreateDuplicate(t *testing.T) {
	t.Parallel()

	db, drv := newMockDB(t, []mockOperation{
		{typ: opExec, query: insertCredentialSQL(), err: &mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}},
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	store := &CredentialStore{db: db}
	record := &vault.Record{UserID: "user-1", EVMSecretEnc: []byte{1}, EdSecretEnc: []byte{2}, CreatedAt: 1}
	if err := store.Create(context.Background(), record); !stdErrors.Is(err, vault.ErrRecordExists) {
		t.Fatalf("主键冲突应映射为 ErrRecordExists，实际: %v", err)
	}
}

func TestCredentialStoreCreate(t *testing.T) {
	t.Parallel()

	db, drv := newMockDB(t, []mockOperation{
		execOp(insertCredentialSQL(), mockResult{rowsAffected: 1}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	store := &CredentialStore{db: db}
	record := &vault.Record{UserID: "user-1", EVMSecretEnc: []byte{1}, EdSecretEnc: []byte{2}, CreatedAt: 1}
	if err := store.Create(context.Background(), record); err != nil {
		t.Fatalf("Create 失败: %v", err)
	}
}

func TestConversationStoreAppendAndList(t *testing.T) {
	t.Parallel()

	rows := mockRowsData{
		columns: []string{"role", "content", "created_at"},
		values: [][]driver.Value{
			{"user", "你好", int64(10)},
			{"assistant", "你好！", int64(11)},
		},
	}
	db, drv := newMockDB(t, []mockOperation{
		execOp(`INSERT INTO conversation_messages (user_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
			mockResult{rowsAffected: 1}),
		queryOp(`SELECT role, content, created_at FROM (
            SELECT id, role, content, created_at FROM conversation_messages
            WHERE user_id = ? ORDER BY id DESC LIMIT ?
        ) AS latest ORDER BY id ASC`, rows),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	store := &ConversationStore{db: db}
	msg := conversation.Message{Role: conversation.RoleUser, Content: "你好", CreatedAt: 10}
	if err := store.Append(context.Background(), "user-1", msg); err != nil {
		t.Fatalf("Append 失败: %v", err)
	}

	list, err := store.ListLatest(context.Background(), "user-1", 10)
	if err != nil {
		t.Fatalf("ListLatest 失败: %v", err)
	}
	if len(list) != 2 || list[0].Role != conversation.RoleUser || list[1].Content != "你好！" {
		t.Fatalf("历史内容不符: %+v", list)
	}
}

func TestConversationStoreClear(t *testing.T) {
	t.Parallel()

	db, drv := newMockDB(t, []mockOperation{
		execOp(`DELETE FROM conversation_messages WHERE user_id = ?`, mockResult{rowsAffected: 3}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	store := &ConversationStore{db: db}
	if err := store.Clear(context.Background(), "user-1"); err != nil {
		t.Fatalf("Clear 失败: %v", err)
	}
}

func TestRunMigrations(t *testing.T) {
	t.Parallel()

	ops := []mockOperation{
		execOp(`CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`, mockResult{}),
		queryOp(`SELECT version FROM schema_migrations`, mockRowsData{columns: []string{"version"}}),
		beginOp(),
		execOp(readMigrationStatement("0001_wallet_credentials.sql"), mockResult{}),
		execOp(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, mockResult{rowsAffected: 1}),
		commitOp(),
		beginOp(),
		execOp(readMigrationStatement("0002_conversation_messages.sql"), mockResult{}),
		execOp(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, mockResult{rowsAffected: 1}),
		commitOp(),
	}
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	if err := runMigrations(context.Background(), db); err != nil {
		t.Fatalf("执行迁移失败: %v", err)
	}
}

func TestRunMigrationsSkipsApplied(t *testing.T) {
	t.Parallel()

	ops := []mockOperation{
		execOp(`CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`, mockResult{}),
		queryOp(`SELECT version FROM schema_migrations`, mockRowsData{
			columns: []string{"version"},
			values:  [][]driver.Value{{"0001"}, {"0002"}},
		}),
	}
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	if err := runMigrations(context.Background(), db); err != nil {
		t.Fatalf("已应用的迁移不应重复执行: %v", err)
	}
}

func readMigrationStatement(name string) string {
	content, err := embeddedMigrations.ReadFile(name)
	if err != nil {
		panic(fmt.Sprintf("读取迁移文件失败: %v", err))
	}
	statements := splitSQLStatements(string(content))
	if len(statements) == 0 {
		panic("迁移文件为空")
	}
	return statements[0]
}

func insertCredentialSQL() string {
	return `INSERT INTO wallet_credentials
         (user_id, evm_secret_enc, ed_secret_enc, evm_address, ed_address, created_at)
         VALUES (?, ?, ?, ?, ?, ?)`
}

type operationType int

const (
	opExec operationType = iota
	opQuery
	opBegin
	opCommit
	opRollback
)

type mockOperation struct {
	typ    operationType
	query  string
	result mockResult
	rows   mockRowsData
	err    error
}

type mockResult struct {
	lastInsertID int64
	rowsAffected int64
}

func (r mockResult) LastInsertId() (int64, error) { return r.lastInsertID, nil }
func (r mockResult) RowsAffected() (int64, error) { return r.rowsAffected, nil }

type mockRowsData struct {
	columns []string
	values  [][]driver.Value
}

type queueDriver struct {
	ops []mockOperation
	idx int32
}

var driverSeq atomic.Int32

func newMockDB(t *testing.T, ops []mockOperation) (*sql.DB, *queueDriver) {
	t.Helper()

	drv := &queueDriver{ops: ops}
	name := fmt.Sprintf("mock-mysql-%d", driverSeq.Add(1))
	sql.Register(name, drv)

	db, err := sql.Open(name, "")
	if err != nil {
		t.Fatalf("打开 mock 数据库失败: %v", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, drv
}

func execOp(query string, result mockResult) mockOperation {
	return mockOperation{typ: opExec, query: query, result: result}
}

func queryOp(query string, rows mockRowsData) mockOperation {
	return mockOperation{typ: opQuery, query: query, rows: rows}
}

func beginOp() mockOperation { return mockOperation{typ: opBegin} }

func commitOp() mockOperation { return mockOperation{typ: opCommit} }

func (d *queueDriver) assertConsumed(t *testing.T) {
	t.Helper()

	if int(atomic.LoadInt32(&d.idx)) != len(d.ops) {
		t.Fatalf("仍有未消费的预期操作: %d/%d", atomic.LoadInt32(&d.idx), len(d.ops))
	}
}

func (d *queueDriver) Open(string) (driver.Conn, error) {
	return &mockConn{driver: d}, nil
}

type mockConn struct {
	driver *queueDriver
}

func (c *mockConn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepare not supported: %s", query)
}

func (c *mockConn) Close() error { return nil }

func (c *mockConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *mockConn) BeginTx(_ context.Context, _ driver.TxOptions) (driver.Tx, error) {
	op, err := c.next(opBegin, "")
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &mockTx{driver: c.driver}, nil
}

func (c *mockConn) Exec(query string, args []driver.Value) (driver.Result, error) {
	return c.ExecContext(context.Background(), query, named(args))
}

func (c *mockConn) ExecContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Result, error) {
	op, err := c.next(opExec, query)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return op.result, nil
}

func (c *mockConn) Query(query string, args []driver.Value) (driver.Rows, error) {
	return c.QueryContext(context.Background(), query, named(args))
}

func (c *mockConn) QueryContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Rows, error) {
	op, err := c.next(opQuery, query)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &mockRows{columns: op.rows.columns, values: op.rows.values}, nil
}

func (c *mockConn) Ping(context.Context) error { return nil }

func (c *mockConn) next(expected operationType, query string) (*mockOperation, error) {
	idx := int(atomic.LoadInt32(&c.driver.idx))
	if idx >= len(c.driver.ops) {
		return nil, fmt.Errorf("unexpected operation: %v", expected)
	}
	op := &c.driver.ops[idx]
	if op.typ != expected {
		return nil, fmt.Errorf("expected operation %v, got %v", expected, op.typ)
	}
	atomic.AddInt32(&c.driver.idx, 1)
	if op.query != "" {
		expectedSQL := normalizeSQL(op.query)
		actualSQL := normalizeSQL(query)
		if expectedSQL != actualSQL {
			return nil, fmt.Errorf("unexpected query. want %q got %q", expectedSQL, actualSQL)
		}
	}
	return op, nil
}

type mockTx struct {
	driver *queueDriver
}

func (t *mockTx) Commit() error {
	op, err := t.next(opCommit)
	if err != nil {
		return err
	}
	return op.err
}

func (t *mockTx) Rollback() error {
	op, err := t.next(opRollback)
	if err != nil {
		return err
	}
	return op.err
}

func (t *mockTx) next(expected operationType) (*mockOperation, error) {
	idx := int(atomic.LoadInt32(&t.driver.idx))
	if idx >= len(t.driver.ops) {
		return nil, fmt.Errorf("unexpected operation: %v", expected)
	}
	op := &t.driver.ops[idx]
	if op.typ != expected {
		return nil, fmt.Errorf("expected operation %v, got %v", expected, op.typ)
	}
	atomic.AddInt32(&t.driver.idx, 1)
	return op, nil
}

type mockRows struct {
	columns []string
	values  [][]driver.Value
	idx     int
}

func (r *mockRows) Columns() []string { return r.columns }
func (r *mockRows) Close() error      { return nil }

func (r *mockRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.values) {
		return io.EOF
	}
	copy(dest, r.values[r.idx])
	r.idx++
	return nil
}

func named(args []driver.Value) []driver.NamedValue {
	namedArgs := make([]driver.NamedValue, len(args))
	for i, arg := range args {
		namedArgs[i] = driver.NamedValue{Ordinal: i + 1, Value: arg}
	}
	return namedArgs
}

func normalizeSQL(query string) string {
	return strings.Join(strings.Fields(query), " ")
}
