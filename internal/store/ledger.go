package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ActionStatus 表示一次决策执行的最终状态。
type ActionStatus string

const (
	ActionCompleted ActionStatus = "completed"
	ActionRejected  ActionStatus = "rejected"
	ActionError     ActionStatus = "error"
)

// ActionRecord 为幂等台账中的一条记录。
type ActionRecord struct {
	Key       string
	Status    ActionStatus
	Details   string
	CreatedAt time.Time
}

// Ledger 维护幂等键台账与下单尝试日志，是防止重复执行的唯一依据。
// 记录只增不删，进程重启后依然生效。
type Ledger struct {
	db *sql.DB
}

// NewLedger 创建台账并初始化表结构。
func NewLedger(store *Store) (*Ledger, error) {
	if store == nil {
		return nil, errors.New("store: 数据库实例不能为空")
	}

	l := &Ledger{db: store.DB()}
	if err := l.initSchema(); err != nil {
		return nil, err
	}

	return l, nil
}

func (l *Ledger) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS actions (
			key TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			details TEXT,
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS order_attempts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts REAL NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_order_attempts_ts ON order_attempts(ts);`,
	}

	for _, stmt := range schema {
		if _, err := l.db.Exec(stmt); err != nil {
			return fmt.Errorf("store: 初始化台账表结构失败: %w", err)
		}
	}

	return nil
}

// HasAction 判断幂等键是否已经执行过。
func (l *Ledger) HasAction(ctx context.Context, key string) (bool, error) {
	row := l.db.QueryRowContext(ctx, `SELECT 1 FROM actions WHERE key = ?`, key)

	var one int
	switch err := row.Scan(&one); {
	case err == nil:
		return true, nil
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	default:
		return false, fmt.Errorf("store: 查询幂等键失败: %w", err)
	}
}

// RecordAction 记录幂等键的执行结果，同一键后写覆盖先写。
func (l *Ledger) RecordAction(ctx context.Context, key string, status ActionStatus, details string) error {
	if key == "" {
		return errors.New("store: 幂等键不能为空")
	}

	_, err := l.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO actions (key, status, details, created_at) VALUES (?, ?, ?, ?)`,
		key, string(status), details, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("store: 写入幂等记录失败: %w", err)
	}

	return nil
}

// GetAction 读取指定幂等键的记录。
func (l *Ledger) GetAction(ctx context.Context, key string) (ActionRecord, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT key, status, details, created_at FROM actions WHERE key = ?`, key)

	var record ActionRecord
	var createdAt string
	var details sql.NullString
	if err := row.Scan(&record.Key, (*string)(&record.Status), &details, &createdAt); err != nil {
		return ActionRecord{}, fmt.Errorf("store: 读取幂等记录失败: %w", err)
	}
	record.Details = details.String
	if ts, err := time.Parse(time.RFC3339, createdAt); err == nil {
		record.CreatedAt = ts
	}

	return record, nil
}

// RecordOrderAttempt 追加一次下单尝试。
func (l *Ledger) RecordOrderAttempt(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO order_attempts (ts) VALUES (?)`,
		float64(time.Now().UnixNano())/float64(time.Second),
	)
	if err != nil {
		return fmt.Errorf("store: 记录下单尝试失败: %w", err)
	}

	return nil
}

// OrdersLastHour 统计最近一小时内的下单尝试次数。
func (l *Ledger) OrdersLastHour(ctx context.Context) (int, error) {
	since := float64(time.Now().Add(-time.Hour).UnixNano()) / float64(time.Second)

	row := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM order_attempts WHERE ts >= ?`, since)

	var count int
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("store: 统计下单次数失败: %w", err)
	}

	return count, nil
}
