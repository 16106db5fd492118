// Package idempotency は処理済みの冪等キーを記録する台帳を提供する。
//
// コンシューマはハンドラを呼ぶ前に台帳を確認し、処理済みのキーは適用せずにAckする。
// 台帳への記録はハンドラ成功後に行うため、記録前に停止した場合は再適用が起こり得る。
// ハンドラ自体もupsertで書き込み、再適用しても同じ状態に収束させること。
package idempotency

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Ledger は処理済みの冪等キーの台帳。
type Ledger interface {
	// Processed はキーが処理済みかどうかを返す。
	Processed(ctx context.Context, key string) (bool, error)
	// MarkProcessed はキーを処理済みとして記録する。既に記録済みでもエラーにしない。
	MarkProcessed(ctx context.Context, key, eventType string) error
}

// schema は台帳テーブルの定義。
const schema = `
CREATE TABLE IF NOT EXISTS processed_events (
    idempotency_key TEXT PRIMARY KEY,
    event_type TEXT NOT NULL,
    processed_at DATETIME NOT NULL DEFAULT (datetime('now'))
);
`

// SQLiteLedger はサービスのSQLiteデータベースに記録する台帳。
type SQLiteLedger struct {
	db *sql.DB
}

// NewSQLiteLedger は台帳テーブルを作成してSQLiteLedgerを返す。
func NewSQLiteLedger(db *sql.DB) (*SQLiteLedger, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("台帳スキーマの適用に失敗: %w", err)
	}
	return &SQLiteLedger{db: db}, nil
}

// Processed はキーが処理済みかどうかを返す。
func (l *SQLiteLedger) Processed(ctx context.Context, key string) (bool, error) {
	var one int
	err := l.db.QueryRowContext(ctx,
		`SELECT 1 FROM processed_events WHERE idempotency_key = ?`, key).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("台帳の参照に失敗: %w", err)
	}
	return true, nil
}

// MarkProcessed はキーを処理済みとして記録する。
func (l *SQLiteLedger) MarkProcessed(ctx context.Context, key, eventType string) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO processed_events (idempotency_key, event_type) VALUES (?, ?)
		 ON CONFLICT(idempotency_key) DO NOTHING`, key, eventType)
	if err != nil {
		return fmt.Errorf("台帳への記録に失敗: %w", err)
	}
	return nil
}

// RedisLedger は複数インスタンスで共有するRedisの台帳。
// キーはttl経過後に消えるため、ttlはキューの最大滞留時間より長くすること。
type RedisLedger struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisLedger はRedisLedgerを生成する。
func NewRedisLedger(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisLedger {
	return &RedisLedger{client: client, prefix: prefix, ttl: ttl}
}

// Processed はキーが処理済みかどうかを返す。
func (l *RedisLedger) Processed(ctx context.Context, key string) (bool, error) {
	n, err := l.client.Exists(ctx, l.prefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("台帳の参照に失敗: %w", err)
	}
	return n > 0, nil
}

// MarkProcessed はキーを処理済みとして記録する。
func (l *RedisLedger) MarkProcessed(ctx context.Context, key, eventType string) error {
	if err := l.client.SetNX(ctx, l.prefix+key, eventType, l.ttl).Err(); err != nil {
		return fmt.Errorf("台帳への記録に失敗: %w", err)
	}
	return nil
}

// MemoryLedger はプロセス内の台帳。テストで使用する。
type MemoryLedger struct {
	mu   sync.Mutex
	keys map[string]string
}

// NewMemoryLedger は空のMemoryLedgerを生成する。
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{keys: make(map[string]string)}
}

// Processed はキーが処理済みかどうかを返す。
func (l *MemoryLedger) Processed(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.keys[key]
	return ok, nil
}

// MarkProcessed はキーを処理済みとして記録する。
func (l *MemoryLedger) MarkProcessed(_ context.Context, key, eventType string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.keys[key]; !ok {
		l.keys[key] = eventType
	}
	return nil
}
