// Package outbox はトランザクショナルアウトボックスを実装する。
//
// サービスはビジネス状態の更新と同じトランザクションで Enqueue を呼び、
// Relay がコミット済みのレコードだけを読み出してキューへ送信する。
// ロールバックされた状態のイベントは発行されず、送信中にトランザクションを保持することもない。
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/SolidCitadel/UniSync/pkg/event"
)

// schema はアウトボックステーブルの定義。
const schema = `
CREATE TABLE IF NOT EXISTS outbox_events (
    id TEXT PRIMARY KEY,
    event_type TEXT NOT NULL,
    idempotency_key TEXT NOT NULL,
    envelope TEXT NOT NULL,
    created_at TEXT NOT NULL,
    published_at TEXT,
    attempts INTEGER NOT NULL DEFAULT 0,
    last_error TEXT NOT NULL DEFAULT '',
    next_attempt_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_outbox_events_pending ON outbox_events(published_at, next_attempt_at);
`

// Record はアウトボックスの1レコード。
type Record struct {
	ID        string
	Envelope  *event.Envelope
	CreatedAt time.Time
	// Attempts は送信に失敗した回数。
	Attempts int
	// LastError は直前の送信失敗の内容。
	LastError string
}

// Status はアウトボックスの滞留状況。
type Status struct {
	// Pending は未送信のレコード数。
	Pending int `json:"pending"`
	// Degraded は失敗回数が閾値に達した未送信レコード数。
	Degraded int `json:"degraded"`
	// OldestPendingAt は最も古い未送信レコードの作成日時。
	OldestPendingAt *time.Time `json:"oldestPendingAt,omitempty"`
}

// Store はアウトボックステーブルへのアクセスを提供する。
type Store struct {
	db *sql.DB
}

// NewStore はアウトボックステーブルを作成してStoreを返す。
func NewStore(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("アウトボックススキーマの適用に失敗: %w", err)
	}
	return &Store{db: db}, nil
}

// Enqueue はビジネス状態を更新中のトランザクションに封筒を追加する。
// トランザクションがコミットされるまでRelayからは見えない。
func Enqueue(ctx context.Context, tx *sql.Tx, env *event.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("封筒のシリアライズに失敗: %w", err)
	}
	now := time.Now()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO outbox_events (id, event_type, idempotency_key, envelope, created_at, next_attempt_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), string(env.EventType), env.IdempotencyKey, string(body), formatTime(now), formatTime(now))
	if err != nil {
		return fmt.Errorf("アウトボックスへの追加に失敗: %w", err)
	}
	return nil
}

// FetchPending は送信予定時刻を過ぎた未送信レコードを古い順に取得する。
func (s *Store) FetchPending(ctx context.Context, now time.Time, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, envelope, created_at, attempts, last_error FROM outbox_events
		 WHERE published_at IS NULL AND next_attempt_at <= ?
		 ORDER BY created_at, id LIMIT ?`, formatTime(now), limit)
	if err != nil {
		return nil, fmt.Errorf("未送信レコードの取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []Record
	for rows.Next() {
		var (
			r       Record
			body    string
			created string
		)
		if err := rows.Scan(&r.ID, &body, &created, &r.Attempts, &r.LastError); err != nil {
			return nil, fmt.Errorf("未送信レコードの読み取りに失敗: %w", err)
		}
		var env event.Envelope
		if err := json.Unmarshal([]byte(body), &env); err != nil {
			return nil, fmt.Errorf("封筒のデシリアライズに失敗 (id=%s): %w", r.ID, err)
		}
		r.Envelope = &env
		r.CreatedAt, _ = parseTime(created)
		records = append(records, r)
	}
	return records, rows.Err()
}

// MarkPublished はレコードを送信済みにする。
func (s *Store) MarkPublished(ctx context.Context, id string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbox_events SET published_at = ?, last_error = '' WHERE id = ?`, formatTime(now), id)
	if err != nil {
		return fmt.Errorf("送信済みの記録に失敗: %w", err)
	}
	return nil
}

// MarkFailed は失敗回数を増やし、次の送信予定時刻を設定する。
func (s *Store) MarkFailed(ctx context.Context, id, reason string, next time.Time) (int, error) {
	var attempts int
	err := s.db.QueryRowContext(ctx,
		`UPDATE outbox_events SET attempts = attempts + 1, last_error = ?, next_attempt_at = ?
		 WHERE id = ? RETURNING attempts`, reason, formatTime(next), id).Scan(&attempts)
	if err != nil {
		return 0, fmt.Errorf("送信失敗の記録に失敗: %w", err)
	}
	return attempts, nil
}

// Status は未送信レコードの件数と劣化状態のレコード数を返す。
func (s *Store) Status(ctx context.Context, degradedAfter int) (Status, error) {
	var (
		st     Status
		oldest sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN attempts >= ? THEN 1 ELSE 0 END), 0), MIN(created_at)
		 FROM outbox_events WHERE published_at IS NULL`, degradedAfter).Scan(&st.Pending, &st.Degraded, &oldest)
	if err != nil {
		return Status{}, fmt.Errorf("アウトボックス状態の取得に失敗: %w", err)
	}
	if oldest.Valid {
		if t, err := parseTime(oldest.String); err == nil {
			st.OldestPendingAt = &t
		}
	}
	return st, nil
}

// Degraded は失敗回数が閾値に達した未送信レコードを返す。
func (s *Store) Degraded(ctx context.Context, degradedAfter, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, envelope, created_at, attempts, last_error FROM outbox_events
		 WHERE published_at IS NULL AND attempts >= ?
		 ORDER BY created_at LIMIT ?`, degradedAfter, limit)
	if err != nil {
		return nil, fmt.Errorf("劣化レコードの取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []Record
	for rows.Next() {
		var (
			r       Record
			body    string
			created string
		)
		if err := rows.Scan(&r.ID, &body, &created, &r.Attempts, &r.LastError); err != nil {
			return nil, fmt.Errorf("劣化レコードの読み取りに失敗: %w", err)
		}
		var env event.Envelope
		if err := json.Unmarshal([]byte(body), &env); err != nil {
			return nil, fmt.Errorf("封筒のデシリアライズに失敗 (id=%s): %w", r.ID, err)
		}
		r.Envelope = &env
		r.CreatedAt, _ = parseTime(created)
		records = append(records, r)
	}
	return records, rows.Err()
}

// timeLayout は文字列比較で時刻順になる固定幅の形式。
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("日時の形式が不正です: %q", s)
	}
	return t, nil
}
