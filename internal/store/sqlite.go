// Package store はチェックポイント、キューに積んだ入力、中断マーカーをSQLiteに保存する。
//
// 保存はプロセス内の状態の控えで、失敗しても呼び出し側はログに残すだけでよい。
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/y-oga-819/claude-session/internal/checkpoint"
)

// MemoryPath はインメモリDBを開くためのパス
const MemoryPath = ":memory:"

// 配信経路
const (
	PathHook    = "hook"
	PathTurnEnd = "turn_end"
)

// QueuedRecord はキューに積んだ入力の記録
type QueuedRecord struct {
	ID          string
	SessionID   string
	Content     string // 表示用テキスト
	Multimodal  bool
	DeliveredBy string // 空なら未配信
	CreatedAt   time.Time
	DeliveredAt time.Time
}

// InterruptMarker は中断したターンの記録
type InterruptMarker struct {
	ID            string
	SessionID     string
	TurnID        string
	UserMessageID string
	Prompt        string
	Epoch         uint64
	CreatedAt     time.Time
}

// SQLite はmodernc.org/sqliteを使ったストア
// 複数のセッションから共有されるので書き込みは直列化する
type SQLite struct {
	db *sql.DB
	mu sync.Mutex
}

// Open はSQLiteストアを開く
func Open(path string) (*SQLite, error) {
	dsn := path
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if path == MemoryPath {
		// 接続ごとに別のDBになるので1本に絞る
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(8)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLite{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLite) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS checkpoints (
		assistant_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		turn_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_checkpoints_session ON checkpoints(session_id, created_at);

	CREATE TABLE IF NOT EXISTS queued_messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		content TEXT NOT NULL,
		multimodal INTEGER NOT NULL DEFAULT 0,
		delivered_by TEXT,
		created_at INTEGER NOT NULL,
		delivered_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_queued_session ON queued_messages(session_id, created_at);

	CREATE TABLE IF NOT EXISTS interrupt_markers (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		turn_id TEXT NOT NULL,
		user_message_id TEXT,
		prompt TEXT NOT NULL,
		epoch INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_interrupt_session ON interrupt_markers(session_id, created_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping はDBへの疎通を確認する
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close はDBを閉じる
func (s *SQLite) Close() error {
	return s.db.Close()
}

// SaveCheckpoint はチェックポイントを保存する。既にあれば何もしない
func (s *SQLite) SaveCheckpoint(ctx context.Context, cp checkpoint.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	createdAt := cp.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (assistant_id, session_id, turn_id, user_id, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(assistant_id) DO NOTHING`,
		cp.AssistantID, cp.SessionID, cp.TurnID, cp.UserID, createdAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	return nil
}

// Checkpoints はセッションのチェックポイントを記録順に返す
func (s *SQLite) Checkpoints(ctx context.Context, sessionID string) ([]checkpoint.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT assistant_id, session_id, turn_id, user_id, created_at
		FROM checkpoints WHERE session_id = ? ORDER BY created_at, rowid`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query checkpoints: %w", err)
	}
	defer rows.Close()

	var out []checkpoint.Checkpoint
	for rows.Next() {
		var cp checkpoint.Checkpoint
		var createdAt int64
		if err := rows.Scan(&cp.AssistantID, &cp.SessionID, &cp.TurnID, &cp.UserID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan checkpoint row: %w", err)
		}
		cp.CreatedAt = time.Unix(0, createdAt)
		out = append(out, cp)
	}
	return out, rows.Err()
}

// SaveQueued はキューに積んだ入力を記録する。IDが空なら採番する
func (s *SQLite) SaveQueued(ctx context.Context, rec QueuedRecord) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO queued_messages (id, session_id, content, multimodal, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		rec.ID, rec.SessionID, rec.Content, rec.Multimodal, rec.CreatedAt.UnixNano())
	if err != nil {
		return "", fmt.Errorf("insert queued message: %w", err)
	}
	return rec.ID, nil
}

// MarkDelivered は配信済みにする
func (s *SQLite) MarkDelivered(ctx context.Context, ids []string, path string) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, 0, len(ids)+2)
	args = append(args, path, time.Now().UnixNano())
	for _, id := range ids {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		UPDATE queued_messages SET delivered_by = ?, delivered_at = ?
		WHERE delivered_by IS NULL AND id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	return nil
}

// Queued はセッションの記録を積んだ順に返す
func (s *SQLite) Queued(ctx context.Context, sessionID string) ([]QueuedRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, content, multimodal, delivered_by, created_at, delivered_at
		FROM queued_messages WHERE session_id = ? ORDER BY created_at, rowid`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query queued messages: %w", err)
	}
	defer rows.Close()

	var out []QueuedRecord
	for rows.Next() {
		var rec QueuedRecord
		var deliveredBy sql.NullString
		var createdAt int64
		var deliveredAt sql.NullInt64
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.Content, &rec.Multimodal, &deliveredBy, &createdAt, &deliveredAt); err != nil {
			return nil, fmt.Errorf("scan queued row: %w", err)
		}
		rec.DeliveredBy = deliveredBy.String
		rec.CreatedAt = time.Unix(0, createdAt)
		if deliveredAt.Valid {
			rec.DeliveredAt = time.Unix(0, deliveredAt.Int64)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SaveInterruptMarker は中断マーカーを保存する
func (s *SQLite) SaveInterruptMarker(ctx context.Context, m InterruptMarker) (string, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO interrupt_markers (id, session_id, turn_id, user_message_id, prompt, epoch, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.SessionID, m.TurnID, m.UserMessageID, m.Prompt, int64(m.Epoch), m.CreatedAt.UnixNano())
	if err != nil {
		return "", fmt.Errorf("insert interrupt marker: %w", err)
	}
	return m.ID, nil
}

// InterruptMarkers はセッションの中断マーカーを返す
func (s *SQLite) InterruptMarkers(ctx context.Context, sessionID string) ([]InterruptMarker, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, turn_id, user_message_id, prompt, epoch, created_at
		FROM interrupt_markers WHERE session_id = ? ORDER BY created_at, rowid`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query interrupt markers: %w", err)
	}
	defer rows.Close()

	var out []InterruptMarker
	for rows.Next() {
		var m InterruptMarker
		var userMessageID sql.NullString
		var epoch, createdAt int64
		if err := rows.Scan(&m.ID, &m.SessionID, &m.TurnID, &userMessageID, &m.Prompt, &epoch, &createdAt); err != nil {
			return nil, fmt.Errorf("scan interrupt marker row: %w", err)
		}
		m.UserMessageID = userMessageID.String
		m.Epoch = uint64(epoch)
		m.CreatedAt = time.Unix(0, createdAt)
		out = append(out, m)
	}
	return out, rows.Err()
}
