// Package sqlite provides a SQLite-backed presence and history store for
// durable single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlitemigrate "github.com/Leesowon/chatting-server/internal/platform/storage/sqlitemigrate"
	"github.com/Leesowon/chatting-server/internal/services/chat/domain"
	"github.com/Leesowon/chatting-server/internal/services/chat/storage"
	"github.com/Leesowon/chatting-server/internal/services/chat/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// Store persists room state in SQLite.
type Store struct {
	sqlDB *sql.DB
	limit int
}

// Open opens a SQLite chat store and applies embedded migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	if dir := filepath.Dir(cleanPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	dsn := "file:" + cleanPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection serializes writers so history trims never race.
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.ApplyMigrations(ctx, sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB, limit: storage.HistoryLimit}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.sqlDB.PingContext(ctx)
}

// Join records username as present in roomID.
func (s *Store) Join(ctx context.Context, roomID string, username string) error {
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT OR IGNORE INTO chat_users (room_id, username, joined_at) VALUES (?, ?, ?)`,
		roomID,
		username,
		time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("add room user: %w", err)
	}
	return nil
}

// Leave removes username from roomID.
func (s *Store) Leave(ctx context.Context, roomID string, username string) error {
	_, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM chat_users WHERE room_id = ? AND username = ?`,
		roomID,
		username,
	)
	if err != nil {
		return fmt.Errorf("remove room user: %w", err)
	}
	return nil
}

// Count returns the number of users present in roomID.
func (s *Store) Count(ctx context.Context, roomID string) (int, error) {
	var count int
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chat_users WHERE room_id = ?`,
		roomID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count room users: %w", err)
	}
	return count, nil
}

// Append inserts msg and trims the room to the newest entries in one transaction.
func (s *Store) Append(ctx context.Context, roomID string, msg domain.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode history message: %w", err)
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO chat_history (room_id, payload, created_at) VALUES (?, ?, ?)`,
		roomID,
		string(payload),
		msg.Timestamp,
	); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("insert history message: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM chat_history
		 WHERE room_id = ?
		   AND id NOT IN (
		     SELECT id FROM chat_history WHERE room_id = ? ORDER BY id DESC LIMIT ?
		   )`,
		roomID,
		roomID,
		s.limit,
	); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("trim history: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

// Read returns roomID's history, oldest first.
func (s *Store) Read(ctx context.Context, roomID string) ([]domain.Message, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT payload FROM chat_history WHERE room_id = ? ORDER BY id ASC`,
		roomID,
	)
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	defer rows.Close()

	messages := make([]domain.Message, 0)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		var msg domain.Message
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			return nil, fmt.Errorf("decode history row: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history rows: %w", err)
	}
	return messages, nil
}
