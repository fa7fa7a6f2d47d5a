// Package sqlite implements store.ConversationStore on a local SQLite file
// for standalone deployments. The schema is created on open; Postgres
// deployments use migrations/ instead.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tealquilamos/wabot/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	user_id       TEXT PRIMARY KEY,
	thread_id     TEXT,
	display_name  TEXT,
	token_count   INTEGER NOT NULL DEFAULT 0,
	last_activity TIMESTAMP NOT NULL,
	created_at    TIMESTAMP NOT NULL,
	updated_at    TIMESTAMP NOT NULL
);
`

// SQLiteConversationStore implements store.ConversationStore on SQLite.
type SQLiteConversationStore struct {
	db *sql.DB
}

// Open creates or opens the database file and ensures the schema exists.
func Open(path string) (*SQLiteConversationStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &SQLiteConversationStore{db: db}, nil
}

func (s *SQLiteConversationStore) Get(ctx context.Context, userID string) (*store.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, COALESCE(thread_id, ''), COALESCE(display_name, ''), token_count, last_activity
		 FROM conversations WHERE user_id = ?`, userID)

	var c store.Conversation
	if err := row.Scan(&c.UserID, &c.ThreadID, &c.DisplayName, &c.TokenCount, &c.LastActivity); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return &c, nil
}

func (s *SQLiteConversationStore) UpdateActivity(ctx context.Context, userID string, tokenCount int64, threadID string) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (user_id, thread_id, token_count, last_activity, created_at, updated_at)
		 VALUES (?, NULLIF(?, ''), ?, ?, ?, ?)
		 ON CONFLICT (user_id) DO UPDATE SET
		   token_count = excluded.token_count,
		   thread_id = COALESCE(excluded.thread_id, conversations.thread_id),
		   last_activity = excluded.last_activity,
		   updated_at = excluded.updated_at`,
		userID, threadID, tokenCount, now, now, now)
	if err != nil {
		return fmt.Errorf("update activity: %w", err)
	}
	return nil
}

func (s *SQLiteConversationStore) SetDisplayName(ctx context.Context, userID, name string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET display_name = ?, updated_at = ? WHERE user_id = ?`,
		name, time.Now(), userID)
	if err != nil {
		return fmt.Errorf("set display name: %w", err)
	}
	return nil
}

func (s *SQLiteConversationStore) Connected() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.db.PingContext(ctx) == nil
}

func (s *SQLiteConversationStore) Close() error { return s.db.Close() }
