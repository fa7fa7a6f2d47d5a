// Package pg implements store.ConversationStore backed by Postgres.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/tealquilamos/wabot/internal/store"
)

// OpenDB opens a Postgres connection pool via the pgx stdlib driver.
func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// PGConversationStore implements store.ConversationStore on Postgres.
type PGConversationStore struct {
	db *sql.DB
}

func NewPGConversationStore(db *sql.DB) *PGConversationStore {
	return &PGConversationStore{db: db}
}

func (s *PGConversationStore) Get(ctx context.Context, userID string) (*store.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, COALESCE(thread_id, ''), COALESCE(display_name, ''), token_count, last_activity
		 FROM conversations WHERE user_id = $1`, userID)

	var c store.Conversation
	if err := row.Scan(&c.UserID, &c.ThreadID, &c.DisplayName, &c.TokenCount, &c.LastActivity); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return &c, nil
}

func (s *PGConversationStore) UpdateActivity(ctx context.Context, userID string, tokenCount int64, threadID string) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, user_id, thread_id, token_count, last_activity, created_at, updated_at)
		 VALUES ($1, $2, NULLIF($3, ''), $4, $5, $5, $5)
		 ON CONFLICT (user_id) DO UPDATE SET
		   token_count = EXCLUDED.token_count,
		   thread_id = COALESCE(EXCLUDED.thread_id, conversations.thread_id),
		   last_activity = EXCLUDED.last_activity,
		   updated_at = EXCLUDED.updated_at`,
		uuid.Must(uuid.NewV7()), userID, threadID, tokenCount, now)
	if err != nil {
		return fmt.Errorf("update activity: %w", err)
	}
	return nil
}

func (s *PGConversationStore) SetDisplayName(ctx context.Context, userID, name string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET display_name = $2, updated_at = $3 WHERE user_id = $1`,
		userID, name, time.Now())
	if err != nil {
		return fmt.Errorf("set display name: %w", err)
	}
	return nil
}

func (s *PGConversationStore) Connected() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.db.PingContext(ctx) == nil
}

func (s *PGConversationStore) Close() error { return s.db.Close() }
