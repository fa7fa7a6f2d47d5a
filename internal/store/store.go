// Package store defines the durable record store consumed by the usage
// coalescer and the serve wiring. Postgres backs managed deployments,
// SQLite backs standalone ones.
package store

import (
	"context"
	"time"
)

// Conversation is the durable per-guest record: backend thread handle,
// accumulated token usage, and last-activity bookkeeping.
type Conversation struct {
	UserID       string    `json:"user_id"`
	ThreadID     string    `json:"thread_id,omitempty"` // opaque generation-backend handle
	DisplayName  string    `json:"display_name,omitempty"`
	TokenCount   int64     `json:"token_count"`
	LastActivity time.Time `json:"last_activity"`
}

// ConversationStore persists guest conversation records.
type ConversationStore interface {
	// Get returns the record for a user, or nil when none exists.
	Get(ctx context.Context, userID string) (*Conversation, error)

	// UpdateActivity upserts last-activity and the absolute token count in a
	// single statement. threadID is refreshed when non-empty.
	UpdateActivity(ctx context.Context, userID string, tokenCount int64, threadID string) error

	// SetDisplayName refreshes the denormalized guest name.
	SetDisplayName(ctx context.Context, userID, name string) error

	// Connected reports whether the backing database is reachable. Callers
	// are expected to hold writes while false.
	Connected() bool

	Close() error
}
