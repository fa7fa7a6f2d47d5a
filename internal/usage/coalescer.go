// Package usage batches token-usage and last-activity writes: bursts of
// updates for one user collapse into a single durable write at the end of a
// fixed cool-down window (trailing-edge write).
package usage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tealquilamos/wabot/internal/clock"
	"github.com/tealquilamos/wabot/internal/store"
)

// Coalescer accumulates usage deltas per user while a window is open and
// performs one read-merge-write per window. Unlike the inbound buffer's
// ratchet, the window length here is fixed: later updates never move the
// write time.
type Coalescer struct {
	ctx        context.Context
	store      store.ConversationStore
	clock      clock.Clock
	window     time.Duration
	driftLimit int64

	mu          sync.Mutex
	pending     map[string]*pendingUpdate
	lastWritten map[string]int64 // last absolute value this process wrote
}

type pendingUpdate struct {
	firstSeenAt time.Time
	delta       int64 // accumulated while the window is open
	threadID    string
	timer       clock.Handle
}

// NewCoalescer creates a coalescer writing through the given store.
func NewCoalescer(ctx context.Context, st store.ConversationStore, clk clock.Clock, window time.Duration, driftLimit int64) *Coalescer {
	if window <= 0 {
		window = 2 * time.Minute
	}
	return &Coalescer{
		ctx:         ctx,
		store:       st,
		clock:       clk,
		window:      window,
		driftLimit:  driftLimit,
		pending:     make(map[string]*pendingUpdate),
		lastWritten: make(map[string]int64),
	}
}

// Record adds a usage delta for the user. The first call opens a window and
// arms its timer; subsequent calls inside the window accumulate the delta and
// refresh the thread handle without touching the timer.
func (c *Coalescer) Record(userID string, delta int64, threadID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.pending[userID]; ok {
		p.delta += delta
		if threadID != "" {
			p.threadID = threadID
		}
		slog.Debug("usage delta accumulated",
			"user_id", userID, "delta", delta, "window_total", p.delta)
		return
	}

	p := &pendingUpdate{
		firstSeenAt: c.clock.Now(),
		delta:       delta,
		threadID:    threadID,
	}
	p.timer = c.clock.After(c.window, func() { c.fire(userID) })
	c.pending[userID] = p
	slog.Debug("usage window opened",
		"user_id", userID, "delta", delta, "window_ms", c.window.Milliseconds())
}

// Cancel discards a pending window without writing. Returns false when no
// window was open.
func (c *Coalescer) Cancel(userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pending[userID]
	if !ok {
		return false
	}
	p.timer.Stop()
	delete(c.pending, userID)
	slog.Info("pending usage window cancelled", "user_id", userID, "dropped_delta", p.delta)
	return true
}

// FlushAll fires every open window immediately. Used at shutdown.
func (c *Coalescer) FlushAll() {
	c.mu.Lock()
	users := make([]string, 0, len(c.pending))
	for userID, p := range c.pending {
		p.timer.Stop()
		users = append(users, userID)
	}
	c.mu.Unlock()

	if len(users) > 0 {
		slog.Info("flushing pending usage windows", "count", len(users))
	}
	for _, userID := range users {
		c.fire(userID)
	}
}

// Pending reports how many windows are open.
func (c *Coalescer) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// fire closes the user's window: read the durable baseline, add the
// accumulated delta, write back the sum in one statement.
func (c *Coalescer) fire(userID string) {
	c.mu.Lock()
	p, ok := c.pending[userID]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.pending, userID)
	last, hasLast := c.lastWritten[userID]
	c.mu.Unlock()

	var baseline int64
	existing, err := c.store.Get(c.ctx, userID)
	if err != nil {
		slog.Warn("usage baseline read failed, writing delta only",
			"user_id", userID, "error", err)
	} else if existing != nil {
		baseline = existing.TokenCount
	}

	// External writers also touch this record; a huge jump since our last
	// write usually means counters diverged somewhere. Warn, then write
	// anyway — the merged sum is still the best value we have.
	if hasLast && c.driftLimit > 0 && baseline-last > c.driftLimit {
		slog.Warn("usage baseline drift detected",
			"user_id", userID, "last_written", last, "baseline", baseline,
			"jump", baseline-last, "limit", c.driftLimit)
	}

	total := baseline + p.delta
	if err := c.store.UpdateActivity(c.ctx, userID, total, p.threadID); err != nil {
		slog.Warn("usage write failed", "user_id", userID, "total", total, "error", err)
		return
	}

	c.mu.Lock()
	c.lastWritten[userID] = total
	c.mu.Unlock()

	slog.Info("usage written",
		"user_id", userID, "baseline", baseline, "delta", p.delta, "total", total,
		"window_ms", c.clock.Now().Sub(p.firstSeenAt).Milliseconds())
}
