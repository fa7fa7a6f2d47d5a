// Package presence tracks ephemeral per-user conversation state: composing
// flags, input-mode hints, and an advisory processing marker. Everything here
// may be dropped at any time — nothing is durable.
package presence

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"github.com/tealquilamos/wabot/internal/clock"
)

// State is the tracked state for one user. Callers receive a snapshot copy;
// mutations go through the tracker's methods.
type State struct {
	UserID         string
	DisplayName    string
	IsTyping       bool
	IsRecording    bool
	LastTypingAt   time.Time
	LastSeenAt     time.Time
	LastInputVoice bool // drives voice-vs-text reply selection
	TypingEvents   int  // statistics only
	Processing     bool // advisory, see TryBeginProcessing
}

// Tracker is a bounded LRU of user states with TTL eviction.
// Reading a missing key always yields a fresh default state.
type Tracker struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	clock    clock.Clock

	order   *list.List               // front = most recent
	entries map[string]*list.Element // userID → *entry
}

type entry struct {
	state   *State
	touched time.Time
}

// NewTracker creates a tracker with the given capacity and TTL.
func NewTracker(capacity int, ttl time.Duration, clk clock.Clock) *Tracker {
	return &Tracker{
		capacity: capacity,
		ttl:      ttl,
		clock:    clk,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
	}
}

// GetOrCreate returns a snapshot of the user's state, constructing a default
// one if absent or expired. Never fails.
func (t *Tracker) GetOrCreate(userID string) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return *t.getOrCreateLocked(userID).state
}

// MarkTyping updates the typing flag and timestamps.
func (t *Tracker) MarkTyping(userID string, isTyping bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.getOrCreateLocked(userID)
	now := t.clock.Now()
	if isTyping && !e.state.IsTyping {
		e.state.TypingEvents++
		e.state.LastTypingAt = now
	}
	e.state.IsTyping = isTyping
	e.state.LastSeenAt = now
}

// MarkRecording updates the voice-note recording flag.
func (t *Tracker) MarkRecording(userID string, isRecording bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.getOrCreateLocked(userID)
	now := t.clock.Now()
	if isRecording && !e.state.IsRecording {
		e.state.TypingEvents++
		e.state.LastTypingAt = now
	}
	e.state.IsRecording = isRecording
	e.state.LastSeenAt = now
}

// MarkVoiceInput records whether the user's last input arrived as a voice note.
func (t *Tracker) MarkVoiceInput(userID string, voice bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.getOrCreateLocked(userID)
	e.state.LastInputVoice = voice
	e.state.LastSeenAt = t.clock.Now()
}

// SetDisplayName refreshes the denormalized display name.
func (t *Tracker) SetDisplayName(userID, name string) {
	if name == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.getOrCreateLocked(userID).state.DisplayName = name
}

// TryBeginProcessing sets the advisory processing marker. Returns false if a
// reply is already being generated for this user. This is a signal, not a
// lock — it neither blocks nor queues concurrent callers.
func (t *Tracker) TryBeginProcessing(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.getOrCreateLocked(userID)
	if e.state.Processing {
		return false
	}
	e.state.Processing = true
	return true
}

// EndProcessing clears the advisory processing marker.
func (t *Tracker) EndProcessing(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.getOrCreateLocked(userID).state.Processing = false
}

// Len reports the number of tracked users.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *Tracker) getOrCreateLocked(userID string) *entry {
	now := t.clock.Now()

	if el, ok := t.entries[userID]; ok {
		e := el.Value.(*entry)
		if now.Sub(e.touched) < t.ttl {
			e.touched = now
			t.order.MoveToFront(el)
			return e
		}
		// Expired — rebuild from scratch, never hand out partial state.
		t.order.Remove(el)
		delete(t.entries, userID)
	}

	e := &entry{
		state:   &State{UserID: userID, LastSeenAt: now},
		touched: now,
	}
	t.entries[userID] = t.order.PushFront(e)
	t.evictLocked()
	return e
}

func (t *Tracker) evictLocked() {
	for len(t.entries) > t.capacity {
		el := t.order.Back()
		if el == nil {
			return
		}
		e := t.order.Remove(el).(*entry)
		delete(t.entries, e.state.UserID)
		slog.Debug("presence state evicted", "user_id", e.state.UserID)
	}
}
