// Package buffer implements the inbound coalescing scheduler: message
// fragments from one user are accumulated until an escalating, trigger-aware
// quiet period elapses, then merged into a single turn and handed to the
// reply callback.
package buffer

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tealquilamos/wabot/internal/bus"
	"github.com/tealquilamos/wabot/internal/clock"
)

// Trigger identifies what kind of inbound activity is (re)arming the timer.
// Stronger triggers carry longer delays.
type Trigger string

const (
	TriggerMessage   Trigger = "message"
	TriggerVoice     Trigger = "voice"
	TriggerTyping    Trigger = "typing"
	TriggerRecording Trigger = "recording"
)

// Options configures the scheduler. Zero values fall back to the defaults
// from config.BufferConfig.
type Options struct {
	MessageDelay time.Duration // quiet period after a text fragment
	VoiceDelay   time.Duration // after a voice note (waits for transcription)
	TypingDelay  time.Duration // while the user is typing or recording
	MaxFragments int           // overflow valve: flush immediately at this count
	// RestoreOnError re-queues the merged fragments when the reply callback
	// fails, so the next trigger retries them. Off by default: the generation
	// backend is assumed safe to skip, and re-queueing risks duplicate replies.
	RestoreOnError bool
}

func (o *Options) delayFor(t Trigger) time.Duration {
	switch t {
	case TriggerVoice:
		return o.VoiceDelay
	case TriggerTyping, TriggerRecording:
		return o.TypingDelay
	default:
		return o.MessageDelay
	}
}

// Manager owns one coalescing buffer per active user.
// All users are independent; a slow or failing reply callback for one user
// never blocks another user's timers.
type Manager struct {
	ctx   context.Context
	opts  Options
	clock clock.Clock
	reply bus.ReplyFunc

	mu      sync.Mutex
	buffers map[string]*userBuffer
}

type userBuffer struct {
	fragments    []string
	chatID       string
	displayName  string
	lastActivity time.Time
	armedDelay   time.Duration // delay of the armed timer, 0 = none
	timer        clock.Handle
}

// NewManager creates a scheduler that invokes reply with each merged turn.
// ctx is passed through to the callback and cancels it on shutdown.
func NewManager(ctx context.Context, opts Options, clk clock.Clock, reply bus.ReplyFunc) *Manager {
	if opts.MessageDelay <= 0 {
		opts.MessageDelay = 5 * time.Second
	}
	if opts.VoiceDelay <= 0 {
		opts.VoiceDelay = 8 * time.Second
	}
	if opts.TypingDelay <= 0 {
		opts.TypingDelay = 10 * time.Second
	}
	if opts.MaxFragments <= 0 {
		opts.MaxFragments = 50
	}
	return &Manager{
		ctx:     ctx,
		opts:    opts,
		clock:   clk,
		reply:   reply,
		buffers: make(map[string]*userBuffer),
	}
}

// Ingest appends a fragment to the user's buffer, creating it if absent.
// Hitting the fragment cap flushes synchronously before Ingest returns
// (overflow valve); otherwise the message-trigger timer is armed.
func (m *Manager) Ingest(userID, text, chatID, displayName string) {
	m.mu.Lock()
	b := m.getOrCreateLocked(userID)
	if chatID != "" {
		b.chatID = chatID
	}
	if displayName != "" {
		b.displayName = displayName
	}
	b.fragments = append(b.fragments, text)
	b.lastActivity = m.clock.Now()
	overflow := len(b.fragments) >= m.opts.MaxFragments
	m.mu.Unlock()

	if overflow {
		slog.Warn("fragment cap reached, flushing immediately",
			"user_id", userID, "fragments", m.opts.MaxFragments)
		m.flush(userID)
		return
	}

	slog.Debug("fragment buffered", "user_id", userID, "fragments", len(b.fragments))
	m.Arm(userID, TriggerMessage)
}

// Arm schedules (or extends) the user's flush timer for the given trigger.
//
// Ratchet rule: the timer is only (re)armed when none is running, or when the
// requested delay is strictly greater than the armed delay. A weaker trigger
// never resets a countdown already in progress, so its remaining time may be
// shorter than the delay just requested.
func (m *Manager) Arm(userID string, trigger Trigger) {
	delay := m.opts.delayFor(trigger)

	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.getOrCreateLocked(userID)
	b.lastActivity = m.clock.Now()

	if b.timer != nil && delay <= b.armedDelay {
		slog.Debug("timer kept, ratchet holds",
			"user_id", userID, "armed_ms", b.armedDelay.Milliseconds(),
			"requested_ms", delay.Milliseconds(), "trigger", string(trigger))
		return
	}

	if b.timer != nil {
		b.timer.Stop()
	}
	b.armedDelay = delay
	b.timer = m.clock.After(delay, func() { m.flush(userID) })
	slog.Debug("timer armed",
		"user_id", userID, "delay_ms", delay.Milliseconds(), "trigger", string(trigger))
}

// flush merges and processes the user's buffered fragments.
// Safe to re-enter: the fragment list is snapshotted and cleared up front, so
// a second flush finds an empty buffer and becomes a no-op delete.
func (m *Manager) flush(userID string) {
	m.mu.Lock()
	b, ok := m.buffers[userID]
	if !ok {
		m.mu.Unlock()
		return
	}
	m.disarmLocked(b)
	if len(b.fragments) == 0 {
		delete(m.buffers, userID)
		m.mu.Unlock()
		return
	}
	fragments := b.fragments
	b.fragments = nil
	chatID, displayName := b.chatID, b.displayName
	m.mu.Unlock()

	merged := strings.Join(fragments, "\n")
	slog.Info("flushing coalesced turn",
		"user_id", userID, "fragments", len(fragments), "chars", len(merged))

	if err := m.reply(m.ctx, userID, merged, chatID, displayName); err != nil {
		slog.Warn("reply callback failed, turn dropped",
			"user_id", userID, "fragments", len(fragments), "error", err)
		if m.opts.RestoreOnError {
			m.restore(userID, fragments)
			return
		}
	}

	m.mu.Lock()
	if b, ok := m.buffers[userID]; ok && len(b.fragments) == 0 {
		m.disarmLocked(b)
		delete(m.buffers, userID)
	}
	m.mu.Unlock()
}

// restore puts a failed turn's fragments back at the head of the buffer and
// re-arms the message timer. Fragments that arrived during the callback stay
// behind the restored ones, preserving arrival order.
func (m *Manager) restore(userID string, fragments []string) {
	m.mu.Lock()
	b := m.getOrCreateLocked(userID)
	b.fragments = append(fragments, b.fragments...)
	b.lastActivity = m.clock.Now()
	m.mu.Unlock()
	m.Arm(userID, TriggerMessage)
}

// Cleanup removes buffers idle for longer than maxIdle, cancelling their
// timers. Pending fragments are discarded (abandoned-conversation
// reclamation). Returns how many buffers were removed.
func (m *Manager) Cleanup(maxIdle time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	cleaned := 0
	for userID, b := range m.buffers {
		if now.Sub(b.lastActivity) <= maxIdle {
			continue
		}
		m.disarmLocked(b)
		delete(m.buffers, userID)
		cleaned++
		slog.Info("idle buffer reclaimed",
			"user_id", userID, "dropped_fragments", len(b.fragments))
	}
	return cleaned
}

// Stop cancels every armed timer and drops all buffers. Half-typed turns are
// not flushed at shutdown — firing the generation backend on a partial turn
// is worse than losing the fragments.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for userID, b := range m.buffers {
		m.disarmLocked(b)
		delete(m.buffers, userID)
	}
}

// Active reports the number of live buffers.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buffers)
}

func (m *Manager) getOrCreateLocked(userID string) *userBuffer {
	b, ok := m.buffers[userID]
	if !ok {
		b = &userBuffer{lastActivity: m.clock.Now()}
		m.buffers[userID] = b
	}
	return b
}

func (m *Manager) disarmLocked(b *userBuffer) {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.armedDelay = 0
}
