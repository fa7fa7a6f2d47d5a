package delivery

import (
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/tealquilamos/wabot/internal/clock"
)

// internalIDPattern matches backend artifact ids that occasionally leak into
// generated text; they are stripped before sending and before dedup hashing.
var internalIDPattern = regexp.MustCompile(`\[(?:th_|run_|msg_|thread_|asst_)[^\]]+\]`)

var whitespacePattern = regexp.MustCompile(`\s+`)

// normalizeContent reduces a reply body to a dedup key: internal ids removed,
// whitespace collapsed, lowercased, truncated to 200 chars. Two replies that
// normalize equally are treated as the same logical content.
func normalizeContent(content string) string {
	s := internalIDPattern.ReplaceAllString(content, "")
	s = whitespacePattern.ReplaceAllString(s, " ")
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

// SanitizeOutbound strips internal backend ids from text about to be sent or
// synthesized.
func SanitizeOutbound(text string) string {
	return strings.TrimSpace(internalIDPattern.ReplaceAllString(text, ""))
}

// Registry remembers recently sent reply content per chat, and the message ids
// the bot has authored. Both are bounded by a retention window. A reply body
// is recorded once no matter which channel (text or voice) carried it, so the
// alternate channel is suppressed within the window.
type Registry struct {
	mu        sync.Mutex
	retention time.Duration
	clock     clock.Clock
	content   map[string]time.Time // chatID \x00 normalizedContent → sentAt
	msgIDs    map[string]time.Time // bot-authored message id → sentAt
}

// NewRegistry creates a registry with the given retention window.
func NewRegistry(retention time.Duration, clk clock.Clock) *Registry {
	return &Registry{
		retention: retention,
		clock:     clk,
		content:   make(map[string]time.Time),
		msgIDs:    make(map[string]time.Time),
	}
}

// Seen reports whether equivalent content was already sent to this chat
// within the retention window.
func (r *Registry) Seen(chatID, content string) bool {
	key := contentKey(chatID, content)
	r.mu.Lock()
	defer r.mu.Unlock()

	sentAt, ok := r.content[key]
	if !ok {
		return false
	}
	if r.clock.Now().Sub(sentAt) > r.retention {
		delete(r.content, key)
		return false
	}
	return true
}

// Record marks content as sent to this chat.
func (r *Registry) Record(chatID, content string) {
	key := contentKey(chatID, content)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.content[key] = r.clock.Now()
}

// RecordMessageID marks a transport message id as bot-authored, so inbound
// echoes can be recognized and later turns can quote it.
func (r *Registry) RecordMessageID(id string) {
	if id == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgIDs[id] = r.clock.Now()
}

// IsBotMessage reports whether the id belongs to a message this bot sent.
func (r *Registry) IsBotMessage(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.msgIDs[id]
	return ok
}

// Prune drops entries older than the retention window. Returns how many were
// removed. Run periodically; Seen also lazily expires on read.
func (r *Registry) Prune() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.clock.Now().Add(-r.retention)
	removed := 0
	for k, t := range r.content {
		if t.Before(cutoff) {
			delete(r.content, k)
			removed++
		}
	}
	for k, t := range r.msgIDs {
		if t.Before(cutoff) {
			delete(r.msgIDs, k)
			removed++
		}
	}
	return removed
}

func contentKey(chatID, content string) string {
	return strings.ToLower(chatID) + "\x00" + normalizeContent(content)
}
