// Package bus defines the event shapes exchanged between the channel intake,
// the coalescing buffer, and the reply engine.
package bus

import "context"

// InboundMessage is one message fragment received from the channel bridge.
type InboundMessage struct {
	UserID      string `json:"user_id"`
	ChatID      string `json:"chat_id"`
	DisplayName string `json:"display_name,omitempty"`
	Body        string `json:"body"`
	MessageID   string `json:"message_id,omitempty"`
	FromVoice   bool   `json:"from_voice,omitempty"` // transcribed voice note
}

// PresenceKind is the kind of composing signal a user emits.
type PresenceKind string

const (
	PresenceTyping    PresenceKind = "typing"
	PresenceRecording PresenceKind = "recording"
	PresencePaused    PresenceKind = "paused"
)

// PresenceEvent signals that a user started or stopped composing.
type PresenceEvent struct {
	UserID string       `json:"user_id"`
	ChatID string       `json:"chat_id,omitempty"`
	Kind   PresenceKind `json:"kind"`
}

// ReplyFunc consumes one merged conversational turn. Implementations are
// expected to generate a response and deliver it themselves; the buffer does
// not retry a failed turn.
type ReplyFunc func(ctx context.Context, userID, mergedText, chatID, displayName string) error
