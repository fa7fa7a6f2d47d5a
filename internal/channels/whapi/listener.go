package whapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tealquilamos/wabot/internal/bus"
	"github.com/tealquilamos/wabot/internal/delivery"
)

// Handlers receives decoded inbound events from the bridge.
type Handlers struct {
	OnMessage  func(bus.InboundMessage)
	OnPresence func(bus.PresenceEvent)
	// OnVoiceNote fires when a voice note arrives whose transcription is still
	// pending, so the scheduler can arm the longer voice delay.
	OnVoiceNote func(userID string)
}

// Listener connects to the WhatsApp bridge over WebSocket and translates its
// events into bus types. The bridge handles the actual WhatsApp protocol;
// this side just decodes JSON frames and reconnects when the link drops.
type Listener struct {
	bridgeURL string
	registry  *delivery.Registry
	handlers  Handlers

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewListener creates a bridge listener. registry is consulted to drop echoes
// of the bot's own messages.
func NewListener(bridgeURL string, registry *delivery.Registry, handlers Handlers) *Listener {
	return &Listener{bridgeURL: bridgeURL, registry: registry, handlers: handlers}
}

// Start connects to the bridge and begins listening. Non-blocking; the read
// loop keeps reconnecting with capped backoff until ctx is cancelled.
func (l *Listener) Start(ctx context.Context) error {
	if l.bridgeURL == "" {
		return fmt.Errorf("bridge_url is required")
	}
	slog.Info("starting bridge listener", "bridge_url", l.bridgeURL)

	l.ctx, l.cancel = context.WithCancel(ctx)

	if err := l.connect(); err != nil {
		// Don't fail hard — the reconnect loop will keep trying.
		slog.Warn("initial bridge connection failed, will retry", "error", err)
	}

	go l.listenLoop()
	return nil
}

// Stop closes the bridge connection and stops the read loop.
func (l *Listener) Stop() {
	slog.Info("stopping bridge listener")
	if l.cancel != nil {
		l.cancel()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		_ = l.conn.Close()
		l.conn = nil
	}
	l.connected = false
}

func (l *Listener) connect() error {
	dialer := websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second

	conn, _, err := dialer.Dial(l.bridgeURL, nil)
	if err != nil {
		return fmt.Errorf("dial bridge %s: %w", l.bridgeURL, err)
	}

	l.mu.Lock()
	l.conn = conn
	l.connected = true
	l.mu.Unlock()

	slog.Info("bridge connected", "url", l.bridgeURL)
	return nil
}

func (l *Listener) listenLoop() {
	backoff := time.Second

	for {
		select {
		case <-l.ctx.Done():
			return
		default:
		}

		l.mu.Lock()
		conn := l.conn
		l.mu.Unlock()

		if conn == nil {
			slog.Info("attempting bridge reconnect", "backoff", backoff)
			select {
			case <-l.ctx.Done():
				return
			case <-time.After(backoff):
			}

			if err := l.connect(); err != nil {
				slog.Warn("bridge reconnect failed", "error", err)
				backoff = min(backoff*2, 30*time.Second)
				continue
			}
			backoff = time.Second
			continue
		}

		_, frame, err := conn.ReadMessage()
		if err != nil {
			slog.Warn("bridge read error, will reconnect", "error", err)
			l.mu.Lock()
			if l.conn != nil {
				_ = l.conn.Close()
				l.conn = nil
			}
			l.connected = false
			l.mu.Unlock()
			continue
		}

		l.handleFrame(frame)
	}
}

// bridgeEvent is the JSON frame shape emitted by the bridge.
type bridgeEvent struct {
	Type        string `json:"type"` // "message" or "presence"
	UserID      string `json:"from"`
	ChatID      string `json:"chat"`
	DisplayName string `json:"from_name,omitempty"`
	Body        string `json:"content,omitempty"`
	MessageID   string `json:"id,omitempty"`
	FromMe      bool   `json:"from_me,omitempty"`
	Voice       bool   `json:"voice,omitempty"`    // voice note (transcription follows separately)
	Presence    string `json:"presence,omitempty"` // typing | recording | paused
}

func (l *Listener) handleFrame(frame []byte) {
	var ev bridgeEvent
	if err := json.Unmarshal(frame, &ev); err != nil {
		slog.Warn("invalid bridge frame", "error", err)
		return
	}
	if ev.UserID == "" {
		return
	}
	if ev.ChatID == "" {
		ev.ChatID = ev.UserID
	}

	switch ev.Type {
	case "message":
		// Echoes of our own sends come back through the bridge; drop them.
		if ev.FromMe || l.registry.IsBotMessage(ev.MessageID) {
			slog.Debug("ignoring bot echo", "message_id", ev.MessageID)
			return
		}
		if ev.Voice && ev.Body == "" {
			// Voice note without transcript yet — just arm the longer wait.
			if l.handlers.OnVoiceNote != nil {
				l.handlers.OnVoiceNote(ev.UserID)
			}
			return
		}
		if l.handlers.OnMessage != nil {
			l.handlers.OnMessage(bus.InboundMessage{
				UserID:      ev.UserID,
				ChatID:      ev.ChatID,
				DisplayName: ev.DisplayName,
				Body:        ev.Body,
				MessageID:   ev.MessageID,
				FromVoice:   ev.Voice,
			})
		}
	case "presence":
		if l.handlers.OnPresence != nil {
			l.handlers.OnPresence(bus.PresenceEvent{
				UserID: ev.UserID,
				ChatID: ev.ChatID,
				Kind:   bus.PresenceKind(ev.Presence),
			})
		}
	default:
		slog.Debug("unknown bridge event type", "type", ev.Type)
	}
}
