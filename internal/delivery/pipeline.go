// Package delivery implements the outbound pipeline: it deduplicates reply
// content across text and voice, splits replies into human-paced chunks,
// emits presence indicators, and sends through the channel transport.
package delivery

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"time"

	"github.com/tealquilamos/wabot/internal/bus"
	"github.com/tealquilamos/wabot/internal/clock"
	"github.com/tealquilamos/wabot/internal/presence"
)

const (
	textDelayPerBlock = time.Second // one second per 8 characters
	textDelayCap      = 2 * time.Second
	textDelayTimeout  = 3 * time.Second

	voiceCharsPerWord = 5
	voiceWordsPerSec  = 2.8 // ~168 wpm, natural speaking rate
	voiceDelayCap     = 8 * time.Second
	voiceDelayTimeout = 9 * time.Second
)

// Transport sends messages through the chat channel. Implementations retry
// transient failures with backoff before surfacing an error.
type Transport interface {
	SendText(ctx context.Context, chatID, body string, opts SendOptions) ([]string, error)
	SendVoice(ctx context.Context, chatID, mediaDataURL string, opts SendOptions) ([]string, error)
	SendDocument(ctx context.Context, chatID, mediaDataURL, filename, quotedID string) (string, error)
	SendPresence(ctx context.Context, chatID string, kind bus.PresenceKind) error
}

// SendOptions carries per-message transport options.
type SendOptions struct {
	QuotedID string // message id to quote, first chunk only
}

// Synthesizer turns a text chunk into a playable audio data URL.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (string, error)
}

// Payload is a finished reply ready for delivery.
type Payload struct {
	Body       string
	Attachment *Attachment // optional document, sent before any body text
}

// Attachment is a generated document (booking confirmation PDF and the like).
type Attachment struct {
	Data     []byte
	FileName string
	MIME     string
}

// Opts carries the delivery decision inputs.
type Opts struct {
	// IsQuoteOrPrice forces text delivery and single-block chunking so exact
	// numeric formatting survives.
	IsQuoteOrPrice bool
	// QuotedID is a user-supplied message to quote on the first chunk.
	QuotedID string
	// ActiveTurnQuoteID cites a message that arrived mid-generation; it takes
	// priority over QuotedID.
	ActiveTurnQuoteID string
}

// Result reports the outcome of one delivery.
type Result struct {
	Success     bool
	SentAsVoice bool
	MessageIDs  []string
}

// Pipeline coordinates dedup, chunking, pacing, and sending.
type Pipeline struct {
	transport Transport
	registry  *Registry
	synth     Synthesizer
	clock     clock.Clock

	maxVoiceSegments  int
	voiceSegmentChars int
	voiceEnabled      bool
}

// Config tunes the pipeline.
type Config struct {
	MaxVoiceSegments  int // audio notes per reply (default 7)
	VoiceSegmentChars int // characters per note (default 700)
	VoiceEnabled      bool
}

// NewPipeline creates a delivery pipeline. synth may be nil when voice replies
// are disabled.
func NewPipeline(transport Transport, registry *Registry, synth Synthesizer, clk clock.Clock, cfg Config) *Pipeline {
	if cfg.MaxVoiceSegments <= 0 {
		cfg.MaxVoiceSegments = 7
	}
	if cfg.VoiceSegmentChars <= 0 {
		cfg.VoiceSegmentChars = 700
	}
	return &Pipeline{
		transport:         transport,
		registry:          registry,
		synth:             synth,
		clock:             clk,
		maxVoiceSegments:  cfg.MaxVoiceSegments,
		voiceSegmentChars: cfg.VoiceSegmentChars,
		voiceEnabled:      cfg.VoiceEnabled && synth != nil,
	}
}

// Deliver sends one reply to a chat. Chunks go out strictly in order, each
// after its own presence indicator and pacing delay. Already-sent content is
// suppressed and reported as success with zero message ids.
func (p *Pipeline) Deliver(ctx context.Context, chatID string, payload Payload, state presence.State, opts Opts) Result {
	quotedID := opts.QuotedID
	if opts.ActiveTurnQuoteID != "" {
		// A message that arrived while the reply was being generated wins the
		// citation, so the user sees which input the answer belongs to.
		quotedID = opts.ActiveTurnQuoteID
	}

	var ids []string

	if payload.Attachment != nil {
		id, err := p.sendAttachment(ctx, chatID, payload.Attachment, quotedID)
		if err != nil {
			slog.Warn("attachment send failed", "chat_id", chatID, "error", err)
			return Result{Success: false}
		}
		if id != "" {
			ids = append(ids, id)
			p.registry.RecordMessageID(id)
		}
		if payload.Body == "" {
			// Attachment-only replies skip chunking and pacing entirely.
			return Result{Success: true, MessageIDs: ids}
		}
		// The attachment already carried the citation; quoting the text part
		// too would double-cite.
		quotedID = ""
	}

	if p.registry.Seen(chatID, payload.Body) {
		slog.Info("duplicate reply suppressed", "chat_id", chatID)
		return Result{Success: true, MessageIDs: ids}
	}

	useVoice := p.voiceEnabled && state.LastInputVoice && !opts.IsQuoteOrPrice

	if useVoice {
		voiceIDs, err := p.deliverVoice(ctx, chatID, payload.Body, quotedID)
		if err != nil {
			// No silent fallback to text: the first notes may already be out,
			// and re-sending as text would duplicate the reply.
			slog.Warn("voice delivery failed, not falling back to text",
				"chat_id", chatID, "error", err)
			return Result{Success: false, MessageIDs: append(ids, voiceIDs...)}
		}
		ids = append(ids, voiceIDs...)
		p.registry.Record(chatID, payload.Body)
		return Result{Success: true, SentAsVoice: true, MessageIDs: ids}
	}

	textIDs, err := p.deliverText(ctx, chatID, payload.Body, opts.IsQuoteOrPrice, quotedID)
	if err != nil {
		slog.Warn("text delivery failed", "chat_id", chatID, "error", err)
		return Result{Success: false, MessageIDs: append(ids, textIDs...)}
	}
	ids = append(ids, textIDs...)
	p.registry.Record(chatID, payload.Body)
	return Result{Success: true, MessageIDs: ids}
}

func (p *Pipeline) deliverText(ctx context.Context, chatID, body string, isQuoteOrPrice bool, quotedID string) ([]string, error) {
	chunks := splitText(body, isQuoteOrPrice)
	slog.Debug("text reply split", "chat_id", chatID, "chunks", len(chunks))

	var ids []string
	for i, chunk := range chunks {
		if err := p.transport.SendPresence(ctx, chatID, bus.PresenceTyping); err != nil {
			slog.Debug("typing indicator failed", "chat_id", chatID, "error", err)
		}
		p.pace(ctx, textPacing(len(chunk)), textDelayTimeout)

		opts := SendOptions{}
		if i == 0 {
			opts.QuotedID = quotedID
		}
		sent, err := p.transport.SendText(ctx, chatID, SanitizeOutbound(chunk), opts)
		if err != nil {
			return ids, fmt.Errorf("send chunk %d/%d: %w", i+1, len(chunks), err)
		}
		for _, id := range sent {
			ids = append(ids, id)
			p.registry.RecordMessageID(id)
		}
	}
	return ids, nil
}

func (p *Pipeline) deliverVoice(ctx context.Context, chatID, body string, quotedID string) ([]string, error) {
	chunks := splitVoice(body, p.voiceSegmentChars, p.maxVoiceSegments)
	slog.Debug("voice reply split", "chat_id", chatID, "notes", len(chunks))

	var ids []string
	for i, chunk := range chunks {
		text := SanitizeOutbound(chunk)

		audio, err := p.synth.Synthesize(ctx, text)
		if err != nil {
			return ids, fmt.Errorf("synthesize note %d/%d: %w", i+1, len(chunks), err)
		}

		if err := p.transport.SendPresence(ctx, chatID, bus.PresenceRecording); err != nil {
			slog.Debug("recording indicator failed", "chat_id", chatID, "error", err)
		}
		p.pace(ctx, voicePacing(len(text)), voiceDelayTimeout)

		opts := SendOptions{}
		if i == 0 {
			opts.QuotedID = quotedID
		}
		sent, err := p.transport.SendVoice(ctx, chatID, audio, opts)
		if err != nil {
			return ids, fmt.Errorf("send note %d/%d: %w", i+1, len(chunks), err)
		}
		for _, id := range sent {
			ids = append(ids, id)
			p.registry.RecordMessageID(id)
		}
	}
	return ids, nil
}

func (p *Pipeline) sendAttachment(ctx context.Context, chatID string, att *Attachment, quotedID string) (string, error) {
	mime := att.MIME
	if mime == "" {
		mime = "application/pdf"
	}
	dataURL := fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(att.Data))
	return p.transport.SendDocument(ctx, chatID, dataURL, att.FileName, quotedID)
}

// pace waits the computed humanizing delay, racing it against a hard timeout
// so a stuck timer can never wedge delivery. The timeout branch logs and
// moves on to the next chunk.
func (p *Pipeline) pace(ctx context.Context, d, hard time.Duration) {
	if d <= 0 {
		return
	}
	done := make(chan struct{})
	doneH := p.clock.After(d, func() { close(done) })
	timeout := make(chan struct{})
	timeoutH := p.clock.After(hard, func() { close(timeout) })
	defer doneH.Stop()
	defer timeoutH.Stop()

	select {
	case <-done:
	case <-timeout:
		slog.Info("pacing delay timed out, continuing", "delay_ms", d.Milliseconds())
	case <-ctx.Done():
	}
}

// textPacing simulates typing: one second per 8 characters, capped at 2s.
func textPacing(chunkLen int) time.Duration {
	blocks := (chunkLen + 7) / 8
	d := time.Duration(blocks) * textDelayPerBlock
	if d > textDelayCap {
		return textDelayCap
	}
	return d
}

// voicePacing estimates spoken duration (~5 chars per word at ~2.8 words per
// second), capped at 8s.
func voicePacing(chunkLen int) time.Duration {
	words := float64(chunkLen) / voiceCharsPerWord
	d := time.Duration(words / voiceWordsPerSec * float64(time.Second))
	if d > voiceDelayCap {
		return voiceDelayCap
	}
	return d
}
