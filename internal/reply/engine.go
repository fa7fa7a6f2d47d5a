// Package reply generates responses for merged conversational turns and
// hands them to the delivery pipeline. The OpenAI engine here is the default
// backend; anything satisfying bus.ReplyFunc can replace it.
package reply

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"

	"github.com/tealquilamos/wabot/internal/delivery"
	"github.com/tealquilamos/wabot/internal/presence"
	"github.com/tealquilamos/wabot/internal/tracing"
	"github.com/tealquilamos/wabot/internal/usage"
)

const systemPrompt = `You are the friendly host assistant for a vacation
apartment rental. Answer guest questions concisely and warmly. Use short
paragraphs separated by blank lines. Never invent prices or availability.`

// priceish matches replies that carry exact amounts; those always go out as
// text so the numeric formatting survives.
var priceish = regexp.MustCompile(`(?i)(\$|€|USD|COP|EUR)\s?\d|total[:\s]+\d|\d+\s?(per night|por noche)`)

// Engine answers merged turns with an OpenAI chat completion and delivers
// the result through the outbound pipeline.
type Engine struct {
	client   *openai.Client
	model    string
	pipeline *delivery.Pipeline
	tracker  *presence.Tracker
	usage    *usage.Coalescer
}

// NewEngine wires the OpenAI backend to the delivery pipeline.
func NewEngine(client *openai.Client, model string, pipeline *delivery.Pipeline, tracker *presence.Tracker, coalescer *usage.Coalescer) *Engine {
	return &Engine{
		client:   client,
		model:    model,
		pipeline: pipeline,
		tracker:  tracker,
		usage:    coalescer,
	}
}

// Reply implements bus.ReplyFunc: generate, deliver, account usage.
func (e *Engine) Reply(ctx context.Context, userID, mergedText, chatID, displayName string) error {
	ctx, span := tracing.Tracer().Start(ctx, "reply.turn")
	span.SetAttributes(attribute.String("chat.id", chatID))
	defer span.End()

	if !e.tracker.TryBeginProcessing(userID) {
		// Advisory only: note the overlap and proceed. Concurrent turns for
		// one user are rare (the buffer serializes flushes) but possible
		// when an overflow flush races a timer fire.
		slog.Warn("overlapping reply generation", "user_id", userID)
	}
	defer e.tracker.EndProcessing(userID)

	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: e.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userMessage(mergedText, displayName)},
		},
	})
	if err != nil {
		return fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return fmt.Errorf("chat completion: empty response")
	}
	body := strings.TrimSpace(resp.Choices[0].Message.Content)
	if body == "" {
		return fmt.Errorf("chat completion: blank reply")
	}

	state := e.tracker.GetOrCreate(userID)
	result := e.pipeline.Deliver(ctx, chatID, delivery.Payload{Body: body}, state, delivery.Opts{
		IsQuoteOrPrice: priceish.MatchString(body),
	})
	if !result.Success {
		return fmt.Errorf("delivery failed for chat %s", chatID)
	}

	if e.usage != nil && resp.Usage.TotalTokens > 0 {
		e.usage.Record(userID, int64(resp.Usage.TotalTokens), resp.ID)
	}

	slog.Info("turn answered",
		"user_id", userID, "chat_id", chatID,
		"as_voice", result.SentAsVoice, "messages", len(result.MessageIDs),
		"tokens", resp.Usage.TotalTokens)
	return nil
}

func userMessage(mergedText, displayName string) string {
	if displayName == "" {
		return mergedText
	}
	return fmt.Sprintf("Guest %s writes:\n%s", displayName, mergedText)
}
