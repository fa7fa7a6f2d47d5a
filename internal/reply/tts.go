package reply

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"
)

// maxTTSInput caps the text handed to the speech API; anything longer gets
// truncated rather than rejected. Voice chunking keeps segments well under
// this, so the cap only matters for pathological inputs.
const maxTTSInput = 8000

// OpenAISynthesizer implements delivery.Synthesizer with the OpenAI speech
// API. Output is an opus data URL the transport can pass straight through.
type OpenAISynthesizer struct {
	client *openai.Client
	model  string
	voice  string
}

// NewSynthesizer creates a speech synthesizer. Empty model or voice fall back
// to sensible defaults.
func NewSynthesizer(client *openai.Client, model, voice string) *OpenAISynthesizer {
	if model == "" {
		model = "gpt-4o-mini-tts"
	}
	if voice == "" {
		voice = "coral"
	}
	return &OpenAISynthesizer{client: client, model: model, voice: voice}
}

// Synthesize renders text as an opus voice note and returns it as a data URL.
func (s *OpenAISynthesizer) Synthesize(ctx context.Context, text string) (string, error) {
	if len(text) > maxTTSInput {
		text = text[:maxTTSInput]
	}

	resp, err := s.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(s.model),
		Input:          text,
		Voice:          openai.SpeechVoice(s.voice),
		ResponseFormat: openai.SpeechResponseFormatOpus,
	})
	if err != nil {
		return "", fmt.Errorf("create speech: %w", err)
	}
	defer resp.Close()

	audio, err := io.ReadAll(resp)
	if err != nil {
		return "", fmt.Errorf("read speech response: %w", err)
	}
	if len(audio) == 0 {
		return "", fmt.Errorf("speech response was empty")
	}

	return "data:audio/opus;base64," + base64.StdEncoding.EncodeToString(audio), nil
}
