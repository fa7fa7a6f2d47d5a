package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/tealquilamos/wabot/internal/bus"
	"github.com/tealquilamos/wabot/internal/clock"
	"github.com/tealquilamos/wabot/internal/presence"
)

type sentMessage struct {
	kind     string // "text" or "voice"
	body     string
	quotedID string
}

type fakeTransport struct {
	mu        sync.Mutex
	sent      []sentMessage
	presences []bus.PresenceKind
	nextID    int
	failVoice bool
	failText  bool
}

func (f *fakeTransport) SendText(_ context.Context, chatID, body string, opts SendOptions) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failText {
		return nil, errors.New("text send failed")
	}
	f.nextID++
	f.sent = append(f.sent, sentMessage{kind: "text", body: body, quotedID: opts.QuotedID})
	return []string{fmt.Sprintf("wamid.%d", f.nextID)}, nil
}

func (f *fakeTransport) SendVoice(_ context.Context, chatID, mediaDataURL string, opts SendOptions) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failVoice {
		return nil, errors.New("voice send failed")
	}
	f.nextID++
	f.sent = append(f.sent, sentMessage{kind: "voice", body: mediaDataURL, quotedID: opts.QuotedID})
	return []string{fmt.Sprintf("wamid.%d", f.nextID)}, nil
}

func (f *fakeTransport) SendDocument(_ context.Context, chatID, mediaDataURL, filename, quotedID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.sent = append(f.sent, sentMessage{kind: "document", body: filename, quotedID: quotedID})
	return fmt.Sprintf("wamid.%d", f.nextID), nil
}

func (f *fakeTransport) SendPresence(_ context.Context, chatID string, kind bus.PresenceKind) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.presences = append(f.presences, kind)
	return nil
}

func (f *fakeTransport) messages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

type fakeSynth struct{ fail bool }

func (s *fakeSynth) Synthesize(_ context.Context, text string) (string, error) {
	if s.fail {
		return "", errors.New("tts unavailable")
	}
	return "data:audio/opus;base64,QUJD", nil
}

// deliver runs Deliver on a goroutine and pumps the manual clock until the
// pacing delays resolve.
func deliver(t *testing.T, p *Pipeline, clk *clock.Manual, chatID string, payload Payload, state presence.State, opts Opts) Result {
	t.Helper()
	done := make(chan Result, 1)
	go func() {
		done <- p.Deliver(context.Background(), chatID, payload, state, opts)
	}()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case res := <-done:
			return res
		case <-deadline:
			t.Fatalf("Deliver did not finish")
		default:
			clk.Advance(time.Second)
			time.Sleep(time.Millisecond)
		}
	}
}

func newTestPipeline(transport Transport, synth Synthesizer) (*Pipeline, *Registry, *clock.Manual) {
	clk := clock.NewManual(time.Unix(1700000000, 0))
	reg := NewRegistry(10*time.Minute, clk)
	p := NewPipeline(transport, reg, synth, clk, Config{VoiceEnabled: synth != nil})
	return p, reg, clk
}

func TestDeliverTextChunksInOrder(t *testing.T) {
	tr := &fakeTransport{}
	p, _, clk := newTestPipeline(tr, nil)

	res := deliver(t, p, clk, "chat1", Payload{Body: "Primero.\n\nSegundo.\n\nTercero."},
		presence.State{}, Opts{})

	if !res.Success || res.SentAsVoice {
		t.Fatalf("unexpected result %+v", res)
	}
	msgs := tr.messages()
	if len(msgs) != 3 {
		t.Fatalf("sent %d messages, want 3", len(msgs))
	}
	for i, want := range []string{"Primero.", "Segundo.", "Tercero."} {
		if msgs[i].body != want {
			t.Errorf("message %d = %q, want %q", i, msgs[i].body, want)
		}
	}
	if len(res.MessageIDs) != 3 {
		t.Errorf("got %d message ids, want 3", len(res.MessageIDs))
	}
	if len(tr.presences) != 3 {
		t.Errorf("got %d typing indicators, want 3", len(tr.presences))
	}
}

func TestDeliverDuplicateSuppressed(t *testing.T) {
	tr := &fakeTransport{}
	p, _, clk := newTestPipeline(tr, nil)

	first := deliver(t, p, clk, "chat1", Payload{Body: "misma respuesta"}, presence.State{}, Opts{})
	if !first.Success || len(first.MessageIDs) != 1 {
		t.Fatalf("first delivery failed: %+v", first)
	}

	second := deliver(t, p, clk, "chat1", Payload{Body: "Misma  RESPUESTA"}, presence.State{}, Opts{})
	if !second.Success {
		t.Errorf("suppressed duplicate must still report success")
	}
	if len(second.MessageIDs) != 0 {
		t.Errorf("duplicate produced %d message ids, want 0", len(second.MessageIDs))
	}
	if len(tr.messages()) != 1 {
		t.Errorf("duplicate actually sent")
	}
}

func TestDeliverVoiceWhenLastInputVoice(t *testing.T) {
	tr := &fakeTransport{}
	p, _, clk := newTestPipeline(tr, &fakeSynth{})

	res := deliver(t, p, clk, "chat1", Payload{Body: "Claro, está disponible."},
		presence.State{LastInputVoice: true}, Opts{})

	if !res.Success || !res.SentAsVoice {
		t.Fatalf("voice input did not produce a voice reply: %+v", res)
	}
	msgs := tr.messages()
	if len(msgs) != 1 || msgs[0].kind != "voice" {
		t.Fatalf("sent %+v, want one voice note", msgs)
	}
	if tr.presences[0] != bus.PresenceRecording {
		t.Errorf("voice note preceded by %q indicator, want recording", tr.presences[0])
	}
}

func TestQuoteForcesTextDespiteVoiceInput(t *testing.T) {
	tr := &fakeTransport{}
	p, _, clk := newTestPipeline(tr, &fakeSynth{})

	res := deliver(t, p, clk, "chat1", Payload{Body: "Total: $450.000"},
		presence.State{LastInputVoice: true}, Opts{IsQuoteOrPrice: true})

	if !res.Success || res.SentAsVoice {
		t.Fatalf("price reply went out as voice: %+v", res)
	}
	msgs := tr.messages()
	if len(msgs) != 1 || msgs[0].kind != "text" {
		t.Fatalf("sent %+v, want one text message", msgs)
	}
}

func TestVoiceFailureNoTextFallback(t *testing.T) {
	tr := &fakeTransport{failVoice: true}
	p, _, clk := newTestPipeline(tr, &fakeSynth{})

	res := deliver(t, p, clk, "chat1", Payload{Body: "Hola."},
		presence.State{LastInputVoice: true}, Opts{})

	if res.Success {
		t.Fatalf("failed voice delivery reported success")
	}
	for _, m := range tr.messages() {
		if m.kind == "text" {
			t.Errorf("voice failure fell back to text")
		}
	}
}

func TestFailedDeliveryNotRecordedAsSent(t *testing.T) {
	tr := &fakeTransport{failText: true}
	p, _, clk := newTestPipeline(tr, nil)

	res := deliver(t, p, clk, "chat1", Payload{Body: "intento"}, presence.State{}, Opts{})
	if res.Success {
		t.Fatalf("failed delivery reported success")
	}

	tr.failText = false
	retry := deliver(t, p, clk, "chat1", Payload{Body: "intento"}, presence.State{}, Opts{})
	if !retry.Success || len(retry.MessageIDs) != 1 {
		t.Errorf("retry after failure was suppressed as duplicate: %+v", retry)
	}
}

func TestFirstChunkOnlyQuoting(t *testing.T) {
	tr := &fakeTransport{}
	p, _, clk := newTestPipeline(tr, nil)

	res := deliver(t, p, clk, "chat1", Payload{Body: "Uno.\n\nDos."},
		presence.State{}, Opts{QuotedID: "wamid.user1"})
	if !res.Success {
		t.Fatalf("delivery failed")
	}

	msgs := tr.messages()
	if msgs[0].quotedID != "wamid.user1" {
		t.Errorf("first chunk quote = %q, want wamid.user1", msgs[0].quotedID)
	}
	if msgs[1].quotedID != "" {
		t.Errorf("second chunk carries a quote: %q", msgs[1].quotedID)
	}
}

func TestActiveTurnQuoteWins(t *testing.T) {
	tr := &fakeTransport{}
	p, _, clk := newTestPipeline(tr, nil)

	deliver(t, p, clk, "chat1", Payload{Body: "respuesta"},
		presence.State{}, Opts{QuotedID: "wamid.old", ActiveTurnQuoteID: "wamid.fresh"})

	if got := tr.messages()[0].quotedID; got != "wamid.fresh" {
		t.Errorf("quoted %q, want the mid-generation message wamid.fresh", got)
	}
}

func TestAttachmentSentFirstAndClearsQuote(t *testing.T) {
	tr := &fakeTransport{}
	p, _, clk := newTestPipeline(tr, nil)

	res := deliver(t, p, clk, "chat1", Payload{
		Body:       "Adjunto la confirmación.",
		Attachment: &Attachment{Data: []byte("pdf"), FileName: "booking.pdf"},
	}, presence.State{}, Opts{QuotedID: "wamid.user1"})
	if !res.Success {
		t.Fatalf("delivery failed")
	}

	msgs := tr.messages()
	if len(msgs) != 2 || msgs[0].kind != "document" {
		t.Fatalf("sent %+v, want document then text", msgs)
	}
	if msgs[0].quotedID != "wamid.user1" {
		t.Errorf("document quote = %q, want wamid.user1", msgs[0].quotedID)
	}
	if msgs[1].quotedID != "" {
		t.Errorf("text after attachment re-quoted: %q", msgs[1].quotedID)
	}
}

func TestTextPacing(t *testing.T) {
	tests := []struct {
		chunkLen int
		want     time.Duration
	}{
		{0, 0},
		{8, time.Second},
		{9, 2 * time.Second},
		{500, 2 * time.Second}, // capped
	}
	for _, tt := range tests {
		if got := textPacing(tt.chunkLen); got != tt.want {
			t.Errorf("textPacing(%d) = %v, want %v", tt.chunkLen, got, tt.want)
		}
	}
}

func TestVoicePacing(t *testing.T) {
	if got := voicePacing(14); got != time.Second {
		t.Errorf("voicePacing(14) = %v, want 1s", got)
	}
	if got := voicePacing(10000); got != voiceDelayCap {
		t.Errorf("voicePacing(10000) = %v, want the %v cap", got, voiceDelayCap)
	}
}
