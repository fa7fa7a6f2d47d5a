package delivery

import (
	"strings"
	"testing"
	"time"

	"github.com/tealquilamos/wabot/internal/clock"
)

func TestNormalizeContent(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "internal ids stripped",
			in:   "Your booking [th_abc123] is confirmed [run_xyz]",
			want: "your booking is confirmed",
		},
		{
			name: "whitespace collapsed and lowercased",
			in:   "Hola!\n\n  ¿Cómo   ESTÁS?",
			want: "hola! ¿cómo estás?",
		},
		{
			name: "long content truncated",
			in:   strings.Repeat("a", 300),
			want: strings.Repeat("a", 200),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := normalizeContent(tt.in); got != tt.want {
				t.Errorf("normalizeContent(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSanitizeOutbound(t *testing.T) {
	in := "See [msg_123] the details [thread_abc] here"
	want := "See  the details  here"
	if got := SanitizeOutbound(in); got != want {
		t.Errorf("SanitizeOutbound = %q, want %q", got, want)
	}
}

func TestRegistrySeenAcrossChannels(t *testing.T) {
	clk := clock.NewManual(time.Unix(1700000000, 0))
	r := NewRegistry(10*time.Minute, clk)

	r.Record("chat1", "Hola, la habitación está disponible.")

	// Same content with different casing and spacing is still a duplicate.
	if !r.Seen("chat1", "HOLA,  la habitación está disponible.") {
		t.Errorf("equivalent content not recognized as duplicate")
	}
	// Different chat, same content — not a duplicate.
	if r.Seen("chat2", "Hola, la habitación está disponible.") {
		t.Errorf("content deduped across different chats")
	}
}

func TestRegistryRetentionExpiry(t *testing.T) {
	clk := clock.NewManual(time.Unix(1700000000, 0))
	r := NewRegistry(10*time.Minute, clk)

	r.Record("chat1", "expiring reply")
	clk.Advance(9 * time.Minute)
	if !r.Seen("chat1", "expiring reply") {
		t.Fatalf("entry expired inside the retention window")
	}
	clk.Advance(2 * time.Minute)
	if r.Seen("chat1", "expiring reply") {
		t.Errorf("entry survived past the retention window")
	}
}

func TestRegistryBotMessageIDs(t *testing.T) {
	clk := clock.NewManual(time.Unix(1700000000, 0))
	r := NewRegistry(10*time.Minute, clk)

	r.RecordMessageID("wamid.123")
	r.RecordMessageID("") // ignored

	if !r.IsBotMessage("wamid.123") {
		t.Errorf("recorded id not recognized")
	}
	if r.IsBotMessage("wamid.other") {
		t.Errorf("unknown id recognized as bot message")
	}
}

func TestRegistryPrune(t *testing.T) {
	clk := clock.NewManual(time.Unix(1700000000, 0))
	r := NewRegistry(10*time.Minute, clk)

	r.Record("chat1", "old")
	r.RecordMessageID("wamid.old")
	clk.Advance(11 * time.Minute)
	r.Record("chat1", "fresh")

	if n := r.Prune(); n != 2 {
		t.Errorf("Prune removed %d entries, want 2", n)
	}
	if !r.Seen("chat1", "fresh") {
		t.Errorf("fresh entry pruned")
	}
}
