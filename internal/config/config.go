package config

import "time"

// Config is the root configuration for the wabot gateway.
type Config struct {
	Whapi     WhapiConfig     `json:"whapi"`
	OpenAI    OpenAIConfig    `json:"openai"`
	Buffer    BufferConfig    `json:"buffer"`
	Delivery  DeliveryConfig  `json:"delivery"`
	Usage     UsageConfig     `json:"usage"`
	Presence  PresenceConfig  `json:"presence"`
	Database  DatabaseConfig  `json:"database,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	Status    StatusConfig    `json:"status,omitempty"`
}

// StatusConfig configures the optional operational status server.
// Token comes from env WABOT_STATUS_TOKEN only; empty leaves /v1/status open.
type StatusConfig struct {
	Addr  string `json:"addr,omitempty"` // e.g. ":8088", empty = disabled
	Token string `json:"-"`
}

// WhapiConfig configures the WHAPI-style transport.
// Token is NEVER read from config.json (secret) — only from env WABOT_WHAPI_TOKEN.
type WhapiConfig struct {
	APIURL    string  `json:"api_url"`              // HTTP send API base URL
	BridgeURL string  `json:"bridge_url,omitempty"` // WebSocket bridge for inbound events
	Token     string  `json:"-"`                    // from env WABOT_WHAPI_TOKEN only
	SendRPS   float64 `json:"send_rps,omitempty"`   // outbound rate limit (default 5)
}

// OpenAIConfig configures the reply engine and TTS synthesis.
// APIKey comes from env WABOT_OPENAI_API_KEY only.
type OpenAIConfig struct {
	APIKey   string `json:"-"`
	Model    string `json:"model,omitempty"`     // chat model (default gpt-4o)
	TTSModel string `json:"tts_model,omitempty"` // default gpt-4o-mini-tts
	Voice    string `json:"voice,omitempty"`     // default coral
}

// BufferConfig holds the inbound coalescing knobs.
type BufferConfig struct {
	MessageDelayMs int  `json:"message_delay_ms,omitempty"` // quiet period after a text fragment (default 5000)
	VoiceDelayMs   int  `json:"voice_delay_ms,omitempty"`   // after a voice note, waits for transcription (default 8000)
	TypingDelayMs  int  `json:"typing_delay_ms,omitempty"`  // while typing/recording (default 10000)
	MaxFragments   int  `json:"max_fragments,omitempty"`    // overflow valve (default 50)
	IdleCleanupMin int  `json:"idle_cleanup_min,omitempty"` // abandoned-buffer sweep threshold (default 15)
	RestoreOnError bool `json:"restore_on_error,omitempty"` // re-queue fragments when the reply callback fails
}

func (b BufferConfig) MessageDelay() time.Duration { return msOr(b.MessageDelayMs, 5000) }

func (b BufferConfig) VoiceDelay() time.Duration { return msOr(b.VoiceDelayMs, 8000) }

func (b BufferConfig) TypingDelay() time.Duration { return msOr(b.TypingDelayMs, 10000) }

func (b BufferConfig) MaxFragmentCount() int {
	if b.MaxFragments > 0 {
		return b.MaxFragments
	}
	return 50
}

func (b BufferConfig) IdleCleanup() time.Duration {
	if b.IdleCleanupMin > 0 {
		return time.Duration(b.IdleCleanupMin) * time.Minute
	}
	return 15 * time.Minute
}

// DeliveryConfig holds the outbound pacing and dedup knobs.
type DeliveryConfig struct {
	DedupRetentionMin    int `json:"dedup_retention_min,omitempty"`     // recently-sent registry window (default 10)
	MaxVoiceSegments     int `json:"max_voice_segments,omitempty"`      // audio messages per reply (default 7)
	MaxVoiceSegmentChars int `json:"max_voice_segment_chars,omitempty"` // per audio note (default 700)
}

func (d DeliveryConfig) DedupRetention() time.Duration {
	if d.DedupRetentionMin > 0 {
		return time.Duration(d.DedupRetentionMin) * time.Minute
	}
	return 10 * time.Minute
}

func (d DeliveryConfig) VoiceSegmentCap() int {
	if d.MaxVoiceSegments > 0 {
		return d.MaxVoiceSegments
	}
	return 7
}

func (d DeliveryConfig) VoiceSegmentChars() int {
	if d.MaxVoiceSegmentChars > 0 {
		return d.MaxVoiceSegmentChars
	}
	return 700
}

// UsageConfig holds the trailing-edge persistence knobs.
type UsageConfig struct {
	WindowMin      int   `json:"window_min,omitempty"`      // coalescing window (default 2)
	DriftThreshold int64 `json:"drift_threshold,omitempty"` // baseline jump that triggers a drift warning (default 250000)
}

func (u UsageConfig) Window() time.Duration {
	if u.WindowMin > 0 {
		return time.Duration(u.WindowMin) * time.Minute
	}
	return 2 * time.Minute
}

func (u UsageConfig) DriftLimit() int64 {
	if u.DriftThreshold > 0 {
		return u.DriftThreshold
	}
	return 250000
}

// PresenceConfig bounds the ephemeral user-state tracker.
type PresenceConfig struct {
	MaxEntries int `json:"max_entries,omitempty"` // LRU capacity (default 1000)
	TTLHours   int `json:"ttl_hours,omitempty"`   // entry lifetime (default 24)
}

func (p PresenceConfig) Capacity() int {
	if p.MaxEntries > 0 {
		return p.MaxEntries
	}
	return 1000
}

func (p PresenceConfig) TTL() time.Duration {
	if p.TTLHours > 0 {
		return time.Duration(p.TTLHours) * time.Hour
	}
	return 24 * time.Hour
}

// DatabaseConfig selects the durable record store.
// PostgresDSN is NEVER read from config.json (secret) — only from env WABOT_POSTGRES_DSN.
type DatabaseConfig struct {
	PostgresDSN string `json:"-"`
	SQLitePath  string `json:"sqlite_path,omitempty"` // standalone mode (default ~/.wabot/wabot.db)
}

// TelemetryConfig configures optional OTLP trace export.
type TelemetryConfig struct {
	OTLPEndpoint string `json:"otlp_endpoint,omitempty"` // gRPC endpoint, empty = tracing disabled
	Insecure     bool   `json:"insecure,omitempty"`
}

func msOr(v, def int) time.Duration {
	if v > 0 {
		return time.Duration(v) * time.Millisecond
	}
	return time.Duration(def) * time.Millisecond
}
