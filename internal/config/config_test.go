package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("missing file must not error: %v", err)
	}
	if cfg.Whapi.APIURL != "https://gate.whapi.cloud" {
		t.Errorf("default api_url = %q", cfg.Whapi.APIURL)
	}
	if cfg.Buffer.MessageDelay() != 5*time.Second {
		t.Errorf("default message delay = %v", cfg.Buffer.MessageDelay())
	}
	if cfg.Buffer.VoiceDelay() != 8*time.Second {
		t.Errorf("default voice delay = %v", cfg.Buffer.VoiceDelay())
	}
	if cfg.Buffer.TypingDelay() != 10*time.Second {
		t.Errorf("default typing delay = %v", cfg.Buffer.TypingDelay())
	}
	if cfg.Buffer.MaxFragmentCount() != 50 {
		t.Errorf("default fragment cap = %d", cfg.Buffer.MaxFragmentCount())
	}
	if cfg.Usage.Window() != 2*time.Minute {
		t.Errorf("default usage window = %v", cfg.Usage.Window())
	}
	if cfg.Usage.DriftLimit() != 250000 {
		t.Errorf("default drift limit = %d", cfg.Usage.DriftLimit())
	}
	if cfg.Delivery.DedupRetention() != 10*time.Minute {
		t.Errorf("default dedup retention = %v", cfg.Delivery.DedupRetention())
	}
}

func TestLoadJSON5WithComments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{
	// timing overrides for a quieter deployment
	buffer: {
		message_delay_ms: 3000,
		max_fragments: 20,
	},
	usage: { window_min: 5 },
}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Buffer.MessageDelay() != 3*time.Second {
		t.Errorf("message delay = %v, want 3s", cfg.Buffer.MessageDelay())
	}
	if cfg.Buffer.MaxFragmentCount() != 20 {
		t.Errorf("fragment cap = %d, want 20", cfg.Buffer.MaxFragmentCount())
	}
	if cfg.Usage.Window() != 5*time.Minute {
		t.Errorf("usage window = %v, want 5m", cfg.Usage.Window())
	}
	// Untouched knobs keep their defaults.
	if cfg.Buffer.VoiceDelay() != 8*time.Second {
		t.Errorf("voice delay = %v, want default 8s", cfg.Buffer.VoiceDelay())
	}
}

func TestSecretsComeFromEnvOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	// A token in the file must be ignored; the field is env-only.
	content := `{ whapi: { token: "from-file", api_url: "https://example.test" } }`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("WABOT_WHAPI_TOKEN", "from-env")
	t.Setenv("WABOT_OPENAI_API_KEY", "sk-test")
	t.Setenv("WABOT_POSTGRES_DSN", "postgres://u:p@localhost/wabot")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Whapi.Token != "from-env" {
		t.Errorf("token = %q, want env value", cfg.Whapi.Token)
	}
	if cfg.Whapi.APIURL != "https://example.test" {
		t.Errorf("api_url from file lost: %q", cfg.Whapi.APIURL)
	}
	if cfg.OpenAI.APIKey != "sk-test" {
		t.Errorf("openai key = %q", cfg.OpenAI.APIKey)
	}
	if !cfg.UsesPostgres() {
		t.Errorf("DSN in env but UsesPostgres is false")
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}
	if got := ExpandHome("~/data/wabot.db"); got != filepath.Join(home, "data/wabot.db") {
		t.Errorf("ExpandHome = %q", got)
	}
	if got := ExpandHome("/abs/path.db"); got != "/abs/path.db" {
		t.Errorf("absolute path changed: %q", got)
	}
}
