// Package whapi is the channel transport: a WHAPI-style HTTP send API for
// outbound messages and a WebSocket bridge for inbound events.
package whapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/tealquilamos/wabot/internal/bus"
	"github.com/tealquilamos/wabot/internal/config"
	"github.com/tealquilamos/wabot/internal/delivery"
)

const (
	sendAttempts   = 3
	initialBackoff = 500 * time.Millisecond
	requestTimeout = 30 * time.Second
)

// Client implements delivery.Transport against the WHAPI HTTP API.
// Transient failures (network, 5xx) are retried with exponential backoff
// before an error surfaces to the pipeline.
type Client struct {
	apiURL  string
	token   string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates a transport client from config.
func NewClient(cfg config.WhapiConfig) *Client {
	rps := cfg.SendRPS
	if rps <= 0 {
		rps = 5
	}
	return &Client{
		apiURL:  cfg.APIURL,
		token:   cfg.Token,
		http:    &http.Client{Timeout: requestTimeout},
		limiter: rate.NewLimiter(rate.Limit(rps), int(rps)+1),
	}
}

type textPayload struct {
	To         string `json:"to"`
	Body       string `json:"body"`
	TypingTime int    `json:"typing_time"`
	Quoted     string `json:"quoted,omitempty"`
}

type mediaPayload struct {
	To       string `json:"to"`
	Media    string `json:"media"`
	MimeType string `json:"mime_type,omitempty"`
	Filename string `json:"filename,omitempty"`
	Quoted   string `json:"quoted,omitempty"`
}

type presencePayload struct {
	Presence string `json:"presence"`
	Delay    int    `json:"delay"`
}

// sendResponse covers the id shapes WHAPI returns across endpoints.
type sendResponse struct {
	ID        string `json:"id,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	Message   *struct {
		ID string `json:"id"`
	} `json:"message,omitempty"`
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages,omitempty"`
}

func (r sendResponse) ids() []string {
	var out []string
	for _, m := range r.Messages {
		if m.ID != "" {
			out = append(out, m.ID)
		}
	}
	if len(out) == 0 && r.Message != nil && r.Message.ID != "" {
		out = append(out, r.Message.ID)
	}
	if len(out) == 0 && r.ID != "" {
		out = append(out, r.ID)
	}
	if len(out) == 0 && r.MessageID != "" {
		out = append(out, r.MessageID)
	}
	return out
}

// SendText sends one text message. typing_time stays 0 — the pipeline already
// simulated typing with presence plus its pacing delay.
func (c *Client) SendText(ctx context.Context, chatID, body string, opts delivery.SendOptions) ([]string, error) {
	payload := textPayload{To: chatID, Body: body, Quoted: opts.QuotedID}
	resp, err := c.post(ctx, "/messages/text", payload)
	if err != nil {
		return nil, err
	}
	return resp.ids(), nil
}

// SendVoice sends one voice note from an audio data URL.
func (c *Client) SendVoice(ctx context.Context, chatID, mediaDataURL string, opts delivery.SendOptions) ([]string, error) {
	payload := mediaPayload{To: chatID, Media: mediaDataURL, Quoted: opts.QuotedID}
	resp, err := c.post(ctx, "/messages/voice", payload)
	if err != nil {
		return nil, err
	}
	return resp.ids(), nil
}

// SendDocument sends a document attachment (booking PDFs and the like).
func (c *Client) SendDocument(ctx context.Context, chatID, mediaDataURL, filename, quotedID string) (string, error) {
	payload := mediaPayload{
		To:       chatID,
		Media:    mediaDataURL,
		MimeType: "application/pdf",
		Filename: filename,
		Quoted:   quotedID,
	}
	resp, err := c.post(ctx, "/messages/document", payload)
	if err != nil {
		return "", err
	}
	if ids := resp.ids(); len(ids) > 0 {
		return ids[0], nil
	}
	return "", nil
}

// SendPresence publishes a composing indicator on the chat. Failures are not
// retried — a lost indicator is cosmetic.
func (c *Client) SendPresence(ctx context.Context, chatID string, kind bus.PresenceKind) error {
	body, _ := json.Marshal(presencePayload{Presence: string(kind)})
	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		c.apiURL+"/presences/"+chatID, bytes.NewReader(body))
	if err != nil {
		return err
	}
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("send presence: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("send presence: status %d", resp.StatusCode)
	}
	return nil
}

// post sends a JSON payload with rate limiting and backoff retry.
func (c *Client) post(ctx context.Context, path string, payload any) (*sendResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	backoff := initialBackoff
	var lastErr error
	for attempt := 1; attempt <= sendAttempts; attempt++ {
		resp, err := c.tryPost(ctx, path, body)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !retryable(err) || attempt == sendAttempts {
			break
		}
		slog.Warn("send failed, retrying",
			"path", path, "attempt", attempt, "backoff", backoff, "error", err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		backoff *= 2
	}
	return nil, lastErr
}

func (c *Client) tryPost(ctx context.Context, path string, body []byte) (*sendResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &transportError{transient: true, err: err}
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 500 {
		return nil, &transportError{
			transient: true,
			err:       fmt.Errorf("%s: status %d: %s", path, resp.StatusCode, truncate(data, 200)),
		}
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%s: status %d: %s", path, resp.StatusCode, truncate(data, 200))
	}

	var parsed sendResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		// Some endpoints return non-JSON bodies on success; treat as sent
		// without an id rather than failing the chunk.
		slog.Debug("unparseable send response", "path", path, "body", truncate(data, 120))
		return &sendResponse{}, nil
	}
	return &parsed, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
}

type transportError struct {
	transient bool
	err       error
}

func (e *transportError) Error() string { return e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

func retryable(err error) bool {
	te, ok := err.(*transportError)
	return ok && te.transient
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
