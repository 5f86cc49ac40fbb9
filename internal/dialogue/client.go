// Package dialogue talks to the remote conversational backend.
package dialogue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/cortexcompanion/internal/avatar"
)

// DefaultBaseURL is the hosted festival backend.
const DefaultBaseURL = "https://pongal-celeb.onrender.com"

var (
	// ErrNetwork matches any failure to reach the backend.
	ErrNetwork = errors.New("dialogue backend unreachable")
	// ErrServer matches a non-2xx status or an unreadable reply.
	ErrServer = errors.New("dialogue backend error")
)

// Kind classifies a failed round trip.
type Kind int

const (
	KindNetwork Kind = iota + 1
	KindServer
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindServer:
		return "server"
	default:
		return "unknown"
	}
}

// Error is returned by Send for every failure.
type Error struct {
	Kind   Kind
	Status int // HTTP status for KindServer, 0 otherwise
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("dialogue %s error: status %d: %v", e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("dialogue %s error: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match ErrNetwork and ErrServer by kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrNetwork:
		return e.Kind == KindNetwork
	case ErrServer:
		return e.Kind == KindServer
	}
	return false
}

// Reply is a successful backend answer.
type Reply struct {
	Text    string         `json:"response"`
	Emotion avatar.Emotion `json:"emotion"`
}

type chatRequest struct {
	Message string `json:"message"`
}

type chatResponse struct {
	Response string `json:"response"`
	Emotion  string `json:"emotion,omitempty"`
}

// ClientConfig configures the dialogue client
type ClientConfig struct {
	BaseURL string
	// Timeout bounds a whole round trip. Zero means no timeout.
	Timeout time.Duration
}

// DefaultClientConfig returns sensible defaults
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		BaseURL: DefaultBaseURL,
	}
}

// Client posts user messages to {base}/chat.
type Client struct {
	config     *ClientConfig
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient creates a new dialogue client
func NewClient(cfg *ClientConfig, logger zerolog.Logger) *Client {
	if cfg == nil {
		cfg = DefaultClientConfig()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}

	return &Client{
		config: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger.With().Str("component", "dialogue-client").Logger(),
	}
}

// Send forwards message and returns the backend's reply. There is no retry.
func (c *Client) Send(ctx context.Context, message string) (Reply, error) {
	body, err := json.Marshal(chatRequest{Message: message})
	if err != nil {
		return Reply{}, &Error{Kind: KindNetwork, Err: fmt.Errorf("failed to encode request: %w", err)}
	}

	url := strings.TrimRight(c.config.BaseURL, "/") + "/chat"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Reply{}, &Error{Kind: KindNetwork, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn().Err(err).Str("url", url).Msg("Chat request failed")
		return Reply{}, &Error{Kind: KindNetwork, Err: fmt.Errorf("request failed: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.logger.Warn().
			Int("status", resp.StatusCode).
			Str("body", string(snippet)).
			Msg("Chat backend returned error status")
		return Reply{}, &Error{
			Kind:   KindServer,
			Status: resp.StatusCode,
			Err:    fmt.Errorf("unexpected status: %s", strings.TrimSpace(string(snippet))),
		}
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Reply{}, &Error{Kind: KindServer, Status: resp.StatusCode, Err: fmt.Errorf("failed to decode reply: %w", err)}
	}

	reply := Reply{
		Text:    out.Response,
		Emotion: avatar.ParseEmotion(out.Emotion),
	}

	c.logger.Debug().
		Dur("latency", time.Since(start)).
		Str("emotion", string(reply.Emotion)).
		Int("chars", len(reply.Text)).
		Msg("Chat reply received")

	return reply, nil
}
