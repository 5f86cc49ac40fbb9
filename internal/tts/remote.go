package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// RemoteConfig holds remote synthesis configuration
type RemoteConfig struct {
	BaseURL string
	Timeout time.Duration // zero means no timeout
}

// RemoteClient fetches synthesized clips from {base}/tts.
type RemoteClient struct {
	config *RemoteConfig
	client *http.Client
	logger zerolog.Logger
}

// NewRemoteClient creates a new remote synthesis client
func NewRemoteClient(logger zerolog.Logger, cfg *RemoteConfig) *RemoteClient {
	if cfg == nil {
		cfg = &RemoteConfig{}
	}
	return &RemoteClient{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With().Str("provider", "remote-tts").Logger(),
	}
}

// Available reports whether a base URL is configured.
func (c *RemoteClient) Available() bool {
	return c.config.BaseURL != ""
}

// Synthesize posts {"text": text} and returns the audio body.
func (c *RemoteClient) Synthesize(ctx context.Context, text string) (*Clip, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}
	if !c.Available() {
		return nil, fmt.Errorf("%w: no base URL", ErrProviderUnavailable)
	}

	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := strings.TrimRight(c.config.BaseURL, "/") + "/tts"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: request failed: %w", ErrRemoteSynthesis, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.logger.Error().
			Int("status", resp.StatusCode).
			Str("body", string(snippet)).
			Msg("Remote TTS error")
		return nil, fmt.Errorf("%w: status %d", ErrRemoteSynthesis, resp.StatusCode)
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", ErrRemoteSynthesis, err)
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("%w: empty audio", ErrRemoteSynthesis)
	}

	c.logger.Debug().
		Int("audioBytes", len(audio)).
		Dur("latency", time.Since(start)).
		Msg("Remote TTS clip received")

	return &Clip{
		Audio:       audio,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}
