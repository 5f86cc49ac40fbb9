package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/text/language"
)

// DefaultWhisperBaseURL is the OpenAI-compatible API root.
const DefaultWhisperBaseURL = "https://api.openai.com/v1"

// WhisperAPIConfig holds Whisper API configuration
type WhisperAPIConfig struct {
	BaseURL string        `json:"base_url"`
	APIKey  string        `json:"api_key"`
	Model   string        `json:"model"` // "whisper-1"
	Timeout time.Duration `json:"timeout"`
}

// DefaultWhisperAPIConfig returns sensible defaults
func DefaultWhisperAPIConfig() *WhisperAPIConfig {
	return &WhisperAPIConfig{
		BaseURL: DefaultWhisperBaseURL,
		Model:   "whisper-1",
		Timeout: 30 * time.Second,
	}
}

// WhisperAPIProvider implements STT against any OpenAI-compatible
// /audio/transcriptions endpoint.
type WhisperAPIProvider struct {
	apiKey string
	client *http.Client
	logger zerolog.Logger
	config *WhisperAPIConfig
}

// NewWhisperAPIProvider creates a new Whisper API provider. The key falls
// back to OPENAI_API_KEY.
func NewWhisperAPIProvider(logger zerolog.Logger, config *WhisperAPIConfig) *WhisperAPIProvider {
	if config == nil {
		config = DefaultWhisperAPIConfig()
	}
	if config.BaseURL == "" {
		config.BaseURL = DefaultWhisperBaseURL
	}
	if config.Model == "" {
		config.Model = "whisper-1"
	}

	apiKey := config.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}

	return &WhisperAPIProvider{
		apiKey: apiKey,
		client: &http.Client{Timeout: config.Timeout},
		logger: logger.With().Str("provider", "whisper-api").Logger(),
		config: config,
	}
}

// Name returns the provider identifier
func (p *WhisperAPIProvider) Name() string {
	return "whisper-api"
}

// Available reports whether an API key is configured.
func (p *WhisperAPIProvider) Available() bool {
	return p.apiKey != ""
}

// Transcribe uploads the audio and returns the recognised text.
func (p *WhisperAPIProvider) Transcribe(ctx context.Context, req *TranscribeRequest) (*TranscribeResponse, error) {
	start := time.Now()

	if p.apiKey == "" {
		return nil, fmt.Errorf("%w: API key not configured", ErrProviderUnavailable)
	}
	if len(req.Audio) == 0 {
		return nil, ErrAudioTooShort
	}

	audio := req.Audio
	if req.Format == "" || req.Format == "pcm" {
		audio = EncodeWAV(req.Audio, req.SampleRate, req.Channels)
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return nil, fmt.Errorf("failed to write audio data: %w", err)
	}
	if err := writer.WriteField("model", p.config.Model); err != nil {
		return nil, fmt.Errorf("failed to write model field: %w", err)
	}
	if lang := baseLanguage(req.Language); lang != "" {
		if err := writer.WriteField("language", lang); err != nil {
			return nil, fmt.Errorf("failed to write language field: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	url := strings.TrimRight(p.config.BaseURL, "/") + "/audio/transcriptions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		p.logger.Error().Int("status", resp.StatusCode).Str("body", string(body)).Msg("Whisper API error")
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	elapsed := time.Since(start)
	p.logger.Debug().Str("text", result.Text).Dur("time", elapsed).Msg("Transcription complete")

	return &TranscribeResponse{
		Text:           strings.TrimSpace(result.Text),
		Language:       req.Language,
		ProcessingTime: elapsed,
	}, nil
}

// baseLanguage reduces a locale such as "en-IN" to the ISO 639-1 code
// Whisper expects.
func baseLanguage(locale string) string {
	if locale == "" {
		return ""
	}
	tag, err := language.Parse(strings.ReplaceAll(locale, "_", "-"))
	if err != nil {
		return ""
	}
	base, _ := tag.Base()
	return base.String()
}
