package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/cortexcompanion/internal/stt"
)

// RecorderConfig selects the external program used to record one utterance.
type RecorderConfig struct {
	// Command is "auto", "rec", "arecord" or any program writing raw
	// s16le mono PCM to stdout.
	Command    string
	Args       []string // overrides the built-in arguments when set
	MaxSeconds int
	SampleRate int

	// SpeechThreshold is the frame RMS (0..1) below which a recording is
	// treated as silence. Zero means DefaultSpeechThreshold; negative
	// disables the check.
	SpeechThreshold float64

	// FillerWords are stripped from transcripts; nil means
	// stt.DefaultFillerWords.
	FillerWords []string
}

// DefaultRecorderConfig returns sensible defaults
func DefaultRecorderConfig() *RecorderConfig {
	return &RecorderConfig{
		Command:    "auto",
		MaxSeconds:      8,
		SampleRate:      16000,
		SpeechThreshold: DefaultSpeechThreshold,
	}
}

// CommandRecognizer records with an external program and transcribes the
// PCM through an STT provider.
type CommandRecognizer struct {
	config   *RecorderConfig
	path     string
	args     []string
	provider stt.Provider
	filter   *stt.Filter
	logger   zerolog.Logger
}

// NewCommandRecognizer resolves the recorder on PATH. A missing recorder
// is not an error here; Available reports false instead.
func NewCommandRecognizer(logger zerolog.Logger, cfg *RecorderConfig, provider stt.Provider) *CommandRecognizer {
	if cfg == nil {
		cfg = DefaultRecorderConfig()
	}
	if cfg.MaxSeconds <= 0 {
		cfg.MaxSeconds = 8
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.SpeechThreshold == 0 {
		cfg.SpeechThreshold = DefaultSpeechThreshold
	}

	r := &CommandRecognizer{
		config:   cfg,
		provider: provider,
		filter:   stt.NewFilter(cfg.FillerWords),
		logger:   logger.With().Str("component", "recorder").Logger(),
	}

	candidates := []string{cfg.Command}
	if cfg.Command == "" || cfg.Command == "auto" {
		candidates = []string{"rec", "arecord"}
	}
	for _, name := range candidates {
		path, err := exec.LookPath(name)
		if err != nil {
			continue
		}
		r.path = path
		r.args = cfg.Args
		if len(r.args) == 0 {
			r.args = defaultArgs(name, cfg)
		}
		break
	}

	if r.path == "" {
		r.logger.Warn().Strs("candidates", candidates).Msg("No audio recorder found; voice input disabled")
	} else {
		r.logger.Info().Str("recorder", r.path).Msg("Audio recorder ready")
	}
	return r
}

func defaultArgs(name string, cfg *RecorderConfig) []string {
	rate := strconv.Itoa(cfg.SampleRate)
	secs := strconv.Itoa(cfg.MaxSeconds)
	switch name {
	case "rec":
		// stop after 1.5s of silence once speech has started
		return []string{
			"-q", "-t", "raw", "-e", "signed-integer", "-b", "16", "-c", "1", "-r", rate, "-",
			"silence", "1", "0.1", "1%", "1", "1.5", "1%",
			"trim", "0", secs,
		}
	case "arecord":
		return []string{"-q", "-f", "S16_LE", "-c", "1", "-r", rate, "-t", "raw", "-d", secs, "-"}
	}
	return nil
}

// Available reports whether both a recorder and the STT provider exist.
func (r *CommandRecognizer) Available() bool {
	return r.path != "" && r.provider != nil && r.provider.Available()
}

// Recognize records one utterance and transcribes it.
func (r *CommandRecognizer) Recognize(ctx context.Context, locale string) (string, error) {
	if !r.Available() {
		return "", ErrUnsupported
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, r.path, r.args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = 500 * time.Millisecond

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		msg := strings.ToLower(stderr.String())
		if strings.Contains(msg, "permission") || strings.Contains(msg, "denied") {
			return "", fmt.Errorf("%w: %s", ErrPermissionDenied, strings.TrimSpace(stderr.String()))
		}
		return "", fmt.Errorf("%w: recorder: %v: %s", ErrDeviceError, err, strings.TrimSpace(stderr.String()))
	}
	if !hasSpeech(stdout.Bytes(), r.config.SampleRate, r.config.SpeechThreshold) {
		r.logger.Debug().Int("bytes", stdout.Len()).Msg("Recording held no speech")
		return "", ErrNoMatch
	}

	resp, err := r.provider.Transcribe(ctx, &stt.TranscribeRequest{
		Audio:      stdout.Bytes(),
		Format:     "pcm",
		SampleRate: r.config.SampleRate,
		Channels:   1,
		Language:   locale,
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if errors.Is(err, stt.ErrAudioTooShort) {
			return "", ErrNoMatch
		}
		return "", fmt.Errorf("%w: transcription: %v", ErrDeviceError, err)
	}
	text, ok := r.filter.Clean(resp.Text)
	if !ok {
		r.logger.Debug().Str("raw", resp.Text).Msg("Transcript held only filler")
		return "", ErrNoMatch
	}
	return text, nil
}
