// Package audio plays encoded clips through an external player.
package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/cortexcompanion/internal/tts"
)

// ErrNoPlayer is returned when no supported player is installed.
var ErrNoPlayer = errors.New("no audio player available")

// Config holds player configuration
type Config struct {
	Command string  // "auto", "afplay", "ffplay" or "mpv"
	Rate    float64 // playback speed, 1.0 is normal
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Command: "auto",
		Rate:    1.1,
	}
}

type backend struct {
	name string
	path string
	args func(file string, rate float64) []string
}

var backends = map[string]func(path string) backend{
	"afplay": func(path string) backend {
		return backend{"afplay", path, func(file string, rate float64) []string {
			return []string{"-r", fmtRate(rate), "-q", "1", file}
		}}
	},
	"ffplay": func(path string) backend {
		return backend{"ffplay", path, func(file string, rate float64) []string {
			return []string{"-nodisp", "-autoexit", "-loglevel", "error", "-af", "atempo=" + fmtRate(rate), file}
		}}
	},
	"mpv": func(path string) backend {
		return backend{"mpv", path, func(file string, rate float64) []string {
			return []string{"--no-video", "--really-quiet", "--speed=" + fmtRate(rate), file}
		}}
	},
}

func fmtRate(r float64) string {
	return strconv.FormatFloat(r, 'f', -1, 64)
}

// Player plays one clip at a time per call; callers serialise playback.
type Player struct {
	config  *Config
	backend *backend
	logger  zerolog.Logger
}

// NewPlayer detects a player on PATH. With none found, Available is false
// and Play returns ErrNoPlayer.
func NewPlayer(logger zerolog.Logger, cfg *Config) *Player {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Rate <= 0 {
		cfg.Rate = 1
	}
	p := &Player{
		config: cfg,
		logger: logger.With().Str("component", "player").Logger(),
	}

	order := []string{"afplay", "ffplay", "mpv"}
	if cfg.Command != "" && cfg.Command != "auto" {
		order = []string{cfg.Command}
	}
	for _, name := range order {
		mk, ok := backends[name]
		if !ok {
			continue
		}
		path, err := exec.LookPath(name)
		if err != nil {
			continue
		}
		b := mk(path)
		p.backend = &b
		break
	}
	if p.backend == nil {
		p.logger.Warn().Strs("tried", order).Msg("No audio player found")
	}
	return p
}

// Available reports whether a player was found.
func (p *Player) Available() bool {
	return p.backend != nil
}

// Play blocks until the clip finishes. onStart runs once the player has
// launched. Cancelling ctx kills the player and Play returns ctx.Err().
func (p *Player) Play(ctx context.Context, clip *tts.Clip, onStart func()) error {
	if p.backend == nil {
		return ErrNoPlayer
	}
	if clip == nil || len(clip.Audio) == 0 {
		return fmt.Errorf("empty clip")
	}

	f, err := os.CreateTemp("", "companion-*"+extension(clip.ContentType))
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(f.Name())
	if _, err := f.Write(clip.Audio); err != nil {
		f.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, p.backend.path, p.backend.args(f.Name(), p.config.Rate)...)
	cmd.Stderr = &stderr
	cmd.WaitDelay = 500 * time.Millisecond

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", p.backend.name, err)
	}
	p.logger.Debug().Str("player", p.backend.name).Int("bytes", len(clip.Audio)).Msg("Playing clip")
	if onStart != nil {
		onStart()
	}
	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s failed: %w: %s", p.backend.name, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

func extension(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ".mp3"
	}
	switch mt {
	case "audio/wav", "audio/x-wav", "audio/wave":
		return ".wav"
	case "audio/ogg":
		return ".ogg"
	case "audio/aac", "audio/mp4", "audio/x-m4a":
		return ".m4a"
	default:
		return ".mp3"
	}
}
