package tts

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// SystemConfig holds platform synthesizer configuration
type SystemConfig struct {
	Engine   string // "auto", "say", "espeak-ng" or "espeak"
	BaseRate int    // words per minute at Rate 1.0
}

// DefaultSystemConfig returns sensible defaults
func DefaultSystemConfig() *SystemConfig {
	return &SystemConfig{
		Engine:   "auto",
		BaseRate: 175,
	}
}

// waitDelay bounds how long Wait lingers on inherited pipes after a kill.
const waitDelay = 500 * time.Millisecond

// engine describes how to drive one command-line synthesizer.
type engine struct {
	name      string
	path      string
	listArgs  []string
	parse     func(out []byte) []Voice
	speakArgs func(voice string, wpm int, text string) []string
}

func sayEngine(path string) *engine {
	return &engine{
		name:     "say",
		path:     path,
		listArgs: []string{"-v", "?"},
		parse:    parseSayVoices,
		speakArgs: func(voice string, wpm int, text string) []string {
			args := []string{"-r", strconv.Itoa(wpm)}
			if voice != "" {
				args = append(args, "-v", voice)
			}
			return append(args, text)
		},
	}
}

func espeakEngine(name, path string) *engine {
	return &engine{
		name:     name,
		path:     path,
		listArgs: []string{"--voices"},
		parse:    parseEspeakVoices,
		speakArgs: func(voice string, wpm int, text string) []string {
			args := []string{"-s", strconv.Itoa(wpm)}
			if voice != "" {
				args = append(args, "-v", voice)
			}
			return append(args, "--", text)
		},
	}
}

func detectEngine(want string) *engine {
	candidates := []string{want}
	if want == "" || want == "auto" {
		candidates = []string{"espeak-ng", "espeak"}
		if runtime.GOOS == "darwin" {
			candidates = append([]string{"say"}, candidates...)
		}
	}
	for _, name := range candidates {
		path, err := exec.LookPath(name)
		if err != nil {
			continue
		}
		if name == "say" {
			return sayEngine(path)
		}
		return espeakEngine(name, path)
	}
	return nil
}

// SystemSynthesizer speaks through a command-line engine. Its voice
// catalog is populated in the background after construction.
type SystemSynthesizer struct {
	engine *engine
	config *SystemConfig
	logger zerolog.Logger

	mu     sync.RWMutex
	voices []Voice
	ready  chan struct{}
}

// NewSystemSynthesizer detects an engine and starts loading its catalog.
// It returns ErrProviderUnavailable when no engine is installed.
func NewSystemSynthesizer(logger zerolog.Logger, cfg *SystemConfig) (*SystemSynthesizer, error) {
	if cfg == nil {
		cfg = DefaultSystemConfig()
	}
	eng := detectEngine(cfg.Engine)
	if eng == nil {
		return nil, fmt.Errorf("%w: no speech engine found (engine=%s)", ErrProviderUnavailable, cfg.Engine)
	}
	return newSystemSynthesizer(logger, cfg, eng), nil
}

func newSystemSynthesizer(logger zerolog.Logger, cfg *SystemConfig, eng *engine) *SystemSynthesizer {
	if cfg.BaseRate <= 0 {
		cfg.BaseRate = 175
	}
	s := &SystemSynthesizer{
		engine: eng,
		config: cfg,
		logger: logger.With().Str("provider", eng.name).Logger(),
		ready:  make(chan struct{}),
	}
	go s.loadVoices()
	return s
}

func (s *SystemSynthesizer) loadVoices() {
	defer close(s.ready)

	out, err := exec.Command(s.engine.path, s.engine.listArgs...).Output()
	if err != nil {
		s.logger.Warn().Err(err).Msg("Could not list voices; using engine default")
		return
	}
	voices := s.engine.parse(out)
	for i := range voices {
		voices[i].Provider = s.engine.name
	}

	s.mu.Lock()
	s.voices = voices
	s.mu.Unlock()

	s.logger.Info().Int("voices", len(voices)).Msg("Voice catalog loaded")
}

// Name returns the engine identifier
func (s *SystemSynthesizer) Name() string {
	return s.engine.name
}

// Available reports whether the engine binary was found.
func (s *SystemSynthesizer) Available() bool {
	return s.engine != nil
}

// Voices returns the catalog loaded so far.
func (s *SystemSynthesizer) Voices() []Voice {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Voice, len(s.voices))
	copy(out, s.voices)
	return out
}

// Ready is closed once the catalog load has finished.
func (s *SystemSynthesizer) Ready() <-chan struct{} {
	return s.ready
}

// Speak runs the engine and waits for it to finish.
func (s *SystemSynthesizer) Speak(ctx context.Context, u Utterance, onStart func()) error {
	if strings.TrimSpace(u.Text) == "" {
		return ErrEmptyText
	}
	rate := u.Rate
	if rate <= 0 {
		rate = 1
	}
	wpm := int(float64(s.config.BaseRate) * rate)

	voice := ""
	if u.Voice != nil {
		voice = u.Voice.ID
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, s.engine.path, s.engine.speakArgs(voice, wpm, u.Text)...)
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay

	s.logger.Debug().Str("voice", voice).Int("wpm", wpm).Int("textLen", len(u.Text)).Msg("Speaking")

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", s.engine.name, err)
	}
	if onStart != nil {
		onStart()
	}
	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s failed: %w: %s", s.engine.name, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// parseSayVoices reads `say -v ?` output, e.g.
//
//	Samantha            en_US    # Hello! My name is Samantha.
//	Eddy (English (UK)) en_GB    # Hello! My name is Eddy.
func parseSayVoices(out []byte) []Voice {
	var voices []Voice
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := sc.Text()
		if i := strings.Index(line, "#"); i >= 0 {
			line = line[:i]
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		lang := fields[len(fields)-1]
		name := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(line), lang))
		voices = append(voices, Voice{ID: name, Name: name, Language: lang})
	}
	return voices
}

// parseEspeakVoices reads `espeak-ng --voices` output, e.g.
//
//	Pty Language       Age/Gender VoiceName          File          Other Languages
//	 5  ta              --/M      Tamil              dra/ta
func parseEspeakVoices(out []byte) []Voice {
	var voices []Voice
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 4 || fields[0] == "Pty" {
			continue
		}
		voices = append(voices, Voice{
			ID:       fields[1],
			Name:     strings.ReplaceAll(fields[3], "_", " "),
			Language: fields[1],
		})
	}
	return voices
}
