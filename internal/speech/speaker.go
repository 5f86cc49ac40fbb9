// Package speech speaks assistant replies aloud, keeping at most one
// playback live at a time.
package speech

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/normanking/cortexcompanion/internal/tts"
)

// ErrNoOutput is reported when neither a local synthesizer nor a remote
// clip path is usable.
var ErrNoOutput = errors.New("no speech output available")

// Mode selects the output path.
type Mode string

const (
	ModeAuto   Mode = "auto"
	ModeLocal  Mode = "local"
	ModeRemote Mode = "remote"
	ModeNone   Mode = "none"
)

// EventKind tags a playback lifecycle event.
type EventKind int

const (
	Started EventKind = iota + 1
	Ended
	Cancelled
	Failed
)

func (k EventKind) String() string {
	switch k {
	case Started:
		return "started"
	case Ended:
		return "ended"
	case Cancelled:
		return "cancelled"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further events follow for the handle.
func (k EventKind) Terminal() bool {
	return k == Ended || k == Cancelled || k == Failed
}

// Event is a playback lifecycle notification. Err is set for Failed.
type Event struct {
	Handle uint64
	Kind   EventKind
	Err    error
}

// Listener receives a handle's events: at most one Started, then exactly
// one terminal event. It must not block.
type Listener func(Event)

// ClipSource produces encoded audio for text.
type ClipSource interface {
	Synthesize(ctx context.Context, text string) (*tts.Clip, error)
}

// ClipPlayer plays encoded audio.
type ClipPlayer interface {
	Play(ctx context.Context, clip *tts.Clip, onStart func()) error
	Available() bool
}

// Config holds speech output configuration
type Config struct {
	Mode      Mode
	Locale    string  // target voice locale
	VoiceHint string  // preferred voice provider name fragment
	Rate      float64 // speaking rate, 1.0 is normal
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Mode:      ModeAuto,
		Locale:    "ta-IN",
		VoiceHint: "Google",
		Rate:      1.1,
	}
}

// Handle identifies one playback.
type Handle struct {
	id     uint64
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	cancelled bool
	started   bool
	finished  bool
}

// ID returns the handle's sequence number.
func (h *Handle) ID() uint64 { return h.id }

// Done is closed after the terminal event has been delivered.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Cancel stops playback. Once Cancel returns no Started event is delivered
// and the terminal event is Cancelled, unless playback had already
// finished.
func (h *Handle) Cancel() {
	h.mu.Lock()
	if !h.finished {
		h.cancelled = true
	}
	h.mu.Unlock()
	h.cancel()
}

// Speaker owns the single live playback.
type Speaker struct {
	config *Config
	mode   Mode
	synth  tts.Synthesizer
	clips  ClipSource
	player ClipPlayer
	logger zerolog.Logger

	mu   sync.Mutex
	live *Handle
	seq  atomic.Uint64
}

// NewSpeaker creates a Speaker. synth, clips and player may each be nil;
// the effective mode is resolved from what is usable.
func NewSpeaker(logger zerolog.Logger, cfg *Config, synth tts.Synthesizer, clips ClipSource, player ClipPlayer) *Speaker {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Rate <= 0 {
		cfg.Rate = 1
	}
	s := &Speaker{
		config: cfg,
		synth:  synth,
		clips:  clips,
		player: player,
		logger: logger.With().Str("component", "speaker").Logger(),
	}
	s.mode = s.resolveMode()
	s.logger.Info().Str("mode", string(s.mode)).Str("locale", cfg.Locale).Msg("Speech output ready")
	return s
}

func (s *Speaker) resolveMode() Mode {
	local := s.synth != nil && s.synth.Available()
	remote := s.clips != nil && s.player != nil && s.player.Available()

	switch s.config.Mode {
	case ModeLocal:
		if local {
			return ModeLocal
		}
	case ModeRemote:
		if remote {
			return ModeRemote
		}
	default:
		if local {
			return ModeLocal
		}
		if remote {
			return ModeRemote
		}
	}
	return ModeNone
}

// Mode returns the effective output path.
func (s *Speaker) Mode() Mode {
	return s.mode
}

// Speak starts playing text and returns its handle. Any live playback is
// cancelled, and the new one cannot start until the old one has delivered
// its terminal event.
func (s *Speaker) Speak(ctx context.Context, text string, l Listener) *Handle {
	hctx, cancel := context.WithCancel(ctx)
	h := &Handle{
		id:     s.seq.Add(1),
		ctx:    hctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	prev := s.live
	s.live = h
	s.mu.Unlock()

	if prev != nil {
		prev.Cancel()
	}
	go s.run(h, prev, text, l)
	return h
}

// Cancel stops the live playback, if any.
func (s *Speaker) Cancel() {
	s.mu.Lock()
	h := s.live
	s.mu.Unlock()
	if h != nil {
		h.Cancel()
	}
}

// SelectedVoice waits for the synthesizer catalog and returns the voice
// Speak would use. A nil voice means the engine default.
func (s *Speaker) SelectedVoice(ctx context.Context) (*tts.Voice, error) {
	if s.synth == nil || !s.synth.Available() {
		return nil, fmt.Errorf("%w: no local synthesizer", ErrNoOutput)
	}
	return s.chooseVoice(ctx)
}

func (s *Speaker) chooseVoice(ctx context.Context) (*tts.Voice, error) {
	voices := s.synth.Voices()
	if len(voices) == 0 {
		select {
		case <-s.synth.Ready():
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		voices = s.synth.Voices()
	}
	return SelectVoice(voices, s.config.Locale, s.config.VoiceHint), nil
}

func (s *Speaker) run(h *Handle, prev *Handle, text string, l Listener) {
	defer close(h.done)
	defer h.cancel()

	if prev != nil {
		<-prev.done
	}

	emit := func(ev Event) {
		if l != nil {
			l(ev)
		}
	}
	onStart := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.cancelled || h.started {
			return
		}
		h.started = true
		emit(Event{Handle: h.id, Kind: Started})
	}

	var err error
	if strings.TrimSpace(text) == "" {
		err = tts.ErrEmptyText
	} else if h.ctx.Err() == nil {
		err = s.play(h.ctx, text, onStart)
	}

	h.mu.Lock()
	h.finished = true
	ev := Event{Handle: h.id, Kind: Ended}
	switch {
	case h.cancelled || h.ctx.Err() != nil:
		ev.Kind = Cancelled
	case err != nil:
		ev.Kind = Failed
		ev.Err = err
	}
	emit(ev)
	h.mu.Unlock()

	s.mu.Lock()
	if s.live == h {
		s.live = nil
	}
	s.mu.Unlock()

	switch ev.Kind {
	case Failed:
		s.logger.Warn().Err(err).Uint64("handle", h.id).Msg("Playback failed")
	default:
		s.logger.Debug().Uint64("handle", h.id).Str("outcome", ev.Kind.String()).Msg("Playback finished")
	}
}

func (s *Speaker) play(ctx context.Context, text string, onStart func()) error {
	switch s.mode {
	case ModeLocal:
		voice, err := s.chooseVoice(ctx)
		if err != nil {
			return err
		}
		return s.synth.Speak(ctx, tts.Utterance{Text: text, Voice: voice, Rate: s.config.Rate}, onStart)
	case ModeRemote:
		clip, err := s.clips.Synthesize(ctx, text)
		if err != nil {
			return fmt.Errorf("fetch clip: %w", err)
		}
		return s.player.Play(ctx, clip, onStart)
	default:
		return ErrNoOutput
	}
}
