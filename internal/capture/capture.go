// Package capture records single spoken utterances and turns them into
// voice events.
//
// At most one capture session is live per Capturer. Beginning a new
// session cancels the previous one, and a cancelled session never
// delivers a transcript.
package capture

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Failure sentinels. Every error surfaced in a Result wraps exactly one.
var (
	ErrUnsupported      = errors.New("speech capture is not supported")
	ErrPermissionDenied = errors.New("microphone permission denied")
	ErrNoMatch          = errors.New("no speech recognised")
	ErrDeviceError      = errors.New("capture device error")
)

// Kind names a capture failure.
type Kind string

const (
	KindNone             Kind = ""
	KindUnsupported      Kind = "unsupported"
	KindPermissionDenied Kind = "permission_denied"
	KindNoMatch          Kind = "no_match"
	KindDeviceError      Kind = "device_error"
)

// KindOf classifies err. Unknown non-nil errors count as device errors.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrUnsupported):
		return KindUnsupported
	case errors.Is(err, ErrPermissionDenied):
		return KindPermissionDenied
	case errors.Is(err, ErrNoMatch):
		return KindNoMatch
	default:
		return KindDeviceError
	}
}

// Recognizer captures one utterance and returns its transcript.
type Recognizer interface {
	Recognize(ctx context.Context, locale string) (string, error)
	Available() bool
}

// VoiceEvent is a final transcript.
type VoiceEvent struct {
	Transcript string `json:"transcript"`
	ProducedAt uint64 `json:"producedAt"`
}

// Result is the single terminal outcome of a session: exactly one of
// Event, Err or Cancelled is set.
type Result struct {
	Session   uint64
	Event     *VoiceEvent
	Err       error
	Cancelled bool
}

// Session is one listening attempt.
type Session struct {
	id     uint64
	cancel context.CancelFunc
	result chan Result
	done   chan struct{}
}

// ID identifies the session within its Capturer.
func (s *Session) ID() uint64 { return s.id }

// Result yields the terminal outcome once, then closes.
func (s *Session) Result() <-chan Result { return s.result }

// Done is closed after the result has been delivered.
func (s *Session) Done() <-chan struct{} { return s.done }

// Cancel stops the session. The result becomes Cancelled unless a
// transcript was already delivered.
func (s *Session) Cancel() { s.cancel() }

// Config configures a Capturer
type Config struct {
	Locale string // recognition locale, e.g. "en-IN"
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{Locale: "en-IN"}
}

// Capturer hands out capture sessions, keeping at most one live.
type Capturer struct {
	rec    Recognizer
	config *Config
	logger zerolog.Logger

	startMu sync.Mutex
	mu      sync.Mutex
	live    *Session

	sessions atomic.Uint64
	events   atomic.Uint64
}

// NewCapturer creates a Capturer. rec may be nil, in which case every
// Begin fails with ErrUnsupported.
func NewCapturer(logger zerolog.Logger, rec Recognizer, cfg *Config) *Capturer {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Capturer{
		rec:    rec,
		config: cfg,
		logger: logger.With().Str("component", "capture").Logger(),
	}
}

// Available reports whether Begin can succeed.
func (c *Capturer) Available() bool {
	return c.rec != nil && c.rec.Available()
}

// Begin starts a new session, cancelling and draining any live one first.
func (c *Capturer) Begin(ctx context.Context) (*Session, error) {
	if !c.Available() {
		return nil, ErrUnsupported
	}

	c.startMu.Lock()
	defer c.startMu.Unlock()

	c.mu.Lock()
	prev := c.live
	c.mu.Unlock()
	if prev != nil {
		prev.Cancel()
		<-prev.done
		c.logger.Debug().Uint64("session", prev.id).Msg("Superseded capture session")
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &Session{
		id:     c.sessions.Add(1),
		cancel: cancel,
		result: make(chan Result, 1),
		done:   make(chan struct{}),
	}

	c.mu.Lock()
	c.live = s
	c.mu.Unlock()

	c.logger.Info().Uint64("session", s.id).Str("locale", c.config.Locale).Msg("Listening")
	go c.run(sctx, s)
	return s, nil
}

// Cancel stops the live session, if any.
func (c *Capturer) Cancel() {
	c.mu.Lock()
	s := c.live
	c.mu.Unlock()
	if s != nil {
		s.Cancel()
	}
}

func (c *Capturer) run(ctx context.Context, s *Session) {
	defer close(s.done)

	text, err := c.rec.Recognize(ctx, c.config.Locale)
	r := Result{Session: s.id}

	switch {
	case ctx.Err() != nil:
		r.Cancelled = true
	case err != nil:
		r.Err = classify(err)
	case strings.TrimSpace(text) == "":
		r.Err = ErrNoMatch
	default:
		r.Event = &VoiceEvent{
			Transcript: strings.TrimSpace(text),
			ProducedAt: c.events.Add(1),
		}
	}
	s.cancel()

	c.mu.Lock()
	if c.live == s {
		c.live = nil
	}
	c.mu.Unlock()

	switch {
	case r.Cancelled:
		c.logger.Debug().Uint64("session", s.id).Msg("Capture cancelled")
	case r.Err != nil:
		c.logger.Warn().Err(r.Err).Uint64("session", s.id).Str("kind", string(KindOf(r.Err))).Msg("Capture failed")
	default:
		c.logger.Info().Uint64("session", s.id).Str("transcript", r.Event.Transcript).Msg("Utterance captured")
	}

	s.result <- r
	close(s.result)
}

func classify(err error) error {
	switch KindOf(err) {
	case KindUnsupported, KindPermissionDenied, KindNoMatch:
		return err
	}
	if errors.Is(err, ErrDeviceError) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrDeviceError, err)
}
