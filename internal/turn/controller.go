// Package turn runs the conversation: one goroutine owns the session state
// and serialises user input, backend replies, capture results and
// playback events.
package turn

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/cortexcompanion/internal/avatar"
	"github.com/normanking/cortexcompanion/internal/bus"
	"github.com/normanking/cortexcompanion/internal/capture"
	"github.com/normanking/cortexcompanion/internal/dialogue"
	"github.com/normanking/cortexcompanion/internal/gloss"
	"github.com/normanking/cortexcompanion/internal/session"
	"github.com/normanking/cortexcompanion/internal/speech"
)

// Apology is the assistant message recorded when the backend fails.
const Apology = "மன்னிக்கவும், சர்வர் பதில் அளிக்கவில்லை."

// Notices shown to the user when a peripheral fails.
const (
	NoticeUnsupported      = "Voice input is not supported on this device."
	NoticePermissionDenied = "Microphone permission was denied."
	NoticeNoMatch          = "Sorry, I didn't catch that."
	NoticeDeviceError      = "Voice input failed."
	NoticePlaybackFailed   = "Could not play the reply aloud."
)

var (
	ErrBusy          = errors.New("a turn is already in flight")
	ErrEmptyInput    = errors.New("message is empty")
	ErrNoSuchMessage = errors.New("no such message")
	ErrNotAssistant  = errors.New("only assistant messages can be replayed")
	ErrStopped       = errors.New("controller is not running")
)

// Dialogue sends one user message to the backend.
type Dialogue interface {
	Send(ctx context.Context, message string) (dialogue.Reply, error)
}

// Speaker plays replies aloud.
type Speaker interface {
	Speak(ctx context.Context, text string, l speech.Listener) *speech.Handle
	Cancel()
}

// Capturer produces voice capture sessions.
type Capturer interface {
	Begin(ctx context.Context) (*capture.Session, error)
	Cancel()
	Available() bool
}

// Config wires a Controller. Capturer and Bus may be nil.
type Config struct {
	Dialogue   Dialogue
	Speaker    Speaker
	Capturer   Capturer
	Dictionary gloss.Dictionary
	Bus        *bus.EventBus
}

// Controller owns the conversation state.
type Controller struct {
	dialogue Dialogue
	speaker  Speaker
	capturer Capturer
	bus      *bus.EventBus
	logger   zerolog.Logger

	requests chan func()
	inbox    *inbox
	done     chan struct{}
	running  atomic.Bool
	current  atomic.Pointer[State]

	// owned by the loop goroutine
	ctx       context.Context
	dict      gloss.Dictionary
	log       *session.Log
	loading   bool
	emotion   avatar.Emotion
	speaking  bool
	listening bool
	notice    string
	version   uint64
	dirty     bool
	turnSeq   uint64
	liveTurn  uint64
	playback  uint64
	listenID  uint64
}

// New creates a Controller. Call Run before using it.
func New(logger zerolog.Logger, cfg Config) *Controller {
	dict := cfg.Dictionary
	if dict == nil {
		dict = gloss.Default()
	}
	c := &Controller{
		dialogue: cfg.Dialogue,
		speaker:  cfg.Speaker,
		capturer: cfg.Capturer,
		bus:      cfg.Bus,
		logger:   logger.With().Str("component", "turn").Logger(),
		requests: make(chan func()),
		inbox:    newInbox(),
		done:     make(chan struct{}),
		ctx:      context.Background(),
		dict:     dict,
		log:      session.NewLog(),
		emotion:  avatar.Neutral,
	}
	st := c.state()
	c.current.Store(&st)
	return c
}

// Run processes requests until ctx is cancelled. Live capture and playback
// are cancelled on the way out.
func (c *Controller) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("controller already running")
	}
	c.ctx = ctx
	defer close(c.done)

	c.logger.Info().Msg("Turn loop started")
	for {
		select {
		case <-ctx.Done():
			if c.speaker != nil {
				c.speaker.Cancel()
			}
			if c.capturer != nil {
				c.capturer.Cancel()
			}
			c.logger.Info().Msg("Turn loop stopped")
			return ctx.Err()
		case fn := <-c.requests:
			fn()
		case <-c.inbox.signal:
			for _, fn := range c.inbox.drain() {
				fn()
			}
		}
		c.flush()
	}
}

// call runs fn on the loop and returns its error once the resulting state
// has been published.
func (c *Controller) call(ctx context.Context, fn func() error) error {
	errCh := make(chan error, 1)
	req := func() {
		err := fn()
		c.flush()
		errCh <- err
	}
	select {
	case c.requests <- req:
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-errCh
}

// Snapshot returns the most recently published state.
func (c *Controller) Snapshot() State {
	return c.current.Load().clone()
}

// Send starts a turn with text typed by the user.
func (c *Controller) Send(ctx context.Context, text string) error {
	return c.call(ctx, func() error { return c.send(text, "text") })
}

// Listen starts a voice capture session. A recognised utterance is sent
// as a turn unless one is already in flight.
func (c *Controller) Listen(ctx context.Context) error {
	return c.call(ctx, c.listen)
}

// StopListening cancels the live capture session, if any.
func (c *Controller) StopListening(ctx context.Context) error {
	return c.call(ctx, func() error {
		if c.capturer != nil {
			c.capturer.Cancel()
		}
		return nil
	})
}

// Replay speaks the assistant message at index again.
func (c *Controller) Replay(ctx context.Context, index int) error {
	return c.call(ctx, func() error {
		m, ok := c.log.At(index)
		if !ok {
			return ErrNoSuchMessage
		}
		if m.Role != session.RoleAssistant {
			return ErrNotAssistant
		}
		c.speak(m.Content)
		return nil
	})
}

// StopSpeaking cancels the live playback, if any.
func (c *Controller) StopSpeaking(ctx context.Context) error {
	return c.call(ctx, func() error {
		if c.speaker != nil {
			c.speaker.Cancel()
		}
		return nil
	})
}

// SetDictionary swaps the gloss table used for new user messages.
func (c *Controller) SetDictionary(ctx context.Context, d gloss.Dictionary) error {
	return c.call(ctx, func() error {
		c.dict = d
		c.logger.Info().Int("entries", len(d)).Msg("Gloss dictionary updated")
		return nil
	})
}

func (c *Controller) send(text, source string) error {
	if c.loading {
		c.logger.Debug().Str("source", source).Msg("Turn rejected: already loading")
		c.publish(bus.EventTypeTurnRejected, map[string]any{"source": source, "reason": "busy"})
		return ErrBusy
	}
	if strings.TrimSpace(text) == "" {
		return ErrEmptyInput
	}

	c.log.Append(session.RoleUser, c.dict.Gloss(text))
	c.loading = true
	c.emotion = avatar.Thinking
	c.notice = ""
	c.dirty = true

	c.turnSeq++
	id := c.turnSeq
	c.liveTurn = id

	c.logger.Info().Uint64("turn", id).Str("source", source).Msg("Turn started")
	c.publish(bus.EventTypeTurnStarted, map[string]any{"turn": id, "source": source})

	ctx := c.ctx
	start := time.Now()
	go func() {
		reply, err := c.dialogue.Send(ctx, text)
		c.inbox.push(func() { c.finishTurn(id, reply, err, time.Since(start)) })
	}()
	return nil
}

func (c *Controller) finishTurn(id uint64, reply dialogue.Reply, err error, latency time.Duration) {
	if id != c.liveTurn {
		c.logger.Debug().Uint64("turn", id).Msg("Dropping stale reply")
		return
	}
	c.liveTurn = 0

	if err != nil {
		kind := "unknown"
		var de *dialogue.Error
		if errors.As(err, &de) {
			kind = de.Kind.String()
		}
		c.logger.Warn().Err(err).Uint64("turn", id).Str("kind", kind).Msg("Turn failed")

		c.log.Append(session.RoleAssistant, Apology)
		c.emotion = avatar.Negative
		c.publish(bus.EventTypeTurnFailed, map[string]any{"turn": id, "kind": kind, "latency": latency})
	} else {
		c.logger.Info().Uint64("turn", id).Str("emotion", string(reply.Emotion)).Dur("latency", latency).Msg("Turn completed")

		c.log.Append(session.RoleAssistant, reply.Text)
		c.emotion = reply.Emotion
		if !c.emotion.Valid() {
			c.emotion = avatar.Default
		}
		c.publish(bus.EventTypeTurnCompleted, map[string]any{"turn": id, "emotion": string(c.emotion), "latency": latency})
		if strings.TrimSpace(reply.Text) != "" {
			c.speak(reply.Text)
		}
	}

	c.loading = false
	c.dirty = true
}

func (c *Controller) speak(text string) {
	if c.speaker == nil {
		return
	}
	h := c.speaker.Speak(c.ctx, text, func(ev speech.Event) {
		c.inbox.push(func() { c.onPlayback(ev) })
	})
	c.playback = h.ID()
	if c.speaking {
		c.speaking = false
		c.dirty = true
	}
}

func (c *Controller) onPlayback(ev speech.Event) {
	switch ev.Kind {
	case speech.Started:
		c.publish(bus.EventTypePlaybackStarted, map[string]any{"handle": ev.Handle})
	case speech.Failed:
		c.publish(bus.EventTypePlaybackFailed, map[string]any{"handle": ev.Handle, "error": ev.Err.Error()})
	default:
		c.publish(bus.EventTypePlaybackEnded, map[string]any{"handle": ev.Handle, "cancelled": ev.Kind == speech.Cancelled})
	}

	if ev.Handle != c.playback {
		return
	}
	switch ev.Kind {
	case speech.Started:
		c.speaking = true
	case speech.Failed:
		c.logger.Warn().Err(ev.Err).Uint64("handle", ev.Handle).Msg("Reply playback failed")
		c.speaking = false
		c.notice = NoticePlaybackFailed
		c.playback = 0
	default:
		c.speaking = false
		c.playback = 0
	}
	c.dirty = true
}

func (c *Controller) listen() error {
	if c.capturer == nil {
		c.captureFailed(capture.ErrUnsupported)
		return capture.ErrUnsupported
	}
	s, err := c.capturer.Begin(c.ctx)
	if err != nil {
		c.captureFailed(err)
		return err
	}

	c.listenID = s.ID()
	c.listening = true
	c.notice = ""
	c.dirty = true
	c.publish(bus.EventTypeCaptureStarted, map[string]any{"session": s.ID()})

	go func() {
		r := <-s.Result()
		c.inbox.push(func() { c.onCapture(r) })
	}()
	return nil
}

func (c *Controller) onCapture(r capture.Result) {
	if r.Session != c.listenID {
		return
	}
	c.listenID = 0
	c.listening = false
	c.dirty = true

	switch {
	case r.Cancelled:
		c.publish(bus.EventTypeCaptureResult, map[string]any{"session": r.Session, "outcome": "cancelled"})
	case r.Err != nil:
		c.captureFailed(r.Err)
	case r.Event != nil:
		c.publish(bus.EventTypeCaptureResult, map[string]any{"session": r.Session, "outcome": "transcript"})
		if c.loading {
			c.logger.Info().Str("transcript", r.Event.Transcript).Msg("Dropping voice input while a turn is in flight")
			return
		}
		if err := c.send(r.Event.Transcript, "voice"); err != nil {
			c.logger.Debug().Err(err).Uint64("session", r.Session).Msg("Voice input rejected")
		}
	}
}

func (c *Controller) captureFailed(err error) {
	kind := capture.KindOf(err)
	switch kind {
	case capture.KindUnsupported:
		c.notice = NoticeUnsupported
	case capture.KindPermissionDenied:
		c.notice = NoticePermissionDenied
	case capture.KindNoMatch:
		c.notice = NoticeNoMatch
	default:
		c.notice = NoticeDeviceError
	}
	c.dirty = true
	c.publish(bus.EventTypeCaptureFailed, map[string]any{"kind": string(kind)})
}

func (c *Controller) state() State {
	return State{
		Messages:    c.log.Messages(),
		IsLoading:   c.loading,
		Emotion:     c.emotion,
		IsSpeaking:  c.speaking,
		IsListening: c.listening,
		CanListen:   c.capturer != nil && c.capturer.Available(),
		Notice:      c.notice,
		Version:     c.version,
	}
}

// flush publishes a new snapshot if anything changed.
func (c *Controller) flush() {
	if !c.dirty {
		return
	}
	c.dirty = false
	c.version++
	st := c.state()
	c.current.Store(&st)
	c.publishSync(bus.EventTypeStateChanged, map[string]any{"state": st.clone()})
}

func (c *Controller) publish(t bus.EventType, data map[string]any) {
	if c.bus != nil {
		c.bus.Publish(bus.Event{Type: t, Data: data})
	}
}

func (c *Controller) publishSync(t bus.EventType, data map[string]any) {
	if c.bus != nil {
		c.bus.PublishSync(bus.Event{Type: t, Data: data})
	}
}
