package turn

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/cortexcompanion/internal/avatar"
	"github.com/normanking/cortexcompanion/internal/bus"
	"github.com/normanking/cortexcompanion/internal/capture"
	"github.com/normanking/cortexcompanion/internal/dialogue"
	"github.com/normanking/cortexcompanion/internal/gloss"
	"github.com/normanking/cortexcompanion/internal/session"
	"github.com/normanking/cortexcompanion/internal/speech"
	"github.com/normanking/cortexcompanion/internal/testutil"
	"github.com/normanking/cortexcompanion/internal/tts"
)

type harness struct {
	ctrl    *Controller
	backend *testutil.MockBackend
	synth   *testutil.FakeSynth
	rec     *testutil.FakeRecognizer
	bus     *bus.EventBus
}

func newHarness(t *testing.T, opts ...func(*harness)) *harness {
	t.Helper()
	h := &harness{
		backend: testutil.CreateMockBackend(t),
		synth:   testutil.NewFakeSynth(),
		rec:     testutil.NewFakeRecognizer(),
		bus:     bus.NewEventBus(),
	}
	h.synth.LoadVoices(tts.Voice{ID: "vani", Name: "Vani", Language: "ta-IN"})
	for _, opt := range opts {
		opt(h)
	}

	log := zerolog.Nop()
	h.ctrl = New(log, Config{
		Dialogue:   dialogue.NewClient(&dialogue.ClientConfig{BaseURL: h.backend.URL}, log),
		Speaker:    speech.NewSpeaker(log, nil, h.synth, nil, nil),
		Capturer:   capture.NewCapturer(log, h.rec, nil),
		Dictionary: gloss.Dictionary{"hello": "A", "pongal": "B"},
		Bus:        h.bus,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.ctrl.Run(ctx)
	}()
	t.Cleanup(func() {
		h.backend.Release()
		cancel()
		<-done
	})
	return h
}

func (h *harness) waitFor(t *testing.T, cond func(State) bool, msg string) State {
	t.Helper()
	var st State
	require.Eventually(t, func() bool {
		st = h.ctrl.Snapshot()
		return cond(st)
	}, 2*time.Second, 5*time.Millisecond, msg)
	return st
}

func idle(st State) bool { return !st.IsLoading }

func contents(msgs []session.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = string(m.Role) + ":" + m.Content
	}
	return out
}

func TestSend_Success(t *testing.T) {
	h := newHarness(t)
	h.backend.SetReply("hi", "")
	h.backend.Hold()
	ctx := context.Background()

	require.NoError(t, h.ctrl.Send(ctx, "HELLO pongal"))

	st := h.ctrl.Snapshot()
	assert.True(t, st.IsLoading)
	assert.Equal(t, avatar.Thinking, st.Emotion)
	assert.Equal(t, []string{"user:A B"}, contents(st.Messages))

	h.backend.Release()
	st = h.waitFor(t, idle, "turn never completed")

	assert.Equal(t, []string{"user:A B", "assistant:hi"}, contents(st.Messages))
	assert.Equal(t, avatar.Happy, st.Emotion)
	assert.Equal(t, []string{"HELLO pongal"}, h.backend.Messages(), "backend receives the raw text")

	u := <-h.synth.Started()
	assert.Equal(t, "hi", u.Text)
	h.synth.Finish()
}

func TestSend_UsesReplyEmotion(t *testing.T) {
	h := newHarness(t)
	h.backend.SetReply("Pongal is a harvest festival!", "excited")

	require.NoError(t, h.ctrl.Send(context.Background(), "tell me about pongal"))
	st := h.waitFor(t, func(s State) bool { return len(s.Messages) == 2 }, "no reply")
	assert.Equal(t, avatar.Excited, st.Emotion)
	assert.False(t, st.IsLoading)
}

func TestSend_RejectedWhileLoading(t *testing.T) {
	h := newHarness(t)
	h.backend.Hold()
	ctx := context.Background()

	require.NoError(t, h.ctrl.Send(ctx, "hello"))
	before := h.ctrl.Snapshot()

	err := h.ctrl.Send(ctx, "pongal")
	assert.ErrorIs(t, err, ErrBusy)

	after := h.ctrl.Snapshot()
	assert.Equal(t, before.Version, after.Version, "rejected send must not change state")
	assert.Len(t, after.Messages, 1)

	h.backend.Release()
	h.waitFor(t, idle, "turn never completed")
	assert.Equal(t, int32(1), h.backend.ChatCalls.Load())
}

func TestSend_EmptyInput(t *testing.T) {
	h := newHarness(t)
	before := h.ctrl.Snapshot()

	for _, in := range []string{"", "   ", "\t\n"} {
		assert.ErrorIs(t, h.ctrl.Send(context.Background(), in), ErrEmptyInput)
	}

	after := h.ctrl.Snapshot()
	assert.Equal(t, before.Version, after.Version)
	assert.Empty(t, after.Messages)
	assert.Zero(t, h.backend.ChatCalls.Load())
}

func TestSend_ServerFailure(t *testing.T) {
	h := newHarness(t)
	h.backend.SetStatus(http.StatusInternalServerError)

	require.NoError(t, h.ctrl.Send(context.Background(), "hello"))
	st := h.waitFor(t, func(s State) bool { return len(s.Messages) == 2 }, "no apology")

	assert.Equal(t, []string{"user:A", "assistant:" + Apology}, contents(st.Messages))
	assert.Equal(t, avatar.Sad, st.Emotion)
	assert.False(t, st.IsLoading)

	select {
	case <-h.synth.Started():
		t.Fatal("apology must not be spoken")
	case <-time.After(30 * time.Millisecond):
	}
}

func TestSend_NetworkFailure(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	dead.Close()

	log := zerolog.Nop()
	ctrl := New(log, Config{
		Dialogue: dialogue.NewClient(&dialogue.ClientConfig{BaseURL: dead.URL}, log),
		Speaker:  speech.NewSpeaker(log, nil, testutil.NewInstantSynth(), nil, nil),
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ctrl.Run(ctx)

	require.NoError(t, ctrl.Send(ctx, "hi"))
	require.Eventually(t, func() bool { return !ctrl.Snapshot().IsLoading }, 2*time.Second, 5*time.Millisecond)

	st := ctrl.Snapshot()
	assert.Equal(t, Apology, st.Messages[1].Content)
	assert.Equal(t, avatar.Negative, st.Emotion)
	assert.False(t, st.CanListen)
}

func TestListen_VoiceEventStartsTurn(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.ctrl.Listen(ctx))
	st := h.ctrl.Snapshot()
	assert.True(t, st.IsListening)
	assert.True(t, st.CanListen)

	<-h.rec.Started()
	h.rec.Say("hello there")

	st = h.waitFor(t, func(s State) bool { return len(s.Messages) == 2 }, "voice turn never completed")
	assert.False(t, st.IsListening)
	assert.Equal(t, "A there", st.Messages[0].Content)
	assert.Equal(t, []string{"hello there"}, h.backend.Messages())
}

func TestListen_DroppedWhileLoading(t *testing.T) {
	h := newHarness(t)
	h.backend.Hold()
	ctx := context.Background()

	require.NoError(t, h.ctrl.Send(ctx, "hello"))
	require.NoError(t, h.ctrl.Listen(ctx), "listening is allowed while loading")
	<-h.rec.Started()
	h.rec.Say("pongal")

	st := h.waitFor(t, func(s State) bool { return !s.IsListening }, "capture never ended")
	assert.Len(t, st.Messages, 1)
	assert.True(t, st.IsLoading)
	assert.Equal(t, []string{"hello"}, h.backend.Messages())
}

func TestListen_RejectedVoiceInputIsLogged(t *testing.T) {
	var logs bytes.Buffer
	c := New(zerolog.New(&logs).Level(zerolog.DebugLevel), Config{})

	// Drive the loop-owned handler directly; Run is not started.
	c.listenID = 7
	c.listening = true
	c.onCapture(capture.Result{Session: 7, Event: &capture.VoiceEvent{Transcript: "   "}})

	assert.False(t, c.listening)
	assert.False(t, c.loading)
	assert.Contains(t, logs.String(), "Voice input rejected")
	assert.Contains(t, logs.String(), ErrEmptyInput.Error())
}

func TestListen_SupersededSessionNeverDelivers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.ctrl.Listen(ctx))
	<-h.rec.Started()
	require.NoError(t, h.ctrl.Listen(ctx))
	<-h.rec.Started()

	h.rec.Say("pongal")
	st := h.waitFor(t, func(s State) bool { return len(s.Messages) == 2 }, "second session never delivered")
	assert.Equal(t, "user:B", contents(st.Messages)[0])
	assert.False(t, st.IsListening)

	// nothing else arrives from the first session
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, h.ctrl.Snapshot().Messages, 2)
	assert.Equal(t, int32(1), h.backend.ChatCalls.Load())
}

func TestListen_Failures(t *testing.T) {
	tests := []struct {
		name   string
		script func(*testutil.FakeRecognizer)
		notice string
	}{
		{"no match", func(r *testutil.FakeRecognizer) { r.Say("   ") }, NoticeNoMatch},
		{"permission", func(r *testutil.FakeRecognizer) { r.Fail(capture.ErrPermissionDenied) }, NoticePermissionDenied},
		{"device", func(r *testutil.FakeRecognizer) { r.Fail(capture.ErrDeviceError) }, NoticeDeviceError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			require.NoError(t, h.ctrl.Listen(context.Background()))
			<-h.rec.Started()
			tt.script(h.rec)

			st := h.waitFor(t, func(s State) bool { return !s.IsListening }, "capture never ended")
			assert.Equal(t, tt.notice, st.Notice)
			assert.Empty(t, st.Messages)
		})
	}
}

func TestListen_Unsupported(t *testing.T) {
	h := newHarness(t, func(h *harness) { h.rec.Unavailable = true })

	err := h.ctrl.Listen(context.Background())
	assert.ErrorIs(t, err, capture.ErrUnsupported)

	st := h.ctrl.Snapshot()
	assert.False(t, st.IsListening)
	assert.Equal(t, NoticeUnsupported, st.Notice)
}

func TestStopListening(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.ctrl.Listen(ctx))
	<-h.rec.Started()
	require.NoError(t, h.ctrl.StopListening(ctx))

	st := h.waitFor(t, func(s State) bool { return !s.IsListening }, "listening flag never cleared")
	assert.Empty(t, st.Notice)
}

func TestManualSendWhileListening(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.ctrl.Listen(ctx))
	require.NoError(t, h.ctrl.Send(ctx, "hello"))

	st := h.ctrl.Snapshot()
	assert.True(t, st.IsListening)
	assert.True(t, st.IsLoading)
}

func TestPlayback_SpeakingFlagFollowsLiveHandle(t *testing.T) {
	h := newHarness(t)
	h.backend.SetReply("Happy Pongal!", "happy")
	ctx := context.Background()

	require.NoError(t, h.ctrl.Send(ctx, "hello"))
	<-h.synth.Started()
	h.waitFor(t, func(s State) bool { return s.IsSpeaking }, "speaking flag never set")

	// replaying supersedes the live playback
	require.NoError(t, h.ctrl.Replay(ctx, 1))
	u := <-h.synth.Started()
	assert.Equal(t, "Happy Pongal!", u.Text)
	h.waitFor(t, func(s State) bool { return s.IsSpeaking }, "replay never started")

	h.synth.Finish()
	h.waitFor(t, func(s State) bool { return !s.IsSpeaking }, "speaking flag never cleared")
}

func TestPlayback_FailureDoesNotFailTurn(t *testing.T) {
	h := newHarness(t, func(h *harness) { h.synth.FailWith(assert.AnError) })

	require.NoError(t, h.ctrl.Send(context.Background(), "hello"))
	st := h.waitFor(t, func(s State) bool { return s.Notice == NoticePlaybackFailed }, "no playback notice")

	assert.False(t, st.IsSpeaking)
	assert.Equal(t, avatar.Happy, st.Emotion)
	assert.Equal(t, "assistant:Happy Pongal!", contents(st.Messages)[1])
}

func TestStopSpeaking(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.ctrl.Send(ctx, "hello"))
	<-h.synth.Started()
	h.waitFor(t, func(s State) bool { return s.IsSpeaking }, "speaking flag never set")

	require.NoError(t, h.ctrl.StopSpeaking(ctx))
	st := h.waitFor(t, func(s State) bool { return !s.IsSpeaking }, "speaking flag never cleared")
	assert.Empty(t, st.Notice, "cancellation is not a failure")
}

func TestReplay_Errors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	assert.ErrorIs(t, h.ctrl.Replay(ctx, 0), ErrNoSuchMessage)

	require.NoError(t, h.ctrl.Send(ctx, "hello"))
	h.waitFor(t, idle, "turn never completed")

	assert.ErrorIs(t, h.ctrl.Replay(ctx, 0), ErrNotAssistant)
	assert.ErrorIs(t, h.ctrl.Replay(ctx, 5), ErrNoSuchMessage)
	assert.ErrorIs(t, h.ctrl.Replay(ctx, -1), ErrNoSuchMessage)
}

func TestSetDictionary(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.ctrl.SetDictionary(ctx, gloss.Dictionary{"hello": "வணக்கம்"}))
	require.NoError(t, h.ctrl.Send(ctx, "Hello pongal"))
	assert.Equal(t, "வணக்கம் pongal", h.ctrl.Snapshot().Messages[0].Content)
}

func TestStatePublishedInOrder(t *testing.T) {
	h := newHarness(t)

	var mu sync.Mutex
	var versions []uint64
	h.bus.Subscribe(bus.EventTypeStateChanged, func(e bus.Event) {
		st := e.Data["state"].(State)
		mu.Lock()
		versions = append(versions, st.Version)
		mu.Unlock()
	})

	require.NoError(t, h.ctrl.Send(context.Background(), "hello"))
	h.waitFor(t, func(s State) bool { return len(s.Messages) == 2 && !s.IsLoading }, "turn never completed")

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(versions), 2)
	for i := 1; i < len(versions); i++ {
		assert.Greater(t, versions[i], versions[i-1])
	}
}

func TestStopped(t *testing.T) {
	ctrl := New(zerolog.Nop(), Config{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ctrl.Run(ctx) }()
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	assert.ErrorIs(t, ctrl.Send(context.Background(), "hi"), ErrStopped)
	assert.Error(t, ctrl.Run(context.Background()), "Run is single use")
}
