package speech

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/cortexcompanion/internal/testutil"
	"github.com/normanking/cortexcompanion/internal/tts"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) listen(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) kinds(handle uint64) []EventKind {
	var out []EventKind
	for _, ev := range r.snapshot() {
		if ev.Handle == handle {
			out = append(out, ev.Kind)
		}
	}
	return out
}

func waitDone(t *testing.T, h *Handle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("handle %d never finished", h.ID())
	}
}

func tamilVoice() tts.Voice {
	return tts.Voice{ID: "vani", Name: "Vani", Language: "ta-IN"}
}

func TestSpeak_Ended(t *testing.T) {
	synth := testutil.NewInstantSynth(tamilVoice())
	s := NewSpeaker(zerolog.Nop(), nil, synth, nil, nil)
	require.Equal(t, ModeLocal, s.Mode())

	rec := &recorder{}
	h := s.Speak(context.Background(), "இனிய பொங்கல்", rec.listen)
	waitDone(t, h)

	assert.Equal(t, []EventKind{Started, Ended}, rec.kinds(h.ID()))
	spoken := synth.Spoken()
	require.Len(t, spoken, 1)
	require.NotNil(t, spoken[0].Voice)
	assert.Equal(t, "vani", spoken[0].Voice.ID)
	assert.InDelta(t, 1.1, spoken[0].Rate, 1e-9)
}

func TestSpeak_SupersedesLivePlayback(t *testing.T) {
	synth := testutil.NewFakeSynth()
	synth.LoadVoices(tamilVoice())
	s := NewSpeaker(zerolog.Nop(), nil, synth, nil, nil)

	rec := &recorder{}
	first := s.Speak(context.Background(), "one", rec.listen)
	<-synth.Started()

	second := s.Speak(context.Background(), "two", rec.listen)
	<-synth.Started()
	synth.Finish()
	waitDone(t, second)
	waitDone(t, first)

	assert.Equal(t, []EventKind{Started, Cancelled}, rec.kinds(first.ID()))
	assert.Equal(t, []EventKind{Started, Ended}, rec.kinds(second.ID()))

	// the first handle's terminal event precedes the second's start
	var order []string
	for _, ev := range rec.snapshot() {
		order = append(order, ev.Kind.String())
	}
	assert.Equal(t, []string{"started", "cancelled", "started", "ended"}, order)
}

func TestSpeak_WaitsForCatalog(t *testing.T) {
	synth := testutil.NewFakeSynth()
	s := NewSpeaker(zerolog.Nop(), nil, synth, nil, nil)

	rec := &recorder{}
	h := s.Speak(context.Background(), "வணக்கம்", rec.listen)

	select {
	case <-synth.Started():
		t.Fatal("playback started before the catalog was ready")
	case <-time.After(50 * time.Millisecond):
	}

	synth.LoadVoices(tts.Voice{ID: "en", Language: "en-US"}, tamilVoice())
	u := <-synth.Started()
	require.NotNil(t, u.Voice)
	assert.Equal(t, "vani", u.Voice.ID)

	synth.Finish()
	waitDone(t, h)
	assert.Equal(t, []EventKind{Started, Ended}, rec.kinds(h.ID()))
}

func TestSpeak_CancelBeforeStart(t *testing.T) {
	synth := testutil.NewFakeSynth()
	s := NewSpeaker(zerolog.Nop(), nil, synth, nil, nil)

	rec := &recorder{}
	h := s.Speak(context.Background(), "never", rec.listen)
	s.Cancel()
	waitDone(t, h)

	assert.Equal(t, []EventKind{Cancelled}, rec.kinds(h.ID()))
	assert.Empty(t, synth.Spoken())
}

func TestSpeak_Failure(t *testing.T) {
	synth := testutil.NewInstantSynth()
	boom := errors.New("audio device busy")
	synth.FailWith(boom)
	s := NewSpeaker(zerolog.Nop(), nil, synth, nil, nil)

	rec := &recorder{}
	h := s.Speak(context.Background(), "hello", rec.listen)
	waitDone(t, h)

	events := rec.snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, Failed, events[1].Kind)
	assert.ErrorIs(t, events[1].Err, boom)
	assert.Nil(t, synth.Spoken()[0].Voice, "no matching voice uses the engine default")
}

func TestSpeak_NoOutput(t *testing.T) {
	s := NewSpeaker(zerolog.Nop(), nil, nil, nil, nil)
	assert.Equal(t, ModeNone, s.Mode())

	rec := &recorder{}
	h := s.Speak(context.Background(), "hello", rec.listen)
	waitDone(t, h)

	events := rec.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, Failed, events[0].Kind)
	assert.ErrorIs(t, events[0].Err, ErrNoOutput)

	_, err := s.SelectedVoice(context.Background())
	assert.ErrorIs(t, err, ErrNoOutput)
}

type fakePlayer struct {
	mu    sync.Mutex
	clips []*tts.Clip
}

func (p *fakePlayer) Available() bool { return true }

func (p *fakePlayer) Play(_ context.Context, clip *tts.Clip, onStart func()) error {
	p.mu.Lock()
	p.clips = append(p.clips, clip)
	p.mu.Unlock()
	onStart()
	return nil
}

func TestSpeak_RemoteFallback(t *testing.T) {
	backend := testutil.CreateMockBackend(t)
	clips := tts.NewRemoteClient(zerolog.Nop(), &tts.RemoteConfig{BaseURL: backend.URL})
	player := &fakePlayer{}

	s := NewSpeaker(zerolog.Nop(), nil, nil, clips, player)
	require.Equal(t, ModeRemote, s.Mode())

	rec := &recorder{}
	h := s.Speak(context.Background(), "இனிய பொங்கல்", rec.listen)
	waitDone(t, h)

	assert.Equal(t, []EventKind{Started, Ended}, rec.kinds(h.ID()))
	assert.Equal(t, []string{"இனிய பொங்கல்"}, backend.TTSTexts())
	require.Len(t, player.clips, 1)
	assert.Equal(t, "audio/mpeg", player.clips[0].ContentType)
}

func TestSpeak_RemoteFailureIsReported(t *testing.T) {
	backend := testutil.CreateMockBackend(t)
	backend.SetStatus(500)
	clips := tts.NewRemoteClient(zerolog.Nop(), &tts.RemoteConfig{BaseURL: backend.URL})

	s := NewSpeaker(zerolog.Nop(), &Config{Mode: ModeRemote, Rate: 1.1}, nil, clips, &fakePlayer{})

	rec := &recorder{}
	h := s.Speak(context.Background(), "hi", rec.listen)
	waitDone(t, h)

	events := rec.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, Failed, events[0].Kind)
	assert.ErrorIs(t, events[0].Err, tts.ErrRemoteSynthesis)
}

func TestResolveMode(t *testing.T) {
	synth := testutil.NewInstantSynth()
	player := &fakePlayer{}
	clips := tts.NewRemoteClient(zerolog.Nop(), &tts.RemoteConfig{BaseURL: "http://localhost"})

	assert.Equal(t, ModeLocal, NewSpeaker(zerolog.Nop(), &Config{Mode: ModeAuto}, synth, clips, player).Mode())
	assert.Equal(t, ModeRemote, NewSpeaker(zerolog.Nop(), &Config{Mode: ModeRemote}, synth, clips, player).Mode())
	assert.Equal(t, ModeNone, NewSpeaker(zerolog.Nop(), &Config{Mode: ModeLocal}, nil, clips, player).Mode())
}
