// Package testutil holds fakes and mock services shared by package tests.
package testutil

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/normanking/cortexcompanion/internal/tts"
)

// MockBackend is an httptest stand-in for the dialogue service.
type MockBackend struct {
	*httptest.Server

	mu       sync.Mutex
	reply    string
	emotion  string
	status   int
	gate     chan struct{}
	messages []string
	ttsTexts []string

	ChatCalls atomic.Int32
}

// CreateMockBackend serves POST /chat and POST /tts. It replies with
// "Happy Pongal!" and no emotion until configured otherwise.
func CreateMockBackend(t *testing.T) *MockBackend {
	t.Helper()
	b := &MockBackend{reply: "Happy Pongal!", status: http.StatusOK}
	b.Server = httptest.NewServer(http.HandlerFunc(b.serve))
	t.Cleanup(b.Close)
	return b
}

// SetReply configures the next /chat answers.
func (b *MockBackend) SetReply(text, emotion string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reply, b.emotion = text, emotion
}

// SetStatus makes /chat and /tts answer with status.
func (b *MockBackend) SetStatus(status int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = status
}

// Hold makes /chat block until Release is called.
func (b *MockBackend) Hold() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gate = make(chan struct{})
}

// Release unblocks requests held by Hold.
func (b *MockBackend) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.gate != nil {
		close(b.gate)
		b.gate = nil
	}
}

// Messages returns every message received on /chat.
func (b *MockBackend) Messages() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.messages...)
}

// TTSTexts returns every text received on /tts.
func (b *MockBackend) TTSTexts() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.ttsTexts...)
}

func (b *MockBackend) serve(w http.ResponseWriter, r *http.Request) {
	var body map[string]string
	_ = json.NewDecoder(r.Body).Decode(&body)

	b.mu.Lock()
	status, reply, emotion, gate := b.status, b.reply, b.emotion, b.gate
	switch r.URL.Path {
	case "/chat":
		b.messages = append(b.messages, body["message"])
	case "/tts":
		b.ttsTexts = append(b.ttsTexts, body["text"])
	}
	b.mu.Unlock()

	switch r.URL.Path {
	case "/chat":
		b.ChatCalls.Add(1)
		if gate != nil {
			select {
			case <-gate:
			case <-r.Context().Done():
				return
			}
		}
		if status != http.StatusOK {
			http.Error(w, "backend unavailable", status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		out := map[string]string{"response": reply}
		if emotion != "" {
			out["emotion"] = emotion
		}
		_ = json.NewEncoder(w).Encode(out)
	case "/tts":
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write([]byte("ID3-fake-mp3"))
	default:
		http.NotFound(w, r)
	}
}

// FakeSynth is a scriptable tts.Synthesizer. Each Speak blocks until
// Finish is called or its context is cancelled.
type FakeSynth struct {
	mu      sync.Mutex
	voices  []tts.Voice
	ready   chan struct{}
	fail    error
	spoken  []tts.Utterance
	finish  chan struct{}
	started chan tts.Utterance
	instant bool
}

// NewFakeSynth returns a synthesizer whose catalog is not yet loaded.
func NewFakeSynth() *FakeSynth {
	return &FakeSynth{
		ready:   make(chan struct{}),
		finish:  make(chan struct{}, 16),
		started: make(chan tts.Utterance, 16),
	}
}

// NewInstantSynth returns a loaded synthesizer whose Speak returns at once.
func NewInstantSynth(voices ...tts.Voice) *FakeSynth {
	s := NewFakeSynth()
	s.instant = true
	s.LoadVoices(voices...)
	return s
}

// LoadVoices publishes the catalog and marks it ready.
func (s *FakeSynth) LoadVoices(voices ...tts.Voice) {
	s.mu.Lock()
	s.voices = voices
	s.mu.Unlock()
	close(s.ready)
}

// FailWith makes subsequent Speak calls fail after starting.
func (s *FakeSynth) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}

// Finish lets one blocked Speak end normally.
func (s *FakeSynth) Finish() { s.finish <- struct{}{} }

// Started yields each utterance as its playback begins.
func (s *FakeSynth) Started() <-chan tts.Utterance { return s.started }

// Spoken returns every utterance that reached playback.
func (s *FakeSynth) Spoken() []tts.Utterance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]tts.Utterance(nil), s.spoken...)
}

func (s *FakeSynth) Name() string           { return "fake" }
func (s *FakeSynth) Available() bool        { return true }
func (s *FakeSynth) Ready() <-chan struct{} { return s.ready }

func (s *FakeSynth) Voices() []tts.Voice {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]tts.Voice(nil), s.voices...)
}

func (s *FakeSynth) Speak(ctx context.Context, u tts.Utterance, onStart func()) error {
	s.mu.Lock()
	s.spoken = append(s.spoken, u)
	fail, instant := s.fail, s.instant
	s.mu.Unlock()

	if onStart != nil {
		onStart()
	}
	s.started <- u
	if fail != nil {
		return fail
	}
	if instant {
		return nil
	}
	select {
	case <-s.finish:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FakeRecognizer hands out scripted transcripts, one per Recognize call,
// each released by Say or Fail.
type FakeRecognizer struct {
	Unavailable bool

	results chan recognition
	started chan struct{}
}

type recognition struct {
	text string
	err  error
}

// NewFakeRecognizer returns an available recognizer with nothing queued.
func NewFakeRecognizer() *FakeRecognizer {
	return &FakeRecognizer{
		results: make(chan recognition, 16),
		started: make(chan struct{}, 16),
	}
}

// Say delivers text to the next (or current) Recognize call.
func (r *FakeRecognizer) Say(text string) { r.results <- recognition{text: text} }

// Fail delivers err to the next (or current) Recognize call.
func (r *FakeRecognizer) Fail(err error) { r.results <- recognition{err: err} }

// Started yields once per Recognize call.
func (r *FakeRecognizer) Started() <-chan struct{} { return r.started }

func (r *FakeRecognizer) Available() bool { return !r.Unavailable }

func (r *FakeRecognizer) Recognize(ctx context.Context, _ string) (string, error) {
	r.started <- struct{}{}
	select {
	case res := <-r.results:
		return res.text, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
