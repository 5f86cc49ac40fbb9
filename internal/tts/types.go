// Package tts provides voice catalogs, the platform speech synthesizer and
// the remote clip client.
package tts

import (
	"context"
	"errors"
)

// Common errors
var (
	ErrProviderUnavailable = errors.New("TTS provider unavailable")
	ErrRemoteSynthesis     = errors.New("remote synthesis failed")
	ErrEmptyText           = errors.New("nothing to synthesize")
)

// Voice describes an installed synthesizer voice.
type Voice struct {
	ID       string `json:"id"`       // value passed back to the engine
	Name     string `json:"name"`     // display name, matched against hints
	Language string `json:"language"` // locale tag as reported by the engine
	Provider string `json:"provider"`
}

// Utterance is one piece of text to speak.
type Utterance struct {
	Text  string
	Voice *Voice  // nil selects the engine default
	Rate  float64 // 1.0 is the engine's normal speed
}

// Synthesizer speaks text through the platform audio device.
type Synthesizer interface {
	// Name returns the engine identifier
	Name() string

	// Available reports whether the engine can be used at all
	Available() bool

	// Voices returns the catalog loaded so far
	Voices() []Voice

	// Ready is closed once the catalog load has finished, even if it
	// produced no voices.
	Ready() <-chan struct{}

	// Speak blocks until playback ends. onStart runs once audio has begun.
	// A cancelled ctx stops playback and Speak returns ctx.Err().
	Speak(ctx context.Context, u Utterance, onStart func()) error
}

// Clip is encoded audio returned by a remote synthesizer.
type Clip struct {
	Audio       []byte
	ContentType string
}
