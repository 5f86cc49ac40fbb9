// Package stt turns recorded utterances into text.
package stt

import (
	"context"
	"errors"
	"time"
)

// Common errors
var (
	ErrProviderUnavailable = errors.New("STT provider unavailable")
	ErrAudioTooShort       = errors.New("audio too short for transcription")
)

// Provider is the interface all STT providers must implement
type Provider interface {
	// Name returns the provider identifier
	Name() string

	// Transcribe converts audio to text
	Transcribe(ctx context.Context, req *TranscribeRequest) (*TranscribeResponse, error)

	// Available reports whether the provider can be used at all
	Available() bool
}

// TranscribeRequest represents a transcription request
type TranscribeRequest struct {
	Audio      []byte // Raw audio data
	Format     string // "pcm" (s16le) or "wav"
	SampleRate int    // Sample rate in Hz, for pcm
	Channels   int    // Number of channels, for pcm
	Language   string // BCP 47 tag or ISO 639-1 code; empty auto-detects
}

// TranscribeResponse represents a transcription result
type TranscribeResponse struct {
	Text           string        `json:"text"`
	Language       string        `json:"language"`
	ProcessingTime time.Duration `json:"processing_time"`
}
