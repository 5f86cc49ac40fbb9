// Package avatar holds the emotion vocabulary and the presence snapshot a
// renderer draws from.
package avatar

import "strings"

// Emotion is the avatar's displayed mood.
type Emotion string

const (
	Neutral  Emotion = "neutral"
	Happy    Emotion = "happy"
	Excited  Emotion = "excited"
	Sad      Emotion = "sad"
	Thinking Emotion = "thinking"
)

const (
	// Default is used when the backend reply carries no emotion.
	Default = Happy
	// Negative is shown after a failed turn.
	Negative = Sad
)

// All lists every emotion in display order.
func All() []Emotion {
	return []Emotion{Neutral, Happy, Excited, Sad, Thinking}
}

// ParseEmotion maps a backend label onto the closed set. An absent label
// yields Default; an unrecognised one yields Neutral.
func ParseEmotion(raw string) Emotion {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return Default
	}
	for _, e := range All() {
		if string(e) == raw {
			return e
		}
	}
	return Neutral
}

// Valid reports whether e is one of the known emotions.
func (e Emotion) Valid() bool {
	for _, k := range All() {
		if k == e {
			return true
		}
	}
	return false
}

// Presence is what the avatar needs to render a frame.
type Presence struct {
	Emotion     Emotion `json:"emotion"`
	IsSpeaking  bool    `json:"isSpeaking"`
	IsListening bool    `json:"isListening"`
	IsThinking  bool    `json:"isThinking"`
}
