package turn

import (
	"github.com/normanking/cortexcompanion/internal/avatar"
	"github.com/normanking/cortexcompanion/internal/session"
)

// State is a snapshot of the conversation as presentation clients see it.
type State struct {
	Messages    []session.Message `json:"messages"`
	IsLoading   bool              `json:"isLoading"`
	Emotion     avatar.Emotion    `json:"emotion"`
	IsSpeaking  bool              `json:"isSpeaking"`
	IsListening bool              `json:"isListening"`
	CanListen   bool              `json:"canListen"`
	Notice      string            `json:"notice,omitempty"`
	Version     uint64            `json:"version"`
}

// Presence extracts what the avatar renderer needs.
func (s State) Presence() avatar.Presence {
	return avatar.Presence{
		Emotion:     s.Emotion,
		IsSpeaking:  s.IsSpeaking,
		IsListening: s.IsListening,
		IsThinking:  s.IsLoading,
	}
}

func (s State) clone() State {
	out := s
	out.Messages = make([]session.Message, len(s.Messages))
	copy(out.Messages, s.Messages)
	return out
}
