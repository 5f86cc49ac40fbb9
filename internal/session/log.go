// Package session holds the ordered conversation log.
package session

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry in the conversation.
type Message struct {
	ID        uuid.UUID `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// Log is an append-only, ordered list of messages. It is not safe for
// concurrent use; the turn loop owns it.
type Log struct {
	messages []Message
	now      func() time.Time
}

// NewLog creates an empty log.
func NewLog() *Log {
	return &Log{now: time.Now}
}

// Append records a message and returns it.
func (l *Log) Append(role Role, content string) Message {
	m := Message{
		ID:        uuid.New(),
		Role:      role,
		Content:   content,
		CreatedAt: l.now(),
	}
	l.messages = append(l.messages, m)
	return m
}

// At returns the message at index i.
func (l *Log) At(i int) (Message, bool) {
	if i < 0 || i >= len(l.messages) {
		return Message{}, false
	}
	return l.messages[i], true
}

// Len returns the number of messages.
func (l *Log) Len() int {
	return len(l.messages)
}

// Messages returns a copy of the log.
func (l *Log) Messages() []Message {
	out := make([]Message, len(l.messages))
	copy(out, l.messages)
	return out
}
