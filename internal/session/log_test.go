package session

import (
	"testing"
	"time"
)

func TestLog_AppendOrder(t *testing.T) {
	l := NewLog()
	fixed := time.Date(2026, 1, 14, 9, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return fixed }

	u := l.Append(RoleUser, "வணக்கம்")
	a := l.Append(RoleAssistant, "Happy Pongal!")

	if l.Len() != 2 {
		t.Fatalf("expected 2 messages, got %d", l.Len())
	}
	if u.ID == a.ID {
		t.Error("message IDs must be unique")
	}
	if !u.CreatedAt.Equal(fixed) {
		t.Errorf("unexpected timestamp %v", u.CreatedAt)
	}

	got, ok := l.At(1)
	if !ok || got.Role != RoleAssistant || got.Content != "Happy Pongal!" {
		t.Errorf("unexpected message at 1: %+v", got)
	}
	if _, ok := l.At(2); ok {
		t.Error("At(2) should be out of range")
	}
	if _, ok := l.At(-1); ok {
		t.Error("At(-1) should be out of range")
	}
}

func TestLog_MessagesIsCopy(t *testing.T) {
	l := NewLog()
	l.Append(RoleUser, "hi")

	msgs := l.Messages()
	msgs[0].Content = "mutated"

	if m, _ := l.At(0); m.Content != "hi" {
		t.Errorf("log was mutated through snapshot: %q", m.Content)
	}
}
