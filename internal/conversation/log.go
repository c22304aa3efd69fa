// Package conversation holds the ordered turn log of a single pane.
package conversation

import "time"

// Role identifies who authored a turn
type Role string

const (
	// RoleUser marks text the pane submitted
	RoleUser Role = "user"
	// RoleAssistant marks the rendered reply streamed back
	RoleAssistant Role = "assistant"
)

// Turn represents a single chat message
type Turn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Log is the ordered conversation of one pane. Turns are only ever appended;
// the last turn is the only one that may be rewritten, and only by MergeAssistant.
// A Log is not safe for concurrent use: its pane serializes every mutation.
type Log struct {
	turns []Turn
	now   func() time.Time
}

// NewLog creates an empty log
func NewLog() *Log {
	return &Log{now: time.Now}
}

// AppendUser appends a user turn. Callers drop blank input before getting here.
func (l *Log) AppendUser(text string) {
	l.turns = append(l.turns, Turn{
		Role:      RoleUser,
		Content:   text,
		Timestamp: l.now(),
	})
}

// MergeAssistant applies one rendered snapshot of the assistant reply.
// It appends a new assistant turn unless the last turn already is one, in which
// case that turn's content is replaced. It reports whether a turn was appended.
func (l *Log) MergeAssistant(rendered string) bool {
	if n := len(l.turns); n > 0 && l.turns[n-1].Role == RoleAssistant {
		l.turns[n-1].Content = rendered
		l.turns[n-1].Timestamp = l.now()
		return false
	}
	l.turns = append(l.turns, Turn{
		Role:      RoleAssistant,
		Content:   rendered,
		Timestamp: l.now(),
	})
	return true
}

// Len returns the number of turns
func (l *Log) Len() int {
	return len(l.turns)
}

// Last returns the most recent turn, if any
func (l *Log) Last() (Turn, bool) {
	if len(l.turns) == 0 {
		return Turn{}, false
	}
	return l.turns[len(l.turns)-1], true
}

// Turns returns a copy of the log safe to hand to another goroutine
func (l *Log) Turns() []Turn {
	out := make([]Turn, len(l.turns))
	copy(out, l.turns)
	return out
}
