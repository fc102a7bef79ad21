package conversation

import (
	"sync"

	"mentorchat/internal/models"
)

// Log is the ordered, append-only history of a session. It does not enforce
// user/assistant alternation.
type Log struct {
	mu    sync.RWMutex
	turns []models.Turn
}

// NewLog creates a log seeded with turns.
func NewLog(turns ...models.Turn) *Log {
	l := &Log{}
	l.turns = append(l.turns, turns...)
	return l
}

// Append adds turns in order.
func (l *Log) Append(turns ...models.Turn) {
	if len(turns) == 0 {
		return
	}
	l.mu.Lock()
	l.turns = append(l.turns, turns...)
	l.mu.Unlock()
}

// Len returns the number of turns.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.turns)
}

// Turns returns a copy of every turn.
func (l *Log) Turns() []models.Turn {
	return l.Recent(-1)
}

// Recent returns a copy of the last n turns in original order. n < 0 means all.
func (l *Log) Recent(n int) []models.Turn {
	l.mu.RLock()
	defer l.mu.RUnlock()
	start := 0
	if n >= 0 && n < len(l.turns) {
		start = len(l.turns) - n
	}
	out := make([]models.Turn, len(l.turns)-start)
	copy(out, l.turns[start:])
	return out
}

// Reset drops every turn.
func (l *Log) Reset() {
	l.mu.Lock()
	l.turns = nil
	l.mu.Unlock()
}
