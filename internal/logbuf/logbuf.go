// Package logbuf holds the bounded log of the current backup session.
package logbuf

import (
	"time"

	"github.com/zangezia/backupdesk/pkg/models"
)

// DefaultCapacity is the number of lines kept for a session.
const DefaultCapacity = 50

// Buffer is an ordered, bounded sequence of log lines. Once full, appending
// evicts the oldest line. It is owned by a single goroutine.
type Buffer struct {
	lines    []models.LogLine
	capacity int
	now      func() time.Time
}

// New creates a buffer holding at most capacity lines.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		lines:    make([]models.LogLine, 0, capacity),
		capacity: capacity,
		now:      time.Now,
	}
}

// Append adds a line stamped with the current time and returns it.
func (b *Buffer) Append(kind, message string) models.LogLine {
	line := models.LogLine{Kind: kind, Message: message, Timestamp: b.now()}
	if len(b.lines) == b.capacity {
		copy(b.lines, b.lines[1:])
		b.lines = b.lines[:len(b.lines)-1]
	}
	b.lines = append(b.lines, line)
	return line
}

// Clear empties the buffer.
func (b *Buffer) Clear() { b.lines = b.lines[:0] }

// Len returns the number of lines held.
func (b *Buffer) Len() int { return len(b.lines) }

// Lines returns a copy of the lines, oldest first.
func (b *Buffer) Lines() []models.LogLine {
	return append([]models.LogLine(nil), b.lines...)
}
