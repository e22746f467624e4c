package session

import "fmt"

const statusHistory = 16

// StatusBoard holds the user-facing status line and a short log of recent
// messages. Callers post once per occurrence; the board does not dedupe.
type StatusBoard struct {
	current string
	recent  []string
}

// Post replaces the current message and appends it to the recent log.
func (b *StatusBoard) Post(format string, args ...any) {
	b.current = b.Note(format, args...)
}

// Note appends a message to the recent log and leaves the current line
// alone, so a fatal reason stays on screen.
func (b *StatusBoard) Note(format string, args ...any) string {
	msg := fmt.Sprintf(format, args...)
	b.recent = append(b.recent, msg)
	if len(b.recent) > statusHistory {
		b.recent = append(b.recent[:0], b.recent[len(b.recent)-statusHistory:]...)
	}
	return msg
}

// Current returns the latest message.
func (b *StatusBoard) Current() string { return b.current }

// Recent returns a copy of the latest messages, oldest first.
func (b *StatusBoard) Recent() []string { return append([]string(nil), b.recent...) }
