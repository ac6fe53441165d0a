// Package transcript holds the ordered message buffer of the active session.
package transcript

import (
	"errors"
	"time"

	"github.com/zhouzirui/z-tavern/client/internal/model/chat"
)

var (
	ErrMessageNotFound = errors.New("message not found")
	ErrDuplicateID     = errors.New("message id already in use")
)

// Log is an insertion-ordered message buffer. It is not safe for concurrent
// use; the chat client loop is its only writer.
type Log struct {
	messages []chat.Message
	index    map[string]int
	now      func() time.Time
}

// New returns an empty Log.
func New() *Log {
	return &Log{
		messages: make([]chat.Message, 0, 16),
		index:    make(map[string]int),
		now:      time.Now,
	}
}

// Append adds a message at the end. Order is insertion order; timestamps are
// never used for sorting.
func (l *Log) Append(message chat.Message) {
	l.index[message.ID] = len(l.messages)
	l.messages = append(l.messages, message)
}

// Load replaces the whole buffer with history.
func (l *Log) Load(history []chat.Message) {
	l.RemoveAll()
	for _, msg := range history {
		l.Append(msg)
	}
}

// ReplaceContent overwrites the content of a message.
func (l *Log) ReplaceContent(id, text string) error {
	i, ok := l.index[id]
	if !ok {
		return ErrMessageNotFound
	}
	l.messages[i].Content = text
	l.messages[i].UpdatedAt = l.now()
	return nil
}

// AppendContent extends the content of a message.
func (l *Log) AppendContent(id, text string) error {
	i, ok := l.index[id]
	if !ok {
		return ErrMessageNotFound
	}
	l.messages[i].Content += text
	l.messages[i].UpdatedAt = l.now()
	return nil
}

// Remove drops a single message, keeping the order of the rest.
func (l *Log) Remove(id string) error {
	i, ok := l.index[id]
	if !ok {
		return ErrMessageNotFound
	}
	l.messages = append(l.messages[:i], l.messages[i+1:]...)
	delete(l.index, id)
	for j := i; j < len(l.messages); j++ {
		l.index[l.messages[j].ID] = j
	}
	return nil
}

// Rekey swaps a transient id for the id the server persisted the message
// under.
func (l *Log) Rekey(id, newID string) error {
	i, ok := l.index[id]
	if !ok {
		return ErrMessageNotFound
	}
	if id == newID {
		return nil
	}
	if _, taken := l.index[newID]; taken {
		return ErrDuplicateID
	}
	l.messages[i].ID = newID
	delete(l.index, id)
	l.index[newID] = i
	return nil
}

// RemoveAll clears the buffer.
func (l *Log) RemoveAll() {
	l.messages = l.messages[:0]
	clear(l.index)
}

// Get returns a copy of one message.
func (l *Log) Get(id string) (chat.Message, bool) {
	i, ok := l.index[id]
	if !ok {
		return chat.Message{}, false
	}
	return l.messages[i], true
}

// Len returns the number of messages.
func (l *Log) Len() int {
	return len(l.messages)
}

// Snapshot returns a copy of the buffer for presentation.
func (l *Log) Snapshot() []chat.Message {
	copied := make([]chat.Message, len(l.messages))
	copy(copied, l.messages)
	return copied
}
