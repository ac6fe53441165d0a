package chat

import (
	"sync"
	"time"

	"github.com/zhouzirui/z-tavern/client/internal/model/chat"
	"github.com/zhouzirui/z-tavern/client/internal/service/presence"
)

// NoticeKind classifies a Notice.
type NoticeKind string

const (
	NoticeInfo  NoticeKind = "info"
	NoticeError NoticeKind = "error"
)

// Notice is a user-facing message about something that went wrong or
// changed outside the user's direct action.
type Notice struct {
	Kind    NoticeKind `json:"kind"`
	Message string     `json:"message"`
	Detail  string     `json:"detail,omitempty"`
	At      time.Time  `json:"at"`
}

// View is the read-only state exposed to the presentation layer.
type View struct {
	Transcript      []chat.Message `json:"transcript"`
	Sessions        []chat.Session `json:"sessions"`
	ActiveSessionID int64          `json:"activeSessionId"`
	Presence        presence.State `json:"presence"`
	Suggestion      bool           `json:"suggestion"`
	Connected       bool           `json:"connected"`
	Streaming       bool           `json:"streaming"`
	Notice          *Notice        `json:"notice,omitempty"`
}

// feed fans change signals out to subscribers. Each subscriber channel holds
// at most one pending signal.
type feed struct {
	mu     sync.Mutex
	next   int
	subs   map[int]chan struct{}
	closed bool
}

func newFeed() *feed {
	return &feed{subs: make(map[int]chan struct{})}
}

func (f *feed) subscribe() (<-chan struct{}, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan struct{}, 1)
	if f.closed {
		close(ch)
		return ch, func() {}
	}

	id := f.next
	f.next++
	f.subs[id] = ch
	return ch, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if sub, ok := f.subs[id]; ok {
			delete(f.subs, id)
			close(sub)
		}
	}
}

func (f *feed) publish() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (f *feed) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	for id, ch := range f.subs {
		delete(f.subs, id)
		close(ch)
	}
}
