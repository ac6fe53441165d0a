package backend

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/zhouzirui/z-tavern/client/internal/model/chat"
)

var (
	ErrUserRequired    = errors.New("user id is required")
	ErrSessionNotFound = errors.New("session not found")
	ErrTitleRequired   = errors.New("title is required")
)

// DefaultTitle is given to every new session.
const DefaultTitle = "新对话"

// Store encapsulates conversation state management.
type Store struct {
	mu            sync.RWMutex
	nextSessionID int64
	nextMessageID int64
	sessions      map[int64]chat.Session
	order         []int64
	messages      map[int64][]chat.Message
	now           func() time.Time
}

// NewStore bootstraps the in-memory store used by the reference backend.
func NewStore() *Store {
	return &Store{
		sessions: make(map[int64]chat.Session),
		messages: make(map[int64][]chat.Message),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// ListSessions returns the user's live sessions, newest first.
func (s *Store) ListSessions(_ context.Context, userID int64) ([]chat.Session, error) {
	if userID <= 0 {
		return nil, ErrUserRequired
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	list := make([]chat.Session, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		session := s.sessions[s.order[i]]
		if session.UserID == userID && !session.Deleted {
			list = append(list, session)
		}
	}
	return list, nil
}

// CreateSession provisions an empty session for the user.
func (s *Store) CreateSession(_ context.Context, userID int64) (chat.Session, error) {
	if userID <= 0 {
		return chat.Session{}, ErrUserRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSessionID++
	now := s.now()
	session := chat.Session{
		ID:        s.nextSessionID,
		UserID:    userID,
		Title:     DefaultTitle,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.sessions[session.ID] = session
	s.order = append(s.order, session.ID)
	s.messages[session.ID] = make([]chat.Message, 0, 16)
	return session, nil
}

// GetSession retrieves a live session by identifier.
func (s *Store) GetSession(_ context.Context, sessionID int64) (chat.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionID]
	if !ok || session.Deleted {
		return chat.Session{}, ErrSessionNotFound
	}
	return session, nil
}

// RenameSession sets a new title.
func (s *Store) RenameSession(_ context.Context, sessionID int64, title string) (chat.Session, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return chat.Session{}, ErrTitleRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok || session.Deleted {
		return chat.Session{}, ErrSessionNotFound
	}
	session.Title = title
	session.UpdatedAt = s.now()
	s.sessions[sessionID] = session
	return session, nil
}

// DeleteSession marks a session deleted. Deleting it again succeeds.
func (s *Store) DeleteSession(_ context.Context, sessionID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	if session.Deleted {
		return nil
	}
	session.Deleted = true
	session.UpdatedAt = s.now()
	s.sessions[sessionID] = session
	delete(s.messages, sessionID)
	return nil
}

// SaveMessage appends a message to the session history and returns it with
// its assigned id.
func (s *Store) SaveMessage(_ context.Context, message chat.Message) (chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[message.SessionID]
	if !ok || session.Deleted {
		return chat.Message{}, ErrSessionNotFound
	}

	s.nextMessageID++
	message.ID = strconv.FormatInt(s.nextMessageID, 10)
	message.UserID = session.UserID
	now := s.now()
	if message.CreatedAt.IsZero() {
		message.CreatedAt = now
	}
	message.UpdatedAt = now

	s.messages[message.SessionID] = append(s.messages[message.SessionID], message)
	session.UpdatedAt = now
	s.sessions[session.ID] = session
	return message, nil
}

// LoadTranscript returns stored messages for the provided session.
func (s *Store) LoadTranscript(_ context.Context, sessionID int64) ([]chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	messages, ok := s.messages[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}

	copied := make([]chat.Message, len(messages))
	copy(copied, messages)
	return copied, nil
}
