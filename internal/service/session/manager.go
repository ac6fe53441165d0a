package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/zhouzirui/z-tavern/client/internal/model/chat"
	"github.com/zhouzirui/z-tavern/client/internal/transcript"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrStaleResponse   = errors.New("stale response discarded")
	ErrEmptyTitle      = errors.New("session title is required")
)

// Store is the remote session store.
type Store interface {
	ListSessions(ctx context.Context, userID int64) ([]chat.Session, error)
	CreateSession(ctx context.Context, userID int64) (chat.Session, error)
	RenameSession(ctx context.Context, sessionID int64, title string) error
	DeleteSession(ctx context.Context, sessionID int64) error
	FetchHistory(ctx context.Context, sessionID int64) ([]chat.Message, error)
}

// Executor runs f on the goroutine that owns the transcript and session
// state and returns once f has run.
type Executor func(f func())

// Manager owns the session list and the active session. Its operations
// perform remote calls on the caller's goroutine and apply results through
// the executor, so they must not be called from the owning loop itself.
type Manager struct {
	store  Store
	log    *transcript.Log
	exec   Executor
	logger *zap.Logger

	onActivate func(chat.Session)

	sessions []chat.Session
	activeID int64
	seq      uint64
}

// Option customises a Manager.
type Option func(*Manager)

// WithExecutor sets how state mutations reach the owning loop.
func WithExecutor(exec Executor) Option {
	return func(m *Manager) { m.exec = exec }
}

// OnActivate registers a hook that runs, on the owning loop, right before
// the transcript is replaced for a newly active session.
func OnActivate(f func(chat.Session)) Option {
	return func(m *Manager) { m.onActivate = f }
}

// NewManager creates a manager with no sessions.
func NewManager(store Store, log *transcript.Log, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		store:  store,
		log:    log,
		logger: logger,
		exec:   func(f func()) { f() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// FetchSessions loads the user's sessions. An empty list is replaced by one
// freshly created session; otherwise the first session becomes active with
// its history loaded.
func (m *Manager) FetchSessions(ctx context.Context, userID int64) error {
	list, err := m.store.ListSessions(ctx, userID)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}

	if len(list) == 0 {
		created, err := m.store.CreateSession(ctx, userID)
		if err != nil {
			return fmt.Errorf("create initial session: %w", err)
		}
		m.logger.Info("created initial session", zap.Int64("session_id", created.ID))
		m.exec(func() {
			m.sessions = []chat.Session{created}
			m.seq++
			m.activate(created, nil)
		})
		return nil
	}

	loaded := append([]chat.Session(nil), list...)
	return m.switchTo(ctx, loaded[0], func() bool {
		m.sessions = loaded
		return true
	})
}

// CreateSession creates a session, puts it first and makes it active with an
// empty transcript.
func (m *Manager) CreateSession(ctx context.Context, userID int64) (chat.Session, error) {
	created, err := m.store.CreateSession(ctx, userID)
	if err != nil {
		return chat.Session{}, fmt.Errorf("create session: %w", err)
	}

	m.exec(func() {
		m.sessions = append([]chat.Session{created}, m.sessions...)
		m.seq++
		m.activate(created, nil)
	})
	return created, nil
}

// SelectSession makes a known session active and replaces the transcript
// with its history. If another switch is requested before the history
// arrives, this call returns ErrStaleResponse and changes nothing.
func (m *Manager) SelectSession(ctx context.Context, sessionID int64) error {
	var (
		target chat.Session
		found  bool
	)
	m.exec(func() { target, found = m.find(sessionID) })
	if !found {
		return ErrSessionNotFound
	}

	return m.switchTo(ctx, target, func() bool {
		_, still := m.find(sessionID)
		return still
	})
}

// RenameSession changes the title of a session.
func (m *Manager) RenameSession(ctx context.Context, sessionID int64, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return ErrEmptyTitle
	}

	if err := m.store.RenameSession(ctx, sessionID, title); err != nil {
		return fmt.Errorf("rename session %d: %w", sessionID, err)
	}

	var found bool
	m.exec(func() {
		for i := range m.sessions {
			if m.sessions[i].ID == sessionID {
				m.sessions[i].Title = title
				found = true
				return
			}
		}
	})
	if !found {
		return ErrSessionNotFound
	}
	return nil
}

// DeleteSession removes a session. When it was the active one, the first
// remaining session becomes active, or a new session is created when none
// remain. The deleted session stays active until its replacement is ready.
func (m *Manager) DeleteSession(ctx context.Context, sessionID int64) error {
	var (
		deleted chat.Session
		found   bool
	)
	m.exec(func() { deleted, found = m.find(sessionID) })
	if !found {
		return ErrSessionNotFound
	}

	if err := m.store.DeleteSession(ctx, sessionID); err != nil {
		return fmt.Errorf("delete session %d: %w", sessionID, err)
	}

	var (
		wasActive bool
		fallback  chat.Session
		hasNext   bool
		token     uint64
	)
	m.exec(func() {
		wasActive = m.activeID == sessionID
		if !wasActive {
			m.remove(sessionID)
			return
		}
		for _, s := range m.sessions {
			if s.ID != sessionID {
				fallback, hasNext = s, true
				break
			}
		}
		m.seq++
		token = m.seq
	})
	if !wasActive {
		return nil
	}

	if !hasNext {
		created, err := m.store.CreateSession(ctx, deleted.UserID)
		if err != nil {
			return fmt.Errorf("create replacement session: %w", err)
		}
		m.exec(func() {
			m.remove(sessionID)
			m.sessions = append([]chat.Session{created}, m.sessions...)
			m.seq++
			m.activate(created, nil)
		})
		m.logger.Info("replaced last session", zap.Int64("deleted_id", sessionID), zap.Int64("session_id", created.ID))
		return nil
	}

	history, histErr := m.store.FetchHistory(ctx, fallback.ID)
	var stale bool
	m.exec(func() {
		m.remove(sessionID)
		if token != m.seq && m.activeID != sessionID {
			// Another switch already moved the client off the deleted session.
			stale = true
			return
		}
		if histErr != nil {
			history = nil
		}
		// A switch requested after the delete is still pending and will
		// replace the fallback when its history lands.
		m.activate(fallback, history)
	})
	if stale {
		return nil
	}
	if histErr != nil {
		return fmt.Errorf("load history for session %d: %w", fallback.ID, histErr)
	}
	return nil
}

// switchTo fetches history for target and applies it unless a newer switch
// started meanwhile or prepare refuses.
func (m *Manager) switchTo(ctx context.Context, target chat.Session, prepare func() bool) error {
	var token uint64
	m.exec(func() {
		m.seq++
		token = m.seq
	})

	history, err := m.store.FetchHistory(ctx, target.ID)
	if err != nil {
		return fmt.Errorf("load history for session %d: %w", target.ID, err)
	}

	var (
		stale   bool
		refused bool
	)
	m.exec(func() {
		if token != m.seq {
			stale = true
			return
		}
		if prepare != nil && !prepare() {
			refused = true
			return
		}
		m.activate(target, history)
	})

	switch {
	case stale:
		m.logger.Debug("discarding stale history", zap.Int64("session_id", target.ID))
		return ErrStaleResponse
	case refused:
		return ErrSessionNotFound
	}
	return nil
}

// activate must run on the owning loop. It leaves the switch sequence
// alone; callers that supersede pending switches bump it themselves.
func (m *Manager) activate(s chat.Session, history []chat.Message) {
	m.activeID = s.ID
	if m.onActivate != nil {
		m.onActivate(s)
	}
	m.log.Load(history)
}

func (m *Manager) find(sessionID int64) (chat.Session, bool) {
	for _, s := range m.sessions {
		if s.ID == sessionID {
			return s, true
		}
	}
	return chat.Session{}, false
}

func (m *Manager) remove(sessionID int64) {
	kept := m.sessions[:0]
	for _, s := range m.sessions {
		if s.ID != sessionID {
			kept = append(kept, s)
		}
	}
	m.sessions = kept
}

// Sessions returns a copy of the session list. Call from the owning loop.
func (m *Manager) Sessions() []chat.Session {
	return append([]chat.Session(nil), m.sessions...)
}

// ActiveID returns the active session id, zero when none. Call from the
// owning loop.
func (m *Manager) ActiveID() int64 {
	return m.activeID
}

// Active returns the active session. Call from the owning loop.
func (m *Manager) Active() (chat.Session, bool) {
	if m.activeID == 0 {
		return chat.Session{}, false
	}
	return m.find(m.activeID)
}
