// Package backend is a small assistant backend speaking the same REST and
// streaming protocol the chat client consumes. It keeps everything in memory.
package backend

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-tavern/client/pkg/utils"
)

// Server 参考后端的HTTP处理器
type Server struct {
	store     *Store
	responder Responder
	token     string
	logger    *zap.Logger
	upgrader  websocket.Upgrader

	pingInterval time.Duration
	readTimeout  time.Duration
}

// Option customises a Server.
type Option func(*Server)

// WithToken requires "Authorization: Bearer <token>" on every request.
func WithToken(token string) Option {
	return func(s *Server) { s.token = token }
}

// WithKeepalive sets the websocket ping interval and read deadline.
func WithKeepalive(ping, read time.Duration) Option {
	return func(s *Server) {
		s.pingInterval = ping
		s.readTimeout = read
	}
}

// NewServer 创建参考后端
func NewServer(store *Store, responder Responder, logger *zap.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		store:     store,
		responder: responder,
		logger:    logger.With(zap.String("component", "backend")),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		pingInterval: 54 * time.Second,
		readTimeout:  60 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router wires the REST and streaming routes under /api.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(api chi.Router) {
		api.Use(s.authenticate)
		s.RegisterRoutes(api)
	})
	return r
}

// RegisterRoutes 注册会话与流式路由
func (s *Server) RegisterRoutes(r chi.Router) {
	r.Route("/chat", func(r chi.Router) {
		r.Get("/sessions", s.handleListSessions)
		r.Post("/sessions", s.handleCreateSession)
		r.Put("/sessions/{sessionID}", s.handleRenameSession)
		r.Delete("/sessions/{sessionID}", s.handleDeleteSession)
		r.Get("/sessions/{sessionID}/messages", s.handleHistory)
		r.Get("/stream", s.handleStream)
	})
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if got != s.token {
				s.fail(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(r.URL.Query().Get("userId"), 10, 64)
	if err != nil {
		s.fail(w, http.StatusBadRequest, "userId query parameter is required")
		return
	}

	list, err := s.store.ListSessions(r.Context(), userID)
	if err != nil {
		s.fail(w, statusFor(err), err.Error())
		return
	}
	s.ok(w, list)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		UserID int64 `json:"userId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.fail(w, http.StatusBadRequest, "invalid request body")
		return
	}

	session, err := s.store.CreateSession(r.Context(), payload.UserID)
	if err != nil {
		s.fail(w, statusFor(err), err.Error())
		return
	}
	s.logger.Info("session created", zap.Int64("session_id", session.ID), zap.Int64("user_id", session.UserID))
	s.ok(w, session)
}

func (s *Server) handleRenameSession(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := s.sessionParam(w, r)
	if !ok {
		return
	}

	var payload struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.fail(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if _, err := s.store.RenameSession(r.Context(), sessionID, payload.Title); err != nil {
		s.fail(w, statusFor(err), err.Error())
		return
	}
	s.ok(w, true)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := s.sessionParam(w, r)
	if !ok {
		return
	}

	if err := s.store.DeleteSession(r.Context(), sessionID); err != nil {
		s.fail(w, statusFor(err), err.Error())
		return
	}
	s.logger.Info("session deleted", zap.Int64("session_id", sessionID))
	s.ok(w, true)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := s.sessionParam(w, r)
	if !ok {
		return
	}

	messages, err := s.store.LoadTranscript(r.Context(), sessionID)
	if err != nil {
		s.fail(w, statusFor(err), err.Error())
		return
	}
	s.ok(w, messages)
}

func (s *Server) sessionParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "sessionID"), 10, 64)
	if err != nil || id <= 0 {
		s.fail(w, http.StatusBadRequest, "invalid session id")
		return 0, false
	}
	return id, true
}

func (s *Server) ok(w http.ResponseWriter, data any) {
	if err := utils.RespondOK(w, data); err != nil {
		s.logger.Warn("failed to encode response", zap.Error(err))
	}
}

func (s *Server) fail(w http.ResponseWriter, status int, message string) {
	if err := utils.RespondFailure(w, status, message); err != nil {
		s.logger.Warn("failed to encode response", zap.Error(err))
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrUserRequired), errors.Is(err, ErrTitleRequired):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
