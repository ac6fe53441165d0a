// Package handler exposes the chat client core to a local presentation
// layer as JSON endpoints and a Server-Sent Events change feed.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-tavern/client/internal/api"
	"github.com/zhouzirui/z-tavern/client/internal/model/chat"
	chatService "github.com/zhouzirui/z-tavern/client/internal/service/chat"
	"github.com/zhouzirui/z-tavern/client/internal/service/connection"
	"github.com/zhouzirui/z-tavern/client/internal/service/session"
	"github.com/zhouzirui/z-tavern/client/pkg/utils"
)

// Core is the client surface the handlers drive.
type Core interface {
	View() chatService.View
	SendMessage(ctx context.Context, text string) error
	FetchSessions(ctx context.Context) error
	CreateSession(ctx context.Context) (chat.Session, error)
	SelectSession(ctx context.Context, sessionID int64) error
	RenameSession(ctx context.Context, sessionID int64, title string) error
	DeleteSession(ctx context.Context, sessionID int64) error
	TakeSuggestion() bool
	Connect(ctx context.Context) error
	Disconnect() error
	Subscribe() (<-chan struct{}, func())
}

// Handler 本地展示接口的HTTP处理器
type Handler struct {
	core      Core
	logger    *zap.Logger
	heartbeat time.Duration
}

// New 创建处理器
func New(core Core, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		core:      core,
		logger:    logger.With(zap.String("component", "handler")),
		heartbeat: 15 * time.Second,
	}
}

// NewRouter wires HTTP routes to the client core.
func NewRouter(core Core, logger *zap.Logger) http.Handler {
	h := New(core, logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(h.logger))
	r.Use(middleware.Recoverer)
	r.Use(CORS)

	r.Route("/api", h.RegisterRoutes)
	return r
}

// RegisterRoutes 注册展示层路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/view", h.handleView)
	r.Get("/events", h.handleEvents)
	r.Post("/messages", h.handleSendMessage)
	r.Post("/suggestion/take", h.handleTakeSuggestion)

	r.Post("/connection", h.handleConnect)
	r.Delete("/connection", h.handleDisconnect)

	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", h.handleCreateSession)
		r.Post("/refresh", h.handleRefreshSessions)
		r.Post("/{sessionID}/select", h.handleSelectSession)
		r.Put("/{sessionID}", h.handleRenameSession)
		r.Delete("/{sessionID}", h.handleDeleteSession)
	})
}

func (h *Handler) handleView(w http.ResponseWriter, r *http.Request) {
	h.respond(w, http.StatusOK, h.core.View())
}

func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.core.SendMessage(r.Context(), payload.Text); err != nil {
		h.fail(w, err)
		return
	}
	h.respond(w, http.StatusAccepted, h.core.View())
}

func (h *Handler) handleTakeSuggestion(w http.ResponseWriter, r *http.Request) {
	h.respond(w, http.StatusOK, map[string]bool{"suggestion": h.core.TakeSuggestion()})
}

func (h *Handler) handleConnect(w http.ResponseWriter, r *http.Request) {
	if err := h.core.Connect(r.Context()); err != nil {
		h.fail(w, err)
		return
	}
	h.respond(w, http.StatusOK, h.core.View())
}

func (h *Handler) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := h.core.Disconnect(); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	created, err := h.core.CreateSession(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	h.respond(w, http.StatusCreated, created)
}

func (h *Handler) handleRefreshSessions(w http.ResponseWriter, r *http.Request) {
	if err := h.core.FetchSessions(r.Context()); err != nil {
		h.fail(w, err)
		return
	}
	h.respond(w, http.StatusOK, h.core.View())
}

func (h *Handler) handleSelectSession(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sessionParam(w, r)
	if !ok {
		return
	}
	if err := h.core.SelectSession(r.Context(), id); err != nil {
		h.fail(w, err)
		return
	}
	h.respond(w, http.StatusOK, h.core.View())
}

func (h *Handler) handleRenameSession(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sessionParam(w, r)
	if !ok {
		return
	}

	var payload struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.core.RenameSession(r.Context(), id, payload.Title); err != nil {
		h.fail(w, err)
		return
	}
	h.respond(w, http.StatusOK, h.core.View())
}

func (h *Handler) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sessionParam(w, r)
	if !ok {
		return
	}
	if err := h.core.DeleteSession(r.Context(), id); err != nil {
		h.fail(w, err)
		return
	}
	h.respond(w, http.StatusOK, h.core.View())
}

func (h *Handler) sessionParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "sessionID"), 10, 64)
	if err != nil || id <= 0 {
		h.respondError(w, http.StatusBadRequest, "invalid session id")
		return 0, false
	}
	return id, true
}

// fail maps core errors onto HTTP statuses.
func (h *Handler) fail(w http.ResponseWriter, err error) {
	var apiErr *api.Error
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		h.respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, session.ErrEmptyTitle):
		h.respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, chatService.ErrNoActiveSession), errors.Is(err, session.ErrStaleResponse):
		h.respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, connection.ErrNotConnected):
		h.respondError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, chatService.ErrClientStopped):
		h.respondError(w, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &apiErr):
		h.respondError(w, http.StatusBadGateway, api.UserMessage(err))
	default:
		h.logger.Warn("request failed", zap.Error(err))
		h.respondError(w, http.StatusBadGateway, api.UserMessage(err))
	}
}

func (h *Handler) respond(w http.ResponseWriter, status int, payload any) {
	if err := utils.RespondJSON(w, status, payload); err != nil {
		h.logger.Debug("failed to encode response", zap.Error(err))
	}
}

func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	if err := utils.RespondError(w, status, message); err != nil {
		h.logger.Debug("failed to encode response", zap.Error(err))
	}
}
