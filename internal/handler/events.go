package handler

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/zhouzirui/z-tavern/client/pkg/utils"
)

// handleEvents streams the view as "view" events whenever it changes, with
// unnamed heartbeat chunks in between.
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	changes, cancel := h.core.Subscribe()
	defer cancel()

	utils.SetupSSEHeaders(w)

	ctx := r.Context()
	h.logger.Debug("event stream opened")

	if err := utils.SendSSEEvent(w, flusher, "view", h.core.View()); err != nil {
		return
	}

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("event stream closed")
			return
		case _, open := <-changes:
			if !open {
				return
			}
			if err := utils.SendSSEEvent(w, flusher, "view", h.core.View()); err != nil {
				h.logger.Debug("event stream write failed", zap.Error(err))
				return
			}
		case t := <-ticker.C:
			// 心跳为不带事件名的数据块，前端按默认 message 事件忽略即可
			if err := utils.SendSSEChunk(w, flusher, map[string]string{
				"heartbeat": t.UTC().Format(time.RFC3339),
			}); err != nil {
				return
			}
		}
	}
}
