package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-tavern/client/internal/model/chat"
)

// socket serialises writes from the reply path and the ping loop.
type socket struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *socket) writeFragment(f chat.Fragment) error {
	frame, err := chat.EncodeFragment(f)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteMessage(websocket.TextMessage, frame)
}

func (s *socket) ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	sock := &socket{conn: conn}
	s.logger.Info("stream connected", zap.String("remote", r.RemoteAddr))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		return nil
	})

	go s.pingLoop(ctx, sock)

	for {
		var req chat.Request
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("stream read error", zap.Error(err))
			}
			return
		}
		err := s.reply(ctx, sock, req)
		// 回复期间不读取，pong 未被处理，结束后重新计算读超时
		conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		if err != nil {
			s.logger.Warn("reply failed", zap.Error(err))
			if errors.Is(err, errWrite) {
				return
			}
		}
	}
}

var errWrite = errors.New("stream write failed")

// reply persists the user message, streams the assistant reply as CONTENT
// fragments, persists it and finishes with DONE carrying its id.
func (s *Server) reply(ctx context.Context, sock *socket, req chat.Request) error {
	if req.SessionID == nil {
		return s.refuse(sock, "sessionId is required")
	}
	sessionID := *req.SessionID

	history, err := s.store.LoadTranscript(ctx, sessionID)
	if err != nil {
		return s.refuse(sock, fmt.Sprintf("session %d not found", sessionID))
	}

	if _, err := s.store.SaveMessage(ctx, chat.Message{
		SessionID: sessionID,
		Sender:    chat.SenderUser,
		Content:   req.Message,
	}); err != nil {
		return s.refuse(sock, err.Error())
	}

	stream, err := s.responder.Stream(ctx, history, req.Message)
	if err != nil {
		return s.refuse(sock, "assistant unavailable")
	}
	defer stream.Close()

	var chunks []*schema.Message
	for {
		chunk, recvErr := stream.Recv()
		if errors.Is(recvErr, io.EOF) {
			break
		}
		if recvErr != nil {
			return s.refuse(sock, "assistant stream interrupted")
		}
		if chunk == nil {
			continue
		}
		chunks = append(chunks, chunk)
		if chunk.Content == "" {
			continue
		}
		if err := sock.writeFragment(chat.ContentFragment(chunk.Content)); err != nil {
			return fmt.Errorf("%w: %v", errWrite, err)
		}
	}

	content := ""
	if len(chunks) > 0 {
		merged, err := schema.ConcatMessages(chunks)
		if err != nil {
			return fmt.Errorf("concat reply chunks: %w", err)
		}
		content = merged.Content
	}

	saved, err := s.store.SaveMessage(ctx, chat.Message{
		SessionID: sessionID,
		Sender:    chat.SenderAssistant,
		Content:   content,
	})
	done := chat.DoneFragment()
	if err == nil {
		if id, convErr := parseID(saved.ID); convErr == nil {
			done.Payload = chat.NumberPayload(id)
		}
	} else {
		s.logger.Warn("failed to save assistant message", zap.Int64("session_id", sessionID), zap.Error(err))
	}

	if err := sock.writeFragment(done); err != nil {
		return fmt.Errorf("%w: %v", errWrite, err)
	}
	s.logger.Debug("reply streamed", zap.Int64("session_id", sessionID), zap.Int("chunks", len(chunks)))
	return nil
}

func parseID(id string) (int64, error) {
	return strconv.ParseInt(id, 10, 64)
}

// refuse reports a failure to the client as a short reply so the open turn
// still completes.
func (s *Server) refuse(sock *socket, message string) error {
	if err := sock.writeFragment(chat.ContentFragment(message)); err != nil {
		return fmt.Errorf("%w: %v", errWrite, err)
	}
	if err := sock.writeFragment(chat.DoneFragment()); err != nil {
		return fmt.Errorf("%w: %v", errWrite, err)
	}
	return errors.New(message)
}

// pingLoop 定期发送ping消息
func (s *Server) pingLoop(ctx context.Context, sock *socket) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sock.ping(); err != nil {
				return
			}
		}
	}
}
