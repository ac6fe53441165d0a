// Package api talks to the remote session store over REST. Every response
// uses the {code, message, data} envelope.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/zhouzirui/z-tavern/client/internal/model/chat"
)

// Error is a failure reported by the remote side. Message is meant for the
// user.
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("remote error %d: %s", e.Code, e.Message)
}

// ErrNotAcknowledged is returned when a boolean-acknowledged call comes back
// false.
var ErrNotAcknowledged = errors.New("operation not acknowledged")

// UserMessage extracts text suitable for display from err.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var apiErr *Error
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "请求超时，请稍后重试"
	}
	return "网络异常，请稍后重试"
}

// Client implements the session store against the REST collaborator.
type Client struct {
	baseURL     string
	token       string
	successCode int
	client      *http.Client
	logger      *zap.Logger
}

// NewClient builds a client rooted at baseURL, e.g. http://host/api.
func NewClient(baseURL, token string, successCode int, timeout time.Duration, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if successCode == 0 {
		successCode = http.StatusOK
	}
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		token:       token,
		successCode: successCode,
		client:      &http.Client{Timeout: timeout},
		logger:      logger.With(zap.String("component", "api")),
	}
}

// ListSessions returns the user's sessions in the store's order.
func (c *Client) ListSessions(ctx context.Context, userID int64) ([]chat.Session, error) {
	var sessions []chat.Session
	q := url.Values{"userId": {strconv.FormatInt(userID, 10)}}
	if err := c.do(ctx, http.MethodGet, "/chat/sessions?"+q.Encode(), nil, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// CreateSession creates an empty session for the user.
func (c *Client) CreateSession(ctx context.Context, userID int64) (chat.Session, error) {
	var created chat.Session
	body := map[string]int64{"userId": userID}
	if err := c.do(ctx, http.MethodPost, "/chat/sessions", body, &created); err != nil {
		return chat.Session{}, err
	}
	return created, nil
}

// RenameSession sets a session title.
func (c *Client) RenameSession(ctx context.Context, sessionID int64, title string) error {
	var ok bool
	body := map[string]string{"title": title}
	if err := c.do(ctx, http.MethodPut, sessionPath(sessionID), body, &ok); err != nil {
		return err
	}
	if !ok {
		return ErrNotAcknowledged
	}
	return nil
}

// DeleteSession deletes a session. The store acknowledges with true.
func (c *Client) DeleteSession(ctx context.Context, sessionID int64) error {
	var ok bool
	if err := c.do(ctx, http.MethodDelete, sessionPath(sessionID), nil, &ok); err != nil {
		return err
	}
	if !ok {
		return ErrNotAcknowledged
	}
	return nil
}

// FetchHistory returns the persisted messages of a session in order.
func (c *Client) FetchHistory(ctx context.Context, sessionID int64) ([]chat.Message, error) {
	var messages []chat.Message
	if err := c.do(ctx, http.MethodGet, sessionPath(sessionID)+"/messages", nil, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

func sessionPath(id int64) string {
	return "/chat/sessions/" + strconv.FormatInt(id, 10)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var env chat.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.logger.Warn("unexpected response body",
			zap.String("path", path), zap.Int("status", resp.StatusCode), zap.Error(err))
		return &Error{Code: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}

	if env.Code != c.successCode {
		c.logger.Info("remote call failed",
			zap.String("path", path), zap.Int("code", env.Code), zap.String("message", env.Message))
		return &Error{Code: env.Code, Message: env.Message}
	}

	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode %s %s data: %w", method, path, err)
	}
	return nil
}
