// Package chat runs the single-consumer client loop. One goroutine owns the
// transcript, the stream assembler, the presence machine and the session
// state; connection events, REST completions and timer callbacks are all
// re-entered onto it.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-tavern/client/internal/model/chat"
	"github.com/zhouzirui/z-tavern/client/internal/service/connection"
	"github.com/zhouzirui/z-tavern/client/internal/service/presence"
	"github.com/zhouzirui/z-tavern/client/internal/service/session"
	"github.com/zhouzirui/z-tavern/client/internal/service/stream"
	"github.com/zhouzirui/z-tavern/client/internal/transcript"
)

var (
	ErrNoActiveSession = errors.New("no active session")
	ErrClientStopped   = errors.New("chat client stopped")
)

// Connection is the streaming link the client drives.
type Connection interface {
	Connect(ctx context.Context, token string) error
	Send(ctx context.Context, req chat.Request) error
	Disconnect() error
	Events() <-chan connection.Event
}

// Options 客户端行为配置
type Options struct {
	UserID          int64
	ModelType       string
	AuthToken       string
	GracePeriod     time.Duration
	PlaceholderText string
	Clock           presence.Clock
	// Describe turns a remote failure into text for the user.
	Describe func(error) string
}

// Client is the presentation-facing core. Run must be running for any other
// method to make progress.
type Client struct {
	opts   Options
	conn   Connection
	logger *zap.Logger

	log       *transcript.Log
	assembler *stream.Assembler
	presence  *presence.Machine
	sessions  *session.Manager

	cmds    chan func()
	stopped chan struct{}
	once    sync.Once

	notices chan Notice
	feed    *feed

	// owned by the loop
	connected  bool
	ownTurn    bool
	lastNotice *Notice
	now        func() time.Time
	newID      func() string
}

// New wires the core around a connection and a remote session store.
func New(conn Connection, store session.Store, logger *zap.Logger, opts Options) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ModelType == "" {
		opts.ModelType = "default"
	}
	if opts.PlaceholderText == "" {
		opts.PlaceholderText = "..."
	}
	if opts.Clock == nil {
		opts.Clock = presence.SystemClock
	}

	c := &Client{
		opts:    opts,
		conn:    conn,
		logger:  logger.With(zap.String("component", "chat")),
		log:     transcript.New(),
		cmds:    make(chan func()),
		stopped: make(chan struct{}),
		notices: make(chan Notice, 16),
		feed:    newFeed(),
		now:     time.Now,
		newID:   uuid.NewString,
	}
	c.assembler = stream.New(c.log, c.logger)
	c.presence = presence.New(opts.GracePeriod,
		presence.WithClock(opts.Clock),
		presence.WithDispatcher(c.post),
		presence.OnChange(func(presence.State) { c.changed() }),
	)
	c.sessions = session.NewManager(store, c.log, c.logger,
		session.WithExecutor(func(f func()) { c.do(f) }),
		session.OnActivate(c.onActivate),
	)
	return c
}

// Run processes commands and connection events until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	defer c.once.Do(func() { close(c.stopped) })
	defer c.feed.close()

	events := c.conn.Events()
	for {
		select {
		case <-ctx.Done():
			c.abandonTurn()
			return nil
		case f := <-c.cmds:
			f()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			c.handleEvent(ev)
		}
	}
}

// Connect opens the streaming link with the configured token.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.conn.Connect(ctx, c.opts.AuthToken); err != nil {
		c.post(func() { c.notify(NoticeError, "无法连接到助手服务", err) })
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

// Disconnect closes the streaming link.
func (c *Client) Disconnect() error {
	return c.conn.Disconnect()
}

// Start connects and loads the user's sessions.
func (c *Client) Start(ctx context.Context) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}
	return c.FetchSessions(ctx)
}

// SendMessage submits user text for the active session. Blank input is
// ignored. A failed transmit drops the placeholder and returns the error;
// the user message stays in the transcript.
func (c *Client) SendMessage(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	var (
		sessionID     int64
		placeholderID string
		err           error
	)
	if !c.do(func() {
		active, ok := c.sessions.Active()
		if !ok {
			err = ErrNoActiveSession
			return
		}
		c.abandonTurn()

		now := c.now()
		c.log.Append(chat.Message{
			ID:        c.newID(),
			SessionID: active.ID,
			UserID:    c.opts.UserID,
			Sender:    chat.SenderUser,
			Content:   text,
			CreatedAt: now,
			UpdatedAt: now,
		})
		placeholderID = c.newID()
		c.log.Append(chat.Message{
			ID:        placeholderID,
			SessionID: active.ID,
			UserID:    c.opts.UserID,
			Sender:    chat.SenderAssistant,
			Content:   c.opts.PlaceholderText,
			CreatedAt: now,
			UpdatedAt: now,
		})
		c.assembler.Begin(active.ID, c.opts.UserID, placeholderID)
		c.ownTurn = true
		c.presence.Send()
		sessionID = active.ID
		c.changed()
	}) {
		return ErrClientStopped
	}
	if err != nil {
		return err
	}

	sendErr := c.conn.Send(ctx, chat.NewRequest(c.opts.ModelType, text, sessionID))
	if sendErr == nil {
		return nil
	}

	c.do(func() {
		if c.ownTurn && c.assembler.PlaceholderID() == placeholderID {
			c.assembler.Abandon()
			c.ownTurn = false
			c.presence.Abandon()
		}
		_ = c.log.Remove(placeholderID)
		c.notify(NoticeError, "消息发送失败，请检查网络连接", sendErr)
	})
	return fmt.Errorf("send message: %w", sendErr)
}

// FetchSessions loads the session list and activates the first session.
func (c *Client) FetchSessions(ctx context.Context) error {
	return c.surface(c.sessions.FetchSessions(ctx, c.opts.UserID), "加载会话列表失败")
}

// CreateSession starts a new, empty session and makes it active.
func (c *Client) CreateSession(ctx context.Context) (chat.Session, error) {
	created, err := c.sessions.CreateSession(ctx, c.opts.UserID)
	return created, c.surface(err, "创建会话失败")
}

// SelectSession switches to another session and loads its history.
func (c *Client) SelectSession(ctx context.Context, sessionID int64) error {
	err := c.sessions.SelectSession(ctx, sessionID)
	if errors.Is(err, session.ErrStaleResponse) {
		return err
	}
	return c.surface(err, "切换会话失败")
}

// RenameSession changes a session title.
func (c *Client) RenameSession(ctx context.Context, sessionID int64, title string) error {
	err := c.sessions.RenameSession(ctx, sessionID, title)
	if err == nil {
		c.do(c.changed)
	}
	return c.surface(err, "重命名会话失败")
}

// DeleteSession deletes a session, falling back to another one when it was
// active.
func (c *Client) DeleteSession(ctx context.Context, sessionID int64) error {
	err := c.sessions.DeleteSession(ctx, sessionID)
	c.do(c.changed)
	return c.surface(err, "删除会话失败")
}

// TakeSuggestion consumes the one-shot suggestion signal.
func (c *Client) TakeSuggestion() bool {
	var s bool
	if c.do(func() {
		s = c.presence.TakeSuggestion()
		if s {
			c.changed()
		}
	}) {
		return s
	}
	return false
}

// View returns a consistent snapshot of everything the presentation layer
// reads.
func (c *Client) View() View {
	var v View
	c.do(func() { v = c.view() })
	return v
}

// Notices delivers surfaced failures and connection notices. Old notices
// are dropped when nobody reads.
func (c *Client) Notices() <-chan Notice {
	return c.notices
}

// Subscribe returns a channel that receives a signal, coalesced, whenever
// the view changes. The channel is closed when cancel is called or the
// client stops.
func (c *Client) Subscribe() (<-chan struct{}, func()) {
	return c.feed.subscribe()
}

// Done is closed once Run has returned.
func (c *Client) Done() <-chan struct{} {
	return c.stopped
}

func (c *Client) handleEvent(ev connection.Event) {
	switch ev.Kind {
	case connection.EventConnect:
		c.connected = true
		if ev.Reconnect {
			c.notify(NoticeInfo, "已重新连接", nil)
		}
	case connection.EventDisconnect:
		c.connected = false
		c.abandonTurn()
		c.logger.Info("stream disconnected", zap.String("reason", ev.Reason))
		c.notify(NoticeInfo, "连接已断开："+ev.Reason, ev.Err)
	case connection.EventError:
		c.notify(NoticeError, "连接异常", ev.Err)
	case connection.EventFragment:
		c.consume(ev.Fragment)
	}
	c.changed()
}

// consume feeds a fragment to the assembler. Only turns started by a send
// drive presence; content arriving without one does not.
func (c *Client) consume(f chat.Fragment) {
	own := c.ownTurn
	res := c.assembler.Consume(f)
	if res.Done {
		c.ownTurn = false
	}

	if own && f.Kind == chat.FragmentContent {
		c.presence.Content()
	}
	if res.Done {
		if own {
			c.presence.Done()
		}
		if res.HasServerID {
			serverID := strconv.FormatInt(res.ServerID, 10)
			if err := c.log.Rekey(res.MessageID, serverID); err != nil {
				c.logger.Debug("keeping placeholder id", zap.String("message_id", res.MessageID), zap.Error(err))
			}
		}
	}
}

// abandonTurn closes the open turn. A placeholder that never received
// content is removed; received content is kept.
func (c *Client) abandonTurn() {
	state := c.assembler.State()
	own := c.ownTurn
	c.ownTurn = false
	id, ok := c.assembler.Abandon()
	if !ok {
		return
	}
	if own && state == stream.StateAwaitingFirst {
		_ = c.log.Remove(id)
	}
	if own {
		c.presence.Abandon()
	}
	c.logger.Debug("turn abandoned", zap.String("message_id", id))
}

// onActivate runs on the loop right before the transcript is replaced.
func (c *Client) onActivate(s chat.Session) {
	c.abandonTurn()
	c.assembler.Bind(s.ID, c.opts.UserID)
	c.changed()
}

func (c *Client) surface(err error, message string) error {
	if err == nil {
		return nil
	}
	if c.opts.Describe != nil {
		if text := c.opts.Describe(err); text != "" {
			message += "：" + text
		}
	}
	c.do(func() { c.notify(NoticeError, message, err) })
	return err
}

func (c *Client) notify(kind NoticeKind, message string, cause error) {
	n := Notice{Kind: kind, Message: message, At: c.now()}
	if cause != nil {
		n.Detail = cause.Error()
	}
	c.lastNotice = &n

	select {
	case c.notices <- n:
	default:
		select {
		case <-c.notices:
		default:
		}
		select {
		case c.notices <- n:
		default:
		}
	}
	c.changed()
}

func (c *Client) changed() {
	c.feed.publish()
}

func (c *Client) view() View {
	active := c.sessions.ActiveID()
	v := View{
		Transcript:      c.log.Snapshot(),
		Sessions:        c.sessions.Sessions(),
		ActiveSessionID: active,
		Presence:        c.presence.State(),
		Suggestion:      c.presence.Suggestion(),
		Connected:       c.connected,
		Streaming:       c.assembler.Open(),
	}
	if c.lastNotice != nil {
		n := *c.lastNotice
		v.Notice = &n
	}
	return v
}

// do runs f on the loop and waits for it. It reports false when the loop
// has stopped and f did not run.
func (c *Client) do(f func()) bool {
	done := make(chan struct{})
	select {
	case c.cmds <- func() { f(); close(done) }:
	case <-c.stopped:
		return false
	}
	select {
	case <-done:
		return true
	case <-c.stopped:
		return false
	}
}

// post queues f on the loop without waiting.
func (c *Client) post(f func()) {
	go func() {
		select {
		case c.cmds <- f:
		case <-c.stopped:
		}
	}()
}
