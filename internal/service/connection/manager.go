package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-tavern/client/internal/model/chat"
)

var (
	ErrNotConnected = errors.New("not connected")
	ErrClosed       = errors.New("connection manager closed")
)

// EventKind tags an Event.
type EventKind int

const (
	EventConnect EventKind = iota + 1
	EventDisconnect
	EventFragment
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventConnect:
		return "connect"
	case EventDisconnect:
		return "disconnect"
	case EventFragment:
		return "fragment"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one observable change on the connection, delivered in order on
// the channel returned by Events.
type Event struct {
	Kind     EventKind
	Fragment chat.Fragment
	Reason   string
	Err      error
	// Reconnect is set on EventConnect when the link was re-established
	// automatically.
	Reconnect bool
}

// ReconnectPolicy bounds automatic reconnection. MaxAttempts of zero
// disables it.
type ReconnectPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// Delay returns the backoff before the given attempt, starting at 1.
func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.InitialDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// Options 长连接配置选项
type Options struct {
	HandshakeTimeout time.Duration // 握手超时时间
	ReadTimeout      time.Duration // 读取超时时间
	WriteTimeout     time.Duration // 写入超时时间
	PingInterval     time.Duration // Ping间隔
	EventBuffer      int           // 事件通道容量
	Reconnect        ReconnectPolicy
}

// DefaultOptions 默认连接选项
func DefaultOptions() Options {
	return Options{
		HandshakeTimeout: 30 * time.Second,
		ReadTimeout:      60 * time.Second,
		WriteTimeout:     30 * time.Second,
		PingInterval:     30 * time.Second,
		EventBuffer:      64,
		Reconnect: ReconnectPolicy{
			MaxAttempts:  5,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     30 * time.Second,
		},
	}
}

// Manager owns the single authenticated streaming connection.
type Manager struct {
	url    string
	opts   Options
	dialer *websocket.Dialer
	logger *zap.Logger

	events chan Event
	ctx    context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup

	mu              sync.Mutex
	conn            *websocket.Conn
	token           string
	gen             uint64
	cancelLoops     context.CancelFunc
	cancelReconnect context.CancelFunc
	closed          bool

	writeMu sync.Mutex
}

// NewManager creates a manager for the given websocket URL.
func NewManager(url string, opts Options, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultOptions()
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = defaults.EventBuffer
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaults.PingInterval
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = defaults.ReadTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaults.WriteTimeout
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaults.HandshakeTimeout
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Manager{
		url:    url,
		opts:   opts,
		dialer: &websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout},
		logger: logger.With(zap.String("component", "connection")),
		events: make(chan Event, opts.EventBuffer),
		ctx:    ctx,
		stop:   stop,
	}
}

// Events returns the ordered event stream.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// Connected reports whether a connection is currently attached.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil
}

// Connect dials the backend with the bearer token. An existing connection
// is replaced.
func (m *Manager) Connect(ctx context.Context, token string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	old := m.detachLocked()
	gen := m.gen
	m.token = token
	m.mu.Unlock()

	if old != nil {
		m.closeConn(old)
	}

	conn, err := m.dial(ctx, token)
	if err != nil {
		return err
	}

	start, ok := m.attach(conn, gen)
	if !ok {
		conn.Close()
		return ErrNotConnected
	}
	m.logger.Info("connected", zap.String("url", m.url))
	m.emit(Event{Kind: EventConnect})
	start()
	return nil
}

// Send transmits one request. Success means the frame was written, not
// that the backend received it.
func (m *Manager) Send(ctx context.Context, req chat.Request) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	deadline := time.Now().Add(m.opts.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	return nil
}

// Disconnect closes the current connection and stops any reconnect in
// progress. It is a no-op when nothing is connected.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	conn := m.detachLocked()
	m.mu.Unlock()

	if conn == nil {
		return nil
	}

	m.closeConn(conn)
	m.logger.Info("disconnected by client")
	m.emit(Event{Kind: EventDisconnect, Reason: "client disconnect"})
	return nil
}

// Close disconnects and stops event delivery for good. It never waits on
// the event buffer: the final disconnect event is dropped when nobody reads.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	conn := m.detachLocked()
	m.mu.Unlock()

	m.stop()
	if conn != nil {
		m.closeConn(conn)
		m.logger.Info("disconnected by client")
		select {
		case m.events <- Event{Kind: EventDisconnect, Reason: "client disconnect"}:
		default:
		}
	}
	m.wg.Wait()
	return nil
}

func (m *Manager) dial(ctx context.Context, token string) (*websocket.Conn, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := m.dialer.DialContext(ctx, m.url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	return conn, nil
}

// detachLocked drops the current connection and invalidates its loops and
// any reconnect attempt. Caller holds m.mu.
func (m *Manager) detachLocked() *websocket.Conn {
	m.gen++
	if m.cancelLoops != nil {
		m.cancelLoops()
		m.cancelLoops = nil
	}
	if m.cancelReconnect != nil {
		m.cancelReconnect()
		m.cancelReconnect = nil
	}
	conn := m.conn
	m.conn = nil
	return conn
}

// attach installs conn if gen is still current. The returned func starts
// its loops, so the connect event can be emitted before any fragment.
func (m *Manager) attach(conn *websocket.Conn, gen uint64) (func(), bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || gen != m.gen {
		return nil, false
	}

	loopCtx, cancel := context.WithCancel(m.ctx)
	m.conn = conn
	m.cancelLoops = cancel

	conn.SetReadDeadline(time.Now().Add(m.opts.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(m.opts.ReadTimeout))
		return nil
	})

	m.wg.Add(2)
	return func() {
		go m.readLoop(loopCtx, conn, gen)
		go m.pingLoop(loopCtx, conn)
	}, true
}

func (m *Manager) readLoop(ctx context.Context, conn *websocket.Conn, gen uint64) {
	defer m.wg.Done()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			m.handleDrop(ctx, gen, err)
			return
		}
		conn.SetReadDeadline(time.Now().Add(m.opts.ReadTimeout))

		if msgType != websocket.TextMessage {
			continue
		}

		fragment, err := chat.DecodeFragment(data)
		if err != nil {
			m.logger.Debug("dropping malformed frame", zap.Error(err))
			continue
		}
		m.emit(Event{Kind: EventFragment, Fragment: fragment})
	}
}

// pingLoop 定期发送ping消息
func (m *Manager) pingLoop(ctx context.Context, conn *websocket.Conn) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(m.opts.WriteTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			m.writeMu.Unlock()
			if err != nil {
				m.logger.Debug("ping failed", zap.Error(err))
				return
			}
		}
	}
}

// handleDrop reports an unexpected loss of conn and starts reconnecting
// when the policy allows it.
func (m *Manager) handleDrop(ctx context.Context, gen uint64, cause error) {
	m.mu.Lock()
	if gen != m.gen || m.closed {
		m.mu.Unlock()
		return
	}
	conn := m.detachLocked()
	newGen := m.gen
	token := m.token
	var reconnectCtx context.Context
	if m.opts.Reconnect.MaxAttempts > 0 && IsRetryableError(cause) {
		var cancel context.CancelFunc
		reconnectCtx, cancel = context.WithCancel(m.ctx)
		m.cancelReconnect = cancel
	}
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}

	reason := "connection lost"
	if websocket.IsCloseError(cause, websocket.CloseNormalClosure) {
		reason = "closed by server"
		m.logger.Info("server closed connection")
	} else {
		m.logger.Warn("connection dropped", zap.Error(cause))
		m.emit(Event{Kind: EventError, Err: cause})
	}
	if ce := (*websocket.CloseError)(nil); errors.As(cause, &ce) && ce.Text != "" {
		reason = ce.Text
	}
	m.emit(Event{Kind: EventDisconnect, Reason: reason, Err: cause})

	if reconnectCtx != nil {
		m.reconnect(reconnectCtx, token, newGen)
	}
}

// reconnect 带指数退避的重连
func (m *Manager) reconnect(ctx context.Context, token string, gen uint64) {
	policy := m.opts.Reconnect
	var lastErr error

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(policy.Delay(attempt)):
		}

		dialCtx, cancel := context.WithTimeout(ctx, m.opts.HandshakeTimeout)
		conn, err := m.dial(dialCtx, token)
		cancel()
		if err != nil {
			lastErr = err
			m.logger.Warn("reconnect failed", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}

		start, ok := m.attach(conn, gen)
		if !ok {
			conn.Close()
			return
		}
		m.mu.Lock()
		m.cancelReconnect = nil
		m.mu.Unlock()

		m.logger.Info("reconnected", zap.Int("attempt", attempt))
		m.emit(Event{Kind: EventConnect, Reconnect: true})
		start()
		return
	}

	if ctx.Err() == nil {
		m.emit(Event{
			Kind: EventError,
			Err:  fmt.Errorf("failed to reconnect after %d attempts, last error: %w", policy.MaxAttempts, lastErr),
		})
	}
}

func (m *Manager) closeConn(conn *websocket.Conn) {
	m.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	m.writeMu.Unlock()
	conn.Close()
}

func (m *Manager) emit(ev Event) {
	select {
	case m.events <- ev:
	case <-m.ctx.Done():
	}
}
