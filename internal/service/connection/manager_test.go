package connection

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/zhouzirui/z-tavern/client/internal/model/chat"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type wsServer struct {
	srv      *httptest.Server
	auth     chan string
	received chan chat.Request
	conns    chan *websocket.Conn
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{
		auth:     make(chan string, 8),
		received: make(chan chat.Request, 8),
		conns:    make(chan *websocket.Conn, 8),
	}
	upgrader := websocket.Upgrader{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.auth <- r.Header.Get("Authorization")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		s.conns <- conn
		for {
			var req chat.Request
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			s.received <- req
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *wsServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *wsServer) nextConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-s.conns:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("server did not accept a connection")
		return nil
	}
}

func testOptions() Options {
	return Options{
		HandshakeTimeout: 2 * time.Second,
		ReadTimeout:      5 * time.Second,
		WriteTimeout:     2 * time.Second,
		PingInterval:     time.Second,
		EventBuffer:      16,
	}
}

func nextEvent(t *testing.T, m *Manager) Event {
	t.Helper()
	select {
	case ev := <-m.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestConnectSendsBearerToken(t *testing.T) {
	s := newWSServer(t)
	m := NewManager(s.url(), testOptions(), nil)
	defer m.Close()

	require.NoError(t, m.Connect(context.Background(), "secret"))
	assert.Equal(t, "Bearer secret", <-s.auth)
	s.nextConn(t)

	ev := nextEvent(t, m)
	assert.Equal(t, EventConnect, ev.Kind)
	assert.False(t, ev.Reconnect)
	assert.True(t, m.Connected())
}

func TestSendBeforeConnect(t *testing.T) {
	m := NewManager("ws://127.0.0.1:1/never", testOptions(), nil)
	defer m.Close()

	err := m.Send(context.Background(), chat.NewRequest("default", "hi", 0))
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestConnectFailureReturnsError(t *testing.T) {
	s := newWSServer(t)
	url := s.url()
	s.srv.Close()

	m := NewManager(url, testOptions(), nil)
	defer m.Close()

	err := m.Connect(context.Background(), "")
	require.Error(t, err)
	assert.False(t, m.Connected())
}

func TestSendWritesRequest(t *testing.T) {
	s := newWSServer(t)
	m := NewManager(s.url(), testOptions(), nil)
	defer m.Close()

	require.NoError(t, m.Connect(context.Background(), ""))
	s.nextConn(t)
	nextEvent(t, m)

	require.NoError(t, m.Send(context.Background(), chat.NewRequest("default", "hello", 7)))

	select {
	case req := <-s.received:
		assert.Equal(t, "hello", req.Message)
		assert.Equal(t, "default", req.ModelType)
		require.NotNil(t, req.SessionID)
		assert.Equal(t, int64(7), *req.SessionID)
	case <-time.After(2 * time.Second):
		t.Fatal("request not received")
	}
}

func TestFragmentsAreDeliveredInOrder(t *testing.T) {
	s := newWSServer(t)
	m := NewManager(s.url(), testOptions(), nil)
	defer m.Close()

	require.NoError(t, m.Connect(context.Background(), ""))
	conn := s.nextConn(t)
	nextEvent(t, m)

	frames := []string{
		`{"type":"CONTENT","data":"Hel"}`,
		`{"type":"BOGUS","data":"x"}`,
		`not json`,
		`{"type":"CONTENT","data":"lo"}`,
		`{"type":"DONE","data":42}`,
	}
	for _, f := range frames {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(f)))
	}

	ev := nextEvent(t, m)
	require.Equal(t, EventFragment, ev.Kind)
	assert.Equal(t, chat.ContentFragment("Hel"), ev.Fragment)

	ev = nextEvent(t, m)
	require.Equal(t, EventFragment, ev.Kind)
	assert.Equal(t, chat.ContentFragment("lo"), ev.Fragment)

	ev = nextEvent(t, m)
	require.Equal(t, EventFragment, ev.Kind)
	assert.Equal(t, chat.FragmentDone, ev.Fragment.Kind)
	id, ok := ev.Fragment.Payload.Number()
	assert.True(t, ok)
	assert.Equal(t, int64(42), id)
}

func TestServerCloseEmitsDisconnect(t *testing.T) {
	s := newWSServer(t)
	m := NewManager(s.url(), testOptions(), nil)
	defer m.Close()

	require.NoError(t, m.Connect(context.Background(), ""))
	conn := s.nextConn(t)
	nextEvent(t, m)

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "server shutdown")
	require.NoError(t, conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)))

	ev := nextEvent(t, m)
	assert.Equal(t, EventDisconnect, ev.Kind)
	assert.Equal(t, "server shutdown", ev.Reason)
	assert.False(t, m.Connected())

	err := m.Send(context.Background(), chat.NewRequest("default", "late", 0))
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestAbruptDropReconnects(t *testing.T) {
	s := newWSServer(t)
	opts := testOptions()
	opts.Reconnect = ReconnectPolicy{MaxAttempts: 3, InitialDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond}
	m := NewManager(s.url(), opts, nil)
	defer m.Close()

	require.NoError(t, m.Connect(context.Background(), "tok"))
	<-s.auth
	conn := s.nextConn(t)
	nextEvent(t, m)

	require.NoError(t, conn.UnderlyingConn().Close())

	ev := nextEvent(t, m)
	assert.Equal(t, EventError, ev.Kind)
	ev = nextEvent(t, m)
	assert.Equal(t, EventDisconnect, ev.Kind)
	ev = nextEvent(t, m)
	assert.Equal(t, EventConnect, ev.Kind)
	assert.True(t, ev.Reconnect)

	assert.Equal(t, "Bearer tok", <-s.auth)
	s.nextConn(t)
	assert.True(t, m.Connected())
}

func TestDisconnectIsIdempotent(t *testing.T) {
	s := newWSServer(t)
	m := NewManager(s.url(), testOptions(), nil)
	defer m.Close()

	require.NoError(t, m.Connect(context.Background(), ""))
	s.nextConn(t)
	nextEvent(t, m)

	require.NoError(t, m.Disconnect())
	ev := nextEvent(t, m)
	assert.Equal(t, EventDisconnect, ev.Kind)
	assert.Equal(t, "client disconnect", ev.Reason)
	assert.False(t, m.Connected())

	require.NoError(t, m.Disconnect())
	select {
	case ev := <-m.Events():
		t.Fatalf("unexpected event %v", ev.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCloseDoesNotWaitForUndrainedEvents(t *testing.T) {
	s := newWSServer(t)
	opts := testOptions()
	opts.EventBuffer = 4
	m := NewManager(s.url(), opts, nil)

	require.NoError(t, m.Connect(context.Background(), ""))
	conn := s.nextConn(t)

	for i := 0; i < 50; i++ {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CONTENT","data":"x"}`)))
	}
	require.Eventually(t, func() bool {
		return len(m.Events()) == cap(m.Events())
	}, 2*time.Second, 10*time.Millisecond)

	closed := make(chan error, 1)
	go func() { closed <- m.Close() }()

	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Close blocked on a full event buffer")
	}
	assert.False(t, m.Connected())
	assert.ErrorIs(t, m.Connect(context.Background(), ""), ErrClosed)
}

func TestConnectAfterClose(t *testing.T) {
	m := NewManager("ws://127.0.0.1:1/never", testOptions(), nil)
	require.NoError(t, m.Close())
	assert.ErrorIs(t, m.Connect(context.Background(), ""), ErrClosed)
}

func TestReconnectPolicyDelay(t *testing.T) {
	p := ReconnectPolicy{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{20, time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"abnormal", &websocket.CloseError{Code: websocket.CloseAbnormalClosure}, true},
		{"going away", &websocket.CloseError{Code: websocket.CloseGoingAway}, true},
		{"normal", &websocket.CloseError{Code: websocket.CloseNormalClosure}, false},
		{"policy", &websocket.CloseError{Code: websocket.ClosePolicyViolation}, false},
		{"timeout", timeoutErr{}, true},
		{"eof", io.ErrUnexpectedEOF, true},
		{"other", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryableError(tt.err))
		})
	}
}
