package hub

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/orchestra-mcp/chatsync/src/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

// mockConn implements types.Conn for testing without a real WebSocket.
type mockConn struct {
	mu       sync.Mutex
	written  []types.Event
	readCh   chan types.Event
	closed   bool
	closedCh chan struct{}
}

func newMockConn() *mockConn {
	return &mockConn{
		readCh:   make(chan types.Event, 16),
		closedCh: make(chan struct{}),
	}
}

func (m *mockConn) WriteJSON(v any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev, ok := v.(types.Event); ok {
		m.written = append(m.written, ev)
	}
	return nil
}

func (m *mockConn) ReadJSON(v any) error {
	select {
	case ev := <-m.readCh:
		if ptr, ok := v.(*types.Event); ok {
			*ptr = ev
		}
		return nil
	case <-m.closedCh:
		return errors.New("connection closed")
	}
}

func (m *mockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.closedCh)
	}
	return nil
}

func (m *mockConn) getWritten() []types.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]types.Event, len(m.written))
	copy(cp, m.written)
	return cp
}

func (m *mockConn) writtenCount() int {
	return len(m.getWritten())
}

// newTestHub creates a hub and starts its event loop in a goroutine.
func newTestHub(t *testing.T) *Hub {
	t.Helper()
	h := New(zerolog.Nop())
	go h.Run()
	t.Cleanup(h.Stop)
	return h
}

// registerClient creates, registers, and starts a mock client.
func registerClient(t *testing.T, h *Hub, id string, userID int64, opts ClientOptions) (*Client, *mockConn) {
	t.Helper()
	conn := newMockConn()
	client := NewClient(id, userID, id, conn, h, opts)
	h.Register(client)
	go client.WritePump()
	return client, conn
}

func event(t *testing.T, name string, data any) types.Event {
	t.Helper()
	ev, err := types.NewEvent(name, data)
	require.NoError(t, err)
	return ev
}

func TestHubRegisterAndUnregister(t *testing.T) {
	h := newTestHub(t)

	registerClient(t, h, "client-1", 1, DefaultClientOptions())
	c2, _ := registerClient(t, h, "client-2", 2, DefaultClientOptions())
	require.Eventually(t, func() bool { return h.ClientCount() == 2 }, time.Second, 5*time.Millisecond)

	info := h.ClientInfo("client-1")
	require.NotNil(t, info)
	assert.Equal(t, int64(1), info.UserID)

	h.Unregister(c2)
	require.Eventually(t, func() bool { return h.ClientInfo("client-2") == nil }, time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []string{"client-1"}, h.ConnectedClients())
}

func TestBroadcastReachesAllClients(t *testing.T) {
	h := newTestHub(t)
	_, conn1 := registerClient(t, h, "c1", 1, DefaultClientOptions())
	_, conn2 := registerClient(t, h, "c2", 2, DefaultClientOptions())

	h.Broadcast(event(t, types.EventNewMessage, types.Message{ID: 1, Content: "hi"}))

	require.Eventually(t, func() bool {
		return conn1.writtenCount() == 1 && conn2.writtenCount() == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, types.EventNewMessage, conn1.getWritten()[0].Event)
}

func TestBroadcastExceptSkipsSender(t *testing.T) {
	h := newTestHub(t)
	_, conn1 := registerClient(t, h, "c1", 1, DefaultClientOptions())
	_, conn2 := registerClient(t, h, "c2", 2, DefaultClientOptions())

	h.BroadcastExcept(event(t, types.EventUserTyping, types.UserTyping{UserID: 1, IsTyping: true}), "c1")

	require.Eventually(t, func() bool { return conn2.writtenCount() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, conn1.writtenCount())
}

func TestSendToClient(t *testing.T) {
	h := newTestHub(t)
	_, conn := registerClient(t, h, "target", 1, DefaultClientOptions())

	ev := event(t, types.EventConnect, nil)
	assert.True(t, h.SendToClient("target", ev))
	require.Eventually(t, func() bool { return conn.writtenCount() == 1 }, time.Second, 5*time.Millisecond)

	assert.False(t, h.SendToClient("nonexistent", ev))
}

func TestInboundEventsReachHandler(t *testing.T) {
	h := newTestHub(t)

	got := make(chan string, 1)
	h.RegisterHandler(types.EventTypingStart, func(c *Client, ev types.Event) error {
		got <- c.ID
		return nil
	})
	client, conn := registerClient(t, h, "typer", 3, DefaultClientOptions())
	go client.ReadPump()

	conn.readCh <- event(t, types.EventTypingStart, nil)
	select {
	case id := <-got:
		assert.Equal(t, "typer", id)
	case <-time.After(time.Second):
		t.Fatal("handler not invoked")
	}
}

func TestHandlerErrorIsReportedToSender(t *testing.T) {
	h := newTestHub(t)
	h.RegisterHandler(types.EventSendMessage, func(*Client, types.Event) error {
		return errors.New("message cannot be empty")
	})
	client, conn := registerClient(t, h, "c1", 1, DefaultClientOptions())
	go client.ReadPump()

	conn.readCh <- event(t, types.EventSendMessage, map[string]string{"content": ""})
	require.Eventually(t, func() bool { return conn.writtenCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, types.EventError, conn.getWritten()[0].Event)
}

func TestRateLimitDropsExcessEvents(t *testing.T) {
	h := newTestHub(t)

	var mu sync.Mutex
	handled := 0
	h.RegisterHandler(types.EventTypingStart, func(*Client, types.Event) error {
		mu.Lock()
		handled++
		mu.Unlock()
		return nil
	})
	client, conn := registerClient(t, h, "spammer", 1, ClientOptions{Rate: rate.Every(time.Hour), Burst: 2})
	go client.ReadPump()

	for i := 0; i < 5; i++ {
		conn.readCh <- event(t, types.EventTypingStart, nil)
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return handled == 2
	}, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, handled)
}

func TestConnectionCallbacks(t *testing.T) {
	h := newTestHub(t)

	connected := make(chan string, 1)
	disconnected := make(chan string, 1)
	h.OnConnection(func(c *Client) { connected <- c.ID })
	h.OnDisconnection(func(c *Client) { disconnected <- c.ID })

	client, conn := registerClient(t, h, "cb-client", 1, DefaultClientOptions())
	assert.Equal(t, "cb-client", <-connected)

	h.Unregister(client)
	assert.Equal(t, "cb-client", <-disconnected)
	require.Eventually(t, func() bool {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		return conn.closed
	}, time.Second, 5*time.Millisecond, "write pump closes the connection")
}

type recordingBridge struct {
	mu     sync.Mutex
	events []types.Event
	except []string
}

func (b *recordingBridge) Publish(ev types.Event, except string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
	b.except = append(b.except, except)
	return nil
}

func (b *recordingBridge) Available() bool { return true }

func (b *recordingBridge) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

func TestBridgeForwardingWithoutLoop(t *testing.T) {
	h := newTestHub(t)
	b := &recordingBridge{}
	h.SetBridge(b)
	_, conn := registerClient(t, h, "c1", 1, DefaultClientOptions())

	h.BroadcastExcept(event(t, types.EventUserTyping, nil), "c9")
	require.Eventually(t, func() bool { return b.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"c9"}, b.except)

	// Events arriving from the bridge are delivered locally but never re-published.
	h.BroadcastToLocal(event(t, types.EventNewMessage, nil), "")
	require.Eventually(t, func() bool { return conn.writtenCount() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, b.count())
}

func TestShutdownAndStopAreIdempotent(t *testing.T) {
	h := newTestHub(t)
	_, conn := registerClient(t, h, "a", 1, DefaultClientOptions())

	assert.NotPanics(t, func() {
		h.Shutdown()
		h.Shutdown()
		h.Stop()
	})
	conn.mu.Lock()
	defer conn.mu.Unlock()
	assert.True(t, conn.closed)
}

// pingConn counts pings and fails them once failAfter is reached.
type pingConn struct {
	*mockConn
	pings     atomic.Int32
	failAfter int32
}

func (p *pingConn) Ping() error {
	if n := p.pings.Add(1); p.failAfter > 0 && n >= p.failAfter {
		return errors.New("peer gone")
	}
	return nil
}

func TestWritePumpPingsAndStopsOnPingFailure(t *testing.T) {
	h := newTestHub(t)
	conn := &pingConn{mockConn: newMockConn(), failAfter: 3}
	opts := DefaultClientOptions()
	opts.PingInterval = 10 * time.Millisecond
	client := NewClient("p", 1, "p", conn, h, opts)
	h.Register(client)

	done := make(chan struct{})
	go func() {
		client.WritePump()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("write pump kept running after a failed ping")
	}
	assert.Equal(t, int32(3), conn.pings.Load())
	conn.mu.Lock()
	defer conn.mu.Unlock()
	assert.True(t, conn.closed)
}

func TestWritePumpSkipsPingsWithoutSupport(t *testing.T) {
	h := newTestHub(t)
	opts := DefaultClientOptions()
	opts.PingInterval = time.Millisecond
	client, conn := registerClient(t, h, "plain", 1, opts)

	time.Sleep(20 * time.Millisecond)
	client.Send <- event(t, types.EventNewMessage, nil)
	require.Eventually(t, func() bool { return conn.writtenCount() == 1 }, time.Second, 5*time.Millisecond)
}
