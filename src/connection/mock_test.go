package connection

import (
	"context"
	"errors"
	"sync"

	"github.com/orchestra-mcp/chatsync/src/types"
)

// mockConn implements types.Conn without a real socket.
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
	if m.closed {
		return errors.New("write on closed connection")
	}
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

func (m *mockConn) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *mockConn) getWritten() []types.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]types.Event, len(m.written))
	copy(cp, m.written)
	return cp
}

// mockDialer hands out queued results; once the queue is empty every dial fails.
type mockDialer struct {
	mu      sync.Mutex
	calls   int
	tokens  []string
	results []dialResult
}

type dialResult struct {
	conn *mockConn
	err  error
}

func (d *mockDialer) Dial(_ context.Context, token string) (types.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	d.tokens = append(d.tokens, token)
	if len(d.results) == 0 {
		return nil, errors.New("connection refused")
	}
	r := d.results[0]
	d.results = d.results[1:]
	if r.err != nil {
		return nil, r.err
	}
	return r.conn, nil
}

func (d *mockDialer) queue(rs ...dialResult) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.results = append(d.results, rs...)
}

func (d *mockDialer) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type staticCreds string

func (s staticCreds) Token() string { return string(s) }

// recorder collects events delivered to handlers.
type recorder struct {
	mu     sync.Mutex
	events []types.Event
}

func (r *recorder) attach(m *Manager, names ...string) {
	for _, name := range names {
		m.On(name, func(ev types.Event) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.events = append(r.events, ev)
		})
	}
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Event
	}
	return out
}

func (r *recorder) count(name string) int {
	n := 0
	for _, got := range r.names() {
		if got == name {
			n++
		}
	}
	return n
}

func (r *recorder) reconnecting() []types.ReconnectingData {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []types.ReconnectingData
	for _, ev := range r.events {
		if ev.Event != types.EventReconnecting {
			continue
		}
		var d types.ReconnectingData
		_ = ev.Decode(&d)
		out = append(out, d)
	}
	return out
}
