package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/orchestra-mcp/chatsync/src/types"
	"github.com/rs/zerolog"
)

// WebSocketDialer opens the push channel over a websocket and waits for the
// server's connect acknowledgment.
type WebSocketDialer struct {
	url              string
	dialer           *websocket.Dialer
	handshakeTimeout time.Duration
	keepalive        Keepalive
	logger           zerolog.Logger
}

// Options tunes the websocket dialer.
type Options struct {
	HandshakeTimeout time.Duration
	ReadBufferSize   int
	WriteBufferSize  int
	// NetDial overrides the network dialer, e.g. for in-memory listeners.
	NetDial func(network, addr string) (net.Conn, error)
	// PingInterval enables client pings. PongWait defaults to twice the
	// interval when unset.
	PingInterval time.Duration
	PongWait     time.Duration
	WriteTimeout time.Duration
}

// NewWebSocketDialer creates a dialer for a ws:// or wss:// endpoint.
func NewWebSocketDialer(endpoint string, opts Options, logger zerolog.Logger) *WebSocketDialer {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.ReadBufferSize <= 0 {
		opts.ReadBufferSize = 1024
	}
	if opts.WriteBufferSize <= 0 {
		opts.WriteBufferSize = 1024
	}
	if opts.PingInterval > 0 && opts.PongWait <= 0 {
		opts.PongWait = 2 * opts.PingInterval
	}
	return &WebSocketDialer{
		url: endpoint,
		dialer: &websocket.Dialer{
			HandshakeTimeout: opts.HandshakeTimeout,
			ReadBufferSize:   opts.ReadBufferSize,
			WriteBufferSize:  opts.WriteBufferSize,
			NetDial:          opts.NetDial,
		},
		handshakeTimeout: opts.HandshakeTimeout,
		keepalive: Keepalive{
			PingInterval: opts.PingInterval,
			PongWait:     opts.PongWait,
			WriteTimeout: opts.WriteTimeout,
		},
		logger: logger.With().Str("component", "ws-dialer").Logger(),
	}
}

// Dial connects with the bearer token and blocks until the server sends the
// connect event.
func (d *WebSocketDialer) Dial(ctx context.Context, token string) (types.Conn, error) {
	u, err := url.Parse(d.url)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := d.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: websocket handshake rejected", types.ErrUnauthorized)
		}
		return nil, err
	}

	if err := conn.SetReadDeadline(time.Now().Add(d.handshakeTimeout)); err != nil {
		conn.Close()
		return nil, err
	}
	var ack types.Event
	if err := conn.ReadJSON(&ack); err != nil {
		conn.Close()
		return nil, fmt.Errorf("read connect ack: %w", err)
	}
	switch ack.Event {
	case types.EventConnect:
	case types.EventConnectError:
		conn.Close()
		var reason types.FailedData
		if err := ack.Decode(&reason); err != nil {
			d.logger.Debug().Err(err).Msg("decode connect_error")
		}
		if strings.Contains(strings.ToLower(reason.Error), "unauthorized") {
			return nil, fmt.Errorf("%w: %s", types.ErrUnauthorized, reason.Error)
		}
		return nil, fmt.Errorf("connect rejected: %s", reason.Error)
	default:
		conn.Close()
		return nil, fmt.Errorf("expected %q, got %q", types.EventConnect, ack.Event)
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		conn.Close()
		return nil, err
	}

	d.logger.Debug().Str("endpoint", u.Host+u.Path).Msg("push channel open")
	return NewConn(conn, d.keepalive), nil
}
