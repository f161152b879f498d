package hub

import (
	"sync"
	"time"

	"github.com/orchestra-mcp/chatsync/src/types"
	"golang.org/x/time/rate"
)

// ClientOptions bounds a client's buffers and inbound event rate.
type ClientOptions struct {
	SendBuffer   int
	Rate         rate.Limit // inbound events per second
	Burst        int
	PingInterval time.Duration // zero disables pings
}

// pinger is implemented by connections that can send a liveness ping.
type pinger interface {
	Ping() error
}

// DefaultClientOptions returns the limits used by the dev server.
func DefaultClientOptions() ClientOptions {
	return ClientOptions{SendBuffer: 256, Rate: 20, Burst: 40}
}

// Client wraps an authenticated push channel connection.
type Client struct {
	ID       string
	UserID   int64
	UserName string

	conn        types.Conn
	hub         *Hub
	Send        chan types.Event
	limiter     *rate.Limiter
	pingEvery   time.Duration
	connectedAt time.Time
	mu          sync.Mutex
	done        chan struct{}
	closed      bool
}

// NewClient creates a client for an authenticated user.
func NewClient(id string, userID int64, userName string, conn types.Conn, h *Hub, opts ClientOptions) *Client {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = DefaultClientOptions().SendBuffer
	}
	if opts.Rate <= 0 {
		opts.Rate = rate.Inf
	}
	return &Client{
		ID:          id,
		UserID:      userID,
		UserName:    userName,
		conn:        conn,
		hub:         h,
		Send:        make(chan types.Event, opts.SendBuffer),
		limiter:     rate.NewLimiter(opts.Rate, opts.Burst),
		pingEvery:   opts.PingInterval,
		connectedAt: time.Now(),
		done:        make(chan struct{}),
	}
}

// Info returns metadata about this client.
func (c *Client) Info() ClientInfo {
	return ClientInfo{
		ID:          c.ID,
		UserID:      c.UserID,
		UserName:    c.UserName,
		ConnectedAt: c.connectedAt,
	}
}

// ReadPump reads events from the connection and routes them to the hub.
// Events over the client's rate limit are dropped.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	for {
		var ev types.Event
		if err := c.conn.ReadJSON(&ev); err != nil {
			return
		}
		if !c.limiter.Allow() {
			c.hub.logger.Warn().
				Str("client_id", c.ID).
				Str("event", ev.Event).
				Msg("rate limited, dropping")
			continue
		}
		ev.Timestamp = time.Now()
		select {
		case c.hub.incoming <- inbound{client: c, ev: ev}:
		case <-c.hub.done:
			return
		}
	}
}

// WritePump writes events from the send channel to the connection and pings
// it every PingInterval when the connection supports pings.
func (c *Client) WritePump() {
	defer c.conn.Close()

	var tick <-chan time.Time
	p, canPing := c.conn.(pinger)
	if canPing && c.pingEvery > 0 {
		t := time.NewTicker(c.pingEvery)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-tick:
			if err := p.Ping(); err != nil {
				c.hub.logger.Debug().Err(err).Str("client_id", c.ID).Msg("ping failed")
				return
			}
		case ev, ok := <-c.Send:
			if !ok {
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// Close signals the client to stop its pumps.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
}
