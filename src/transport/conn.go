package transport

import (
	"sync"
	"time"

	"github.com/fasthttp/websocket"
)

// Keepalive bounds how long a silent or stuck peer can hold a connection.
// Zero values disable the matching check.
type Keepalive struct {
	// PingInterval starts a background pinger when positive. Leave it zero
	// when the owner pings through Conn.Ping itself.
	PingInterval time.Duration
	// PongWait is the read deadline, extended by every frame or pong received.
	PongWait time.Duration
	// WriteTimeout is the deadline for each data or ping write.
	WriteTimeout time.Duration
}

// Conn adapts a fasthttp/websocket connection to types.Conn with read and
// write deadlines and ping/pong liveness.
type Conn struct {
	ws   *websocket.Conn
	ka   Keepalive
	done chan struct{}
	once sync.Once
}

// NewConn wraps ws. It arms the read deadline and, when ka.PingInterval is
// set, starts pinging until Close.
func NewConn(ws *websocket.Conn, ka Keepalive) *Conn {
	c := &Conn{ws: ws, ka: ka, done: make(chan struct{})}
	if ka.PongWait > 0 {
		_ = ws.SetReadDeadline(time.Now().Add(ka.PongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(ka.PongWait))
		})
	}
	if ka.PingInterval > 0 {
		go c.pingLoop()
	}
	return c
}

// WriteJSON writes one event. Callers serialize writes.
func (c *Conn) WriteJSON(v any) error {
	if c.ka.WriteTimeout > 0 {
		if err := c.ws.SetWriteDeadline(time.Now().Add(c.ka.WriteTimeout)); err != nil {
			return err
		}
	}
	return c.ws.WriteJSON(v)
}

// ReadJSON reads one event and extends the read deadline.
func (c *Conn) ReadJSON(v any) error {
	if err := c.ws.ReadJSON(v); err != nil {
		return err
	}
	if c.ka.PongWait > 0 {
		return c.ws.SetReadDeadline(time.Now().Add(c.ka.PongWait))
	}
	return nil
}

// Ping sends a ping control frame. It may be called concurrently with the
// other methods.
func (c *Conn) Ping() error {
	timeout := c.ka.WriteTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(timeout))
}

// Close stops the pinger and closes the socket.
func (c *Conn) Close() error {
	c.once.Do(func() { close(c.done) })
	return c.ws.Close()
}

func (c *Conn) pingLoop() {
	t := time.NewTicker(c.ka.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			// A failed ping leaves detection to the read deadline.
			if err := c.Ping(); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
