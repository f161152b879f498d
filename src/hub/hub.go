package hub

import (
	"sync"

	"github.com/orchestra-mcp/chatsync/src/types"
	"github.com/rs/zerolog"
)

// Handler processes an inbound event from a client.
type Handler func(c *Client, ev types.Event) error

// EventBridge publishes events to other server instances.
// Defined here to avoid circular imports with the bridge package.
type EventBridge interface {
	Publish(ev types.Event, except string) error
	Available() bool
}

// Hub manages the push channel connections of one server instance.
type Hub struct {
	clients map[string]*Client

	register   chan *Client
	unregister chan *Client
	incoming   chan inbound
	broadcast  chan broadcastMsg
	localCast  chan broadcastMsg // events from the bridge, no re-publish

	handlers  map[string]Handler
	onConnect []func(*Client)
	onDisconn []func(*Client)

	bridge EventBridge
	mu     sync.RWMutex
	logger zerolog.Logger
	done   chan struct{}
	stop   sync.Once
}

type inbound struct {
	client *Client
	ev     types.Event
}

type broadcastMsg struct {
	ev     types.Event
	except string // client id that should not receive the event
}

// New creates a new Hub instance.
func New(logger zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		incoming:   make(chan inbound, 256),
		broadcast:  make(chan broadcastMsg, 256),
		localCast:  make(chan broadcastMsg, 256),
		handlers:   make(map[string]Handler),
		logger:     logger.With().Str("component", "hub").Logger(),
		done:       make(chan struct{}),
	}
}

// SetBridge attaches a cross-instance bridge. Broadcasts are then also
// forwarded to other instances.
func (h *Hub) SetBridge(b EventBridge) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bridge = b
}

// BroadcastToLocal delivers an event from the bridge to local clients only.
// It does not re-publish, preventing loops between instances.
func (h *Hub) BroadcastToLocal(ev types.Event, except string) {
	select {
	case h.localCast <- broadcastMsg{ev: ev, except: except}:
	case <-h.done:
	}
}

// Run starts the hub event loop. Call in a goroutine.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		case in := <-h.incoming:
			h.handleEvent(in)
		case bm := <-h.broadcast:
			h.publishToBridge(bm)
			h.deliver(bm)
		case bm := <-h.localCast:
			h.deliver(bm)
		case <-h.done:
			return
		}
	}
}

// Stop halts the hub event loop. It is safe to call more than once.
func (h *Hub) Stop() {
	h.stop.Do(func() { close(h.done) })
}

// Shutdown closes every client connection and stops the event loop.
func (h *Hub) Shutdown() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.Close()
		c.conn.Close()
	}
	h.Stop()
}

// Register queues a client for registration. It returns once the event loop
// has taken the client, so later broadcasts reach it.
func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
	}
}

// Unregister queues a client for removal.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	h.clients[c.ID] = c
	cbs := append([]func(*Client){}, h.onConnect...)
	h.mu.Unlock()

	h.logger.Info().
		Str("client_id", c.ID).
		Int64("user_id", c.UserID).
		Msg("client registered")

	for _, cb := range cbs {
		cb(c)
	}
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c.ID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c.ID)
	cbs := append([]func(*Client){}, h.onDisconn...)
	h.mu.Unlock()

	c.Close()
	h.logger.Info().Str("client_id", c.ID).Msg("client unregistered")

	for _, cb := range cbs {
		cb(c)
	}
}
