package hub

import (
	"github.com/orchestra-mcp/chatsync/src/types"
)

func (h *Hub) handleEvent(in inbound) {
	h.mu.RLock()
	handler, ok := h.handlers[in.ev.Event]
	h.mu.RUnlock()

	if !ok {
		h.logger.Debug().Str("event", in.ev.Event).Msg("no handler")
		return
	}
	if err := handler(in.client, in.ev); err != nil {
		h.logger.Error().Err(err).Str("event", in.ev.Event).Msg("handler error")
		h.sendError(in.client, err)
	}
}

// sendError reports a handler failure to the originating client only.
func (h *Hub) sendError(c *Client, cause error) {
	ev, err := types.NewEvent(types.EventError, map[string]string{"error": cause.Error()})
	if err != nil {
		return
	}
	select {
	case c.Send <- ev:
	default:
	}
}

func (h *Hub) deliver(bm broadcastMsg) {
	// Copy the client set to avoid holding the lock during sends.
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for id, c := range h.clients {
		if id != bm.except {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		select {
		case c.Send <- bm.ev:
		default:
			h.logger.Warn().Str("client_id", c.ID).Msg("send buffer full, dropping")
		}
	}
}

// publishToBridge forwards an event to the bridge if one is attached.
func (h *Hub) publishToBridge(bm broadcastMsg) {
	h.mu.RLock()
	b := h.bridge
	h.mu.RUnlock()

	if b == nil || !b.Available() {
		return
	}
	if err := b.Publish(bm.ev, bm.except); err != nil {
		h.logger.Error().Err(err).Msg("bridge publish failed")
	}
}

// Broadcast sends an event to every connected client, on this and on bridged
// instances.
func (h *Hub) Broadcast(ev types.Event) {
	h.BroadcastExcept(ev, "")
}

// BroadcastExcept sends an event to every connected client except clientID.
func (h *Hub) BroadcastExcept(ev types.Event, clientID string) {
	select {
	case h.broadcast <- broadcastMsg{ev: ev, except: clientID}:
	case <-h.done:
	}
}

// SendToClient sends an event directly to a specific client.
func (h *Hub) SendToClient(clientID string, ev types.Event) bool {
	h.mu.RLock()
	client, ok := h.clients[clientID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	select {
	case client.Send <- ev:
		return true
	default:
		return false
	}
}
