package bridge

import "github.com/orchestra-mcp/chatsync/src/types"

// Bridge relays push events between dev server instances.
type Bridge interface {
	// Publish sends an event to all other instances.
	Publish(ev types.Event, except string) error

	// Start begins listening for events from other instances.
	Start() error

	// Stop shuts down the bridge connection.
	Stop() error

	// Available reports whether the bridge is connected and operational.
	Available() bool
}

// BroadcastTarget is implemented by the Hub to receive events from the bridge.
type BroadcastTarget interface {
	BroadcastToLocal(ev types.Event, except string)
}
