package types

import (
	"encoding/json"
	"time"
)

// Push channel event names.
const (
	EventSendMessage    = "send_message"
	EventTypingStart    = "typing_start"
	EventTypingStop     = "typing_stop"
	EventNewMessage     = "new_message"
	EventMessageUpdated = "message_updated"
	EventMessageDeleted = "message_deleted"
	EventUserTyping     = "user_typing"
	EventConnect        = "connect"
	EventDisconnect     = "disconnect"
	EventConnectError   = "connect_error"
	EventError          = "error"
)

// Lifecycle events emitted by the connection manager.
const (
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
	EventReconnecting = "reconnecting"
	EventFailed       = "failed"
)

// Event is the push channel wire envelope.
type Event struct {
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEvent builds an event with data marshaled to JSON.
func NewEvent(name string, data any) (Event, error) {
	ev := Event{Event: name, Timestamp: time.Now()}
	if data == nil {
		return ev, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return ev, err
	}
	ev.Data = raw
	return ev, nil
}

// Decode unmarshals the event data into v.
func (e Event) Decode(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}

// Handler handles an event delivered by the connection manager.
type Handler func(ev Event)

// Conn abstracts a push channel connection for testability.
type Conn interface {
	WriteJSON(v any) error
	ReadJSON(v any) error
	Close() error
}

// ConnectionState is a state of the connection manager.
type ConnectionState string

const (
	StateIdle         ConnectionState = "idle"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
	StateReconnecting ConnectionState = "reconnecting"
	StateFailed       ConnectionState = "failed"
)

// ReconnectingData is carried by the reconnecting lifecycle event.
type ReconnectingData struct {
	Attempt int           `json:"attempt"`
	Delay   time.Duration `json:"delay"`
}

// DisconnectedData is carried by the disconnected lifecycle event.
type DisconnectedData struct {
	Reason string `json:"reason,omitempty"`
	Manual bool   `json:"manual"`
}

// FailedData is carried by the failed lifecycle event.
type FailedData struct {
	Error string `json:"error"`
}

// TypingUser is a remote user currently typing.
type TypingUser struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// UserTyping is the payload of user_typing.
type UserTyping struct {
	UserID   int64  `json:"user_id"`
	UserName string `json:"user_name"`
	IsTyping bool   `json:"is_typing"`
}

// MessageDeleted is the payload of message_deleted.
type MessageDeleted struct {
	ID int64 `json:"id"`
}
