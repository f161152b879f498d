package service

import (
	"fmt"

	"github.com/orchestra-mcp/chatsync/src/hub"
	"github.com/orchestra-mcp/chatsync/src/types"
	"github.com/rs/zerolog"
)

// Author identifies the user performing an operation.
type Author struct {
	ID   int64
	Name string
}

// Service implements the chat operations behind both the REST routes and
// the push channel, and broadcasts their effects to connected clients.
type Service struct {
	hub    *hub.Hub
	store  *Store
	logger zerolog.Logger
}

// New creates a chat service backed by the given hub and registers its
// push channel handlers.
func New(h *hub.Hub, store *Store, logger zerolog.Logger) *Service {
	s := &Service{hub: h, store: store, logger: logger.With().Str("component", "chat-service").Logger()}
	h.RegisterHandler(types.EventSendMessage, s.handleSend)
	h.RegisterHandler(types.EventTypingStart, s.handleTyping(true))
	h.RegisterHandler(types.EventTypingStop, s.handleTyping(false))
	h.OnDisconnection(s.handleGone)
	return s
}

// Hub returns the underlying hub.
func (s *Service) Hub() *hub.Hub { return s.hub }

// History returns one page of messages, oldest first.
func (s *Service) History(page, limit int) []types.Message {
	return s.store.Page(page, limit)
}

// CreateMessage validates and stores a message, then pushes new_message to
// every client.
func (s *Service) CreateMessage(a Author, content string, kind types.MessageKind) (types.Message, error) {
	if kind == "" {
		kind = types.KindText
	}
	content, err := types.ValidateContent(content, kind)
	if err != nil {
		return types.Message{}, err
	}
	m := s.store.Create(a.ID, a.Name, content, kind)
	s.logger.Debug().Int64("id", m.ID).Int64("author_id", a.ID).Msg("message created")
	return m, s.publish(types.EventNewMessage, m)
}

// EditMessage updates a message and pushes message_updated.
func (s *Service) EditMessage(a Author, id int64, content string) (types.Message, error) {
	content, err := types.ValidateContent(content, "")
	if err != nil {
		return types.Message{}, err
	}
	m, err := s.store.Update(id, a.ID, content)
	if err != nil {
		return types.Message{}, err
	}
	return m, s.publish(types.EventMessageUpdated, m)
}

// DeleteMessage removes a message and pushes message_deleted.
func (s *Service) DeleteMessage(a Author, id int64) error {
	if err := s.store.Delete(id, a.ID); err != nil {
		return err
	}
	return s.publish(types.EventMessageDeleted, types.MessageDeleted{ID: id})
}

func (s *Service) publish(event string, data any) error {
	ev, err := types.NewEvent(event, data)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	s.hub.Broadcast(ev)
	return nil
}

type sendPayload struct {
	Content string            `json:"content"`
	Kind    types.MessageKind `json:"kind"`
}

func (s *Service) handleSend(c *hub.Client, ev types.Event) error {
	var p sendPayload
	if err := ev.Decode(&p); err != nil {
		return fmt.Errorf("decode send_message: %w", err)
	}
	_, err := s.CreateMessage(Author{ID: c.UserID, Name: c.UserName}, p.Content, p.Kind)
	return err
}

func (s *Service) handleTyping(typing bool) hub.Handler {
	return func(c *hub.Client, _ types.Event) error {
		ev, err := types.NewEvent(types.EventUserTyping, types.UserTyping{
			UserID:   c.UserID,
			UserName: c.UserName,
			IsTyping: typing,
		})
		if err != nil {
			return err
		}
		s.hub.BroadcastExcept(ev, c.ID)
		return nil
	}
}

// handleGone clears the typing indicator of a client that dropped.
func (s *Service) handleGone(c *hub.Client) {
	ev, err := types.NewEvent(types.EventUserTyping, types.UserTyping{UserID: c.UserID, UserName: c.UserName})
	if err != nil {
		return
	}
	s.hub.BroadcastExcept(ev, c.ID)
}
