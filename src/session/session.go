// Package session owns one connection manager per user session and wires it
// to the typing coordinator, the message reconciler and the REST client.
package session

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/orchestra-mcp/chatsync/config"
	"github.com/orchestra-mcp/chatsync/src/api"
	"github.com/orchestra-mcp/chatsync/src/clock"
	"github.com/orchestra-mcp/chatsync/src/connection"
	"github.com/orchestra-mcp/chatsync/src/credentials"
	"github.com/orchestra-mcp/chatsync/src/metrics"
	"github.com/orchestra-mcp/chatsync/src/stream"
	"github.com/orchestra-mcp/chatsync/src/transport"
	"github.com/orchestra-mcp/chatsync/src/types"
	"github.com/orchestra-mcp/chatsync/src/typing"
	"github.com/rs/zerolog"
)

// Change identifies which part of the UI state changed.
type Change int

const (
	ChangeMessages Change = iota + 1
	ChangeTyping
	ChangeConnection
)

func (c Change) String() string {
	switch c {
	case ChangeMessages:
		return "messages"
	case ChangeTyping:
		return "typing"
	case ChangeConnection:
		return "connection"
	}
	return "unknown"
}

type options struct {
	clock   clock.Clock
	metrics *metrics.Metrics
	selfID  int64
	netDial func(network, addr string) (net.Conn, error)
	dialer  connection.Dialer
}

// Option configures a Session.
type Option func(*options)

// WithClock replaces the real clock in the connection manager and typing coordinator.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithMetrics records component metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithSelf sets the local user id so its own typing events are ignored.
func WithSelf(userID int64) Option {
	return func(o *options) { o.selfID = userID }
}

// WithNetDial routes both REST and push traffic through dial.
func WithNetDial(dial func(network, addr string) (net.Conn, error)) Option {
	return func(o *options) { o.netDial = dial }
}

// WithDialer replaces the websocket dialer.
func WithDialer(d connection.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// Session is the UI-facing surface of the chat real-time layer.
type Session struct {
	cfg    config.ClientConfig
	creds  *credentials.Store
	api    *api.Client
	conn   *connection.Manager
	typing *typing.Coordinator
	stream *stream.Reconciler
	logger zerolog.Logger

	mu        sync.Mutex
	page      int // oldest history page loaded
	exhausted bool
	connected bool // a connected event was seen at least once
	closed    bool
	onChange  []func(Change)
}

// New builds a Session on creds. Only one Session may hold creds at a time;
// a second one fails with types.ErrSessionActive until the first is closed.
func New(cfg config.ClientConfig, creds *credentials.Store, logger zerolog.Logger, opts ...Option) (*Session, error) {
	o := options{clock: clock.Real()}
	for _, opt := range opts {
		opt(&o)
	}
	if err := creds.Acquire(); err != nil {
		return nil, err
	}

	apiOpts := api.Options{Timeout: cfg.RequestTimeout}
	if o.netDial != nil {
		apiOpts.Dial = func(addr string) (net.Conn, error) { return o.netDial("tcp", addr) }
	}
	dialer := o.dialer
	if dialer == nil {
		dialer = transport.NewWebSocketDialer(cfg.PushURL, transport.Options{
			HandshakeTimeout: cfg.Socket.HandshakeTimeout,
			ReadBufferSize:   cfg.Socket.ReadBufferSize,
			WriteBufferSize:  cfg.Socket.WriteBufferSize,
			NetDial:          o.netDial,
			PingInterval:     cfg.Socket.PingInterval,
			PongWait:         cfg.Socket.PongWait,
			WriteTimeout:     cfg.Socket.WriteTimeout,
		}, logger)
	}

	s := &Session{
		cfg:    cfg,
		creds:  creds,
		api:    api.New(cfg.ServerURL, creds, apiOpts, logger),
		logger: logger.With().Str("component", "session").Logger(),
	}
	s.conn = connection.New(dialer, creds, connection.Config{
		BaseDelay:   cfg.BaseDelay,
		MaxAttempts: cfg.MaxAttempts,
	}, logger, connection.WithClock(o.clock), connection.WithMetrics(o.metrics))
	s.typing = typing.New(s.conn, typing.Config{
		QuietPeriod:  cfg.QuietPeriod,
		RemoteExpiry: cfg.RemoteExpiry,
	}, logger, typing.WithClock(o.clock), typing.WithMetrics(o.metrics), typing.WithSelf(o.selfID))
	s.stream = stream.New(s.api, logger, o.metrics)

	s.api.OnUnauthorized(func() {
		s.creds.Revoke()
		s.conn.InvalidateCredential()
	})
	s.stream.OnChange(func([]types.Message) { s.notify(ChangeMessages) })
	s.typing.OnChange(func([]types.TypingUser) { s.notify(ChangeTyping) })
	s.wire()
	return s, nil
}

func (s *Session) wire() {
	s.conn.On(types.EventNewMessage, func(ev types.Event) {
		var m types.Message
		if err := ev.Decode(&m); err != nil {
			s.logger.Error().Err(err).Msg("decode new_message")
			return
		}
		s.stream.PushCreated(m)
	})
	s.conn.On(types.EventMessageUpdated, func(ev types.Event) {
		var m types.Message
		if err := ev.Decode(&m); err != nil {
			s.logger.Error().Err(err).Msg("decode message_updated")
			return
		}
		s.stream.PushUpdated(m)
	})
	s.conn.On(types.EventMessageDeleted, func(ev types.Event) {
		var d types.MessageDeleted
		if err := ev.Decode(&d); err != nil {
			s.logger.Error().Err(err).Msg("decode message_deleted")
			return
		}
		s.stream.PushDeleted(d.ID)
	})
	s.conn.On(types.EventUserTyping, func(ev types.Event) {
		var ut types.UserTyping
		if err := ev.Decode(&ut); err != nil {
			s.logger.Error().Err(err).Msg("decode user_typing")
			return
		}
		s.typing.HandleUserTyping(ut)
	})
	s.conn.On(types.EventError, func(ev types.Event) {
		var fd types.FailedData
		if err := ev.Decode(&fd); err != nil {
			s.logger.Debug().Err(err).Msg("decode error event")
		}
		s.logger.Warn().Str("error", fd.Error).Msg("server reported error")
	})

	s.conn.On(types.EventConnected, s.handleConnected)
	for _, name := range []string{types.EventDisconnected, types.EventReconnecting, types.EventFailed} {
		s.conn.On(name, func(types.Event) { s.notify(ChangeConnection) })
	}
}

// handleConnected resyncs the newest page after a reconnect, since pushes
// sent while disconnected are not replayed.
func (s *Session) handleConnected(types.Event) {
	s.mu.Lock()
	resync := s.connected && !s.closed
	s.connected = true
	s.mu.Unlock()

	s.notify(ChangeConnection)
	if !resync {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
		defer cancel()
		if _, err := s.stream.LoadHistory(ctx, 1, s.cfg.PageSize); err != nil && !errors.Is(err, types.ErrBusy) {
			s.logger.Warn().Err(err).Msg("resync after reconnect")
		}
	}()
}

// Open connects the push channel and loads the newest history page.
func (s *Session) Open(ctx context.Context) error {
	if err := s.conn.Connect(ctx); err != nil {
		return err
	}
	n, err := s.stream.LoadHistory(ctx, 1, s.cfg.PageSize)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.page = 1
	s.exhausted = n < s.cfg.PageSize
	s.mu.Unlock()
	return nil
}

// LoadOlder merges the next older history page. It reports false once the
// server has no older messages.
func (s *Session) LoadOlder(ctx context.Context) (bool, error) {
	s.mu.Lock()
	if s.exhausted {
		s.mu.Unlock()
		return false, nil
	}
	next := s.page + 1
	s.mu.Unlock()

	n, err := s.stream.LoadHistory(ctx, next, s.cfg.PageSize)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.page = next
	s.exhausted = n < s.cfg.PageSize
	return !s.exhausted, nil
}

// Close emits any outstanding typing_stop, disconnects and releases the
// credential store. It is safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.typing.Close()
	s.conn.Disconnect()
	s.creds.Release()
}

// OnChange registers a callback for UI state changes.
func (s *Session) OnChange(fn func(Change)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, fn)
}

func (s *Session) notify(c Change) {
	s.mu.Lock()
	cbs := append([]func(Change){}, s.onChange...)
	s.mu.Unlock()
	for _, fn := range cbs {
		fn(c)
	}
}

// ConnectionState returns the push channel state.
func (s *Session) ConnectionState() types.ConnectionState { return s.conn.State() }

// TypingUsers returns the remote users currently typing.
func (s *Session) TypingUsers() []types.TypingUser { return s.typing.TypingUsers() }

// Messages returns the ordered message sequence.
func (s *Session) Messages() []types.Message { return s.stream.Messages() }

// IsSending reports whether a message submit is pending.
func (s *Session) IsSending() bool { return s.stream.IsSending() }

// IsLoading reports whether a history page is loading.
func (s *Session) IsLoading() bool { return s.stream.IsLoading() }

// SendMessage submits a text message and ends the typing session on success.
func (s *Session) SendMessage(ctx context.Context, content string) error {
	return s.SendMessageKind(ctx, content, types.KindText)
}

// SendMessageKind submits a message of the given kind.
func (s *Session) SendMessageKind(ctx context.Context, content string, kind types.MessageKind) error {
	if err := s.stream.Submit(ctx, content, kind); err != nil {
		return err
	}
	s.typing.Submitted()
	return nil
}

// EditMessage replaces the content of a message.
func (s *Session) EditMessage(ctx context.Context, id int64, content string) error {
	return s.stream.Edit(ctx, id, content)
}

// DeleteMessage removes a message.
func (s *Session) DeleteMessage(ctx context.Context, id int64) error {
	return s.stream.Remove(ctx, id)
}

// StartTyping registers a keystroke.
func (s *Session) StartTyping() { s.typing.Start() }

// StopTyping ends the typing session.
func (s *Session) StopTyping() { s.typing.Stop() }

// InputChanged feeds the current input text to the typing coordinator.
func (s *Session) InputChanged(text string) { s.typing.InputChanged(text) }
