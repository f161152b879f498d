package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/orchestra-mcp/chatsync/src/clock"
	"github.com/orchestra-mcp/chatsync/src/metrics"
	"github.com/orchestra-mcp/chatsync/src/types"
	"github.com/rs/zerolog"
)

// Dialer opens a push channel connection. Dial returns only after the server
// has acknowledged the session; a rejected credential is reported as
// types.ErrUnauthorized.
type Dialer interface {
	Dial(ctx context.Context, token string) (types.Conn, error)
}

// CredentialSource supplies the bearer token.
type CredentialSource interface {
	Token() string
}

// Config controls reconnection.
type Config struct {
	BaseDelay   time.Duration // delay is attempt * BaseDelay
	MaxAttempts int           // consecutive failures before Failed
}

// DefaultConfig returns the reference reconnection policy.
func DefaultConfig() Config {
	return Config{BaseDelay: time.Second, MaxAttempts: 5}
}

// Manager owns one logical push channel connection and drives its
// reconnection state machine.
type Manager struct {
	dialer  Dialer
	creds   CredentialSource
	clock   clock.Clock
	cfg     Config
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	state   types.ConnectionState
	attempt int
	conn    types.Conn
	gen     uint64 // bumped by Connect, Disconnect and terminal failures
	timer   clock.Timer
	ctx     context.Context
	cancel  context.CancelFunc

	writeMu sync.Mutex

	hmu      sync.RWMutex
	handlers map[string][]types.Handler
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces the real clock.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithMetrics records connection metrics.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// New creates an idle Manager.
func New(d Dialer, creds CredentialSource, cfg Config, logger zerolog.Logger, opts ...Option) *Manager {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultConfig().BaseDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	m := &Manager{
		dialer:   d,
		creds:    creds,
		clock:    clock.Real(),
		cfg:      cfg,
		logger:   logger.With().Str("component", "connection").Logger(),
		state:    types.StateIdle,
		ctx:      context.Background(),
		handlers: make(map[string][]types.Handler),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the current connection state.
func (m *Manager) State() types.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempt returns the current reconnect attempt, 0 while connected.
func (m *Manager) Attempt() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt
}

// On registers a handler for an inbound or lifecycle event.
func (m *Manager) On(event string, h types.Handler) {
	m.hmu.Lock()
	defer m.hmu.Unlock()
	m.handlers[event] = append(m.handlers[event], h)
}

// Connect starts the connection from Idle or Failed. It returns
// types.ErrAuthRequired without dialing when no credential is present.
// Transport failures are reported through events, not the return value.
func (m *Manager) Connect(ctx context.Context) error {
	token := m.creds.Token()

	m.mu.Lock()
	if m.state != types.StateIdle && m.state != types.StateFailed {
		m.mu.Unlock()
		return nil
	}
	if token == "" {
		m.mu.Unlock()
		m.logger.Warn().Msg("connect without credential")
		return types.ErrAuthRequired
	}
	if m.cancel != nil {
		m.cancel()
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.attempt = 0
	m.gen++
	gen := m.gen
	base := m.ctx
	m.setStateLocked(types.StateConnecting)
	m.mu.Unlock()

	dctx, stop := context.WithCancel(base)
	defer stop()
	release := context.AfterFunc(ctx, stop)
	defer release()

	m.dial(dctx, gen)
	return nil
}

// Disconnect closes the connection on the caller's behalf, cancels any
// pending reconnect and halts in Idle.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	conn := m.conn
	m.conn = nil
	m.gen++
	prev := m.state
	m.attempt = 0
	m.setStateLocked(types.StateIdle)
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if prev != types.StateIdle {
		m.emit(types.EventDisconnected, types.DisconnectedData{Reason: "client disconnect", Manual: true})
	}
}

// InvalidateCredential moves the manager to Failed without retrying. The
// REST layer calls it when the server rejects the bearer token.
func (m *Manager) InvalidateCredential() {
	m.mu.Lock()
	gen := m.gen
	state := m.state
	m.mu.Unlock()
	if state == types.StateIdle || state == types.StateFailed {
		return
	}
	m.fail(gen, types.ErrUnauthorized)
}

// Send writes an event when connected. Otherwise it logs a warning and
// drops the event; nothing is queued.
func (m *Manager) Send(event string, payload any) error {
	m.mu.Lock()
	conn, state := m.conn, m.state
	m.mu.Unlock()

	if state != types.StateConnected || conn == nil {
		m.logger.Warn().
			Str("event", event).
			Str("state", string(state)).
			Msg("send while not connected, dropped")
		return nil
	}

	ev, err := types.NewEvent(event, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	m.writeMu.Lock()
	err = conn.WriteJSON(ev)
	m.writeMu.Unlock()
	if err != nil {
		m.logger.Error().Err(err).Str("event", event).Msg("write failed")
		return &types.TransportError{Op: "write", Err: err}
	}
	return nil
}

func (m *Manager) dial(ctx context.Context, gen uint64) {
	token := m.creds.Token()
	if token == "" {
		m.fail(gen, types.ErrAuthRequired)
		return
	}

	conn, err := m.dialer.Dial(ctx, token)

	m.mu.Lock()
	if gen != m.gen || m.state != types.StateConnecting {
		m.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		m.mu.Unlock()
		if errors.Is(err, types.ErrUnauthorized) {
			m.fail(gen, err)
			return
		}
		terr := &types.TransportError{Op: "dial", Err: err}
		m.logger.Warn().Err(err).Msg("dial failed")
		m.emit(types.EventConnectError, types.FailedData{Error: terr.Error()})
		m.retry(gen, terr)
		return
	}
	m.conn = conn
	m.attempt = 0
	m.setStateLocked(types.StateConnected)
	m.mu.Unlock()

	m.emit(types.EventConnected, nil)
	go m.readLoop(conn, gen)
}

// retry schedules the next reconnect or gives up.
func (m *Manager) retry(gen uint64, cause error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.attempt++
	attempt := m.attempt
	if attempt >= m.cfg.MaxAttempts {
		m.gen++
		m.setStateLocked(types.StateFailed)
		m.mu.Unlock()

		err := fmt.Errorf("%w after %d attempts: %v", types.ErrReconnectExhausted, attempt, cause)
		m.logger.Error().Err(err).Msg("giving up")
		m.emit(types.EventFailed, types.FailedData{Error: err.Error()})
		return
	}

	delay := time.Duration(attempt) * m.cfg.BaseDelay
	m.setStateLocked(types.StateReconnecting)
	m.timer = m.clock.AfterFunc(delay, func() { m.reconnect(gen) })
	m.mu.Unlock()

	m.metrics.Reconnect()
	m.logger.Info().Int("attempt", attempt).Dur("delay", delay).Msg("reconnecting")
	m.emit(types.EventReconnecting, types.ReconnectingData{Attempt: attempt, Delay: delay})
}

func (m *Manager) reconnect(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state != types.StateReconnecting {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.setStateLocked(types.StateConnecting)
	ctx := m.ctx
	m.mu.Unlock()

	m.dial(ctx, gen)
}

// fail enters Failed immediately, without retries.
func (m *Manager) fail(gen uint64, cause error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	conn := m.conn
	m.conn = nil
	m.gen++
	m.setStateLocked(types.StateFailed)
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	m.logger.Error().Err(cause).Msg("connection failed")
	m.emit(types.EventFailed, types.FailedData{Error: cause.Error()})
}

func (m *Manager) readLoop(conn types.Conn, gen uint64) {
	for {
		var ev types.Event
		if err := conn.ReadJSON(&ev); err != nil {
			m.dropped(conn, gen, err)
			return
		}
		if !m.owns(conn, gen) {
			return
		}
		m.dispatch(ev)
	}
}

func (m *Manager) owns(conn types.Conn, gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.gen && m.conn == conn
}

func (m *Manager) dropped(conn types.Conn, gen uint64, cause error) {
	m.mu.Lock()
	if gen != m.gen || m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.setStateLocked(types.StateDisconnected)
	m.mu.Unlock()

	conn.Close()
	terr := &types.TransportError{Op: "read", Err: cause}
	m.logger.Warn().Err(cause).Msg("connection lost")
	m.emit(types.EventDisconnected, types.DisconnectedData{Reason: terr.Error()})
	m.retry(gen, terr)
}

func (m *Manager) setStateLocked(s types.ConnectionState) {
	if m.state == s {
		return
	}
	m.logger.Debug().Str("from", string(m.state)).Str("to", string(s)).Msg("state")
	m.state = s
	m.metrics.State(string(s))
}

func (m *Manager) emit(name string, data any) {
	ev, err := types.NewEvent(name, data)
	if err != nil {
		m.logger.Error().Err(err).Str("event", name).Msg("encode lifecycle event")
		return
	}
	m.dispatch(ev)
}

func (m *Manager) dispatch(ev types.Event) {
	m.hmu.RLock()
	hs := append([]types.Handler(nil), m.handlers[ev.Event]...)
	m.hmu.RUnlock()

	if len(hs) == 0 {
		m.logger.Debug().Str("event", ev.Event).Msg("no handler")
		return
	}
	for _, h := range hs {
		h(ev)
	}
}
