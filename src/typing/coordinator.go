package typing

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/orchestra-mcp/chatsync/src/clock"
	"github.com/orchestra-mcp/chatsync/src/metrics"
	"github.com/orchestra-mcp/chatsync/src/types"
	"github.com/rs/zerolog"
)

// Sender delivers outbound typing signals. *connection.Manager satisfies it.
type Sender interface {
	Send(event string, payload any) error
}

// Config holds the typing windows.
type Config struct {
	QuietPeriod  time.Duration // local inactivity before typing_stop
	RemoteExpiry time.Duration // fallback expiry for remote typing state
}

// DefaultConfig returns the reference windows.
func DefaultConfig() Config {
	return Config{QuietPeriod: time.Second, RemoteExpiry: 5 * time.Second}
}

// Coordinator turns input changes into typing_start/typing_stop signals and
// tracks which remote users are typing.
type Coordinator struct {
	sender  Sender
	clock   clock.Clock
	cfg     Config
	selfID  int64
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	active  bool
	session uint64 // invalidates quiet timers that fired after being replaced
	quiet   clock.Timer
	remote  map[int64]*remoteTyping
	closed  bool
	outbox  []string // signals decided under mu, sent by flush in order

	sendMu   sync.Mutex
	onChange func([]types.TypingUser)
}

type remoteTyping struct {
	user  types.TypingUser
	timer clock.Timer
	seq   uint64
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock replaces the real clock.
func WithClock(c clock.Clock) Option {
	return func(co *Coordinator) { co.clock = c }
}

// WithMetrics records typing signals.
func WithMetrics(m *metrics.Metrics) Option {
	return func(co *Coordinator) { co.metrics = m }
}

// WithSelf ignores inbound typing events for the local user.
func WithSelf(userID int64) Option {
	return func(co *Coordinator) { co.selfID = userID }
}

// New creates a Coordinator sending through s.
func New(s Sender, cfg Config, logger zerolog.Logger, opts ...Option) *Coordinator {
	if cfg.QuietPeriod <= 0 {
		cfg.QuietPeriod = DefaultConfig().QuietPeriod
	}
	if cfg.RemoteExpiry <= 0 {
		cfg.RemoteExpiry = DefaultConfig().RemoteExpiry
	}
	c := &Coordinator{
		sender: s,
		clock:  clock.Real(),
		cfg:    cfg,
		logger: logger.With().Str("component", "typing").Logger(),
		remote: make(map[int64]*remoteTyping),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnChange registers a callback for changes to the remote typing set.
func (c *Coordinator) OnChange(fn func([]types.TypingUser)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = fn
}

// Active reports whether a typing_start is outstanding.
func (c *Coordinator) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// InputChanged handles an input change. Empty input ends the typing session;
// non-empty input starts one if needed and restarts the quiet timer.
func (c *Coordinator) InputChanged(text string) {
	if strings.TrimSpace(text) == "" {
		c.Stop()
		return
	}
	c.Start()
}

// Start registers a keystroke.
func (c *Coordinator) Start() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if !c.active {
		c.active = true
		c.signalLocked(types.EventTypingStart)
	}
	c.restartQuietLocked()
	c.mu.Unlock()
	c.flush()
}

// Stop ends the typing session if one is active.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	c.stopLocked()
	c.mu.Unlock()
	c.flush()
}

// Submitted ends the typing session after a message was sent.
func (c *Coordinator) Submitted() {
	c.Stop()
}

// Close emits any outstanding typing_stop and cancels all timers. The
// Coordinator ignores input afterwards.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.stopLocked()
	c.closed = true
	hadRemote := len(c.remote) > 0
	for id, r := range c.remote {
		r.timer.Stop()
		delete(c.remote, id)
	}
	cb := c.onChange
	c.mu.Unlock()

	c.flush()
	if hadRemote && cb != nil {
		cb(nil)
	}
}

func (c *Coordinator) stopLocked() {
	if c.quiet != nil {
		c.quiet.Stop()
		c.quiet = nil
	}
	if !c.active {
		return
	}
	c.active = false
	c.session++
	c.signalLocked(types.EventTypingStop)
}

func (c *Coordinator) restartQuietLocked() {
	if c.quiet != nil {
		c.quiet.Stop()
	}
	c.session++
	session := c.session
	c.quiet = c.clock.AfterFunc(c.cfg.QuietPeriod, func() {
		c.mu.Lock()
		if session != c.session {
			c.mu.Unlock()
			return
		}
		c.quiet = nil
		c.stopLocked()
		c.mu.Unlock()
		c.flush()
	})
}

func (c *Coordinator) signalLocked(event string) {
	c.metrics.Typing(event)
	c.outbox = append(c.outbox, event)
}

// flush sends queued signals without holding mu. sendMu keeps them in the
// order they were decided when several goroutines flush at once.
func (c *Coordinator) flush() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	for {
		c.mu.Lock()
		out := c.outbox
		c.outbox = nil
		c.mu.Unlock()
		if len(out) == 0 {
			return
		}
		for _, event := range out {
			if err := c.sender.Send(event, nil); err != nil {
				c.logger.Warn().Err(err).Str("event", event).Msg("typing signal not delivered")
			}
		}
	}
}

// HandleUserTyping applies an inbound user_typing event. A typing user
// expires on its own after RemoteExpiry unless refreshed.
func (c *Coordinator) HandleUserTyping(ev types.UserTyping) {
	c.mu.Lock()
	if c.closed || (c.selfID != 0 && ev.UserID == c.selfID) {
		c.mu.Unlock()
		return
	}

	changed := false
	r, ok := c.remote[ev.UserID]
	switch {
	case ev.IsTyping && ok:
		r.timer.Stop()
		r.seq++
		if r.user.Name != ev.UserName && ev.UserName != "" {
			r.user.Name = ev.UserName
			changed = true
		}
		r.timer = c.expireLocked(ev.UserID, r.seq)
	case ev.IsTyping:
		r = &remoteTyping{user: types.TypingUser{ID: ev.UserID, Name: ev.UserName}, seq: 1}
		r.timer = c.expireLocked(ev.UserID, r.seq)
		c.remote[ev.UserID] = r
		changed = true
	case ok:
		r.timer.Stop()
		delete(c.remote, ev.UserID)
		changed = true
	}
	c.notifyUnlock(changed)
}

func (c *Coordinator) expireLocked(userID int64, seq uint64) clock.Timer {
	return c.clock.AfterFunc(c.cfg.RemoteExpiry, func() {
		c.mu.Lock()
		r, ok := c.remote[userID]
		if !ok || r.seq != seq {
			c.mu.Unlock()
			return
		}
		delete(c.remote, userID)
		c.logger.Debug().Int64("user_id", userID).Msg("typing expired")
		c.notifyUnlock(true)
	})
}

// notifyUnlock releases the lock and fires the change callback if needed.
func (c *Coordinator) notifyUnlock(changed bool) {
	var users []types.TypingUser
	cb := c.onChange
	if changed && cb != nil {
		users = c.usersLocked()
	}
	c.mu.Unlock()
	if changed && cb != nil {
		cb(users)
	}
}

// TypingUsers returns remote users currently typing, ordered by id.
func (c *Coordinator) TypingUsers() []types.TypingUser {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usersLocked()
}

func (c *Coordinator) usersLocked() []types.TypingUser {
	users := make([]types.TypingUser, 0, len(c.remote))
	for _, r := range c.remote {
		users = append(users, r.user)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users
}
