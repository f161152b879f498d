package session

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/orchestra-mcp/chatsync/config"
	"github.com/orchestra-mcp/chatsync/src/auth"
	"github.com/orchestra-mcp/chatsync/src/clock"
	"github.com/orchestra-mcp/chatsync/src/connection"
	"github.com/orchestra-mcp/chatsync/src/credentials"
	"github.com/orchestra-mcp/chatsync/src/devserver"
	"github.com/orchestra-mcp/chatsync/src/service"
	"github.com/orchestra-mcp/chatsync/src/transport"
	"github.com/orchestra-mcp/chatsync/src/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp/fasthttputil"
)

const secret = "session-test-secret"

type env struct {
	srv *devserver.Server
	ln  *fasthttputil.InmemoryListener
}

func newEnv(t *testing.T) *env {
	t.Helper()
	cfg := config.DefaultServerConfig()
	cfg.JWTSecret = secret
	srv, err := devserver.New(cfg, zerolog.Nop(), nil)
	require.NoError(t, err)
	srv.Start()

	ln := fasthttputil.NewInmemoryListener()
	go srv.Serve(ln) //nolint:errcheck
	t.Cleanup(func() { srv.Shutdown() })
	return &env{srv: srv, ln: ln}
}

func (e *env) clientConfig() config.ClientConfig {
	cfg := config.DefaultClientConfig()
	cfg.ServerURL = "http://chat.test"
	cfg.PushURL = "ws://chat.test/ws"
	cfg.RequestTimeout = 2 * time.Second
	cfg.Socket.HandshakeTimeout = 2 * time.Second
	return cfg
}

func (e *env) dial(string, string) (net.Conn, error) { return e.ln.Dial() }

func (e *env) store(t *testing.T, uid int64, name string) *credentials.Store {
	t.Helper()
	tok, err := auth.Issue([]byte(secret), auth.Identity{UserID: uid, Name: name}, time.Hour)
	require.NoError(t, err)
	return credentials.NewStore(tok, zerolog.Nop())
}

func (e *env) open(t *testing.T, cfg config.ClientConfig, creds *credentials.Store, uid int64, opts ...Option) *Session {
	t.Helper()
	opts = append([]Option{WithNetDial(e.dial), WithSelf(uid), WithClock(clock.NewFake(time.Now()))}, opts...)
	s, err := New(cfg, creds, zerolog.Nop(), opts...)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.Open(context.Background()))
	require.Equal(t, types.StateConnected, s.ConnectionState())
	return s
}

func TestSubmitThenPushYieldsOneEntry(t *testing.T) {
	e := newEnv(t)
	s := e.open(t, e.clientConfig(), e.store(t, 1, "ann"), 1)

	require.NoError(t, s.SendMessage(context.Background(), "hello"))
	require.Eventually(t, func() bool { return len(s.Messages()) == 1 }, 2*time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	msgs := s.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.Equal(t, int64(1), msgs[0].AuthorID)
	assert.False(t, s.IsSending())
}

func TestSecondSessionOnSameCredentialIsRejected(t *testing.T) {
	e := newEnv(t)
	creds := e.store(t, 1, "ann")
	first := e.open(t, e.clientConfig(), creds, 1)

	_, err := New(e.clientConfig(), creds, zerolog.Nop(), WithNetDial(e.dial))
	assert.ErrorIs(t, err, types.ErrSessionActive)

	first.Close()
	assert.Equal(t, types.StateIdle, first.ConnectionState())

	second, err := New(e.clientConfig(), creds, zerolog.Nop(), WithNetDial(e.dial))
	require.NoError(t, err)
	second.Close()
}

func TestTypingReachesOtherUserAndStopsOnClose(t *testing.T) {
	e := newEnv(t)
	cfg := e.clientConfig()
	ann := e.open(t, cfg, e.store(t, 1, "ann"), 1)
	bob := e.open(t, cfg, e.store(t, 2, "bob"), 2)

	var mu sync.Mutex
	var changes []Change
	bob.OnChange(func(c Change) {
		mu.Lock()
		changes = append(changes, c)
		mu.Unlock()
	})

	ann.InputChanged("hel")
	require.Eventually(t, func() bool {
		users := bob.TypingUsers()
		return len(users) == 1 && users[0] == types.TypingUser{ID: 1, Name: "ann"}
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, ann.TypingUsers(), "own typing is not shown")

	// Unmounting mid-typing delivers the stop before the channel closes.
	ann.Close()
	require.Eventually(t, func() bool { return len(bob.TypingUsers()) == 0 }, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, changes, ChangeTyping)
}

func TestEditAndDeletePropagate(t *testing.T) {
	e := newEnv(t)
	cfg := e.clientConfig()
	ann := e.open(t, cfg, e.store(t, 1, "ann"), 1)
	bob := e.open(t, cfg, e.store(t, 2, "bob"), 2)
	ctx := context.Background()

	require.NoError(t, ann.SendMessage(ctx, "draft"))
	require.Eventually(t, func() bool {
		return len(ann.Messages()) == 1 && len(bob.Messages()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	id := bob.Messages()[0].ID

	require.NoError(t, ann.EditMessage(ctx, id, "final"))
	assert.Equal(t, "final", ann.Messages()[0].Content, "the edit response is applied")
	require.Eventually(t, func() bool {
		msgs := bob.Messages()
		return len(msgs) == 1 && msgs[0].Content == "final" && msgs[0].Edited
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, ann.DeleteMessage(ctx, id))
	assert.Empty(t, ann.Messages())
	require.Eventually(t, func() bool { return len(bob.Messages()) == 0 }, 2*time.Second, 5*time.Millisecond)

	err := bob.DeleteMessage(ctx, id)
	assert.ErrorIs(t, err, types.ErrRequestFailed)
}

func TestHistoryPaging(t *testing.T) {
	e := newEnv(t)
	for i := 0; i < 5; i++ {
		_, err := e.srv.Service().CreateMessage(service.Author{ID: 9, Name: "seed"}, "m", types.KindText)
		require.NoError(t, err)
	}
	cfg := e.clientConfig()
	cfg.PageSize = 2
	s := e.open(t, cfg, e.store(t, 1, "ann"), 1)

	ids := func() []int64 {
		var out []int64
		for _, m := range s.Messages() {
			out = append(out, m.ID)
		}
		return out
	}
	assert.Equal(t, []int64{4, 5}, ids())

	more, err := s.LoadOlder(context.Background())
	require.NoError(t, err)
	assert.True(t, more)
	assert.Equal(t, []int64{2, 3, 4, 5}, ids())

	more, err = s.LoadOlder(context.Background())
	require.NoError(t, err)
	assert.False(t, more)
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, ids())

	more, err = s.LoadOlder(context.Background())
	require.NoError(t, err)
	assert.False(t, more)
}

func TestRejectedCredentialFailsWithoutRetry(t *testing.T) {
	e := newEnv(t)
	forged, err := auth.Issue([]byte("wrong-secret"), auth.Identity{UserID: 1, Name: "mallory"}, time.Hour)
	require.NoError(t, err)
	creds := credentials.NewStore(forged, zerolog.Nop())

	fc := clock.NewFake(time.Now())
	s, err := New(e.clientConfig(), creds, zerolog.Nop(), WithNetDial(e.dial), WithClock(fc))
	require.NoError(t, err)
	defer s.Close()

	err = s.Open(context.Background())
	assert.ErrorIs(t, err, types.ErrUnauthorized)
	assert.Equal(t, types.StateFailed, s.ConnectionState())
	assert.Empty(t, creds.Token(), "the REST 401 revokes the credential")
	assert.Equal(t, 0, fc.Pending(), "no reconnect is scheduled")
}

func TestOpenWithoutCredential(t *testing.T) {
	e := newEnv(t)
	s, err := New(e.clientConfig(), credentials.NewStore("", zerolog.Nop()), zerolog.Nop(), WithNetDial(e.dial))
	require.NoError(t, err)
	defer s.Close()

	assert.ErrorIs(t, s.Open(context.Background()), types.ErrAuthRequired)
	assert.Equal(t, types.StateIdle, s.ConnectionState())
}

func TestValidationHappensBeforeNetwork(t *testing.T) {
	e := newEnv(t)
	s := e.open(t, e.clientConfig(), e.store(t, 1, "ann"), 1)

	err := s.SendMessage(context.Background(), "   ")
	assert.ErrorIs(t, err, types.ErrValidation)
	assert.Empty(t, e.srv.Service().History(1, 10))
}

// trackingDialer keeps every push connection it opens so a test can cut one.
type trackingDialer struct {
	inner connection.Dialer
	mu    sync.Mutex
	conns []types.Conn
}

func (d *trackingDialer) Dial(ctx context.Context, token string) (types.Conn, error) {
	conn, err := d.inner.Dial(ctx, token)
	if err == nil {
		d.mu.Lock()
		d.conns = append(d.conns, conn)
		d.mu.Unlock()
	}
	return conn, err
}

func (d *trackingDialer) last() types.Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[len(d.conns)-1]
}

func TestReconnectRecoversMissedMessages(t *testing.T) {
	e := newEnv(t)
	cfg := e.clientConfig()
	td := &trackingDialer{inner: transport.NewWebSocketDialer(cfg.PushURL, transport.Options{
		HandshakeTimeout: 2 * time.Second,
		NetDial:          e.dial,
	}, zerolog.Nop())}
	fc := clock.NewFake(time.Now())
	s := e.open(t, cfg, e.store(t, 1, "ann"), 1, WithDialer(td), WithClock(fc))

	_, err := e.srv.Service().CreateMessage(service.Author{ID: 2, Name: "bob"}, "before", types.KindText)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(s.Messages()) == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, td.last().Close())
	require.Eventually(t, func() bool { return s.ConnectionState() == types.StateReconnecting }, 2*time.Second, 5*time.Millisecond)

	_, err = e.srv.Service().CreateMessage(service.Author{ID: 2, Name: "bob"}, "missed", types.KindText)
	require.NoError(t, err)
	assert.Len(t, s.Messages(), 1, "nothing arrives while disconnected")

	fc.Advance(cfg.BaseDelay)
	require.Eventually(t, func() bool {
		return s.ConnectionState() == types.StateConnected && len(s.Messages()) == 2
	}, 2*time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	msgs := s.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "before", msgs[0].Content)
	assert.Equal(t, "missed", msgs[1].Content)
}
