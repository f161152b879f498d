package bridge

import (
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/orchestra-mcp/chatsync/src/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockBroadcastTarget records events forwarded from the bridge.
type mockBroadcastTarget struct {
	mu       sync.Mutex
	received []types.Event
	except   []string
}

func (m *mockBroadcastTarget) BroadcastToLocal(ev types.Event, except string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.received = append(m.received, ev)
	m.except = append(m.except, except)
}

func (m *mockBroadcastTarget) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.received)
}

func startBridge(t *testing.T, addr string, target BroadcastTarget) *RedisBridge {
	t.Helper()
	cfg := DefaultRedisConfig()
	cfg.Addr = addr
	b := NewRedisBridge(cfg, target, zerolog.Nop())
	require.NoError(t, b.Start())
	t.Cleanup(func() { b.Stop() })
	return b
}

func TestBridgeRelaysBetweenInstances(t *testing.T) {
	mr := miniredis.RunT(t)

	local := &mockBroadcastTarget{}
	remote := &mockBroadcastTarget{}
	a := startBridge(t, mr.Addr(), local)
	startBridge(t, mr.Addr(), remote)
	assert.True(t, a.Available())

	ev, err := types.NewEvent(types.EventNewMessage, types.Message{ID: 4, Content: "over the wire"})
	require.NoError(t, err)
	require.NoError(t, a.Publish(ev, "client-9"))

	require.Eventually(t, func() bool { return remote.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	remote.mu.Lock()
	got := remote.received[0]
	assert.Equal(t, []string{"client-9"}, remote.except)
	remote.mu.Unlock()

	assert.Equal(t, types.EventNewMessage, got.Event)
	var m types.Message
	require.NoError(t, got.Decode(&m))
	assert.Equal(t, int64(4), m.ID)

	// The publishing instance skips its own event.
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, local.count())
}

func TestBridgeIgnoresMalformedPayload(t *testing.T) {
	mr := miniredis.RunT(t)
	target := &mockBroadcastTarget{}
	startBridge(t, mr.Addr(), target)

	mr.Publish(DefaultRedisConfig().channel(), "{not json")
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, target.count())
}

func TestStartFailsWithoutRedis(t *testing.T) {
	cfg := DefaultRedisConfig()
	cfg.Addr = "127.0.0.1:1"
	b := NewRedisBridge(cfg, &mockBroadcastTarget{}, zerolog.Nop())
	defer b.Stop()

	assert.Error(t, b.Start())
	assert.False(t, b.Available())
}

func TestDefaultRedisConfig(t *testing.T) {
	cfg := DefaultRedisConfig()
	assert.Equal(t, "localhost:6379", cfg.Addr)
	assert.Empty(t, cfg.Password)
	assert.Equal(t, 0, cfg.DB)
	assert.Equal(t, "chatsync:push:", cfg.Prefix)
}

func TestRedisConfigFromEnv(t *testing.T) {
	t.Setenv("REDIS_ADDR", "redis.example.com:6380")
	t.Setenv("REDIS_PASSWORD", "secret")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("REDIS_PUSH_PREFIX", "test:push:")

	cfg := RedisConfigFromEnv()
	assert.Equal(t, "redis.example.com:6380", cfg.Addr)
	assert.Equal(t, "secret", cfg.Password)
	assert.Equal(t, 3, cfg.DB)
	assert.Equal(t, "test:push:", cfg.Prefix)
}

func TestRedisConfigFromEnvInvalidDB(t *testing.T) {
	t.Setenv("REDIS_DB", "not-a-number")

	cfg := RedisConfigFromEnv()
	assert.Equal(t, 0, cfg.DB)
}

func TestRedisBridgeInstanceIDUnique(t *testing.T) {
	target := &mockBroadcastTarget{}
	cfg := DefaultRedisConfig()
	b1 := NewRedisBridge(cfg, target, zerolog.Nop())
	b2 := NewRedisBridge(cfg, target, zerolog.Nop())
	assert.NotEqual(t, b1.InstanceID(), b2.InstanceID())
}
