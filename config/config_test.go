package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	return dir
}

func TestDefaults(t *testing.T) {
	chdirTemp(t)
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, time.Second, cfg.Client.BaseDelay)
	assert.Equal(t, 5, cfg.Client.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Client.QuietPeriod)
	assert.Equal(t, 5*time.Second, cfg.Client.RemoteExpiry)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "chatsync:push:", cfg.Server.Redis.Prefix)
	assert.Equal(t, 1024, cfg.Server.Socket.ReadBufferSize)
}

func TestYAMLOverridesDefaults(t *testing.T) {
	dir := chdirTemp(t)
	path := filepath.Join(dir, "chatsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
client:
  server_url: http://chat.internal
  base_delay: 250ms
  max_attempts: 3
server:
  addr: ":9000"
  redis_enabled: true
  redis:
    addr: redis:6379
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "http://chat.internal", cfg.Client.ServerURL)
	assert.Equal(t, 250*time.Millisecond, cfg.Client.BaseDelay)
	assert.Equal(t, 3, cfg.Client.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Client.QuietPeriod, "unset keys keep defaults")
	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.True(t, cfg.Server.RedisEnabled)
	assert.Equal(t, "redis:6379", cfg.Server.Redis.Addr)
	assert.Equal(t, "chatsync:push:", cfg.Server.Redis.Prefix)
}

func TestEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)
	path := filepath.Join(dir, "chatsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte("client:\n  max_attempts: 3\n"), 0o600))
	t.Setenv("CHATSYNC_MAX_ATTEMPTS", "7")
	t.Setenv("CHATSYNC_TOKEN", "env-token")
	t.Setenv("REDIS_ADDR", "cache:6379")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Client.MaxAttempts)
	assert.Equal(t, "env-token", cfg.Client.Token)
	assert.Equal(t, "cache:6379", cfg.Server.Redis.Addr)
}

func TestDotEnvIsLoaded(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("CHATSYNC_JWT_SECRET=from-dotenv\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("CHATSYNC_JWT_SECRET") })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.Server.JWTSecret)
}

func TestInvalidValues(t *testing.T) {
	chdirTemp(t)

	t.Setenv("CHATSYNC_MAX_ATTEMPTS", "zero")
	_, err := Load("")
	assert.Error(t, err)

	t.Setenv("CHATSYNC_MAX_ATTEMPTS", "0")
	_, err = Load("")
	assert.ErrorContains(t, err, "max_attempts")
}

func TestMissingFile(t *testing.T) {
	chdirTemp(t)
	_, err := Load("does-not-exist.yaml")
	assert.ErrorContains(t, err, "config file not found")
}

func TestKeepaliveSettings(t *testing.T) {
	dir := chdirTemp(t)
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.Client.Socket.PingInterval)
	assert.Equal(t, 60*time.Second, cfg.Server.Socket.PongWait)
	assert.Equal(t, 10*time.Second, cfg.Client.Socket.WriteTimeout)

	path := filepath.Join(dir, "chatsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  socket:\n    ping_interval: 20s\n    pong_wait: 10s\n"), 0o600))
	_, err = Load(path)
	assert.ErrorContains(t, err, "server.socket.pong_wait must exceed ping_interval")
}
