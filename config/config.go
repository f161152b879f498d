// Package config loads client and dev server settings from defaults, an
// optional YAML file, a .env file and CHATSYNC_* / REDIS_* variables, in that
// order of precedence (last wins).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/orchestra-mcp/chatsync/src/bridge"
	"gopkg.in/yaml.v3"
)

// ClientConfig configures a chat session.
type ClientConfig struct {
	ServerURL      string        `yaml:"server_url"` // REST base, e.g. http://localhost:8080
	PushURL        string        `yaml:"push_url"`   // websocket endpoint, e.g. ws://localhost:8080/ws
	Token          string        `yaml:"token"`
	BaseDelay      time.Duration `yaml:"base_delay"`
	MaxAttempts    int           `yaml:"max_attempts"`
	QuietPeriod    time.Duration `yaml:"quiet_period"`
	RemoteExpiry   time.Duration `yaml:"remote_expiry"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	PageSize       int           `yaml:"page_size"`
	Socket         SocketConfig  `yaml:"socket"`
}

// ServerConfig configures the development push server.
type ServerConfig struct {
	Addr         string             `yaml:"addr"`
	JWTSecret    string             `yaml:"jwt_secret"`
	Metrics      bool               `yaml:"metrics"`
	RedisEnabled bool               `yaml:"redis_enabled"`
	Redis        bridge.RedisConfig `yaml:"redis"`
	Socket       SocketConfig       `yaml:"socket"`
}

// Config is the root of the YAML file.
type Config struct {
	LogLevel string       `yaml:"log_level"`
	Client   ClientConfig `yaml:"client"`
	Server   ServerConfig `yaml:"server"`
}

// DefaultClientConfig returns the reference client policy.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		ServerURL:      "http://localhost:8080",
		PushURL:        "ws://localhost:8080/ws",
		BaseDelay:      time.Second,
		MaxAttempts:    5,
		QuietPeriod:    time.Second,
		RemoteExpiry:   5 * time.Second,
		RequestTimeout: 10 * time.Second,
		PageSize:       50,
		Socket:         DefaultSocketConfig(),
	}
}

// DefaultServerConfig returns the dev server defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:    ":8080",
		Metrics: true,
		Redis:   *bridge.DefaultRedisConfig(),
		Socket:  DefaultSocketConfig(),
	}
}

// Default returns a Config with every default applied.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Client:   DefaultClientConfig(),
		Server:   DefaultServerConfig(),
	}
}

// Load builds the configuration. path may be empty; a missing .env file is
// not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file not found: %s", path)
			}
			return nil, err
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	str("CHATSYNC_LOG_LEVEL", &c.LogLevel)
	str("CHATSYNC_SERVER_URL", &c.Client.ServerURL)
	str("CHATSYNC_PUSH_URL", &c.Client.PushURL)
	str("CHATSYNC_TOKEN", &c.Client.Token)
	str("CHATSYNC_ADDR", &c.Server.Addr)
	str("CHATSYNC_JWT_SECRET", &c.Server.JWTSecret)

	if v := os.Getenv("CHATSYNC_MAX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CHATSYNC_MAX_ATTEMPTS: %w", err)
		}
		c.Client.MaxAttempts = n
	}
	if v := os.Getenv("CHATSYNC_BASE_DELAY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("CHATSYNC_BASE_DELAY: %w", err)
		}
		c.Client.BaseDelay = d
	}
	if v := os.Getenv("CHATSYNC_REDIS_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("CHATSYNC_REDIS_ENABLED: %w", err)
		}
		c.Server.RedisEnabled = b
	}
	c.Server.Redis.ApplyEnv()
	return nil
}

// Validate rejects values the components cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Client.MaxAttempts < 1:
		return fmt.Errorf("client.max_attempts must be at least 1, got %d", c.Client.MaxAttempts)
	case c.Client.BaseDelay <= 0:
		return errors.New("client.base_delay must be positive")
	case c.Client.QuietPeriod <= 0:
		return errors.New("client.quiet_period must be positive")
	case c.Client.PageSize < 1:
		return errors.New("client.page_size must be at least 1")
	}
	for name, sock := range map[string]SocketConfig{"client": c.Client.Socket, "server": c.Server.Socket} {
		if sock.PingInterval > 0 && sock.PongWait > 0 && sock.PongWait <= sock.PingInterval {
			return fmt.Errorf("%s.socket.pong_wait must exceed ping_interval", name)
		}
	}
	return nil
}
