package bridge

import (
	"os"
	"strconv"
)

// RedisConfig holds connection settings for the Redis pub/sub bridge.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"` // channel prefix
}

// DefaultRedisConfig returns a RedisConfig with sensible defaults.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Addr:   "localhost:6379",
		Prefix: "chatsync:push:",
	}
}

// ApplyEnv overrides fields from REDIS_* environment variables.
// Unparseable values are ignored.
func (c *RedisConfig) ApplyEnv() {
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Addr = addr
	}
	if pw := os.Getenv("REDIS_PASSWORD"); pw != "" {
		c.Password = pw
	}
	if dbStr := os.Getenv("REDIS_DB"); dbStr != "" {
		if db, err := strconv.Atoi(dbStr); err == nil {
			c.DB = db
		}
	}
	if prefix := os.Getenv("REDIS_PUSH_PREFIX"); prefix != "" {
		c.Prefix = prefix
	}
}

// RedisConfigFromEnv returns the defaults overridden by the environment.
func RedisConfigFromEnv() *RedisConfig {
	cfg := DefaultRedisConfig()
	cfg.ApplyEnv()
	return cfg
}

func (c *RedisConfig) channel() string {
	return c.Prefix + "broadcast"
}
