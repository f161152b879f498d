package config

import "time"

// SocketConfig tunes the push channel on both ends.
type SocketConfig struct {
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	PongWait         time.Duration `yaml:"pong_wait"` // read deadline, extended by any frame or pong
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	ReadBufferSize   int           `yaml:"read_buffer_size"`
	WriteBufferSize  int           `yaml:"write_buffer_size"`
	SendBuffer       int           `yaml:"send_buffer"` // server side, per client
	EventRate        float64       `yaml:"event_rate"`  // inbound events per second per client
	EventBurst       int           `yaml:"event_burst"`
}

// DefaultSocketConfig returns the default push channel configuration.
func DefaultSocketConfig() SocketConfig {
	return SocketConfig{
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     30 * time.Second,
		PongWait:         60 * time.Second,
		WriteTimeout:     10 * time.Second,
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		SendBuffer:       256,
		EventRate:        20,
		EventBurst:       40,
	}
}
