package realtime

import (
	"fmt"
	"time"
)

// Config defines the configuration for the WebSocket manager.
type Config struct {
	// HeartbeatInterval is how often the liveness sweep runs.
	HeartbeatInterval time.Duration `json:"heartbeatInterval,omitempty" yaml:"heartbeatInterval,omitempty" toml:"heartbeatInterval" env:"HEARTBEAT_INTERVAL"`

	// ConnectionTimeout is the maximum heartbeat silence before a
	// connection is force-closed and deregistered.
	ConnectionTimeout time.Duration `json:"connectionTimeout,omitempty" yaml:"connectionTimeout,omitempty" toml:"connectionTimeout" env:"CONNECTION_TIMEOUT"`

	// RoomSweepInterval is how often empty non-permanent rooms are removed.
	RoomSweepInterval time.Duration `json:"roomSweepInterval,omitempty" yaml:"roomSweepInterval,omitempty" toml:"roomSweepInterval" env:"ROOM_SWEEP_INTERVAL"`

	// SendQueueSize is the per-connection outbound buffer. A client too
	// slow to drain it has messages dropped rather than stalling others.
	SendQueueSize int `json:"sendQueueSize,omitempty" yaml:"sendQueueSize,omitempty" toml:"sendQueueSize" env:"SEND_QUEUE_SIZE"`

	// ReadLimit caps the size of one inbound frame in bytes.
	ReadLimit int64 `json:"readLimit,omitempty" yaml:"readLimit,omitempty" toml:"readLimit" env:"READ_LIMIT"`

	// WriteTimeout bounds a single frame write to a client.
	WriteTimeout time.Duration `json:"writeTimeout,omitempty" yaml:"writeTimeout,omitempty" toml:"writeTimeout" env:"WRITE_TIMEOUT"`

	// JWTSecret verifies HS256 tokens carried by auth messages.
	JWTSecret string `json:"jwtSecret,omitempty" yaml:"jwtSecret,omitempty" toml:"jwtSecret" env:"JWT_SECRET"`
}

// Validate applies defaults and checks required fields.
func (c *Config) Validate() error {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.ConnectionTimeout == 0 {
		c.ConnectionTimeout = 90 * time.Second
	}
	if c.RoomSweepInterval == 0 {
		c.RoomSweepInterval = time.Minute
	}
	if c.SendQueueSize == 0 {
		c.SendQueueSize = 32
	}
	if c.ReadLimit == 0 {
		c.ReadLimit = 64 * 1024
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.ConnectionTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("realtime config: connectionTimeout must exceed heartbeatInterval")
	}
	return nil
}
