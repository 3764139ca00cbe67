package broadcast

import (
	"errors"
	"time"

	"strzcam.com/framecast/frame"
)

var ErrServerClosed = errors.New("broadcast: server closed")

const (
	DefaultPort          = 9999
	DefaultMaxClients    = 3
	DefaultTargetFPS     = 20
	DefaultAcceptTimeout = 500 * time.Millisecond
	DefaultWriteTimeout  = 2 * time.Second
	DefaultStopTimeout   = time.Second
)

// Config describes one stream endpoint. Port 0 binds an ephemeral port.
type Config struct {
	Host       string
	Port       int
	MaxClients int
	// TargetFPS caps the broadcast rate; values below 1 are treated as 1.
	TargetFPS int

	AcceptTimeout time.Duration
	WriteTimeout  time.Duration
	StopTimeout   time.Duration

	// CompressionLevel is the zlib level; 0 selects frame.DefaultLevel.
	CompressionLevel int
}

func DefaultConfig() Config {
	return Config{
		Host:             "0.0.0.0",
		Port:             DefaultPort,
		MaxClients:       DefaultMaxClients,
		TargetFPS:        DefaultTargetFPS,
		AcceptTimeout:    DefaultAcceptTimeout,
		WriteTimeout:     DefaultWriteTimeout,
		StopTimeout:      DefaultStopTimeout,
		CompressionLevel: frame.DefaultLevel,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxClients <= 0 {
		c.MaxClients = DefaultMaxClients
	}
	c.TargetFPS = max(1, c.TargetFPS)
	if c.AcceptTimeout <= 0 {
		c.AcceptTimeout = DefaultAcceptTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultStopTimeout
	}
	if c.CompressionLevel == 0 {
		c.CompressionLevel = frame.DefaultLevel
	}
	return c
}

// FrameInterval is the minimum spacing between two broadcast frames.
func (c Config) FrameInterval() time.Duration {
	return time.Second / time.Duration(max(1, c.TargetFPS))
}
