// Package config loads the framecast configuration from TOML, .env files and
// FRAMECAST_* environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"strzcam.com/framecast/frame"
	"strzcam.com/framecast/watcher"
)

var ErrInvalidConfig = errors.New("invalid config")

// Duration decodes TOML strings such as "500ms".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

type SourceConfig struct {
	Kind    string `toml:"kind"`
	Width   uint32 `toml:"width"`
	Height  uint32 `toml:"height"`
	TickFPS int    `toml:"tick_fps"`
	ShmDir  string `toml:"shm_dir"`
	ShmName string `toml:"shm_name"`
}

type MonitorConfig struct {
	Enabled    bool   `toml:"enabled"`
	ListenAddr string `toml:"listen_addr"`
}

type StreamConfig struct {
	Name         string        `toml:"name"`
	Host         string        `toml:"host"`
	Port         int           `toml:"port"`
	MaxClients   int           `toml:"max_clients"`
	TargetFPS    int           `toml:"target_fps"`
	WriteTimeout Duration      `toml:"write_timeout"`
	Region       *frame.Region `toml:"region"`
}

type ViewerConfig struct {
	Host        string   `toml:"host"`
	Port        int      `toml:"port"`
	DialTimeout Duration `toml:"dial_timeout"`
	RetryDelay  Duration `toml:"retry_delay"`
	Title       string   `toml:"title"`
	Width       int      `toml:"width"`
	Height      int      `toml:"height"`
	MetricsAddr string   `toml:"metrics_addr"`
}

type Config struct {
	LogLevel  string         `toml:"log_level"`
	LogFormat string         `toml:"log_format"`
	Source    SourceConfig   `toml:"source"`
	Monitor   MonitorConfig  `toml:"monitor"`
	Streams   []StreamConfig `toml:"stream"`
	Viewer    ViewerConfig   `toml:"viewer"`
}

const (
	defaultPort       = 9999
	defaultMaxClients = 3
	defaultTargetFPS  = 20
)

func Default() Config {
	return Config{
		LogLevel:  "info",
		LogFormat: "console",
		Source: SourceConfig{
			Kind:    "pattern",
			Width:   640,
			Height:  360,
			TickFPS: 60,
			ShmDir:  watcher.DefaultDir,
			ShmName: "framecast_frame",
		},
		Monitor: MonitorConfig{
			Enabled:    true,
			ListenAddr: ":9095",
		},
		Viewer: ViewerConfig{
			Host:        "127.0.0.1",
			Port:        defaultPort,
			DialTimeout: Duration{2 * time.Second},
			RetryDelay:  Duration{500 * time.Millisecond},
			Title:       "Framecast Viewer",
			Width:       960,
			Height:      540,
		},
	}
}

func defaultStream(i int) StreamConfig {
	return StreamConfig{
		Name:         fmt.Sprintf("stream%d", i),
		Host:         "0.0.0.0",
		Port:         defaultPort + i,
		MaxClients:   defaultMaxClients,
		TargetFPS:    defaultTargetFPS,
		WriteTimeout: Duration{2 * time.Second},
	}
}

// Load reads path (optional), then envFiles (".env" when none are given and
// it exists), then the process environment, and validates the result.
func Load(path string, envFiles ...string) (Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("load config %s: %w", path, err)
		}
	}

	if len(envFiles) == 0 {
		if _, err := os.Stat(".env"); err == nil {
			envFiles = []string{".env"}
		}
	}
	if len(envFiles) > 0 {
		if err := godotenv.Load(envFiles...); err != nil {
			return Config{}, fmt.Errorf("load env files: %w", err)
		}
	}

	cfg.normalize()
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// normalize fills stream fields left out of the file.
func (c *Config) normalize() {
	if len(c.Streams) == 0 {
		s := defaultStream(0)
		s.Name = "main"
		c.Streams = []StreamConfig{s}
		return
	}
	for i := range c.Streams {
		s := &c.Streams[i]
		d := defaultStream(i)
		if s.Name == "" {
			s.Name = d.Name
		}
		if s.Host == "" {
			s.Host = d.Host
		}
		if s.Port == 0 {
			s.Port = d.Port
		}
		if s.MaxClients == 0 {
			s.MaxClients = d.MaxClients
		}
		if s.TargetFPS == 0 {
			s.TargetFPS = d.TargetFPS
		}
		if s.WriteTimeout.Duration == 0 {
			s.WriteTimeout = d.WriteTimeout
		}
	}
}

func (c *Config) applyEnv() error {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) error {
		v, ok := os.LookupEnv(key)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not a number", ErrInvalidConfig, key, v)
		}
		*dst = n
		return nil
	}

	setString("FRAMECAST_LOG_LEVEL", &c.LogLevel)
	setString("FRAMECAST_LOG_FORMAT", &c.LogFormat)
	setString("FRAMECAST_SOURCE_KIND", &c.Source.Kind)
	setString("FRAMECAST_SHM_DIR", &c.Source.ShmDir)
	setString("FRAMECAST_SHM_NAME", &c.Source.ShmName)
	setString("FRAMECAST_MONITOR_ADDR", &c.Monitor.ListenAddr)
	setString("FRAMECAST_VIEWER_HOST", &c.Viewer.Host)
	setString("FRAMECAST_VIEWER_METRICS_ADDR", &c.Viewer.MetricsAddr)

	if v, ok := os.LookupEnv("FRAMECAST_MONITOR_ENABLED"); ok {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: FRAMECAST_MONITOR_ENABLED=%q", ErrInvalidConfig, v)
		}
		c.Monitor.Enabled = enabled
	}

	// Stream overrides apply to the first stream.
	first := &c.Streams[0]
	for key, dst := range map[string]*int{
		"FRAMECAST_VIEWER_PORT":        &c.Viewer.Port,
		"FRAMECAST_STREAM_PORT":        &first.Port,
		"FRAMECAST_STREAM_MAX_CLIENTS": &first.MaxClients,
		"FRAMECAST_STREAM_TARGET_FPS":  &first.TargetFPS,
	} {
		if err := setInt(key, dst); err != nil {
			return err
		}
	}
	return nil
}

func (c Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return invalid("log_level %q", c.LogLevel)
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		return invalid("log_format %q", c.LogFormat)
	}

	switch c.Source.Kind {
	case "pattern":
	case "shm":
		if c.Source.ShmDir == "" || c.Source.ShmName == "" {
			return invalid("source kind shm needs shm_dir and shm_name")
		}
	default:
		return invalid("source kind %q", c.Source.Kind)
	}
	if c.Source.Width == 0 || c.Source.Height == 0 ||
		c.Source.Width > frame.MaxDimension || c.Source.Height > frame.MaxDimension {
		return invalid("source size %dx%d", c.Source.Width, c.Source.Height)
	}
	if c.Source.TickFPS < 1 {
		return invalid("source tick_fps %d", c.Source.TickFPS)
	}

	if c.Monitor.Enabled && c.Monitor.ListenAddr == "" {
		return invalid("monitor enabled without listen_addr")
	}

	if len(c.Streams) == 0 {
		return invalid("no streams")
	}
	names := map[string]bool{}
	endpoints := map[string]bool{}
	for _, s := range c.Streams {
		if names[s.Name] {
			return invalid("duplicate stream name %q", s.Name)
		}
		names[s.Name] = true
		endpoint := fmt.Sprintf("%s:%d", s.Host, s.Port)
		if endpoints[endpoint] {
			return invalid("stream %q reuses %s", s.Name, endpoint)
		}
		endpoints[endpoint] = true

		if s.Port < 1 || s.Port > 65535 {
			return invalid("stream %q port %d", s.Name, s.Port)
		}
		if s.MaxClients < 1 {
			return invalid("stream %q max_clients %d", s.Name, s.MaxClients)
		}
		if s.TargetFPS < 0 {
			return invalid("stream %q target_fps %d", s.Name, s.TargetFPS)
		}
		if s.WriteTimeout.Duration <= 0 {
			return invalid("stream %q write_timeout %s", s.Name, s.WriteTimeout)
		}
		if r := s.Region; r != nil {
			if r.Empty() || uint64(r.X)+uint64(r.Width) > uint64(c.Source.Width) ||
				uint64(r.Y)+uint64(r.Height) > uint64(c.Source.Height) {
				return invalid("stream %q region %+v outside %dx%d source", s.Name, *r, c.Source.Width, c.Source.Height)
			}
		}
	}

	if c.Viewer.Port < 1 || c.Viewer.Port > 65535 {
		return invalid("viewer port %d", c.Viewer.Port)
	}
	if c.Viewer.Width < 1 || c.Viewer.Height < 1 {
		return invalid("viewer size %dx%d", c.Viewer.Width, c.Viewer.Height)
	}
	if c.Viewer.DialTimeout.Duration <= 0 || c.Viewer.RetryDelay.Duration <= 0 {
		return invalid("viewer dial_timeout and retry_delay must be positive")
	}
	return nil
}
