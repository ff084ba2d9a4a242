package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config is the main configuration struct.
type Config struct {
	Realtime RealtimeConfig `yaml:"realtime"`
	API      APIConfig      `yaml:"api"`
	Queue    QueueConfig    `yaml:"queue"`
	Sweeper  SweeperConfig  `yaml:"sweeper"`
	Debug    DebugConfig    `yaml:"debug"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// RealtimeConfig holds websocket transport settings.
type RealtimeConfig struct {
	Endpoint       string    `yaml:"endpoint"` // wss://host/path
	AppKey         string    `yaml:"app_key"`
	PingInterval   Duration  `yaml:"ping_interval"`
	PongWait       Duration  `yaml:"pong_wait"`
	WriteWait      Duration  `yaml:"write_wait"`
	HandshakeWait  Duration  `yaml:"handshake_wait"`
	MaxMessageSize SizeBytes `yaml:"max_message_size"`
}

// APIConfig holds the outbound send endpoint settings.
type APIConfig struct {
	BaseURL     string   `yaml:"base_url"`
	Key         string   `yaml:"key"`
	SendTimeout Duration `yaml:"send_timeout"`
}

// QueueConfig holds offline queue storage and retry policy.
type QueueConfig struct {
	DBPath       string   `yaml:"db_path"`
	RetryCeiling int      `yaml:"retry_ceiling"`
	BackoffBase  Duration `yaml:"backoff_base"`
	BackoffCap   Duration `yaml:"backoff_cap"`
	FlushRPS     float64  `yaml:"flush_rps"`
	FlushBurst   int      `yaml:"flush_burst"`
}

// SweeperConfig holds configuration for the dead-envelope pruner.
type SweeperConfig struct {
	Enabled bool     `yaml:"enabled"`
	Cron    string   `yaml:"cron"`
	MaxAge  Duration `yaml:"max_age"`
}

// DebugConfig holds the local debug HTTP endpoint settings.
type DebugConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Addr returns host:port for the debug HTTP server.
func (d DebugConfig) Addr() string {
	addr := d.Address
	if addr == "" {
		addr = "127.0.0.1"
	}
	p := d.Port
	if p == 0 {
		p = 9400
	}
	return fmt.Sprintf("%s:%d", addr, p)
}

// SizeBytes represents a number of bytes, unmarshaled from human-friendly strings like "64KB" or plain integers.
type SizeBytes int64

func (s *SizeBytes) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = 0
		return nil
	}
	raw := strings.TrimSpace(node.Value)
	if raw == "" {
		*s = 0
		return nil
	}
	if v, err := humanize.ParseBytes(raw); err == nil {
		*s = SizeBytes(v)
		return nil
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*s = SizeBytes(i)
		return nil
	}
	return fmt.Errorf("invalid size value: %q", node.Value)
}

func (s SizeBytes) Int64() int64 { return int64(s) }

// Duration is a wrapper around time.Duration that supports YAML parsing from strings like "100ms" or plain numbers (interpreted as seconds).
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*d = Duration(0)
		return nil
	}
	raw := strings.TrimSpace(node.Value)
	if raw == "" {
		*d = Duration(0)
		return nil
	}
	if td, err := time.ParseDuration(raw); err == nil {
		*d = Duration(td)
		return nil
	}
	// allow numeric seconds
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		*d = Duration(time.Duration(f * float64(time.Second)))
		return nil
	}
	return fmt.Errorf("invalid duration value: %q", node.Value)
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }
