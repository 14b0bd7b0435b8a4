// Package config loads the server configuration from a TOML file, fills
// defaults, and validates it.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"vizrpc/chunking"
	"vizrpc/codec"
)

// Config is the root server configuration.
type Config struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
	// Path is the HTTP route the WebSocket endpoint is mounted on.
	Path string `toml:"path"`
	// TCPAddr optionally serves raw framed TCP next to the WebSocket endpoint.
	TCPAddr string `toml:"tcp_addr"`

	ChunkSize         int      `toml:"chunk_size"`
	MaxMessageSize    int      `toml:"max_message_size"`
	Compression       string   `toml:"compression"`
	CompressThreshold int      `toml:"compress_threshold"`
	CorsOrigins       []string `toml:"cors_origins"`

	HandlerTimeout Duration        `toml:"handler_timeout"`
	RateLimit      RateLimitConfig `toml:"rate_limit"`
	Log            LogConfig       `toml:"log"`
	Registry       RegistryConfig  `toml:"registry"`
}

// RateLimitConfig bounds calls per connection. RPS <= 0 disables it.
type RateLimitConfig struct {
	RPS   float64 `toml:"rps"`
	Burst int     `toml:"burst"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `toml:"level"`
	// Format: console or json
	Format string `toml:"format"`
	// Outputs: stdout, stderr, or file paths
	Outputs  []string       `toml:"outputs"`
	Rotation RotationConfig `toml:"rotation"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool `toml:"enable"`
	MaxSizeMB  int  `toml:"max_size_mb"`
	MaxBackups int  `toml:"max_backups"`
	MaxAgeDays int  `toml:"max_age_days"`
	Compress   bool `toml:"compress"`
}

// RegistryConfig enables etcd advertisement when Endpoints is non-empty.
type RegistryConfig struct {
	Endpoints []string `toml:"endpoints"`
	Service   string   `toml:"service"`
	Advertise string   `toml:"advertise"`
	TTL       int64    `toml:"ttl"`
	Weight    int      `toml:"weight"`
}

// Duration is a time.Duration that reads TOML strings like "30s".
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
	return []byte(d.Duration.String()), nil
}

// Default returns a Config populated with defaults: localhost:4014, 1 MiB chunks.
func Default() Config {
	return Config{
		Host:              "localhost",
		Port:              4014,
		Path:              "/socket",
		ChunkSize:         chunking.DefaultChunkSize,
		MaxMessageSize:    1 << 30,
		Compression:       "none",
		CompressThreshold: 64 << 10,
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stderr"},
			Rotation: RotationConfig{
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Registry: RegistryConfig{
			Service: "vizrpc",
			TTL:     10,
			Weight:  10,
		},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	meta, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	// Unknown keys are errors.
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("config parse failed (%s): unknown key %q", path, undecoded[0].String())
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Addr returns host:port.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Validate checks ranges and enumerations.
func Validate(cfg Config) error {
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", cfg.Port)
	}
	if !strings.HasPrefix(cfg.Path, "/") {
		return fmt.Errorf("config: path %q must start with /", cfg.Path)
	}
	if cfg.ChunkSize <= 0 {
		return fmt.Errorf("config: chunk_size must be positive, got %d", cfg.ChunkSize)
	}
	if cfg.MaxMessageSize > 0 && cfg.MaxMessageSize < cfg.ChunkSize {
		return fmt.Errorf("config: max_message_size %d smaller than chunk_size %d", cfg.MaxMessageSize, cfg.ChunkSize)
	}
	if _, err := codec.ParseCompression(cfg.Compression); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if cfg.RateLimit.RPS > 0 && cfg.RateLimit.Burst <= 0 {
		return fmt.Errorf("config: rate_limit.burst must be positive when rps is set")
	}
	if len(cfg.Registry.Endpoints) > 0 && strings.TrimSpace(cfg.Registry.Advertise) == "" {
		return fmt.Errorf("config: registry.advertise required when registry.endpoints is set")
	}
	for i, origin := range cfg.CorsOrigins {
		if strings.TrimSpace(origin) == "" {
			return fmt.Errorf("config: cors_origins[%d] is empty", i)
		}
	}
	return nil
}
