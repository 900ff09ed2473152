// Package config loads the gateway configuration from the environment.
// Priority: process env vars > .env file > struct defaults.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config is the process-wide gateway configuration. Loaded once at startup
// and treated as immutable afterwards.
type Config struct {
	// Listener
	WSPort     int    `env:"WITS_PROXY_PORT" envDefault:"8080"`
	TLSEnabled bool   `env:"USE_TLS" envDefault:"false"`
	CertPath   string `env:"CERT_PATH"`
	KeyPath    string `env:"KEY_PATH"`

	// Upstream defaults applied when the client omits host/port
	DefaultHost string `env:"WITS_DEFAULT_HOST" envDefault:"localhost"`
	DefaultPort int    `env:"WITS_DEFAULT_PORT" envDefault:"5000"`

	// Heartbeat / liveness
	HeartbeatInterval time.Duration `env:"WITS_HEARTBEAT_INTERVAL" envDefault:"15s"`
	PongTimeout       time.Duration `env:"WITS_PONG_TIMEOUT" envDefault:"10s"`
	MaxMissedPongs    int           `env:"WITS_MAX_MISSED_PONGS" envDefault:"3"`

	// Upstream connection management
	EnableMultiplexing   bool          `env:"ENABLE_MULTIPLEXING" envDefault:"true"`
	MaxReconnectAttempts int           `env:"WITS_MAX_RECONNECT_ATTEMPTS" envDefault:"10"`
	BufferSize           int           `env:"WITS_BUFFER_SIZE" envDefault:"10000"`
	TCPKeepaliveInterval time.Duration `env:"WITS_TCP_KEEPALIVE_INTERVAL" envDefault:"30s"`
	SocketTimeout        time.Duration `env:"WITS_SOCKET_TIMEOUT" envDefault:"5m"`
	DialTimeout          time.Duration `env:"WITS_DIAL_TIMEOUT" envDefault:"10s"`

	// Backpressure queues
	ClientQueueSize   int `env:"WITS_CLIENT_QUEUE_SIZE" envDefault:"256"`
	UpstreamQueueSize int `env:"WITS_UPSTREAM_QUEUE_SIZE" envDefault:"64"`

	// Inbound client frame rate limiting
	ClientFrameRate  int `env:"WITS_CLIENT_FRAME_RATE" envDefault:"50"`
	ClientFrameBurst int `env:"WITS_CLIENT_FRAME_BURST" envDefault:"200"`

	// Shutdown
	ShutdownGrace time.Duration `env:"SHUTDOWN_GRACE" envDefault:"10s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from an optional .env file and the environment.
// The optional logger is only used for load-time notices; pass a zerolog.Nop()
// when none is available yet.
func Load(logger zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		logger.Debug().Msg("No .env file found (using environment variables only)")
	} else {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.WSPort < 1 || c.WSPort > 65535 {
		return fmt.Errorf("WITS_PROXY_PORT must be 1-65535, got %d", c.WSPort)
	}
	if c.DefaultPort < 1 || c.DefaultPort > 65535 {
		return fmt.Errorf("WITS_DEFAULT_PORT must be 1-65535, got %d", c.DefaultPort)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("WITS_HEARTBEAT_INTERVAL must be > 0, got %v", c.HeartbeatInterval)
	}
	if c.MaxMissedPongs < 1 {
		return fmt.Errorf("WITS_MAX_MISSED_PONGS must be > 0, got %d", c.MaxMissedPongs)
	}
	if c.MaxReconnectAttempts < 0 {
		return fmt.Errorf("WITS_MAX_RECONNECT_ATTEMPTS must be >= 0, got %d", c.MaxReconnectAttempts)
	}
	if c.BufferSize < 2 {
		return fmt.Errorf("WITS_BUFFER_SIZE must be >= 2, got %d", c.BufferSize)
	}
	if c.ClientQueueSize < 1 {
		return fmt.Errorf("WITS_CLIENT_QUEUE_SIZE must be > 0, got %d", c.ClientQueueSize)
	}
	if c.UpstreamQueueSize < 1 {
		return fmt.Errorf("WITS_UPSTREAM_QUEUE_SIZE must be > 0, got %d", c.UpstreamQueueSize)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// LogConfig logs the loaded configuration using structured logging.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Int("ws_port", c.WSPort).
		Bool("tls_enabled", c.TLSEnabled).
		Str("default_host", c.DefaultHost).
		Int("default_port", c.DefaultPort).
		Dur("heartbeat_interval", c.HeartbeatInterval).
		Dur("pong_timeout", c.PongTimeout).
		Int("max_missed_pongs", c.MaxMissedPongs).
		Bool("multiplexing", c.EnableMultiplexing).
		Int("max_reconnect_attempts", c.MaxReconnectAttempts).
		Int("buffer_size", c.BufferSize).
		Dur("tcp_keepalive_interval", c.TCPKeepaliveInterval).
		Dur("socket_timeout", c.SocketTimeout).
		Dur("dial_timeout", c.DialTimeout).
		Int("client_queue_size", c.ClientQueueSize).
		Int("upstream_queue_size", c.UpstreamQueueSize).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Gateway configuration loaded")
}
