// Package config loads and validates server configuration from
// environment variables (with an optional .env file for local dev),
// the same layering the teacher's config.go uses.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds every tunable the server reads at startup.
//
// Tags: env is the variable name, envDefault the fallback when unset.
type Config struct {
	// Wire protocol
	Port int `env:"REDIS_PORT" envDefault:"6380"`

	// Metrics / health listener (separate from the RESP port)
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9121"`

	MaxConnections int `env:"MAX_CONNECTIONS" envDefault:"10000"`

	// Output multiplexer tuning (spec.md §4.3)
	OMBatchSize             int           `env:"OM_BATCH_SIZE" envDefault:"32"`
	OMBatchTimeout          time.Duration `env:"OM_BATCH_TIMEOUT" envDefault:"5ms"`
	OMMaxQueueSize          int           `env:"OM_MAX_QUEUE_SIZE" envDefault:"1000"`
	OMCompressionThreshold  int           `env:"OM_COMPRESSION_THRESHOLD" envDefault:"1024"`
	OMMaxChunkSize          int           `env:"OM_MAX_CHUNK_SIZE" envDefault:"8192"`
	OMMaxBroadcastPerSecond int           `env:"OM_MAX_BROADCAST_PER_SECOND" envDefault:"5000"`
	// OMWriteTimeout bounds a single socket write; a timeout is how the
	// OM detects backpressure on a raw net.Conn, which has no buffered-
	// channel drain signal the way the teacher's WebSocket send channel
	// does.
	OMWriteTimeout time.Duration `env:"OM_WRITE_TIMEOUT" envDefault:"200ms"`
	// OMMaxConsecutiveBackpressure bounds how many flush attempts in a
	// row may stall on backpressure before the slot is torn down.
	OMMaxConsecutiveBackpressure int `env:"OM_MAX_CONSECUTIVE_BACKPRESSURE" envDefault:"3"`

	// Pub/sub broker tuning (spec.md §4.4)
	BrokerLargeChannelThreshold int           `env:"BROKER_LARGE_CHANNEL_THRESHOLD" envDefault:"100"`
	BrokerBufferFlushInterval   time.Duration `env:"BROKER_BUFFER_FLUSH_INTERVAL" envDefault:"10ms"`
	BrokerMaxBufferedMessages   int           `env:"BROKER_MAX_BUFFERED_MESSAGES" envDefault:"100"`

	HealthSweepInterval time.Duration `env:"HEALTH_SWEEP_INTERVAL" envDefault:"30s"`
	MetricsInterval     time.Duration `env:"METRICS_REPORT_INTERVAL" envDefault:"60s"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	Environment string `env:"NODE_ENV" envDefault:"development"`
}

// Load reads a .env file (if present) then overlays process
// environment variables on top of struct defaults. A missing .env
// file is not an error — it is normal in containerized deployments.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using environment variables only")
		}
	}

	// REDIS_PORT takes precedence; PORT is accepted as a fallback
	// (spec.md §6) for environments that only set the generic name.
	if os.Getenv("REDIS_PORT") == "" {
		if p := os.Getenv("PORT"); p != "" {
			os.Setenv("REDIS_PORT", p)
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate checks range and enum constraints the way the teacher's
// Config.Validate does.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("REDIS_PORT must be 1-65535, got %d", c.Port)
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.OMMaxQueueSize < 1 {
		return fmt.Errorf("OM_MAX_QUEUE_SIZE must be > 0, got %d", c.OMMaxQueueSize)
	}
	if c.OMMaxChunkSize < 1 {
		return fmt.Errorf("OM_MAX_CHUNK_SIZE must be > 0, got %d", c.OMMaxChunkSize)
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of debug,info,warn,error (got %s)", c.LogLevel)
	}
	validFormats := map[string]bool{"json": true, "pretty": true}
	if !validFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of json,pretty (got %s)", c.LogFormat)
	}
	return nil
}

// Print writes a human-readable summary to stdout for startup logs,
// mirroring the teacher's Config.Print.
func (c *Config) Print() {
	fmt.Println("=== Server Configuration ===")
	fmt.Printf("Environment:      %s\n", c.Environment)
	fmt.Printf("RESP port:        %d\n", c.Port)
	fmt.Printf("Metrics addr:     %s\n", c.MetricsAddr)
	fmt.Printf("Max connections:  %d\n", c.MaxConnections)
	fmt.Println("--- Output multiplexer ---")
	fmt.Printf("Batch size:       %d\n", c.OMBatchSize)
	fmt.Printf("Batch timeout:    %s\n", c.OMBatchTimeout)
	fmt.Printf("Max queue size:   %d\n", c.OMMaxQueueSize)
	fmt.Printf("Compress above:   %d bytes\n", c.OMCompressionThreshold)
	fmt.Printf("Chunk above:      %d bytes\n", c.OMMaxChunkSize)
	fmt.Printf("Max consec. backpressure: %d\n", c.OMMaxConsecutiveBackpressure)
	fmt.Println("--- Pub/Sub broker ---")
	fmt.Printf("Large channel at: %d subscribers\n", c.BrokerLargeChannelThreshold)
	fmt.Printf("Buffer flush:     %s\n", c.BrokerBufferFlushInterval)
	fmt.Printf("Max buffered:     %d\n", c.BrokerMaxBufferedMessages)
	fmt.Println("--- Logging ---")
	fmt.Printf("Level:            %s\n", c.LogLevel)
	fmt.Printf("Format:           %s\n", c.LogFormat)
	fmt.Println("============================")
}

// LogConfig emits the same summary as structured fields, for Loki/ELK
// style aggregation once the real logger is available.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Int("port", c.Port).
		Str("metrics_addr", c.MetricsAddr).
		Int("max_connections", c.MaxConnections).
		Int("om_batch_size", c.OMBatchSize).
		Dur("om_batch_timeout", c.OMBatchTimeout).
		Int("om_max_queue_size", c.OMMaxQueueSize).
		Int("broker_large_channel_threshold", c.BrokerLargeChannelThreshold).
		Dur("broker_buffer_flush_interval", c.BrokerBufferFlushInterval).
		Dur("health_sweep_interval", c.HealthSweepInterval).
		Dur("metrics_interval", c.MetricsInterval).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("configuration loaded")
}
