// Package config defines all configuration for the indexer process.
// Config is loaded from a YAML file (default: configs/config.yaml) with a
// profile overlay selected by SPIN_PROFILE, and environment-variable
// overrides under the SPINDEX_ prefix.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	CORS     CORSConfig     `mapstructure:"cors"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Solana   SolanaConfig   `mapstructure:"solana"`
	Database DatabaseConfig `mapstructure:"database"`
}

// ServerConfig is where the HTTP/WS facade binds.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// CORSConfig controls cross-origin access to the HTTP/WS facade.
type CORSConfig struct {
	Enabled      bool     `mapstructure:"enabled"`
	AllowOrigins []string `mapstructure:"allow_origins"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SolanaConfig holds the upstream chain connection and listener tuning.
//
//   - RPCURL/WSURL: unary RPC endpoint and duplex log-subscription endpoint.
//   - ProgramID: base58 program id the Listener subscribes logs for.
//   - EnableEventListener: allows running the Query/Bus API against an
//     already-populated Store with ingestion disabled (read-only replica mode).
//   - ReconnectIntervalMs/MaxReconnectAttempts: the Listener's backoff loop.
//   - EventBufferSize: capacity of each per-mint worker queue in the Listener.
//   - EventBatchSize: validated (> 0) and passed to the Listener, which does
//     not read it.
//   - CandleIntervals: additional registered intervals beyond the fixed
//     s1/s30/m5 table, as "name:seconds" pairs (e.g. "m1:60").
type SolanaConfig struct {
	RPCURL               string   `mapstructure:"rpc_url"`
	WSURL                string   `mapstructure:"ws_url"`
	ProgramID            string   `mapstructure:"program_id"`
	EnableEventListener  bool     `mapstructure:"enable_event_listener"`
	ReconnectIntervalMs  int      `mapstructure:"reconnect_interval_ms"`
	MaxReconnectAttempts int      `mapstructure:"max_reconnect_attempts"`
	EventBufferSize      int      `mapstructure:"event_buffer_size"`
	EventBatchSize       int      `mapstructure:"event_batch_size"`
	CandleIntervals      []string `mapstructure:"candle_intervals"`
}

// ReconnectInterval returns the configured reconnect interval as a Duration.
func (s SolanaConfig) ReconnectInterval() time.Duration {
	return time.Duration(s.ReconnectIntervalMs) * time.Millisecond
}

// DatabaseConfig sets where the bbolt store file lives on disk.
type DatabaseConfig struct {
	StorePath string `mapstructure:"store_path"`
}

// Load reads the default config file, merges a profile overlay selected by
// profileName (if non-empty and the overlay file exists), and applies
// SPINDEX_-prefixed environment overrides on top — mirroring the overlay
// order described in the external-interfaces contract.
func Load(path, profileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("SPINDEX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if profileName != "" {
		overlay := overlayPath(path, profileName)
		if _, statErr := os.Stat(overlay); !errors.Is(statErr, os.ErrNotExist) {
			v.SetConfigFile(overlay)
			if err := v.MergeInConfig(); err != nil {
				return nil, fmt.Errorf("merge profile overlay %s: %w", overlay, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// overlayPath derives configs/config.<profile>.yaml from the default
// configs/config.yaml path.
func overlayPath(path, profileName string) string {
	ext := ".yaml"
	if idx := strings.LastIndex(path, "."); idx >= 0 {
		ext = path[idx:]
		path = path[:idx]
	}
	return fmt.Sprintf("%s.%s%s", path, profileName, ext)
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Server.Port == 0 {
		return fmt.Errorf("server.port is required")
	}
	if c.Solana.ProgramID == "" {
		return fmt.Errorf("solana.program_id is required")
	}
	if c.Solana.EnableEventListener {
		if c.Solana.WSURL == "" {
			return fmt.Errorf("solana.ws_url is required when solana.enable_event_listener is true")
		}
		if c.Solana.RPCURL == "" {
			return fmt.Errorf("solana.rpc_url is required when solana.enable_event_listener is true")
		}
	}
	if c.Solana.EventBufferSize <= 0 {
		return fmt.Errorf("solana.event_buffer_size must be > 0")
	}
	if c.Solana.EventBatchSize <= 0 {
		return fmt.Errorf("solana.event_batch_size must be > 0")
	}
	if c.Database.StorePath == "" {
		return fmt.Errorf("database.store_path is required")
	}
	switch c.Logging.Level {
	case "error", "warn", "info", "debug", "trace", "":
	default:
		return fmt.Errorf("logging.level must be one of: error, warn, info, debug, trace")
	}
	return nil
}
