package node

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config is the node's full runtime configuration, covering every item in
// spec §6's Configuration list plus connection parameters. Mirrors
// internal/application/app.go's Config in shape: one flat struct loaded
// once at startup.
type Config struct {
	DataDir        string   `mapstructure:"data_dir"`
	ListenAddrs    []string `mapstructure:"listen_addrs"`
	BootstrapPeers []string `mapstructure:"bootstrap_peers"`

	SyncFrequencyMS   int `mapstructure:"sync_frequency_ms"`
	SyncIntervalMS    int `mapstructure:"sync_interval_ms"`
	SyncTimeoutMS     int `mapstructure:"sync_timeout_ms"`
	SyncMaxConcurrent int `mapstructure:"sync_max_concurrent"`

	NetworkChannelSize      int     `mapstructure:"network_channel_size"`
	NetworkWarningThreshold float64 `mapstructure:"network_warning_threshold"`

	PendingDeltaLimit int `mapstructure:"pending_delta_limit"`

	BlobChunkSizeBytes int `mapstructure:"blob_chunk_size_bytes"`

	LogLevel string `mapstructure:"log_level"`
}

// DefaultConfig returns the spec §5/§6 documented defaults.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		DataDir: filepath.Join(home, ".calimero"),
		ListenAddrs: []string{
			"/ip4/0.0.0.0/tcp/0",
			"/ip4/0.0.0.0/udp/0/quic-v1",
		},
		SyncFrequencyMS:         30_000,
		SyncIntervalMS:          60_000,
		SyncTimeoutMS:           60_000,
		SyncMaxConcurrent:       4,
		NetworkChannelSize:      1000,
		NetworkWarningThreshold: 0.8,
		PendingDeltaLimit:       10_000,
		BlobChunkSizeBytes:      8 * 1024,
		LogLevel:                "info",
	}
}

// LoadConfig reads configuration from path (if non-empty), layered over
// DefaultConfig. A CALIMERO_-prefixed environment variable overrides a
// key only when the config file also sets that key; with no config file,
// environment variables are not read.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetEnvPrefix("calimero")
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func (c *Config) syncFrequency() time.Duration { return time.Duration(c.SyncFrequencyMS) * time.Millisecond }
func (c *Config) syncInterval() time.Duration  { return time.Duration(c.SyncIntervalMS) * time.Millisecond }
func (c *Config) syncTimeout() time.Duration   { return time.Duration(c.SyncTimeoutMS) * time.Millisecond }
