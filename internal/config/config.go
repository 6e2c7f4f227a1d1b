// Package config manages the slcp configuration file
package config

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds the slcp configuration
type Config struct {
	User      UserConfig      `toml:"user"`
	Network   NetworkConfig   `toml:"network"`
	Discovery DiscoveryConfig `toml:"discovery"`
	Control   ControlConfig   `toml:"control"`
	Logging   LoggingConfig   `toml:"logging"`
}

// UserConfig holds the local identity and away behaviour
type UserConfig struct {
	Handle      string `toml:"handle"`
	AutoReply   string `toml:"autoreply"`
	AwayRefresh bool   `toml:"away_refresh"`
}

// NetworkConfig holds ports and addresses
type NetworkConfig struct {
	WhoisPort        int      `toml:"whoisport"`
	BroadcastAddress string   `toml:"broadcast_address"`
	ChatPort         int      `toml:"chat_port"`
	LocalIP          string   `toml:"local_ip"`
	SocketTimeout    int      `toml:"socket_timeout"` // seconds
	MaxImageSize     int64    `toml:"max_image_size"`
	SeedPeers        []string `toml:"seed_peers"`
}

// DiscoveryConfig holds presence timing
type DiscoveryConfig struct {
	RefreshInterval  int  `toml:"refresh_interval"` // seconds
	StaleTimeout     int  `toml:"stale_timeout"`    // seconds
	SweepInterval    int  `toml:"sweep_interval"`   // seconds
	DiscoveryPauseMS int  `toml:"discovery_pause_ms"`
	MDNS             bool `toml:"mdns"`
}

// ControlConfig holds the local control plane listener
type ControlConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // text, json
}

// Default returns a new Config with default values
func Default() *Config {
	return &Config{
		User: UserConfig{
			AutoReply:   "I am away right now.",
			AwayRefresh: true,
		},
		Network: NetworkConfig{
			WhoisPort:        4000,
			BroadcastAddress: "255.255.255.255",
			ChatPort:         5000,
			SocketTimeout:    3,
			MaxImageSize:     5 * 1024 * 1024,
			SeedPeers:        []string{},
		},
		Discovery: DiscoveryConfig{
			RefreshInterval:  30,
			StaleTimeout:     90,
			SweepInterval:    15,
			DiscoveryPauseMS: 75,
		},
		Control: ControlConfig{
			Enabled: true,
			Addr:    "127.0.0.1:4100",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from the default path
func Load() (*Config, error) {
	paths, err := GetPaths()
	if err != nil {
		return nil, err
	}
	return LoadFrom(paths.ConfigFile)
}

// LoadFrom loads configuration from path. A missing file yields defaults.
func LoadFrom(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// SaveTo writes configuration to path, replacing it atomically
func (c *Config) SaveTo(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace config file: %w", err)
	}
	return nil
}

// Validate checks ports, intervals and logging settings
func (c *Config) Validate() error {
	for name, port := range map[string]int{
		"whoisport": c.Network.WhoisPort,
		"chat_port": c.Network.ChatPort,
	} {
		if port < 1 || port > 65535 {
			return fmt.Errorf("invalid %s: %d", name, port)
		}
	}

	if net.ParseIP(c.Network.BroadcastAddress) == nil {
		return fmt.Errorf("invalid broadcast_address: %q", c.Network.BroadcastAddress)
	}
	if c.Network.LocalIP != "" && net.ParseIP(c.Network.LocalIP) == nil {
		return fmt.Errorf("invalid local_ip: %q", c.Network.LocalIP)
	}
	if c.Network.SocketTimeout < 1 {
		return fmt.Errorf("invalid socket_timeout: %d", c.Network.SocketTimeout)
	}
	if c.Network.MaxImageSize < 1 {
		return fmt.Errorf("invalid max_image_size: %d", c.Network.MaxImageSize)
	}

	d := c.Discovery
	if d.RefreshInterval < 1 || d.SweepInterval < 1 {
		return fmt.Errorf("refresh_interval and sweep_interval must be positive")
	}
	if d.StaleTimeout <= d.RefreshInterval {
		return fmt.Errorf("stale_timeout (%ds) must exceed refresh_interval (%ds)", d.StaleTimeout, d.RefreshInterval)
	}
	if d.DiscoveryPauseMS < 0 {
		return fmt.Errorf("invalid discovery_pause_ms: %d", d.DiscoveryPauseMS)
	}

	if c.Control.Enabled {
		if _, _, err := net.SplitHostPort(c.Control.Addr); err != nil {
			return fmt.Errorf("invalid control addr %q: %w", c.Control.Addr, err)
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	return nil
}

// Timeout returns the per-peer TCP timeout
func (n NetworkConfig) Timeout() time.Duration {
	return time.Duration(n.SocketTimeout) * time.Second
}

// Refresh returns the JOIN re-broadcast interval
func (d DiscoveryConfig) Refresh() time.Duration {
	return time.Duration(d.RefreshInterval) * time.Second
}

// Stale returns how long a silent peer is kept
func (d DiscoveryConfig) Stale() time.Duration {
	return time.Duration(d.StaleTimeout) * time.Second
}

// Sweep returns how often stale peers are purged
func (d DiscoveryConfig) Sweep() time.Duration {
	return time.Duration(d.SweepInterval) * time.Second
}

// Pause returns the delay between JOIN and WHO
func (d DiscoveryConfig) Pause() time.Duration {
	return time.Duration(d.DiscoveryPauseMS) * time.Millisecond
}
