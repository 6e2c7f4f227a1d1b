package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	// ConfigDirName is the name of the config directory
	ConfigDirName = ".slcp"
	// ConfigFileName is the name of the config file
	ConfigFileName = "config.toml"
	// ConfigDirEnv overrides the config directory, e.g. to run two clients
	// on one machine
	ConfigDirEnv = "SLCP_CONFIG_DIR"
)

// Paths holds commonly used paths
type Paths struct {
	// ConfigDir is ~/.slcp
	ConfigDir string
	// ConfigFile is ~/.slcp/config.toml
	ConfigFile string
	// LogsDir is ~/.slcp/logs
	LogsDir string
	// InstanceIDFile is ~/.slcp/instance_id
	InstanceIDFile string
}

// GetPaths returns the standard paths
func GetPaths() (*Paths, error) {
	configDir := os.Getenv(ConfigDirEnv)
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configDir = filepath.Join(homeDir, ConfigDirName)
	}

	return &Paths{
		ConfigDir:      configDir,
		ConfigFile:     filepath.Join(configDir, ConfigFileName),
		LogsDir:        filepath.Join(configDir, "logs"),
		InstanceIDFile: filepath.Join(configDir, "instance_id"),
	}, nil
}

// EnsureDirectories creates all required directories
func (p *Paths) EnsureDirectories() error {
	for _, dir := range []string{p.ConfigDir, p.LogsDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
