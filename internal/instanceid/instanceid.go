// Package instanceid provides the persistent per-installation ID, used as
// the mDNS instance name and reported by the control plane
package instanceid

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// GetOrCreate returns the ID stored at path, creating one if it doesn't
// exist
func GetOrCreate(path string) (string, error) {
	id, err := Get(path)
	if err != nil {
		return "", err
	}
	if id != "" {
		return id, nil
	}

	id = uuid.New().String()
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return "", fmt.Errorf("failed to create instance id directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(id), 0600); err != nil {
		return "", fmt.Errorf("failed to write instance id: %w", err)
	}
	return id, nil
}

// Get returns the stored ID, or empty string if there is none
func Get(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read instance id: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Short returns the first eight characters, for display
func Short(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
