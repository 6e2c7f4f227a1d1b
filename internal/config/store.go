package config

import (
	"fmt"
	"strings"
	"sync"
)

// Store persists edits to a config file on disk. It re-reads the file
// before each change so edits made by other tools are kept.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore creates a store for the file at path
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the file the store writes
func (s *Store) Path() string {
	return s.path
}

// SaveHandle rewrites user.handle
func (s *Store) SaveHandle(handle string) error {
	handle = strings.TrimSpace(handle)
	if handle == "" {
		return fmt.Errorf("refusing to save an empty handle")
	}
	return s.Update(func(c *Config) {
		c.User.Handle = handle
	})
}

// Update loads the file, applies fn and writes the result
func (s *Store) Update(fn func(*Config)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, err := LoadFrom(s.path)
	if err != nil {
		return err
	}
	fn(cfg)
	return cfg.SaveTo(s.path)
}
