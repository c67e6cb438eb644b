// Package config persists the application's database connection settings.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"
)

// DefaultPath is where the application reads its connection settings.
const DefaultPath = "/etc/appliance/database.yml"

// ApplicationConfig is the application's persisted connection settings.
type ApplicationConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	Region   string `yaml:"region"`
}

// Store reads and writes the application configuration file.
type Store struct {
	// Path is the configuration location, overridable for tests.
	Path string
}

// NewStore returns a Store over the default configuration path.
func NewStore() *Store {
	return &Store{Path: DefaultPath}
}

// Write persists the configuration atomically (temp file + rename) with
// owner-only permissions, since it carries credentials.
func (s *Store) Write(cfg ApplicationConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(s.Path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".database-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", tmpName, err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to chmod %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", tmpName, err)
	}

	if err := os.Rename(tmpName, s.Path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", s.Path, err)
	}

	klog.V(2).Infof("Wrote application config to %s (database %s)", s.Path, cfg.Database)
	return nil
}

// Read loads the persisted configuration.
func (s *Store) Read() (*ApplicationConfig, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", s.Path, err)
	}

	var cfg ApplicationConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", s.Path, err)
	}
	return &cfg, nil
}
