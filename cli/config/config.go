// Package config provides configuration management for the kestrel CLI.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Supported database drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// ConfigFileName is the default config file name.
const ConfigFileName = "kestrel.yaml"

// Config represents the kestrel CLI configuration.
type Config struct {
	// Version of the config file format
	Version string `yaml:"version"`

	// Project configuration
	Project ProjectConfig `yaml:"project"`

	// Database configuration
	Database DatabaseConfig `yaml:"database"`

	// Snapshots configuration
	Snapshots SnapshotConfig `yaml:"snapshots"`
}

// ProjectConfig contains project-level settings.
type ProjectConfig struct {
	// Name of the project
	Name string `yaml:"name"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	// Driver is the storage backend (postgres, sqlite, memory)
	Driver string `yaml:"driver"`

	// URL is the connection string, or the file path for sqlite.
	// Environment references such as ${DATABASE_URL} are expanded.
	URL string `yaml:"url,omitempty"`

	// Schema is the database schema to use (postgres only)
	Schema string `yaml:"schema,omitempty"`
}

// SnapshotConfig contains snapshot policy settings.
type SnapshotConfig struct {
	// Every is the automatic snapshot interval in events; 0 disables it.
	Every int64 `yaml:"every"`
}

// envOverrides holds the environment variables that take precedence over
// the file. Unset variables leave the file value alone.
type envOverrides struct {
	Driver string `env:"KESTREL_DATABASE_DRIVER"`
	URL    string `env:"KESTREL_DATABASE_URL"`
	Schema string `env:"KESTREL_DATABASE_SCHEMA"`
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		Version: "1",
		Project: ProjectConfig{
			Name: "my-kestrel-app",
		},
		Database: DatabaseConfig{
			Driver: DriverPostgres,
			URL:    "${DATABASE_URL}",
			Schema: "kestrel",
		},
		Snapshots: SnapshotConfig{
			Every: 100,
		},
	}
}

// Load loads configuration from the specified directory.
func Load(dir string) (*Config, error) {
	return LoadFile(filepath.Join(dir, ConfigFileName))
}

// LoadFile loads configuration from a specific file path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	return &cfg, nil
}

// ApplyEnv overlays KESTREL_DATABASE_* environment variables onto c.
func (c *Config) ApplyEnv() error {
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	if o.Driver != "" {
		c.Database.Driver = o.Driver
	}
	if o.URL != "" {
		c.Database.URL = o.URL
	}
	if o.Schema != "" {
		c.Database.Schema = o.Schema
	}
	return nil
}

// DatabaseURL returns the connection string with environment references
// expanded.
func (c *Config) DatabaseURL() string {
	return os.ExpandEnv(c.Database.URL)
}

// Save saves the configuration to the specified directory.
func (c *Config) Save(dir string) error {
	return c.SaveFile(filepath.Join(dir, ConfigFileName))
}

// SaveFile saves the configuration to a specific file path.
func (c *Config) SaveFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// Exists checks if a config file exists in the directory.
func Exists(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, ConfigFileName))
	return err == nil
}

// FindConfig searches for a config file starting from dir and going up.
func FindConfig(dir string) (string, *Config, error) {
	current := dir
	for {
		configPath := filepath.Join(current, ConfigFileName)
		if _, err := os.Stat(configPath); err == nil {
			cfg, err := LoadFile(configPath)
			if err != nil {
				return "", nil, err
			}
			return current, cfg, nil
		}

		parent := filepath.Dir(current)
		if parent == current {
			return "", nil, os.ErrNotExist
		}
		current = parent
	}
}

// Validate reports every problem with the configuration.
func (c *Config) Validate() error {
	var errs []error

	if c.Project.Name == "" {
		errs = append(errs, errors.New("project.name is required"))
	}

	switch c.Database.Driver {
	case DriverPostgres, DriverSQLite:
		if url := c.DatabaseURL(); url == "" {
			errs = append(errs, fmt.Errorf("database.url is required for %s driver", c.Database.Driver))
		}
	case DriverMemory:
	case "":
		errs = append(errs, errors.New("database.driver is required"))
	default:
		errs = append(errs, fmt.Errorf("database.driver must be one of %s, %s or %s, got %q",
			DriverPostgres, DriverSQLite, DriverMemory, c.Database.Driver))
	}

	if c.Snapshots.Every < 0 {
		errs = append(errs, errors.New("snapshots.every must not be negative"))
	}

	return errors.Join(errs...)
}

// GenerateYAML generates YAML content with comments.
func GenerateYAML(cfg *Config) string {
	return `# Kestrel configuration file
# Environment variables KESTREL_DATABASE_DRIVER, KESTREL_DATABASE_URL and
# KESTREL_DATABASE_SCHEMA override the database section.

version: "1"

project:
  name: "` + cfg.Project.Name + `"

database:
  # Driver: postgres, sqlite or memory
  driver: "` + cfg.Database.Driver + `"

  # Connection URL (postgres) or file path (sqlite)
  url: "` + cfg.Database.URL + `"

  # Database schema (postgres only)
  schema: "` + cfg.Database.Schema + `"

snapshots:
  # Take a snapshot every N events; 0 disables automatic snapshots
  every: ` + fmt.Sprint(cfg.Snapshots.Every) + `
`
}
