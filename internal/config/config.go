// Package config handles parsing and validation of the process
// configuration: the directories, network surface, and tuning knobs every
// other component is constructed from.
package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds every environment/config value the core consumes.
type Config struct {
	InfoDir             string `yaml:"info_dir"`
	BuildInvalidatorDir string `yaml:"build_invalidator_dir"`
	TemplateDir         string `yaml:"template_dir"`
	AssetsDir           string `yaml:"assets_dir"`
	Root                string `yaml:"root"`

	// AllowedClients is a list of IPs, or the literal "ALL" to allow every
	// client. Empty means no client may reach the reporting server.
	AllowedClients []string `yaml:"allowed_clients"`

	NumWorkers           int  `yaml:"num_workers"`
	PartitionSizeHint    int  `yaml:"partition_size_hint"`
	InvalidateDependents bool `yaml:"invalidate_dependents"`

	// ExtraData is opaque byte material folded into every cache key (a
	// build environment fingerprint, typically). Never interpreted here.
	ExtraData []byte `yaml:"extra_data"`
}

// Load reads .env into the process environment (missing is not an error),
// then parses path as YAML into a Config and validates it.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %q: %w", path, err)
	}

	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("config: parsing %q: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate ensures every required field is present and self-consistent.
func (c *Config) Validate() error {
	if c.InfoDir == "" {
		return fmt.Errorf("config: info_dir is required")
	}
	if c.BuildInvalidatorDir == "" {
		return fmt.Errorf("config: build_invalidator_dir is required")
	}
	if c.NumWorkers < 1 {
		return fmt.Errorf("config: num_workers must be at least 1")
	}
	if c.PartitionSizeHint < 0 {
		return fmt.Errorf("config: partition_size_hint must not be negative")
	}
	if len(c.AllowedClients) == 0 {
		return fmt.Errorf("config: allowed_clients must name at least one client or \"ALL\"")
	}
	return nil
}

// AllowsAll reports whether the allow-list is the wildcard "ALL".
func (c *Config) AllowsAll() bool {
	for _, a := range c.AllowedClients {
		if a == "ALL" {
			return true
		}
	}
	return false
}

// AllowsClient reports whether ip is permitted to reach the reporting
// server.
func (c *Config) AllowsClient(ip string) bool {
	if c.AllowsAll() {
		return true
	}
	for _, a := range c.AllowedClients {
		if a == ip {
			return true
		}
	}
	return false
}
