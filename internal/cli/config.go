package cli

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ServeConfig is the yaml configuration for the serve command.
type ServeConfig struct {
	// Listen is the TCP address to accept connections on.
	Listen string `yaml:"listen"`

	// Tags is the diagnostic label set attached to every session log
	// line.
	Tags []string `yaml:"tags"`

	// Journal, when set, records every frame of every connection to a
	// SQLite journal at this path.
	Journal string `yaml:"journal"`
}

// DefaultListen is used when neither flag nor config names an address.
const DefaultListen = "127.0.0.1:4750"

// LoadServeConfig reads a yaml config file. A missing path yields the
// defaults.
func LoadServeConfig(path string) (*ServeConfig, error) {
	cfg := &ServeConfig{Listen: DefaultListen}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.Listen == "" {
		cfg.Listen = DefaultListen
	}
	return cfg, nil
}
