package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// Load reads, defaults, and validates a configuration file. The returned
// integrity hash identifies the exact file contents for run records.
func Load(configPath string) (*Config, string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, "", fmt.Errorf("resolve config path %q: %w", configPath, err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, "", fmt.Errorf("read config: %w", err)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, "", fmt.Errorf("parse config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, "", fmt.Errorf("invalid configuration: %w", err)
	}

	sum := blake3.Sum256(data)
	return cfg, hex.EncodeToString(sum[:]), nil
}
